package guestagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nod-ai/sharktank/internal/hal/fcdriver"
)

// loadedModule tracks one module bound on a connection: its exported
// function specs plus the byte-blob parameters the load request supplied.
type loadedModule struct {
	funcs  map[string]FunctionSpec
	params map[string][]byte
}

// Agent accepts vsock connections from the host driver and serves the
// fcdriver wire protocol against a fixed Registry. One Agent can serve many
// connections, but in practice the host dials exactly one long-lived
// connection per microVM and multiplexes every load_module/call over it.
type Agent struct {
	listener net.Listener
	registry *Registry
	logger   *slog.Logger
}

// New creates an Agent serving registry over listener.
func New(listener net.Listener, registry *Registry, logger *slog.Logger) *Agent {
	return &Agent{listener: listener, registry: registry, logger: logger}
}

// Serve accepts connections and handles each on its own goroutine. It
// blocks until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection reads envelopes off conn until it errors or closes,
// dispatching each to loadModule or call and writing back the response.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	loaded := map[string]*loadedModule{}

	for {
		var env fcdriver.Envelope
		if err := fcdriver.ReadMessage(conn, &env); err != nil {
			return
		}

		switch env.Type {
		case fcdriver.MsgTypeLoadModule:
			resp := a.loadModule(env.Load, loaded)
			a.write(conn, &writeMu, &fcdriver.Envelope{Type: fcdriver.MsgTypeLoaded, Loaded: &resp})
		case fcdriver.MsgTypeCall:
			result := a.call(env.Call, loaded)
			a.write(conn, &writeMu, &fcdriver.Envelope{Type: fcdriver.MsgTypeResult, Result: &result})
		default:
			a.logf("unknown envelope type %q", env.Type)
		}
	}
}

// loadModule resolves req.ModuleName against the registry and records its
// functions and parameters under loaded for subsequent calls on this
// connection. req.Bytecode is ignored: the registry is the guest's only
// source of executable code.
func (a *Agent) loadModule(req *fcdriver.LoadModuleRequest, loaded map[string]*loadedModule) fcdriver.LoadModuleResponse {
	if req == nil {
		return fcdriver.LoadModuleResponse{Error: "load_module envelope missing request"}
	}

	funcs, ok := a.registry.Module(req.ModuleName)
	if !ok {
		return fcdriver.LoadModuleResponse{ModuleName: req.ModuleName, Error: fmt.Sprintf("no registered module %q", req.ModuleName)}
	}

	loaded[req.ModuleName] = &loadedModule{funcs: funcs, params: req.Params}

	descriptors := make([]fcdriver.FunctionDescriptor, 0, len(funcs))
	for name, spec := range funcs {
		descriptors = append(descriptors, fcdriver.FunctionDescriptor{
			Name:       name,
			NumArgs:    spec.NumArgs,
			NumResults: spec.NumResults,
		})
	}
	return fcdriver.LoadModuleResponse{ModuleName: req.ModuleName, Functions: descriptors}
}

// call decodes req.Args, runs the matching registered function, and
// encodes its results (or error) into a CallResult carrying req.ID.
func (a *Agent) call(req *fcdriver.CallRequest, loaded map[string]*loadedModule) fcdriver.CallResult {
	if req == nil {
		return fcdriver.CallResult{Error: "call envelope missing request"}
	}

	mod, ok := loaded[req.ModuleName]
	if !ok {
		return fcdriver.CallResult{ID: req.ID, Error: fmt.Sprintf("module %q not loaded", req.ModuleName)}
	}
	spec, ok := mod.funcs[req.Function]
	if !ok {
		return fcdriver.CallResult{ID: req.ID, Error: fmt.Sprintf("module %q has no function %q", req.ModuleName, req.Function)}
	}

	var args []any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fcdriver.CallResult{ID: req.ID, Error: fmt.Sprintf("decode args: %v", err)}
		}
	}

	results, err := spec.Impl(args, mod.params)
	if err != nil {
		return fcdriver.CallResult{ID: req.ID, Error: err.Error()}
	}

	encoded, err := json.Marshal(results)
	if err != nil {
		return fcdriver.CallResult{ID: req.ID, Error: fmt.Sprintf("encode results: %v", err)}
	}
	return fcdriver.CallResult{ID: req.ID, Results: encoded}
}

// write serializes one envelope to conn under mu, so that concurrent
// writers to the same conn never interleave their frames.
func (a *Agent) write(conn net.Conn, mu *sync.Mutex, env *fcdriver.Envelope) {
	mu.Lock()
	defer mu.Unlock()
	if err := fcdriver.WriteMessage(conn, env); err != nil {
		a.logf("write envelope: %v", err)
	}
}

func (a *Agent) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Warn(fmt.Sprintf(format, args...))
}
