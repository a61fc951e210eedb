package fcdriver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nod-ai/sharktank/internal/hal"
	"github.com/nod-ai/sharktank/internal/rterr"
	"github.com/nod-ai/sharktank/internal/vm"
)

// callTimeout bounds how long AsyncInvoke waits for a guest CallResult once
// the request has been written to the connection.
const callTimeout = 60 * time.Second

// VM implements vm.VM by dispatching calls over one GuestConn to the guest
// agent running inside a single microVM. One VM instance backs one joined
// Context: the guest agent itself keeps every loaded module resident, so
// CreateContext here is bookkeeping only.
type VM struct {
	conn   *GuestConn
	logger *slog.Logger
}

// NewVM wraps an established GuestConn.
func NewVM(conn *GuestConn, logger *slog.Logger) *VM {
	return &VM{conn: conn, logger: logger}
}

type remoteModule struct {
	name  string
	funcs map[string]vm.FunctionAttrs
}

func (m *remoteModule) Name() string { return m.name }
func (m *remoteModule) Exports() []string {
	names := make([]string, 0, len(m.funcs))
	for n := range m.funcs {
		names = append(names, n)
	}
	return names
}

type remoteFunction struct {
	moduleName string
	attrs      vm.FunctionAttrs
}

func (f *remoteFunction) Attrs() vm.FunctionAttrs { return f.attrs }

type remoteContext struct {
	modules []vm.Module
}

func (c *remoteContext) Modules() []vm.Module { return c.modules }

// LoadModule sends the bytecode and resolved parameters to the guest agent
// and records the exported functions it reports back. Every remote function
// is classified ModelCoarseFences: the guest has no notion of device
// queues, but the host still needs ordering against other devices in the
// System, so AsyncInvoke enforces it locally (see the package doc).
func (v *VM) LoadModule(source vm.ModuleSource, params vm.ParameterProvider) (vm.Module, error) {
	req := LoadModuleRequest{ModuleName: source.Name, Bytecode: source.Bytecode}
	if params != nil {
		req.Params = collectParams(source, params)
	}

	resp, err := v.conn.LoadModule(req)
	if err != nil {
		return nil, rterr.Wrap(rterr.RuntimeFailure, "fcdriver.VM.LoadModule", source.Name, err)
	}

	funcs := make(map[string]vm.FunctionAttrs, len(resp.Functions))
	for _, fd := range resp.Functions {
		funcs[fd.Name] = vm.FunctionAttrs{
			Name:       fd.Name,
			NumArgs:    fd.NumArgs,
			NumResults: fd.NumResults,
			Model:      vm.ModelCoarseFences,
		}
	}
	return &remoteModule{name: source.Name, funcs: funcs}, nil
}

// collectParams inlines every parameter of params into the load request,
// since the guest cannot read the archive itself. It only works for a
// provider that also lists its names via Names() (internal/params does);
// for any other provider it returns nil and no parameters are sent.
func collectParams(source vm.ModuleSource, params vm.ParameterProvider) map[string][]byte {
	type namer interface{ Names() []string }
	n, ok := params.(namer)
	if !ok {
		return nil
	}
	out := make(map[string][]byte)
	for _, name := range n.Names() {
		if p, ok := params.Lookup(name); ok {
			out[name] = p.Data
		}
	}
	return out
}

// CreateContext joins modules. The guest agent itself keeps loaded modules
// resident across calls, so this is purely local bookkeeping.
func (v *VM) CreateContext(modules []vm.Module) (vm.Context, error) {
	return &remoteContext{modules: append([]vm.Module(nil), modules...)}, nil
}

// LookupFunction resolves moduleName.funcName against the Module's exports
// recorded at load time; no round trip is needed.
func (v *VM) LookupFunction(ctx vm.Context, moduleName, funcName string) (vm.Function, bool, error) {
	for _, m := range ctx.Modules() {
		rm, ok := m.(*remoteModule)
		if !ok || rm.name != moduleName {
			continue
		}
		attrs, ok := rm.funcs[funcName]
		if !ok {
			return nil, false, nil
		}
		return &remoteFunction{moduleName: moduleName, attrs: attrs}, true, nil
	}
	return nil, false, nil
}

// AsyncInvoke strips the coarse-fences wait/signal arguments ProgramInvocation
// appended (they cannot be JSON-marshaled to the guest), blocks on the wait
// fence itself, then dispatches the remaining arguments over vsock. The
// guest's eventual CallResult is delivered to cb on its own goroutine.
func (v *VM) AsyncInvoke(ctx vm.Context, fn vm.Function, args []any, resultCount int, cb vm.AsyncCallback) error {
	rf, ok := fn.(*remoteFunction)
	if !ok {
		return rterr.InvalidArg("fcdriver.VM.AsyncInvoke", "fn is not a remote function handle")
	}

	callArgs := args
	if rf.attrs.Model == vm.ModelCoarseFences && len(args) >= 2 {
		if waitFence, ok := args[len(args)-2].(hal.Fence); ok && waitFence != nil {
			if err := waitFence.Wait(time.Now().Add(callTimeout)); err != nil {
				return rterr.Wrap(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", "wait fence", err)
			}
		}
		callArgs = args[:len(args)-2]
	}

	encoded, err := json.Marshal(callArgs)
	if err != nil {
		return rterr.Wrap(rterr.InvalidArgument, "fcdriver.VM.AsyncInvoke", "marshal args", err)
	}

	resultCh, err := v.conn.Call(rf.moduleName, rf.attrs.Name, encoded)
	if err != nil {
		return rterr.Wrap(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", "send call", err)
	}

	start := time.Now()
	go func() {
		select {
		case result := <-resultCh:
			callDuration.Observe(time.Since(start).Seconds())
			if result.Error != "" {
				callsTotal.WithLabelValues(outcomeFailed).Inc()
				cb(nil, rterr.New(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", result.Error))
				return
			}
			var results []any
			if len(result.Results) > 0 {
				if err := json.Unmarshal(result.Results, &results); err != nil {
					callsTotal.WithLabelValues(outcomeFailed).Inc()
					cb(nil, rterr.Wrap(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", "unmarshal results", err))
					return
				}
			}
			if resultCount >= 0 && len(results) != resultCount {
				callsTotal.WithLabelValues(outcomeFailed).Inc()
				cb(nil, rterr.New(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", fmt.Sprintf("guest returned %d results, want %d", len(results), resultCount)))
				return
			}
			callsTotal.WithLabelValues(outcomeSuccess).Inc()
			cb(results, nil)
		case <-time.After(callTimeout):
			callsTotal.WithLabelValues(outcomeFailed).Inc()
			cb(nil, rterr.New(rterr.RuntimeFailure, "fcdriver.VM.AsyncInvoke", "timed out waiting for guest result"))
		}
	}()
	return nil
}
