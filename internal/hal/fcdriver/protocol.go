package fcdriver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Envelope message types exchanged with the guest agent over vsock.
const (
	MsgTypeLoadModule = "load_module"
	MsgTypeLoaded      = "loaded"
	MsgTypeCall        = "call"
	MsgTypeResult      = "result"
	MsgTypeLog         = "log"
)

// LoadModuleRequest asks the guest to load one bytecode module and bind it
// to the named parameters, inlined since a vm.ParameterProvider cannot
// itself cross the vsock boundary.
type LoadModuleRequest struct {
	ModuleName string            `json:"module_name"`
	Bytecode   []byte            `json:"bytecode,omitempty"`
	Params     map[string][]byte `json:"params,omitempty"`
}

// FunctionDescriptor mirrors vm.FunctionAttrs for wire transport.
type FunctionDescriptor struct {
	Name       string `json:"name"`
	NumArgs    int    `json:"num_args"`
	NumResults int    `json:"num_results"`
}

// LoadModuleResponse reports the functions a loaded module exports. The
// driver always declares vm.ModelCoarseFences for remote functions so the
// host still orders them against other devices in the System, but fence
// values cannot be marshaled to the guest: VM.AsyncInvoke strips them and
// enforces the wait side-effect host-side before the call is ever sent
// (see vm.go).
type LoadModuleResponse struct {
	ModuleName string                `json:"module_name"`
	Functions  []FunctionDescriptor `json:"functions"`
	Error      string                `json:"error,omitempty"`
}

// CallRequest invokes one exported function. ID correlates the eventual
// CallResult on a connection shared by concurrent invocations.
type CallRequest struct {
	ID         uint64 `json:"id"`
	ModuleName string `json:"module_name"`
	Function   string `json:"function"`
	// Args is the JSON encoding of the call's argument slice, with any
	// hal.Fence values already stripped by the caller.
	Args []byte `json:"args"`
}

// CallResult is the guest's reply to a CallRequest.
type CallResult struct {
	ID      uint64 `json:"id"`
	Results []byte `json:"results,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Envelope wraps every guest<->host message in one discriminated frame.
type Envelope struct {
	Type   string               `json:"type"`
	Load   *LoadModuleRequest   `json:"load,omitempty"`
	Loaded *LoadModuleResponse  `json:"loaded,omitempty"`
	Call   *CallRequest         `json:"call,omitempty"`
	Result *CallResult          `json:"result,omitempty"`
	Line   string               `json:"line,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w. The frame format
// is a 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
