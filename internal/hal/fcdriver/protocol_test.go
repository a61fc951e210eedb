package fcdriver

import (
	"bytes"
	"testing"
)

func writeReadEnvelope(t *testing.T, env Envelope) Envelope {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &env); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	var decoded Envelope
	if err := ReadMessage(&buf, &decoded); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return decoded
}

func TestWriteReadLoadModuleEnvelope(t *testing.T) {
	original := Envelope{
		Type: MsgTypeLoadModule,
		Load: &LoadModuleRequest{
			ModuleName: "main",
			Bytecode:   []byte{0x01, 0x02, 0x03},
			Params:     map[string][]byte{"w0": {0xAA, 0xBB}},
		},
	}
	decoded := writeReadEnvelope(t, original)

	if decoded.Type != MsgTypeLoadModule {
		t.Errorf("Type = %q, want %q", decoded.Type, MsgTypeLoadModule)
	}
	if decoded.Load == nil || decoded.Load.ModuleName != "main" {
		t.Fatalf("Load = %+v, want ModuleName=main", decoded.Load)
	}
	if !bytes.Equal(decoded.Load.Bytecode, original.Load.Bytecode) {
		t.Errorf("Bytecode = %v, want %v", decoded.Load.Bytecode, original.Load.Bytecode)
	}
	if !bytes.Equal(decoded.Load.Params["w0"], []byte{0xAA, 0xBB}) {
		t.Errorf("Params[w0] = %v, want [0xAA 0xBB]", decoded.Load.Params["w0"])
	}
}

func TestWriteReadCallEnvelope(t *testing.T) {
	original := Envelope{
		Type: MsgTypeCall,
		Call: &CallRequest{ID: 42, ModuleName: "main", Function: "add", Args: []byte(`[1,2]`)},
	}
	decoded := writeReadEnvelope(t, original)

	if decoded.Call == nil || decoded.Call.ID != 42 {
		t.Fatalf("Call = %+v, want ID=42", decoded.Call)
	}
	if decoded.Call.Function != "add" {
		t.Errorf("Function = %q, want add", decoded.Call.Function)
	}
}

func TestWriteReadResultEnvelope(t *testing.T) {
	original := Envelope{Type: MsgTypeResult, Result: &CallResult{ID: 7, Results: []byte(`[3]`)}}
	decoded := writeReadEnvelope(t, original)

	if decoded.Result == nil || decoded.Result.ID != 7 {
		t.Fatalf("Result = %+v, want ID=7", decoded.Result)
	}
	if decoded.Result.Error != "" {
		t.Errorf("Error = %q, want empty", decoded.Result.Error)
	}
}

func TestReadMessageTruncatedLength(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x01})
	var env Envelope
	if err := ReadMessage(buf, &env); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestReadMessageOversized(t *testing.T) {
	var buf bytes.Buffer
	oversize := uint32(MaxMessageSize + 1)
	buf.Write([]byte{byte(oversize >> 24), byte(oversize >> 16), byte(oversize >> 8), byte(oversize)})

	var env Envelope
	if err := ReadMessage(&buf, &env); err == nil {
		t.Fatal("expected error for oversized message")
	}
}
