package fcdriver

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

// fakeGuest emulates the guest agent's side of a GuestConn for tests,
// without needing a real vsock/Firecracker UDS bridge.
func fakeGuest(t *testing.T, conn net.Conn, handle func(Envelope) *Envelope) {
	t.Helper()
	go func() {
		for {
			var env Envelope
			if err := ReadMessage(conn, &env); err != nil {
				return
			}
			if resp := handle(env); resp != nil {
				if err := WriteMessage(conn, resp); err != nil {
					return
				}
			}
		}
	}()
}

func TestGuestConnLoadModuleRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeGuest(t, server, func(env Envelope) *Envelope {
		if env.Type != MsgTypeLoadModule {
			return nil
		}
		return &Envelope{Type: MsgTypeLoaded, Loaded: &LoadModuleResponse{
			ModuleName: env.Load.ModuleName,
			Functions:  []FunctionDescriptor{{Name: "add", NumArgs: 2, NumResults: 1}},
		}}
	})

	gc := newGuestConnFromNetConn(client, nil)
	defer gc.Close()

	resp, err := gc.LoadModule(LoadModuleRequest{ModuleName: "main"})
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if resp.ModuleName != "main" {
		t.Errorf("ModuleName = %q, want main", resp.ModuleName)
	}
	if len(resp.Functions) != 1 || resp.Functions[0].Name != "add" {
		t.Errorf("Functions = %+v, want one entry named add", resp.Functions)
	}
}

func TestGuestConnLoadModuleErrorPropagates(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fakeGuest(t, server, func(env Envelope) *Envelope {
		return &Envelope{Type: MsgTypeLoaded, Loaded: &LoadModuleResponse{Error: "bad bytecode"}}
	})

	gc := newGuestConnFromNetConn(client, nil)
	defer gc.Close()

	if _, err := gc.LoadModule(LoadModuleRequest{ModuleName: "main"}); err == nil {
		t.Fatal("expected an error from a failed load_module")
	}
}

func TestGuestConnCallDemultiplexesOutOfOrderResults(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type pendingCall struct {
		id   uint64
		args []byte
	}
	calls := make(chan pendingCall, 4)

	go func() {
		for {
			var env Envelope
			if err := ReadMessage(server, &env); err != nil {
				return
			}
			if env.Type == MsgTypeCall {
				calls <- pendingCall{id: env.Call.ID, args: env.Call.Args}
			}
		}
	}()

	gc := newGuestConnFromNetConn(client, nil)
	defer gc.Close()

	ch1, err := gc.Call("main", "slow", []byte(`[1]`))
	if err != nil {
		t.Fatalf("Call 1: %v", err)
	}
	ch2, err := gc.Call("main", "fast", []byte(`[2]`))
	if err != nil {
		t.Fatalf("Call 2: %v", err)
	}

	first := <-calls
	second := <-calls

	// Reply to the second call first, to prove results are correlated by ID
	// rather than by the order calls were issued.
	results2, _ := json.Marshal([]any{second.id})
	WriteMessage(server, &Envelope{Type: MsgTypeResult, Result: &CallResult{ID: second.id, Results: results2}})
	results1, _ := json.Marshal([]any{first.id})
	WriteMessage(server, &Envelope{Type: MsgTypeResult, Result: &CallResult{ID: first.id, Results: results1}})

	select {
	case r := <-ch2:
		var got []uint64
		json.Unmarshal(r.Results, &got)
		if len(got) != 1 || got[0] != second.id {
			t.Errorf("ch2 result = %v, want [%d]", got, second.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ch2")
	}

	select {
	case r := <-ch1:
		var got []uint64
		json.Unmarshal(r.Results, &got)
		if len(got) != 1 || got[0] != first.id {
			t.Errorf("ch1 result = %v, want [%d]", got, first.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ch1")
	}
}
