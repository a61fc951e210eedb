package fcdriver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// Retry defaults for vsock connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// GuestConn is a multiplexed connection to the guest agent inside one
// Firecracker microVM: many concurrent CallRequests may be outstanding on
// the same connection, correlated by CallRequest.ID. Grounded on the
// teacher's vsock.GuestConn, generalized from its single-outstanding-
// workload RunWorkload to a demultiplexing read loop so that invocations
// against different queues on the same fcvm device do not serialize behind
// one another on the wire.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan CallResult
	loaded   chan LoadModuleResponse
	closed   bool
	closeErr error
}

// DialGuest connects to the guest agent via Firecracker's vsock UDS bridge
// and starts its demultiplexing read loop. udsPath is the Unix socket
// Firecracker exposes for vsock traffic; port is the guest agent's vsock
// listening port.
func DialGuest(ctx context.Context, udsPath string, port uint32, logger *slog.Logger) (*GuestConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		default:
		}

		gc, err := dialVsockUDS(ctx, udsPath, port, logger)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial guest: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return gc, nil
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT
// handshake. Firecracker bridges the UDS connection to the guest's vsock
// listener. Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32, logger *slog.Logger) (*GuestConn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	connectMsg := fmt.Sprintf("CONNECT %d\n", port)
	if _, err := conn.Write([]byte(connectMsg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	gc := &GuestConn{
		conn:    conn,
		reader:  reader,
		logger:  logger,
		pending: make(map[uint64]chan CallResult),
	}
	go gc.readLoop()
	return gc, nil
}

// newGuestConnFromNetConn wraps an already-established connection, bypassing
// the UDS CONNECT handshake. Used by tests against a net.Pipe/TCP fake guest.
func newGuestConnFromNetConn(conn net.Conn, logger *slog.Logger) *GuestConn {
	gc := &GuestConn{conn: conn, reader: conn, logger: logger, pending: make(map[uint64]chan CallResult)}
	go gc.readLoop()
	return gc
}

// LoadModule sends a load_module request and blocks for the guest's
// acknowledgement.
func (gc *GuestConn) LoadModule(req LoadModuleRequest) (LoadModuleResponse, error) {
	if err := WriteMessage(gc.conn, &Envelope{Type: MsgTypeLoadModule, Load: &req}); err != nil {
		return LoadModuleResponse{}, fmt.Errorf("send load_module: %w", err)
	}
	// LoadModule replies are not correlated by ID (one module loads a time
	// per connection), so the read loop hands them to a dedicated channel.
	select {
	case resp := <-gc.loadedCh():
		if resp.Error != "" {
			return resp, fmt.Errorf("guest load_module failed: %s", resp.Error)
		}
		return resp, nil
	case <-time.After(30 * time.Second):
		return LoadModuleResponse{}, fmt.Errorf("timed out waiting for load_module response")
	}
}

// loadedCh lazily creates the single-slot channel the read loop posts
// LoadModuleResponses to. Calls to LoadModule are expected to be serialized
// by Program.Load, one module at a time.
func (gc *GuestConn) loadedCh() chan LoadModuleResponse {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.loaded == nil {
		gc.loaded = make(chan LoadModuleResponse, 1)
	}
	return gc.loaded
}

// Call sends a CallRequest and returns a channel the read loop delivers its
// CallResult to exactly once.
func (gc *GuestConn) Call(moduleName, function string, args []byte) (<-chan CallResult, error) {
	gc.mu.Lock()
	if gc.closed {
		gc.mu.Unlock()
		return nil, fmt.Errorf("guest connection closed: %w", gc.closeErr)
	}
	gc.nextID++
	id := gc.nextID
	ch := make(chan CallResult, 1)
	gc.pending[id] = ch
	gc.mu.Unlock()

	req := CallRequest{ID: id, ModuleName: moduleName, Function: function, Args: args}
	if err := WriteMessage(gc.conn, &Envelope{Type: MsgTypeCall, Call: &req}); err != nil {
		gc.mu.Lock()
		delete(gc.pending, id)
		gc.mu.Unlock()
		return nil, fmt.Errorf("send call: %w", err)
	}
	return ch, nil
}

// readLoop demultiplexes guest->host frames, dispatching log lines to the
// logger and result/loaded frames to their waiting callers.
func (gc *GuestConn) readLoop() {
	for {
		var env Envelope
		if err := ReadMessage(gc.reader, &env); err != nil {
			gc.fail(fmt.Errorf("read guest message: %w", err))
			return
		}
		switch env.Type {
		case MsgTypeLog:
			if gc.logger != nil {
				gc.logger.Info("guest log", "line", env.Line)
			}
		case MsgTypeLoaded:
			if env.Loaded != nil {
				select {
				case gc.loadedCh() <- *env.Loaded:
				default:
				}
			}
		case MsgTypeResult:
			if env.Result == nil {
				continue
			}
			gc.mu.Lock()
			ch, ok := gc.pending[env.Result.ID]
			if ok {
				delete(gc.pending, env.Result.ID)
			}
			gc.mu.Unlock()
			if ok {
				ch <- *env.Result
			}
		default:
			if gc.logger != nil {
				gc.logger.Warn("unknown guest message type", "type", env.Type)
			}
		}
	}
}

// fail aborts every outstanding call with err and marks the connection closed.
func (gc *GuestConn) fail(err error) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.closed {
		return
	}
	gc.closed = true
	gc.closeErr = err
	for id, ch := range gc.pending {
		ch <- CallResult{ID: id, Error: err.Error()}
	}
	gc.pending = nil
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}
