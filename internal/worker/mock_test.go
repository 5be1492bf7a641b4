package worker

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

// MockTransport implements Transport over channels.
type MockTransport struct {
	In  chan json.RawMessage // worker -> client
	Out chan json.RawMessage // client -> worker

	closed    chan struct{}
	closeOnce sync.Once
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		In:     make(chan json.RawMessage, 10),
		Out:    make(chan json.RawMessage, 10),
		closed: make(chan struct{}),
	}
}

func (m *MockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.Out <- msg:
		return nil
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.In:
		return msg, nil
	case <-m.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockTransport) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// commandHandler answers one workspace/executeCommand request. It returns
// either a result or an error object.
type commandHandler func(command string, args []json.RawMessage) (json.RawMessage, *rpcError)

// fakeWorker serves the JSON-RPC side of a MockTransport.
type fakeWorker struct {
	t         *testing.T
	transport *MockTransport
	handle    commandHandler

	mu      sync.Mutex
	methods []string
	notes   chan message
}

func startFakeWorker(t *testing.T, mt *MockTransport, handle commandHandler) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{t: t, transport: mt, handle: handle, notes: make(chan message, 32)}
	go fw.serve()
	return fw
}

func (fw *fakeWorker) serve() {
	for {
		select {
		case raw := <-fw.transport.Out:
			fw.handleRaw(raw)
		case <-fw.transport.closed:
			// Messages sent just before Close are still delivered.
			for {
				select {
				case raw := <-fw.transport.Out:
					fw.handleRaw(raw)
				default:
					return
				}
			}
		}
	}
}

func (fw *fakeWorker) handleRaw(raw json.RawMessage) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		fw.t.Errorf("fake worker got invalid JSON: %v", err)
		return
	}
	fw.mu.Lock()
	fw.methods = append(fw.methods, m.Method)
	fw.mu.Unlock()

	if !m.hasID() {
		fw.notes <- m
		return
	}
	switch m.Method {
	case methodInitialize:
		fw.respond(m.ID, json.RawMessage(`{"capabilities":{"executeCommandProvider":{"commands":["sqlcat.execute"]}}}`), nil)
	case methodShutdown:
		fw.respond(m.ID, json.RawMessage(`null`), nil)
	case methodExecuteCommand:
		var p struct {
			Command   string            `json:"command"`
			Arguments []json.RawMessage `json:"arguments"`
		}
		_ = json.Unmarshal(m.Params, &p)
		if fw.handle == nil {
			fw.respond(m.ID, json.RawMessage(`null`), nil)
			return
		}
		res, rerr := fw.handle(p.Command, p.Arguments)
		fw.respond(m.ID, res, rerr)
	case "":
		// A reply to a request the fake sent.
		fw.notes <- m
	default:
		fw.respond(m.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
	}
}

func (fw *fakeWorker) respond(id json.RawMessage, res json.RawMessage, rerr *rpcError) {
	out := map[string]any{"jsonrpc": "2.0", "id": id}
	if rerr != nil {
		out["error"] = rerr
	} else {
		out["result"] = res
	}
	b, _ := json.Marshal(out)
	fw.send(b)
}

func (fw *fakeWorker) send(b []byte) {
	select {
	case fw.transport.In <- b:
	case <-fw.transport.closed:
	}
}

func (fw *fakeWorker) seen() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]string(nil), fw.methods...)
}

// nextNote waits for the next notification sent by the client.
func (fw *fakeWorker) nextNote(t *testing.T) message {
	t.Helper()
	select {
	case m := <-fw.notes:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return message{}
	}
}

func mockLauncher(mt *MockTransport) Launcher {
	return LaunchFunc(func(context.Context) (Transport, error) { return mt, nil })
}
