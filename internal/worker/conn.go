package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// conn multiplexes JSON-RPC calls over one transport. Responses are matched
// to callers by request id and may arrive in any order.
type conn struct {
	transport Transport
	onNotify  func(method string, params json.RawMessage)
	onRequest func(method string)

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan callResult
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

type callResult struct {
	result json.RawMessage
	err    error
}

func newConn(t Transport, onNotify func(string, json.RawMessage), onRequest func(string)) *conn {
	if onNotify == nil {
		onNotify = func(string, json.RawMessage) {}
	}
	if onRequest == nil {
		onRequest = func(string) {}
	}
	c := &conn{
		transport: t,
		onNotify:  onNotify,
		onRequest: onRequest,
		pending:   make(map[int64]chan callResult),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c
}

// Done is closed when the connection is no longer usable.
func (c *conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, or nil while it is open.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.err != nil {
		cerr := c.err
		c.mu.Unlock()
		return nil, &TransportError{Op: method, Err: cerr}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, body); err != nil {
		c.forget(id)
		return nil, &TransportError{Op: method, Err: err}
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, &TransportError{Op: method, Err: ctx.Err()}
	case res := <-ch:
		return res.result, res.err
	}
}

func (c *conn) notify(ctx context.Context, method string, params any) error {
	if err := c.Err(); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	body, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	if err := c.transport.Send(ctx, body); err != nil {
		return &TransportError{Op: method, Err: err}
	}
	return nil
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) listen() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			c.fail(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(raw json.RawMessage) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		c.onNotify("", raw)
		return
	}
	switch {
	case m.Method != "" && m.hasID():
		// Server-to-client request; sqlcat implements none of them.
		c.onRequest(m.Method)
		body, _ := json.Marshal(reply{JSONRPC: "2.0", ID: m.ID, Result: json.RawMessage("null")})
		_ = c.transport.Send(context.Background(), body)
	case m.Method != "":
		c.onNotify(m.Method, m.Params)
	case m.hasID():
		id, err := strconv.ParseInt(string(m.ID), 10, 64)
		if err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			return
		}
		if m.Error != nil {
			ch <- callResult{err: &CommandError{Code: m.Error.Code, Message: m.Error.Message, Data: m.Error.Data}}
			return
		}
		ch <- callResult{result: m.Result}
	}
}

// fail closes the connection and fails every pending call.
func (c *conn) fail(cause error) {
	c.mu.Lock()
	if c.err == nil {
		if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, ErrClosed) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		}
	}
	cerr := c.err
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: &TransportError{Op: "receive", Err: cerr}}
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// close shuts the transport down and fails anything still pending.
func (c *conn) close() error {
	err := c.transport.Close()
	c.fail(ErrClosed)
	return err
}
