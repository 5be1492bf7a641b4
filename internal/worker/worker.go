// Package worker manages the external SQL worker process: its lifecycle and
// the request/response exchange with it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sqlcat/internal/bus"
	otelPkg "github.com/basket/sqlcat/internal/otel"
	"github.com/basket/sqlcat/internal/result"
	"github.com/basket/sqlcat/internal/shared"
)

// State is the lifecycle state of the worker.
type State string

const (
	Stopped    State = "stopped"
	Starting   State = "starting"
	Running    State = "running"
	Stopping   State = "stopping"
	Restarting State = "restarting"
)

// StateChangedEvent is published on bus.TopicWorkerStateChanged.
type StateChangedEvent struct {
	Old State
	New State
}

// LogEvent is published on bus.TopicWorkerLog for each log message the
// worker sends.
type LogEvent struct {
	Level   slog.Level
	Message string
}

// Connection is the worker's view of a connection profile.
type Connection struct {
	ID               string `json:"connection_id"`
	ConnectionString string `json:"connection_string"`
	Type             string `json:"type,omitempty"`
}

// ExecutionRequest asks the worker to run Query on a connection.
type ExecutionRequest struct {
	Query            string
	ConnectionID     string
	ConnectionString string
}

// MarshalJSON emits both camelCase and snake_case keys so either naming
// convention on the worker side finds them.
func (r ExecutionRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Query               string `json:"query"`
		ConnectionID        string `json:"connectionId"`
		ConnectionString    string `json:"connectionString"`
		ConnectionIDAlt     string `json:"connection_id"`
		ConnectionStringAlt string `json:"connection_string"`
	}{r.Query, r.ConnectionID, r.ConnectionString, r.ConnectionID, r.ConnectionString})
}

type Options struct {
	Launcher   Launcher
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics
	ClientName string
	Version    string

	// ShutdownTimeout bounds the shutdown request during Stop and Restart.
	ShutdownTimeout time.Duration
}

// Client owns the worker process. Lifecycle calls are serialized; requests
// run concurrently with each other.
type Client struct {
	launcher Launcher
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics
	name     string
	version  string
	grace    time.Duration

	lifeMu sync.Mutex

	mu      sync.RWMutex
	state   State
	conn    *conn
	started bool
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.ScopeName)
	}
	if opts.ClientName == "" {
		opts.ClientName = "sqlcat"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Client{
		launcher: opts.Launcher,
		bus:      opts.Bus,
		logger:   opts.Logger.With("component", "worker"),
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		name:     opts.ClientName,
		version:  opts.Version,
		grace:    opts.ShutdownTimeout,
		state:    Stopped,
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start launches the worker and completes the initialize handshake. It is a
// no-op while Running. On failure the worker is left Stopped.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.State() == Running {
		return nil
	}
	c.setState(Starting)
	return c.startLocked(ctx)
}

// Stop shuts the worker down. It is a no-op unless Running. The worker ends
// Stopped even when the shutdown exchange fails.
func (c *Client) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.State() != Running {
		return nil
	}
	c.setState(Stopping)
	err := c.stopLocked(ctx)
	c.setState(Stopped)
	return err
}

// Restart stops and starts the worker. Observers see Restarting followed by
// Running or Stopped. It needs a prior Start.
func (c *Client) Restart(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		c.logger.Error("restart requested before the worker was started")
		return ErrNoHandle
	}

	c.setState(Restarting)
	if err := c.stopLocked(ctx); err != nil {
		c.logger.Warn("stop during restart failed", "error", err)
	}
	if c.metrics != nil && c.metrics.WorkerRestarts != nil {
		c.metrics.WorkerRestarts.Add(ctx, 1)
	}
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	if c.launcher == nil {
		c.setState(Stopped)
		return &TransportError{Op: "launch", Err: errors.New("no worker launcher configured")}
	}
	t, err := c.launcher.Launch(ctx)
	if err != nil {
		c.logger.Error("launch worker failed", "error", err)
		c.setState(Stopped)
		return &TransportError{Op: "launch", Err: err}
	}

	cn := newConn(t, c.handleNotification, c.handleRequest)
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	params := map[string]any{
		"processId":    os.Getpid(),
		"clientInfo":   map[string]string{"name": c.name, "version": c.version},
		"capabilities": map[string]any{},
		"rootUri":      nil,
	}
	if _, err := cn.call(ctx, methodInitialize, params); err != nil {
		c.logger.Error("worker initialize failed", "error", err)
		_ = cn.close()
		c.setState(Stopped)
		return fmt.Errorf("initialize worker: %w", err)
	}
	if err := cn.notify(ctx, methodInitialized, map[string]any{}); err != nil {
		c.logger.Error("worker initialized notification failed", "error", err)
		_ = cn.close()
		c.setState(Stopped)
		return fmt.Errorf("initialize worker: %w", err)
	}

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.setState(Running)
	c.logger.Info("worker running")

	go c.watch(cn)
	return nil
}

// stopLocked runs the shutdown/exit exchange and closes the transport. The
// caller owns the state transitions.
func (c *Client) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cn == nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	var errs []error
	if _, err := cn.call(sctx, methodShutdown, nil); err != nil {
		c.logger.Warn("worker shutdown request failed", "error", err)
		errs = append(errs, fmt.Errorf("shutdown: %w", err))
	} else if err := cn.notify(sctx, methodExit, nil); err != nil {
		errs = append(errs, fmt.Errorf("exit: %w", err))
	}
	if err := cn.close(); err != nil {
		c.logger.Warn("close worker transport failed", "error", err)
		errs = append(errs, err)
	}
	c.logger.Info("worker stopped")
	return errors.Join(errs...)
}

// watch moves the worker to Stopped if the connection dies while Running.
func (c *Client) watch(cn *conn) {
	<-cn.Done()
	c.mu.Lock()
	if c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	old := c.state
	c.state = Stopped
	c.mu.Unlock()

	_ = cn.transport.Close()
	c.logger.Error("worker exited unexpectedly", "error", cn.Err())
	c.publishState(old, Stopped)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	c.publishState(old, s)
}

func (c *Client) publishState(old, s State) {
	if old == s {
		return
	}
	c.logger.Debug("worker state changed", "from", old, "to", s)
	c.bus.Publish(bus.TopicWorkerStateChanged, StateChangedEvent{Old: old, New: s})
}

func (c *Client) activeConn() (*conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Running || c.conn == nil {
		return nil, ErrNotRunning
	}
	return c.conn, nil
}

// SendCommand issues workspace/executeCommand and waits for the result.
func (c *Client) SendCommand(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	cn, err := c.activeConn()
	if err != nil {
		return nil, &TransportError{Op: name, Err: err}
	}
	if args == nil {
		args = []any{}
	}
	ctx = shared.EnsureTraceID(ctx)
	c.logger.Debug("sending worker command", "command", name, "trace_id", shared.TraceID(ctx))
	return cn.call(ctx, methodExecuteCommand, executeCommandParams{Command: name, Arguments: args})
}

// ExecuteCommand runs a query on the worker and decodes the result. Worker
// rejections come back as *CommandError, unreachable workers as
// *TransportError.
func (c *Client) ExecuteCommand(ctx context.Context, req ExecutionRequest) (result.Result, error) {
	ctx = shared.EnsureTraceID(ctx)
	ctx = shared.WithConnectionID(ctx, req.ConnectionID)
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "sqlcat.worker.execute",
		otelPkg.AttrConnectionID.String(req.ConnectionID),
		otelPkg.AttrCommand.String(CommandExecute),
	)
	defer span.End()

	logger := c.logger.With("trace_id", shared.TraceID(ctx), "connection", req.ConnectionID)
	start := time.Now()
	raw, err := c.SendCommand(ctx, CommandExecute, req)
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	if c.metrics != nil && c.metrics.ExecuteDuration != nil {
		c.metrics.ExecuteDuration.Record(ctx, elapsed,
			metric.WithAttributes(otelPkg.AttrConnectionID.String(req.ConnectionID)))
	}
	if err != nil {
		kind := errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		span.SetAttributes(otelPkg.AttrErrorKind.String(kind))
		if c.metrics != nil && c.metrics.ExecuteErrors != nil {
			c.metrics.ExecuteErrors.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrorKind.String(kind)))
		}
		logger.Warn("query failed", "kind", kind, "error", err, "elapsed_ms", elapsed)
		return nil, err
	}

	res := result.Decode(raw)
	span.SetAttributes(otelPkg.AttrResultKind.String(string(res.Kind())))
	logger.Info("query executed", "kind", res.Kind(), "elapsed_ms", elapsed)
	return res, nil
}

// CheckConnection asks the worker to open the connection and ping it.
func (c *Client) CheckConnection(ctx context.Context, target Connection) (bool, error) {
	raw, err := c.SendCommand(ctx, CommandCheckConnection, target)
	if err != nil {
		return false, err
	}
	for _, path := range []string{"data.result", "result"} {
		if v := gjson.GetBytes(raw, path); v.Exists() {
			return v.Bool(), nil
		}
	}
	return false, fmt.Errorf("unexpected check connection response: %s", raw)
}

// RegisterConnection tells the worker about one connection without waiting
// for an answer.
func (c *Client) RegisterConnection(ctx context.Context, target Connection) error {
	return c.sendNotification(ctx, CommandRegisterConnection, target)
}

// RegisterAllConnections replaces the worker's set of known connections.
func (c *Client) RegisterAllConnections(ctx context.Context, conns []Connection) error {
	if conns == nil {
		conns = []Connection{}
	}
	return c.sendNotification(ctx, CommandRegisterAllConnections, map[string]any{"connections": conns})
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	cn, err := c.activeConn()
	if err != nil {
		return &TransportError{Op: method, Err: err}
	}
	return cn.notify(ctx, method, params)
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case methodLogMessage, methodShowMessage:
		var p logMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Debug("bad worker log message", "error", err)
			return
		}
		level := logLevel(p.Type)
		c.logger.Log(context.Background(), level, p.Message, "source", "worker")
		c.bus.Publish(bus.TopicWorkerLog, LogEvent{Level: level, Message: p.Message})
	case "":
		c.logger.Warn("unparseable message from worker", "raw", string(params))
	default:
		c.logger.Debug("worker notification", "method", method)
	}
}

func (c *Client) handleRequest(method string) {
	c.logger.Debug("answered worker request with null", "method", method)
}

// logLevel maps LSP MessageType values onto slog levels.
func logLevel(t int) slog.Level {
	switch t {
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func errorKind(err error) string {
	var ce *CommandError
	switch {
	case errors.As(err, &ce):
		return "command"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case IsTransport(err):
		return "transport"
	}
	return "other"
}
