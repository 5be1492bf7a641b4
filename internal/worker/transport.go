package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport carries framed JSON-RPC messages to and from the worker.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Launcher starts a worker and returns a transport connected to it.
type Launcher interface {
	Launch(ctx context.Context) (Transport, error)
}

// LaunchFunc adapts a function to Launcher.
type LaunchFunc func(ctx context.Context) (Transport, error)

func (f LaunchFunc) Launch(ctx context.Context) (Transport, error) { return f(ctx) }

// ProcessConfig describes the worker executable.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	// ShutdownTimeout bounds how long Close waits for the process to exit
	// before killing it.
	ShutdownTimeout time.Duration
}

// StdioLauncher runs the worker as a child process speaking over stdio.
type StdioLauncher struct {
	Process ProcessConfig
	Logger  *slog.Logger
}

func (l StdioLauncher) Launch(context.Context) (Transport, error) {
	return NewStdioTransport(l.Process, l.Logger)
}

const defaultShutdownTimeout = 5 * time.Second

// StdioTransport frames messages over a child process's stdin and stdout.
// stderr lines are logged at debug level.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	grace  time.Duration

	writeMu sync.Mutex
	closed  bool

	msgs    chan json.RawMessage
	readErr error
	closing chan struct{}
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// NewStdioTransport starts the process and begins reading its output.
func NewStdioTransport(cfg ProcessConfig, logger *slog.Logger) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", cfg.Command, err)
	}

	grace := cfg.ShutdownTimeout
	if grace <= 0 {
		grace = defaultShutdownTimeout
	}
	t := &StdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger.With("pid", cmd.Process.Pid),
		grace:   grace,
		msgs:    make(chan json.RawMessage, 16),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.logger.Debug("worker stderr", "line", scanner.Text())
		}
	}()
	go t.readLoop(bufio.NewReader(stdout))

	t.logger.Info("worker process started", "command", cfg.Command)
	return t, nil
}

// readLoop owns stdout. msgs is closed as soon as the stream ends so
// Receive fails right away; Wait is called only after stdout is drained.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer close(t.exited)
	err := t.pump(r)
	t.readErr = err
	close(t.msgs)

	if !errors.Is(err, io.EOF) && !errors.Is(err, ErrClosed) {
		// A desynchronized stream cannot be recovered.
		t.logger.Error("worker output is not framed, killing worker", "error", err)
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			t.logger.Warn("kill worker failed", "error", kerr)
		}
	}
	// Drain so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	t.waitErr = t.cmd.Wait()
}

func (t *StdioTransport) pump(r *bufio.Reader) error {
	for {
		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			return fmt.Errorf("read worker output: %w", err)
		}
		select {
		case t.msgs <- body:
		case <-t.closing:
			return ErrClosed
		}
	}
}

func (t *StdioTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := writeFrame(t.stdin, msg); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive returns the next message. After the process closes stdout it
// returns io.EOF or the framing error that ended the stream.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg, ok := <-t.msgs:
		if !ok {
			return nil, t.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes stdin and waits for the process to exit, killing it after the
// shutdown timeout.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		_ = t.stdin.Close()
		t.writeMu.Unlock()
		close(t.closing)

		select {
		case <-t.exited:
		case <-time.After(t.grace):
			t.logger.Warn("worker did not exit in time, killing", "timeout", t.grace)
			if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("kill worker: %w", kerr)
			}
			<-t.exited
		}
		t.logger.Info("worker process exited", "error", t.waitErr)
	})
	return err
}
