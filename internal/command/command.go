// Package command implements the user-facing actions: managing connection
// profiles and running SQL on the selected one through the worker.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/sqlcat/internal/dsn"
	"github.com/basket/sqlcat/internal/format"
	"github.com/basket/sqlcat/internal/registry"
	"github.com/basket/sqlcat/internal/result"
	"github.com/basket/sqlcat/internal/shared"
	"github.com/basket/sqlcat/internal/worker"
)

// ErrCanceled is returned by Host prompts when the user backs out.
var ErrCanceled = errors.New("canceled")

// Registry is the part of *registry.Registry the actions use.
type Registry interface {
	List() []registry.Profile
	Get(name string) (registry.Profile, bool)
	Save(ctx context.Context, p registry.Profile) error
	Delete(ctx context.Context, name string) (bool, error)
	Selected() (registry.Profile, bool)
	SetSelected(ctx context.Context, name string) error
	Path() string
	EnsureFile() error
}

// Worker is the part of *worker.Client the actions use.
type Worker interface {
	State() worker.State
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	ExecuteCommand(ctx context.Context, req worker.ExecutionRequest) (result.Result, error)
	CheckConnection(ctx context.Context, target worker.Connection) (bool, error)
	RegisterConnection(ctx context.Context, target worker.Connection) error
	RegisterAllConnections(ctx context.Context, conns []worker.Connection) error
}

// InputOptions tune a single Host.Input prompt.
type InputOptions struct {
	Default  string
	Secret   bool
	Optional bool
	// Validate returns a message to show when the value is rejected.
	Validate func(string) string
}

// Output is the host's result buffer.
type Output interface {
	Clear()
	AppendLine(line string)
	Show()
}

// Host is the UI collaborator. Input, Pick and Confirm return ErrCanceled
// when the user dismisses the prompt.
type Host interface {
	Input(ctx context.Context, prompt string, opts InputOptions) (string, error)
	Pick(ctx context.Context, title string, items []string) (string, error)
	Confirm(ctx context.Context, prompt string) (bool, error)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	Output() Output
	OpenFile(ctx context.Context, path string) error
}

type Deps struct {
	Registry Registry
	Worker   Worker
	Host     Host
	Logger   *slog.Logger
}

// Commands holds no state of its own beyond its collaborators.
type Commands struct {
	reg    Registry
	worker Worker
	host   Host
	logger *slog.Logger
}

func New(deps Deps) *Commands {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		reg:    deps.Registry,
		worker: deps.Worker,
		host:   deps.Host,
		logger: logger.With("component", "command"),
	}
}

// ToConnection maps a profile onto the worker's connection shape.
func ToConnection(p registry.Profile) worker.Connection {
	c := worker.Connection{ID: p.Name, ConnectionString: p.ConnectionString}
	if t := p.DisplayType(); t != "unknown" {
		c.Type = t
	}
	return c
}

// ListConnections shows every profile, marking the selected one.
func (c *Commands) ListConnections(ctx context.Context) error {
	profiles := c.reg.List()
	if len(profiles) == 0 {
		c.host.Info("No connections configured")
		return nil
	}
	selected, hasSelected := c.reg.Selected()

	out := c.host.Output()
	out.Clear()
	for _, p := range profiles {
		marker := " "
		if hasSelected && p.Name == selected.Name {
			marker = "*"
		}
		out.AppendLine(fmt.Sprintf("%s %s [%s] %s", marker, p.Name, p.DisplayType(), dsn.Redacted(p.ConnectionString)))
	}
	out.Show()
	return nil
}

// AddConnection prompts for a new profile, validates its connection string
// and saves it. A running worker learns about it immediately.
func (c *Commands) AddConnection(ctx context.Context) error {
	name, err := c.host.Input(ctx, "Connection name", InputOptions{
		Validate: func(s string) string {
			if strings.TrimSpace(s) == "" {
				return "Name is required"
			}
			return ""
		},
	})
	if err != nil {
		return c.canceled(err)
	}
	name = strings.TrimSpace(name)

	if _, exists := c.reg.Get(name); exists {
		ok, err := c.host.Confirm(ctx, fmt.Sprintf("Connection %q exists. Replace it?", name))
		if err != nil {
			return c.canceled(err)
		}
		if !ok {
			return nil
		}
	}

	connStr, err := c.host.Input(ctx, "Connection string", InputOptions{
		Validate: func(s string) string {
			if strings.TrimSpace(s) == "" {
				return "Connection string is required"
			}
			return ""
		},
	})
	if err != nil {
		return c.canceled(err)
	}
	connStr = strings.TrimSpace(connStr)

	items := make([]string, 0, len(dsn.Types))
	inferred := dsn.Infer(connStr)
	if inferred != dsn.Unknown {
		items = append(items, string(inferred))
	}
	for _, t := range dsn.Types {
		if t != inferred {
			items = append(items, string(t))
		}
	}
	picked, err := c.host.Pick(ctx, "Database type", items)
	if err != nil {
		return c.canceled(err)
	}
	typ, ok := dsn.ParseType(picked)
	if !ok {
		c.host.Error(fmt.Sprintf("Unsupported database type %q", picked))
		return nil
	}

	if err := dsn.Validate(connStr, typ); err != nil {
		c.host.Error(fmt.Sprintf("Invalid connection string: %v", err))
		return nil
	}

	username, err := c.host.Input(ctx, "Username (optional)", InputOptions{Optional: true})
	if err != nil {
		return c.canceled(err)
	}
	password, err := c.host.Input(ctx, "Password (optional)", InputOptions{Optional: true, Secret: true})
	if err != nil {
		return c.canceled(err)
	}

	p := registry.Profile{
		Name:             name,
		ConnectionString: connStr,
		Type:             string(typ),
		Username:         strings.TrimSpace(username),
		Password:         password,
	}
	if err := c.reg.Save(ctx, p); err != nil {
		c.logger.Error("save connection failed", "profile", p, "error", err)
		c.host.Error(fmt.Sprintf("Failed to save connection %q: %v", name, err))
		return nil
	}
	c.host.Info(fmt.Sprintf("Connection %q saved", name))

	if c.worker.State() == worker.Running {
		if err := c.worker.RegisterConnection(ctx, ToConnection(p)); err != nil {
			c.logger.Warn("register connection failed", "name", name, "error", err)
		}
	}
	return nil
}

// DeleteConnection removes a profile after confirmation. An empty name asks
// the user to pick one.
func (c *Commands) DeleteConnection(ctx context.Context, name string) error {
	name, err := c.resolveName(ctx, name, "Delete connection")
	if err != nil || name == "" {
		return c.canceled(err)
	}
	if _, ok := c.reg.Get(name); !ok {
		c.host.Warn(fmt.Sprintf("Connection %q not found", name))
		return nil
	}
	ok, err := c.host.Confirm(ctx, fmt.Sprintf("Delete connection %q?", name))
	if err != nil {
		return c.canceled(err)
	}
	if !ok {
		return nil
	}

	removed, err := c.reg.Delete(ctx, name)
	switch {
	case err != nil:
		c.logger.Error("delete connection failed", "name", name, "error", err)
		c.host.Error(fmt.Sprintf("Failed to delete connection %q: %v", name, err))
	case !removed:
		c.host.Warn(fmt.Sprintf("Connection %q not found", name))
	default:
		c.host.Info(fmt.Sprintf("Connection %q deleted", name))
	}
	return nil
}

// OpenConfig opens the backing connections file for editing.
func (c *Commands) OpenConfig(ctx context.Context) error {
	if err := c.reg.EnsureFile(); err != nil {
		c.host.Error(fmt.Sprintf("Cannot create %s: %v", c.reg.Path(), err))
		return nil
	}
	if err := c.host.OpenFile(ctx, c.reg.Path()); err != nil {
		c.host.Error(fmt.Sprintf("Cannot open %s: %v", c.reg.Path(), err))
	}
	return nil
}

// SelectConnection makes name the target of ExecuteSQL. An empty name asks
// the user to pick one.
func (c *Commands) SelectConnection(ctx context.Context, name string) error {
	name, err := c.resolveName(ctx, name, "Select connection")
	if err != nil || name == "" {
		return c.canceled(err)
	}
	if err := c.reg.SetSelected(ctx, name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.host.Warn(fmt.Sprintf("Connection %q not found", name))
			return nil
		}
		c.host.Error(fmt.Sprintf("Failed to select connection %q: %v", name, err))
		return nil
	}
	c.host.Info(fmt.Sprintf("Selected connection %q", name))
	return nil
}

// ExecuteSQL runs sql on the selected connection and renders the outcome
// into the host output.
func (c *Commands) ExecuteSQL(ctx context.Context, sql string) error {
	profile, ok := c.reg.Selected()
	if !ok {
		c.host.Warn("No connection selected")
		return nil
	}
	sql = strings.TrimSpace(sql)
	if sql == "" {
		c.host.Warn("No SQL to execute")
		return nil
	}

	ctx = shared.EnsureTraceID(ctx)
	out := c.host.Output()
	out.Clear()
	out.AppendLine("Connection: " + profile.Name)
	out.AppendLine("SQL: " + sql)
	out.AppendLine("")
	out.Show()

	res, err := c.worker.ExecuteCommand(ctx, worker.ExecutionRequest{
		Query:            sql,
		ConnectionID:     profile.Name,
		ConnectionString: profile.ConnectionString,
	})
	if err != nil {
		c.logger.Warn("execute failed", "trace_id", shared.TraceID(ctx), "connection", profile.Name, "error", err)
		for _, line := range FailureLines(err) {
			out.AppendLine(line)
		}
		out.Show()
		c.host.Error("Query failed: " + firstLine(errorDetail(err)))
		return nil
	}

	for _, line := range format.Render(res, sql) {
		out.AppendLine(line)
	}
	out.Show()
	return nil
}

// CheckConnection asks the worker to ping the selected connection.
func (c *Commands) CheckConnection(ctx context.Context) error {
	profile, ok := c.reg.Selected()
	if !ok {
		c.host.Warn("No connection selected")
		return nil
	}
	alive, err := c.worker.CheckConnection(ctx, ToConnection(profile))
	switch {
	case err != nil:
		msg := fmt.Sprintf("Connection check for %q failed: %s", profile.Name, errorDetail(err))
		switch {
		case isCanceled(err):
			msg += ". " + canceledHint
		case worker.IsTransport(err):
			msg += ". " + restartHint
		}
		c.host.Error(msg)
	case alive:
		c.host.Info(fmt.Sprintf("Connection %q is reachable", profile.Name))
	default:
		c.host.Warn(fmt.Sprintf("Connection %q is not reachable", profile.Name))
	}
	return nil
}

// RestartWorker restarts the worker, or starts it if it never ran.
func (c *Commands) RestartWorker(ctx context.Context) error {
	err := c.worker.Restart(ctx)
	if errors.Is(err, worker.ErrNoHandle) {
		err = c.worker.Start(ctx)
	}
	if err != nil {
		c.logger.Error("worker restart failed", "error", err)
		c.host.Error(fmt.Sprintf("Failed to restart worker: %v", err))
		return err
	}
	c.host.Info("Worker restarted")
	return c.SyncConnections(ctx)
}

// SyncConnections hands the full registry to a running worker. It is a no-op
// while the worker is not running.
func (c *Commands) SyncConnections(ctx context.Context) error {
	if c.worker.State() != worker.Running {
		return nil
	}
	profiles := c.reg.List()
	conns := make([]worker.Connection, 0, len(profiles))
	for _, p := range profiles {
		conns = append(conns, ToConnection(p))
	}
	if err := c.worker.RegisterAllConnections(ctx, conns); err != nil {
		c.logger.Warn("sync connections failed", "count", len(conns), "error", err)
		return err
	}
	c.logger.Debug("connections synced", "count", len(conns))
	return nil
}

func (c *Commands) resolveName(ctx context.Context, name, title string) (string, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		return name, nil
	}
	profiles := c.reg.List()
	if len(profiles) == 0 {
		c.host.Info("No connections configured")
		return "", nil
	}
	items := make([]string, len(profiles))
	for i, p := range profiles {
		items[i] = p.Name
	}
	return c.host.Pick(ctx, title, items)
}

// canceled swallows ErrCanceled so backing out of a prompt is not a failure.
func (c *Commands) canceled(err error) error {
	if errors.Is(err, ErrCanceled) {
		return nil
	}
	return err
}
