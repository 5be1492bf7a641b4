package command

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/basket/sqlcat/internal/registry"
	"github.com/basket/sqlcat/internal/result"
	"github.com/basket/sqlcat/internal/state"
	"github.com/basket/sqlcat/internal/worker"
)

// fakeWorker records every call the actions make.
type fakeWorker struct {
	mu         sync.Mutex
	state      worker.State
	calls      []string
	executed   []worker.ExecutionRequest
	registered []worker.Connection
	synced     [][]worker.Connection

	execResult result.Result
	execErr    error
	checkOK    bool
	checkErr   error
	restartErr error
}

func (w *fakeWorker) record(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, name)
}

func (w *fakeWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

func (w *fakeWorker) State() worker.State { return w.state }

func (w *fakeWorker) Start(context.Context) error {
	w.record("start")
	w.state = worker.Running
	return nil
}

func (w *fakeWorker) Restart(context.Context) error {
	w.record("restart")
	if w.restartErr != nil {
		return w.restartErr
	}
	w.state = worker.Running
	return nil
}

func (w *fakeWorker) ExecuteCommand(_ context.Context, req worker.ExecutionRequest) (result.Result, error) {
	w.record("execute")
	w.executed = append(w.executed, req)
	return w.execResult, w.execErr
}

func (w *fakeWorker) CheckConnection(_ context.Context, target worker.Connection) (bool, error) {
	w.record("check")
	return w.checkOK, w.checkErr
}

func (w *fakeWorker) RegisterConnection(_ context.Context, target worker.Connection) error {
	w.record("register")
	w.registered = append(w.registered, target)
	return nil
}

func (w *fakeWorker) RegisterAllConnections(_ context.Context, conns []worker.Connection) error {
	w.record("register_all")
	w.synced = append(w.synced, conns)
	return nil
}

type fakeOutput struct {
	lines  []string
	clears int
	shows  int
}

func (o *fakeOutput) Clear()              { o.lines = nil; o.clears++ }
func (o *fakeOutput) AppendLine(l string) { o.lines = append(o.lines, l) }
func (o *fakeOutput) Show()               { o.shows++ }

// fakeHost answers prompts from queues and records notifications.
type fakeHost struct {
	inputs   []string
	picks    []string
	confirms []bool
	cancel   bool

	infos  []string
	warns  []string
	errors []string
	opened []string
	out    fakeOutput
}

func (h *fakeHost) Input(_ context.Context, prompt string, opts InputOptions) (string, error) {
	if h.cancel || len(h.inputs) == 0 {
		return "", ErrCanceled
	}
	v := h.inputs[0]
	h.inputs = h.inputs[1:]
	if opts.Validate != nil {
		if msg := opts.Validate(v); msg != "" {
			return "", ErrCanceled
		}
	}
	return v, nil
}

func (h *fakeHost) Pick(_ context.Context, _ string, items []string) (string, error) {
	if h.cancel || len(h.picks) == 0 {
		return "", ErrCanceled
	}
	v := h.picks[0]
	h.picks = h.picks[1:]
	if v == "" && len(items) > 0 {
		return items[0], nil
	}
	return v, nil
}

func (h *fakeHost) Confirm(context.Context, string) (bool, error) {
	if h.cancel || len(h.confirms) == 0 {
		return false, ErrCanceled
	}
	v := h.confirms[0]
	h.confirms = h.confirms[1:]
	return v, nil
}

func (h *fakeHost) Info(msg string)  { h.infos = append(h.infos, msg) }
func (h *fakeHost) Warn(msg string)  { h.warns = append(h.warns, msg) }
func (h *fakeHost) Error(msg string) { h.errors = append(h.errors, msg) }
func (h *fakeHost) Output() Output   { return &h.out }

func (h *fakeHost) OpenFile(_ context.Context, path string) error {
	h.opened = append(h.opened, path)
	return nil
}

type testEnv struct {
	cmds   *Commands
	reg    *registry.Registry
	worker *fakeWorker
	host   *fakeHost
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.Options{
		Path:  filepath.Join(t.TempDir(), "connections.json"),
		State: state.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	w := &fakeWorker{state: worker.Stopped}
	h := &fakeHost{}
	return &testEnv{
		cmds:   New(Deps{Registry: reg, Worker: w, Host: h}),
		reg:    reg,
		worker: w,
		host:   h,
	}
}

func (e *testEnv) seed(t *testing.T, profiles ...registry.Profile) {
	t.Helper()
	for _, p := range profiles {
		if err := e.reg.Save(context.Background(), p); err != nil {
			t.Fatalf("Save(%s): %v", p.Name, err)
		}
	}
}

func (e *testEnv) selectProfile(t *testing.T, name string) {
	t.Helper()
	if err := e.reg.SetSelected(context.Background(), name); err != nil {
		t.Fatalf("SetSelected(%s): %v", name, err)
	}
}

var (
	pgProfile   = registry.Profile{Name: "pg", ConnectionString: "postgres://app:hunter2@db:5432/shop"}
	liteProfile = registry.Profile{Name: "lite", ConnectionString: "sqlite:/tmp/app.db"}
)

func TestExecuteSQL_NoSelectionMakesNoWorkerCalls(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)

	if err := env.cmds.ExecuteSQL(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if n := env.worker.callCount(); n != 0 {
		t.Fatalf("worker calls = %d, want 0", n)
	}
	if len(env.host.warns) != 1 || env.host.warns[0] != "No connection selected" {
		t.Fatalf("warns = %v, want [No connection selected]", env.host.warns)
	}
}

func TestExecuteSQL_EmptySQL(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")

	if err := env.cmds.ExecuteSQL(context.Background(), "   "); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if n := env.worker.callCount(); n != 0 {
		t.Fatalf("worker calls = %d, want 0", n)
	}
	if len(env.host.warns) != 1 {
		t.Fatalf("warns = %v, want one", env.host.warns)
	}
}

func TestExecuteSQL_RendersRows(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")
	env.worker.state = worker.Running
	env.worker.execResult = result.RowSet{
		Rows: []result.Row{
			{{Column: "id", Value: json.Number("1")}, {Column: "name", Value: "ann"}},
		},
		ExecutionTimeMs: 2,
	}

	if err := env.cmds.ExecuteSQL(context.Background(), "SELECT id, name FROM users"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}

	if len(env.worker.executed) != 1 {
		t.Fatalf("executed = %d, want 1", len(env.worker.executed))
	}
	req := env.worker.executed[0]
	if req.ConnectionID != "pg" || req.ConnectionString != pgProfile.ConnectionString || req.Query != "SELECT id, name FROM users" {
		t.Fatalf("request = %+v", req)
	}

	lines := env.host.out.lines
	if env.host.out.clears != 1 {
		t.Fatalf("clears = %d, want 1", env.host.out.clears)
	}
	if lines[0] != "Connection: pg" || lines[1] != "SQL: SELECT id, name FROM users" {
		t.Fatalf("echo lines = %q", lines[:2])
	}
	if !slices.Contains(lines, "| id         | name       |") {
		t.Fatalf("missing header row in %q", lines)
	}
	if lines[len(lines)-1] != "1 row(s) returned in 2 ms" {
		t.Fatalf("summary = %q", lines[len(lines)-1])
	}
}

func TestExecuteSQL_AffectedRows(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")
	env.worker.execResult = result.Affected{RowsAffected: 3, ExecutionTimeMs: 12}

	if err := env.cmds.ExecuteSQL(context.Background(), "DELETE FROM t"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	lines := env.host.out.lines
	want := "Query executed successfully: 3 row(s) affected in 12 ms"
	if lines[len(lines)-1] != want {
		t.Fatalf("last line = %q, want %q", lines[len(lines)-1], want)
	}
}

func TestExecuteSQL_CommandErrorShowsDetailAndHints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")
	env.worker.execErr = &worker.CommandError{
		Code:    -32603,
		Message: "Command execution failed",
		Data:    json.RawMessage(`"syntax error at or near \"SELEC\""`),
	}

	if err := env.cmds.ExecuteSQL(context.Background(), "SELEC 1"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	lines := env.host.out.lines
	if !slices.Contains(lines, `Error: syntax error at or near "SELEC"`) {
		t.Fatalf("raw detail missing from %q", lines)
	}
	if !slices.Contains(lines, "Troubleshooting (syntax error):") {
		t.Fatalf("syntax hints missing from %q", lines)
	}
	if slices.Contains(lines, restartHint) {
		t.Fatalf("restart hint shown for a command error: %q", lines)
	}
	if len(env.host.errors) != 1 {
		t.Fatalf("errors = %v, want one notification", env.host.errors)
	}
}

func TestExecuteSQL_TransportErrorSuggestsRestart(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")
	env.worker.execErr = &worker.TransportError{Op: worker.CommandExecute, Err: worker.ErrNotRunning}

	if err := env.cmds.ExecuteSQL(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	lines := env.host.out.lines
	if !slices.Contains(lines, restartHint) {
		t.Fatalf("restart hint missing from %q", lines)
	}
	if !slices.Contains(lines, "Troubleshooting (connection error):") {
		t.Fatalf("connection hints missing from %q", lines)
	}
}

func TestExecuteSQL_TimeoutGetsCanceledHint(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.selectProfile(t, "pg")
	env.worker.execErr = &worker.TransportError{Op: worker.CommandExecute, Err: context.DeadlineExceeded}

	if err := env.cmds.ExecuteSQL(context.Background(), "SELECT pg_sleep(60)"); err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	lines := env.host.out.lines
	if !slices.Contains(lines, canceledHint) {
		t.Fatalf("canceled hint missing from %q", lines)
	}
	if slices.Contains(lines, restartHint) {
		t.Fatalf("a timed out request should not claim the worker is down: %q", lines)
	}
	if !slices.Contains(lines, "Troubleshooting (connection error):") {
		t.Fatalf("connection hints missing from %q", lines)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("near \"FORM\": syntax error"), hintSyntax},
		{errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), hintConnection},
		{errors.New("pq: password authentication failed for user \"app\""), hintConnection},
		{errors.New("no such table: users"), hintExecution},
		{&worker.TransportError{Op: "x", Err: worker.ErrClosed}, hintConnection},
		{&worker.TransportError{Op: "x", Err: context.Canceled}, hintConnection},
		{&worker.CommandError{Message: "Command execution failed", Data: json.RawMessage(`"permission denied for table t"`)}, hintExecution},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestListConnections_Empty(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cmds.ListConnections(context.Background()); err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(env.host.infos) != 1 || env.host.infos[0] != "No connections configured" {
		t.Fatalf("infos = %v", env.host.infos)
	}
}

func TestListConnections_MarksSelectedAndRedacts(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile, liteProfile)
	env.selectProfile(t, "lite")

	if err := env.cmds.ListConnections(context.Background()); err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	lines := env.host.out.lines
	if len(lines) != 2 {
		t.Fatalf("lines = %q, want 2", lines)
	}
	if strings.Contains(lines[0], "hunter2") {
		t.Fatalf("password leaked: %q", lines[0])
	}
	if !strings.HasPrefix(lines[0], "  pg [postgresql]") {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "* lite [sqlite]") {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestAddConnection_SavesAndRegistersWhenRunning(t *testing.T) {
	env := newTestEnv(t)
	env.worker.state = worker.Running
	env.host.inputs = []string{"pg", pgProfile.ConnectionString, "app", "secret"}
	env.host.picks = []string{""} // first item is the inferred type

	if err := env.cmds.AddConnection(context.Background()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	got, ok := env.reg.Get("pg")
	if !ok {
		t.Fatalf("profile not saved; errors=%v", env.host.errors)
	}
	if got.Type != "postgresql" || got.Username != "app" || got.Password != "secret" {
		t.Fatalf("saved = %+v", got)
	}
	if len(env.worker.registered) != 1 || env.worker.registered[0].ID != "pg" {
		t.Fatalf("registered = %+v, want pg", env.worker.registered)
	}
}

func TestAddConnection_NotRegisteredWhenStopped(t *testing.T) {
	env := newTestEnv(t)
	env.host.inputs = []string{"lite", "sqlite:/tmp/a.db", "", ""}
	env.host.picks = []string{"sqlite"}

	if err := env.cmds.AddConnection(context.Background()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if _, ok := env.reg.Get("lite"); !ok {
		t.Fatalf("profile not saved; errors=%v", env.host.errors)
	}
	if n := env.worker.callCount(); n != 0 {
		t.Fatalf("worker calls = %d, want 0", n)
	}
}

func TestAddConnection_RejectsInvalidConnectionString(t *testing.T) {
	env := newTestEnv(t)
	env.host.inputs = []string{"bad", "mysql://user@tcp(oops", "", ""}
	env.host.picks = []string{"postgresql"}

	if err := env.cmds.AddConnection(context.Background()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if _, ok := env.reg.Get("bad"); ok {
		t.Fatal("invalid profile was saved")
	}
	if len(env.host.errors) != 1 {
		t.Fatalf("errors = %v, want one", env.host.errors)
	}
}

func TestAddConnection_CanceledIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.host.cancel = true
	if err := env.cmds.AddConnection(context.Background()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if len(env.reg.List()) != 0 {
		t.Fatal("profile saved after cancel")
	}
}

func TestDeleteConnection_ConfirmAndClearSelection(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile, liteProfile)
	env.selectProfile(t, "pg")
	env.host.confirms = []bool{true}

	if err := env.cmds.DeleteConnection(context.Background(), "pg"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if _, ok := env.reg.Get("pg"); ok {
		t.Fatal("pg still present")
	}
	if _, ok := env.reg.Selected(); ok {
		t.Fatal("selection not cleared")
	}
}

func TestDeleteConnection_Declined(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	env.host.confirms = []bool{false}

	if err := env.cmds.DeleteConnection(context.Background(), "pg"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if _, ok := env.reg.Get("pg"); !ok {
		t.Fatal("pg deleted without confirmation")
	}
}

func TestDeleteConnection_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cmds.DeleteConnection(context.Background(), "ghost"); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if len(env.host.warns) != 1 || !strings.Contains(env.host.warns[0], "not found") {
		t.Fatalf("warns = %v", env.host.warns)
	}
}

func TestDeleteConnection_PicksWhenNameEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile, liteProfile)
	env.host.picks = []string{"lite"}
	env.host.confirms = []bool{true}

	if err := env.cmds.DeleteConnection(context.Background(), ""); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	if _, ok := env.reg.Get("lite"); ok {
		t.Fatal("lite still present")
	}
}

func TestSelectConnection(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)

	if err := env.cmds.SelectConnection(context.Background(), "pg"); err != nil {
		t.Fatalf("SelectConnection: %v", err)
	}
	sel, ok := env.reg.Selected()
	if !ok || sel.Name != "pg" {
		t.Fatalf("selected = %+v, %v", sel, ok)
	}

	if err := env.cmds.SelectConnection(context.Background(), "ghost"); err != nil {
		t.Fatalf("SelectConnection: %v", err)
	}
	if len(env.host.warns) != 1 {
		t.Fatalf("warns = %v, want one for unknown name", env.host.warns)
	}
}

func TestOpenConfig_EnsuresFile(t *testing.T) {
	env := newTestEnv(t)
	if err := env.cmds.OpenConfig(context.Background()); err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}
	if len(env.host.opened) != 1 || env.host.opened[0] != env.reg.Path() {
		t.Fatalf("opened = %v, want %s", env.host.opened, env.reg.Path())
	}
}

func TestCheckConnection(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, liteProfile)

	if err := env.cmds.CheckConnection(context.Background()); err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	if n := env.worker.callCount(); n != 0 {
		t.Fatalf("worker calls without selection = %d, want 0", n)
	}

	env.selectProfile(t, "lite")
	env.worker.checkOK = true
	if err := env.cmds.CheckConnection(context.Background()); err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	if len(env.host.infos) == 0 || !strings.Contains(env.host.infos[len(env.host.infos)-1], "reachable") {
		t.Fatalf("infos = %v", env.host.infos)
	}

	env.worker.checkErr = &worker.TransportError{Op: "check", Err: worker.ErrNotRunning}
	if err := env.cmds.CheckConnection(context.Background()); err != nil {
		t.Fatalf("CheckConnection: %v", err)
	}
	if len(env.host.errors) != 1 || !strings.Contains(env.host.errors[0], restartHint) {
		t.Fatalf("errors = %v", env.host.errors)
	}
}

func TestRestartWorker_StartsWhenNeverStarted(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile, liteProfile)
	env.worker.restartErr = worker.ErrNoHandle

	if err := env.cmds.RestartWorker(context.Background()); err != nil {
		t.Fatalf("RestartWorker: %v", err)
	}
	want := []string{"restart", "start", "register_all"}
	if !slices.Equal(env.worker.calls, want) {
		t.Fatalf("calls = %v, want %v", env.worker.calls, want)
	}
	if len(env.worker.synced[0]) != 2 {
		t.Fatalf("synced = %+v, want 2 connections", env.worker.synced[0])
	}
}

func TestSyncConnections_SkipsWhenStopped(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, pgProfile)
	if err := env.cmds.SyncConnections(context.Background()); err != nil {
		t.Fatalf("SyncConnections: %v", err)
	}
	if n := env.worker.callCount(); n != 0 {
		t.Fatalf("worker calls = %d, want 0", n)
	}
}

func TestToConnection(t *testing.T) {
	got := ToConnection(registry.Profile{Name: "x", ConnectionString: "odbc:thing"})
	if got.ID != "x" || got.ConnectionString != "odbc:thing" || got.Type != "" {
		t.Fatalf("ToConnection = %+v", got)
	}
	got = ToConnection(liteProfile)
	if got.Type != "sqlite" {
		t.Fatalf("Type = %q, want sqlite", got.Type)
	}
}
