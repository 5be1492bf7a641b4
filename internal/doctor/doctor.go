// Package doctor inspects a sqlcat installation without starting the worker.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/sqlcat/internal/config"
	"github.com/basket/sqlcat/internal/dsn"
	"github.com/basket/sqlcat/internal/registry"
	"github.com/basket/sqlcat/internal/state"
)

// Status is the outcome of one check.
type Status string

const (
	Pass Status = "PASS"
	Warn Status = "WARN"
	Fail Status = "FAIL"
	Skip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

type check struct {
	name string
	run  func(context.Context, *config.Config) CheckResult
}

var checks = []check{
	{"Config", checkConfig},
	{"Permissions", checkPermissions},
	{"Connections", checkConnections},
	{"State", checkState},
	{"Worker", checkWorker},
}

// Run executes every check in order. A nil cfg fails Config and skips the
// rest.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System:    SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Version: version},
	}
	for _, c := range checks {
		res := c.run(ctx, cfg)
		res.Name = c.name
		d.Results = append(d.Results, res)
	}
	return d
}

func result(name string, status Status, format string, args ...any) CheckResult {
	return CheckResult{Name: name, Status: status, Message: fmt.Sprintf(format, args...)}
}

func (r CheckResult) with(detail string) CheckResult {
	r.Detail = detail
	return r
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg == nil:
		return result("Config", Fail, "Configuration not loaded")
	case cfg.NeedsInit:
		return result("Config", Warn, "config.yaml missing, using defaults").
			with("A starter file is written to " + config.ConfigPath(cfg.HomeDir) + " on first interactive run")
	}
	return result("Config", Pass, "Loaded from %s", cfg.HomeDir)
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return result("Permissions", Skip, "Config missing")
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return result("Permissions", Fail, "Home dir unwritable: %v", err)
	}
	_ = os.Remove(testFile)
	return result("Permissions", Pass, "Home directory writable")
}

// checkConnections validates the connections file against its schema and
// every profile's connection string against its driver.
func checkConnections(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return result("Connections", Skip, "Config missing")
	}
	path := cfg.ConnectionsPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return result("Connections", Warn, "%s does not exist", path).
			with("Run `sqlcat add` or `sqlcat open-config` to create it")
	}
	if err != nil {
		return result("Connections", Fail, "Read failed: %v", err)
	}

	profiles, err := registry.DecodeProfiles(data)
	if err != nil {
		return result("Connections", Fail, "File is malformed and will be read as empty").with(err.Error())
	}

	var problems []string
	for _, p := range profiles {
		typ, _ := dsn.ParseType(p.Type)
		if err := dsn.Validate(p.ConnectionString, typ); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p.Name, err))
		}
	}
	if len(problems) > 0 {
		return result("Connections", Warn, "%d of %d connection(s) have invalid connection strings",
			len(problems), len(profiles)).with(strings.Join(problems, "; "))
	}
	return result("Connections", Pass, "%d connection(s) valid", len(profiles))
}

func checkState(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return result("State", Skip, "Config missing")
	}
	store, err := state.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		return result("State", Fail, "Open failed: %v", err)
	}
	defer store.Close()

	selected, ok, err := store.Get(ctx, registry.SelectedKey)
	if err != nil {
		return result("State", Fail, "Query failed: %v", err)
	}
	if !ok {
		return result("State", Pass, "No connection selected").with(cfg.StatePath())
	}
	return result("State", Pass, "Selected connection %q", selected).with(cfg.StatePath())
}

func checkWorker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return result("Worker", Skip, "Config missing")
	}
	path, err := exec.LookPath(cfg.Worker.Command)
	if err != nil {
		return result("Worker", Fail, "%s not found", cfg.Worker.Command).
			with("Install the worker or set worker.command in config.yaml")
	}
	return result("Worker", Pass, "Found %s", path)
}
