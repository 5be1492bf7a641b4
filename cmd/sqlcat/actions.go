package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// needsWorker lists the one-shot commands that talk to the worker.
var needsWorker = map[string]bool{
	"exec":  true,
	"check": true,
}

func runActionCommand(ctx context.Context, sub string, args []string) int {
	cfg, err := loadConfig()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	a, err := newApp(ctx, cfg, appOptions{quiet: true})
	if err != nil {
		return fatalStartup(nil, "E_APP_INIT", err)
	}
	defer a.Close(context.Background())

	a.autostartWorker(ctx, sub)

	if err := runAction(ctx, a, sub, args, os.Stdin); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		a.host.Error(err.Error())
		return 1
	}
	if a.host.errorCount() > 0 {
		return 1
	}
	return 0
}

// autostartWorker launches the worker for one-shot commands that talk to it.
// Without a selected connection those commands stop before any request, so
// the worker is not launched.
func (a *app) autostartWorker(ctx context.Context, sub string) {
	if !needsWorker[sub] || !a.cfg.Worker.Autostart {
		return
	}
	if _, ok := a.registry.Selected(); !ok {
		return
	}
	if err := a.startWorker(ctx); err != nil {
		a.host.Error(fmt.Sprintf("Failed to start worker %q: %v", a.cfg.Worker.Command, err))
	}
}

var errUsage = errors.New("usage")

// runAction dispatches one action on a wired app. stdin feeds exec when no
// SQL is given on the command line.
func runAction(ctx context.Context, a *app, sub string, args []string, stdin io.Reader) error {
	switch sub {
	case "list":
		return a.cmds.ListConnections(ctx)
	case "add":
		return a.cmds.AddConnection(ctx)
	case "delete":
		return a.cmds.DeleteConnection(ctx, strings.Join(args, " "))
	case "select":
		return a.cmds.SelectConnection(ctx, strings.Join(args, " "))
	case "open-config":
		return a.cmds.OpenConfig(ctx)
	case "check":
		return a.cmds.CheckConnection(ctx)
	case "restart":
		return a.cmds.RestartWorker(ctx)
	case "exec":
		sql, err := parseExecArgs(args, stdin)
		if err != nil {
			return err
		}
		return a.cmds.ExecuteSQL(ctx, sql)
	}
	return fmt.Errorf("unknown action %q", sub)
}

// parseExecArgs returns the SQL text from -f, the remaining arguments, or
// stdin, in that order of preference.
func parseExecArgs(args []string, stdin io.Reader) (string, error) {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("f", "", "read SQL from `file`")
	if err := fs.Parse(args); err != nil {
		return "", errUsage
	}
	if *file != "" && fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "usage: sqlcat exec [-f file] [sql...]")
		return "", errUsage
	}
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", *file, err)
		}
		return string(data), nil
	}
	if fs.NArg() > 0 {
		return strings.Join(fs.Args(), " "), nil
	}
	if stdin == nil {
		return "", nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}
