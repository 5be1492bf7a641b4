package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/basket/sqlcat/internal/command"
)

const shellHelp = `Commands:
  :list            list connections
  :add             add or replace a connection
  :delete [name]   delete a connection
  :select [name]   select the connection for queries
  :open            edit the connections file
  :check           check the selected connection
  :restart         restart the worker
  :stats           show worker and registry counters
  :help            show this help
  :quit            leave the shell
Anything else runs as SQL on the selected connection. End a line with \ to
continue it on the next one.`

// shellCommand is one parsed line of shell input.
type shellCommand struct {
	action string
	arg    string
}

// parseShellLine maps ":select pg" onto {select pg} and plain text onto an
// exec of that text. Blank lines parse to the zero command.
func parseShellLine(line string) shellCommand {
	line = strings.TrimSpace(line)
	if line == "" {
		return shellCommand{}
	}
	if !strings.HasPrefix(line, ":") {
		return shellCommand{action: "exec", arg: line}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "q", "exit":
		name = "quit"
	case "ls":
		name = "list"
	case "rm":
		name = "delete"
	case "use":
		name = "select"
	case "open-config", "edit":
		name = "open"
	case "h", "?":
		name = "help"
	}
	return shellCommand{action: name, arg: strings.TrimSpace(arg)}
}

func runShellCommand(ctx context.Context, args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "usage: sqlcat shell")
		return 2
	}
	cfg, err := loadConfig()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	a, err := newApp(ctx, cfg, appOptions{quiet: true})
	if err != nil {
		return fatalStartup(nil, "E_APP_INIT", err)
	}
	defer a.Close(context.Background())

	if err := a.registry.Watch(ctx); err != nil {
		a.logger.Warn("connections watcher unavailable", "error", err)
		a.host.Warn(fmt.Sprintf("Not watching %s for changes: %v", a.registry.Path(), err))
	}
	a.runSync(ctx)
	if cfg.Worker.Autostart {
		if err := a.worker.Start(ctx); err != nil {
			a.host.Error(fmt.Sprintf("Failed to start worker %q: %v", cfg.Worker.Command, err))
		}
	}

	// Unblock the pending read on interrupt.
	go func() {
		<-ctx.Done()
		_ = os.Stdin.Close()
	}()

	a.host.Info(fmt.Sprintf("sqlcat %s. Type :help for commands.", Version))
	if err := runShell(ctx, a); err != nil {
		a.logger.Error("shell exited", "error", err)
		return 1
	}
	return 0
}

// runShell reads commands until :quit, EOF or ctx is done.
func runShell(ctx context.Context, a *app) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := readStatement(a.host, shellPrompt(a))
		if errors.Is(err, command.ErrCanceled) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}

		cmd := parseShellLine(line)
		if cmd.action == "" {
			continue
		}
		if cmd.action == "quit" {
			return nil
		}
		if err := dispatchShell(ctx, a, cmd); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			a.host.Error(err.Error())
		}
	}
}

func dispatchShell(ctx context.Context, a *app, cmd shellCommand) error {
	switch cmd.action {
	case "help":
		a.host.println(shellHelp)
		return nil
	case "open":
		return a.cmds.OpenConfig(ctx)
	case "stats":
		return printStats(ctx, a)
	case "exec":
		return a.cmds.ExecuteSQL(ctx, cmd.arg)
	case "list", "add", "delete", "select", "check", "restart":
		var args []string
		if cmd.arg != "" {
			args = []string{cmd.arg}
		}
		return runAction(ctx, a, cmd.action, args, nil)
	}
	a.host.Warn(fmt.Sprintf("Unknown command :%s. Type :help for commands.", cmd.action))
	return nil
}

func printStats(ctx context.Context, a *app) error {
	values, err := a.provider.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		a.host.println("No activity recorded yet")
		return nil
	}
	for _, v := range values {
		switch {
		case v.Count > 0:
			a.host.println(fmt.Sprintf("%-32s %d calls, avg %.1f %s", v.Name, v.Count, v.Sum/float64(v.Count), v.Unit))
		default:
			a.host.println(fmt.Sprintf("%-32s %.0f", v.Name, v.Sum))
		}
	}
	return nil
}

// readStatement reads one logical line, joining lines that end with a
// backslash.
func readStatement(h *terminalHost, prompt string) (string, error) {
	var parts []string
	for {
		if len(parts) == 0 {
			h.prompt(prompt)
		} else {
			h.prompt(strings.Repeat(" ", max(len(prompt)-3, 0)) + "-> ")
		}
		line, err := h.readLine()
		if err != nil {
			if len(parts) > 0 && errors.Is(err, command.ErrCanceled) {
				return strings.Join(parts, "\n"), nil
			}
			return "", err
		}
		if cont, ok := strings.CutSuffix(line, `\`); ok {
			parts = append(parts, cont)
			continue
		}
		parts = append(parts, line)
		return strings.Join(parts, "\n"), nil
	}
}

func shellPrompt(a *app) string {
	if p, ok := a.registry.Selected(); ok {
		return p.Name + "> "
	}
	return "sqlcat> "
}
