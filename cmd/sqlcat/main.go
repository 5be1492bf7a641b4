package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/sqlcat/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default on a terminal):
  %s [shell]                  Start the sqlcat shell

SUBCOMMANDS:
  %s list                     List configured connections
  %s add                      Add or replace a connection (prompts)
  %s delete [name]            Delete a connection
  %s select [name]            Select the connection used by exec
  %s open-config              Open the connections file in $EDITOR
  %s exec [-f file] [sql...]  Run SQL on the selected connection
                              Reads stdin when no SQL or file is given
  %s check                    Check the selected connection through the worker
  %s restart                  Restart the worker and re-register connections
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SQLCAT_HOME               Data directory (default: $XDG_CONFIG_HOME/sqlcat)
  SQLCAT_LOG_LEVEL          debug, info, warn or error
  SQLCAT_WORKER_COMMAND     Worker executable (default: sqlcat-worker)
  SQLCAT_CONNECTIONS_FILE   Connections file (default: <home>/connections.json)

EXAMPLES:
  Start the shell:          %s
  Run a query:              %s exec "SELECT * FROM users LIMIT 10"
  Run a script:             %s exec -f report.sql
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	interactive := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	sub := "shell"
	if len(args) > 0 {
		sub = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	} else if !interactive {
		// Piped input with no subcommand is a script to execute.
		sub = "exec"
	}

	switch sub {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "shell":
		os.Exit(runShellCommand(ctx, args))
	case "list", "add", "delete", "select", "open-config", "exec", "check", "restart":
		os.Exit(runActionCommand(ctx, sub, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", sub)
		printUsage()
		os.Exit(2)
	}
}

// loadConfig loads config.yaml, writing the starter file on first run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if cfg.NeedsInit {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		fmt.Fprintf(os.Stderr, "sqlcat: %s\n", message)
		return 1
	}
	fmt.Fprintf(
		os.Stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
	return 1
}
