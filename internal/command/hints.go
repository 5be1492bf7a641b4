package command

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/sqlcat/internal/worker"
)

const (
	restartHint  = "The worker is not running. Restart it with :restart in the shell or `sqlcat restart`."
	canceledHint = "The request was canceled or timed out before the worker answered. A busy or hung worker can be restarted with :restart or `sqlcat restart`."
)

// Failure categories used to pick troubleshooting hints.
const (
	hintSyntax     = "syntax"
	hintConnection = "connection"
	hintExecution  = "execution"
)

var syntaxMarkers = []string{
	"syntax",
	"parse error",
	"unexpected token",
	"near \"",
	"unterminated",
}

var connectionMarkers = []string{
	"connect",
	"connection refused",
	"no such host",
	"timeout",
	"timed out",
	"access denied",
	"authentication",
	"password",
	"unable to open database",
	"unknown database",
	"does not exist",
}

var hintText = map[string][]string{
	hintSyntax: {
		"Troubleshooting (syntax error):",
		"  - Check the statement near the position reported above.",
		"  - Make sure quotes and parentheses are balanced.",
		"  - Keywords and functions differ between MySQL, PostgreSQL and SQLite.",
	},
	hintConnection: {
		"Troubleshooting (connection error):",
		"  - Verify the connection string with `sqlcat check`.",
		"  - Make sure the database server is running and reachable.",
		"  - Check the username, password and database name.",
	},
	hintExecution: {
		"Troubleshooting (execution error):",
		"  - Make sure the referenced tables and columns exist.",
		"  - Check that the user has permission to run this statement.",
	},
}

// FailureLines renders a failed execution for the output buffer: the raw
// error detail first, then the hints for its category.
func FailureLines(err error) []string {
	lines := []string{"Error: " + errorDetail(err)}
	var ce *worker.CommandError
	if errors.As(err, &ce) && ce.Code != 0 {
		lines = append(lines, "Message: "+ce.Message)
	}
	lines = append(lines, "")
	lines = append(lines, hintText[classify(err)]...)
	switch {
	case isCanceled(err):
		lines = append(lines, "", canceledHint)
	case worker.IsTransport(err):
		lines = append(lines, "", restartHint)
	}
	return lines
}

// classify picks the hint category from the error text.
func classify(err error) string {
	text := strings.ToLower(errorDetail(err))
	if worker.IsTransport(err) {
		return hintConnection
	}
	for _, m := range syntaxMarkers {
		if strings.Contains(text, m) {
			return hintSyntax
		}
	}
	for _, m := range connectionMarkers {
		if strings.Contains(text, m) {
			return hintConnection
		}
	}
	return hintExecution
}

// errorDetail prefers the worker's diagnostic data over the generic
// JSON-RPC message.
func errorDetail(err error) string {
	var ce *worker.CommandError
	if errors.As(err, &ce) {
		if d := ce.Detail(); d != "" {
			return d
		}
		return ce.Message
	}
	return err.Error()
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
