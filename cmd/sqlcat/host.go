package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-isatty"

	"github.com/basket/sqlcat/internal/command"
)

// terminalHost is the line-based UI behind every sqlcat command. Prompts read
// from in; notifications and output go to out.
type terminalHost struct {
	in  *bufio.Reader
	out io.Writer
	// inFd is set when in is a terminal so secrets can be read without echo.
	inFd        uintptr
	interactive bool

	mu     sync.Mutex
	buffer outputBuffer
	errors atomic.Int32

	infoStyle  lipgloss.Style
	warnStyle  lipgloss.Style
	errorStyle lipgloss.Style
	dimStyle   lipgloss.Style
}

// newTerminalHost wires a host to in/out; nil means stdin/stdout.
func newTerminalHost(in io.Reader, out io.Writer) *terminalHost {
	h := &terminalHost{}
	if in == nil {
		in = os.Stdin
		if isatty.IsTerminal(os.Stdin.Fd()) {
			h.inFd = os.Stdin.Fd()
			h.interactive = true
		}
	}
	if out == nil {
		out = os.Stdout
	}
	h.in = bufio.NewReader(in)
	h.out = out

	r := lipgloss.NewRenderer(out)
	h.infoStyle = r.NewStyle().Foreground(lipgloss.Color("2"))
	h.warnStyle = r.NewStyle().Foreground(lipgloss.Color("3"))
	h.errorStyle = r.NewStyle().Foreground(lipgloss.Color("1"))
	h.dimStyle = r.NewStyle().Foreground(lipgloss.Color("240"))
	h.buffer.host = h
	return h
}

func (h *terminalHost) println(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintln(h.out, s)
}

func (h *terminalHost) prompt(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprint(h.out, s)
}

// readLine returns the next input line without its newline. EOF with no
// pending text is reported as command.ErrCanceled.
func (h *terminalHost) readLine() (string, error) {
	line, err := h.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", command.ErrCanceled
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (h *terminalHost) readSecret() (string, error) {
	if h.inFd == 0 {
		return h.readLine()
	}
	b, err := term.ReadPassword(h.inFd)
	h.println("")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *terminalHost) Input(ctx context.Context, prompt string, opts command.InputOptions) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		label := prompt
		if opts.Default != "" {
			label += " [" + opts.Default + "]"
		}
		h.prompt(label + ": ")

		var (
			v   string
			err error
		)
		if opts.Secret {
			v, err = h.readSecret()
		} else {
			v, err = h.readLine()
		}
		if err != nil {
			return "", err
		}
		if v == "" {
			v = opts.Default
		}
		if opts.Validate != nil {
			if msg := opts.Validate(v); msg != "" {
				h.Warn(msg)
				if !h.interactive {
					return "", command.ErrCanceled
				}
				continue
			}
		}
		return v, nil
	}
}

// Pick lists items numbered from 1 and accepts a number or an item. An empty
// answer picks the first item.
func (h *terminalHost) Pick(ctx context.Context, title string, items []string) (string, error) {
	if len(items) == 0 {
		return "", command.ErrCanceled
	}
	h.println(title + ":")
	for i, item := range items {
		h.println(fmt.Sprintf("  %d) %s", i+1, item))
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		h.prompt(h.dimStyle.Render(fmt.Sprintf("Choose 1-%d [1]: ", len(items))))
		v, err := h.readLine()
		if err != nil {
			return "", err
		}
		v = strings.TrimSpace(v)
		if v == "" {
			return items[0], nil
		}
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= len(items) {
			return items[n-1], nil
		}
		for _, item := range items {
			if item == v {
				return item, nil
			}
		}
		h.Warn(fmt.Sprintf("%q is not one of the choices", v))
		if !h.interactive {
			return "", command.ErrCanceled
		}
	}
}

func (h *terminalHost) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.prompt(prompt + " [y/N]: ")
	v, err := h.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (h *terminalHost) Info(msg string) { h.println(h.infoStyle.Render(msg)) }
func (h *terminalHost) Warn(msg string) { h.println(h.warnStyle.Render("warning: " + msg)) }
func (h *terminalHost) Error(msg string) {
	h.errors.Add(1)
	h.println(h.errorStyle.Render("error: " + msg))
}

// errorCount is the number of errors reported so far.
func (h *terminalHost) errorCount() int { return int(h.errors.Load()) }

func (h *terminalHost) Output() command.Output { return &h.buffer }

// OpenFile runs $VISUAL or $EDITOR on path. Without a terminal the path is
// printed instead.
func (h *terminalHost) OpenFile(ctx context.Context, path string) error {
	editor := editorCommand()
	if !h.interactive || editor == "" {
		h.println(path)
		return nil
	}
	fields := strings.Fields(editor)
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], path)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", fields[0], err)
	}
	return nil
}

func editorCommand() string {
	for _, key := range []string{"VISUAL", "EDITOR"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	if _, err := exec.LookPath("vi"); err == nil {
		return "vi"
	}
	return ""
}

// outputBuffer collects result lines and prints the ones not yet shown.
type outputBuffer struct {
	host  *terminalHost
	lines []string
	shown int
}

func (b *outputBuffer) Clear() {
	b.lines = b.lines[:0]
	b.shown = 0
}

func (b *outputBuffer) AppendLine(line string) {
	b.lines = append(b.lines, line)
}

func (b *outputBuffer) Show() {
	for _, line := range b.lines[b.shown:] {
		b.host.println(line)
	}
	b.shown = len(b.lines)
}
