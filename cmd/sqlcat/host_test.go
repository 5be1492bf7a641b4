package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/sqlcat/internal/command"
)

func newTestHost(input string) (*terminalHost, *bytes.Buffer) {
	var out bytes.Buffer
	return newTerminalHost(strings.NewReader(input), &out), &out
}

func TestHostInput_Default(t *testing.T) {
	h, out := newTestHost("\n")
	got, err := h.Input(context.Background(), "Port", command.InputOptions{Default: "5432"})
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got != "5432" {
		t.Fatalf("got %q, want default 5432", got)
	}
	if !strings.Contains(out.String(), "Port [5432]: ") {
		t.Fatalf("prompt missing: %q", out.String())
	}
}

func TestHostInput_ValidationFailsWithoutTerminal(t *testing.T) {
	h, out := newTestHost("\n")
	_, err := h.Input(context.Background(), "Name", command.InputOptions{
		Validate: func(s string) string {
			if s == "" {
				return "Name is required"
			}
			return ""
		},
	})
	if !errors.Is(err, command.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if !strings.Contains(out.String(), "Name is required") {
		t.Fatalf("validation message missing: %q", out.String())
	}
}

func TestHostInput_EOFCancels(t *testing.T) {
	h, _ := newTestHost("")
	if _, err := h.Input(context.Background(), "Name", command.InputOptions{}); !errors.Is(err, command.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}

func TestHostInput_LastLineWithoutNewline(t *testing.T) {
	h, _ := newTestHost("pg")
	got, err := h.Input(context.Background(), "Name", command.InputOptions{})
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got != "pg" {
		t.Fatalf("got %q, want pg", got)
	}
}

func TestHostInput_SecretWithoutTerminalReadsLine(t *testing.T) {
	h, _ := newTestHost("hunter2\n")
	got, err := h.Input(context.Background(), "Password", command.InputOptions{Secret: true})
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q", got)
	}
}

func TestHostPick(t *testing.T) {
	items := []string{"mysql", "postgresql", "sqlite"}
	tests := []struct {
		input string
		want  string
	}{
		{"\n", "mysql"},
		{"2\n", "postgresql"},
		{"sqlite\n", "sqlite"},
	}
	for _, tt := range tests {
		h, _ := newTestHost(tt.input)
		got, err := h.Pick(context.Background(), "Database type", items)
		if err != nil {
			t.Fatalf("Pick(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("Pick(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestHostPick_InvalidChoiceCancels(t *testing.T) {
	h, _ := newTestHost("9\n")
	if _, err := h.Pick(context.Background(), "Type", []string{"a", "b"}); !errors.Is(err, command.ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
}

func TestHostConfirm(t *testing.T) {
	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false} {
		h, _ := newTestHost(input)
		got, err := h.Confirm(context.Background(), "Delete?")
		if err != nil {
			t.Fatalf("Confirm(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("Confirm(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestHostOutput_ShowPrintsOnlyNewLines(t *testing.T) {
	h, out := newTestHost("")
	o := h.Output()
	o.AppendLine("one")
	o.Show()
	o.AppendLine("two")
	o.Show()
	o.Show()
	if got := out.String(); got != "one\ntwo\n" {
		t.Fatalf("output = %q", got)
	}

	out.Reset()
	o.Clear()
	o.AppendLine("three")
	o.Show()
	if got := out.String(); got != "three\n" {
		t.Fatalf("output after Clear = %q", got)
	}
}

func TestHostNotifications(t *testing.T) {
	h, out := newTestHost("")
	h.Info("saved")
	h.Warn("careful")
	h.Error("broken")
	h.Error("again")

	text := out.String()
	for _, want := range []string{"saved", "warning: careful", "error: broken"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output %q missing %q", text, want)
		}
	}
	if h.errorCount() != 2 {
		t.Fatalf("errorCount = %d, want 2", h.errorCount())
	}
}

func TestHostOpenFile_NonInteractivePrintsPath(t *testing.T) {
	h, out := newTestHost("")
	if err := h.OpenFile(context.Background(), "/tmp/connections.json"); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if strings.TrimSpace(out.String()) != "/tmp/connections.json" {
		t.Fatalf("output = %q", out.String())
	}
}
