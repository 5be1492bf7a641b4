package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/sqlcat/internal/config"
	"github.com/basket/sqlcat/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: sqlcat doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Keep going so the report shows what is wrong.
	}

	diag := doctor.Run(ctx, &cfg, Version)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	printDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

var statusIcons = map[doctor.Status]string{
	doctor.Pass: "✅",
	doctor.Warn: "⚠️ ",
	doctor.Fail: "❌",
	doctor.Skip: "⏩",
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "sqlcat Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		icon := statusIcons[res.Status]
		fmt.Fprintf(w, "%s %-12s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "    %s\n", res.Detail)
		}
	}
}
