// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/cli"
	"github.com/bureau-foundation/conductor/lib/runstore"
)

func statusCommand() *cli.Command {
	var (
		configPath string
		asJSON     bool
	)

	return &cli.Command{
		Name:    "status",
		Summary: "Report a run's lifecycle state",
		Description: `Print the registry record for a run.

The exit code reflects the outcome: 0 for queued, running, completed,
and stopped runs, 1 for a failed run. Scripts can branch on it without
parsing output.`,
		Usage: "conductor status <run-id> [--json]",
		Examples: []cli.Example{
			{
				Description: "Human-readable run record",
				Command:     "conductor status a1b2c3d4",
			},
			{
				Description: "Machine-readable record for scripts",
				Command:     "conductor status a1b2c3d4 --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path (default $CONDUCTOR_CONFIG)")
			flags.BoolVar(&asJSON, "json", false, "print the record as JSON")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("status takes exactly one run ID, got %d arguments", len(args))
			}

			store, _, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			return statusRun(context.Background(), store, os.Stdout, args[0], asJSON)
		},
	}
}

// statusRun prints the run record. Failed runs return an ExitError so
// the process exits 1 after the record is printed.
func statusRun(ctx context.Context, store runstore.Store, out io.Writer, runID string, asJSON bool) error {
	run, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}

	if asJSON {
		if err := cli.WriteJSON(out, run); err != nil {
			return err
		}
	} else {
		writeRunRecord(out, run)
	}

	if run.Status == runstore.StatusFailed {
		return &cli.ExitError{Code: 1}
	}
	return nil
}

func writeRunRecord(out io.Writer, run *runstore.Run) {
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Run:\t%s\n", run.ID)
	fmt.Fprintf(writer, "Thread:\t%s\n", run.ThreadID)
	fmt.Fprintf(writer, "Profile:\t%s\n", run.Profile)
	if run.ProjectID != "" {
		fmt.Fprintf(writer, "Project:\t%s\n", run.ProjectID)
	}
	fmt.Fprintf(writer, "Status:\t%s\n", run.Status)
	if run.ClaimedBy != "" {
		fmt.Fprintf(writer, "Worker:\t%s\n", run.ClaimedBy)
	}
	fmt.Fprintf(writer, "Created:\t%s\n", run.CreatedAt.Format(time.RFC3339))
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(writer, "Started:\t%s\n", run.StartedAt.Format(time.RFC3339))
	}
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(writer, "Completed:\t%s\n", run.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(writer, "Duration:\t%s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(writer, "Error:\t%s\n", run.Error)
	}
	writer.Flush()
}
