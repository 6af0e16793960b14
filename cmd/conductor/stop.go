// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/cli"
	"github.com/bureau-foundation/conductor/lib/coordinator"
	"github.com/bureau-foundation/conductor/lib/runstore"
)

func stopCommand() *cli.Command {
	var configPath string

	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a queued or running run",
		Description: `Stop a run.

A queued run is removed from the queue and marked "stopped" before any
worker picks it up. For a running run, stopping is cooperative: the
executing worker is signalled, interrupts the model stream at the next
event boundary, persists the transcript collected so far, and marks
the run "stopped". Stopping a run that already reached a terminal
state is a no-op.`,
		Usage: "conductor stop <run-id>",
		Examples: []cli.Example{
			{
				Description: "Stop a run",
				Command:     "conductor stop a1b2c3d4",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("stop", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path (default $CONDUCTOR_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("stop takes exactly one run ID, got %d arguments", len(args))
			}

			store, _, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			return stopRun(context.Background(), store, os.Stdout, args[0])
		},
	}
}

// stopRun signals the run's control topic and, for runs still in the
// queue, marks them stopped directly so no worker claims them later.
func stopRun(ctx context.Context, store runstore.Store, out io.Writer, runID string) error {
	run, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		fmt.Fprintf(out, "run %s is already %s\n", run.ID, run.Status)
		return nil
	}

	// Publish first: if a worker is executing the run, or claims it in
	// this instant, the signal interrupts it.
	if err := store.Publish(ctx, coordinator.ControlTopic(run.ID), coordinator.SignalStop); err != nil {
		return fmt.Errorf("publishing stop signal: %w", err)
	}

	if run.Status == runstore.StatusQueued {
		// No worker is listening for the signal yet; dequeue directly.
		// If a claim raced the status read, the terminal write below
		// still lands and the worker's own terminal write becomes a
		// harmless no-op.
		if err := store.UpdateRunStatus(ctx, run.ID, runstore.StatusStopped, ""); err != nil {
			return fmt.Errorf("marking run stopped: %w", err)
		}
		fmt.Fprintf(out, "run %s stopped before execution\n", run.ID)
		return nil
	}

	fmt.Fprintf(out, "stop requested for run %s\n", run.ID)
	return nil
}
