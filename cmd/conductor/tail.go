// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/conductor/lib/cli"
	"github.com/bureau-foundation/conductor/lib/clock"
	"github.com/bureau-foundation/conductor/lib/coordinator"
	"github.com/bureau-foundation/conductor/lib/runstore"
)

// followRecheckInterval bounds how stale a follow can get when no
// notification arrives: tokens are dropped under subscriber lag, and a
// run may settle before the subscription exists. The record re-read on
// this cadence catches both.
const followRecheckInterval = 2 * time.Second

func tailCommand() *cli.Command {
	var (
		configPath string
		follow     bool
		raw        bool
	)

	return &cli.Command{
		Name:    "tail",
		Summary: "Render a run's transcript",
		Description: `Print the transcript of a run.

Assistant messages render as markdown with syntax-highlighted code
blocks when stdout is a terminal; tool calls, tool results, and
lifecycle statuses render as compact annotated lines. Piped output
carries no escape sequences.

With --follow the command keeps printing events as the executing
worker persists them and exits when the run reaches a terminal state.
--raw prints each stored event in CBOR diagnostic notation instead,
one event per line, for transcript debugging.`,
		Usage: "conductor tail <run-id> [--follow] [--raw]",
		Examples: []cli.Example{
			{
				Description: "Print the transcript collected so far",
				Command:     "conductor tail a1b2c3d4",
			},
			{
				Description: "Watch a run live until it settles",
				Command:     "conductor tail a1b2c3d4 --follow",
			},
			{
				Description: "Inspect the stored event encoding",
				Command:     "conductor tail a1b2c3d4 --raw",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path (default $CONDUCTOR_CONFIG)")
			flags.BoolVar(&follow, "follow", false, "keep rendering new events until the run settles")
			flags.BoolVar(&raw, "raw", false, "print CBOR diagnostic notation instead of rendered output")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("tail takes exactly one run ID, got %d arguments", len(args))
			}

			store, _, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			// Ctrl-C during --follow detaches the tail; the run itself
			// keeps executing on its worker.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interactive := term.IsTerminal(int(os.Stdout.Fd()))
			renderer := newTranscriptRenderer(os.Stdout, interactive && !raw, renderWidth(interactive), raw)
			return tailRun(ctx, store, clock.Real(), renderer, args[0], follow)
		},
	}
}

func renderWidth(interactive bool) int {
	if interactive {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return defaultRenderWidth
}

// tailRun renders the run's stored events and, when follow is set,
// keeps rendering until the run reaches a terminal status.
// Cancellation detaches the tail without an error: the run keeps
// executing on its worker, and whatever store call the cancellation
// interrupted is moot.
func tailRun(ctx context.Context, store runstore.Store, clk clock.Clock, renderer *transcriptRenderer, runID string, follow bool) error {
	err := renderTranscript(ctx, store, clk, renderer, runID, follow)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// renderTranscript is the tail loop. Notifications are treated purely
// as wake-ups: the event log is re-read from a cursor on every wake,
// and the run record decides when to stop. Subscriptions are opened
// before the first read so an event persisted between the read and the
// subscribe still produces a pending token.
func renderTranscript(ctx context.Context, store runstore.Store, clk clock.Clock, renderer *transcriptRenderer, runID string, follow bool) error {
	run, err := store.Run(ctx, runID)
	if err != nil {
		return err
	}

	var cursor int64
	render := func() error {
		events, err := store.Events(ctx, runID, cursor)
		if err != nil {
			return fmt.Errorf("reading transcript: %w", err)
		}
		for _, data := range events {
			renderer.RenderPayload(data)
		}
		cursor += int64(len(events))
		return nil
	}

	if !follow {
		return render()
	}

	eventSub, err := store.Subscribe(ctx, coordinator.EventsTopic(runID))
	if err != nil {
		return fmt.Errorf("subscribing to run events: %w", err)
	}
	defer eventSub.Close()

	// The control topic carries the coordinator's terminal signal and
	// operator stops; either one means the record is worth re-reading
	// right away.
	controlSub, err := store.Subscribe(ctx, coordinator.ControlTopic(runID))
	if err != nil {
		return fmt.Errorf("subscribing to run control: %w", err)
	}
	defer controlSub.Close()

	events, control := eventSub.C, controlSub.C
	for {
		if err := render(); err != nil {
			return err
		}
		run, err = store.Run(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-control:
			if !ok {
				control = nil
			}
		case <-clk.After(followRecheckInterval):
		}
	}

	// Events are fully persisted before the terminal status lands, so
	// one more drain after observing it catches the end of the stream.
	if err := render(); err != nil {
		return err
	}
	renderer.RenderOutcome(run)
	return nil
}
