// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conductor/lib/cli"
	"github.com/bureau-foundation/conductor/lib/llm"
	"github.com/bureau-foundation/conductor/lib/runstore"
	"github.com/bureau-foundation/conductor/lib/thread"
	"github.com/bureau-foundation/conductor/lib/threadstore"
)

func submitCommand() *cli.Command {
	var (
		configPath  string
		threadID    string
		profileName string
		projectID   string
		prompt      string
	)

	return &cli.Command{
		Name:    "submit",
		Summary: "Queue a run for execution",
		Description: `Queue a run against a conversation thread.

The run enters the queue in "queued" state; the next idle worker
claims and executes it under the named profile. The assigned run ID is
printed to stdout.

With --prompt, the text is appended to the thread as a user message
before the run is queued, creating the thread if it does not exist
yet. Without it, the thread must already carry the conversation the
profile is expected to continue.`,
		Usage: "conductor submit --thread <thread-id> --profile <name> [flags]",
		Examples: []cli.Example{
			{
				Description: "Continue an existing thread",
				Command:     "conductor submit --thread support-4812 --profile default",
			},
			{
				Description: "Start a fresh thread with an opening prompt",
				Command:     `conductor submit --thread triage-7 --profile triage --prompt "Categorize the incident report"`,
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("submit", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "config file path (default $CONDUCTOR_CONFIG)")
			flags.StringVar(&threadID, "thread", "", "conversation thread the run executes against")
			flags.StringVar(&profileName, "profile", "", "execution profile for the run")
			flags.StringVar(&projectID, "project", "", "project recorded on the run")
			flags.StringVar(&prompt, "prompt", "", "user message appended to the thread before queueing")
			return flags
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("submit takes no positional arguments, got %q", args[0])
			}
			if threadID == "" {
				return fmt.Errorf("--thread is required")
			}
			if profileName == "" {
				return fmt.Errorf("--profile is required")
			}

			store, cfg, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			threads, err := threadstore.New(threadstore.Config{
				Dir:      threadstore.DefaultDir(cfg.Store.Path),
				Payloads: store,
				Logger:   commandLogger(),
			})
			if err != nil {
				return err
			}

			run, err := submitRun(context.Background(), store, threads, submitRequest{
				ThreadID: threadID,
				Profile:  profileName,
				Project:  projectID,
				Prompt:   prompt,
			})
			if err != nil {
				return err
			}
			fmt.Println(run.ID)
			return nil
		},
	}
}

// submitRequest carries the validated inputs for queueing a run.
type submitRequest struct {
	ThreadID string
	Profile  string
	Project  string
	Prompt   string
}

// submitRun seeds the thread with the prompt when one was given, then
// queues the run. Seeding happens first so the message is in place
// before any worker can claim the run.
func submitRun(ctx context.Context, store runstore.Store, history thread.History, request submitRequest) (*runstore.Run, error) {
	if request.Prompt != "" {
		if _, err := history.Append(ctx, request.ThreadID, llm.UserMessage(request.Prompt)); err != nil {
			return nil, fmt.Errorf("appending prompt to thread %s: %w", request.ThreadID, err)
		}
	}

	run, err := store.CreateRun(ctx, request.ThreadID, request.Profile, request.Project)
	if err != nil {
		return nil, fmt.Errorf("queueing run: %w", err)
	}
	return run, nil
}
