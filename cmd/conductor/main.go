// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command conductor is the operator CLI for the conductor run system.
// It talks directly to the coordination store on the local machine:
// submit queues work for workers, stop requests cancellation, status
// reports a run's lifecycle, and tail renders the recorded or live
// response transcript.
package main

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/conductor/lib/cli"
	"github.com/bureau-foundation/conductor/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like status) return an
		// ExitError with the desired exit code. Don't print a redundant
		// "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

// root builds the complete conductor CLI command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "conductor",
		Description: `Conductor: queued LLM run execution.

Queue runs against conversation threads, watch workers execute them,
and stop the ones that got away.`,
		Subcommands: []*cli.Command{
			submitCommand(),
			stopCommand(),
			statusCommand(),
			tailCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Printf("conductor %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Queue a run and print its ID",
				Command:     "conductor submit --thread support-4812 --profile default",
			},
			{
				Description: "Start a fresh thread with an opening prompt",
				Command:     `conductor submit --thread triage-7 --profile triage --prompt "Categorize the incident report"`,
			},
			{
				Description: "Watch a run's transcript as it executes",
				Command:     "conductor tail --follow a1b2c3d4",
			},
			{
				Description: "Check whether a run finished (exit 1 when it failed)",
				Command:     "conductor status a1b2c3d4",
			},
			{
				Description: "Ask the executing worker to stop a run",
				Command:     "conductor stop a1b2c3d4",
			},
		},
	}
}
