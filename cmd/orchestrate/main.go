// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tbarlow/orchestrate/internal/cliapp"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run declarative YAML workflows",
		Long: `orchestrate executes a single workflow document to completion,
one step at a time, persisting resumable state after every step.

It does not schedule, retry whole runs, or talk to a daemon: a run
either completes, or leaves state behind that "orchestrate resume"
can pick up where it left off.`,
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newResumeCommand())

	if err := root.Execute(); err != nil {
		cliapp.HandleExitError(err)
	}
}

func newRunCommand() *cobra.Command {
	var (
		contextArgs      []string
		contextFile      string
		stateDir         string
		workspace        string
		dryRun           bool
		debug            bool
		quiet            bool
		metricsAddr      string
		onError          string
		maxRetries       int
		retryDelayMS     int
		verbose          bool
		logLevel         string
		backupState      bool
		cleanProcessed   bool
		archiveProcessed string
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow from the beginning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			ctxVars, err := cliapp.ParseContext(contextArgs, contextFile)
			if err != nil {
				return &cliapp.ExitError{Code: 2, Message: "parsing context", Cause: err}
			}

			outcome, runErr := cliapp.Run(ctx, cliapp.RunOptions{
				WorkflowPath:     args[0],
				Workspace:        workspace,
				StateDir:         stateDir,
				Context:          ctxVars,
				DryRun:           dryRun,
				Debug:            debug,
				Quiet:            quiet,
				MetricsAddr:      metricsAddr,
				OnError:          onError,
				MaxRetries:       maxRetries,
				RetryDelayMS:     retryDelayMS,
				Verbose:          verbose,
				LogLevel:         logLevel,
				BackupState:      backupState,
				CleanProcessed:   cleanProcessed,
				ArchiveProcessed: archiveProcessed,
			})
			if outcome != nil && !quiet {
				fmt.Println(cliapp.Summarize(outcome))
			}
			return runErr
		},
	}

	cmd.Flags().StringArrayVar(&contextArgs, "context", nil, "Workflow context in key=value form, repeatable")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "JSON file (or '-' for stdin) of context values")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for run state (default: <workspace>/.orchestrate/state)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root all paths resolve against (default: cwd)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve command and provider steps without running them; each records dry_run and its argv in state")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging with source locations")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")
	cmd.Flags().StringVar(&onError, "on-error", "", "Override the workflow's strict_flow: \"stop\" or \"continue\"")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Default retry count for provider steps without their own retries block")
	cmd.Flags().IntVar(&retryDelayMS, "retry-delay", 0, "Delay in milliseconds between default retries")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Echo captured step output to the log")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&backupState, "backup-state", false, "Keep a state.json backup per step, not just the most recent one")
	cmd.Flags().BoolVar(&cleanProcessed, "clean-processed", false, "Remove the workspace's processed/ directory after a successful run")
	cmd.Flags().StringVar(&archiveProcessed, "archive-processed", "", "Zip the processed/ directory to this path before clearing it (default: processed.zip)")
	cmd.Flags().Lookup("archive-processed").NoOptDefVal = cliapp.ArchiveProcessedAuto

	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		stateDir         string
		workspace        string
		forceRestart     bool
		repair           bool
		dryRun           bool
		debug            bool
		quiet            bool
		metricsAddr      string
		onError          string
		maxRetries       int
		retryDelayMS     int
		verbose          bool
		logLevel         string
		backupState      bool
		cleanProcessed   bool
		archiveProcessed string
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its saved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			outcome, runErr := cliapp.Run(ctx, cliapp.RunOptions{
				Workspace:        workspace,
				StateDir:         stateDir,
				ResumeRunID:      args[0],
				ForceRestart:     forceRestart,
				Repair:           repair,
				DryRun:           dryRun,
				Debug:            debug,
				Quiet:            quiet,
				MetricsAddr:      metricsAddr,
				OnError:          onError,
				MaxRetries:       maxRetries,
				RetryDelayMS:     retryDelayMS,
				Verbose:          verbose,
				LogLevel:         logLevel,
				BackupState:      backupState,
				CleanProcessed:   cleanProcessed,
				ArchiveProcessed: archiveProcessed,
			})
			if outcome != nil && !quiet {
				fmt.Println(cliapp.Summarize(outcome))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Directory for run state (default: <workspace>/.orchestrate/state)")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Workspace root all paths resolve against (default: cwd)")
	cmd.Flags().BoolVar(&forceRestart, "force-restart", false, "Discard existing state and start the run over")
	cmd.Flags().BoolVar(&repair, "repair", false, "Restore the most recent state backup before resuming")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve command and provider steps without running them; each records dry_run and its argv in state")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging with source locations")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")
	cmd.Flags().StringVar(&onError, "on-error", "", "Override the workflow's strict_flow: \"stop\" or \"continue\"")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Default retry count for provider steps without their own retries block")
	cmd.Flags().IntVar(&retryDelayMS, "retry-delay", 0, "Delay in milliseconds between default retries")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Echo captured step output to the log")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&backupState, "backup-state", false, "Keep a state.json backup per step, not just the most recent one")
	cmd.Flags().BoolVar(&cleanProcessed, "clean-processed", false, "Remove the workspace's processed/ directory after a successful run")
	cmd.Flags().StringVar(&archiveProcessed, "archive-processed", "", "Zip the processed/ directory to this path before clearing it (default: processed.zip)")
	cmd.Flags().Lookup("archive-processed").NoOptDefVal = cliapp.ArchiveProcessedAuto

	return cmd
}

// signalContext returns a context canceled on SIGINT/SIGTERM, letting
// an in-flight step's grace-period shutdown run instead of the process
// dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
