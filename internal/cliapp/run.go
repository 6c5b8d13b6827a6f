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

// Package cliapp wires the loaded workflow, path gate, state store,
// and interpreter together behind the run/resume commands. It owns
// nothing the other internal packages don't already implement; its
// job is sequencing and exit-code translation.
package cliapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tbarlow/orchestrate/internal/dsl"
	"github.com/tbarlow/orchestrate/internal/interp"
	"github.com/tbarlow/orchestrate/internal/log"
	"github.com/tbarlow/orchestrate/internal/metrics"
	"github.com/tbarlow/orchestrate/internal/obs"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
	"github.com/tbarlow/orchestrate/internal/state"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
	"github.com/tbarlow/orchestrate/pkg/secrets"
)

// RunOptions collects the run/resume command's flags after parsing.
type RunOptions struct {
	WorkflowPath string
	Workspace    string
	StateDir     string
	Context      map[string]interface{}
	DryRun       bool
	Debug        bool
	Quiet        bool
	ForceRestart bool
	Repair       bool
	ResumeRunID  string
	MetricsAddr  string

	// OnError overrides the workflow's own strict_flow: "stop" halts on
	// the first unhandled failure, "continue" proceeds past it. Empty
	// leaves the workflow's own strict_flow setting in effect.
	OnError string
	// MaxRetries and RetryDelayMS are the default retry budget applied
	// to provider steps that don't declare their own retries; a step's
	// own retries block always wins over these.
	MaxRetries   int
	RetryDelayMS int
	// Verbose echoes captured step output to the log, which is
	// otherwise never logged directly.
	Verbose bool
	// LogLevel overrides the ORCHESTRATE_LOG_LEVEL-derived level.
	LogLevel string
	// BackupState snapshots state.json per step rather than just on
	// the most recent save.
	BackupState bool
	// CleanProcessed removes the workspace's processed/ directory
	// after a successful run; ArchiveProcessed, if non-empty, zips it
	// there first.
	CleanProcessed   bool
	ArchiveProcessed string
}

// Outcome is what the CLI reports to the user after a run attempt.
type Outcome struct {
	RunID        string
	Status       string
	StateDir     string
	WorkflowPath string
}

// Run executes a fresh workflow run, or resumes/repairs an existing one
// when opts.ResumeRunID is set. It returns an *ExitError wrapping the
// process exit code on any terminal failure.
func Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	logger := log.New(buildLogConfig(opts))

	workspace := opts.Workspace
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "resolving workspace directory", Cause: err}
		}
		workspace = wd
	}
	gate := pathsafe.New(workspace)

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = os.Getenv("ORCHESTRATE_STATE_DIR")
	}
	if stateDir == "" {
		stateDir = workspace + "/.orchestrate/state"
	}
	store := state.NewStore(stateDir)

	provider, err := obs.NewProvider(traceWriter(opts.Quiet))
	if err != nil {
		return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "starting tracer", Cause: err}
	}
	defer provider.Shutdown(context.Background())

	if opts.MetricsAddr != "" {
		stop := serveMetrics(opts.MetricsAddr, logger)
		defer stop()
	}

	if opts.ResumeRunID != "" {
		return resume(ctx, opts, gate, store, provider, logger)
	}

	wf, err := dsl.Load(opts.WorkflowPath, gate)
	if err != nil {
		return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "loading workflow", Cause: err}
	}
	applyOnError(wf, opts.OnError)

	runID := state.NewRunID(startTime())
	doc := &state.Document{
		RunID:            runID,
		WorkflowPath:     opts.WorkflowPath,
		WorkflowChecksum: wf.Checksum,
		Context:          opts.Context,
		StepResults:      map[string]interface{}{},
		Status:           "running",
		StartedAt:        startTime(),
		UpdatedAt:        startTime(),
	}
	if doc.Context == nil {
		doc.Context = map[string]interface{}{}
	}
	for k, v := range doc.Context {
		if wf.Context == nil {
			wf.Context = map[string]interface{}{}
		}
		wf.Context[k] = v
	}

	in := newInterp(wf, gate, store, provider, logger, opts)

	metrics.RecordRun("started")
	if err := in.Run(ctx, doc); err != nil {
		return &Outcome{RunID: runID, Status: doc.Status, StateDir: stateDir, WorkflowPath: opts.WorkflowPath},
			&ExitError{Code: orcherrors.ExitRetryable, Message: fmt.Sprintf("run %s failed", runID), Cause: err}
	}

	if err := finishProcessedQueue(gate, opts); err != nil {
		return &Outcome{RunID: runID, Status: doc.Status, StateDir: stateDir, WorkflowPath: opts.WorkflowPath},
			&ExitError{Code: orcherrors.ExitInvalid, Message: "clean-processed", Cause: err}
	}

	return &Outcome{RunID: runID, Status: doc.Status, StateDir: stateDir, WorkflowPath: opts.WorkflowPath}, nil
}

// newInterp wires a fresh Interp from parsed run options, shared by
// the run and resume paths.
func newInterp(wf *dsl.Workflow, gate *pathsafe.Gate, store *state.Store, provider *obs.Provider, logger *slog.Logger, opts RunOptions) *interp.Interp {
	return &interp.Interp{
		WF:                  wf,
		Gate:                gate,
		Store:               store,
		Masker:              secrets.NewMasker(),
		Tracer:              provider.Tracer("orchestrate"),
		Logger:              logger,
		DryRun:              opts.DryRun,
		Verbose:             opts.Verbose,
		BackupState:         opts.BackupState || opts.Debug,
		DefaultMaxRetries:   opts.MaxRetries,
		DefaultRetryDelayMS: opts.RetryDelayMS,
	}
}

// applyOnError lets --on-error stop|continue override the workflow's
// own strict_flow declaration; an empty value leaves it untouched.
func applyOnError(wf *dsl.Workflow, onError string) {
	switch onError {
	case "stop":
		wf.StrictFlow = true
	case "continue":
		wf.StrictFlow = false
	}
}

// buildLogConfig layers --log-level and --verbose over the
// environment-derived config, then --debug/--quiet, matching the
// precedence order CLI flags take over environment defaults.
func buildLogConfig(opts RunOptions) *log.Config {
	cfg := log.FromEnv()
	if opts.LogLevel != "" {
		cfg.Level = opts.LogLevel
	}
	if opts.Verbose && cfg.Level != "debug" {
		cfg.Level = "debug"
	}
	if opts.Debug {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	if opts.Quiet {
		cfg.Output = os.Stderr
		cfg.Level = "error"
	}
	return cfg
}

func resume(ctx context.Context, opts RunOptions, gate *pathsafe.Gate, store *state.Store, provider *obs.Provider, logger *slog.Logger) (*Outcome, error) {
	var doc *state.Document
	var err error
	restarted := false

	switch {
	case opts.ForceRestart:
		// --force-restart begins a new run_id (spec.md §4.11), so the
		// old run's workflow_path is read before its state is wiped.
		old, loadErr := store.Load(opts.ResumeRunID, "")
		if loadErr != nil {
			return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "loading run state for force-restart", Cause: loadErr}
		}
		doc, err = store.ForceRestart(opts.ResumeRunID, old.WorkflowPath, startTime())
		if err == nil {
			doc.Context = old.Context
			err = store.Save(doc)
		}
		restarted = true
	case opts.Repair:
		doc, err = store.Repair(opts.ResumeRunID)
	default:
		doc, err = store.Load(opts.ResumeRunID, "")
	}
	if err != nil {
		return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "loading run state", Cause: err}
	}

	wf, err := dsl.Load(doc.WorkflowPath, gate)
	if err != nil {
		return nil, &ExitError{Code: orcherrors.ExitInvalid, Message: "reloading workflow", Cause: err}
	}
	applyOnError(wf, opts.OnError)

	if restarted {
		doc.WorkflowChecksum = wf.Checksum
	} else if wf.Checksum != doc.WorkflowChecksum {
		return nil, &ExitError{
			Code:    orcherrors.ExitInvalid,
			Message: "workflow file changed since this run started; use --force-restart to discard state",
		}
	}

	in := newInterp(wf, gate, store, provider, logger, opts)

	if err := in.Run(ctx, doc); err != nil {
		return &Outcome{RunID: doc.RunID, Status: doc.Status, WorkflowPath: doc.WorkflowPath},
			&ExitError{Code: orcherrors.ExitRetryable, Message: fmt.Sprintf("resumed run %s failed", doc.RunID), Cause: err}
	}

	if err := finishProcessedQueue(gate, opts); err != nil {
		return &Outcome{RunID: doc.RunID, Status: doc.Status, WorkflowPath: doc.WorkflowPath},
			&ExitError{Code: orcherrors.ExitInvalid, Message: "clean-processed", Cause: err}
	}

	return &Outcome{RunID: doc.RunID, Status: doc.Status, WorkflowPath: doc.WorkflowPath}, nil
}

// finishProcessedQueue runs the post-run processed/ directory
// housekeeping when --clean-processed or --archive-processed was
// requested; it is a no-op otherwise.
func finishProcessedQueue(gate *pathsafe.Gate, opts RunOptions) error {
	if !opts.CleanProcessed && opts.ArchiveProcessed == "" {
		return nil
	}
	return cleanProcessed(gate, opts.ArchiveProcessed)
}

// startTime is the one clock read per run, isolated so tests can stub it.
var startTime = func() time.Time { return time.Now() }
