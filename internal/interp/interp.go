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

// Package interp is the Control-Flow Interpreter: a single-threaded,
// program-counter-driven walk over a workflow's step list, dispatching
// each step to the component that implements its kind and following
// goto branches declared on success, failure, or always.
package interp

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbarlow/orchestrate/internal/capture"
	"github.com/tbarlow/orchestrate/internal/deps"
	"github.com/tbarlow/orchestrate/internal/dsl"
	"github.com/tbarlow/orchestrate/internal/foreach"
	"github.com/tbarlow/orchestrate/internal/inject"
	"github.com/tbarlow/orchestrate/internal/metrics"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
	"github.com/tbarlow/orchestrate/internal/procrunner"
	"github.com/tbarlow/orchestrate/internal/state"
	"github.com/tbarlow/orchestrate/internal/vars"
	"github.com/tbarlow/orchestrate/internal/waitfor"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
	"github.com/tbarlow/orchestrate/pkg/secrets"
)

// outcome tags how a step concluded, for on.* branch selection and
// metrics labeling.
type outcome string

const (
	outcomeSuccess outcome = "success"
	outcomeFailure outcome = "failure"
)

// Interp walks one loaded workflow to completion, persisting a
// resumable Document after every step.
type Interp struct {
	WF     *dsl.Workflow
	Gate   *pathsafe.Gate
	Store  *state.Store
	Masker *secrets.Masker
	Tracer trace.Tracer
	Logger *slog.Logger
	DryRun bool

	// Verbose echoes a successfully captured step's output to Logger,
	// which is otherwise never logged directly (spec.md §10.1).
	Verbose bool
	// BackupState snapshots the live document to a per-step backup
	// (state.json.step_<name>.bak) before each step runs. --repair does
	// not read these; it restores from the most recent save's backup.
	BackupState bool
	// DefaultMaxRetries and DefaultRetryDelayMS are the --max-retries/
	// --retry-delay CLI defaults applied to provider steps that don't
	// declare their own retries. A step's own retries always wins.
	DefaultMaxRetries   int
	DefaultRetryDelayMS int
}

// Run executes doc's workflow from its current ProgramCounter to
// completion (EndTarget, an unhandled failure, or exhausting the step
// list), persisting state after each step. Resuming an already
// completed run is a no-op.
func (in *Interp) Run(ctx context.Context, doc *state.Document) error {
	if doc.Status == "completed" {
		return nil
	}

	scope := vars.Scope{
		Run:     map[string]interface{}{"id": doc.RunID},
		Context: in.WF.Context,
		Steps:   doc.StepResults,
	}
	if scope.Steps == nil {
		scope.Steps = map[string]interface{}{}
		doc.StepResults = scope.Steps
	}

	index := nameIndex(in.WF.Steps)

	for doc.ProgramCounter < len(in.WF.Steps) {
		step := in.WF.Steps[doc.ProgramCounter]

		if step.When != nil && !in.evaluateWhen(step.When, scope) {
			in.Logger.Debug("step skipped by when condition", "step", step.Name)
			scope.Steps[step.Name] = map[string]interface{}{"status": "skipped", "exit_code": 0}
			doc.ProgramCounter++
			if err := in.Store.Save(doc); err != nil {
				return err
			}
			continue
		}

		if in.BackupState {
			if err := in.Store.SaveStepBackup(doc, step.Name); err != nil {
				return err
			}
		}

		oc, escapeTarget, stepErr := in.executeStep(ctx, step, scope, index)

		doc.Status = "running"
		if err := in.Store.Save(doc); err != nil {
			return err
		}

		next, terminate, termErr := in.branch(step, oc, stepErr, index, escapeTarget)
		if terminate {
			if termErr != nil {
				doc.Status = "failed"
				_ = in.Store.Save(doc)
				metrics.RecordRun("failed")
				return termErr
			}
			doc.Status = "completed"
			metrics.RecordRun("completed")
			return in.Store.Save(doc)
		}
		doc.ProgramCounter = next
		if err := in.Store.Save(doc); err != nil {
			return err
		}
	}

	doc.Status = "completed"
	metrics.RecordRun("completed")
	return in.Store.Save(doc)
}

// branch resolves the next program counter given a step's outcome,
// honoring on.success/failure/always goto targets and strict_flow.
// escapeTarget, when non-empty, is a goto that already escaped a
// for_each body (resolved by runForEachIteration) and takes precedence
// over step's own on.* handlers: the for_each step itself is bypassed,
// just as a top-level goto bypasses every step between source and
// target.
func (in *Interp) branch(step dsl.Step, oc outcome, stepErr error, index map[string]int, escapeTarget string) (next int, terminate bool, err error) {
	target := escapeTarget
	if target == "" {
		target = resolveGoto(step.On, oc)
	}

	if target != "" {
		if target == dsl.EndTarget {
			if oc == outcomeFailure {
				return 0, true, stepErr
			}
			return 0, true, nil
		}
		return index[target], false, nil
	}

	if oc == outcomeFailure {
		if in.WF.StrictFlow {
			return 0, true, stepErr
		}
		in.Logger.Warn("step failed, continuing (strict_flow disabled)", "step", step.Name, "error", stepErr)
	}
	return index[step.Name] + 1, false, nil
}

// resolveGoto applies on.success/failure/always precedence: on.always
// is only consulted when the outcome's own handler is absent, not
// stacked alongside it.
func resolveGoto(on *dsl.On, oc outcome) string {
	if on == nil {
		return ""
	}
	switch {
	case oc == outcomeSuccess && on.Success != nil:
		return on.Success.Goto
	case oc == outcomeFailure && on.Failure != nil:
		return on.Failure.Goto
	case on.Always != nil:
		return on.Always.Goto
	}
	return ""
}

func nameIndex(steps []dsl.Step) map[string]int {
	m := make(map[string]int, len(steps))
	for i, s := range steps {
		m[s.Name] = i
	}
	return m
}

func (in *Interp) evaluateWhen(w *dsl.When, scope vars.Scope) bool {
	switch {
	case w.Equals != nil:
		left, _ := vars.Evaluate(w.Equals.Left, scope)
		right, _ := vars.Evaluate(w.Equals.Right, scope)
		return left == right
	case w.Exists != "":
		_, ok := vars.Lookup(w.Exists, scope)
		return ok
	case w.NotExists != "":
		_, ok := vars.Lookup(w.NotExists, scope)
		return !ok
	default:
		return true
	}
}

// executeStep dispatches step to its kind's implementation and
// records its steps.<Name> result into scope.Steps. index is the
// top-level step-name index, threaded down so a for_each body's goto
// can escape directly to it regardless of nesting depth. escapeTarget
// is non-empty only when step is itself a for_each whose body escaped
// to an outer step or _end.
func (in *Interp) executeStep(ctx context.Context, step dsl.Step, scope vars.Scope, index map[string]int) (oc outcome, escapeTarget string, err error) {
	spanCtx, span := in.Tracer.Start(ctx, "step."+step.Name,
		trace.WithAttributes(attribute.String("step.kind", string(step.Kind))))
	defer span.End()

	start := time.Now()

	var result map[string]interface{}

	switch step.Kind {
	case dsl.KindCommand, dsl.KindProvider:
		result, err = in.executeProcess(spanCtx, step, scope)
	case dsl.KindWaitFor:
		result, err = in.executeWaitFor(spanCtx, step)
	case dsl.KindForEach:
		result, escapeTarget, err = in.executeForEach(spanCtx, step, scope, index)
	default:
		err = &orcherrors.ValidationError{Field: "step.kind", Message: "unknown step kind"}
	}

	duration := time.Since(start).Seconds()
	if err != nil {
		oc = outcomeFailure
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		oc = outcomeSuccess
		span.SetStatus(codes.Ok, "")
	}
	metrics.RecordStep(string(step.Kind), string(oc), duration)

	if result == nil {
		result = map[string]interface{}{}
	}
	if err != nil {
		result["error"] = err.Error()
		result["status"] = "failed"
	} else {
		result["status"] = "completed"
	}
	scope.Steps[step.Name] = result

	return oc, escapeTarget, err
}

func (in *Interp) executeProcess(ctx context.Context, step dsl.Step, scope vars.Scope) (map[string]interface{}, error) {
	argv, env, stdinBody, injectDebug, err := in.assembleInvocation(step, scope)
	if err != nil {
		return nil, err
	}

	if in.DryRun {
		return map[string]interface{}{"dry_run": true, "argv": argv}, nil
	}

	var outFile *os.File
	if step.OutputFile != "" {
		abs, err := in.Gate.Resolve(step.OutputFile)
		if err != nil {
			return nil, err
		}
		outFile, err = os.Create(abs)
		if err != nil {
			return nil, orcherrors.Wrapf(err, "creating output_file %s", step.OutputFile)
		}
		defer outFile.Close()
	}

	spec := procrunner.Spec{
		Argv:        argv,
		Env:         env,
		Dir:         in.Gate.Root(),
		TimeoutSec:  step.TimeoutSec,
		Masker:      in.Masker,
		CaptureMode: capture.Mode(step.OutputCapture),
	}
	if outFile != nil {
		spec.OutputFile = outFile
	}
	if stdinBody != "" {
		spec.Stdin = strings.NewReader(stdinBody)
	}

	policy := in.retryPolicy(step)

	res, runErr := procrunner.RunWithRetry(ctx, spec, policy)
	result := map[string]interface{}{}
	if res != nil {
		result["exit_code"] = res.ExitCode
		field, captured, debug, capErr := res.Sink.Captured(step.AllowParseError)
		if capErr != nil {
			if runErr == nil {
				runErr = capErr
			}
		} else {
			if in.Masker != nil {
				captured = in.Masker.MaskValue(captured)
			}
			result[field] = captured
			result["truncated"] = res.Sink.Truncated()
			if debug != nil {
				result["debug"] = debug
			}
			if in.Verbose && in.Logger != nil {
				in.Logger.Debug("step output", "step", step.Name, field, captured)
			}
		}
	}
	if injectDebug != nil {
		debugBlock, ok := result["debug"].(map[string]interface{})
		if !ok {
			debugBlock = map[string]interface{}{}
			result["debug"] = debugBlock
		}
		debugBlock["injection"] = map[string]interface{}{"truncation_details": injectDebug}
	}
	return result, runErr
}

// retryPolicy resolves a step's effective retry policy: an explicit
// step-level retries block always wins. Absent that, provider steps
// fall back to the --max-retries/--retry-delay CLI defaults (retrying
// on exit codes 1 and 124, per procrunner.isRetryable); raw commands
// never retry unless retries is present.
func (in *Interp) retryPolicy(step dsl.Step) *procrunner.RetryPolicy {
	if step.Retries != nil {
		return &procrunner.RetryPolicy{Max: step.Retries.Max, DelayMS: step.Retries.DelayMS}
	}
	if step.Kind != dsl.KindProvider || in.DefaultMaxRetries <= 0 {
		return nil
	}
	return &procrunner.RetryPolicy{Max: in.DefaultMaxRetries, DelayMS: in.DefaultRetryDelayMS}
}

// assembleInvocation builds the argv, environment, and (for stdin-mode
// providers) stdin body for a command or provider step, substituting
// variables, resolving dependencies, and composing any injection.
// injectDebug is nil unless the injection cap was hit.
func (in *Interp) assembleInvocation(step dsl.Step, scope vars.Scope) (argv []string, env []string, stdin string, injectDebug map[string]interface{}, err error) {
	var resolution deps.Resolution
	if step.DependsOn != nil {
		resolution, err = deps.Resolve(in.Gate, step.DependsOn.Required, step.DependsOn.Optional)
		if err != nil {
			return nil, nil, "", nil, err
		}
	}

	var injected inject.Result
	if step.DependsOn != nil && step.DependsOn.Inject != nil {
		injected, err = inject.Compose(in.Gate, step.DependsOn.Inject, resolution)
		if err != nil {
			return nil, nil, "", nil, err
		}
		injectDebug = injected.TruncationDetails
	}

	switch step.Kind {
	case dsl.KindCommand:
		argv = substituteAll(step.Command, scope)
	case dsl.KindProvider:
		tmpl, ok := in.WF.Providers[step.Provider]
		if !ok {
			return nil, nil, "", nil, &orcherrors.ValidationError{Field: "provider", Message: "undeclared provider: " + step.Provider}
		}
		provScope := scope
		provScope.Context = mergeParams(scope.Context, tmpl.Defaults, step.ProviderParams)
		argv = substituteAll(tmpl.Argv, provScope)

		if tmpl.InputMode == "stdin" {
			body := ""
			if step.InputFile != "" {
				abs, rerr := in.Gate.Resolve(step.InputFile)
				if rerr != nil {
					return nil, nil, "", nil, rerr
				}
				data, rerr := os.ReadFile(abs)
				if rerr != nil {
					return nil, nil, "", nil, orcherrors.Wrapf(rerr, "reading input_file %s", step.InputFile)
				}
				body = string(data)
			}
			var injectSpec *dsl.InjectSpec
			if step.DependsOn != nil {
				injectSpec = step.DependsOn.Inject
			}
			stdin = inject.Place(injectSpec, body, injected)
		}
	}

	env = buildEnv(step, in.Masker)
	return argv, env, stdin, injectDebug, nil
}

func mergeParams(maps ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func substituteAll(tokens []string, scope vars.Scope) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i], _ = vars.Evaluate(t, scope)
	}
	return out
}

func buildEnv(step dsl.Step, masker *secrets.Masker) []string {
	env := os.Environ()
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}
	for _, name := range step.Secrets {
		if v, ok := os.LookupEnv(name); ok && masker != nil {
			masker.AddSecret(v)
		}
	}
	return env
}

func (in *Interp) executeWaitFor(ctx context.Context, step dsl.Step) (map[string]interface{}, error) {
	wf := step.WaitFor
	outcome, err := waitfor.Poll(ctx, in.Gate, wf.Glob,
		wf.MinCount,
		time.Duration(wf.TimeoutSec)*time.Second,
		time.Duration(wf.PollMS)*time.Millisecond,
	)

	exitCode := 0
	if outcome.TimedOut {
		exitCode = orcherrors.ExitTimeout
	} else if err != nil && !outcome.Satisfied {
		exitCode = orcherrors.ExitInvalid
	}

	result := map[string]interface{}{
		"exit_code":        exitCode,
		"files":            toInterfaceSlice(outcome.Matched),
		"poll_count":       outcome.PollCount,
		"satisfied":        outcome.Satisfied,
		"timed_out":        outcome.TimedOut,
		"wait_duration_ms": outcome.WaitedFor.Milliseconds(),
	}
	return result, err
}

// executeForEach walks fe.Steps once per resolved item, honoring
// on.success/failure/always.goto within the iteration exactly as the
// top-level Run loop honors it over the workflow's own steps: a goto
// naming a sibling continues the loop body at that step; a goto
// naming a step in topIndex (or _end) exits the loop entirely and is
// reported back to Run via the returned escape target, so control
// transfers there with the for_each step's own on.* handlers bypassed.
func (in *Interp) executeForEach(ctx context.Context, step dsl.Step, scope vars.Scope, topIndex map[string]int) (map[string]interface{}, string, error) {
	fe := step.ForEach
	items, err := foreach.ResolveItems(fe, scope)
	if err != nil {
		return nil, "", err
	}

	innerIndex := nameIndex(fe.Steps)
	total := len(items)
	var failures, ran int
	var escapeTarget string
	var escapeErr error

	for i, item := range items {
		iterScope := foreach.IterationScope(scope, fe.As, i, total, item)
		ran = i + 1

		anyChildFailed, strictHalt, haltErr, iterEscapeTarget, iterEscapeErr := in.runForEachIteration(ctx, fe, iterScope, innerIndex, topIndex)

		// Per the v1.2 on_item_complete lifecycle, an iteration only
		// counts as success if every executed child ended with
		// exit_code 0 and no goto escaped it — a recovered-then-
		// continued failure still marks the item failed.
		iterSuccess := !anyChildFailed && iterEscapeTarget == ""

		if fe.OnItemComplete != nil {
			itemPath, _ := item.(string)
			action := fe.OnItemComplete.Success
			if !iterSuccess {
				action = fe.OnItemComplete.Failure
			}
			if applyErr := foreach.ApplyItemComplete(in.Gate, action, itemPath); applyErr != nil {
				in.Logger.Warn("on_item_complete action failed", "item", itemPath, "error", applyErr)
			}
		}

		if !iterSuccess {
			failures++
		}

		if iterEscapeTarget != "" {
			escapeTarget = iterEscapeTarget
			escapeErr = iterEscapeErr
			break
		}

		if strictHalt {
			return map[string]interface{}{"iterations": ran, "failures": failures, "total": total}, "", haltErr
		}
	}

	result := map[string]interface{}{"iterations": ran, "failures": failures, "total": total}
	return result, escapeTarget, escapeErr
}

// runForEachIteration walks one iteration's step list with its own
// program counter, mirroring Run/branch. It reports whether any child
// failed, whether an unhandled failure halted the iteration under
// strict_flow, and whether a goto escaped the loop (and, if so, to
// which target and with which error — only a failure-side escape
// carries an error, since a success-side escape is not a failure).
func (in *Interp) runForEachIteration(ctx context.Context, fe *dsl.ForEach, iterScope vars.Scope, innerIndex, topIndex map[string]int) (anyChildFailed, strictHalt bool, haltErr error, escapeTarget string, escapeErr error) {
	pc := 0
	for pc < len(fe.Steps) {
		inner := fe.Steps[pc]

		if inner.When != nil && !in.evaluateWhen(inner.When, iterScope) {
			iterScope.Steps[inner.Name] = map[string]interface{}{"status": "skipped", "exit_code": 0}
			pc++
			continue
		}

		oc, childEscape, err := in.executeStep(ctx, inner, iterScope, topIndex)
		if err != nil {
			anyChildFailed = true
		}

		target := childEscape
		if target == "" {
			target = resolveGoto(inner.On, oc)
		}

		if target == "" {
			if oc == outcomeFailure && in.WF.StrictFlow {
				return anyChildFailed, true, err, "", nil
			}
			pc++
			continue
		}

		if target == dsl.EndTarget {
			if oc == outcomeFailure {
				return anyChildFailed, false, nil, dsl.EndTarget, err
			}
			return anyChildFailed, false, nil, dsl.EndTarget, nil
		}

		if innerIdx, ok := innerIndex[target]; ok {
			pc = innerIdx
			continue
		}

		// The loader validates every for_each-body goto against the
		// sibling set first, then the top-level set, so target is
		// guaranteed to be a real top-level step name here.
		if oc == outcomeFailure {
			return anyChildFailed, false, nil, target, err
		}
		return anyChildFailed, false, nil, target, nil
	}
	return anyChildFailed, false, nil, "", nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
