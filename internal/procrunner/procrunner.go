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

// Package procrunner executes a step's command or provider process,
// enforcing its timeout with a graceful-then-hard kill, capturing and
// masking its output, and applying the step's retry policy.
package procrunner

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tbarlow/orchestrate/internal/capture"
	"github.com/tbarlow/orchestrate/pkg/secrets"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// GracePeriod is how long a timed-out or canceled process is given to
// exit after SIGTERM before it is sent SIGKILL.
const GracePeriod = 5 * time.Second

// stderrTailCap bounds how much stderr is retained for an
// ExecutionError's diagnostic tail.
const stderrTailCap = 4 * 1024

// Spec describes one process invocation.
type Spec struct {
	Argv        []string
	Env         []string // os/exec style "KEY=VALUE" entries
	Dir         string
	Stdin       io.Reader
	TimeoutSec  int // 0 means no step-level timeout
	Masker      *secrets.Masker
	CaptureMode capture.Mode
	OutputFile  io.Writer
	SpillWriter io.Writer
}

// Result is the outcome of one process run.
type Result struct {
	ExitCode int
	Sink     *capture.Sink
	Duration time.Duration
	TimedOut bool
}

// Run executes spec to completion, applying its timeout (if any) on top
// of ctx. A non-timeout non-zero exit returns *orcherrors.ExecutionError;
// a timeout (step deadline or ctx cancellation) returns
// *orcherrors.TimeoutError.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.TimeoutSec > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSec)*time.Second)
		defer cancel()
	}

	start := time.Now()

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = spec.Stdin

	sink := capture.NewSink(spec.CaptureMode, spec.OutputFile, spec.SpillWriter)
	var stderrTail bytes.Buffer
	cmd.Stdout = sink
	cmd.Stderr = &stderrTail

	if err := cmd.Start(); err != nil {
		return nil, orcherrors.Wrapf(err, "starting %s", spec.Argv[0])
	}

	waitErr := waitWithGrace(runCtx, cmd)
	duration := time.Since(start)

	timedOut := runCtx.Err() != nil
	tail := stderrTail.String()
	if len(tail) > stderrTailCap {
		tail = tail[len(tail)-stderrTailCap:]
	}
	if spec.Masker != nil {
		tail = spec.Masker.Mask(tail)
	}

	if timedOut {
		return &Result{ExitCode: orcherrors.ExitTimeout, Sink: sink, Duration: duration, TimedOut: true},
			&orcherrors.TimeoutError{
				Operation: strings.Join(spec.Argv, " "),
				Duration:  duration,
				Cause:     runCtx.Err(),
			}
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, orcherrors.Wrapf(waitErr, "running %s", spec.Argv[0])
		}
	}

	result := &Result{ExitCode: exitCode, Sink: sink, Duration: duration}
	if exitCode != 0 {
		return result, &orcherrors.ExecutionError{ExitStatus: exitCode, StderrTail: tail}
	}
	return result, nil
}

// waitWithGrace waits for cmd to exit. If runCtx is canceled first, it
// sends SIGTERM and gives the process GracePeriod to exit before
// escalating to SIGKILL.
func waitWithGrace(runCtx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(GracePeriod):
			_ = cmd.Process.Kill()
			<-done
			return runCtx.Err()
		}
	}
}

// RetryPolicy mirrors dsl.Retries without importing the dsl package,
// keeping procrunner usable independent of the DSL model.
type RetryPolicy struct {
	Max     int
	DelayMS int
}

// RunWithRetry runs spec, retrying on a retryable outcome (exit code 1,
// or a timeout) up to policy.Max additional attempts with a constant
// inter-attempt delay. A nil policy runs spec exactly once.
func RunWithRetry(ctx context.Context, spec Spec, policy *RetryPolicy) (*Result, error) {
	if policy == nil || policy.Max <= 0 {
		return Run(ctx, spec)
	}

	b := backoff.NewConstantBackOff(time.Duration(policy.DelayMS) * time.Millisecond)
	operation := func() (*Result, error) {
		res, err := Run(ctx, spec)
		if err == nil {
			return res, nil
		}
		if isRetryable(err) {
			return res, err
		}
		return res, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.Max+1)),
	)
}

func isRetryable(err error) bool {
	var execErr *orcherrors.ExecutionError
	if orcherrors.As(err, &execErr) {
		return execErr.ExitStatus == orcherrors.ExitRetryable
	}
	var timeoutErr *orcherrors.TimeoutError
	return orcherrors.As(err, &timeoutErr)
}
