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

// Package waitfor implements the wait_for step: synchronous polling
// until a glob matches at least min_count paths or timeout_sec elapses.
// Polling is deliberately synchronous rather than filesystem-event
// driven, so that poll_count is deterministic and reproducible across
// runs on the same workspace state.
package waitfor

import (
	"context"
	"time"

	"github.com/tbarlow/orchestrate/internal/deps"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// Outcome reports how a wait_for step concluded.
type Outcome struct {
	Matched   []string
	PollCount int
	Satisfied bool
	WaitedFor time.Duration
	TimedOut  bool
}

// Poll blocks until gate.Root()/glob matches at least minCount workspace-
// relative files, or timeout elapses, or ctx is canceled. pollInterval of
// zero uses 500ms, the default poll cadence. Glob expansion goes through
// internal/deps.Match, the same path-safety and ordering guarantees
// depends_on resolution uses, so wait_for.glob never records an absolute
// path.
func Poll(ctx context.Context, gate *pathsafe.Gate, glob string, minCount int, timeout time.Duration, pollInterval time.Duration) (Outcome, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if minCount <= 0 {
		minCount = 1
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var outcome Outcome

	for {
		matches, err := deps.Match(gate, glob)
		if err != nil {
			return Outcome{}, &orcherrors.ValidationError{Field: "wait_for.glob", Message: "invalid glob pattern: " + glob}
		}
		outcome.PollCount++
		outcome.Matched = matches

		if len(matches) >= minCount {
			outcome.Satisfied = true
			outcome.WaitedFor = time.Since(start)
			return outcome, nil
		}

		if time.Now().After(deadline) {
			outcome.TimedOut = true
			outcome.WaitedFor = time.Since(start)
			return outcome, &orcherrors.TimeoutError{
				Operation: "wait_for " + glob,
				Duration:  timeout,
			}
		}

		select {
		case <-ctx.Done():
			outcome.TimedOut = true
			outcome.WaitedFor = time.Since(start)
			return outcome, ctx.Err()
		case <-time.After(minDuration(pollInterval, time.Until(deadline))):
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	if b < 0 {
		return 0
	}
	return b
}
