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

package interp_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbarlow/orchestrate/internal/dsl"
	"github.com/tbarlow/orchestrate/internal/interp"
	"github.com/tbarlow/orchestrate/internal/obs"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
	"github.com/tbarlow/orchestrate/internal/state"
	"github.com/tbarlow/orchestrate/pkg/secrets"
)

func newInterp(t *testing.T, wf *dsl.Workflow) (*interp.Interp, *state.Store) {
	t.Helper()
	root := t.TempDir()
	gate := pathsafe.New(root)
	stateDir := t.TempDir()
	store := state.NewStore(stateDir)

	provider, err := obs.NewProvider(nil)
	require.NoError(t, err)

	return &interp.Interp{
		WF:     wf,
		Gate:   gate,
		Store:  store,
		Masker: secrets.NewMasker(),
		Tracer: provider.Tracer("test"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, store
}

func TestRun_SequentialCommandSteps(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Steps: []dsl.Step{
			{Name: "a", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo one"}, OutputCapture: "text"},
			{Name: "b", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo two"}, OutputCapture: "text"},
		},
	}
	in, store := newInterp(t, wf)
	doc := &state.Document{RunID: "r1", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc.Status)

	loaded, err := store.Load("r1", "")
	require.NoError(t, err)
	assert.Equal(t, "completed", loaded.Status)
}

func TestRun_StrictFlowAbortsOnFailure(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Steps: []dsl.Step{
			{Name: "a", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "exit 2"}, OutputCapture: "text"},
			{Name: "b", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo unreachable"}, OutputCapture: "text"},
		},
	}
	in, _ := newInterp(t, wf)
	doc := &state.Document{RunID: "r2", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	assert.Error(t, err)
	assert.Equal(t, "failed", doc.Status)
}

func TestRun_OnFailureGoto(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Steps: []dsl.Step{
			{
				Name: "a", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "exit 1"}, OutputCapture: "text",
				On: &dsl.On{Failure: &dsl.Branch{Goto: "recover"}},
			},
			{Name: "skip-me", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo should-not-run"}, OutputCapture: "text"},
			{Name: "recover", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo recovered"}, OutputCapture: "text"},
		},
	}
	in, _ := newInterp(t, wf)
	doc := &state.Document{RunID: "r3", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "completed", doc.Status)
	assert.Contains(t, doc.StepResults, "recover")
	assert.NotContains(t, doc.StepResults, "skip-me")
}

func TestRun_WhenSkipsStep(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Context:    map[string]interface{}{"flag": "off"},
		Steps: []dsl.Step{
			{
				Name: "maybe", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo ran"}, OutputCapture: "text",
				When: &dsl.When{Equals: &dsl.EqualsCond{Left: "${context.flag}", Right: "on"}},
			},
		},
	}
	in, _ := newInterp(t, wf)
	doc := &state.Document{RunID: "r4", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	require.NoError(t, err)
	require.Contains(t, doc.StepResults, "maybe")
	result := doc.StepResults["maybe"].(map[string]interface{})
	assert.Equal(t, "skipped", result["status"])
	assert.Equal(t, 0, result["exit_code"])
}

func TestRun_ForEachIteratesLiteralItems(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Steps: []dsl.Step{
			{
				Name: "loop", Kind: dsl.KindForEach,
				ForEach: &dsl.ForEach{
					As:    "item",
					Items: []interface{}{"x", "y"},
					Steps: []dsl.Step{
						{Name: "inner", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo ${loop.item}"}, OutputCapture: "text"},
					},
				},
			},
		},
	}
	in, _ := newInterp(t, wf)
	doc := &state.Document{RunID: "r5", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	require.NoError(t, err)
	loopResult := doc.StepResults["loop"].(map[string]interface{})
	assert.Equal(t, 2, loopResult["iterations"])
}

func TestRun_ForEachInnerGotoEscapesLoop(t *testing.T) {
	wf := &dsl.Workflow{
		StrictFlow: true,
		Steps: []dsl.Step{
			{
				Name: "loop", Kind: dsl.KindForEach,
				ForEach: &dsl.ForEach{
					As:    "item",
					Items: []interface{}{"x", "y"},
					Steps: []dsl.Step{
						{
							Name: "inner", Kind: dsl.KindCommand,
							Command:       []string{"/bin/sh", "-c", "echo ${loop.item}"},
							OutputCapture: "text",
							On:            &dsl.On{Success: &dsl.Branch{Goto: "after"}},
						},
					},
				},
			},
			{Name: "skipped", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo nope"}},
			{Name: "after", Kind: dsl.KindCommand, Command: []string{"/bin/sh", "-c", "echo done"}, OutputCapture: "text"},
		},
	}
	in, _ := newInterp(t, wf)
	doc := &state.Document{RunID: "r6", StepResults: map[string]interface{}{}}

	err := in.Run(context.Background(), doc)
	require.NoError(t, err)
	assert.NotContains(t, doc.StepResults, "skipped", "goto should bypass the step entirely, not mark it skipped")
	afterResult := doc.StepResults["after"].(map[string]interface{})
	assert.Equal(t, "completed", afterResult["status"])
}
