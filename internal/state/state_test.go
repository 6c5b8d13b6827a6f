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

package state_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
	"github.com/tbarlow/orchestrate/internal/state"
)

func TestNewRunID_Format(t *testing.T) {
	id := state.NewRunID(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	assert.Regexp(t, `^20260731T120000Z-[0-9a-f]{6}$`, id)
}

func TestStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)

	doc := &state.Document{
		RunID:            "run-1",
		WorkflowChecksum: "abc123",
		ProgramCounter:   2,
		Status:           "running",
		StartedAt:        time.Now(),
	}
	require.NoError(t, store.Save(doc))

	loaded, err := store.Load("run-1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.ProgramCounter)
}

func TestStore_Load_ChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)

	doc := &state.Document{RunID: "run-1", WorkflowChecksum: "abc123"}
	require.NoError(t, store.Save(doc))

	_, err := store.Load("run-1", "different")
	require.Error(t, err)
	var stateErr *orcherrors.StateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStore_Load_NotFound(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)

	_, err := store.Load("nope", "")
	require.Error(t, err)
	var notFound *orcherrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStore_BackupRetention(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)

	for i := 0; i < 6; i++ {
		doc := &state.Document{RunID: "run-1", ProgramCounter: i}
		require.NoError(t, store.Save(doc))
		time.Sleep(time.Millisecond)
	}

	loaded, err := store.Load("run-1", "")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.ProgramCounter)

	backups, err := filepath.Glob(filepath.Join(dir, "run-1", "state.json.backup.*"))
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}

func TestStore_ForceRestart(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)
	require.NoError(t, store.Save(&state.Document{RunID: "run-1", WorkflowPath: "wf.yaml"}))

	restarted, err := store.ForceRestart("run-1", "wf.yaml", time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotEqual(t, "run-1", restarted.RunID)
	assert.Equal(t, "wf.yaml", restarted.WorkflowPath)
	assert.Equal(t, "running", restarted.Status)

	_, err = store.Load("run-1", "")
	assert.Error(t, err)

	loaded, err := store.Load(restarted.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, "wf.yaml", loaded.WorkflowPath)
}
