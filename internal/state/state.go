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

// Package state persists and recovers a run's execution document:
// the program counter, step history, and accumulated context that let
// a run be resumed after an interruption.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// backupRetention is how many prior state snapshots are kept alongside
// the live file.
const backupRetention = 3

// Document is the full resumable record of one workflow run.
type Document struct {
	RunID            string                 `json:"run_id"`
	WorkflowPath     string                 `json:"workflow_path"`
	WorkflowChecksum string                 `json:"workflow_checksum"`
	ProgramCounter   int                    `json:"program_counter"`
	Context          map[string]interface{} `json:"context"`
	StepResults      map[string]interface{} `json:"step_results"`
	Status           string                 `json:"status"` // "running" | "completed" | "failed"
	StartedAt        time.Time              `json:"started_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Store manages one run's state file plus its rolling backups under
// dir/<run_id>/.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at the orchestrator's state
// directory (ORCHESTRATE_STATE_DIR or its default).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewRunID mints a run identifier: a UTC timestamp plus a short
// uuid-derived suffix, so concurrent runs started in the same second
// never collide and run_ids sort chronologically.
func NewRunID(now time.Time) string {
	suffix := uuid.New().String()[:6]
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102T150405Z"), suffix)
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.dir, runID)
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.runDir(runID), "state.json")
}

// Save atomically persists doc, rotating the previous snapshot into a
// timestamped backup before replacing the live file.
func (s *Store) Save(doc *Document) error {
	dir := s.runDir(doc.RunID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &orcherrors.StateError{Path: dir, Reason: "creating run directory", Cause: err}
	}

	doc.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &orcherrors.StateError{Path: dir, Reason: "marshaling state", Cause: err}
	}

	path := s.statePath(doc.RunID)
	if err := s.rotateBackup(path); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return &orcherrors.StateError{Path: path, Reason: "writing state file", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &orcherrors.StateError{Path: path, Reason: "renaming state file", Cause: err}
	}

	return nil
}

// SaveStepBackup copies the current live document to a backup keyed
// by stepName, used when --backup-state or --debug is active so state
// can be rolled back to a specific step rather than just the most
// recent snapshot. A missing live file (the run's first step) is a
// no-op.
func (s *Store) SaveStepBackup(doc *Document, stepName string) error {
	dir := s.runDir(doc.RunID)
	path := s.statePath(doc.RunID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &orcherrors.StateError{Path: path, Reason: "reading state file for step backup", Cause: err}
	}

	backupPath := filepath.Join(dir, fmt.Sprintf("state.json.step_%s.bak", stepName))
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return &orcherrors.StateError{Path: backupPath, Reason: "writing step backup", Cause: err}
	}
	return s.pruneStepBackups(dir)
}

// pruneStepBackups keeps only the backupRetention most recently
// written state.json.step_*.bak files. Unlike rotateBackup's
// nanosecond-named snapshots, a step backup's filename carries the
// step name, not a timestamp, so recency is read from ModTime rather
// than the name.
func (s *Store) pruneStepBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && contains(e.Name(), ".step_") && contains(e.Name(), ".bak") {
			backups = append(backups, e)
		}
	}
	sort.Slice(backups, func(i, j int) bool {
		ii, _ := backups[i].Info()
		ij, _ := backups[j].Info()
		if ii == nil || ij == nil {
			return false
		}
		return ii.ModTime().Before(ij.ModTime())
	})
	for len(backups) > backupRetention {
		path := filepath.Join(dir, backups[0].Name())
		if err := os.Remove(path); err != nil {
			return &orcherrors.StateError{Path: path, Reason: "pruning step backup", Cause: err}
		}
		backups = backups[1:]
	}
	return nil
}

// rotateBackup copies the current live file (if any) to
// <state file>.backup.<unix-nano> alongside it, then prunes all but the most
// recent backupRetention backups.
func (s *Store) rotateBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &orcherrors.StateError{Path: path, Reason: "reading state file for backup", Cause: err}
	}

	backupPath := fmt.Sprintf("%s.backup.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return &orcherrors.StateError{Path: backupPath, Reason: "writing backup", Cause: err}
	}
	return s.pruneBackups(filepath.Dir(path))
}

func (s *Store) pruneBackups(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) != "" && contains(e.Name(), ".backup.") {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(backups)
	for len(backups) > backupRetention {
		os.Remove(backups[0])
		backups = backups[1:]
	}
	return nil
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Load reads a run's state file and verifies it against
// expectedChecksum (the loaded workflow's checksum). A mismatch or
// malformed file returns *orcherrors.StateError.
func (s *Store) Load(runID, expectedChecksum string) (*Document, error) {
	path := s.statePath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &orcherrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, &orcherrors.StateError{Path: path, Reason: "reading state file", Cause: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &orcherrors.StateError{Path: path, Reason: "state file is corrupted (invalid JSON)", Cause: err}
	}

	if expectedChecksum != "" && doc.WorkflowChecksum != expectedChecksum {
		return nil, &orcherrors.StateError{
			Path:   path,
			Reason: "workflow checksum mismatch: the workflow file changed since this run started",
		}
	}

	return &doc, nil
}

// Repair discards the live (possibly corrupted) state file and
// restores the most recent backup, used for `--repair`.
func (s *Store) Repair(runID string) (*Document, error) {
	path := s.statePath(runID)
	dir := filepath.Dir(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &orcherrors.StateError{Path: dir, Reason: "reading run directory", Cause: err}
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && contains(e.Name(), ".backup.") {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	if len(backups) == 0 {
		return nil, &orcherrors.StateError{Path: dir, Reason: "no backup available to repair from"}
	}
	sort.Strings(backups)
	latest := backups[len(backups)-1]

	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, &orcherrors.StateError{Path: latest, Reason: "reading backup", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, &orcherrors.StateError{Path: path, Reason: "restoring backup", Cause: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &orcherrors.StateError{Path: latest, Reason: "backup is itself corrupted", Cause: err}
	}
	return &doc, nil
}

// ForceRestart discards all state for runID and begins a new run
// under a freshly minted run_id, carrying over workflowPath so the
// fresh Document can be constructed without reloading it from state.
// It does not touch the discarded run's directory beyond deleting it:
// the old run_id is never reused.
func (s *Store) ForceRestart(runID, workflowPath string, now time.Time) (*Document, error) {
	dir := s.runDir(runID)
	if err := os.RemoveAll(dir); err != nil {
		return nil, &orcherrors.StateError{Path: dir, Reason: "clearing run state", Cause: err}
	}

	doc := &Document{
		RunID:        NewRunID(now),
		WorkflowPath: workflowPath,
		StepResults:  map[string]interface{}{},
		Status:       "running",
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
