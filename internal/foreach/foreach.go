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

// Package foreach resolves a for_each step's iteration source and
// builds the isolated per-iteration scope the Control-Flow Interpreter
// walks the nested step list under.
package foreach

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/tbarlow/orchestrate/internal/dsl"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
	"github.com/tbarlow/orchestrate/internal/vars"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// ResolveItems determines the concrete item list for a for_each step:
// either its literal `items`, or the slice found at `items_from`
// (steps.<Name>.lines or steps.<Name>.json[.path]).
func ResolveItems(fe *dsl.ForEach, scope vars.Scope) ([]interface{}, error) {
	if fe.Items != nil {
		return fe.Items, nil
	}

	v, ok := vars.Lookup(fe.ItemsFrom, scope)
	if !ok {
		return nil, &orcherrors.SubstitutionError{
			Reason:       "invalid_reference",
			Placeholders: []string{fe.ItemsFrom},
		}
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, &orcherrors.ValidationError{
			Field:   "for_each.items_from",
			Message: "items_from must resolve to a list: " + fe.ItemsFrom,
		}
	}
	return items, nil
}

// IterationScope returns a scope for one iteration, isolated from the
// parent: its Steps map is copied so that step results recorded during
// this iteration never leak into the parent scope or into sibling
// iterations.
func IterationScope(parent vars.Scope, as string, index, total int, item interface{}) vars.Scope {
	child := parent
	child.Steps = copyMap(parent.Steps)

	loop := map[string]interface{}{
		"index": index,
		"total": total,
	}
	if as == "" {
		as = "item"
	}
	loop[as] = item
	return child.WithLoop(loop)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ApplyItemComplete performs the v1.2 on_item_complete lifecycle
// action: relocating the originating item file into action.MoveTo.
// A nil action is a no-op. The relocation is idempotent: if the
// source no longer exists but a same-named file already sits at the
// destination, it is treated as already moved rather than an error —
// this lets a resumed run re-apply a lifecycle action that partially
// completed before a crash.
func ApplyItemComplete(gate *pathsafe.Gate, action *dsl.ItemAction, sourceRelPath string) error {
	if action == nil || action.MoveTo == "" || sourceRelPath == "" {
		return nil
	}

	src, err := gate.Resolve(sourceRelPath)
	if err != nil {
		return err
	}
	destDir, err := gate.Resolve(action.MoveTo)
	if err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(src))

	if _, err := os.Stat(src); os.IsNotExist(err) {
		if _, destErr := os.Stat(dest); destErr == nil {
			return nil
		}
		return &orcherrors.StateError{Path: src, Reason: "item file missing and not found at destination"}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &orcherrors.StateError{Path: destDir, Reason: "creating destination directory", Cause: err}
	}
	if err := os.Rename(src, dest); err != nil {
		return &orcherrors.StateError{Path: src, Reason: "relocating item file", Cause: err}
	}
	return nil
}

// TrimLastSegment strips a trailing ".lines"/".json"/".json.<path>"
// accessor from an items_from reference, leaving the bare
// "steps.<Name>" prefix — used when the engine needs the step name
// alone (e.g. to locate the original file list for on_item_complete).
func TrimLastSegment(itemsFrom string) string {
	segs := strings.Split(itemsFrom, ".")
	if len(segs) <= 2 {
		return itemsFrom
	}
	return strings.Join(segs[:2], ".")
}
