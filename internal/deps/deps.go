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

// Package deps resolves a step's depends_on globs against the workspace,
// in the Dependency Resolver's deterministic order.
package deps

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tbarlow/orchestrate/internal/pathsafe"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// Resolution is the result of matching a step's required and optional
// glob patterns.
type Resolution struct {
	// Files is the sorted, de-duplicated union of every matched path,
	// workspace-relative.
	Files []string
	// ByPattern preserves which files each individual pattern matched,
	// in declaration order, for the Injection Composer's list mode.
	ByPattern []PatternMatch
}

// PatternMatch records the sorted matches for one glob pattern.
type PatternMatch struct {
	Pattern  string
	Required bool
	Files    []string
}

// Match expands a single already-substituted glob pattern against
// gate's workspace root and returns the sorted, workspace-relative
// matches. Shared by Resolve (depends_on.required/optional) and the
// Wait-For Primitive (wait_for.glob), so both honor the same path-
// safety and ordering guarantees. Patterns are not checked for `**`:
// doublestar.FilepathGlob expands it recursively across directories,
// alongside single-level `*`/`?`.
func Match(gate *pathsafe.Gate, pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(gate.Root()+"/"+pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, &orcherrors.ValidationError{Field: "glob", Message: "invalid glob pattern: " + pattern}
	}

	rels := make([]string, 0, len(matches))
	for _, abs := range matches {
		rel, err := relativeTo(gate, abs)
		if err != nil {
			continue
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels, nil
}

// Resolve expands required and optional glob patterns (already variable-
// substituted by the caller) against gate's workspace root. A required
// pattern matching zero files is a DependencyError; an optional pattern
// matching zero files is silently empty.
func Resolve(gate *pathsafe.Gate, required, optional []string) (Resolution, error) {
	var res Resolution
	var missing []string
	seen := map[string]bool{}

	match := func(pattern string, isRequired bool) error {
		rels, err := Match(gate, pattern)
		if err != nil {
			return &orcherrors.ValidationError{Field: "depends_on", Message: "invalid glob pattern: " + pattern}
		}

		if len(rels) == 0 && isRequired {
			missing = append(missing, pattern)
		}

		res.ByPattern = append(res.ByPattern, PatternMatch{Pattern: pattern, Required: isRequired, Files: rels})
		for _, r := range rels {
			if !seen[r] {
				seen[r] = true
				res.Files = append(res.Files, r)
			}
		}
		return nil
	}

	for _, p := range required {
		if err := match(p, true); err != nil {
			return Resolution{}, err
		}
	}
	for _, p := range optional {
		if err := match(p, false); err != nil {
			return Resolution{}, err
		}
	}

	if len(missing) > 0 {
		return Resolution{}, &orcherrors.DependencyError{Patterns: missing}
	}

	sort.Strings(res.Files)
	return res, nil
}

func relativeTo(gate *pathsafe.Gate, abs string) (string, error) {
	rel := relPathFromRoot(gate.Root(), abs)
	if _, err := gate.Resolve(rel); err != nil {
		return "", err
	}
	return rel, nil
}

func relPathFromRoot(root, abs string) string {
	if len(abs) > len(root) && abs[:len(root)] == root {
		rel := abs[len(root):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return abs
}
