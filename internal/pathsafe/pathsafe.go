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

// Package pathsafe canonicalizes workspace-relative paths and rejects
// absolute paths, parent-escapes, and symlinks whose real target leaves
// the workspace.
package pathsafe

import (
	"os"
	"path/filepath"
	"strings"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// Gate resolves paths relative to a fixed workspace root.
type Gate struct {
	root string
}

// New returns a Gate rooted at the given workspace directory. root must
// already be an absolute, cleaned path.
func New(root string) *Gate {
	return &Gate{root: filepath.Clean(root)}
}

// Root returns the workspace root this gate enforces.
func (g *Gate) Root() string { return g.root }

// Resolve validates a workspace-relative path and returns its absolute
// form on disk. It rejects:
//   - the empty string
//   - absolute paths
//   - any path containing a ".." segment
//   - paths whose resolved symlink target escapes the workspace root
//
// The returned path may not exist on disk; Resolve validates containment,
// not existence.
func (g *Gate) Resolve(rel string) (string, error) {
	if rel == "" {
		return "", &orcherrors.ValidationError{
			Field:   "path",
			Message: "path must not be empty",
		}
	}
	if filepath.IsAbs(rel) {
		return "", &orcherrors.ValidationError{
			Field:   "path",
			Message: "absolute paths are not allowed",
			Hint:    "use a path relative to the workspace root",
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", &orcherrors.ValidationError{
				Field:   "path",
				Message: "path must not contain a \"..\" segment",
				Hint:    "use a path within the workspace root",
			}
		}
	}

	joined := filepath.Join(g.root, rel)
	clean := filepath.Clean(joined)
	if err := g.validateContainment(clean); err != nil {
		return "", err
	}

	resolved, err := g.resolveSymlinks(clean)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// validateContainment rejects a path that, lexically, falls outside root.
func (g *Gate) validateContainment(p string) error {
	relToRoot, err := filepath.Rel(g.root, p)
	if err != nil {
		return &orcherrors.ValidationError{Field: "path", Message: "path could not be made relative to the workspace"}
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return &orcherrors.ValidationError{
			Field:   "path",
			Message: "path escapes the workspace root",
			Hint:    "use a path within the workspace root",
		}
	}
	return nil
}

// resolveSymlinks walks p's ancestors from the workspace root downward.
// The first ancestor that does not exist on disk ends the walk (nothing
// left to resolve — the remaining components describe a file or
// directory not yet created). Any existing ancestor that is itself a
// symlink is followed with filepath.EvalSymlinks and its real target is
// re-validated for containment within the workspace root.
func (g *Gate) resolveSymlinks(p string) (string, error) {
	relToRoot, err := filepath.Rel(g.root, p)
	if err != nil {
		return "", &orcherrors.ValidationError{Field: "path", Message: "path could not be made relative to the workspace"}
	}
	if relToRoot == "." {
		return p, nil
	}

	segments := strings.Split(filepath.ToSlash(relToRoot), "/")
	cur := g.root
	for _, seg := range segments {
		cur = filepath.Join(cur, seg)

		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				// Nothing further to resolve; the lexical path already
				// passed containment.
				return p, nil
			}
			return "", &orcherrors.ValidationError{Field: "path", Message: "could not stat path: " + err.Error()}
		}

		if info.Mode()&os.ModeSymlink != 0 {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", &orcherrors.ValidationError{Field: "path", Message: "could not resolve symlink: " + err.Error()}
			}
			if err := g.validateContainment(real); err != nil {
				return "", err
			}
			cur = real
		}
	}

	return cur, nil
}
