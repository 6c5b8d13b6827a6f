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

package dsl

import (
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// validateGotoTargets resolves every on.success|failure|always.goto
// target against the step-name set of its own scope, falling back to
// the top-level step names for a for_each body. A goto inside a
// for_each may name a sibling within the same loop body (resolved
// first, so a sibling name shadows a same-named top-level step), or it
// may name a top-level step (or EndTarget), in which case it escapes
// the loop. It may never name a step in a sibling for_each's scope.
func validateGotoTargets(wf *Workflow) error {
	topNames := map[string]bool{}
	for _, s := range wf.Steps {
		topNames[s.Name] = true
	}
	return validateScopeGotos(wf.Steps, topNames)
}

// validateScopeGotos validates steps' goto targets against their own
// names, with topNames as the additional set of names a for_each-body
// goto may legally target to escape the loop. topNames is threaded
// unchanged through any nesting depth, so a goto always escapes
// straight to the workflow's top-level scope rather than an
// intermediate enclosing loop.
func validateScopeGotos(steps []Step, topNames map[string]bool) error {
	names := map[string]bool{}
	for _, s := range steps {
		names[s.Name] = true
	}

	checkBranch := func(stepName string, b *Branch, field string) error {
		if b == nil || b.Goto == "" {
			return nil
		}
		if b.Goto == EndTarget {
			return nil
		}
		if names[b.Goto] {
			return nil
		}
		if topNames[b.Goto] {
			return nil
		}
		return &orcherrors.ValidationError{
			Field:   "steps." + stepName + "." + field,
			Message: "goto target not found in this scope: " + b.Goto,
		}
	}

	for _, s := range steps {
		if s.On != nil {
			if err := checkBranch(s.Name, s.On.Success, "on.success.goto"); err != nil {
				return err
			}
			if err := checkBranch(s.Name, s.On.Failure, "on.failure.goto"); err != nil {
				return err
			}
			if err := checkBranch(s.Name, s.On.Always, "on.always.goto"); err != nil {
				return err
			}
		}
		if s.ForEach != nil {
			if err := validateScopeGotos(s.ForEach.Steps, topNames); err != nil {
				return err
			}
		}
	}
	return nil
}
