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

package cliapp

import (
	"errors"
	"fmt"
	"os"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

// ExitError pairs an error with the process exit code the CLI should
// exit with.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Cause }

// HandleExitError prints err and exits the process with its code, or
// with 1 if err is not an *ExitError.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		printSuggestion(err)
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)
	os.Exit(1)
}

// printSuggestion walks err's unwrap chain for a UserVisibleError and, if
// found and user-visible, prints its remediation hint to stderr.
func printSuggestion(err error) {
	for err != nil {
		if userErr, ok := err.(orcherrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if s := userErr.Suggestion(); s != "" {
					fmt.Fprintln(os.Stderr, "Suggestion:", s)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
