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

package errors

import (
	"fmt"
	"time"
)

// Exit codes shared by every error kind below. A step's exit_code and the
// process's final exit status both derive from these constants, never from
// string matching on an error's message.
const (
	ExitSuccess   = 0
	ExitRetryable = 1
	ExitInvalid   = 2
	ExitTimeout   = 124
)

// ValidationError represents a load-time or path-safety rejection: an
// unknown field, a version-gated field used too early, an unresolved goto
// target, a mutual-exclusivity violation, a deprecated field, or an unsafe
// path. Always non-retryable, exit code 2.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ExitCode() int { return ExitInvalid }

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

func (e *ValidationError) IsUserVisible() bool { return true }
func (e *ValidationError) UserMessage() string { return e.Error() }
func (e *ValidationError) Suggestion() string  { return e.Hint }

// NotFoundError represents a resource not found error, used for run_id
// resolution on resume and step name lookups.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// SubstitutionError represents a Variable Evaluator or Process Runner
// failure to fully resolve `${...}` placeholders: missing_placeholders,
// undefined_vars, or invalid_reference (wrong type or missing steps.*).
type SubstitutionError struct {
	Reason      string // "missing_placeholders" | "undefined_vars" | "invalid_reference"
	Placeholders []string
}

func (e *SubstitutionError) Error() string {
	return fmt.Sprintf("substitution error (%s): %v", e.Reason, e.Placeholders)
}

func (e *SubstitutionError) ExitCode() int { return ExitInvalid }

func (e *SubstitutionError) ErrorType() string { return "substitution" }
func (e *SubstitutionError) IsRetryable() bool { return false }

// DependencyError represents a required glob pattern that matched zero
// paths.
type DependencyError struct {
	Patterns []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("required dependency patterns matched nothing: %v", e.Patterns)
}

func (e *DependencyError) ExitCode() int { return ExitInvalid }

func (e *DependencyError) ErrorType() string { return "dependency" }
func (e *DependencyError) IsRetryable() bool { return false }

// SecretsError represents one or more declared `secrets` entries missing
// from the orchestrator environment.
type SecretsError struct {
	Missing []string
}

func (e *SecretsError) Error() string {
	return fmt.Sprintf("missing secrets: %v", e.Missing)
}

func (e *SecretsError) ExitCode() int { return ExitInvalid }

func (e *SecretsError) ErrorType() string { return "secrets" }
func (e *SecretsError) IsRetryable() bool { return false }

// CaptureError represents an Output Capture Pipeline failure: JSON parse
// failure or buffer overflow without allow_parse_error.
type CaptureError struct {
	Reason string // "invalid" | "overflow"
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture error: %s", e.Reason)
}

func (e *CaptureError) ExitCode() int { return ExitInvalid }

func (e *CaptureError) ErrorType() string { return "capture" }
func (e *CaptureError) IsRetryable() bool { return false }

// TimeoutError represents a Process Runner or Wait-For Primitive deadline
// expiry. Retryable by default for provider steps.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) ExitCode() int { return ExitTimeout }

func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return true }

// ExecutionError wraps a non-zero child process exit that isn't a timeout.
// Exit code 1 is retryable per the step's retry policy; any other non-zero
// code (other than 124, which TimeoutError covers) is not.
type ExecutionError struct {
	ExitStatus int
	StderrTail string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("child process exited %d", e.ExitStatus)
}

func (e *ExecutionError) ExitCode() int { return e.ExitStatus }

func (e *ExecutionError) ErrorType() string { return "execution" }
func (e *ExecutionError) IsRetryable() bool { return e.ExitStatus == ExitRetryable }

// StateError represents run-document corruption detected at load or resume:
// a workflow_checksum mismatch or a malformed state.json.
type StateError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error at %s: %s", e.Path, e.Reason)
}

func (e *StateError) Unwrap() error { return e.Cause }

func (e *StateError) ErrorType() string { return "state" }
func (e *StateError) IsRetryable() bool { return false }

// ConfigError represents configuration resolution problems (environment
// variables, CLI flag layering).
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }
