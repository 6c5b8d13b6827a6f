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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *orcherrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &orcherrors.ValidationError{
				Field:   "input_file",
				Message: "path escapes workspace",
				Hint:    "use a workspace-relative path",
			},
			wantMsg: "validation failed on input_file: path escapes workspace",
		},
		{
			name:    "without field",
			err:     &orcherrors.ValidationError{Message: "unknown field in v1.0 workflow"},
			wantMsg: "validation failed: unknown field in v1.0 workflow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.ExitCode() != orcherrors.ExitInvalid {
				t.Errorf("ValidationError.ExitCode() = %d, want %d", tt.err.ExitCode(), orcherrors.ExitInvalid)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &orcherrors.NotFoundError{Resource: "run", ID: "20260101T000000Z-ab12cd"}
	want := "run not found: 20260101T000000Z-ab12cd"
	if got := err.Error(); got != want {
		t.Errorf("NotFoundError.Error() = %q, want %q", got, want)
	}
}

func TestDependencyError_Error(t *testing.T) {
	err := &orcherrors.DependencyError{Patterns: []string{"data/missing.csv"}}
	if !strings.Contains(err.Error(), "data/missing.csv") {
		t.Errorf("DependencyError.Error() = %q, want to contain pattern", err.Error())
	}
	if err.ExitCode() != orcherrors.ExitInvalid {
		t.Errorf("DependencyError.ExitCode() = %d, want %d", err.ExitCode(), orcherrors.ExitInvalid)
	}
}

func TestSecretsError_Error(t *testing.T) {
	err := &orcherrors.SecretsError{Missing: []string{"API_KEY"}}
	if !strings.Contains(err.Error(), "API_KEY") {
		t.Errorf("SecretsError.Error() = %q, want to contain API_KEY", err.Error())
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := &orcherrors.TimeoutError{Operation: "workflow step", Duration: 2 * time.Minute}
	got := err.Error()
	for _, want := range []string{"workflow step", "2m0s"} {
		if !strings.Contains(got, want) {
			t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.ExitCode() != orcherrors.ExitTimeout {
		t.Errorf("TimeoutError.ExitCode() = %d, want %d", err.ExitCode(), orcherrors.ExitTimeout)
	}
}

func TestTimeoutError_Unwrap(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := &orcherrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: cause}
	if got := err.Unwrap(); got != cause {
		t.Errorf("TimeoutError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestExecutionError_ExitCode(t *testing.T) {
	err := &orcherrors.ExecutionError{ExitStatus: 1, StderrTail: "boom"}
	if err.ExitCode() != 1 {
		t.Errorf("ExecutionError.ExitCode() = %d, want 1", err.ExitCode())
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *orcherrors.ConfigError
		wantMsg string
	}{
		{
			name:    "with key",
			err:     &orcherrors.ConfigError{Key: "ORCHESTRATE_STATE_DIR", Reason: "not writable"},
			wantMsg: "config error at ORCHESTRATE_STATE_DIR: not writable",
		},
		{
			name:    "without key",
			err:     &orcherrors.ConfigError{Reason: "file not found"},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("file read error")
	err := &orcherrors.ConfigError{Key: "config", Reason: "failed to load", Cause: cause}
	if got := err.Unwrap(); got != cause {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestStateError_Unwrap(t *testing.T) {
	cause := errors.New("checksum mismatch")
	err := &orcherrors.StateError{Path: "state.json", Reason: "corrupted", Cause: cause}
	if got := err.Unwrap(); got != cause {
		t.Errorf("StateError.Unwrap() = %v, want %v", got, cause)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &orcherrors.ValidationError{Field: "email", Message: "invalid format"}
		wrapped := fmt.Errorf("user input validation: %w", original)

		var target *orcherrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "email" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "email")
		}
	})

	t.Run("TimeoutError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("context deadline exceeded")
		timeoutErr := &orcherrors.TimeoutError{Operation: "test", Duration: 5 * time.Second, Cause: rootCause}
		wrapped := fmt.Errorf("operation timeout: %w", timeoutErr)

		var target *orcherrors.TimeoutError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find TimeoutError in wrapped error")
		}
		if target.Unwrap() != rootCause {
			t.Error("TimeoutError.Unwrap() should return root cause")
		}
	})
}

func TestErrorsIs(t *testing.T) {
	t.Run("errors.Is works with wrapped ValidationError", func(t *testing.T) {
		original := &orcherrors.ValidationError{Field: "test"}
		wrapped := fmt.Errorf("wrapper: %w", original)
		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
