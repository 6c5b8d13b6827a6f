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

// Package inject composes resolved dependency files into a step's input,
// in list or content mode, subject to a cumulative size cap.
package inject

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tbarlow/orchestrate/internal/deps"
	"github.com/tbarlow/orchestrate/internal/dsl"
	"github.com/tbarlow/orchestrate/internal/pathsafe"
)

// MaxBytes is the cumulative cap on injected content. In content mode
// the file that reaches the cap is cut short and every later file is
// omitted.
const MaxBytes = 256 * 1024

// Result is the composed injection block plus truncation accounting.
type Result struct {
	Text string

	// FilesIncluded were written to Text, in full or (for the one file
	// also listed in FilesTruncated) in part.
	FilesIncluded []string
	// FilesTruncated were written to Text partially (content mode only:
	// the single file that absorbed the cap).
	FilesTruncated []string
	// FilesOmitted were dropped entirely once the cap was reached.
	FilesOmitted []string

	TotalBytes int

	// TruncationDetails is nil unless the cap was hit; when set it
	// holds total_size, shown_size, files_shown, files_truncated, and
	// files_omitted for steps.<name>.debug.injection.truncation_details.
	TruncationDetails map[string]interface{}
}

// Compose builds the injection block for spec's inject mode, reading
// file contents for "content" mode or just naming them for "list" mode.
// A nil spec or Mode "none" yields an empty Result.
func Compose(gate *pathsafe.Gate, spec *dsl.InjectSpec, resolution deps.Resolution) (Result, error) {
	if spec == nil || spec.Mode == "none" || spec.Mode == "" {
		return Result{}, nil
	}

	var b strings.Builder
	if spec.Instruction != "" {
		b.WriteString(spec.Instruction)
		b.WriteString("\n")
	}

	res := Result{}
	budget := MaxBytes - b.Len()
	var totalConsidered int

	switch spec.Mode {
	case "list":
		required, optional := splitByRequired(resolution)
		totalConsidered = composeListSection(&b, &budget, &res, "Required:\n", required)
		totalConsidered += composeListSection(&b, &budget, &res, "Optional (if available):\n", optional)
	case "content":
		totalConsidered = composeContent(gate, &b, &budget, &res, resolution.Files)
	default:
		return Result{}, fmt.Errorf("inject: unknown mode %q", spec.Mode)
	}

	res.Text = b.String()
	res.TotalBytes = len(res.Text)

	if len(res.FilesTruncated) > 0 || len(res.FilesOmitted) > 0 {
		res.TruncationDetails = map[string]interface{}{
			"total_size":      totalConsidered,
			"shown_size":      res.TotalBytes,
			"files_shown":     len(res.FilesIncluded),
			"files_truncated": len(res.FilesTruncated),
			"files_omitted":   len(res.FilesOmitted),
		}
	}
	return res, nil
}

// splitByRequired partitions resolution's matched files into the
// sorted required and optional sets the list-mode headers describe. A
// file matched by both a required and an optional pattern is reported
// only under Required.
func splitByRequired(resolution deps.Resolution) (required, optional []string) {
	seenReq := map[string]bool{}
	seenOpt := map[string]bool{}
	for _, pm := range resolution.ByPattern {
		for _, f := range pm.Files {
			if pm.Required {
				if !seenReq[f] {
					seenReq[f] = true
					required = append(required, f)
				}
			} else if !seenOpt[f] {
				seenOpt[f] = true
				optional = append(optional, f)
			}
		}
	}
	for _, f := range required {
		seenOpt[f] = true
	}
	filtered := optional[:0]
	for _, f := range optional {
		if seenReq[f] {
			continue
		}
		filtered = append(filtered, f)
	}
	optional = filtered
	sort.Strings(required)
	sort.Strings(optional)
	return required, optional
}

// composeListSection writes header plus one bullet per file in files,
// omitting entries once budget runs out, and returns the byte size the
// full (untruncated) section would have taken.
func composeListSection(b *strings.Builder, budget *int, res *Result, header string, files []string) int {
	if len(files) == 0 {
		return 0
	}
	total := len(header)
	if *budget-len(header) < 0 {
		res.FilesOmitted = append(res.FilesOmitted, files...)
		for _, f := range files {
			total += len(fmt.Sprintf("- %s\n", f))
		}
		return total
	}
	b.WriteString(header)
	*budget -= len(header)

	for _, f := range files {
		line := fmt.Sprintf("- %s\n", f)
		total += len(line)
		if *budget-len(line) < 0 {
			res.FilesOmitted = append(res.FilesOmitted, f)
			continue
		}
		b.WriteString(line)
		*budget -= len(line)
		res.FilesIncluded = append(res.FilesIncluded, f)
	}
	return total
}

// composeContent reads each file in files and writes its
// "=== File: ... ===" header plus content, truncating the file that
// first exceeds budget and omitting everything after it. Returns the
// full on-disk byte size considered across all files.
func composeContent(gate *pathsafe.Gate, b *strings.Builder, budget *int, res *Result, files []string) int {
	var totalConsidered int
	for i, f := range files {
		abs, err := gate.Resolve(f)
		if err != nil {
			res.FilesOmitted = append(res.FilesOmitted, f)
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			res.FilesOmitted = append(res.FilesOmitted, f)
			continue
		}
		total := len(data)
		totalConsidered += total

		headerFull := fmt.Sprintf("=== File: %s (%d/%d) ===\n", f, total, total)
		if *budget-len(headerFull) <= 0 {
			res.FilesOmitted = append(res.FilesOmitted, files[i:]...)
			for _, rest := range files[i+1:] {
				if restAbs, statErr := gate.Resolve(rest); statErr == nil {
					if info, err := os.Stat(restAbs); err == nil {
						totalConsidered += int(info.Size())
					}
				}
			}
			break
		}

		remaining := *budget - len(headerFull) - 1 // trailing newline
		if remaining < 0 {
			remaining = 0
		}
		shown := data
		truncatedFile := false
		if remaining < len(data) {
			shown = data[:remaining]
			truncatedFile = true
		}

		header := fmt.Sprintf("=== File: %s (%d/%d) ===\n", f, len(shown), total)
		b.WriteString(header)
		b.Write(shown)
		b.WriteString("\n")
		*budget -= len(header) + len(shown) + 1
		res.FilesIncluded = append(res.FilesIncluded, f)

		if truncatedFile {
			res.FilesTruncated = append(res.FilesTruncated, f)
			for _, rest := range files[i+1:] {
				res.FilesOmitted = append(res.FilesOmitted, rest)
				if restAbs, statErr := gate.Resolve(rest); statErr == nil {
					if info, err := os.Stat(restAbs); err == nil {
						totalConsidered += int(info.Size())
					}
				}
			}
			break
		}
	}
	return totalConsidered
}

// Place inserts the injection block into body, either before or after,
// per spec.Position. A nil spec or empty text is a no-op.
func Place(spec *dsl.InjectSpec, body string, injected Result) string {
	if spec == nil || injected.Text == "" {
		return body
	}
	if spec.Position == "append" {
		return body + "\n" + injected.Text
	}
	return injected.Text + "\n" + body
}
