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
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Summarize renders a one-screen summary of a run's outcome.
func Summarize(o *Outcome) string {
	symbol := statusOK.Render("✓")
	if o.Status == "failed" {
		symbol = statusError.Render("✗")
	}
	return fmt.Sprintf("%s run %s (%s)\n%s workflow: %s",
		symbol, o.RunID, o.Status,
		muted.Render(" "), o.WorkflowPath)
}
