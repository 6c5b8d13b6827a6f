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

// Package dsl defines the workflow document model and the strict
// loader/validator that turns YAML text into an immutable Workflow.
package dsl

// StepKind tags which of the four mutually-exclusive step variants is
// populated.
type StepKind string

const (
	KindCommand  StepKind = "command"
	KindProvider StepKind = "provider"
	KindWaitFor  StepKind = "wait_for"
	KindForEach  StepKind = "for_each"
)

// EndTarget is the reserved goto target that terminates a run
// successfully.
const EndTarget = "_end"

// Workflow is the immutable, loaded workflow document.
type Workflow struct {
	Version    string
	StrictFlow bool
	Name       string
	Providers  map[string]ProviderTemplate
	Context    map[string]interface{}
	Steps      []Step

	// Checksum is the sha256 digest of the raw workflow file bytes,
	// stored on the run document for corruption detection.
	Checksum string
}

// ProviderTemplate is an argv template used by provider steps.
type ProviderTemplate struct {
	Argv      []string
	InputMode string // "argv" | "stdin"
	Defaults  map[string]interface{}
}

// Step is a tagged-variant step record: exactly one of Command,
// Provider, WaitFor, or ForEach is populated, selected by Kind.
type Step struct {
	Name string
	Kind StepKind

	// command kind
	Command []string // already-normalized argv

	// provider kind
	Provider       string
	ProviderParams map[string]interface{}

	// wait_for kind
	WaitFor *WaitFor

	// for_each kind
	ForEach *ForEach

	InputFile       string
	OutputFile      string
	OutputCapture   string // "text" (default) | "lines" | "json"
	AllowParseError bool
	Env             map[string]string
	Secrets         []string
	DependsOn       *DependsOn
	TimeoutSec      int
	Retries         *Retries
	When            *When
	On              *On

	// v1.3+
	OutputSchema  map[string]interface{}
	OutputRequire []string
}

// WaitFor polls a glob until min_count matches or timeout_sec elapses.
type WaitFor struct {
	Glob       string
	MinCount   int
	TimeoutSec int
	PollMS     int
}

// ForEach resolves an iteration source and runs a nested step list once
// per item.
type ForEach struct {
	Items          []interface{}
	ItemsFrom      string
	As             string
	Steps          []Step
	OnItemComplete *OnItemComplete // v1.2+
}

// OnItemComplete is the per-iteration lifecycle action, v1.2+.
type OnItemComplete struct {
	Success *ItemAction
	Failure *ItemAction
}

// ItemAction relocates the originating task file after an iteration.
type ItemAction struct {
	MoveTo string
}

// DependsOn declares glob dependencies and the optional injection
// policy.
type DependsOn struct {
	Required []string
	Optional []string
	Inject   *InjectSpec // nil means no injection
}

// InjectSpec controls Injection Composer behavior. The shorthand
// `inject: true` is equivalent to {Mode: "list", Position: "prepend"}
// with the default instruction.
type InjectSpec struct {
	Mode        string // "list" | "content" | "none"
	Position    string // "prepend" | "append"
	Instruction string
}

const DefaultInjectInstruction = "The following dependency files are available for this step:"

// Retries caps attempts and sets the inter-attempt delay.
type Retries struct {
	Max     int
	DelayMS int
}

// When gates step execution on a condition.
type When struct {
	Equals    *EqualsCond
	Exists    string
	NotExists string
}

// EqualsCond compares two values after string coercion.
type EqualsCond struct {
	Left, Right string
}

// On declares goto branching handlers.
type On struct {
	Success *Branch
	Failure *Branch
	Always  *Branch
}

// Branch names a goto target, or EndTarget.
type Branch struct {
	Goto string
}
