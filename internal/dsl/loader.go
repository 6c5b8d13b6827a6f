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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tbarlow/orchestrate/internal/pathsafe"
	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

var topLevelFields = map[string]bool{
	"version": true, "name": true, "strict_flow": true,
	"providers": true, "queue": true, "context": true, "steps": true,
}

var stepCommonFields = map[string]bool{
	"name": true, "provider": true, "command": true, "wait_for": true, "for_each": true,
	"input_file": true, "output_file": true, "output_capture": true, "allow_parse_error": true,
	"env": true, "secrets": true, "depends_on": true, "timeout_sec": true, "retries": true,
	"when": true, "on": true, "provider_params": true,
	"output_schema": true, "output_require": true,
}

var deprecatedFields = map[string]bool{
	"command_override": true,
}

// Load reads, parses, and strictly validates a workflow YAML file. All
// path-bearing fields are passed through gate. Returns the immutable
// Workflow and its checksum.
func Load(path string, gate *pathsafe.Gate) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, orcherrors.Wrapf(err, "reading workflow file %s", path)
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &orcherrors.ValidationError{Message: "invalid YAML: " + err.Error()}
	}

	wf, err := buildWorkflow(raw)
	if err != nil {
		return nil, err
	}
	wf.Checksum = checksum

	if err := validatePaths(wf, gate); err != nil {
		return nil, err
	}
	if err := validateGotoTargets(wf); err != nil {
		return nil, err
	}
	if err := validateNoEnvNamespace(data); err != nil {
		return nil, err
	}

	return wf, nil
}

func buildWorkflow(raw map[string]interface{}) (*Workflow, error) {
	for k := range raw {
		if !topLevelFields[k] {
			return nil, &orcherrors.ValidationError{Field: k, Message: "unknown top-level field"}
		}
	}

	versionStr, _ := raw["version"].(string)
	if versionStr == "" {
		return nil, &orcherrors.ValidationError{Field: "version", Message: "version is required"}
	}
	version, err := ParseVersion(versionStr)
	if err != nil {
		return nil, &orcherrors.ValidationError{Field: "version", Message: err.Error()}
	}

	wf := &Workflow{
		Version:    versionStr,
		StrictFlow: true,
		Context:    map[string]interface{}{},
	}
	if v, ok := raw["strict_flow"].(bool); ok {
		wf.StrictFlow = v
	}
	if v, ok := raw["name"].(string); ok {
		wf.Name = v
	}
	if v, ok := raw["context"].(map[string]interface{}); ok {
		wf.Context = v
	}

	if rawProviders, ok := raw["providers"].(map[string]interface{}); ok {
		wf.Providers = map[string]ProviderTemplate{}
		for name, v := range rawProviders {
			pm, ok := v.(map[string]interface{})
			if !ok {
				return nil, &orcherrors.ValidationError{Field: "providers." + name, Message: "provider template must be a mapping"}
			}
			pt, err := buildProviderTemplate(pm)
			if err != nil {
				return nil, orcherrors.Wrapf(err, "providers.%s", name)
			}
			wf.Providers[name] = pt
		}
	}

	rawSteps, _ := raw["steps"].([]interface{})
	seenNames := map[string]bool{}
	for i, rs := range rawSteps {
		sm, ok := rs.(map[string]interface{})
		if !ok {
			return nil, &orcherrors.ValidationError{Field: fmt.Sprintf("steps[%d]", i), Message: "step must be a mapping"}
		}
		step, err := buildStep(sm, version, fmt.Sprintf("steps[%d]", i))
		if err != nil {
			return nil, err
		}
		if seenNames[step.Name] {
			return nil, &orcherrors.ValidationError{Field: "steps", Message: "duplicate step name: " + step.Name}
		}
		seenNames[step.Name] = true
		wf.Steps = append(wf.Steps, step)
	}

	return wf, nil
}

func buildProviderTemplate(m map[string]interface{}) (ProviderTemplate, error) {
	pt := ProviderTemplate{InputMode: "argv"}
	for k := range m {
		switch k {
		case "argv", "input_mode", "defaults":
		default:
			return pt, &orcherrors.ValidationError{Field: k, Message: "unknown provider template field"}
		}
	}
	if rawArgv, ok := m["argv"].([]interface{}); ok {
		for _, a := range rawArgv {
			s, ok := a.(string)
			if !ok {
				return pt, &orcherrors.ValidationError{Field: "argv", Message: "argv entries must be strings"}
			}
			pt.Argv = append(pt.Argv, s)
		}
	}
	if v, ok := m["input_mode"].(string); ok {
		pt.InputMode = v
	}
	if pt.InputMode != "argv" && pt.InputMode != "stdin" {
		return pt, &orcherrors.ValidationError{Field: "input_mode", Message: "input_mode must be argv or stdin"}
	}
	if v, ok := m["defaults"].(map[string]interface{}); ok {
		pt.Defaults = v
	}
	if pt.InputMode == "stdin" {
		for _, tok := range pt.Argv {
			if strings.Contains(tok, "${PROMPT}") {
				return pt, &orcherrors.ValidationError{
					Field:   "argv",
					Message: "stdin-mode provider templates must not reference ${PROMPT} in argv",
				}
			}
		}
	}
	return pt, nil
}

func buildStep(m map[string]interface{}, version Version, path string) (Step, error) {
	var step Step

	for k := range m {
		if deprecatedFields[k] {
			return step, &orcherrors.ValidationError{Field: path + "." + k, Message: "field is deprecated"}
		}
		if !stepCommonFields[k] {
			return step, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown step field"}
		}
	}

	name, _ := m["name"].(string)
	if name == "" {
		return step, &orcherrors.ValidationError{Field: path + ".name", Message: "step name is required"}
	}
	step.Name = name

	kindsPresent := 0
	if _, ok := m["command"]; ok {
		kindsPresent++
	}
	if _, ok := m["provider"]; ok {
		kindsPresent++
	}
	if _, ok := m["wait_for"]; ok {
		kindsPresent++
	}
	if _, ok := m["for_each"]; ok {
		kindsPresent++
	}
	if kindsPresent != 1 {
		return step, &orcherrors.ValidationError{
			Field:   path,
			Message: "exactly one of provider, command, wait_for, for_each must be set",
		}
	}

	switch {
	case m["command"] != nil:
		step.Kind = KindCommand
		argv, err := normalizeCommand(m["command"])
		if err != nil {
			return step, orcherrors.Wrapf(err, "%s.command", path)
		}
		step.Command = argv
	case m["provider"] != nil:
		step.Kind = KindProvider
		pname, ok := m["provider"].(string)
		if !ok {
			return step, &orcherrors.ValidationError{Field: path + ".provider", Message: "provider must name a template"}
		}
		step.Provider = pname
		if pp, ok := m["provider_params"].(map[string]interface{}); ok {
			step.ProviderParams = pp
		}
	case m["wait_for"] != nil:
		step.Kind = KindWaitFor
		wm, ok := m["wait_for"].(map[string]interface{})
		if !ok {
			return step, &orcherrors.ValidationError{Field: path + ".wait_for", Message: "wait_for must be a mapping"}
		}
		wf, err := buildWaitFor(wm, path+".wait_for")
		if err != nil {
			return step, err
		}
		step.WaitFor = wf
	case m["for_each"] != nil:
		step.Kind = KindForEach
		fm, ok := m["for_each"].(map[string]interface{})
		if !ok {
			return step, &orcherrors.ValidationError{Field: path + ".for_each", Message: "for_each must be a mapping"}
		}
		fe, err := buildForEach(fm, version, path+".for_each")
		if err != nil {
			return step, err
		}
		step.ForEach = fe
	}

	if v, ok := m["input_file"].(string); ok {
		step.InputFile = v
	}
	if v, ok := m["output_file"].(string); ok {
		step.OutputFile = v
	}
	step.OutputCapture = "text"
	if v, ok := m["output_capture"].(string); ok {
		step.OutputCapture = v
	}
	if step.OutputCapture != "text" && step.OutputCapture != "lines" && step.OutputCapture != "json" {
		return step, &orcherrors.ValidationError{Field: path + ".output_capture", Message: "must be text, lines, or json"}
	}
	if v, ok := m["allow_parse_error"].(bool); ok {
		step.AllowParseError = v
	}
	if rawEnv, ok := m["env"].(map[string]interface{}); ok {
		step.Env = map[string]string{}
		for k, v := range rawEnv {
			s, ok := v.(string)
			if !ok {
				return step, &orcherrors.ValidationError{Field: path + ".env." + k, Message: "env values must be strings"}
			}
			step.Env[k] = s
		}
	}
	if rawSecrets, ok := m["secrets"].([]interface{}); ok {
		for _, s := range rawSecrets {
			str, ok := s.(string)
			if !ok {
				return step, &orcherrors.ValidationError{Field: path + ".secrets", Message: "secrets entries must be strings"}
			}
			step.Secrets = append(step.Secrets, str)
		}
	}
	if rawDeps, ok := m["depends_on"].(map[string]interface{}); ok {
		dep, err := buildDependsOn(rawDeps, version, path+".depends_on")
		if err != nil {
			return step, err
		}
		step.DependsOn = dep
	}
	if v, ok := m["timeout_sec"].(int); ok {
		step.TimeoutSec = v
	}
	if rawRetries, ok := m["retries"].(map[string]interface{}); ok {
		r := &Retries{}
		if v, ok := rawRetries["max"].(int); ok {
			r.Max = v
		}
		if v, ok := rawRetries["delay_ms"].(int); ok {
			r.DelayMS = v
		}
		step.Retries = r
	}
	if rawWhen, ok := m["when"].(map[string]interface{}); ok {
		w, err := buildWhen(rawWhen, path+".when")
		if err != nil {
			return step, err
		}
		step.When = w
	}
	if rawOn, ok := m["on"].(map[string]interface{}); ok {
		on, err := buildOn(rawOn, path+".on")
		if err != nil {
			return step, err
		}
		step.On = on
	}
	if _, ok := m["output_schema"]; ok {
		if !version.AtLeast(GateOutputSchema) {
			return step, &orcherrors.ValidationError{Field: path + ".output_schema", Message: "output_schema requires version >= 1.3"}
		}
		if step.AllowParseError {
			return step, &orcherrors.ValidationError{Field: path + ".output_schema", Message: "output_schema is incompatible with allow_parse_error: true"}
		}
		if sm, ok := m["output_schema"].(map[string]interface{}); ok {
			step.OutputSchema = sm
		}
	}
	if rawReq, ok := m["output_require"].([]interface{}); ok {
		if !version.AtLeast(GateOutputSchema) {
			return step, &orcherrors.ValidationError{Field: path + ".output_require", Message: "output_require requires version >= 1.3"}
		}
		if step.AllowParseError {
			return step, &orcherrors.ValidationError{Field: path + ".output_require", Message: "output_require is incompatible with allow_parse_error: true"}
		}
		for _, v := range rawReq {
			s, ok := v.(string)
			if !ok {
				return step, &orcherrors.ValidationError{Field: path + ".output_require", Message: "entries must be strings"}
			}
			step.OutputRequire = append(step.OutputRequire, s)
		}
	}

	return step, nil
}

func normalizeCommand(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{"/bin/sh", "-c", v}, nil
	case []interface{}:
		var argv []string
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, &orcherrors.ValidationError{Message: "command array entries must be strings"}
			}
			argv = append(argv, s)
		}
		return argv, nil
	default:
		return nil, &orcherrors.ValidationError{Message: "command must be a string or a list of strings"}
	}
}

func buildWaitFor(m map[string]interface{}, path string) (*WaitFor, error) {
	for k := range m {
		switch k {
		case "glob", "min_count", "timeout_sec", "poll_ms":
		default:
			return nil, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown wait_for field"}
		}
	}
	wf := &WaitFor{MinCount: 1, TimeoutSec: 300, PollMS: 500}
	glob, _ := m["glob"].(string)
	if glob == "" {
		return nil, &orcherrors.ValidationError{Field: path + ".glob", Message: "glob is required"}
	}
	wf.Glob = glob
	if v, ok := m["min_count"].(int); ok {
		wf.MinCount = v
	}
	if v, ok := m["timeout_sec"].(int); ok {
		wf.TimeoutSec = v
	}
	if v, ok := m["poll_ms"].(int); ok {
		wf.PollMS = v
	}
	return wf, nil
}

func buildForEach(m map[string]interface{}, version Version, path string) (*ForEach, error) {
	for k := range m {
		switch k {
		case "items", "items_from", "as", "steps", "on_item_complete":
		default:
			return nil, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown for_each field"}
		}
	}
	fe := &ForEach{As: "item"}
	if v, ok := m["items"].([]interface{}); ok {
		fe.Items = v
	}
	if v, ok := m["items_from"].(string); ok {
		fe.ItemsFrom = v
	}
	if fe.Items == nil && fe.ItemsFrom == "" {
		return nil, &orcherrors.ValidationError{Field: path, Message: "either items or items_from is required"}
	}
	if v, ok := m["as"].(string); ok && v != "" {
		fe.As = v
	}

	rawSteps, _ := m["steps"].([]interface{})
	seen := map[string]bool{}
	for i, rs := range rawSteps {
		sm, ok := rs.(map[string]interface{})
		if !ok {
			return nil, &orcherrors.ValidationError{Field: fmt.Sprintf("%s.steps[%d]", path, i), Message: "step must be a mapping"}
		}
		s, err := buildStep(sm, version, fmt.Sprintf("%s.steps[%d]", path, i))
		if err != nil {
			return nil, err
		}
		if seen[s.Name] {
			return nil, &orcherrors.ValidationError{Field: path + ".steps", Message: "duplicate step name: " + s.Name}
		}
		seen[s.Name] = true
		fe.Steps = append(fe.Steps, s)
	}

	if rawLifecycle, ok := m["on_item_complete"].(map[string]interface{}); ok {
		if !version.AtLeast(GateOnItemComplete) {
			return nil, &orcherrors.ValidationError{Field: path + ".on_item_complete", Message: "on_item_complete requires version >= 1.2"}
		}
		lc := &OnItemComplete{}
		if sm, ok := rawLifecycle["success"].(map[string]interface{}); ok {
			lc.Success = &ItemAction{MoveTo: asString(sm["move_to"])}
		}
		if fm, ok := rawLifecycle["failure"].(map[string]interface{}); ok {
			lc.Failure = &ItemAction{MoveTo: asString(fm["move_to"])}
		}
		fe.OnItemComplete = lc
	}

	return fe, nil
}

func buildDependsOn(m map[string]interface{}, version Version, path string) (*DependsOn, error) {
	for k := range m {
		switch k {
		case "required", "optional", "inject":
		default:
			return nil, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown depends_on field"}
		}
	}
	dep := &DependsOn{}
	if v, ok := m["required"].([]interface{}); ok {
		for _, e := range v {
			dep.Required = append(dep.Required, asString(e))
		}
	}
	if v, ok := m["optional"].([]interface{}); ok {
		for _, e := range v {
			dep.Optional = append(dep.Optional, asString(e))
		}
	}
	if rawInject, ok := m["inject"]; ok {
		if !version.AtLeast(GateInject) {
			return nil, &orcherrors.ValidationError{Field: path + ".inject", Message: "depends_on.inject requires version >= 1.1.1"}
		}
		switch v := rawInject.(type) {
		case bool:
			if v {
				dep.Inject = &InjectSpec{Mode: "list", Position: "prepend", Instruction: DefaultInjectInstruction}
			}
		case map[string]interface{}:
			spec := &InjectSpec{Mode: "list", Position: "prepend", Instruction: DefaultInjectInstruction}
			if m, ok := v["mode"].(string); ok {
				spec.Mode = m
			}
			if p, ok := v["position"].(string); ok {
				spec.Position = p
			}
			if ins, ok := v["instruction"].(string); ok {
				spec.Instruction = ins
			}
			if spec.Mode != "list" && spec.Mode != "content" && spec.Mode != "none" {
				return nil, &orcherrors.ValidationError{Field: path + ".inject.mode", Message: "must be list, content, or none"}
			}
			if spec.Position != "prepend" && spec.Position != "append" {
				return nil, &orcherrors.ValidationError{Field: path + ".inject.position", Message: "must be prepend or append"}
			}
			dep.Inject = spec
		default:
			return nil, &orcherrors.ValidationError{Field: path + ".inject", Message: "inject must be a bool or mapping"}
		}
	}
	return dep, nil
}

func buildWhen(m map[string]interface{}, path string) (*When, error) {
	for k := range m {
		switch k {
		case "equals", "exists", "not_exists":
		default:
			return nil, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown when field"}
		}
	}
	w := &When{}
	if em, ok := m["equals"].(map[string]interface{}); ok {
		w.Equals = &EqualsCond{Left: asString(em["left"]), Right: asString(em["right"])}
	}
	if v, ok := m["exists"].(string); ok {
		w.Exists = v
	}
	if v, ok := m["not_exists"].(string); ok {
		w.NotExists = v
	}
	return w, nil
}

func buildOn(m map[string]interface{}, path string) (*On, error) {
	for k := range m {
		switch k {
		case "success", "failure", "always":
		default:
			return nil, &orcherrors.ValidationError{Field: path + "." + k, Message: "unknown on field"}
		}
	}
	on := &On{}
	if sm, ok := m["success"].(map[string]interface{}); ok {
		on.Success = &Branch{Goto: asString(sm["goto"])}
	}
	if fm, ok := m["failure"].(map[string]interface{}); ok {
		on.Failure = &Branch{Goto: asString(fm["goto"])}
	}
	if am, ok := m["always"].(map[string]interface{}); ok {
		on.Always = &Branch{Goto: asString(am["goto"])}
	}
	return on, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// validatePaths runs every declared path-bearing field through the
// Path Safety Gate.
func validatePaths(wf *Workflow, gate *pathsafe.Gate) error {
	var walk func(steps []Step) error
	walk = func(steps []Step) error {
		for _, s := range steps {
			if s.InputFile != "" {
				if _, err := gate.Resolve(s.InputFile); err != nil {
					return orcherrors.Wrapf(err, "step %s: input_file", s.Name)
				}
			}
			if s.OutputFile != "" {
				if _, err := gate.Resolve(s.OutputFile); err != nil {
					return orcherrors.Wrapf(err, "step %s: output_file", s.Name)
				}
			}
			if s.ForEach != nil {
				if err := walk(s.ForEach.Steps); err != nil {
					return err
				}
				if lc := s.ForEach.OnItemComplete; lc != nil {
					for _, action := range []*ItemAction{lc.Success, lc.Failure} {
						if action != nil && action.MoveTo != "" {
							if _, err := gate.Resolve(action.MoveTo); err != nil {
								return orcherrors.Wrapf(err, "step %s: on_item_complete move_to", s.Name)
							}
						}
					}
				}
			}
		}
		return nil
	}
	return walk(wf.Steps)
}

// validateNoEnvNamespace statically rejects any "${env." reference
// anywhere in the raw document text — the env.* namespace is always
// invalid (spec §4.2).
func validateNoEnvNamespace(data []byte) error {
	if strings.Contains(string(data), "${env.") || strings.Contains(string(data), "${env}") {
		return &orcherrors.ValidationError{Message: "the env.* namespace is not a valid substitution scope"}
	}
	return nil
}
