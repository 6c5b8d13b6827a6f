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

package vars_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tbarlow/orchestrate/internal/vars"
)

func scope() vars.Scope {
	return vars.Scope{
		Run:     map[string]interface{}{"id": "r-1"},
		Context: map[string]interface{}{"name": "alice", "count": 3, "active": true},
		Steps: map[string]interface{}{
			"fetch": map[string]interface{}{
				"output": "hi",
				"lines":  []interface{}{"a", "b", "c"},
			},
		},
	}
}

func TestEvaluate_SimpleSubstitution(t *testing.T) {
	out, unresolved := vars.Evaluate("hello ${context.name}", scope())
	assert.Equal(t, "hello alice", out)
	assert.Empty(t, unresolved)
}

func TestEvaluate_MultipleNamespaces(t *testing.T) {
	out, _ := vars.Evaluate("${run.id}/${steps.fetch.output}/${context.count}", scope())
	assert.Equal(t, "r-1/hi/3", out)
}

func TestEvaluate_NestedIndex(t *testing.T) {
	out, _ := vars.Evaluate("${steps.fetch.lines.1}", scope())
	assert.Equal(t, "b", out)
}

func TestEvaluate_UnresolvedReportedAndLeftLiteral(t *testing.T) {
	out, unresolved := vars.Evaluate("${context.missing}", scope())
	assert.Equal(t, "${context.missing}", out)
	assert.Equal(t, []string{"context.missing"}, unresolved)
}

func TestEvaluate_UnresolvedDeduped(t *testing.T) {
	_, unresolved := vars.Evaluate("${context.missing} and ${context.missing}", scope())
	assert.Equal(t, []string{"context.missing"}, unresolved)
}

func TestEvaluate_EscapedDollarBrace(t *testing.T) {
	out, unresolved := vars.Evaluate("literal $${context.name} stays", scope())
	assert.Equal(t, "literal ${context.name} stays", out)
	assert.Empty(t, unresolved)
}

func TestEvaluate_EscapedDollarAlone(t *testing.T) {
	out, _ := vars.Evaluate("cost is $$5", scope())
	assert.Equal(t, "cost is $5", out)
}

func TestEvaluate_UnterminatedPlaceholderCopiedLiterally(t *testing.T) {
	out, unresolved := vars.Evaluate("broken ${context.name", scope())
	assert.Equal(t, "broken ${context.name", out)
	assert.Empty(t, unresolved)
}

func TestLookup_LoopNilOutsideForEach(t *testing.T) {
	_, ok := vars.Lookup("loop.item", scope())
	assert.False(t, ok)
}

func TestLookup_LoopResolvesWhenSet(t *testing.T) {
	s := scope().WithLoop(map[string]interface{}{"item": "x"})
	v, ok := vars.Lookup("loop.item", s)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestLookup_EnvNamespaceAlwaysRejected(t *testing.T) {
	_, ok := vars.Lookup("env.HOME", scope())
	assert.False(t, ok)
}

func TestLookup_WithLoopDoesNotMutateParent(t *testing.T) {
	parent := scope()
	child := parent.WithLoop(map[string]interface{}{"item": "x"})
	assert.Nil(t, parent.Loop)
	assert.NotNil(t, child.Loop)
}

func TestCoerceToString(t *testing.T) {
	assert.Equal(t, "true", vars.CoerceToString(true))
	assert.Equal(t, "3", vars.CoerceToString(3))
	assert.Equal(t, "3", vars.CoerceToString(float64(3)))
	assert.Equal(t, "3.5", vars.CoerceToString(3.5))
	assert.Equal(t, "", vars.CoerceToString(nil))
	assert.Equal(t, "hi", vars.CoerceToString("hi"))
}
