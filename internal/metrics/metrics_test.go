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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tbarlow/orchestrate/internal/metrics"
)

func TestRecordStep_IncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(metrics.StepsTotal.WithLabelValues("command", "success"))
	metrics.RecordStep("command", "success", 0.25)
	after := testutil.ToFloat64(metrics.StepsTotal.WithLabelValues("command", "success"))
	assert.Equal(t, before+1, after)
}

func TestRecordRetry_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.StepRetries.WithLabelValues("command"))
	metrics.RecordRetry("command")
	after := testutil.ToFloat64(metrics.StepRetries.WithLabelValues("command"))
	assert.Equal(t, before+1, after)
}

func TestRecordRun_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("completed"))
	metrics.RecordRun("completed")
	after := testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("completed"))
	assert.Equal(t, before+1, after)
}
