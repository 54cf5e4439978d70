package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordsPipelineLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.PipelineStarted()
	m.PipelineStarted()
	m.PipelineFinished("completed")
	m.ObserveStep("writer", "completed", 2*time.Second, 100, 250)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.started))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.active))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.finished.WithLabelValues("completed")))
	assert.Equal(t, float64(250), testutil.ToFloat64(m.tokens.WithLabelValues("writer", "output")))
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.PipelineStarted()
	assert.Equal(t, float64(1), testutil.ToFloat64(second.started))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PipelineStarted()
		m.PipelineFinished("failed")
		m.ObserveStep("editor", "failed", time.Second, 0, 0)
		m.SubscriberAdded()
		m.SubscriberRemoved()
		m.SubscriberDropped()
	})
}
