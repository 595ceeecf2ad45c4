package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func TestRecordEventAppended(t *testing.T) {
	model := "test_sale_order"
	initial := testutil.ToFloat64(EventsAppendedTotal.WithLabelValues(model))

	RecordEventAppended(model)

	final := testutil.ToFloat64(EventsAppendedTotal.WithLabelValues(model))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordEventDropped(t *testing.T) {
	reason := "test_debounced"
	initial := testutil.ToFloat64(EventsDroppedTotal.WithLabelValues(reason))

	RecordEventDropped(reason)

	final := testutil.ToFloat64(EventsDroppedTotal.WithLabelValues(reason))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordDispatchAttempt(t *testing.T) {
	subscriber := "test_sub_1"
	initial := testutil.ToFloat64(DispatchAttemptsTotal.WithLabelValues(subscriber, "sent"))

	RecordDispatchAttempt(subscriber, "sent")

	final := testutil.ToFloat64(DispatchAttemptsTotal.WithLabelValues(subscriber, "sent"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordDispatchRetry(t *testing.T) {
	subscriber := "test_sub_retry"
	initial := testutil.ToFloat64(DispatchRetriesTotal.WithLabelValues(subscriber))

	RecordDispatchRetry(subscriber)

	final := testutil.ToFloat64(DispatchRetriesTotal.WithLabelValues(subscriber))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordDispatchDuration(t *testing.T) {
	subscriber := "test_sub_duration"

	RecordDispatchDuration(subscriber, 250*time.Millisecond)

	metric := &dto.Metric{}
	observer, err := DispatchDurationSeconds.GetMetricWithLabelValues(subscriber)
	assert.NoError(t, err)
	observer.(prometheus.Histogram).Write(metric)

	assert.True(t, metric.GetHistogram().GetSampleCount() > 0, "histogram should have recorded a sample")
}

func TestRecordDeadLetter(t *testing.T) {
	subscriber := "test_sub_dead"
	initial := testutil.ToFloat64(DeadLettersTotal.WithLabelValues(subscriber))

	RecordDeadLetter(subscriber)

	final := testutil.ToFloat64(DeadLettersTotal.WithLabelValues(subscriber))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordPullRequest(t *testing.T) {
	initialSuccess := testutil.ToFloat64(PullRequestsTotal.WithLabelValues("success"))
	initialError := testutil.ToFloat64(PullRequestsTotal.WithLabelValues("error"))

	RecordPullRequest("success")
	RecordPullRequest("error")

	assert.Equal(t, initialSuccess+1.0, testutil.ToFloat64(PullRequestsTotal.WithLabelValues("success")))
	assert.Equal(t, initialError+1.0, testutil.ToFloat64(PullRequestsTotal.WithLabelValues("error")))
}

func TestActiveDispatchWorkersGauge(t *testing.T) {
	initial := testutil.ToFloat64(ActiveDispatchWorkers)

	IncrementActiveDispatchWorkers()
	assert.Equal(t, initial+1.0, testutil.ToFloat64(ActiveDispatchWorkers))

	IncrementActiveDispatchWorkers()
	assert.Equal(t, initial+2.0, testutil.ToFloat64(ActiveDispatchWorkers))

	DecrementActiveDispatchWorkers()
	assert.Equal(t, initial+1.0, testutil.ToFloat64(ActiveDispatchWorkers))

	DecrementActiveDispatchWorkers()
	assert.Equal(t, initial, testutil.ToFloat64(ActiveDispatchWorkers))
}

func TestSetRuleRegistrySize(t *testing.T) {
	SetRuleRegistrySize(12.0)
	assert.Equal(t, 12.0, testutil.ToFloat64(RuleRegistrySize))

	SetRuleRegistrySize(7.0)
	assert.Equal(t, 7.0, testutil.ToFloat64(RuleRegistrySize))
}

func TestRecordRuleCacheRebuild(t *testing.T) {
	initial := testutil.ToFloat64(RuleCacheRebuildsTotal)

	RecordRuleCacheRebuild()

	assert.Equal(t, initial+1.0, testutil.ToFloat64(RuleCacheRebuildsTotal))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	assert.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())

	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	assert.True(t, elapsed >= 10*time.Millisecond, "elapsed time should be at least 10ms")
	assert.True(t, elapsed < 1*time.Second, "elapsed time should be well under a second")
}

func TestTimerRecordDispatch(t *testing.T) {
	timer := NewTimer()
	subscriber := "test_sub_timer"

	time.Sleep(10 * time.Millisecond)
	timer.RecordDispatch(subscriber)

	metric := &dto.Metric{}
	observer, err := DispatchDurationSeconds.GetMetricWithLabelValues(subscriber)
	assert.NoError(t, err)
	observer.(prometheus.Histogram).Write(metric)
	assert.True(t, metric.GetHistogram().GetSampleCount() > 0)
}

func TestMetricsNaming(t *testing.T) {
	metricNames := []string{
		"events_appended_total",
		"events_dropped_total",
		"dispatch_attempts_total",
		"dispatch_retries_total",
		"dispatch_duration_seconds",
		"dead_letters_total",
		"pull_requests_total",
		"active_dispatch_workers",
		"rule_cache_rebuilds_total",
		"rule_registry_size",
		"maintenance_sweep_duration_seconds",
	}

	for _, name := range metricNames {
		assert.False(t, strings.Contains(name, "-"), "metric name %s should not contain hyphens", name)
		assert.False(t, strings.Contains(name, " "), "metric name %s should not contain spaces", name)

		if strings.Contains(name, "duration") {
			assert.True(t, strings.HasSuffix(name, "_seconds"), "duration metric %s should end with _seconds", name)
		}
		if strings.Contains(name, "appended") || strings.Contains(name, "dropped") ||
			strings.Contains(name, "attempts") || strings.Contains(name, "retries") ||
			strings.Contains(name, "letters") || strings.Contains(name, "requests") ||
			strings.Contains(name, "rebuilds") {
			assert.True(t, strings.HasSuffix(name, "_total"), "counter metric %s should end with _total", name)
		}
	}
}
