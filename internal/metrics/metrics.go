/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines webhookd's Prometheus instrumentation: event-log
// throughput, dispatch outcomes and retries, the Pull API's request volume,
// and the maintenance sweeps' duration. A single package replaces what two
// near-identical metrics packages did in the original codebase.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppendedTotal counts event log rows successfully appended, per model.
	EventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_appended_total",
		Help: "Total number of event log entries appended, labeled by model.",
	}, []string{"model"})

	// EventsDroppedTotal counts writes the intercept engine dropped before
	// reaching the event log, per reason; the engine records only "debounced".
	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Total number of host writes dropped before being logged.",
	}, []string{"reason"})

	// DispatchAttemptsTotal counts dispatch attempts per subscriber and outcome.
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Total number of webhook delivery attempts, labeled by subscriber and outcome.",
	}, []string{"subscriber", "outcome"})

	// DispatchRetriesTotal counts retry attempts per subscriber.
	DispatchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Total number of dispatch retries, labeled by subscriber.",
	}, []string{"subscriber"})

	// DispatchDurationSeconds observes delivery call latency.
	DispatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Duration of webhook delivery calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"subscriber"})

	// DeadLettersTotal counts dispatch records that exhausted retries.
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dead_letters_total",
		Help: "Total number of dispatch records moved to the dead letter table.",
	}, []string{"subscriber"})

	// PullRequestsTotal counts Pull API requests by outcome.
	PullRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pull_requests_total",
		Help: "Total number of Pull API requests, labeled by status.",
	}, []string{"status"})

	// ActiveDispatchWorkers reports how many dispatch workers are currently busy.
	ActiveDispatchWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_dispatch_workers",
		Help: "Number of dispatch worker goroutines currently processing a record.",
	})

	// RuleCacheRebuildsTotal counts rule registry snapshot rebuilds.
	RuleCacheRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rule_cache_rebuilds_total",
		Help: "Total number of rule registry cache rebuilds.",
	})

	// RuleRegistrySize reports the number of rules held in the active snapshot.
	RuleRegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rule_registry_size",
		Help: "Number of rules currently held in the registry snapshot.",
	})

	// MaintenanceSweepDurationSeconds observes maintenance job duration.
	MaintenanceSweepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maintenance_sweep_duration_seconds",
		Help:    "Duration of a maintenance job run in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
)

// RecordEventAppended increments EventsAppendedTotal for model.
func RecordEventAppended(model string) {
	EventsAppendedTotal.WithLabelValues(model).Inc()
}

// RecordEventDropped increments EventsDroppedTotal for reason.
func RecordEventDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordDispatchAttempt increments DispatchAttemptsTotal for subscriber/outcome.
func RecordDispatchAttempt(subscriber, outcome string) {
	DispatchAttemptsTotal.WithLabelValues(subscriber, outcome).Inc()
}

// RecordDispatchRetry increments DispatchRetriesTotal for subscriber.
func RecordDispatchRetry(subscriber string) {
	DispatchRetriesTotal.WithLabelValues(subscriber).Inc()
}

// RecordDispatchDuration observes a delivery call's duration for subscriber.
func RecordDispatchDuration(subscriber string, d time.Duration) {
	DispatchDurationSeconds.WithLabelValues(subscriber).Observe(d.Seconds())
}

// RecordDeadLetter increments DeadLettersTotal for subscriber.
func RecordDeadLetter(subscriber string) {
	DeadLettersTotal.WithLabelValues(subscriber).Inc()
}

// RecordPullRequest increments PullRequestsTotal for status.
func RecordPullRequest(status string) {
	PullRequestsTotal.WithLabelValues(status).Inc()
}

// IncrementActiveDispatchWorkers increments the busy-worker gauge.
func IncrementActiveDispatchWorkers() { ActiveDispatchWorkers.Inc() }

// DecrementActiveDispatchWorkers decrements the busy-worker gauge.
func DecrementActiveDispatchWorkers() { ActiveDispatchWorkers.Dec() }

// RecordRuleCacheRebuild increments RuleCacheRebuildsTotal.
func RecordRuleCacheRebuild() { RuleCacheRebuildsTotal.Inc() }

// SetRuleRegistrySize sets RuleRegistrySize to n.
func SetRuleRegistrySize(n float64) { RuleRegistrySize.Set(n) }

// RecordMaintenanceSweep observes a maintenance job's duration.
func RecordMaintenanceSweep(job string, d time.Duration) {
	MaintenanceSweepDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
}

// Timer measures elapsed wall-clock time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordDispatch records the elapsed time as a dispatch duration for subscriber.
func (t *Timer) RecordDispatch(subscriber string) {
	RecordDispatchDuration(subscriber, t.Elapsed())
}

// RecordMaintenanceSweep records the elapsed time as a maintenance job duration.
func (t *Timer) RecordMaintenanceSweep(job string) {
	RecordMaintenanceSweep(job, t.Elapsed())
}
