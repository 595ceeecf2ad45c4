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

// Package intercept implements the universal Interception Hook: the single
// entry point a host mutation calls through on create, write, and delete,
// which consults the Rule Registry, debounces repeat notifications, builds
// the outbound payload, and appends to the Event Log and Dispatch Queue.
package intercept

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/internal/logging"
	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/fluxgate/webhookd/internal/operr"
	"github.com/fluxgate/webhookd/pkg/dispatch"
	"github.com/fluxgate/webhookd/pkg/eventlog"
	"github.com/fluxgate/webhookd/pkg/payload"
	"github.com/fluxgate/webhookd/pkg/rules"
)

type ctxKey int

// webhookDisabledKey is the context key a caller sets to true to suppress
// the hook entirely for the current host transaction (spec step 1).
const webhookDisabledKey ctxKey = iota

// WithWebhooksDisabled returns a context that causes every OnCreated,
// OnWritten, and OnDeleted call to return immediately without doing work.
func WithWebhooksDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, webhookDisabledKey, true)
}

func webhooksDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(webhookDisabledKey).(bool)
	return disabled
}

// RecordRef addresses one host record by model and id.
type RecordRef = payload.RecordRef

// CapturedRecord is a record snapshot taken before a host delete executes,
// since the live entity no longer exists once on_deleted is invoked.
type CapturedRecord struct {
	Model    string
	ID       int64
	Snapshot map[string]interface{}
}

// DomainEvaluator re-queries a record's existence under a rule's domain
// filter expression. On evaluation error, callers default to match=true and
// log, matching the interception hook's append step.
type DomainEvaluator interface {
	Matches(ctx context.Context, model string, recordID int64, domain string) (bool, error)
}

// debounceBucket distinguishes the create/write debounce key from the
// delete debounce key for the same record.
type debounceBucket string

const (
	bucketCreateWrite debounceBucket = "create_write"
	bucketDelete      debounceBucket = "delete"
)

type debounceKey struct {
	model    string
	recordID int64
	bucket   debounceBucket
}

// debounceEvictAge is how long a stale debounce entry is allowed to live
// before opportunistic eviction removes it.
const debounceEvictAge = 60 * time.Second

// defaultWindow is the debounce window applied when the configured window
// is zero. The debounce check runs before rules are looked up (step 3
// precedes the append step), so the window is a single engine-wide
// setting rather than any one matching rule's debounce_secs.
const defaultWindow = 3 * time.Second

// Engine is the explicit, non-global object the Interception Hook's three
// entry points are methods of; it owns the debounce map and wires the Rule
// Registry, Payload Builder, Event Log, and Dispatch Queue together.
type Engine struct {
	registry   *rules.Registry
	builder    *payload.Builder
	events     *eventlog.Store
	queue      *dispatch.Queue
	domain     DomainEvaluator
	dispatcher *dispatch.Dispatcher
	window     time.Duration

	mu       sync.Mutex
	lastFire map[debounceKey]time.Time

	log *logrus.Logger
}

// NewEngine wires an Engine's collaborators. dispatcher may be nil; when
// nil, instant_send rules fall back to waiting for the next dispatch pass.
// window <= 0 uses defaultWindow.
func NewEngine(registry *rules.Registry, builder *payload.Builder, events *eventlog.Store, queue *dispatch.Queue, domain DomainEvaluator, dispatcher *dispatch.Dispatcher, window time.Duration, log *logrus.Logger) *Engine {
	if window <= 0 {
		window = defaultWindow
	}
	return &Engine{
		registry:   registry,
		builder:    builder,
		events:     events,
		queue:      queue,
		domain:     domain,
		dispatcher: dispatcher,
		window:     window,
		lastFire:   make(map[debounceKey]time.Time),
		log:        log,
	}
}

// OnCreated runs the hook for a batch of newly created records. It never
// returns an error to the host; the error is surfaced only so tests can
// assert what the hook would have reported.
func (e *Engine) OnCreated(ctx context.Context, records []RecordRef, userID string) error {
	if webhooksDisabled(ctx) {
		return nil
	}
	var last error
	for _, rec := range records {
		if err := e.process(ctx, rec.Model, rec.ID, string(rules.OperationCreate), nil, nil, userID); err != nil {
			last = err
			e.logFailure("on_created", rec.Model, rec.ID, err)
		}
	}
	return last
}

// OnWritten runs the hook for a batch of updated records, with the set of
// changed field names per record for the tracked-field filter.
func (e *Engine) OnWritten(ctx context.Context, records []RecordRef, changed map[RecordRef][]string, userID string) error {
	if webhooksDisabled(ctx) {
		return nil
	}
	var last error
	for _, rec := range records {
		if err := e.process(ctx, rec.Model, rec.ID, string(rules.OperationWrite), changed[rec], nil, userID); err != nil {
			last = err
			e.logFailure("on_written", rec.Model, rec.ID, err)
		}
	}
	return last
}

// OnDeleted runs the hook for records the host has already unlinked,
// using the pre-unlink snapshot captured before the delete executed (the
// §4.3 "Delete capture").
func (e *Engine) OnDeleted(ctx context.Context, captured []CapturedRecord, userID string) error {
	if webhooksDisabled(ctx) {
		return nil
	}
	var last error
	for _, rec := range captured {
		if err := e.process(ctx, rec.Model, rec.ID, string(rules.OperationDelete), nil, rec.Snapshot, userID); err != nil {
			last = err
			e.logFailure("on_deleted", rec.Model, rec.ID, err)
		}
	}
	return last
}

func (e *Engine) logFailure(entryPoint, model string, recordID int64, err error) {
	e.log.WithFields(logging.EventFields(entryPoint, 0, model).Custom("record_id", recordID).ToLogrus()).
		WithError(err).Error("interception hook processing failed, swallowing per fail-safety policy")
}

// process implements the interception hook's per-invocation behavior exactly:
// tracked-model early exit, debounce, per-rule domain/tracked-field
// filtering, payload build, event log append, dispatch enqueue, and instant
// send signaling.
func (e *Engine) process(ctx context.Context, model string, recordID int64, op string, changed []string, snapshot map[string]interface{}, userID string) error {
	if !e.registry.IsTracked(ctx, model) {
		return nil
	}

	bucket := bucketCreateWrite
	if op == string(rules.OperationDelete) {
		bucket = bucketDelete
	}
	if e.debounced(model, recordID, bucket) {
		metrics.RecordEventDropped("debounced")
		return nil
	}

	matching, err := e.registry.RulesFor(ctx, model, rules.Operation(op))
	if err != nil {
		return operr.FailedTo("look up rules", err)
	}

	var last error
	for i := range matching {
		rule := matching[i]
		if err := e.applyRule(ctx, &rule, model, recordID, op, changed, snapshot, userID); err != nil {
			last = err
		}
	}
	return last
}

func (e *Engine) applyRule(ctx context.Context, rule *rules.Rule, model string, recordID int64, op string, changed []string, snapshot map[string]interface{}, userID string) error {
	if op == string(rules.OperationWrite) && !rule.MatchesChanged(changed) {
		return nil
	}

	if rule.Domain != "" && e.domain != nil {
		matched, err := e.domain.Matches(ctx, model, recordID, rule.Domain)
		if err != nil {
			e.log.WithFields(logging.RuleFields("domain_eval", model, op).Custom("rule_id", rule.ID).ToLogrus()).
				WithError(err).Warn("domain evaluation failed, defaulting to match")
		} else if !matched {
			return nil
		}
	}

	builtPayload, err := e.buildPayload(ctx, model, recordID, rule, changed, snapshot, op)
	if err != nil {
		return operr.FailedTo("build payload", err)
	}

	appendIn := eventlog.AppendInput{
		Model:    model,
		RecordID: recordID,
		Op:       eventlog.Op(op),
		Payload:  builtPayload,
		Priority: string(rule.Priority),
		Category: string(rule.Category),
		UserID:   userID,
	}
	if err := e.events.Append(ctx, appendIn); err != nil {
		return operr.FailedTo("append event log entry", err)
	}

	if len(rule.Subscribers) == 0 {
		return nil
	}
	return e.enqueueDispatch(ctx, rule, model, recordID, op, builtPayload)
}

// buildPayload delegates to the Payload Builder for create/write (the live
// entity still exists) and assembles the payload directly from the
// pre-unlink snapshot for delete, since the builder's EntityAccessor has
// nothing left to read by the time on_deleted runs.
func (e *Engine) buildPayload(ctx context.Context, model string, recordID int64, rule *rules.Rule, changed []string, snapshot map[string]interface{}, op string) (map[string]interface{}, error) {
	if op == string(rules.OperationDelete) {
		return buildSnapshotPayload(snapshot, rule, model, recordID, op), nil
	}
	return e.builder.Build(ctx, RecordRef{Model: model, ID: recordID}, rule, changed, op)
}

func buildSnapshotPayload(snapshot map[string]interface{}, rule *rules.Rule, model string, recordID int64, op string) map[string]interface{} {
	out := make(map[string]interface{}, len(snapshot)+1)
	for field, val := range snapshot {
		if rule != nil && !rule.TracksField(field) {
			continue
		}
		out[field] = val
	}
	metadata := map[string]interface{}{
		"model":     model,
		"id":        recordID,
		"operation": op,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if rule != nil {
		metadata["rule_id"] = rule.ID
	}
	out["_metadata"] = metadata
	return out
}

func (e *Engine) enqueueDispatch(ctx context.Context, rule *rules.Rule, model string, recordID int64, op string, builtPayload map[string]interface{}) error {
	var last error
	for _, subscriberID := range rule.Subscribers {
		id, err := e.queue.Enqueue(ctx, dispatch.EnqueueInput{
			Model:        model,
			RecordID:     recordID,
			Op:           op,
			SubscriberID: subscriberID,
			Payload:      builtPayload,
			Priority:     string(rule.Priority),
			MaxRetries:   5,
		})
		if err != nil {
			last = err
			continue
		}
		if rule.InstantSend && rule.Priority == rules.PriorityHigh && e.dispatcher != nil {
			payloadJSON, err := json.Marshal(builtPayload)
			if err != nil {
				last = err
				continue
			}
			rec := dispatch.Record{
				ID:           id,
				Model:        model,
				RecordID:     recordID,
				Op:           op,
				SubscriberID: subscriberID,
				Payload:      payloadJSON,
				Status:       dispatch.StatusPending,
				MaxRetries:   5,
			}
			go e.dispatcher.InstantSend(context.WithoutCancel(ctx), rec)
		}
	}
	return last
}

// debounced reports whether key fired within its window. Only a call that
// is not debounced records the current time and opportunistically evicts
// stale entries.
func (e *Engine) debounced(model string, recordID int64, bucket debounceBucket) bool {
	key := debounceKey{model: model, recordID: recordID, bucket: bucket}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if last, ok := e.lastFire[key]; ok && now.Sub(last) < e.window {
		return true
	}
	e.lastFire[key] = now
	e.evictStale(now)
	return false
}

// evictStale drops debounce entries older than debounceEvictAge. Called
// with mu already held.
func (e *Engine) evictStale(now time.Time) {
	for k, t := range e.lastFire {
		if now.Sub(t) > debounceEvictAge {
			delete(e.lastFire, k)
		}
	}
}
