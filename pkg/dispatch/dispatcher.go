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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/webhookd/internal/audit"
	"github.com/fluxgate/webhookd/internal/logging"
	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/fluxgate/webhookd/pkg/delivery"
	"github.com/fluxgate/webhookd/pkg/ratelimit"
	"github.com/fluxgate/webhookd/pkg/subscriber"
)

// Config controls the dispatcher's worker pool and retry schedule.
type Config struct {
	Workers    int
	BatchSize  int
	BaseDelay  time.Duration
	MaxRetries int
}

// DeliveryClient is the HTTP Delivery Client collaborator a Dispatcher
// needs — an interface rather than *delivery.Client so unit tests can
// substitute a fake, grounded on the handler-with-injected-
// collaborator shape (pkg/integration/webhook.Handler).
type DeliveryClient interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Result, error)
}

// Dispatcher selects due DispatchRecords and drives each through the
// six-step per-record handling: transition to processing, load the
// subscriber, check its rate limit, decode the stored payload, call the
// HTTP Delivery Client, and record the outcome.
type Dispatcher struct {
	queue       *Queue
	subscribers subscriber.Store
	client      DeliveryClient
	limiter     ratelimit.Limiter
	audit       *audit.Store
	log         *logrus.Logger
	cfg         Config
}

// NewDispatcher wires a Dispatcher's collaborators.
func NewDispatcher(queue *Queue, subscribers subscriber.Store, client DeliveryClient, limiter ratelimit.Limiter, auditStore *audit.Store, log *logrus.Logger, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 60 * time.Second
	}
	return &Dispatcher{queue: queue, subscribers: subscribers, client: client, limiter: limiter, audit: auditStore, log: log, cfg: cfg}
}

// RunPass selects one batch of due records and processes them concurrently,
// bounded by cfg.Workers. A single record's failure never aborts the pass;
// errors are logged against that record and the pass continues. This is the
// method the retry-sweep maintenance job invokes every tick.
func (d *Dispatcher) RunPass(ctx context.Context) error {
	records, err := d.queue.SelectForWork(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			metrics.IncrementActiveDispatchWorkers()
			defer metrics.DecrementActiveDispatchWorkers()
			if err := d.processOne(ctx, rec); err != nil {
				d.log.WithFields(logging.DispatchFields("process", rec.ID, rec.SubscriberID, string(rec.Status)).ToLogrus()).
					WithError(err).Error("dispatch record processing failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// InstantSend processes rec immediately, outside the normal selection pass,
// for rules configured with instant_send on a high-priority event
// (an instant send attempted right after a record is enqueued). Callers run this on a background
// goroutine so it never blocks the host's commit path.
func (d *Dispatcher) InstantSend(ctx context.Context, rec Record) {
	if err := d.processOne(ctx, rec); err != nil {
		d.log.WithFields(logging.DispatchFields("instant_send", rec.ID, rec.SubscriberID, string(rec.Status)).ToLogrus()).
			WithError(err).Error("instant send failed")
	}
}

// processOne implements the dispatch queue's per-record handling steps.
func (d *Dispatcher) processOne(ctx context.Context, rec Record) error {
	ok, err := d.queue.TryTransition(ctx, rec.ID, rec.Status, StatusProcessing)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker (or a concurrent instant-send) already claimed it.
		return nil
	}

	sub, err := d.subscribers.Get(ctx, rec.SubscriberID)
	if err != nil {
		return d.scheduleRetry(ctx, rec, &delivery.RetryableError{Kind: delivery.KindOther, Message: "failed to load subscriber"})
	}
	if !sub.Enabled {
		// An operator disabled the subscriber after enqueue; stop retrying
		// without counting it as a failure against the subscriber.
		return d.queue.MarkSent(ctx, rec.ID, 0)
	}

	if sub.RateLimited() {
		allowed, err := d.limiter.Allow(ctx, sub.ID, sub.RateLimitPerWindow, sub.WindowDuration())
		if err != nil {
			d.log.WithError(err).Warn("rate limiter check failed, proceeding without limiting")
		} else if !allowed {
			return d.queue.Postpone(ctx, rec.ID, time.Now().Add(5*time.Second))
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return d.scheduleRetry(ctx, rec, &delivery.RetryableError{Kind: delivery.KindOther, Message: "failed to decode stored payload"})
	}

	timer := metrics.NewTimer()
	result, deliverErr := d.client.Deliver(ctx, delivery.Request{
		SubscriberID: sub.ID,
		EndpointURL:  sub.EndpointURL,
		Payload:      payload,
		Headers:      sub.CustomHeaders,
		Auth:         sub.ResolveAuth(),
		Timeout:      sub.Timeout,
		VerifyTLS:    sub.VerifyTLS,
	})
	timer.RecordDispatch(sub.ID)

	if deliverErr == nil {
		metrics.RecordDispatchAttempt(sub.ID, "sent")
		if err := d.queue.MarkSent(ctx, rec.ID, result.StatusCode); err != nil {
			return err
		}
		d.recordAudit(rec.ID, audit.ActionSent, "delivered successfully")
		return nil
	}

	metrics.RecordDispatchAttempt(sub.ID, "failed")
	return d.scheduleRetry(ctx, rec, deliverErr)
}

// scheduleRetry implements the dispatcher's schedule_retry: on reaching
// max_retries the record transitions to dead and a DeadLetter is created
// exactly once; otherwise retry_count is bumped and next_retry_at set
// per the base*2^(n-1) backoff schedule.
func (d *Dispatcher) scheduleRetry(ctx context.Context, rec Record, cause error) error {
	info := classify(cause)
	retryCount := rec.RetryCount + 1
	maxRetries := rec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.cfg.MaxRetries
	}

	var permanent *delivery.PermanentError
	if errors.As(cause, &permanent) {
		metrics.RecordDeadLetter(rec.SubscriberID)
		d.recordAudit(rec.ID, audit.ActionFailed, "permanent failure: "+info.Message)
		return d.queue.MarkDead(ctx, rec.ID, rec.RetryCount, info)
	}

	if retryCount >= maxRetries {
		metrics.RecordDeadLetter(rec.SubscriberID)
		d.recordAudit(rec.ID, audit.ActionFailed, "exhausted retries: "+info.Message)
		return d.queue.MarkDead(ctx, rec.ID, rec.RetryCount, info)
	}

	metrics.RecordDispatchRetry(rec.SubscriberID)
	delay := NextDelay(d.cfg.BaseDelay, retryCount)
	d.recordAudit(rec.ID, audit.ActionRetried, info.Message)
	return d.queue.ScheduleRetry(ctx, rec.ID, retryCount, time.Now().Add(delay), info)
}

func (d *Dispatcher) recordAudit(dispatchID int64, action audit.Action, note string) {
	if d.audit == nil {
		return
	}
	d.audit.Record(audit.Record{DispatchID: dispatchID, Action: action, Note: note})
}

// classify turns a delivery error into the stored ErrorInfo shape.
func classify(err error) ErrorInfo {
	var retryable *delivery.RetryableError
	if errors.As(err, &retryable) {
		return ErrorInfo{Kind: string(retryable.Kind), Code: retryable.StatusCode, Message: retryable.Message}
	}
	var permanent *delivery.PermanentError
	if errors.As(err, &permanent) {
		return ErrorInfo{Kind: string(permanent.Kind), Code: permanent.StatusCode, Message: permanent.Message}
	}
	return ErrorInfo{Kind: string(delivery.KindOther), Message: err.Error()}
}

// ReclaimStuck resets records that have been stuck in processing past
// stuckThreshold back to pending, for a crashed or killed worker.
func (d *Dispatcher) ReclaimStuck(ctx context.Context, stuckThreshold time.Duration) (int, error) {
	return d.queue.ReclaimStuck(ctx, stuckThreshold)
}
