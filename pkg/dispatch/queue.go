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
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fluxgate/webhookd/internal/operr"
)

const enqueueSQL = `
INSERT INTO dispatch (event_log_id, model, record_id, op, subscriber_id, payload, priority, status, retry_count, max_retries, timestamp, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, now(), now())
RETURNING id`

// selectForWorkSQL implements the dispatch queue's selection-for-work ordering
// and status/due filter. SelectForWork runs it outside any explicit
// transaction, so the FOR UPDATE SKIP LOCKED row locks last only for this
// one statement; TryTransition's status CAS is what keeps two workers from
// processing the same record.
const selectForWorkSQL = `
SELECT id, event_log_id, model, record_id, op, subscriber_id, payload, priority, status,
       retry_count, max_retries, next_retry_at, error_kind, error_code, error_message,
       sent_at, response_code, processing_started_at, timestamp, created_at
FROM dispatch
WHERE status = 'pending'
   OR (status = 'failed' AND next_retry_at <= now() AND retry_count < max_retries)
ORDER BY
  CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END ASC,
  timestamp ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`

const tryTransitionSQL = `
UPDATE dispatch SET status = $3, processing_started_at = CASE WHEN $3 = 'processing' THEN now() ELSE processing_started_at END
WHERE id = $1 AND status = $2`

const markSentSQL = `
UPDATE dispatch SET status = 'sent', sent_at = now(), response_code = $2 WHERE id = $1`

const scheduleRetrySQL = `
UPDATE dispatch SET status = 'failed', retry_count = retry_count + 1, next_retry_at = $2,
  error_kind = $3, error_code = $4, error_message = $5
WHERE id = $1`

const markDeadSQL = `
UPDATE dispatch SET status = 'dead', error_kind = $2, error_code = $3, error_message = $4
WHERE id = $1`

const insertDeadLetterSQL = `
INSERT INTO dead_letters (dispatch_id, failed_at, retry_attempts, original_error, resolution)
VALUES ($1, now(), $2, $3, 'pending')`

const postponeSQL = `
UPDATE dispatch SET status = 'failed', next_retry_at = $2 WHERE id = $1`

const reclaimStuckSQL = `
UPDATE dispatch SET status = 'pending', processing_started_at = NULL
WHERE status = 'processing' AND processing_started_at < $1`

// Queue persists and serves DispatchRecords against postgres.
type Queue struct {
	db *sqlx.DB
}

// NewQueue wraps an established connection pool.
func NewQueue(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a new pending record for one (rule, subscriber) pairing
// and returns its assigned id.
func (q *Queue) Enqueue(ctx context.Context, in EnqueueInput) (int64, error) {
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return 0, operr.FailedTo("marshal dispatch payload", err)
	}
	maxRetries := in.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var id int64
	if err := q.db.QueryRowxContext(ctx, enqueueSQL,
		in.EventLogID, in.Model, in.RecordID, in.Op, in.SubscriberID, payloadJSON, in.Priority, maxRetries,
	).Scan(&id); err != nil {
		return 0, operr.DatabaseError("enqueue dispatch record", err)
	}
	return id, nil
}

// SelectForWork returns up to n records eligible for delivery, ordered by
// (priority DESC, timestamp ASC).
func (q *Queue) SelectForWork(ctx context.Context, n int) ([]Record, error) {
	var records []Record
	if err := q.db.SelectContext(ctx, &records, selectForWorkSQL, n); err != nil {
		return nil, operr.DatabaseError("select dispatch records for work", err)
	}
	return records, nil
}

// TryTransition optimistically CASes a record's status from `from` to `to`,
// reporting whether the transition actually happened (false means another
// worker already moved it).
func (q *Queue) TryTransition(ctx context.Context, id int64, from, to Status) (bool, error) {
	res, err := q.db.ExecContext(ctx, tryTransitionSQL, id, string(from), string(to))
	if err != nil {
		return false, operr.DatabaseError("transition dispatch record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, operr.DatabaseError("read rows affected", err)
	}
	return n == 1, nil
}

// MarkSent transitions id to the terminal sent state.
func (q *Queue) MarkSent(ctx context.Context, id int64, responseCode int) error {
	if _, err := q.db.ExecContext(ctx, markSentSQL, id, responseCode); err != nil {
		return operr.DatabaseError("mark dispatch record sent", err)
	}
	return nil
}

// ScheduleRetry bumps retry_count, sets next_retry_at per the exponential
// backoff schedule, and records the failure, transitioning id back to
// failed so the next pass can pick it up once due.
func (q *Queue) ScheduleRetry(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, errInfo ErrorInfo) error {
	if _, err := q.db.ExecContext(ctx, scheduleRetrySQL, id, nextRetryAt, errInfo.Kind, errInfo.Code, errInfo.Message); err != nil {
		return operr.DatabaseError("schedule dispatch retry", err)
	}
	return nil
}

// MarkDead transitions id to the terminal dead state and creates its
// DeadLetter row, both inside one transaction so the dead-letter is created
// exactly once.
func (q *Queue) MarkDead(ctx context.Context, id int64, retryAttempts int, errInfo ErrorInfo) error {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return operr.DatabaseError("begin mark-dead transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, markDeadSQL, id, errInfo.Kind, errInfo.Code, errInfo.Message); err != nil {
		return operr.DatabaseError("mark dispatch record dead", err)
	}
	if _, err := tx.ExecContext(ctx, insertDeadLetterSQL, id, retryAttempts, errInfo.Message); err != nil {
		return operr.DatabaseError("insert dead letter", err)
	}
	if err := tx.Commit(); err != nil {
		return operr.DatabaseError("commit mark-dead transaction", err)
	}
	return nil
}

// Postpone moves a record back from processing to failed with a new
// next_retry_at, without counting it as a retry attempt, for a subscriber
// rate-limit hit.
func (q *Queue) Postpone(ctx context.Context, id int64, until time.Time) error {
	if _, err := q.db.ExecContext(ctx, postponeSQL, id, until); err != nil {
		return operr.DatabaseError("postpone rate-limited dispatch record", err)
	}
	return nil
}

// ReclaimStuck resets records stuck in processing past stuckThreshold back
// to pending, so a crashed worker's in-flight record is retried rather than
// abandoned (a delivery attempt that timed out or was cancelled).
func (q *Queue) ReclaimStuck(ctx context.Context, stuckThreshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-stuckThreshold)
	res, err := q.db.ExecContext(ctx, reclaimStuckSQL, cutoff)
	if err != nil {
		return 0, operr.DatabaseError("reclaim stuck dispatch records", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operr.DatabaseError("read rows affected", err)
	}
	return int(n), nil
}
