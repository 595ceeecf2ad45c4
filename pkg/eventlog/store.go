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

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/fluxgate/webhookd/internal/operr"
)

const insertSQL = `
INSERT INTO event_log (model, record_id, op, payload, priority, category, timestamp, user_id)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`

const deleteWritesSQL = `
DELETE FROM event_log WHERE model = $1 AND record_id = $2 AND op = 'write' AND NOT is_archived`

const createExistsSQL = `
SELECT EXISTS(SELECT 1 FROM event_log WHERE model = $1 AND record_id = $2 AND op = 'create' AND NOT is_archived)`

const markProcessedSQL = `
UPDATE event_log SET is_processed = true, processed_at = now()
WHERE id = ANY($1) AND NOT is_processed`

const archiveSQL = `
UPDATE event_log SET is_archived = true, archived_at = now()
WHERE is_processed AND NOT is_archived AND timestamp < $1`

const deleteOldSQL = `
DELETE FROM event_log WHERE is_archived AND timestamp < $1`

// Store persists and serves the event log against postgres.
type Store struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// NewStore wraps an established connection pool.
func NewStore(db *sqlx.DB, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

// Append inserts a new entry, applying create/write supersession inside a
// per-(model,record_id) serialized transaction: a transaction-scoped postgres
// advisory lock keyed by the pair ensures concurrent appends for the same
// record never race the supersession check.
//
// record_id=0 is rejected; record_id<0 is reserved for synthetic/test
// events and is accepted like any other id.
func (s *Store) Append(ctx context.Context, in AppendInput) error {
	if in.RecordID == 0 {
		return operr.ConfigurationError("record_id", "record_id=0 is reserved and forbidden; use a real id or a negative synthetic id")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return operr.DatabaseError("begin append transaction", err)
	}
	defer tx.Rollback()

	lockKey := fmt.Sprintf("%s:%d", in.Model, in.RecordID)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockKey); err != nil {
		return operr.DatabaseError("acquire event log append lock", err)
	}

	switch in.Op {
	case OpCreate:
		// A new create supersedes any prior writes for this pair.
		if _, err := tx.ExecContext(ctx, deleteWritesSQL, in.Model, in.RecordID); err != nil {
			return operr.DatabaseError("delete superseded writes", err)
		}
	case OpWrite:
		var exists bool
		if err := tx.GetContext(ctx, &exists, createExistsSQL, in.Model, in.RecordID); err != nil {
			return operr.DatabaseError("check superseding create", err)
		}
		if exists {
			// A pending create already captures this record's current
			// state; this write is redundant, so skip the
			// insert and commit the (no-op) transaction.
			return tx.Commit()
		}
	case OpDelete:
		// Deletes never supersede or get superseded: a create followed by
		// a delete is a real lifecycle, not noise (documented decision).
	}

	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return operr.FailedTo("marshal event payload", err)
	}

	if _, err := tx.ExecContext(ctx, insertSQL,
		in.Model, in.RecordID, string(in.Op), payloadJSON, in.Priority, in.Category, in.UserID,
	); err != nil {
		return operr.DatabaseError("insert event log entry", err)
	}

	if err := tx.Commit(); err != nil {
		return operr.DatabaseError("commit append transaction", err)
	}

	metrics.RecordEventAppended(in.Model)
	return nil
}

// Pull returns up to q.Limit unprocessed, unarchived entries with id >
// q.LastEventID, ordered by id ascending, applying the optional model and
// priority filters.
func (s *Store) Pull(ctx context.Context, q PullQuery) (PullResult, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	query := `
SELECT id, model, record_id, op, payload, priority, category, timestamp, user_id,
       is_processed, processed_at, is_archived, archived_at
FROM event_log
WHERE id > $1 AND NOT is_processed AND NOT is_archived`
	args := []interface{}{q.LastEventID}

	if len(q.Models) > 0 {
		query += fmt.Sprintf(" AND model = ANY($%d)", len(args)+1)
		args = append(args, q.Models)
	}
	if q.Priority != "" {
		query += fmt.Sprintf(" AND priority = $%d", len(args)+1)
		args = append(args, q.Priority)
	}
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return PullResult{}, operr.DatabaseError("pull events", err)
	}

	result := PullResult{
		Events: entries,
		LastID: q.LastEventID,
		Count:  len(entries),
	}
	if len(entries) == 0 {
		return result, nil
	}

	result.LastID = entries[len(entries)-1].ID

	if len(entries) < limit {
		// Fewer rows than the limit means the query exhausted every
		// matching row; there cannot be more beyond it.
		result.HasMore = false
		return result, nil
	}

	existsQuery := `SELECT EXISTS(SELECT 1 FROM event_log WHERE id > $1 AND NOT is_processed AND NOT is_archived`
	existsArgs := []interface{}{result.LastID}
	if len(q.Models) > 0 {
		existsQuery += fmt.Sprintf(" AND model = ANY($%d)", len(existsArgs)+1)
		existsArgs = append(existsArgs, q.Models)
	}
	if q.Priority != "" {
		existsQuery += fmt.Sprintf(" AND priority = $%d", len(existsArgs)+1)
		existsArgs = append(existsArgs, q.Priority)
	}
	existsQuery += ")"

	if err := s.db.GetContext(ctx, &result.HasMore, existsQuery, existsArgs...); err != nil {
		return PullResult{}, operr.DatabaseError("check for further events", err)
	}
	return result, nil
}

// MarkProcessed sets is_processed/processed_at for the given ids, returning
// how many rows were newly marked. Calling it twice with the same ids is a
// no-op the second time.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, markProcessedSQL, ids)
	if err != nil {
		return 0, operr.DatabaseError("mark events processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operr.DatabaseError("read rows affected", err)
	}
	return int(n), nil
}

// Archive transitions processed, unarchived entries older than olderThan to
// is_archived=true. Idempotent.
func (s *Store) Archive(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, archiveSQL, cutoff)
	if err != nil {
		return 0, operr.DatabaseError("archive event log entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operr.DatabaseError("read rows affected", err)
	}
	return int(n), nil
}

const statsSummarySQL = `
SELECT
  count(*) AS total,
  count(*) FILTER (WHERE is_processed) AS processed,
  count(*) FILTER (WHERE NOT is_processed) AS pending,
  count(*) FILTER (WHERE is_archived) AS archived
FROM event_log WHERE timestamp >= $1`

const statsTopModelsSQL = `
SELECT model, count(*) AS count FROM event_log WHERE timestamp >= $1
GROUP BY model ORDER BY count DESC LIMIT 10`

const statsByPrioritySQL = `
SELECT priority, count(*) AS count FROM event_log WHERE timestamp >= $1
GROUP BY priority ORDER BY priority`

// Stats reports aggregate counts over the trailing `days`-day window, for
// the pull API's statistics endpoint.
func (s *Store) Stats(ctx context.Context, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := time.Now().AddDate(0, 0, -days)

	var summary struct {
		Total     int64 `db:"total"`
		Processed int64 `db:"processed"`
		Pending   int64 `db:"pending"`
		Archived  int64 `db:"archived"`
	}
	if err := s.db.GetContext(ctx, &summary, statsSummarySQL, since); err != nil {
		return Stats{}, operr.DatabaseError("compute event log summary stats", err)
	}

	var topModels []ModelCount
	if err := s.db.SelectContext(ctx, &topModels, statsTopModelsSQL, since); err != nil {
		return Stats{}, operr.DatabaseError("compute top models", err)
	}

	var byPriority []PriorityCount
	if err := s.db.SelectContext(ctx, &byPriority, statsByPrioritySQL, since); err != nil {
		return Stats{}, operr.DatabaseError("compute priority distribution", err)
	}

	return Stats{
		Total:      summary.Total,
		Processed:  summary.Processed,
		Pending:    summary.Pending,
		Archived:   summary.Archived,
		TopModels:  topModels,
		ByPriority: byPriority,
	}, nil
}

// Delete removes archived entries older than olderThan. Idempotent.
func (s *Store) Delete(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, deleteOldSQL, cutoff)
	if err != nil {
		return 0, operr.DatabaseError("delete archived event log entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operr.DatabaseError("read rows affected", err)
	}
	return int(n), nil
}
