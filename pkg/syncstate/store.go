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

// Package syncstate implements the SyncState entity: the per-consumer pull
// cursor that Touch advances (the Pull API handlers do not call Touch),
// and which the weekly maintenance sweep retires once a device goes quiet.
package syncstate

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fluxgate/webhookd/internal/operr"
)

// State is one consumer's last-seen position in the event log, unique by
// (UserID, DeviceID).
type State struct {
	UserID            string    `db:"user_id" json:"user_id"`
	DeviceID          string    `db:"device_id" json:"device_id"`
	AppType           string    `db:"app_type" json:"app_type"`
	LastEventID       int64     `db:"last_event_id" json:"last_event_id"`
	LastSyncTime      time.Time `db:"last_sync_time" json:"last_sync_time"`
	SyncCount         int64     `db:"sync_count" json:"sync_count"`
	TotalEventsSynced int64     `db:"total_events_synced" json:"total_events_synced"`
	Active            bool      `db:"active" json:"active"`
}

const upsertSQL = `
INSERT INTO sync_state (user_id, device_id, app_type, last_event_id, last_sync_time, sync_count, total_events_synced, active)
VALUES ($1, $2, $3, $4, now(), 1, $5, true)
ON CONFLICT (user_id, device_id) DO UPDATE SET
  app_type = EXCLUDED.app_type,
  last_event_id = EXCLUDED.last_event_id,
  last_sync_time = now(),
  sync_count = sync_state.sync_count + 1,
  total_events_synced = sync_state.total_events_synced + EXCLUDED.total_events_synced,
  active = true`

const deleteStaleSQL = `
DELETE FROM sync_state WHERE last_sync_time < $1`

// Store persists SyncState rows against postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an established connection pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Touch upserts the cursor for (userID, deviceID), incrementing SyncCount
// and adding eventsSynced to the running total. Creates the row on first
// sync for a device.
func (s *Store) Touch(ctx context.Context, userID, deviceID, appType string, lastEventID int64, eventsSynced int) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, userID, deviceID, appType, lastEventID, eventsSynced); err != nil {
		return operr.DatabaseError("upsert sync state", err)
	}
	return nil
}

// DeleteStale removes rows whose last_sync_time is older than olderThan,
// implementing the weekly sync-state cleanup sweep.
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, deleteStaleSQL, cutoff)
	if err != nil {
		return 0, operr.DatabaseError("delete stale sync state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operr.DatabaseError("read rows affected", err)
	}
	return int(n), nil
}
