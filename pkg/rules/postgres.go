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

package rules

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fluxgate/webhookd/internal/operr"
)

// stringSlice persists a []string as a jsonb column, avoiding a dependency
// on a driver-specific array type for the small, bounded lists (tracked
// fields, subscriber ids) rules carry.
type stringSlice []string

func (s stringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal([]string(s))
}

func (s *stringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("stringSlice: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

// Store reads the durable set of rules backing the Registry's cache.
type Store interface {
	ListActive(ctx context.Context) ([]Rule, error)
}

const listActiveSQL = `
SELECT id, model, operation, active, domain, tracked_fields, priority, category,
       subscribers, template, instant_send, rate_limit, debounce_secs, test_mode,
       sequence, created_at, updated_at
FROM rules
WHERE active = true
ORDER BY sequence ASC, id ASC`

// PostgresStore is the sqlx-backed Store implementation.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an established connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ListActive returns every active rule, ordered so callers can rely on
// (Sequence, ID) tie-break ordering without re-sorting.
func (s *PostgresStore) ListActive(ctx context.Context) ([]Rule, error) {
	rows := []ruleRow{}
	if err := s.db.SelectContext(ctx, &rows, listActiveSQL); err != nil {
		return nil, operr.DatabaseError("list active rules", err)
	}
	out := make([]Rule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRule())
	}
	return out, nil
}

// ruleRow mirrors the jsonb-encoded list columns that need a Scan/Value
// adapter to round-trip through []string.
type ruleRow struct {
	ID            int64       `db:"id"`
	Model         string      `db:"model"`
	Operation     string      `db:"operation"`
	Active        bool        `db:"active"`
	Domain        string      `db:"domain"`
	TrackedFields stringSlice `db:"tracked_fields"`
	Priority      string      `db:"priority"`
	Category      string      `db:"category"`
	Subscribers   stringSlice `db:"subscribers"`
	Template      string      `db:"template"`
	InstantSend   bool        `db:"instant_send"`
	RateLimit     int         `db:"rate_limit"`
	DebounceSecs  int         `db:"debounce_secs"`
	TestMode      bool        `db:"test_mode"`
	Sequence      int64       `db:"sequence"`
	CreatedAt     time.Time   `db:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at"`
}

func (r ruleRow) toRule() Rule {
	return Rule{
		ID:            r.ID,
		Model:         r.Model,
		Operation:     Operation(r.Operation),
		Active:        r.Active,
		Domain:        r.Domain,
		TrackedFields: []string(r.TrackedFields),
		Priority:      Priority(r.Priority),
		Category:      Category(r.Category),
		Subscribers:   []string(r.Subscribers),
		Template:      r.Template,
		InstantSend:   r.InstantSend,
		RateLimit:     r.RateLimit,
		DebounceSecs:  r.DebounceSecs,
		TestMode:      r.TestMode,
		Sequence:      r.Sequence,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
