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

package subscriber

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fluxgate/webhookd/internal/operr"
)

// headerMap persists CustomHeaders as a jsonb column.
type headerMap map[string]string

func (h headerMap) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	return json.Marshal(map[string]string(h))
}

func (h *headerMap) Scan(src interface{}) error {
	if src == nil {
		*h = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("headerMap: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*h = nil
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*h = out
	return nil
}

// Store persists and serves Subscriber rows.
type Store interface {
	Get(ctx context.Context, id string) (Subscriber, error)
	ListEnabled(ctx context.Context, ids []string) ([]Subscriber, error)
}

const getSQL = `
SELECT id, endpoint_url, auth_kind, credentials, auth_header_name, timeout, verify_tls,
       rate_limit_per_window, window_secs, custom_headers, enabled, created_at, updated_at
FROM subscribers WHERE id = $1`

const listEnabledSQL = `
SELECT id, endpoint_url, auth_kind, credentials, auth_header_name, timeout, verify_tls,
       rate_limit_per_window, window_secs, custom_headers, enabled, created_at, updated_at
FROM subscribers WHERE id = ANY($1) AND enabled = true`

// PostgresStore is the sqlx-backed Store implementation.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an established connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get reads a single subscriber by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Subscriber, error) {
	row := subscriberRow{}
	if err := s.db.GetContext(ctx, &row, getSQL, id); err != nil {
		return Subscriber{}, operr.DatabaseError("get subscriber", err)
	}
	return row.toSubscriber(), nil
}

// ListEnabled returns the enabled subscribers among ids, preserving none of
// the caller's ordering (callers that care should re-sort).
func (s *PostgresStore) ListEnabled(ctx context.Context, ids []string) ([]Subscriber, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows := []subscriberRow{}
	if err := s.db.SelectContext(ctx, &rows, listEnabledSQL, ids); err != nil {
		return nil, operr.DatabaseError("list enabled subscribers", err)
	}
	out := make([]Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSubscriber())
	}
	return out, nil
}

type subscriberRow struct {
	ID                 string        `db:"id"`
	EndpointURL        string        `db:"endpoint_url"`
	AuthKind           string        `db:"auth_kind"`
	Credentials        string        `db:"credentials"`
	AuthHeaderName     string        `db:"auth_header_name"`
	Timeout            time.Duration `db:"timeout"`
	VerifyTLS          bool          `db:"verify_tls"`
	RateLimitPerWindow int           `db:"rate_limit_per_window"`
	WindowSecs         int           `db:"window_secs"`
	CustomHeaders      headerMap     `db:"custom_headers"`
	Enabled            bool          `db:"enabled"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
}

func (r subscriberRow) toSubscriber() Subscriber {
	s := Subscriber{
		ID:                 r.ID,
		EndpointURL:        r.EndpointURL,
		AuthKind:           r.AuthKind,
		Credentials:        r.Credentials,
		AuthHeaderName:     r.AuthHeaderName,
		Timeout:            r.Timeout,
		VerifyTLS:          r.VerifyTLS,
		RateLimitPerWindow: r.RateLimitPerWindow,
		WindowSecs:         r.WindowSecs,
		CustomHeaders:      map[string]string(r.CustomHeaders),
		Enabled:            r.Enabled,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	s.Auth = s.ResolveAuth()
	return s
}
