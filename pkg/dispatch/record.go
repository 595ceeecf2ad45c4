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

// Package dispatch implements the push delivery engine: per-subscriber
// DispatchRecords carrying a status state machine, exponential backoff
// retry, dead-letter promotion, and rate-limited selection for work.
package dispatch

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Status is one state in a DispatchRecord's lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// ErrorInfo captures the last delivery failure against a record.
type ErrorInfo struct {
	Kind    string `db:"error_kind" json:"kind,omitempty"`
	Code    int    `db:"error_code" json:"code,omitempty"`
	Message string `db:"error_message" json:"message,omitempty"`
}

// Record is one per-subscriber delivery attempt.
type Record struct {
	ID            int64           `db:"id" json:"id"`
	EventLogID    sql.NullInt64   `db:"event_log_id" json:"event_log_id,omitempty"`
	Model         string          `db:"model" json:"model"`
	RecordID      int64           `db:"record_id" json:"record_id"`
	Op            string          `db:"op" json:"op"`
	SubscriberID  string          `db:"subscriber_id" json:"subscriber_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Priority      string          `db:"priority" json:"priority"`
	Status        Status          `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	NextRetryAt   sql.NullTime    `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ErrorInfo     `json:"last_error,omitempty"`
	SentAt        sql.NullTime    `db:"sent_at" json:"sent_at,omitempty"`
	ResponseCode  sql.NullInt64   `db:"response_code" json:"response_code,omitempty"`
	ProcessingAt  sql.NullTime    `db:"processing_started_at" json:"-"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// EnqueueInput is the input to Queue.Enqueue.
type EnqueueInput struct {
	EventLogID   *int64
	Model        string
	RecordID     int64
	Op           string
	SubscriberID string
	Payload      map[string]interface{}
	Priority     string
	MaxRetries   int
}

// DeadLetter is the post-mortem record created exactly once when a
// DispatchRecord exhausts its retry budget.
type DeadLetter struct {
	DispatchID    int64     `db:"dispatch_id" json:"dispatch_id"`
	FailedAt      time.Time `db:"failed_at" json:"failed_at"`
	RetryAttempts int       `db:"retry_attempts" json:"retry_attempts"`
	OriginalError string    `db:"original_error" json:"original_error"`
	Resolution    string    `db:"resolution" json:"resolution"`
	Resolver      string    `db:"resolver" json:"resolver,omitempty"`
	ResolvedAt    sql.NullTime `db:"resolved_at" json:"resolved_at,omitempty"`
	Notes         string    `db:"notes" json:"notes,omitempty"`
}

const (
	ResolutionPending  = "pending"
	ResolutionRetrying = "retrying"
	ResolutionResolved = "resolved"
	ResolutionIgnored  = "ignored"
)

// NextDelay computes the exponential backoff delay for the retryCount-th
// retry (1-indexed): base * 2^(retryCount-1).
func NextDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}
