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

// Package audit implements the AuditRecord entity and a buffered,
// non-blocking writer in front of it (DD-AUDIT-002: audit must never add
// latency or a failure mode to the hot dispatch path).
package audit

import "time"

// Action names one of the events the dispatch and event-log lifecycle emits.
type Action string

const (
	ActionCreated       Action = "created"
	ActionSent          Action = "sent"
	ActionFailed        Action = "failed"
	ActionRetried       Action = "retried"
	ActionArchived      Action = "archived"
	ActionDeleted       Action = "deleted"
	ActionStatusChanged Action = "status_changed"
)

// Record is one immutable history line against a dispatch record.
type Record struct {
	DispatchID int64     `db:"dispatch_id"`
	Action     Action    `db:"action"`
	Timestamp  time.Time `db:"ts"`
	UserID     string    `db:"user_id"`
	Old        string    `db:"old_value"`
	New        string    `db:"new_value"`
	Note       string    `db:"note"`
}
