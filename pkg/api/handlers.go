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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/internal/apperr"
	"github.com/fluxgate/webhookd/pkg/eventlog"
)

// EventStore is the Event Log collaborator the Pull API depends on, as an
// interface rather than *eventlog.Store so handlers are unit-testable with
// a fake, mirroring the handler-with-injected-collaborator shape
// (pkg/integration/webhook.Handler).
type EventStore interface {
	Pull(ctx context.Context, q eventlog.PullQuery) (eventlog.PullResult, error)
	MarkProcessed(ctx context.Context, ids []int64) (int, error)
	Stats(ctx context.Context, days int) (eventlog.Stats, error)
}

// Handler serves the Pull API Surface's four endpoints.
type Handler struct {
	events  EventStore
	log     *logrus.Logger
	version string
}

// NewHandler wires a Handler's collaborators.
func NewHandler(events EventStore, version string, log *logrus.Logger) *Handler {
	return &Handler{events: events, log: log, version: version}
}

type errorBody struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *apperr.AppError) {
	writeJSON(w, err.StatusCode, errorBody{
		Error:     true,
		Message:   apperr.SafeErrorMessage(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func apperrAuth() *apperr.AppError {
	return apperr.NewAuthError("invalid or missing API key")
}

// handlePull implements GET|POST /api/webhooks/pull.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	q, err := parsePullQuery(r)
	if err != nil {
		writeError(w, apperr.NewValidationError(err.Error()))
		return
	}

	result, err := h.events.Pull(r.Context(), q)
	if err != nil {
		h.log.WithError(err).Error("pull failed")
		writeError(w, apperr.NewDatabaseError("pull events", err))
		return
	}

	writeJSON(w, http.StatusOK, struct {
		eventlog.PullResult
		Success   bool   `json:"success"`
		Timestamp string `json:"timestamp"`
	}{PullResult: result, Success: true, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func parsePullQuery(r *http.Request) (eventlog.PullQuery, error) {
	q := r.URL.Query()

	lastEventID, err := parseInt64(q.Get("last_event_id"), 0)
	if err != nil {
		return eventlog.PullQuery{}, err
	}

	limit := eventlog.MaxPullLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return eventlog.PullQuery{}, errInvalidLimit
		}
	}

	var models []string
	if raw := q.Get("models"); raw != "" {
		models = strings.Split(raw, ",")
	}

	return eventlog.PullQuery{
		LastEventID: lastEventID,
		Limit:       limit,
		Models:      models,
		Priority:    q.Get("priority"),
	}, nil
}

var errInvalidLimit = newStrError("limit must be a positive integer")

func parseInt64(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, newStrError("last_event_id must be an integer")
	}
	return v, nil
}

type strError string

func (e strError) Error() string { return string(e) }

func newStrError(msg string) error { return strError(msg) }

type markProcessedBody struct {
	EventIDs []int64 `json:"event_ids"`
}

type markProcessedResponse struct {
	ProcessedCount int `json:"processed_count"`
}

// handleMarkProcessed implements POST /api/webhooks/mark-processed.
func (h *Handler) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	var body markProcessedBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.NewValidationError("invalid request body"))
		return
	}
	if len(body.EventIDs) == 0 {
		writeError(w, apperr.NewValidationError("event_ids must not be empty"))
		return
	}

	n, err := h.events.MarkProcessed(r.Context(), body.EventIDs)
	if err != nil {
		h.log.WithError(err).Error("mark-processed failed")
		writeError(w, apperr.NewDatabaseError("mark events processed", err))
		return
	}

	writeJSON(w, http.StatusOK, markProcessedResponse{ProcessedCount: n})
}

// handleStats implements GET /api/webhooks/stats?days=N.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperr.NewValidationError("days must be a positive integer"))
			return
		}
		days = parsed
	}

	stats, err := h.events.Stats(r.Context(), days)
	if err != nil {
		h.log.WithError(err).Error("stats failed")
		writeError(w, apperr.NewDatabaseError("compute stats", err))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status        string `json:"status"`
	PendingEvents int64  `json:"pending_events"`
	Version       string `json:"version"`
}

// handleHealth implements GET /api/webhooks/health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.events.Stats(r.Context(), 1)
	if err != nil {
		h.log.WithError(err).Error("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:     true,
			Message:   "health check failed",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		PendingEvents: stats.Pending,
		Version:       h.version,
	})
}
