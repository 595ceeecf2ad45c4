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

package main

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/internal/refhost"
	"github.com/fluxgate/webhookd/pkg/intercept"
	"github.com/fluxgate/webhookd/pkg/payload"
)

// simulateRequest is the body /debug/simulate accepts to drive the
// Interception Hook without a real host ORM present, for local smoke
// testing of a rule end to end.
type simulateRequest struct {
	Event    string                 `json:"event"` // create | write | delete
	Model    string                 `json:"model"`
	RecordID int64                  `json:"record_id"`
	UserID   string                 `json:"user_id"`
	Changed  []string               `json:"changed_fields"`
	Fields   map[string]interface{} `json:"fields"`
}

// simulateHandler wires a host-mutation simulator over engine for local
// development: it is not part of the pull API surface
// describes, and a production deployment wires intercept.Engine into its
// own ORM hooks instead of exposing this endpoint.
func simulateHandler(engine *intercept.Engine, accessor *refhost.Accessor, log *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req simulateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Model == "" || req.RecordID == 0 {
			http.Error(w, "model and a non-zero record_id are required", http.StatusBadRequest)
			return
		}

		ref := payload.RecordRef{Model: req.Model, ID: req.RecordID}
		snapshot := make(map[string]interface{}, len(req.Fields))
		typed := make(map[string]payload.TypedValue, len(req.Fields))
		for name, v := range req.Fields {
			snapshot[name] = v
			typed[name] = payload.TypedValue{Kind: payload.FieldScalar, Scalar: v}
		}

		var err error
		switch req.Event {
		case "create":
			accessor.Register(refhost.Entity{Model: req.Model, ID: req.RecordID, Fields: typed})
			err = engine.OnCreated(r.Context(), []payload.RecordRef{ref}, req.UserID)
		case "write":
			accessor.Register(refhost.Entity{Model: req.Model, ID: req.RecordID, Fields: typed})
			err = engine.OnWritten(r.Context(), []payload.RecordRef{ref}, map[payload.RecordRef][]string{ref: req.Changed}, req.UserID)
		case "delete":
			err = engine.OnDeleted(r.Context(), []intercept.CapturedRecord{{Model: req.Model, ID: req.RecordID, Snapshot: snapshot}}, req.UserID)
		default:
			http.Error(w, "event must be one of create, write, delete", http.StatusBadRequest)
			return
		}

		if err != nil {
			// The hook already swallowed this per its fail-safety policy;
			// surfacing it here is purely informational for the simulator.
			log.WithError(err).Warn("simulated mutation reported a hook-internal error")
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
