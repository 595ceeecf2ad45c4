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

// Package api implements the Pull API Surface: the external HTTP endpoints
// pull consumers use to page the Event Log, acknowledge entries, and check
// pipeline health and statistics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the chi router mounted at /api/webhooks, wiring CORS,
// API-key authentication, and every handler in the pull API's route table.
func NewRouter(h *Handler, apiKey string, log *logrus.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-API-Key"},
		MaxAge:           300,
		AllowCredentials: false,
	}))
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api/webhooks", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Options("/options", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		r.Group(func(r chi.Router) {
			r.Use(apiKeyAuth(apiKey, log))
			r.Get("/pull", h.handlePull)
			r.Post("/pull", h.handlePull)
			r.Post("/mark-processed", h.handleMarkProcessed)
			r.Get("/stats", h.handleStats)
		})
	})

	return r
}

// apiKeyAuth validates the X-API-Key header against the configured shared
// secret. An empty apiKey disables the
// check entirely (local/dev mode).
func apiKeyAuth(apiKey string, log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("X-API-Key") != apiKey {
				writeError(w, apperrAuth())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestTimeout bounds how long a single Pull API request may run.
const requestTimeout = 30 * time.Second
