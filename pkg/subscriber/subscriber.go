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

// Package subscriber implements the Subscriber entity: the HTTP endpoint
// descriptor a Rule fans its events out to. Subscribers are long-lived and
// preferably disabled rather than deleted once an operator no longer wants
// deliveries sent to them.
package subscriber

import (
	"time"

	"github.com/fluxgate/webhookd/pkg/delivery"
)

// Subscriber is one HTTP endpoint a matching Rule delivers events to.
type Subscriber struct {
	ID                string          `db:"id" json:"id"`
	EndpointURL       string          `db:"endpoint_url" json:"endpoint_url" validate:"required,url"`
	Auth              delivery.Auth   `db:"-" json:"-"`
	AuthKind          string          `db:"auth_kind" json:"auth_kind" validate:"required,oneof=none basic bearer api_key"`
	Credentials       string          `db:"credentials" json:"-"`
	AuthHeaderName    string          `db:"auth_header_name" json:"auth_header_name,omitempty"`
	Timeout           time.Duration   `db:"timeout" json:"timeout"`
	VerifyTLS         bool            `db:"verify_tls" json:"verify_tls"`
	RateLimitPerWindow int            `db:"rate_limit_per_window" json:"rate_limit_per_window"`
	WindowSecs        int             `db:"window_secs" json:"window_secs"`
	CustomHeaders     map[string]string `db:"-" json:"custom_headers,omitempty"`
	Enabled           bool            `db:"enabled" json:"enabled"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ResolveAuth materializes the delivery.Auth value from the stored fields,
// since delivery.Auth itself is not a column type (it's assembled from
// auth_kind/credentials/auth_header_name at read time).
func (s Subscriber) ResolveAuth() delivery.Auth {
	return delivery.Auth{
		Kind:        delivery.AuthKind(s.AuthKind),
		Credentials: s.Credentials,
		HeaderName:  s.AuthHeaderName,
	}
}

// RateLimited reports whether this subscriber has an active rate limit
// (both a positive count and a positive window are required).
func (s Subscriber) RateLimited() bool {
	return s.RateLimitPerWindow > 0 && s.WindowSecs > 0
}

// WindowDuration returns the rate-limit window as a time.Duration.
func (s Subscriber) WindowDuration() time.Duration {
	return time.Duration(s.WindowSecs) * time.Second
}
