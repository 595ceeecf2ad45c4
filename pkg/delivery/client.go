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

// Package delivery performs the single outbound HTTP request per event that
// carries a dispatch record to its subscriber: auth, timeout, custom
// headers, and TLS policy all live here, one call per Deliver.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/fluxgate/webhookd/internal/audit"
	"github.com/fluxgate/webhookd/internal/httpclient"
	"github.com/fluxgate/webhookd/internal/logging"
)

// userAgent identifies webhookd to every subscriber endpoint.
const userAgent = "webhookd-delivery/1.0"

// maxBodySummary caps how much of a subscriber's response body is kept for
// diagnostics; webhook responses are not expected to carry meaningful
// payloads back.
const maxBodySummary = 2048

// Request is one outbound delivery attempt.
type Request struct {
	SubscriberID  string
	EndpointURL   string
	Payload       map[string]interface{}
	Headers       map[string]string
	Auth          Auth
	Timeout       time.Duration
	VerifyTLS     bool
}

// Result is the outcome of a successful (2xx) delivery.
type Result struct {
	Success        bool
	StatusCode     int
	BodySummary    string
	ProcessingTime time.Duration
}

// Client performs one outbound request per event, wrapping each subscriber
// endpoint in its own circuit breaker so a persistently-down endpoint fails
// fast into the retry scheduler instead of holding a worker on a dead
// socket. This is additive to pkg/dispatch's exhaustive-retry DLQ
// machinery, never a replacement for it.
type Client struct {
	auth   AuthApplier
	log    *logrus.Logger
	audit  *audit.Store
	mu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	tlsWarned sync.Map // subscriber id -> struct{}, warn-once per process lifetime
}

// NewClient wires an auth applier, logger, and the audit writer the
// once-per-subscriber TLS-disabled warning is recorded through.
func NewClient(auth AuthApplier, log *logrus.Logger, auditStore *audit.Store) *Client {
	return &Client{
		auth:     auth,
		log:      log,
		audit:    auditStore,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Deliver performs one POST to req.EndpointURL and classifies the outcome.
// On transport or non-2xx failure, it returns *RetryableError or
// *PermanentError (never a bare error) so pkg/dispatch can drive its retry
// decision directly off the returned error's type.
func (c *Client) Deliver(ctx context.Context, req Request) (Result, error) {
	if !req.VerifyTLS {
		c.warnTLSOnce(req.SubscriberID, req.EndpointURL)
	}

	breaker := c.breakerFor(req.SubscriberID)
	started := time.Now()

	out, err := breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, req)
	})

	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, &RetryableError{Kind: KindConnection, Message: "circuit breaker open for subscriber", Cause: err}
		}
		var retryable *RetryableError
		var permanent *PermanentError
		if errors.As(err, &retryable) || errors.As(err, &permanent) {
			return Result{}, err
		}
		return Result{}, &RetryableError{Kind: KindOther, Message: "delivery failed", Cause: err}
	}

	result := out.(Result)
	result.ProcessingTime = elapsed
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{}, &PermanentError{Kind: KindOther, Message: "failed to marshal payload", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &PermanentError{Kind: KindOther, Message: "failed to build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	c.auth.Apply(httpReq, req.Auth)

	// Custom headers are merged last but must never override the auth
	// header, matching the delivery client's request shape.
	authHeader := req.Auth.headerName()
	for k, v := range req.Headers {
		if k == authHeader {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	clientCfg := httpclient.WebhookClientConfig()
	if req.Timeout > 0 {
		clientCfg.Timeout = req.Timeout
	}
	clientCfg.DisableSSLVerification = !req.VerifyTLS
	httpClient := httpclient.NewClient(clientCfg)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		kind := KindConnection
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
		c.log.WithFields(logging.SubscriberFields(req.SubscriberID, req.EndpointURL).ToLogrus()).
			WithError(err).Warn("delivery request failed")
		return Result{}, &RetryableError{Kind: kind, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySummary))
	summary := string(bodyBytes)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, StatusCode: resp.StatusCode, BodySummary: summary}, nil
	}

	kind := KindHTTP5xx
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		kind = KindHTTP4xx
	}
	return Result{}, &RetryableError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    "subscriber returned a non-2xx status",
	}
}

func (c *Client) breakerFor(subscriberID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[subscriberID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "subscriber:" + subscriberID,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[subscriberID] = b
	return b
}

func (c *Client) warnTLSOnce(subscriberID, endpoint string) {
	if _, loaded := c.tlsWarned.LoadOrStore(subscriberID, struct{}{}); loaded {
		return
	}
	c.log.WithFields(logging.SubscriberFields(subscriberID, endpoint).ToLogrus()).
		Warn("TLS verification disabled for subscriber")
	if c.audit != nil {
		c.audit.Record(audit.Record{
			Action: audit.ActionStatusChanged,
			Note:   "TLS verification disabled for subscriber " + subscriberID,
		})
	}
}
