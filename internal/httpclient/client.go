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

// Package httpclient builds the *http.Client instances the delivery layer
// uses to call subscriber endpoints. Every outbound webhook call goes
// through a client built here so timeout and TLS behavior stay centralized
// instead of scattered across call sites.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"time"
)

// ClientConfig controls the transport underlying a built client.
type ClientConfig struct {
	Timeout                 time.Duration
	MaxRetries              int
	DisableSSLVerification  bool
	MaxIdleConns            int
	MaxIdleConnsPerHost     int
	IdleConnTimeout         time.Duration
	TLSHandshakeTimeout     time.Duration
	ResponseHeaderTimeout   time.Duration
	ExpectContinueTimeout   time.Duration
}

// DefaultClientConfig holds the base settings (30s timeout) that
// WebhookClientConfig and SlowSubscriberClientConfig start from.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:                 30 * time.Second,
		MaxRetries:              3,
		DisableSSLVerification:  false,
		MaxIdleConns:            10,
		MaxIdleConnsPerHost:     2,
		IdleConnTimeout:         90 * time.Second,
		TLSHandshakeTimeout:     10 * time.Second,
		ResponseHeaderTimeout:   10 * time.Second,
		ExpectContinueTimeout:   1 * time.Second,
	}
}

// WebhookClientConfig is tuned for subscriber delivery: short-lived calls,
// no built-in client retry since pkg/dispatch already owns the retry/backoff
// schedule at the record level.
func WebhookClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = 10 * time.Second
	cfg.MaxRetries = 0
	cfg.ResponseHeaderTimeout = 5 * time.Second
	return cfg
}

// SlowSubscriberClientConfig builds a config for a subscriber whose
// configured per-call timeout exceeds the webhook default, scaling the
// response-header wait proportionally.
func SlowSubscriberClientConfig(timeout time.Duration) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	cfg.ResponseHeaderTimeout = timeout / 3
	return cfg
}

// NewClient builds an *http.Client with a transport configured from cfg.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
	if cfg.DisableSSLVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in per subscriber
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// NewClientWithTimeout builds a client from DefaultClientConfig with the
// timeout overridden.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	cfg := DefaultClientConfig()
	cfg.Timeout = timeout
	return NewClient(cfg)
}

// NewDefaultClient builds a client from DefaultClientConfig.
func NewDefaultClient() *http.Client {
	return NewClient(DefaultClientConfig())
}
