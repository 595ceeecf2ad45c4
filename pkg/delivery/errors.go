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

package delivery

import "fmt"

// Kind classifies a delivery failure per the DeliveryError
// sub-kinds. Client.Deliver reports every kind, KindHTTP4xx included, as
// a *RetryableError; no per-subscriber setting turns a 4xx response into
// a permanent failure.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindConnection Kind = "connection"
	KindHTTP4xx    Kind = "http_4xx"
	KindHTTP5xx    Kind = "http_5xx"
	KindOther      Kind = "other"
)

// RetryableError signals that pkg/dispatch should schedule a retry.
type RetryableError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *RetryableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// PermanentError signals that pkg/dispatch must not retry. Client.Deliver
// returns it only with KindOther, when the payload cannot be marshaled or
// the request cannot be built.
type PermanentError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PermanentError) Unwrap() error { return e.Cause }
