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

package payload

import (
	"context"
	"errors"
)

// ErrNoTemplate is returned by NoopTemplateRenderer, and is what a Builder
// without a configured renderer treats as "nothing to render here".
var ErrNoTemplate = errors.New("payload: no template renderer configured")

// TemplateRenderer is the pluggable collaborator a Rule's template delegates
// to. It must return a valid JSON-serializable object, or an error — the
// Builder falls back to the untemplated payload and logs on either.
type TemplateRenderer interface {
	Render(ctx context.Context, src string, data map[string]interface{}) (map[string]interface{}, error)
}

// NoopTemplateRenderer is the default collaborator when no templating engine
// is wired in: every render attempt fails with ErrNoTemplate, which the
// Builder treats exactly like any other render failure (log and fall back).
type NoopTemplateRenderer struct{}

func (NoopTemplateRenderer) Render(ctx context.Context, src string, data map[string]interface{}) (map[string]interface{}, error) {
	return nil, ErrNoTemplate
}
