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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/pkg/rules"
)

// maxManyRefEntries caps a many-reference field's serialized array so a
// record with thousands of related rows never balloons a single payload.
const maxManyRefEntries = 50

// Builder turns a host entity snapshot into a JSON-serializable payload.
type Builder struct {
	accessor EntityAccessor
	renderer TemplateRenderer
	log      *logrus.Logger
}

// NewBuilder wires an entity accessor and a template renderer. Pass
// NoopTemplateRenderer{} when no templating engine is configured.
func NewBuilder(accessor EntityAccessor, renderer TemplateRenderer, log *logrus.Logger) *Builder {
	return &Builder{accessor: accessor, renderer: renderer, log: log}
}

// Build assembles the payload for one (model, record) mutation. rule may be
// nil (e.g. for a synthetic/test event); when non-nil, its TrackedFields
// filters which fields are included and its Template (if any) is rendered
// over the assembled context.
func (b *Builder) Build(ctx context.Context, rec RecordRef, rule *rules.Rule, changed []string, op string) (map[string]interface{}, error) {
	descriptors, err := b.accessor.Fields(ctx, rec.Model)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{}, len(descriptors)+2)
	for _, fd := range descriptors {
		if !fd.Stored || fd.Kind == FieldComputed {
			continue
		}
		if rule != nil && !rule.TracksField(fd.Name) {
			continue
		}

		val, err := b.accessor.Value(ctx, rec, fd.Name)
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"model": rec.Model,
				"field": fd.Name,
			}).WithError(err).Warn("failed to read field value, omitting from payload")
			continue
		}

		rendered, ok := render(val)
		if ok {
			out[fd.Name] = rendered
		}
	}

	displayName, err := b.accessor.DisplayName(ctx, rec)
	if err != nil {
		b.log.WithError(err).Warn("failed to resolve display name, leaving it empty")
	}

	metadata := map[string]interface{}{
		"model":        rec.Model,
		"id":           rec.ID,
		"display_name": displayName,
		"operation":    op,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	if rule != nil {
		metadata["rule_id"] = rule.ID
	}
	out["_metadata"] = metadata

	if op == string(rules.OperationWrite) {
		out["_changed_fields"] = changed
	}

	if rule != nil && rule.Template != "" {
		templated, err := b.renderer.Render(ctx, rule.Template, out)
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"model":   rec.Model,
				"rule_id": rule.ID,
			}).WithError(err).Warn("template render failed, falling back to untemplated payload")
			return out, nil
		}
		return templated, nil
	}

	return out, nil
}

// render converts a TypedValue into its wire representation per the
// field-kind table. The second return value is false when the field should
// be omitted entirely (computed-non-stored fields never reach here; this
// covers a kind the caller didn't expect).
func render(v TypedValue) (interface{}, bool) {
	switch v.Kind {
	case FieldScalar:
		return v.Scalar, true
	case FieldDate:
		if v.Timestamp.IsZero() {
			return nil, true
		}
		return v.Timestamp.UTC().Format("2006-01-02"), true
	case FieldDatetime:
		if v.Timestamp.IsZero() {
			return nil, true
		}
		return v.Timestamp.UTC().Format(time.RFC3339), true
	case FieldOneRef:
		if v.One == nil {
			return nil, true
		}
		return v.One, true
	case FieldManyRef:
		many := v.Many
		if len(many) > maxManyRefEntries {
			many = many[:maxManyRefEntries]
		}
		return many, true
	case FieldBlob:
		return v.BlobSet, true
	case FieldComputed:
		return nil, false
	default:
		return nil, false
	}
}
