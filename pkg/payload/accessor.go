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

// Package payload builds the JSON payload attached to every event log entry
// and dispatch record, turning a host entity snapshot into a serializable
// object per field-kind rules, independent of whatever ORM the host uses.
package payload

import (
	"context"
	"time"
)

// FieldKind classifies how a named field on a model should be serialized.
type FieldKind string

const (
	FieldScalar   FieldKind = "scalar"
	FieldDate     FieldKind = "date"
	FieldDatetime FieldKind = "datetime"
	FieldOneRef   FieldKind = "one_ref"
	FieldManyRef  FieldKind = "many_ref"
	FieldBlob     FieldKind = "blob"
	FieldComputed FieldKind = "computed"
)

// FieldDescriptor describes one named field on a model.
type FieldDescriptor struct {
	Name   string
	Kind   FieldKind
	Stored bool
}

// RecordRef addresses one record of one model.
type RecordRef struct {
	Model string
	ID    int64
}

// RefValue is the {id, name} shape used for one- and many-reference fields.
type RefValue struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TypedValue is the raw value read off a host record for one field, tagged
// with the kind that determines how Builder.Build serializes it.
type TypedValue struct {
	Kind FieldKind

	Scalar    interface{}
	Timestamp time.Time
	One       *RefValue
	Many      []RefValue
	BlobSet   bool
}

// EntityAccessor is the entity-access capability the Payload Builder is
// polymorphic over: it knows how to enumerate a model's fields and read a
// named field off a specific record, without the builder ever depending on
// the host's ORM.
type EntityAccessor interface {
	Fields(ctx context.Context, model string) ([]FieldDescriptor, error)
	Value(ctx context.Context, record RecordRef, field string) (TypedValue, error)
	DisplayName(ctx context.Context, record RecordRef) (string, error)
}
