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

// Package refhost is a minimal in-memory stand-in for the host application
// this system treats as an external collaborator: the ORM, persistence, and
// CRUD dispatch that own the business entities being tracked are
// explicitly out of this system's scope.
// webhookd is a library the host links in and drives through
// pkg/intercept.Engine's three entry points; a real deployment supplies
// its own payload.EntityAccessor, intercept.DomainEvaluator, and
// maintenance.ExistenceProbe backed by its own ORM.
//
// This package exists only so cmd/webhookd can start and serve the Pull
// API and push dispatcher stand-alone — against synthetic records fed
// through its Register method — without a host present. Production
// deployments replace every type here with one backed by the host's own
// data access layer.
package refhost

import (
	"context"
	"sync"

	"github.com/fluxgate/webhookd/pkg/payload"
)

// Entity is one synthetic host record known to the reference accessor.
type Entity struct {
	Model       string
	ID          int64
	DisplayName string
	Fields      map[string]payload.TypedValue
}

// Accessor is a bare in-memory payload.EntityAccessor: it reports every
// field as a stored scalar, and unknown records resolve to empty
// values rather than an error, since there is no real backing store to
// fail against.
type Accessor struct {
	mu       sync.RWMutex
	entities map[payload.RecordRef]Entity
}

// NewAccessor returns an empty Accessor ready for Register calls.
func NewAccessor() *Accessor {
	return &Accessor{entities: make(map[payload.RecordRef]Entity)}
}

// Register stores (or replaces) a synthetic entity the Payload Builder can
// subsequently read through Fields/Value/DisplayName.
func (a *Accessor) Register(e Entity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entities[payload.RecordRef{Model: e.Model, ID: e.ID}] = e
}

// Fields enumerates the named fields registered for model, derived from
// one entity registered for it; when several are registered, map
// iteration order decides which (the reference adapter has no schema
// separate from its instance data).
func (a *Accessor) Fields(ctx context.Context, model string) ([]payload.FieldDescriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for ref, e := range a.entities {
		if ref.Model != model {
			continue
		}
		out := make([]payload.FieldDescriptor, 0, len(e.Fields))
		for name := range e.Fields {
			out = append(out, payload.FieldDescriptor{Name: name, Kind: payload.FieldScalar, Stored: true})
		}
		return out, nil
	}
	return nil, nil
}

// Value reads one named field off a registered record, returning the zero
// TypedValue when the record or field is unknown.
func (a *Accessor) Value(ctx context.Context, rec payload.RecordRef, field string) (payload.TypedValue, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entities[rec]
	if !ok {
		return payload.TypedValue{}, nil
	}
	return e.Fields[field], nil
}

// DisplayName returns the registered entity's display name, or the empty
// string when unknown.
func (a *Accessor) DisplayName(ctx context.Context, rec payload.RecordRef) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entities[rec].DisplayName, nil
}

// AlwaysMatchDomain is a intercept.DomainEvaluator that always reports a
// match. The host ORM's domain/filter-expression engine is explicitly out
// of scope; a real integration evaluates rule.Domain against
// its own query layer.
type AlwaysMatchDomain struct{}

// Matches always reports true.
func (AlwaysMatchDomain) Matches(ctx context.Context, model string, recordID int64, domain string) (bool, error) {
	return true, nil
}

// AlwaysExists is a maintenance.ExistenceProbe that always reports a
// record as still present, so OrphanCleanup never removes anything without
// a real host-backed probe.
type AlwaysExists struct{}

// Exists always reports true.
func (AlwaysExists) Exists(ctx context.Context, model string, recordID int64) (bool, error) {
	return true, nil
}
