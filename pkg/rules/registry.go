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

package rules

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/fluxgate/webhookd/internal/logging"
	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/sirupsen/logrus"
)

// key addresses the by-(model,operation) bucket of the cache.
type key struct {
	model string
	op    Operation
}

// snapshot is the immutable cache published by a rebuild. Readers load the
// current snapshot atomically and never block on a concurrent rebuild.
type snapshot struct {
	trackedModels map[string]struct{}
	byKey         map[key][]Rule
}

// bookkeepingModels are the system's own models; they are never tracked
// regardless of what rules an operator defines against them.
var bookkeepingModels = map[string]struct{}{
	"webhookd.rule":       {},
	"webhookd.subscriber": {},
	"webhookd.dispatch":   {},
	"webhookd.event_log":  {},
	"webhookd.audit":      {},
}

// defaultReservedPrefixes names internal/technical model prefixes that
// is_tracked must reject outright, without a cache lookup.
var defaultReservedPrefixes = []string{"ir.", "base.", "webhookd."}

// Registry answers "is this model tracked?" and "which rules apply?" with no
// database access in the common case. It is an explicit object owned by the
// Interception Hook's Engine, not ambient global state.
type Registry struct {
	store            Store
	reservedPrefixes []string
	tracked          atomic.Pointer[snapshot]
	sf               singleflight.Group
	log              *logrus.Logger
}

// NewRegistry builds a Registry against store. The cache starts empty and
// invalid; the first call to IsTracked or RulesFor triggers a rebuild.
func NewRegistry(store Store, log *logrus.Logger, reservedPrefixes ...string) *Registry {
	if len(reservedPrefixes) == 0 {
		reservedPrefixes = defaultReservedPrefixes
	}
	return &Registry{
		store:            store,
		reservedPrefixes: reservedPrefixes,
		log:              log,
	}
}

// IsTracked reports whether model has any active rule, without touching the
// database once a snapshot has been published.
func (r *Registry) IsTracked(ctx context.Context, model string) bool {
	if r.isReserved(model) {
		return false
	}
	snap, err := r.current(ctx)
	if err != nil {
		r.log.WithFields(logging.RuleFields("is_tracked", model, "").ToLogrus()).WithError(err).
			Error("rule registry rebuild failed, treating model as untracked")
		return false
	}
	_, ok := snap.trackedModels[model]
	return ok
}

// RulesFor returns the active rules for (model, op), ordered by
// (Sequence, ID). It rebuilds the cache on first use or after Invalidate.
func (r *Registry) RulesFor(ctx context.Context, model string, op Operation) ([]Rule, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	return snap.byKey[key{model: model, op: op}], nil
}

// Invalidate drops the current snapshot; the next read rebuilds it, so
// callers must invoke this before a Rule mutation becomes observable to the
// Interception Hook.
func (r *Registry) Invalidate() {
	r.tracked.Store(nil)
}

func (r *Registry) isReserved(model string) bool {
	if _, ok := bookkeepingModels[model]; ok {
		return true
	}
	for _, prefix := range r.reservedPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// current returns the published snapshot, rebuilding it if absent. Readers
// never block on a rebuild in progress if a prior valid snapshot exists;
// only the very first read (or a read right after Invalidate) pays for one.
func (r *Registry) current(ctx context.Context) (*snapshot, error) {
	if snap := r.tracked.Load(); snap != nil {
		return snap, nil
	}
	snap, err := r.rebuild(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// rebuild scans all active rules and publishes a fresh snapshot. Concurrent
// callers collapse into a single database round trip via singleflight.
func (r *Registry) rebuild(ctx context.Context) (*snapshot, error) {
	v, err, _ := r.sf.Do("rebuild", func() (interface{}, error) {
		if snap := r.tracked.Load(); snap != nil {
			return snap, nil
		}
		active, err := r.store.ListActive(ctx)
		if err != nil {
			return nil, err
		}

		sort.SliceStable(active, func(i, j int) bool {
			if active[i].Sequence != active[j].Sequence {
				return active[i].Sequence < active[j].Sequence
			}
			return active[i].ID < active[j].ID
		})

		snap := &snapshot{
			trackedModels: make(map[string]struct{}),
			byKey:         make(map[key][]Rule),
		}
		for _, rule := range active {
			snap.trackedModels[rule.Model] = struct{}{}
			k := key{model: rule.Model, op: rule.Operation}
			snap.byKey[k] = append(snap.byKey[k], rule)
		}

		r.tracked.Store(snap)
		metrics.RecordRuleCacheRebuild()
		metrics.SetRuleRegistrySize(float64(len(active)))
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}
