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

// Package maintenance implements the background sweeps that keep the
// pipeline healthy over time: retrying due dispatch records, archiving and
// deleting old event log entries, trimming the audit trail, and retiring
// stale sync-state cursors.
package maintenance

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fluxgate/webhookd/internal/metrics"
	"github.com/fluxgate/webhookd/internal/operr"
)

// Job is one named, independently-ticked maintenance sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each Job on its own ticker, taking a postgres advisory
// lock keyed by the job's name before running it so that, when more than
// one process instance is deployed, only one of them executes a given
// sweep at a time, per the single-writer-discipline convention.
type Scheduler struct {
	db   *sqlx.DB
	jobs []Job
	log  *logrus.Logger
}

// NewScheduler wires a Scheduler against an established connection pool.
func NewScheduler(db *sqlx.DB, log *logrus.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{db: db, jobs: jobs, log: log}
}

// Run starts every job on its own ticker and blocks until ctx is canceled.
// A failing job never ends Run: each job goroutine returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error {
			s.runLoop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	interval := job.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOne(ctx, job)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, job Job) {
	acquired, release, err := s.tryLock(ctx, job.Name)
	if err != nil {
		s.log.WithError(err).WithField("job", job.Name).Error("failed to acquire maintenance lock")
		return
	}
	if !acquired {
		return
	}
	defer release()

	timer := metrics.NewTimer()
	if err := job.Run(ctx); err != nil {
		s.log.WithError(err).WithField("job", job.Name).Error("maintenance job failed")
	}
	metrics.RecordMaintenanceSweep(job.Name, timer.Elapsed())
}

// tryLock attempts a session-scoped postgres advisory lock keyed by a
// stable hash of name, returning a release func the caller must defer.
func (s *Scheduler) tryLock(ctx context.Context, name string) (bool, func(), error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return false, nil, operr.DatabaseError("acquire maintenance lock connection", err)
	}

	key := lockKey(name)
	var acquired bool
	if err := conn.QueryRowxContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return false, nil, operr.DatabaseError("try maintenance advisory lock", err)
	}
	if !acquired {
		conn.Close()
		return false, nil, nil
	}

	release := func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		conn.Close()
	}
	return true, release, nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
