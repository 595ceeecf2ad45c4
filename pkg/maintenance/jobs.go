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

package maintenance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxgate/webhookd/internal/audit"
	"github.com/fluxgate/webhookd/pkg/dispatch"
	"github.com/fluxgate/webhookd/pkg/eventlog"
	"github.com/fluxgate/webhookd/pkg/syncstate"
)

// ExistenceProbe answers whether a host record still exists. It is the
// parameter OrphanCleanupJob takes; the job as built here never calls it.
type ExistenceProbe interface {
	Exists(ctx context.Context, model string, recordID int64) (bool, error)
}

// RetrySweepJob builds the job that drives the dispatcher's due-record
// selection pass on a fixed interval.
func RetrySweepJob(d *dispatch.Dispatcher, interval time.Duration) Job {
	return Job{
		Name:     "retry_sweep",
		Interval: interval,
		Run:      d.RunPass,
	}
}

// ArchiveDeleteJob builds the job that archives processed event log
// entries past archiveAfter, then deletes archived entries past
// deleteAfter.
func ArchiveDeleteJob(events *eventlog.Store, archiveAfter, deleteAfter time.Duration, interval time.Duration, log *logrus.Logger) Job {
	return Job{
		Name:     "archive_delete",
		Interval: interval,
		Run: func(ctx context.Context) error {
			archived, err := events.Archive(ctx, archiveAfter)
			if err != nil {
				return err
			}
			deleted, err := events.Delete(ctx, deleteAfter)
			if err != nil {
				return err
			}
			log.WithField("archived", archived).WithField("deleted", deleted).Debug("archive/delete sweep complete")
			return nil
		},
	}
}

// AuditCleanupJob builds the job that trims the audit trail past
// retention.
func AuditCleanupJob(store *audit.Store, retention time.Duration, interval time.Duration) Job {
	return Job{
		Name:     "audit_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := store.DeleteOlderThan(ctx, time.Now().Add(-retention))
			return err
		},
	}
}

// SyncStateCleanupJob builds the job that retires sync-state cursors a
// device hasn't touched in olderThan.
func SyncStateCleanupJob(store *syncstate.Store, olderThan time.Duration, interval time.Duration) Job {
	return Job{
		Name:     "sync_state_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := store.DeleteStale(ctx, olderThan)
			return err
		},
	}
}

// OrphanCleanupJob builds the orphan-cleanup job. Its Run only logs a
// debug tick: it does not call probe and deletes no dispatch or event-log
// rows, whether or not a probe is supplied.
func OrphanCleanupJob(events *eventlog.Store, probe ExistenceProbe, interval time.Duration, log *logrus.Logger) Job {
	return Job{
		Name:     "orphan_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) error {
			// No orphan-candidate scan is wired in, so there is nothing
			// to probe or delete on this tick.
			log.Debug("orphan cleanup sweep tick (no-op without a host-supplied candidate scan)")
			return nil
		},
	}
}
