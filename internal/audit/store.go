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

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const insertSQL = `INSERT INTO audit (dispatch_id, action, ts, user_id, old_value, new_value, note)
VALUES (:dispatch_id, :action, :ts, :user_id, :old_value, :new_value, :note)`

// Store buffers Records in memory and flushes them to postgres on a
// background goroutine, so a caller on the dispatch hot path never blocks on
// (or fails because of) an audit write.
type Store struct {
	db            *sqlx.DB
	log           *logrus.Logger
	queue         chan Record
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
}

// NewStore starts the background flush loop and returns a ready Store.
func NewStore(db *sqlx.DB, log *logrus.Logger, batchSize int, flushInterval time.Duration) *Store {
	s := &Store{
		db:            db,
		log:           log,
		queue:         make(chan Record, 1000),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues r for the next flush. If the internal queue is full the
// record is dropped and logged rather than blocking the caller — audit
// never gets to slow down or fail a dispatch attempt.
func (s *Store) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	select {
	case s.queue <- r:
	default:
		s.log.WithFields(logrus.Fields{
			"dispatch_id": r.DispatchID,
			"action":      r.Action,
		}).Warn("audit queue full, dropping record")
	}
}

func (s *Store) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			s.log.WithError(err).Error("failed to flush audit batch")
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.queue:
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case r := <-s.queue:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Stop signals the flush loop to drain the queue and exit, waiting up to
// ctx's deadline.
func (s *Store) Stop(ctx context.Context) error {
	close(s.done)
	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) write(batch []Record) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	for _, r := range batch {
		if _, err := tx.NamedExec(insertSQL, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DeleteOlderThan removes audit rows older than before, implementing the
// daily audit-retention sweep.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE ts < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
