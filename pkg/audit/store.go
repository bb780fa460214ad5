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
	"github.com/tidwall/sjson"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/metrics"
)

// Store is the Postgres-backed Sink. Record, the transactional path, is
// synchronous by design: audit rows written there commit or roll back
// with the mutation they describe (DD-AUDIT-002's ordering guarantee).
// RecordAsync is a second, best-effort path for callers with no
// transaction to join (the reconciler's per-cycle outcome rows): it
// drops the entry into a bounded buffer that a background flusher
// drains, so the reconciler loop is never blocked on a database write.
type Store struct {
	db  *sqlx.DB
	log *logrus.Entry

	buffer        chan Entry
	flushInterval time.Duration
	batchSize     int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewStore builds a Store. bufferSize bounds the number of best-effort
// entries held in memory; once it is full, RecordAsync drops each new
// entry it is given.
func NewStore(db *sqlx.DB, logger *logrus.Logger, bufferSize int, flushInterval time.Duration, batchSize int) *Store {
	return &Store{
		db:            db,
		log:           logger.WithField("component", "audit_store"),
		buffer:        make(chan Entry, bufferSize),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Record inserts entry as part of tx. The caller commits or rolls back
// tx; Record itself never commits.
func (s *Store) Record(ctx context.Context, tx *sqlx.Tx, entry Entry) error {
	detailJSON, err := marshalDetail(entry.Detail)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "failed to marshal audit detail")
	}

	const query = `
		INSERT INTO audit_entries
			(id, actor, actor_name, action, resource_type, resource_id, project, detail, source_addr, created_at)
		VALUES
			(:id, :actor, :actor_name, :action, :resource_type, :resource_id, :project, :detail, :source_addr, :created_at)
	`
	row := entryRow{
		ID:           entry.ID.String(),
		Actor:        entry.Actor.String(),
		ActorName:    entry.ActorName,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		SourceAddr:   entry.SourceAddr,
		CreatedAt:    entry.CreatedAt,
		Detail:       detailJSON,
	}
	if entry.Project != nil {
		p := entry.Project.String()
		row.Project = &p
	}
	_, err = tx.NamedExecContext(ctx, query, row)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to write audit entry")
	}
	metrics.RecordAuditWrite()
	return nil
}

// RecordAsync enqueues entry for best-effort, non-transactional
// persistence. It never blocks: a full buffer drops the entry and logs
// the drop rather than applying backpressure to the caller.
func (s *Store) RecordAsync(entry Entry) {
	select {
	case s.buffer <- entry:
	default:
		s.log.WithField("resource_type", entry.ResourceType).Warn("audit buffer full, dropping entry")
	}
}

// Run drains the buffer until ctx is cancelled or Stop is called,
// flushing in batches of up to batchSize every flushInterval.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flush(ctx, batch); err != nil {
			s.log.WithError(err).Error("failed to flush buffered audit entries")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-s.stopCh:
			flush()
			return
		case entry := <-s.buffer:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Stop signals Run to flush and exit, and waits for it to finish.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

func (s *Store) flush(ctx context.Context, batch []Entry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to begin audit flush transaction")
	}
	for _, entry := range batch {
		if err := s.Record(ctx, tx, entry); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to commit audit flush transaction")
	}
	return nil
}

// entryRow is the flat, column-shaped projection of Entry that sqlx
// binds named parameters from; Entry itself stays a pure domain type
// with no persistence-layer tags.
type entryRow struct {
	ID           string    `db:"id"`
	Actor        string    `db:"actor"`
	ActorName    string    `db:"actor_name"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Project      *string   `db:"project"`
	Detail       string    `db:"detail"`
	SourceAddr   string    `db:"source_addr"`
	CreatedAt    time.Time `db:"created_at"`
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	doc := "{}"
	var err error
	for k, v := range detail {
		doc, err = sjson.Set(doc, k, v)
		if err != nil {
			return "", err
		}
	}
	return doc, nil
}
