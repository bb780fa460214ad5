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

// Package preview implements ephemeral, branch-scoped preview
// deployments: slug assignment, CRUD, and TTL expiry sweeping.
package preview

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

// Repository is the storage surface the Manager runs against.
type Repository interface {
	SlugExists(ctx context.Context, project ids.ProjectID, slug string) (bool, error)

	// Insert persists p. When tx is non-nil the insert runs on it,
	// joining the caller's mutation transaction so the row and its
	// paired audit entry commit or roll back together; a nil tx runs
	// directly against the pool.
	Insert(ctx context.Context, tx *sqlx.Tx, p domain.PreviewDeployment) error
	ListByProject(ctx context.Context, project ids.ProjectID) ([]domain.PreviewDeployment, error)
	GetBySlug(ctx context.Context, project ids.ProjectID, slug string) (*domain.PreviewDeployment, error)

	// SetDesiredStatus updates id's desired status, running on tx when
	// non-nil for the same reason as Insert.
	SetDesiredStatus(ctx context.Context, tx *sqlx.Tx, id ids.PreviewID, status domain.PreviewDesiredStatus) error
	ListExpired(ctx context.Context, now time.Time) ([]domain.PreviewDeployment, error)

	// SelectForWork returns every preview deployment whose observed
	// status has not yet converged to its desired status, up to limit
	// rows, for the reconciler's preview convergence pass.
	SelectForWork(ctx context.Context, limit int) ([]domain.PreviewDeployment, error)

	// SetObservedStatus persists a preview's observed-status
	// transition. Not transactional: convergence state is not paired
	// with an audit entry the way CRUD mutations are.
	SetObservedStatus(ctx context.Context, id ids.PreviewID, status domain.PreviewObservedStatus) error
}

// PostgresRepository is the production Repository implementation.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository wraps an existing connection pool.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type previewRow struct {
	ID             string    `db:"id"`
	Project        string    `db:"project"`
	Branch         string    `db:"branch"`
	Slug           string    `db:"slug"`
	ImageRef       string    `db:"image_ref"`
	DesiredStatus  string    `db:"desired_status"`
	ObservedStatus string    `db:"observed_status"`
	TTLHours       int       `db:"ttl_hours"`
	ExpiresAt      time.Time `db:"expires_at"`
}

func (row previewRow) toDomain() (domain.PreviewDeployment, error) {
	id, err := ids.ParsePreviewID(row.ID)
	if err != nil {
		return domain.PreviewDeployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preview_deployments.id holds an invalid uuid")
	}
	project, err := ids.ParseProjectID(row.Project)
	if err != nil {
		return domain.PreviewDeployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preview_deployments.project holds an invalid uuid")
	}
	desired, err := domain.ParsePreviewDesiredStatus(row.DesiredStatus)
	if err != nil {
		return domain.PreviewDeployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preview_deployments.desired_status holds an unrecognized value")
	}
	observed, err := domain.ParsePreviewObservedStatus(row.ObservedStatus)
	if err != nil {
		return domain.PreviewDeployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "preview_deployments.observed_status holds an unrecognized value")
	}
	return domain.PreviewDeployment{
		ID:             id,
		Project:        project,
		Branch:         row.Branch,
		Slug:           row.Slug,
		ImageRef:       row.ImageRef,
		DesiredStatus:  desired,
		ObservedStatus: observed,
		TTLHours:       row.TTLHours,
		ExpiresAt:      row.ExpiresAt,
	}, nil
}

func fromDomain(p domain.PreviewDeployment) previewRow {
	return previewRow{
		ID:             p.ID.String(),
		Project:        p.Project.String(),
		Branch:         p.Branch,
		Slug:           p.Slug,
		ImageRef:       p.ImageRef,
		DesiredStatus:  string(p.DesiredStatus),
		ObservedStatus: string(p.ObservedStatus),
		TTLHours:       p.TTLHours,
		ExpiresAt:      p.ExpiresAt,
	}
}

func (r *PostgresRepository) SlugExists(ctx context.Context, project ids.ProjectID, slug string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM preview_deployments WHERE project = $1 AND slug = $2)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, project.String(), slug); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to check preview slug uniqueness")
	}
	return exists, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, tx *sqlx.Tx, p domain.PreviewDeployment) error {
	const query = `
		INSERT INTO preview_deployments (id, project, branch, slug, image_ref, desired_status, observed_status, ttl_hours, expires_at)
		VALUES (:id, :project, :branch, :slug, :image_ref, :desired_status, :observed_status, :ttl_hours, :expires_at)
	`
	if _, err := sqlx.NamedExecContext(ctx, r.execer(tx), query, fromDomain(p)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to insert preview deployment")
	}
	return nil
}

// execer returns tx if the caller supplied one, so the write joins its
// transaction, and falls back to the pool otherwise.
func (r *PostgresRepository) execer(tx *sqlx.Tx) sqlx.ExtContext {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *PostgresRepository) ListByProject(ctx context.Context, project ids.ProjectID) ([]domain.PreviewDeployment, error) {
	const query = `
		SELECT id, project, branch, slug, image_ref, desired_status, observed_status, ttl_hours, expires_at
		FROM preview_deployments WHERE project = $1 ORDER BY expires_at ASC
	`
	var rows []previewRow
	if err := r.db.SelectContext(ctx, &rows, query, project.String()); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list preview deployments")
	}
	return toDomainSlice(rows)
}

func (r *PostgresRepository) GetBySlug(ctx context.Context, project ids.ProjectID, slug string) (*domain.PreviewDeployment, error) {
	const query = `
		SELECT id, project, branch, slug, image_ref, desired_status, observed_status, ttl_hours, expires_at
		FROM preview_deployments WHERE project = $1 AND slug = $2
	`
	var row previewRow
	if err := r.db.GetContext(ctx, &row, query, project.String(), slug); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("preview deployment")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to fetch preview deployment")
	}
	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) SetDesiredStatus(ctx context.Context, tx *sqlx.Tx, id ids.PreviewID, status domain.PreviewDesiredStatus) error {
	const query = `UPDATE preview_deployments SET desired_status = $2 WHERE id = $1`
	if _, err := r.execer(tx).ExecContext(ctx, query, id.String(), string(status)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to update preview desired status")
	}
	return nil
}

func (r *PostgresRepository) SetObservedStatus(ctx context.Context, id ids.PreviewID, status domain.PreviewObservedStatus) error {
	const query = `UPDATE preview_deployments SET observed_status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), string(status)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to update preview observed status")
	}
	return nil
}

func (r *PostgresRepository) SelectForWork(ctx context.Context, limit int) ([]domain.PreviewDeployment, error) {
	const query = `
		SELECT id, project, branch, slug, image_ref, desired_status, observed_status, ttl_hours, expires_at
		FROM preview_deployments
		WHERE (desired_status = 'active' AND observed_status <> 'healthy')
		   OR (desired_status = 'stopped' AND observed_status <> 'stopped')
		ORDER BY expires_at ASC
		LIMIT $1
	`
	var rows []previewRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to select preview deployments requiring work")
	}
	return toDomainSlice(rows)
}

func (r *PostgresRepository) ListExpired(ctx context.Context, now time.Time) ([]domain.PreviewDeployment, error) {
	const query = `
		SELECT id, project, branch, slug, image_ref, desired_status, observed_status, ttl_hours, expires_at
		FROM preview_deployments WHERE expires_at < $1 AND desired_status = 'active'
	`
	var rows []previewRow
	if err := r.db.SelectContext(ctx, &rows, query, now); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list expired preview deployments")
	}
	return toDomainSlice(rows)
}

func toDomainSlice(rows []previewRow) ([]domain.PreviewDeployment, error) {
	out := make([]domain.PreviewDeployment, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
