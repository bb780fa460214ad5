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

// Package reconciler converges deployment rows toward their desired
// state: resolving a target image, rendering manifests, applying them
// to the orchestrator, and waiting for health, with per-row progress
// serialized by a Postgres advisory lock.
package reconciler

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

// Repository is the storage surface the reconciler runs against.
type Repository interface {
	SelectForWork(ctx context.Context, limit int) ([]domain.Deployment, error)
	TryLock(ctx context.Context, id ids.DeploymentID) (Lock, bool, error)
	SetObservedStatus(ctx context.Context, id ids.DeploymentID, status domain.DeploymentObservedStatus) error
	MarkDeployed(ctx context.Context, id ids.DeploymentID, sha string, at time.Time) error
	InsertHistory(ctx context.Context, row domain.DeploymentHistory) error
	LatestSuccessfulDeploy(ctx context.Context, deployment ids.DeploymentID, excludingImage string) (*domain.DeploymentHistory, error)
	GetOpsRepo(ctx context.Context, id ids.OpsRepoID) (domain.OpsRepo, error)
	SetBackoff(ctx context.Context, id ids.DeploymentID, consecutiveFailures int, nextEligibleAt time.Time) error
	ResetBackoff(ctx context.Context, id ids.DeploymentID) error
}

// Lock represents a held per-deployment advisory lock. Release must be
// called exactly once, regardless of the cycle's outcome.
type Lock interface {
	Release(ctx context.Context) error
}

// PostgresRepository is the production Repository implementation.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository wraps an existing connection pool.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type deploymentRow struct {
	ID                  string         `db:"id"`
	Project             string         `db:"project"`
	Environment         string         `db:"environment"`
	OpsRepo             sql.NullString `db:"ops_repo"`
	ManifestPath        string         `db:"manifest_path"`
	ImageRef            string         `db:"image_ref"`
	ValuesOverride      []byte         `db:"values_override"`
	DesiredStatus       string         `db:"desired_status"`
	ObservedStatus      string         `db:"observed_status"`
	CurrentSHA          string         `db:"current_sha"`
	DeployedBy          string         `db:"deployed_by"`
	DeployedAt          sql.NullTime   `db:"deployed_at"`
	ConsecutiveFailures int            `db:"consecutive_failures"`
	NextEligibleAt      time.Time      `db:"next_eligible_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (row deploymentRow) toDomain() (domain.Deployment, error) {
	id, err := ids.ParseDeploymentID(row.ID)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.id holds an invalid uuid")
	}
	project, err := ids.ParseProjectID(row.Project)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.project holds an invalid uuid")
	}
	environment, err := domain.ParseEnvironment(row.Environment)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.environment holds an unrecognized value")
	}
	desired, err := domain.ParseDeploymentDesiredStatus(row.DesiredStatus)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.desired_status holds an unrecognized value")
	}
	observed, err := domain.ParseDeploymentObservedStatus(row.ObservedStatus)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.observed_status holds an unrecognized value")
	}
	deployedBy, err := ids.ParseUserID(row.DeployedBy)
	if err != nil {
		return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.deployed_by holds an invalid uuid")
	}

	var values map[string]any
	if len(row.ValuesOverride) > 0 {
		if err := json.Unmarshal(row.ValuesOverride, &values); err != nil {
			return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.values_override holds malformed json")
		}
	}

	d := domain.Deployment{
		ID:                  id,
		Project:             project,
		Environment:         environment,
		ManifestPath:        row.ManifestPath,
		ImageRef:            row.ImageRef,
		ValuesOverride:      values,
		DesiredStatus:       desired,
		ObservedStatus:      observed,
		CurrentSHA:          row.CurrentSHA,
		DeployedBy:          deployedBy,
		ConsecutiveFailures: row.ConsecutiveFailures,
		NextEligibleAt:      row.NextEligibleAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if row.OpsRepo.Valid {
		opsRepo, err := ids.ParseOpsRepoID(row.OpsRepo.String)
		if err != nil {
			return domain.Deployment{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployments.ops_repo holds an invalid uuid")
		}
		d.OpsRepo = &opsRepo
	}
	if row.DeployedAt.Valid {
		at := row.DeployedAt.Time
		d.DeployedAt = &at
	}
	return d, nil
}

// SelectForWork returns up to limit deployments whose backoff window
// has elapsed and whose desired and observed state differ, whose
// image_ref has moved since the last successful deploy, or that are
// desired=rollback, ordered least-recently-updated first.
func (r *PostgresRepository) SelectForWork(ctx context.Context, limit int) ([]domain.Deployment, error) {
	const query = `
		SELECT d.id, d.project, d.environment, d.ops_repo, d.manifest_path, d.image_ref,
		       d.values_override, d.desired_status, d.observed_status, d.current_sha,
		       d.deployed_by, d.deployed_at, d.consecutive_failures, d.next_eligible_at, d.updated_at
		FROM deployments d
		WHERE d.next_eligible_at <= now()
		  AND (
		    d.desired_status != d.observed_status
		    OR d.desired_status = 'rollback'
		    OR d.image_ref != COALESCE((
		         SELECT h.image_ref FROM deployment_history h
		         WHERE h.deployment = d.id AND h.action = 'deploy' AND h.outcome = 'success'
		         ORDER BY h.created_at DESC LIMIT 1
		       ), d.image_ref)
		  )
		ORDER BY d.updated_at ASC
		LIMIT $1
	`
	var rows []deploymentRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to select deployments requiring work")
	}
	out := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type pgLock struct {
	conn *sqlx.Conn
	key  string
}

func (l *pgLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to release deployment advisory lock")
	}
	return nil
}

// TryLock attempts to take the per-deployment advisory lock on a
// dedicated connection checked out of the pool. A false, nil-error
// result means another replica currently owns the row; the caller
// should skip it this tick.
func (r *PostgresRepository) TryLock(ctx context.Context, id ids.DeploymentID) (Lock, bool, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to check out a connection for the advisory lock")
	}

	key := id.String()
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to attempt the advisory lock")
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &pgLock{conn: conn, key: key}, true, nil
}

func (r *PostgresRepository) SetObservedStatus(ctx context.Context, id ids.DeploymentID, status domain.DeploymentObservedStatus) error {
	const query = `UPDATE deployments SET observed_status = $2, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), string(status)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to update observed status")
	}
	return nil
}

func (r *PostgresRepository) MarkDeployed(ctx context.Context, id ids.DeploymentID, sha string, at time.Time) error {
	const query = `UPDATE deployments SET current_sha = $2, deployed_at = $3, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), sha, at); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to record deployed_at/current_sha")
	}
	return nil
}

func (r *PostgresRepository) InsertHistory(ctx context.Context, row domain.DeploymentHistory) error {
	const query = `
		INSERT INTO deployment_history (id, deployment, image_ref, commit_sha, action, outcome, actor, message, created_at)
		VALUES (:id, :deployment, :image_ref, :commit_sha, :action, :outcome, :actor, :message, :created_at)
	`
	payload := struct {
		ID         string    `db:"id"`
		Deployment string    `db:"deployment"`
		ImageRef   string    `db:"image_ref"`
		CommitSHA  string    `db:"commit_sha"`
		Action     string    `db:"action"`
		Outcome    string    `db:"outcome"`
		Actor      string    `db:"actor"`
		Message    string    `db:"message"`
		CreatedAt  time.Time `db:"created_at"`
	}{
		ID:         row.ID.String(),
		Deployment: row.Deployment.String(),
		ImageRef:   row.ImageRef,
		CommitSHA:  row.CommitSHA,
		Action:     string(row.Action),
		Outcome:    string(row.Outcome),
		Actor:      row.Actor.String(),
		Message:    row.Message,
		CreatedAt:  row.CreatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, query, payload); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to insert deployment history row")
	}
	return nil
}

func (r *PostgresRepository) LatestSuccessfulDeploy(ctx context.Context, deployment ids.DeploymentID, excludingImage string) (*domain.DeploymentHistory, error) {
	const query = `
		SELECT id, deployment, image_ref, commit_sha, action, outcome, actor, message, created_at
		FROM deployment_history
		WHERE deployment = $1 AND action = 'deploy' AND outcome = 'success' AND image_ref != $2
		ORDER BY created_at DESC LIMIT 1
	`
	var row struct {
		ID         string    `db:"id"`
		Deployment string    `db:"deployment"`
		ImageRef   string    `db:"image_ref"`
		CommitSHA  string    `db:"commit_sha"`
		Action     string    `db:"action"`
		Outcome    string    `db:"outcome"`
		Actor      string    `db:"actor"`
		Message    string    `db:"message"`
		CreatedAt  time.Time `db:"created_at"`
	}
	if err := r.db.GetContext(ctx, &row, query, deployment.String(), excludingImage); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to fetch the last successful deploy")
	}

	id, err := ids.ParseDeploymentHistoryID(row.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployment_history.id holds an invalid uuid")
	}
	actor, err := ids.ParseUserID(row.Actor)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployment_history.actor holds an invalid uuid")
	}
	action, err := domain.ParseDeploymentAction(row.Action)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployment_history.action holds an unrecognized value")
	}
	outcome, err := domain.ParseDeploymentOutcome(row.Outcome)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "deployment_history.outcome holds an unrecognized value")
	}
	h := &domain.DeploymentHistory{
		ID:         id,
		Deployment: deployment,
		ImageRef:   row.ImageRef,
		CommitSHA:  row.CommitSHA,
		Action:     action,
		Outcome:    outcome,
		Actor:      actor,
		Message:    row.Message,
		CreatedAt:  row.CreatedAt,
	}
	return h, nil
}

func (r *PostgresRepository) GetOpsRepo(ctx context.Context, id ids.OpsRepoID) (domain.OpsRepo, error) {
	const query = `SELECT id, name, remote_url, branch, subpath, poll_interval, last_synced_at, last_commit FROM ops_repos WHERE id = $1`
	var row struct {
		ID           string         `db:"id"`
		Name         string         `db:"name"`
		RemoteURL    string         `db:"remote_url"`
		Branch       string         `db:"branch"`
		Subpath      string         `db:"subpath"`
		PollInterval time.Duration  `db:"poll_interval"`
		LastSyncedAt sql.NullTime   `db:"last_synced_at"`
		LastCommit   sql.NullString `db:"last_commit"`
	}
	if err := r.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return domain.OpsRepo{}, apperrors.NewNotFoundError("ops repo")
		}
		return domain.OpsRepo{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to fetch ops repo")
	}
	opsRepoID, err := ids.ParseOpsRepoID(row.ID)
	if err != nil {
		return domain.OpsRepo{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "ops_repos.id holds an invalid uuid")
	}
	o := domain.OpsRepo{
		ID:           opsRepoID,
		Name:         row.Name,
		RemoteURL:    row.RemoteURL,
		Branch:       row.Branch,
		Subpath:      row.Subpath,
		PollInterval: row.PollInterval,
	}
	if row.LastSyncedAt.Valid {
		at := row.LastSyncedAt.Time
		o.LastSyncedAt = &at
	}
	if row.LastCommit.Valid {
		o.LastCommit = row.LastCommit.String
	}
	return o, nil
}

// ListOpsRepos returns every registered ops-repo, for the periodic
// sync scheduler started alongside the reconciler. It is not part of
// Repository since the reconcile cycle only ever needs one row at a
// time via GetOpsRepo.
func (r *PostgresRepository) ListOpsRepos(ctx context.Context) ([]domain.OpsRepo, error) {
	const query = `SELECT id, name, remote_url, branch, subpath, poll_interval, last_synced_at, last_commit FROM ops_repos ORDER BY name ASC`
	var rows []struct {
		ID           string         `db:"id"`
		Name         string         `db:"name"`
		RemoteURL    string         `db:"remote_url"`
		Branch       string         `db:"branch"`
		Subpath      string         `db:"subpath"`
		PollInterval time.Duration  `db:"poll_interval"`
		LastSyncedAt sql.NullTime   `db:"last_synced_at"`
		LastCommit   sql.NullString `db:"last_commit"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list ops repos")
	}
	out := make([]domain.OpsRepo, 0, len(rows))
	for _, row := range rows {
		opsRepoID, err := ids.ParseOpsRepoID(row.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "ops_repos.id holds an invalid uuid")
		}
		o := domain.OpsRepo{
			ID:           opsRepoID,
			Name:         row.Name,
			RemoteURL:    row.RemoteURL,
			Branch:       row.Branch,
			Subpath:      row.Subpath,
			PollInterval: row.PollInterval,
		}
		if row.LastSyncedAt.Valid {
			at := row.LastSyncedAt.Time
			o.LastSyncedAt = &at
		}
		if row.LastCommit.Valid {
			o.LastCommit = row.LastCommit.String
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *PostgresRepository) SetBackoff(ctx context.Context, id ids.DeploymentID, consecutiveFailures int, nextEligibleAt time.Time) error {
	const query = `UPDATE deployments SET consecutive_failures = $2, next_eligible_at = $3, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), consecutiveFailures, nextEligibleAt); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to persist backoff state")
	}
	return nil
}

func (r *PostgresRepository) ResetBackoff(ctx context.Context, id ids.DeploymentID) error {
	const query = `UPDATE deployments SET consecutive_failures = 0, next_eligible_at = now(), updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to reset backoff state")
	}
	return nil
}
