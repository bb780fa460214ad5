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

package rbac

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

// UserScope pairs a user with the scope (project, or none for global) a
// role assignment or delegation applies to.
type UserScope struct {
	UserID  ids.UserID
	Project *ids.ProjectID
}

// Repository is the storage surface the resolver and delegation manager
// run against. No ORM: hand-written SQL via sqlx, per the teacher's
// jmoiron/sqlx + jackc/pgx/v5 pairing.
type Repository interface {
	// EffectivePermissions unions every permission granted by a role
	// assignment matching (actor, project_or_none) with the permission of
	// every active delegation matching the same scope.
	EffectivePermissions(ctx context.Context, actor ids.UserID, project *ids.ProjectID) ([]domain.Permission, error)

	// FindActiveDelegation looks up a delegation for the exact
	// (delegator, delegate, permission, project) tuple, ignoring
	// revoked/expired rows.
	FindActiveDelegation(ctx context.Context, delegator, delegate ids.UserID, perm domain.Permission, project *ids.ProjectID) (*domain.Delegation, error)

	// InsertDelegation persists a new delegation row. When tx is
	// non-nil the insert runs on it, joining the caller's mutation
	// transaction so both commit or both roll back together; a nil tx
	// runs directly against the pool.
	InsertDelegation(ctx context.Context, tx *sqlx.Tx, d domain.Delegation) error

	// GetDelegation fetches a delegation by id.
	GetDelegation(ctx context.Context, id ids.DelegationID) (*domain.Delegation, error)

	// RevokeDelegation sets revoked_at on a delegation row, running on
	// tx when non-nil for the same reason as InsertDelegation.
	RevokeDelegation(ctx context.Context, tx *sqlx.Tx, id ids.DelegationID, revokedAt time.Time) error

	// UsersBoundToRole lists every (user, scope) pair currently assigned
	// the given role, for role-wide cache invalidation.
	UsersBoundToRole(ctx context.Context, role ids.RoleID) ([]UserScope, error)
}

// PostgresRepository is the production Repository implementation.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository wraps an existing connection pool.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EffectivePermissions(ctx context.Context, actor ids.UserID, project *ids.ProjectID) ([]domain.Permission, error) {
	const query = `
		SELECT DISTINCT rg.permission
		FROM user_role_assignments ura
		JOIN role_grants rg ON rg.role_id = ura.role_id
		WHERE ura.user_id = $1
		  AND (ura.project IS NULL OR ura.project = $2)
		UNION
		SELECT DISTINCT d.permission
		FROM delegations d
		WHERE d.delegate = $1
		  AND (d.project IS NULL OR d.project = $2)
		  AND d.revoked_at IS NULL
		  AND (d.expires_at IS NULL OR d.expires_at > now())
	`
	var projectArg any
	if project != nil {
		projectArg = project.String()
	}

	var raw []string
	if err := r.db.SelectContext(ctx, &raw, query, actor.String(), projectArg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to compute effective permissions")
	}

	perms := make([]domain.Permission, 0, len(raw))
	for _, s := range raw {
		p, err := domain.ParsePermission(s)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "permission column holds an unrecognized value")
		}
		perms = append(perms, p)
	}
	return perms, nil
}

func (r *PostgresRepository) FindActiveDelegation(ctx context.Context, delegator, delegate ids.UserID, perm domain.Permission, project *ids.ProjectID) (*domain.Delegation, error) {
	const query = `
		SELECT id, delegator, delegate, permission, project, created_at, expires_at, revoked_at, reason
		FROM delegations
		WHERE delegator = $1 AND delegate = $2 AND permission = $3
		  AND ((project IS NULL AND $4::uuid IS NULL) OR project = $4)
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())
		LIMIT 1
	`
	var projectArg any
	if project != nil {
		projectArg = project.String()
	}

	var row delegationRow
	err := r.db.GetContext(ctx, &row, query, delegator.String(), delegate.String(), string(perm), projectArg)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to look up delegation")
	}
	d, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) InsertDelegation(ctx context.Context, tx *sqlx.Tx, d domain.Delegation) error {
	const query = `
		INSERT INTO delegations (id, delegator, delegate, permission, project, created_at, expires_at, revoked_at, reason)
		VALUES (:id, :delegator, :delegate, :permission, :project, :created_at, :expires_at, :revoked_at, :reason)
	`
	row := fromDomain(d)
	if _, err := sqlx.NamedExecContext(ctx, r.execer(tx), query, row); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to insert delegation")
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

func (r *PostgresRepository) GetDelegation(ctx context.Context, id ids.DelegationID) (*domain.Delegation, error) {
	const query = `
		SELECT id, delegator, delegate, permission, project, created_at, expires_at, revoked_at, reason
		FROM delegations WHERE id = $1
	`
	var row delegationRow
	if err := r.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("delegation")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to fetch delegation")
	}
	d, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PostgresRepository) RevokeDelegation(ctx context.Context, tx *sqlx.Tx, id ids.DelegationID, revokedAt time.Time) error {
	const query = `UPDATE delegations SET revoked_at = $2 WHERE id = $1`
	if _, err := r.execer(tx).ExecContext(ctx, query, id.String(), revokedAt); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to revoke delegation")
	}
	return nil
}

func (r *PostgresRepository) UsersBoundToRole(ctx context.Context, role ids.RoleID) ([]UserScope, error) {
	const query = `SELECT user_id, project FROM user_role_assignments WHERE role_id = $1`
	var rows []struct {
		UserID  string  `db:"user_id"`
		Project *string `db:"project"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, role.String()); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to list role assignees")
	}

	scopes := make([]UserScope, 0, len(rows))
	for _, row := range rows {
		uid, err := ids.ParseUserID(row.UserID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "user_id column holds an invalid uuid")
		}
		scope := UserScope{UserID: uid}
		if row.Project != nil {
			pid, err := ids.ParseProjectID(*row.Project)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "project column holds an invalid uuid")
			}
			scope.Project = &pid
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// EnsureAdminRole idempotently creates the built-in "admin" system role
// granting every permission in domain.AllPermissions, so a freshly
// migrated database always has one role an operator can bind their own
// account to instead of hand-writing role_grants rows. It is safe to
// call on every startup: existing grants are left untouched.
func (r *PostgresRepository) EnsureAdminRole(ctx context.Context) (ids.RoleID, error) {
	const roleName = "admin"

	var idStr string
	err := r.db.GetContext(ctx, &idStr, `SELECT id FROM roles WHERE name = $1`, roleName)
	if err == sql.ErrNoRows {
		roleID := ids.NewRoleID()
		idStr = roleID.String()
		if _, err := r.db.ExecContext(ctx, `INSERT INTO roles (id, name, is_system) VALUES ($1, $2, true)`, idStr, roleName); err != nil {
			return ids.RoleID{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to create admin role")
		}
	} else if err != nil {
		return ids.RoleID{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to look up admin role")
	}

	roleID, err := ids.ParseRoleID(idStr)
	if err != nil {
		return ids.RoleID{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "roles.id holds an invalid uuid")
	}

	for _, p := range domain.AllPermissions() {
		const grant = `INSERT INTO role_grants (role_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		if _, err := r.db.ExecContext(ctx, grant, idStr, string(p)); err != nil {
			return ids.RoleID{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to grant permission to admin role")
		}
	}

	return roleID, nil
}
