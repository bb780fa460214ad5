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
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/audit"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
	"github.com/forgebase/platform/pkg/metrics"
)

// AdminDelegationsPermission is the platform-level permission that lets
// an actor revoke a delegation they did not create.
const AdminDelegationsPermission = domain.PermAdminDelegations

// DelegationManager implements the time-bounded, revocable permission
// loan described by 4.D. Create enforces that the delegator currently
// holds the permission being delegated; both mutations invalidate the
// delegate's cache and write an audit entry.
type DelegationManager struct {
	repo     Repository
	resolver *Resolver
	sink     audit.Sink
}

// NewDelegationManager builds a DelegationManager.
func NewDelegationManager(repo Repository, resolver *Resolver, sink audit.Sink) *DelegationManager {
	return &DelegationManager{repo: repo, resolver: resolver, sink: sink}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Delegator ids.UserID
	Delegate  ids.UserID
	Permission domain.Permission
	Project   *ids.ProjectID
	ExpiresAt *time.Time
	Reason    string
	Actor     ids.UserID
}

// Create grants params.Delegate a time-bounded loan of params.Permission
// from params.Delegator, after verifying the delegator currently holds
// it and no colliding active delegation already exists.
func (m *DelegationManager) Create(ctx context.Context, tx *sqlx.Tx, params CreateParams) (domain.Delegation, error) {
	if err := ValidateDelegationReason(params.Reason); err != nil {
		return domain.Delegation{}, err
	}
	if params.ExpiresAt != nil && !params.ExpiresAt.After(time.Now()) {
		return domain.Delegation{}, apperrors.NewValidationError("expires_at must be strictly in the future")
	}

	holds, err := m.resolver.HasPermission(ctx, params.Delegator, params.Project, params.Permission)
	if err != nil {
		return domain.Delegation{}, err
	}
	if !holds {
		return domain.Delegation{}, apperrors.NewForbiddenError("delegator does not hold the permission being delegated in this scope")
	}

	existing, err := m.repo.FindActiveDelegation(ctx, params.Delegator, params.Delegate, params.Permission, params.Project)
	if err != nil {
		return domain.Delegation{}, err
	}
	if existing != nil {
		return domain.Delegation{}, apperrors.NewConflictError("an active delegation already exists for this delegator, delegate, permission, and project")
	}

	d := domain.Delegation{
		ID:         ids.NewDelegationID(),
		Delegator:  params.Delegator,
		Delegate:   params.Delegate,
		Permission: params.Permission,
		Project:    params.Project,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  params.ExpiresAt,
		Reason:     params.Reason,
	}
	if err := m.repo.InsertDelegation(ctx, tx, d); err != nil {
		return domain.Delegation{}, err
	}

	if err := m.resolver.Invalidate(ctx, params.Delegate, params.Project); err != nil {
		return domain.Delegation{}, err
	}

	entry := audit.Entry{
		ID:           ids.NewAuditID(),
		Actor:        params.Actor,
		Action:       "delegation.create",
		ResourceType: "delegation",
		ResourceID:   d.ID.String(),
		Project:      params.Project,
		Detail: map[string]any{
			"delegator":  params.Delegator.String(),
			"delegate":   params.Delegate.String(),
			"permission": string(params.Permission),
		},
		CreatedAt: d.CreatedAt,
	}
	if err := m.sink.Record(ctx, tx, entry); err != nil {
		return domain.Delegation{}, err
	}

	metrics.IncrementActiveDelegations()
	return d, nil
}

// Revoke sets revoked_at on delegation id. actor must be the delegator
// or hold admin:delegations in the delegation's scope.
func (m *DelegationManager) Revoke(ctx context.Context, tx *sqlx.Tx, id ids.DelegationID, actor ids.UserID) error {
	d, err := m.repo.GetDelegation(ctx, id)
	if err != nil {
		return err
	}

	if actor != d.Delegator {
		isAdmin, err := m.resolver.HasPermission(ctx, actor, d.Project, AdminDelegationsPermission)
		if err != nil {
			return err
		}
		if !isAdmin {
			return apperrors.NewForbiddenError("only the delegator or a delegations admin may revoke this delegation")
		}
	}

	now := time.Now().UTC()
	if err := m.repo.RevokeDelegation(ctx, tx, id, now); err != nil {
		return err
	}

	if err := m.resolver.Invalidate(ctx, d.Delegate, d.Project); err != nil {
		return err
	}

	entry := audit.Entry{
		ID:           ids.NewAuditID(),
		Actor:        actor,
		Action:       "delegation.revoke",
		ResourceType: "delegation",
		ResourceID:   id.String(),
		Project:      d.Project,
		Detail: map[string]any{
			"delegate": d.Delegate.String(),
		},
		CreatedAt: now,
	}
	if err := m.sink.Record(ctx, tx, entry); err != nil {
		return err
	}

	metrics.DecrementActiveDelegations()
	return nil
}
