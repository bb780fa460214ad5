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
)

// fakeRepository is an in-memory Repository double used across the
// package's tests in place of a Postgres connection.
type fakeRepository struct {
	perms       map[ids.UserID][]domain.Permission
	delegations map[ids.DelegationID]domain.Delegation
	scopes      map[ids.RoleID][]UserScope
	effectiveErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		perms:       map[ids.UserID][]domain.Permission{},
		delegations: map[ids.DelegationID]domain.Delegation{},
		scopes:      map[ids.RoleID][]UserScope{},
	}
}

func (r *fakeRepository) EffectivePermissions(_ context.Context, actor ids.UserID, project *ids.ProjectID) ([]domain.Permission, error) {
	if r.effectiveErr != nil {
		return nil, r.effectiveErr
	}
	perms := append([]domain.Permission(nil), r.perms[actor]...)
	for _, d := range r.delegations {
		if d.Delegate == actor && (d.Project == nil || sameScope(d.Project, project)) && d.Active(time.Now()) {
			perms = append(perms, d.Permission)
		}
	}
	return perms, nil
}

func (r *fakeRepository) FindActiveDelegation(_ context.Context, delegator, delegate ids.UserID, perm domain.Permission, project *ids.ProjectID) (*domain.Delegation, error) {
	for _, d := range r.delegations {
		if d.Delegator == delegator && d.Delegate == delegate && d.Permission == perm && sameScope(d.Project, project) && d.Active(time.Now()) {
			found := d
			return &found, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) InsertDelegation(_ context.Context, _ *sqlx.Tx, d domain.Delegation) error {
	r.delegations[d.ID] = d
	return nil
}

func (r *fakeRepository) GetDelegation(_ context.Context, id ids.DelegationID) (*domain.Delegation, error) {
	d, ok := r.delegations[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("delegation")
	}
	return &d, nil
}

func (r *fakeRepository) RevokeDelegation(_ context.Context, _ *sqlx.Tx, id ids.DelegationID, revokedAt time.Time) error {
	d, ok := r.delegations[id]
	if !ok {
		return apperrors.NewNotFoundError("delegation")
	}
	d.RevokedAt = &revokedAt
	r.delegations[id] = d
	return nil
}

func (r *fakeRepository) UsersBoundToRole(_ context.Context, role ids.RoleID) ([]UserScope, error) {
	return r.scopes[role], nil
}

func sameScope(a, b *ids.ProjectID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// fakeSink is an audit.Sink double that records entries in memory.
type fakeSink struct {
	entries []audit.Entry
}

func (s *fakeSink) Record(_ context.Context, _ *sqlx.Tx, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}
