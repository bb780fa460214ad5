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
	"time"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

// delegationRow is the column-shaped projection of domain.Delegation
// that sqlx scans rows into.
type delegationRow struct {
	ID         string     `db:"id"`
	Delegator  string     `db:"delegator"`
	Delegate   string     `db:"delegate"`
	Permission string     `db:"permission"`
	Project    *string    `db:"project"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
	Reason     string     `db:"reason"`
}

func (row delegationRow) toDomain() (domain.Delegation, error) {
	id, err := ids.ParseDelegationID(row.ID)
	if err != nil {
		return domain.Delegation{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "delegations.id holds an invalid uuid")
	}
	delegator, err := ids.ParseUserID(row.Delegator)
	if err != nil {
		return domain.Delegation{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "delegations.delegator holds an invalid uuid")
	}
	delegate, err := ids.ParseUserID(row.Delegate)
	if err != nil {
		return domain.Delegation{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "delegations.delegate holds an invalid uuid")
	}
	perm, err := domain.ParsePermission(row.Permission)
	if err != nil {
		return domain.Delegation{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "delegations.permission holds an unrecognized value")
	}

	d := domain.Delegation{
		ID:         id,
		Delegator:  delegator,
		Delegate:   delegate,
		Permission: perm,
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
		RevokedAt:  row.RevokedAt,
		Reason:     row.Reason,
	}
	if row.Project != nil {
		pid, err := ids.ParseProjectID(*row.Project)
		if err != nil {
			return domain.Delegation{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "delegations.project holds an invalid uuid")
		}
		d.Project = &pid
	}
	return d, nil
}

func fromDomain(d domain.Delegation) delegationRow {
	row := delegationRow{
		ID:         d.ID.String(),
		Delegator:  d.Delegator.String(),
		Delegate:   d.Delegate.String(),
		Permission: string(d.Permission),
		CreatedAt:  d.CreatedAt,
		ExpiresAt:  d.ExpiresAt,
		RevokedAt:  d.RevokedAt,
		Reason:     d.Reason,
	}
	if d.Project != nil {
		p := d.Project.String()
		row.Project = &p
	}
	return row
}
