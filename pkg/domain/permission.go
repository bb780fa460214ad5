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

// Package domain holds the closed enumerations that make up the
// platform's data model: the permission vocabulary and the status
// machines for deployments and previews. Every enum here is persisted
// as its canonical lowercase string and decoded through an explicit
// Parse function — an unrecognized string is a validation-typed error,
// never silently coerced to a zero value; the storage decoders wrap it
// as an internal error.
package domain

import (
	"fmt"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// Permission is a canonical "resource:action" string. The vocabulary is
// closed and declared below; ParsePermission rejects anything not in it.
type Permission string

const (
	PermProjectRead   Permission = "project:read"
	PermProjectWrite  Permission = "project:write"
	PermProjectAdmin  Permission = "project:admin"
	PermDeployRead    Permission = "deploy:read"
	PermDeployPromote Permission = "deploy:promote"
	PermAdminUsers    Permission = "admin:users"
	PermAdminRoles    Permission = "admin:roles"
	PermAdminDelegations Permission = "admin:delegations"
	PermPipelineRead  Permission = "pipeline:read"
	PermPipelineWrite Permission = "pipeline:write"
	PermPipelineCancel Permission = "pipeline:cancel"
	PermSecretRead    Permission = "secret:read"
	PermSecretWrite   Permission = "secret:write"
	PermObserveRead   Permission = "observe:read"
	PermAuditRead     Permission = "audit:read"
)

// allPermissions is the closed vocabulary, declared once at package init.
var allPermissions = map[Permission]struct{}{
	PermProjectRead:      {},
	PermProjectWrite:     {},
	PermProjectAdmin:     {},
	PermDeployRead:       {},
	PermDeployPromote:    {},
	PermAdminUsers:       {},
	PermAdminRoles:       {},
	PermAdminDelegations: {},
	PermPipelineRead:     {},
	PermPipelineWrite:    {},
	PermPipelineCancel:   {},
	PermSecretRead:       {},
	PermSecretWrite:      {},
	PermObserveRead:      {},
	PermAuditRead:        {},
}

// AllPermissions returns every permission in the closed vocabulary.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(allPermissions))
	for p := range allPermissions {
		out = append(out, p)
	}
	return out
}

// ParsePermission validates that s is a member of the closed vocabulary
// and returns it as a Permission. An unrecognized string is a BadRequest
// at the API boundary and an Internal error when decoded from storage —
// callers choose which by wrapping the returned error appropriately.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if _, ok := allPermissions[p]; !ok {
		return "", apperrors.NewValidationError(fmt.Sprintf("unknown permission %q", s))
	}
	return p, nil
}

// String returns the canonical "resource:action" form.
func (p Permission) String() string { return string(p) }
