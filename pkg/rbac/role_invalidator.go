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

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/ids"
)

// RoleInvalidator drops the cached permission set for every user
// currently bound to a role whose grants changed, satisfying "every
// user currently bound to that role must be invalidated."
type RoleInvalidator struct {
	repo  Repository
	cache Cache
}

// NewRoleInvalidator builds a RoleInvalidator.
func NewRoleInvalidator(repo Repository, cache Cache) *RoleInvalidator {
	return &RoleInvalidator{repo: repo, cache: cache}
}

// InvalidateRole invalidates the cache key of every (user, scope) pair
// bound to role.
func (i *RoleInvalidator) InvalidateRole(ctx context.Context, role ids.RoleID) error {
	scopes, err := i.repo.UsersBoundToRole(ctx, role)
	if err != nil {
		return err
	}

	keys := make([]string, len(scopes))
	for idx, scope := range scopes {
		keys[idx] = cacheKey(scope.UserID, scope.Project)
	}

	if err := i.cache.InvalidateRole(ctx, keys); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "failed to invalidate cache for role")
	}
	return nil
}
