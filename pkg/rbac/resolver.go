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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
	"github.com/forgebase/platform/pkg/metrics"
)

// Resolver answers "may actor A perform permission P in scope S?" by
// unioning role grants and active delegations, with a cache in front of
// the repository query.
type Resolver struct {
	repo    Repository
	cache   Cache
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	log     *logrus.Entry
}

// NewResolver builds a Resolver. ttl bounds how long a computed
// permission set is trusted before the next check recomputes it.
func NewResolver(repo Repository, cache Cache, ttl time.Duration, logger *logrus.Logger) *Resolver {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rbac-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Resolver{
		repo:    repo,
		cache:   cache,
		breaker: breaker,
		ttl:     ttl,
		log:     logger.WithField("component", "rbac_resolver"),
	}
}

func cacheKey(actor ids.UserID, project *ids.ProjectID) string {
	scope := "-"
	if project != nil {
		scope = project.String()
	}
	return fmt.Sprintf("perm:%s:%s", actor.String(), scope)
}

// HasPermission reports whether actor may perform perm in the given
// scope. A nil project means a global check; callers passing a project
// accept either a project-scoped or a global grant as satisfying.
func (r *Resolver) HasPermission(ctx context.Context, actor ids.UserID, project *ids.ProjectID, perm domain.Permission) (bool, error) {
	key := cacheKey(actor, project)

	set, ok, cacheErr := r.cachedSet(ctx, key)
	if cacheErr != nil {
		r.log.WithError(cacheErr).WithField("cache_degraded", true).Warn("permission cache unavailable, recomputing")
		ok = false
	}

	if ok {
		metrics.RecordCacheHit()
		_, has := set[string(perm)]
		metrics.RecordPermissionCheck(resultLabel(has))
		return has, nil
	}

	metrics.RecordCacheMiss()
	perms, err := r.repo.EffectivePermissions(ctx, actor, project)
	if err != nil {
		return false, err
	}

	strs := make([]string, len(perms))
	has := false
	for i, p := range perms {
		strs[i] = string(p)
		if p == perm {
			has = true
		}
	}

	if _, err := r.breaker.Execute(func() (any, error) {
		return nil, r.cache.Set(ctx, key, strs, r.ttl)
	}); err != nil {
		r.log.WithError(err).WithField("cache_degraded", true).Warn("failed to populate permission cache")
	}

	metrics.RecordPermissionCheck(resultLabel(has))
	return has, nil
}

// Invalidate drops the cached permission set for (actor, project).
func (r *Resolver) Invalidate(ctx context.Context, actor ids.UserID, project *ids.ProjectID) error {
	key := cacheKey(actor, project)
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, r.cache.Invalidate(ctx, key)
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "failed to invalidate permission cache")
	}
	return nil
}

func (r *Resolver) cachedSet(ctx context.Context, key string) (map[string]struct{}, bool, error) {
	result, err := r.breaker.Execute(func() (any, error) {
		set, ok, err := r.cache.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return cachedLookup{set, ok}, nil
	})
	if err != nil {
		return nil, false, err
	}
	lookup := result.(cachedLookup)
	return lookup.set, lookup.ok, nil
}

type cachedLookup struct {
	set map[string]struct{}
	ok  bool
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
