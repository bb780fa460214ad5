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

// Package rbac implements the permission resolver, delegation manager,
// and distributed permission cache described by the platform's
// authorization core.
package rbac

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// Cache is the distributed, regenerable store of computed permission
// sets. Every code path above it must stay correct with Cache removed
// entirely; it exists purely to keep the hot authorization path fast.
type Cache interface {
	// Get returns the cached permission set for key, and whether the key
	// was present at all (a miss is distinct from an empty set).
	Get(ctx context.Context, key string) (map[string]struct{}, bool, error)
	// Set stores perms under key with the given TTL.
	Set(ctx context.Context, key string, perms []string, ttl time.Duration) error
	// Invalidate drops a single key.
	Invalidate(ctx context.Context, key string) error
	// InvalidateRole drops every key in keys in one round trip; the
	// caller (RoleInvalidator) is responsible for computing which keys a
	// role-wide permission edit affects.
	InvalidateRole(ctx context.Context, keys []string) error
}

// RedisCache is the Cache backed by redis/go-redis/v9. Keys are
// `perm:{actor}:{project|"-"}`, values a Redis set of canonical
// permission strings.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (map[string]struct{}, bool, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "permission cache unavailable")
	}
	if len(members) == 0 {
		exists, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "permission cache unavailable")
		}
		if exists == 0 {
			return nil, false, nil
		}
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return set, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, perms []string, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	// An empty permission set still needs a cache entry distinguishing
	// "computed, empty" from "never computed"; a sentinel member does
	// that without changing Get's set-membership semantics for real
	// permission strings.
	if len(perms) == 0 {
		pipe.SAdd(ctx, key, "__empty__")
	} else {
		members := make([]any, len(perms))
		for i, p := range perms {
			members[i] = p
		}
		pipe.SAdd(ctx, key, members...)
	}
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "permission cache unavailable")
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "permission cache unavailable")
	}
	return nil
}

func (c *RedisCache) InvalidateRole(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeUnavailable, "permission cache unavailable")
	}
	return nil
}
