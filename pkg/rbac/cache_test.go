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

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/forgebase/platform/internal/errors"
)

var _ = Describe("RedisCache", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
		cache  *RedisCache
		ctx    context.Context
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cache = NewRedisCache(client)
		ctx = context.Background()
	})

	AfterEach(func() {
		client.Close()
		mr.Close()
	})

	It("reports a miss for a key that was never set", func() {
		_, ok, err := cache.Get(ctx, "perm:unknown:-")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("round-trips a non-empty permission set", func() {
		Expect(cache.Set(ctx, "perm:u1:-", []string{"project:read", "deploy:promote"}, time.Minute)).To(Succeed())

		set, ok, err := cache.Get(ctx, "perm:u1:-")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(set).To(HaveKey("project:read"))
		Expect(set).To(HaveKey("deploy:promote"))
	})

	It("distinguishes a computed-empty set from never-computed", func() {
		Expect(cache.Set(ctx, "perm:u2:-", nil, time.Minute)).To(Succeed())

		set, ok, err := cache.Get(ctx, "perm:u2:-")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(set).NotTo(HaveKey("project:read"))
	})

	It("expires entries after the given TTL", func() {
		Expect(cache.Set(ctx, "perm:u3:-", []string{"project:read"}, time.Second)).To(Succeed())
		mr.FastForward(2 * time.Second)

		_, ok, err := cache.Get(ctx, "perm:u3:-")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("invalidates a single key", func() {
		Expect(cache.Set(ctx, "perm:u4:-", []string{"project:read"}, time.Minute)).To(Succeed())
		Expect(cache.Invalidate(ctx, "perm:u4:-")).To(Succeed())

		_, ok, err := cache.Get(ctx, "perm:u4:-")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("invalidates a batch of keys in one call", func() {
		Expect(cache.Set(ctx, "perm:u5:-", []string{"project:read"}, time.Minute)).To(Succeed())
		Expect(cache.Set(ctx, "perm:u6:-", []string{"project:read"}, time.Minute)).To(Succeed())

		Expect(cache.InvalidateRole(ctx, []string{"perm:u5:-", "perm:u6:-"})).To(Succeed())

		_, ok5, _ := cache.Get(ctx, "perm:u5:-")
		_, ok6, _ := cache.Get(ctx, "perm:u6:-")
		Expect(ok5).To(BeFalse())
		Expect(ok6).To(BeFalse())
	})

	It("surfaces a connection failure as an unavailable error", func() {
		mr.Close()
		_, _, err := cache.Get(ctx, "perm:down:-")
		Expect(err).To(HaveOccurred())
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeUnavailable))
	})
})
