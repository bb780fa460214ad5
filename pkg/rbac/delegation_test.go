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
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

var _ = Describe("DelegationManager", func() {
	var (
		mr        *miniredis.Miniredis
		client    *redis.Client
		repo      *fakeRepository
		resolver  *Resolver
		sink      *fakeSink
		manager   *DelegationManager
		ctx       context.Context
		delegator ids.UserID
		delegate  ids.UserID
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		repo = newFakeRepository()
		logger := logrus.New()
		logger.SetOutput(GinkgoWriter)
		resolver = NewResolver(repo, NewRedisCache(client), time.Minute, logger)
		sink = &fakeSink{}
		manager = NewDelegationManager(repo, resolver, sink)
		ctx = context.Background()
		delegator = ids.NewUserID()
		delegate = ids.NewUserID()
	})

	AfterEach(func() {
		client.Close()
		mr.Close()
	})

	baseParams := func() CreateParams {
		return CreateParams{
			Delegator:  delegator,
			Delegate:   delegate,
			Permission: domain.PermDeployPromote,
			Reason:     "covering on-call rotation",
			Actor:      delegator,
		}
	}

	It("rejects a delegator who does not hold the permission", func() {
		_, err := manager.Create(ctx, nil, baseParams())
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeForbidden))
	})

	It("creates a delegation and writes an audit entry once the delegator holds the permission", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}

		d, err := manager.Create(ctx, nil, baseParams())
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Delegate).To(Equal(delegate))
		Expect(d.RevokedAt).To(BeNil())

		Expect(sink.entries).To(HaveLen(1))
		Expect(sink.entries[0].Action).To(Equal("delegation.create"))

		has, err := resolver.HasPermission(ctx, delegate, nil, domain.PermDeployPromote)
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeTrue())
	})

	It("rejects an empty or too-short reason", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		params := baseParams()
		params.Reason = "short"

		_, err := manager.Create(ctx, nil, params)
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeValidation))
	})

	It("rejects an expiry in the past", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		past := time.Now().Add(-time.Hour)
		params := baseParams()
		params.ExpiresAt = &past

		_, err := manager.Create(ctx, nil, params)
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeValidation))
	})

	It("rejects a colliding active delegation for the same tuple", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		_, err := manager.Create(ctx, nil, baseParams())
		Expect(err).NotTo(HaveOccurred())

		_, err = manager.Create(ctx, nil, baseParams())
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeConflict))
	})

	It("lets the delegator revoke their own delegation and invalidates the delegate's cache", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		d, err := manager.Create(ctx, nil, baseParams())
		Expect(err).NotTo(HaveOccurred())

		_, err = resolver.HasPermission(ctx, delegate, nil, domain.PermDeployPromote)
		Expect(err).NotTo(HaveOccurred())

		Expect(manager.Revoke(ctx, nil, d.ID, delegator)).To(Succeed())

		stored, err := repo.GetDelegation(ctx, d.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.RevokedAt).NotTo(BeNil())

		has, err := resolver.HasPermission(ctx, delegate, nil, domain.PermDeployPromote)
		Expect(err).NotTo(HaveOccurred())
		Expect(has).To(BeFalse())
	})

	It("forbids a third party without admin:delegations from revoking", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		d, err := manager.Create(ctx, nil, baseParams())
		Expect(err).NotTo(HaveOccurred())

		bystander := ids.NewUserID()
		err = manager.Revoke(ctx, nil, d.ID, bystander)
		Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeForbidden))
	})

	It("lets a delegations admin revoke someone else's delegation", func() {
		repo.perms[delegator] = []domain.Permission{domain.PermDeployPromote}
		d, err := manager.Create(ctx, nil, baseParams())
		Expect(err).NotTo(HaveOccurred())

		admin := ids.NewUserID()
		repo.perms[admin] = []domain.Permission{domain.PermAdminDelegations}

		Expect(manager.Revoke(ctx, nil, d.ID, admin)).To(Succeed())
	})
})
