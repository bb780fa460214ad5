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

package preview

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/audit"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

type fakePreviewRepo struct {
	byID map[ids.PreviewID]domain.PreviewDeployment
}

func newFakePreviewRepo() *fakePreviewRepo {
	return &fakePreviewRepo{byID: map[ids.PreviewID]domain.PreviewDeployment{}}
}

func (r *fakePreviewRepo) SlugExists(_ context.Context, project ids.ProjectID, slug string) (bool, error) {
	for _, p := range r.byID {
		if p.Project == project && p.Slug == slug {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakePreviewRepo) Insert(_ context.Context, _ *sqlx.Tx, p domain.PreviewDeployment) error {
	r.byID[p.ID] = p
	return nil
}

func (r *fakePreviewRepo) ListByProject(_ context.Context, project ids.ProjectID) ([]domain.PreviewDeployment, error) {
	var out []domain.PreviewDeployment
	for _, p := range r.byID {
		if p.Project == project {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakePreviewRepo) GetBySlug(_ context.Context, project ids.ProjectID, slug string) (*domain.PreviewDeployment, error) {
	for _, p := range r.byID {
		if p.Project == project && p.Slug == slug {
			found := p
			return &found, nil
		}
	}
	return nil, apperrors.NewNotFoundError("preview deployment")
}

func (r *fakePreviewRepo) SetDesiredStatus(_ context.Context, _ *sqlx.Tx, id ids.PreviewID, status domain.PreviewDesiredStatus) error {
	p, ok := r.byID[id]
	if !ok {
		return apperrors.NewNotFoundError("preview deployment")
	}
	p.DesiredStatus = status
	r.byID[id] = p
	return nil
}

func (r *fakePreviewRepo) SetObservedStatus(_ context.Context, id ids.PreviewID, status domain.PreviewObservedStatus) error {
	p, ok := r.byID[id]
	if !ok {
		return apperrors.NewNotFoundError("preview deployment")
	}
	p.ObservedStatus = status
	r.byID[id] = p
	return nil
}

func (r *fakePreviewRepo) SelectForWork(_ context.Context, limit int) ([]domain.PreviewDeployment, error) {
	var out []domain.PreviewDeployment
	for _, p := range r.byID {
		if p.DesiredStatus == domain.PreviewDesiredActive && p.ObservedStatus != domain.PreviewObservedHealthy {
			out = append(out, p)
		} else if p.DesiredStatus == domain.PreviewDesiredStopped && p.ObservedStatus != domain.PreviewObservedStopped {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakePreviewRepo) ListExpired(_ context.Context, now time.Time) ([]domain.PreviewDeployment, error) {
	var out []domain.PreviewDeployment
	for _, p := range r.byID {
		if p.ExpiresAt.Before(now) && p.DesiredStatus == domain.PreviewDesiredActive {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakePreviewSink struct {
	entries []audit.Entry
}

func (s *fakePreviewSink) Record(_ context.Context, _ *sqlx.Tx, entry audit.Entry) error {
	s.entries = append(s.entries, entry)
	return nil
}

var _ = Describe("Manager", func() {
	var (
		repo    *fakePreviewRepo
		sink    *fakePreviewSink
		manager *Manager
		ctx     context.Context
		project ids.ProjectID
		actor   ids.UserID
	)

	BeforeEach(func() {
		repo = newFakePreviewRepo()
		sink = &fakePreviewSink{}
		manager = NewManager(repo, sink)
		ctx = context.Background()
		project = ids.NewProjectID()
		actor = ids.NewUserID()
	})

	Describe("Create", func() {
		It("assigns a slug and writes an audit entry", func() {
			p, err := manager.Create(ctx, nil, CreateParams{
				Project: project, Branch: "feature/login", ImageRef: "img:v1", TTLHours: 4, Actor: actor,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Slug).To(Equal("feature-login"))
			Expect(p.DesiredStatus).To(Equal(domain.PreviewDesiredActive))
			Expect(p.ObservedStatus).To(Equal(domain.PreviewObservedPending))
			Expect(sink.entries).To(HaveLen(1))
		})

		It("suffixes the slug on collision within the same project", func() {
			_, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())

			second, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Slug).To(Equal("feature-login-2"))
		})

		It("does not collide across different projects", func() {
			other := ids.NewProjectID()
			_, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())

			p, err := manager.Create(ctx, nil, CreateParams{Project: other, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Slug).To(Equal("feature-login"))
		})

		It("rejects a branch name carrying an injection pattern", func() {
			_, err := manager.Create(ctx, nil, CreateParams{
				Project: project, Branch: "'; DROP TABLE preview_deployments; --", TTLHours: 4, Actor: actor,
			})
			Expect(err).To(HaveOccurred())
			Expect(sink.entries).To(BeEmpty())
		})
	})

	Describe("Delete", func() {
		It("sets desired status to stopped without removing the row", func() {
			p, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Delete(ctx, nil, project, p.Slug, actor)).To(Succeed())

			got, err := manager.Get(ctx, project, p.Slug)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.DesiredStatus).To(Equal(domain.PreviewDesiredStopped))
		})
	})

	Describe("SweepExpired", func() {
		It("flips every active preview past its TTL to stopped", func() {
			p, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())

			future := time.Now().UTC().Add(10 * time.Hour)
			flipped, err := manager.SweepExpired(ctx, future)
			Expect(err).NotTo(HaveOccurred())
			Expect(flipped).To(ConsistOf(p.ID))

			got, err := manager.Get(ctx, project, p.Slug)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.DesiredStatus).To(Equal(domain.PreviewDesiredStopped))
		})

		It("leaves unexpired previews untouched", func() {
			_, err := manager.Create(ctx, nil, CreateParams{Project: project, Branch: "feature/login", TTLHours: 4, Actor: actor})
			Expect(err).NotTo(HaveOccurred())

			flipped, err := manager.SweepExpired(ctx, time.Now().UTC())
			Expect(err).NotTo(HaveOccurred())
			Expect(flipped).To(BeEmpty())
		})
	})
})
