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

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/internal/validation"
	"github.com/forgebase/platform/pkg/audit"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

const maxSlugAttempts = 50

// Manager implements CRUD plus the TTL expiry sweep for preview
// deployments (4.I).
type Manager struct {
	repo Repository
	sink audit.Sink
}

// NewManager builds a Manager.
func NewManager(repo Repository, sink audit.Sink) *Manager {
	return &Manager{repo: repo, sink: sink}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Project  ids.ProjectID
	Branch   string
	ImageRef string
	TTLHours int
	Actor    ids.UserID
}

// Create assigns branch a stable, collision-free slug, inserts the
// preview row in desired=active/observed=pending, and writes an audit
// entry. The reconciler (4.H) handles the actual rollout.
func (m *Manager) Create(ctx context.Context, tx *sqlx.Tx, params CreateParams) (domain.PreviewDeployment, error) {
	if err := validation.ValidateStringInput("branch", params.Branch, 255); err != nil {
		return domain.PreviewDeployment{}, err
	}

	slug, err := m.assignSlug(ctx, params.Project, params.Branch)
	if err != nil {
		return domain.PreviewDeployment{}, err
	}

	now := time.Now().UTC()
	p := domain.PreviewDeployment{
		ID:             ids.NewPreviewID(),
		Project:        params.Project,
		Branch:         params.Branch,
		Slug:           slug,
		ImageRef:       params.ImageRef,
		DesiredStatus:  domain.PreviewDesiredActive,
		ObservedStatus: domain.PreviewObservedPending,
		TTLHours:       params.TTLHours,
		ExpiresAt:      now.Add(time.Duration(params.TTLHours) * time.Hour),
	}
	if err := m.repo.Insert(ctx, tx, p); err != nil {
		return domain.PreviewDeployment{}, err
	}

	entry := audit.Entry{
		ID:           ids.NewAuditID(),
		Actor:        params.Actor,
		Action:       "preview.create",
		ResourceType: "preview_deployment",
		ResourceID:   p.ID.String(),
		Project:      &p.Project,
		Detail: map[string]any{
			"branch": p.Branch,
			"slug":   p.Slug,
		},
		CreatedAt: now,
	}
	if err := m.sink.Record(ctx, tx, entry); err != nil {
		return domain.PreviewDeployment{}, err
	}

	return p, nil
}

// assignSlug computes branch's base slug and appends a "-n" collision
// suffix until it finds one unused within project.
func (m *Manager) assignSlug(ctx context.Context, project ids.ProjectID, branch string) (string, error) {
	base := Slugify(branch)

	exists, err := m.repo.SlugExists(ctx, project, base)
	if err != nil {
		return "", err
	}
	if !exists {
		return base, nil
	}

	for n := 2; n <= maxSlugAttempts; n++ {
		candidate := suffixed(base, n)
		exists, err := m.repo.SlugExists(ctx, project, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", apperrors.NewConflictError("could not find a unique slug for this branch after many attempts")
}

// List returns every preview deployment in project.
func (m *Manager) List(ctx context.Context, project ids.ProjectID) ([]domain.PreviewDeployment, error) {
	return m.repo.ListByProject(ctx, project)
}

// Get fetches a single preview deployment by (project, slug).
func (m *Manager) Get(ctx context.Context, project ids.ProjectID, slug string) (*domain.PreviewDeployment, error) {
	return m.repo.GetBySlug(ctx, project, slug)
}

// Delete is a manual teardown request: it sets desired_status=stopped
// and lets the reconciler scale the workload down. It does not remove
// the row.
func (m *Manager) Delete(ctx context.Context, tx *sqlx.Tx, project ids.ProjectID, slug string, actor ids.UserID) error {
	p, err := m.repo.GetBySlug(ctx, project, slug)
	if err != nil {
		return err
	}

	if err := m.repo.SetDesiredStatus(ctx, tx, p.ID, domain.PreviewDesiredStopped); err != nil {
		return err
	}

	entry := audit.Entry{
		ID:           ids.NewAuditID(),
		Actor:        actor,
		Action:       "preview.delete",
		ResourceType: "preview_deployment",
		ResourceID:   p.ID.String(),
		Project:      &project,
		Detail:       map[string]any{"slug": slug},
		CreatedAt:    time.Now().UTC(),
	}
	return m.sink.Record(ctx, tx, entry)
}

// SweepExpired flips every preview whose TTL has elapsed and is still
// desired=active to desired=stopped, letting the standard reconcile
// flow scale it down. Returns the ids it flipped.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) ([]ids.PreviewID, error) {
	expired, err := m.repo.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	flipped := make([]ids.PreviewID, 0, len(expired))
	for _, p := range expired {
		if err := m.repo.SetDesiredStatus(ctx, nil, p.ID, domain.PreviewDesiredStopped); err != nil {
			return flipped, err
		}
		flipped = append(flipped, p.ID)
	}
	return flipped, nil
}

// SelectForWork returns every preview deployment the reconciler's
// preview convergence pass still needs to act on (4.H: "lets 4.H handle
// rollout" applies to previews exactly as it does to Deployments).
func (m *Manager) SelectForWork(ctx context.Context, limit int) ([]domain.PreviewDeployment, error) {
	return m.repo.SelectForWork(ctx, limit)
}

// SetObservedStatus persists a preview's observed-status transition.
func (m *Manager) SetObservedStatus(ctx context.Context, id ids.PreviewID, status domain.PreviewObservedStatus) error {
	return m.repo.SetObservedStatus(ctx, id, status)
}
