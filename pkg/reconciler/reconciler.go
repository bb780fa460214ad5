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

package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forgebase/platform/internal/config"
	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/internal/validation"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
	"github.com/forgebase/platform/pkg/manifest"
	"github.com/forgebase/platform/pkg/metrics"
	"github.com/forgebase/platform/pkg/notify"
	"github.com/forgebase/platform/pkg/opsrepo"
	"github.com/forgebase/platform/pkg/orchestrator"
	"github.com/forgebase/platform/pkg/preview"
	"github.com/forgebase/platform/pkg/shared/logging"
)

// Applier is the subset of orchestrator.Applier the reconciler drives.
type Applier interface {
	Apply(ctx context.Context, manifestText, namespace string) error
	WaitHealthy(ctx context.Context, namespace, workload string, timeout time.Duration) error
	Scale(ctx context.Context, namespace, workload string, replicas int32) error
}

var _ Applier = (*orchestrator.Applier)(nil)

// Renderer is the subset of manifest.Renderer the reconciler needs.
type Renderer interface {
	RenderFile(path string, ctx manifest.Context) (string, error)
}

var _ Renderer = (*manifest.Renderer)(nil)

// Synchronizer is the subset of opsrepo.Synchronizer the reconciler
// relies on to know whether an ops-repo's working copy is usable.
type Synchronizer interface {
	HasSynced(name string) bool
	WorkingCopyPath(repo domain.OpsRepo) string
	LastResult(name string) (opsrepo.Result, bool)
}

var _ Synchronizer = (*opsrepo.Synchronizer)(nil)

// PreviewSweeper is the subset of preview.Manager the reconciler's tick
// uses to expire TTL'd preview environments and converge the ones still
// short of their desired state (4.H handles preview rollout exactly as
// it does Deployment rollout, per 4.I).
type PreviewSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) ([]ids.PreviewID, error)
	SelectForWork(ctx context.Context, limit int) ([]domain.PreviewDeployment, error)
	SetObservedStatus(ctx context.Context, id ids.PreviewID, status domain.PreviewObservedStatus) error
}

var _ PreviewSweeper = (*preview.Manager)(nil)

// Reconciler ticks on a fixed interval, selects deployment rows that
// require work, and converges each one under its own advisory lock
// with bounded per-tick concurrency (4.H).
type Reconciler struct {
	repo     Repository
	renderer Renderer
	applier  Applier
	opsrepo  Synchronizer
	previews PreviewSweeper
	notifier notify.Notifier

	cfg config.ReconcilerConfig
	log *logrus.Entry
}

// New builds a Reconciler.
func New(
	repo Repository,
	renderer Renderer,
	applier Applier,
	opsrepoSync Synchronizer,
	previews PreviewSweeper,
	notifier notify.Notifier,
	cfg config.ReconcilerConfig,
	logger *logrus.Logger,
) *Reconciler {
	return &Reconciler{
		repo:     repo,
		renderer: renderer,
		applier:  applier,
		opsrepo:  opsrepoSync,
		previews: previews,
		notifier: notifier,
		cfg:      cfg,
		log:      logger.WithField("component", "reconciler"),
	}
}

// Run ticks the reconciler until ctx is cancelled. The in-flight tick
// is allowed to finish; no new tick starts once ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler loop stopping")
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.WithError(err).Error("reconcile tick failed")
			}
		}
	}
}

// Tick runs one full reconciliation pass: preview TTL expiry, then
// bounded-concurrency convergence of every deployment requiring work.
func (r *Reconciler) Tick(ctx context.Context) error {
	if _, err := r.previews.SweepExpired(ctx, time.Now().UTC()); err != nil {
		r.log.WithError(err).Warn("preview expiry sweep failed")
	}

	limit := r.cfg.MaxConcurrentPerTick
	if limit <= 0 {
		limit = 1
	}

	previews, err := r.previews.SelectForWork(ctx, 256)
	if err != nil {
		r.log.WithError(err).Warn("failed to select previews requiring work")
	} else {
		pg, pgctx := errgroup.WithContext(ctx)
		pg.SetLimit(limit)
		for _, p := range previews {
			p := p
			pg.Go(func() error {
				r.previewConvergeOne(pgctx, p)
				return nil
			})
		}
		if err := pg.Wait(); err != nil {
			r.log.WithError(err).Warn("preview convergence pass returned an error")
		}
	}

	deployments, err := r.repo.SelectForWork(ctx, 256)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "failed to select deployments requiring work")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, d := range deployments {
		d := d
		g.Go(func() error {
			r.reconcileOne(gctx, d)
			return nil
		})
	}
	return g.Wait()
}

// previewConvergeOne moves a single preview deployment one step toward
// its desired status: scaling its workload up and waiting for health
// when desired=active, or scaling it to zero when desired=stopped.
// Previews carry no ops-repo/manifest reference of their own (4.I), so
// unlike reconcileOne there is nothing to render or apply — only to
// scale and wait.
func (r *Reconciler) previewConvergeOne(ctx context.Context, p domain.PreviewDeployment) {
	log := r.log.WithFields(logging.WorkflowFields("preview_reconcile", p.ID.String()).Custom("project", p.Project.String()).ToLogrus())

	if !p.ObservedStatus.CanTransition(domain.PreviewObservedSyncing) {
		log.WithField("observed_status", string(p.ObservedStatus)).Error("preview observed status cannot re-enter syncing, skipping cycle")
		return
	}

	namespace := previewNamespaceFor(p)
	workload := previewWorkloadNameFor(p)

	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()

	if err := r.previews.SetObservedStatus(cycleCtx, p.ID, domain.PreviewObservedSyncing); err != nil {
		log.WithError(err).Error("failed to mark preview syncing")
		return
	}

	var final domain.PreviewObservedStatus
	if p.DesiredStatus == domain.PreviewDesiredStopped {
		if err := r.applier.Scale(cycleCtx, namespace, workload, 0); err != nil {
			log.WithError(err).Warn("failed to scale preview workload to zero")
			final = domain.PreviewObservedFailed
		} else {
			final = domain.PreviewObservedStopped
		}
	} else {
		final = domain.PreviewObservedHealthy
		if err := r.applier.Scale(cycleCtx, namespace, workload, 1); err != nil {
			log.WithError(err).Warn("failed to scale preview workload up")
			final = domain.PreviewObservedFailed
		} else if err := r.applier.WaitHealthy(cycleCtx, namespace, workload, r.cfg.HealthWaitTimeout); err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeTimeout) {
				log.WithError(err).Warn("preview scale-up succeeded, health check timed out")
				final = domain.PreviewObservedDegraded
			} else {
				log.WithError(err).Warn("preview health check failed")
				final = domain.PreviewObservedFailed
			}
		}
	}

	if !domain.PreviewObservedSyncing.CanTransition(final) {
		log.WithField("final_status", string(final)).Error("computed preview observed status is not a legal transition from syncing, refusing to persist")
		return
	}
	if err := r.previews.SetObservedStatus(cycleCtx, p.ID, final); err != nil {
		log.WithError(err).Error("failed to persist preview observed status")
	}
}

// previewNamespaceFor mirrors namespaceFor for preview workloads, which
// all live in a single per-project preview namespace rather than one
// per environment.
func previewNamespaceFor(p domain.PreviewDeployment) string {
	return fmt.Sprintf("proj-%s-preview", shortID(p.Project.String()))
}

// previewWorkloadNameFor uses the preview's stable, collision-free slug
// as its workload name.
func previewWorkloadNameFor(p domain.PreviewDeployment) string {
	return p.Slug
}

func (r *Reconciler) reconcileOne(ctx context.Context, d domain.Deployment) {
	log := r.log.WithFields(logging.WorkflowFields("reconcile", d.ID.String()).Custom("project", d.Project.String()).ToLogrus())

	lock, acquired, err := r.repo.TryLock(ctx, d.ID)
	if err != nil {
		log.WithError(err).Error("failed to attempt advisory lock")
		return
	}
	if !acquired {
		log.Debug("another replica holds the lock for this deployment")
		return
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			log.WithError(err).Error("failed to release advisory lock")
		}
	}()

	if !d.ObservedStatus.CanTransition(domain.ObservedSyncing) {
		log.WithField("observed_status", string(d.ObservedStatus)).Error("deployment observed status cannot re-enter syncing, skipping cycle")
		return
	}

	metrics.IncrementConcurrentReconciles()
	defer metrics.DecrementConcurrentReconciles()
	timer := metrics.NewTimer()
	defer timer.RecordReconcile()

	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()

	if err := r.repo.SetObservedStatus(cycleCtx, d.ID, domain.ObservedSyncing); err != nil {
		log.WithError(err).Error("failed to mark deployment syncing")
		return
	}
	metrics.RecordDeploymentTransition(string(d.ObservedStatus), string(domain.ObservedSyncing))

	outcome, final, resolvedImage, sha, message, action := r.runCycle(cycleCtx, d)

	if !domain.ObservedSyncing.CanTransition(final) {
		log.WithField("final_status", string(final)).Error("computed deployment observed status is not a legal transition from syncing, refusing to persist")
		return
	}
	if err := r.repo.SetObservedStatus(cycleCtx, d.ID, final); err != nil {
		log.WithError(err).Error("failed to persist final observed status")
	}
	metrics.RecordDeploymentTransition(string(domain.ObservedSyncing), string(final))

	if outcome == domain.OutcomeSuccess {
		now := time.Now().UTC()
		if err := r.repo.MarkDeployed(cycleCtx, d.ID, sha, now); err != nil {
			log.WithError(err).Error("failed to record deployed_at/current_sha")
		}
		if err := r.repo.ResetBackoff(cycleCtx, d.ID); err != nil {
			log.WithError(err).Error("failed to reset backoff state")
		}
	} else {
		metrics.RecordReconcileError(message)
		log.WithField("message", validation.SanitizeForLogging(message)).Warn("reconcile cycle did not succeed")
		r.applyBackoff(cycleCtx, d, log)
	}

	history := domain.DeploymentHistory{
		ID:         ids.NewDeploymentHistoryID(),
		Deployment: d.ID,
		ImageRef:   resolvedImage,
		CommitSHA:  sha,
		Action:     action,
		Outcome:    outcome,
		Actor:      d.DeployedBy,
		Message:    message,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.repo.InsertHistory(cycleCtx, history); err != nil {
		log.WithError(err).Error("failed to write deployment history row")
	}
	metrics.RecordOrchestratorApply(string(outcome))
}

// runCycle executes steps 3-9 of the per-deployment cycle and reports
// the history outcome, the final observed status, the resolved image
// and commit sha, a human-readable message, and the history action.
func (r *Reconciler) runCycle(ctx context.Context, d domain.Deployment) (domain.DeploymentOutcome, domain.DeploymentObservedStatus, string, string, string, domain.DeploymentAction) {
	namespace := namespaceFor(d)
	workload := workloadNameFor(d)

	if d.DesiredStatus == domain.DesiredStopped {
		if err := r.applier.Scale(ctx, namespace, workload, 0); err != nil {
			return domain.OutcomeFailure, domain.ObservedFailed, d.ImageRef, d.CurrentSHA, fmt.Sprintf("scale to zero failed: %v", err), domain.ActionStop
		}
		return domain.OutcomeSuccess, domain.ObservedStopped, d.ImageRef, d.CurrentSHA, "", domain.ActionStop
	}

	action := domain.ActionDeploy
	resolvedImage := d.ImageRef
	if d.DesiredStatus == domain.DesiredRollback {
		action = domain.ActionRollback
		prior, err := r.repo.LatestSuccessfulDeploy(ctx, d.ID, d.ImageRef)
		if err != nil {
			return domain.OutcomeFailure, domain.ObservedFailed, d.ImageRef, d.CurrentSHA, fmt.Sprintf("failed to look up prior successful deploy: %v", err), action
		}
		if prior == nil {
			return domain.OutcomeFailure, domain.ObservedFailed, d.ImageRef, d.CurrentSHA, "no prior successful deploy", action
		}
		resolvedImage = prior.ImageRef
	}

	if _, err := name.ParseReference(resolvedImage); err != nil {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, d.CurrentSHA, fmt.Sprintf("invalid image reference %q: %v", resolvedImage, err), action
	}

	sha := d.CurrentSHA
	if d.OpsRepo == nil {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, "deployment has no ops repo reference", action
	}
	opsRepo, err := r.repo.GetOpsRepo(ctx, *d.OpsRepo)
	if err != nil {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, fmt.Sprintf("failed to look up ops repo: %v", err), action
	}
	if !r.opsrepo.HasSynced(opsRepo.Name) {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, "ops repo has not synced yet", action
	}
	if result, ok := r.opsrepo.LastResult(opsRepo.Name); ok {
		sha = result.Commit
	}

	rendered, err := r.render(opsRepo, d, resolvedImage)
	if err != nil {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, fmt.Sprintf("render failed: %v", err), action
	}

	if err := r.applier.Apply(ctx, rendered, namespace); err != nil {
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, fmt.Sprintf("apply failed: %v", err), action
	}

	if err := r.applier.WaitHealthy(ctx, namespace, workload, r.cfg.HealthWaitTimeout); err != nil {
		if apperrors.IsType(err, apperrors.ErrorTypeTimeout) {
			return domain.OutcomeFailure, domain.ObservedDegraded, resolvedImage, sha, "apply succeeded, health check timed out", action
		}
		return domain.OutcomeFailure, domain.ObservedFailed, resolvedImage, sha, fmt.Sprintf("health check failed: %v", err), action
	}

	return domain.OutcomeSuccess, domain.ObservedHealthy, resolvedImage, sha, "", action
}

func (r *Reconciler) render(opsRepo domain.OpsRepo, d domain.Deployment, image string) (string, error) {
	path := filepath.Join(r.opsrepo.WorkingCopyPath(opsRepo), d.ManifestPath)
	return r.renderer.RenderFile(path, manifest.Context{
		ImageRef:    image,
		Project:     d.Project.String(),
		Environment: string(d.Environment),
		Values:      d.ValuesOverride,
	})
}

func (r *Reconciler) applyBackoff(ctx context.Context, d domain.Deployment, log *logrus.Entry) {
	failures := d.ConsecutiveFailures + 1
	backoff := r.cfg.BackoffInterval * time.Duration(failures)
	maxBackoff := r.cfg.BackoffInterval * 5
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	nextEligible := time.Now().UTC().Add(backoff)

	if err := r.repo.SetBackoff(ctx, d.ID, failures, nextEligible); err != nil {
		log.WithError(err).Error("failed to persist backoff state")
	}

	if failures >= r.cfg.MaxConsecutiveFailures {
		alert := notify.Alert{
			ResourceType: "deployment",
			ResourceID:   d.ID.String(),
			Project:      d.Project.String(),
			Reason:       "deployment exceeded consecutive failure threshold",
			FailureCount: failures,
		}
		if err := r.notifier.Notify(ctx, alert); err != nil {
			log.WithError(err).Error("failed to deliver failure notification")
		}
	}
}

// namespaceFor derives the cluster namespace a deployment's resources
// live in. The platform namespaces by project and environment; project
// display names live outside this package's reach, so the namespace is
// keyed on the project id itself.
func namespaceFor(d domain.Deployment) string {
	return fmt.Sprintf("proj-%s-%s", shortID(d.Project.String()), d.Environment)
}

// workloadNameFor derives the workload name the applier waits on from
// the deployment's manifest file name (minus extension).
func workloadNameFor(d domain.Deployment) string {
	base := filepath.Base(d.ManifestPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
