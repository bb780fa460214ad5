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

// Package metrics declares the Prometheus collectors platformd exports:
// authorization checks and cache behavior, reconciler cycles and
// transitions, ops-repo sync outcomes, and orchestrator apply calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionChecksTotal counts RBAC resolver decisions by outcome
	// ("allow" or "deny").
	PermissionChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permission_checks_total",
		Help: "Total number of authorization checks performed, by result.",
	}, []string{"result"})

	// PermissionCacheHitsTotal counts resolver lookups served from Redis.
	PermissionCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permission_cache_hits_total",
		Help: "Total number of permission checks served from cache.",
	})

	// PermissionCacheMissesTotal counts resolver lookups that fell
	// through to Postgres.
	PermissionCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permission_cache_misses_total",
		Help: "Total number of permission checks that missed the cache.",
	})

	// ActiveDelegationsTotal counts delegations created minus delegations
	// revoked since process start (or the last SetActiveDelegations call);
	// a delegation reaching its expiry does not decrement it.
	ActiveDelegationsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_delegations_total",
		Help: "Current number of active role delegations.",
	})

	// ReconcileDuration observes how long a single deployment
	// reconciliation cycle takes, in seconds.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconcile_duration_seconds",
		Help:    "Duration of a single deployment reconciliation cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// DeploymentTransitionsTotal counts observed-status transitions, by
	// origin and destination state.
	DeploymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployment_transitions_total",
		Help: "Total number of deployment observed-status transitions.",
	}, []string{"from", "to"})

	// ReconcileErrorsTotal counts reconciliation failures by reason.
	ReconcileErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_errors_total",
		Help: "Total number of reconciliation errors, by reason.",
	}, []string{"reason"})

	// OpsRepoSyncTotal counts ops-repository sync attempts by result.
	OpsRepoSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrepo_sync_total",
		Help: "Total number of ops-repository sync attempts, by result.",
	}, []string{"result"})

	// OpsRepoSyncDuration observes how long a repo sync takes, in seconds.
	OpsRepoSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsrepo_sync_duration_seconds",
		Help:    "Duration of an ops-repository sync.",
		Buckets: prometheus.DefBuckets,
	})

	// OrchestratorApplyTotal counts manifest apply calls by result.
	OrchestratorApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_apply_total",
		Help: "Total number of orchestrator apply calls, by result.",
	}, []string{"result"})

	// OrchestratorAPICallsTotal counts Kubernetes API calls the
	// orchestrator issues, by operation (apply/wait_healthy/scale).
	OrchestratorAPICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_api_calls_total",
		Help: "Total number of Kubernetes API calls issued by the orchestrator.",
	}, []string{"operation"})

	// PreviewExpiredTotal counts preview environments swept to stopped
	// because their TTL elapsed.
	PreviewExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "preview_expired_total",
		Help: "Total number of preview environments expired by the TTL sweep.",
	})

	// ConcurrentReconcilesRunning is the current number of in-flight
	// per-deployment reconciliation goroutines.
	ConcurrentReconcilesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "concurrent_reconciles_running",
		Help: "Current number of deployment reconciliations in flight.",
	})

	// WebhookRequestsTotal counts inbound webhook/API requests by status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Total number of inbound requests, by status.",
	}, []string{"status"})

	// AuditEventsWrittenTotal counts audit entries persisted.
	AuditEventsWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_written_total",
		Help: "Total number of audit entries written.",
	})
)

// RecordPermissionCheck records an authorization decision.
func RecordPermissionCheck(result string) {
	PermissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordCacheHit records a permission lookup served from cache.
func RecordCacheHit() {
	PermissionCacheHitsTotal.Inc()
}

// RecordCacheMiss records a permission lookup that fell through to
// Postgres.
func RecordCacheMiss() {
	PermissionCacheMissesTotal.Inc()
}

// SetActiveDelegations sets the current active-delegation count.
func SetActiveDelegations(n float64) {
	ActiveDelegationsTotal.Set(n)
}

// IncrementActiveDelegations records one delegation becoming active.
func IncrementActiveDelegations() {
	ActiveDelegationsTotal.Inc()
}

// DecrementActiveDelegations records one delegation being revoked or
// expiring.
func DecrementActiveDelegations() {
	ActiveDelegationsTotal.Dec()
}

// RecordReconcile records the duration of one reconciliation cycle.
func RecordReconcile(duration time.Duration) {
	ReconcileDuration.Observe(duration.Seconds())
}

// RecordDeploymentTransition records an observed-status transition.
func RecordDeploymentTransition(from, to string) {
	DeploymentTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReconcileError records a reconciliation failure.
func RecordReconcileError(reason string) {
	ReconcileErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordOpsRepoSync records an ops-repository sync attempt and its
// duration.
func RecordOpsRepoSync(result string, duration time.Duration) {
	OpsRepoSyncTotal.WithLabelValues(result).Inc()
	OpsRepoSyncDuration.Observe(duration.Seconds())
}

// RecordOrchestratorApply records a manifest apply call.
func RecordOrchestratorApply(result string) {
	OrchestratorApplyTotal.WithLabelValues(result).Inc()
}

// RecordOrchestratorAPICall records a Kubernetes API call issued by the
// orchestrator.
func RecordOrchestratorAPICall(operation string) {
	OrchestratorAPICallsTotal.WithLabelValues(operation).Inc()
}

// RecordPreviewExpired records a preview environment swept to stopped.
func RecordPreviewExpired() {
	PreviewExpiredTotal.Inc()
}

// IncrementConcurrentReconciles increments the in-flight reconcile gauge.
func IncrementConcurrentReconciles() {
	ConcurrentReconcilesRunning.Inc()
}

// DecrementConcurrentReconciles decrements the in-flight reconcile gauge.
func DecrementConcurrentReconciles() {
	ConcurrentReconcilesRunning.Dec()
}

// RecordWebhookRequest records an inbound request outcome.
func RecordWebhookRequest(status string) {
	WebhookRequestsTotal.WithLabelValues(status).Inc()
}

// RecordAuditWrite records a persisted audit entry.
func RecordAuditWrite() {
	AuditEventsWrittenTotal.Inc()
}

// Timer measures elapsed wall-clock time and reports it to the
// reconcile-duration histogram when the operation it's timing completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordReconcile reports the elapsed time to ReconcileDuration.
func (t *Timer) RecordReconcile() {
	RecordReconcile(t.Elapsed())
}

// RecordOpsRepoSync reports the elapsed time as an ops-repo sync of the
// given result.
func (t *Timer) RecordOpsRepoSync(result string) {
	RecordOpsRepoSync(result, t.Elapsed())
}
