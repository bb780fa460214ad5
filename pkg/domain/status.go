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

package domain

import (
	"fmt"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// UserKind is the closed set of actor kinds.
type UserKind string

const (
	UserKindHuman   UserKind = "human"
	UserKindAgent   UserKind = "agent"
	UserKindService UserKind = "service"
)

// ProjectVisibility is the closed set of project visibility levels.
type ProjectVisibility string

const (
	VisibilityPrivate  ProjectVisibility = "private"
	VisibilityInternal ProjectVisibility = "internal"
	VisibilityPublic   ProjectVisibility = "public"
)

// Environment is the closed set of deployment environments.
type Environment string

const (
	EnvironmentPreview    Environment = "preview"
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

// DeploymentDesiredStatus is the closed set of desired deployment states.
type DeploymentDesiredStatus string

const (
	DesiredActive   DeploymentDesiredStatus = "active"
	DesiredStopped  DeploymentDesiredStatus = "stopped"
	DesiredRollback DeploymentDesiredStatus = "rollback"
)

// DeploymentObservedStatus is the closed set of observed deployment states.
type DeploymentObservedStatus string

const (
	ObservedPending  DeploymentObservedStatus = "pending"
	ObservedSyncing  DeploymentObservedStatus = "syncing"
	ObservedHealthy  DeploymentObservedStatus = "healthy"
	ObservedDegraded DeploymentObservedStatus = "degraded"
	ObservedFailed   DeploymentObservedStatus = "failed"
	ObservedStopped  DeploymentObservedStatus = "stopped"
)

// CanTransition reports whether moving a deployment's observed status
// from "from" to "to" is a legal transition per spec §3 invariant 3:
//
//	pending   -> syncing
//	syncing   -> {healthy, degraded, failed}
//	healthy|degraded|failed -> syncing   (re-entry on new apply)
//	syncing|healthy|degraded|failed -> stopped  (terminal, until reactivated)
//	stopped   -> syncing                 (reactivation)
func (from DeploymentObservedStatus) CanTransition(to DeploymentObservedStatus) bool {
	switch from {
	case ObservedPending:
		return to == ObservedSyncing
	case ObservedSyncing:
		return to == ObservedHealthy || to == ObservedDegraded || to == ObservedFailed || to == ObservedStopped
	case ObservedHealthy, ObservedDegraded, ObservedFailed:
		return to == ObservedSyncing || to == ObservedStopped
	case ObservedStopped:
		return to == ObservedSyncing
	default:
		return false
	}
}

// DeploymentAction is the closed set of history-row actions.
type DeploymentAction string

const (
	ActionDeploy   DeploymentAction = "deploy"
	ActionRollback DeploymentAction = "rollback"
	ActionStop     DeploymentAction = "stop"
	ActionScale    DeploymentAction = "scale"
)

// DeploymentOutcome is the closed set of history-row outcomes.
type DeploymentOutcome string

const (
	OutcomeSuccess DeploymentOutcome = "success"
	OutcomeFailure DeploymentOutcome = "failure"
)

// PreviewDesiredStatus is the closed set of desired preview states.
type PreviewDesiredStatus string

const (
	PreviewDesiredActive  PreviewDesiredStatus = "active"
	PreviewDesiredStopped PreviewDesiredStatus = "stopped"
)

// PreviewObservedStatus is the closed set of observed preview states.
// It has the same states and transitions as DeploymentObservedStatus:
// "stopped" is left only by reactivation to "syncing".
type PreviewObservedStatus string

const (
	PreviewObservedPending  PreviewObservedStatus = "pending"
	PreviewObservedSyncing  PreviewObservedStatus = "syncing"
	PreviewObservedHealthy  PreviewObservedStatus = "healthy"
	PreviewObservedDegraded PreviewObservedStatus = "degraded"
	PreviewObservedFailed   PreviewObservedStatus = "failed"
	PreviewObservedStopped  PreviewObservedStatus = "stopped"
)

func (from PreviewObservedStatus) CanTransition(to PreviewObservedStatus) bool {
	switch from {
	case PreviewObservedPending:
		return to == PreviewObservedSyncing
	case PreviewObservedSyncing:
		return to == PreviewObservedHealthy || to == PreviewObservedDegraded || to == PreviewObservedFailed || to == PreviewObservedStopped
	case PreviewObservedHealthy, PreviewObservedDegraded, PreviewObservedFailed:
		return to == PreviewObservedSyncing || to == PreviewObservedStopped
	case PreviewObservedStopped:
		return to == PreviewObservedSyncing
	default:
		return false
	}
}

// parseEnum is a small helper shared by the Parse* functions below: it
// checks membership in a set and returns a typed BadRequest-class error
// naming both the offending value and the field it came from.
func parseEnum[T ~string](s string, field string, valid map[T]struct{}) (T, error) {
	v := T(s)
	if _, ok := valid[v]; !ok {
		return v, apperrors.NewValidationError(fmt.Sprintf("invalid %s %q", field, s))
	}
	return v, nil
}

var validEnvironments = map[Environment]struct{}{EnvironmentPreview: {}, EnvironmentStaging: {}, EnvironmentProduction: {}}

func ParseEnvironment(s string) (Environment, error) {
	return parseEnum(s, "environment", validEnvironments)
}

var validDesiredStatuses = map[DeploymentDesiredStatus]struct{}{DesiredActive: {}, DesiredStopped: {}, DesiredRollback: {}}

func ParseDeploymentDesiredStatus(s string) (DeploymentDesiredStatus, error) {
	return parseEnum(s, "desired status", validDesiredStatuses)
}

var validObservedStatuses = map[DeploymentObservedStatus]struct{}{
	ObservedPending: {}, ObservedSyncing: {}, ObservedHealthy: {}, ObservedDegraded: {}, ObservedFailed: {}, ObservedStopped: {},
}

func ParseDeploymentObservedStatus(s string) (DeploymentObservedStatus, error) {
	return parseEnum(s, "observed status", validObservedStatuses)
}

var validActions = map[DeploymentAction]struct{}{ActionDeploy: {}, ActionRollback: {}, ActionStop: {}, ActionScale: {}}

func ParseDeploymentAction(s string) (DeploymentAction, error) {
	return parseEnum(s, "deployment action", validActions)
}

var validOutcomes = map[DeploymentOutcome]struct{}{OutcomeSuccess: {}, OutcomeFailure: {}}

func ParseDeploymentOutcome(s string) (DeploymentOutcome, error) {
	return parseEnum(s, "deployment outcome", validOutcomes)
}
