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
	"time"

	"github.com/forgebase/platform/pkg/ids"
)

// User is a human, agent, or service identity known to the platform.
type User struct {
	ID        ids.UserID
	Login     string
	Email     string
	Kind      UserKind
	Active    bool
	CreatedAt time.Time
}

// Role is a named bundle of permissions. System roles are immutable;
// custom roles may be freely edited by an admin.
type Role struct {
	ID       ids.RoleID
	Name     string
	IsSystem bool
}

// RoleGrant is an edge in the (role -> permission) relation.
type RoleGrant struct {
	RoleID     ids.RoleID
	Permission Permission
}

// UserRoleAssignment binds a user to a role, optionally scoped to a
// single project. A nil Project means the assignment is global.
type UserRoleAssignment struct {
	ID      ids.RoleID // not separately typed; composite key (user, role, project) identifies the row
	UserID  ids.UserID
	RoleID  ids.RoleID
	Project *ids.ProjectID
}

// Delegation is a time-bounded, revocable loan of a single permission
// from Delegator to Delegate.
type Delegation struct {
	ID         ids.DelegationID
	Delegator  ids.UserID
	Delegate   ids.UserID
	Permission Permission
	Project    *ids.ProjectID
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	Reason     string
}

// Active reports whether the delegation currently confers its permission:
// it has not been revoked, and either has no expiry or has not yet expired.
func (d Delegation) Active(now time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	return d.ExpiresAt == nil || d.ExpiresAt.After(now)
}

// Project is a namespace owning deployments, ops-repo references, and
// role assignments.
type Project struct {
	ID             ids.ProjectID
	Owner          ids.UserID
	Name           string
	Visibility     ProjectVisibility
	DefaultBranch  string
	Active         bool
}

// OpsRepo is an external, version-controlled repository of manifest
// templates the ops-repo synchronizer keeps a local working copy of.
type OpsRepo struct {
	ID           ids.OpsRepoID
	Name         string
	RemoteURL    string
	Branch       string
	Subpath      string
	PollInterval time.Duration
	LastSyncedAt *time.Time
	LastCommit   string
}

// Deployment is the desired/observed state pair the reconciler converges.
type Deployment struct {
	ID             ids.DeploymentID
	Project        ids.ProjectID
	Environment    Environment
	OpsRepo        *ids.OpsRepoID
	ManifestPath   string
	ImageRef       string
	ValuesOverride map[string]any
	DesiredStatus  DeploymentDesiredStatus
	ObservedStatus DeploymentObservedStatus
	CurrentSHA     string
	DeployedBy     ids.UserID
	DeployedAt     *time.Time

	// Backoff state, persisted so it survives process restarts.
	ConsecutiveFailures int
	NextEligibleAt       time.Time
	UpdatedAt            time.Time
}

// DeploymentHistory is an append-only record of a single reconciliation
// outcome or explicit action against a deployment.
type DeploymentHistory struct {
	ID         ids.DeploymentHistoryID
	Deployment ids.DeploymentID
	ImageRef   string
	CommitSHA  string
	Action     DeploymentAction
	Outcome    DeploymentOutcome
	Actor      ids.UserID
	Message    string
	CreatedAt  time.Time
}

// PreviewDeployment is an ephemeral, branch-scoped deployment with a TTL.
type PreviewDeployment struct {
	ID             ids.PreviewID
	Project        ids.ProjectID
	Branch         string
	Slug           string
	ImageRef       string
	DesiredStatus  PreviewDesiredStatus
	ObservedStatus PreviewObservedStatus
	TTLHours       int
	ExpiresAt      time.Time
}

// AuditEntry is a tamper-evident record of a single actor-initiated
// mutation.
type AuditEntry struct {
	ID           ids.AuditID
	Actor        ids.UserID
	ActorName    string
	Action       string
	ResourceType string
	ResourceID   string
	Project      *ids.ProjectID
	Detail       map[string]any
	SourceAddr   string
	CreatedAt    time.Time
}
