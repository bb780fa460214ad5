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

// Package ids defines one nominal wrapper type per entity class in the
// data model. Every identifier is an opaque 128-bit value backed by
// google/uuid; the distinct Go types exist so a UserID can never be
// passed where a ProjectID is expected without the compiler noticing.
package ids

import "github.com/google/uuid"

// UserID identifies a User row.
type UserID uuid.UUID

// RoleID identifies a Role row.
type RoleID uuid.UUID

// DelegationID identifies a Delegation row.
type DelegationID uuid.UUID

// ProjectID identifies a Project row.
type ProjectID uuid.UUID

// OpsRepoID identifies an OpsRepo row.
type OpsRepoID uuid.UUID

// DeploymentID identifies a Deployment row.
type DeploymentID uuid.UUID

// DeploymentHistoryID identifies a DeploymentHistory row.
type DeploymentHistoryID uuid.UUID

// PreviewID identifies a PreviewDeployment row.
type PreviewID uuid.UUID

// AuditID identifies an AuditEntry row.
type AuditID uuid.UUID

func (id UserID) String() string                { return uuid.UUID(id).String() }
func (id RoleID) String() string                { return uuid.UUID(id).String() }
func (id DelegationID) String() string          { return uuid.UUID(id).String() }
func (id ProjectID) String() string             { return uuid.UUID(id).String() }
func (id OpsRepoID) String() string             { return uuid.UUID(id).String() }
func (id DeploymentID) String() string          { return uuid.UUID(id).String() }
func (id DeploymentHistoryID) String() string   { return uuid.UUID(id).String() }
func (id PreviewID) String() string             { return uuid.UUID(id).String() }
func (id AuditID) String() string               { return uuid.UUID(id).String() }

func (id UserID) IsZero() bool              { return id == UserID{} }
func (id RoleID) IsZero() bool              { return id == RoleID{} }
func (id DelegationID) IsZero() bool        { return id == DelegationID{} }
func (id ProjectID) IsZero() bool           { return id == ProjectID{} }
func (id OpsRepoID) IsZero() bool           { return id == OpsRepoID{} }
func (id DeploymentID) IsZero() bool        { return id == DeploymentID{} }
func (id DeploymentHistoryID) IsZero() bool { return id == DeploymentHistoryID{} }
func (id PreviewID) IsZero() bool           { return id == PreviewID{} }
func (id AuditID) IsZero() bool             { return id == AuditID{} }

// NewUserID generates a fresh, random UserID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewRoleID generates a fresh, random RoleID.
func NewRoleID() RoleID { return RoleID(uuid.New()) }

// NewDelegationID generates a fresh, random DelegationID.
func NewDelegationID() DelegationID { return DelegationID(uuid.New()) }

// NewProjectID generates a fresh, random ProjectID.
func NewProjectID() ProjectID { return ProjectID(uuid.New()) }

// NewOpsRepoID generates a fresh, random OpsRepoID.
func NewOpsRepoID() OpsRepoID { return OpsRepoID(uuid.New()) }

// NewDeploymentID generates a fresh, random DeploymentID.
func NewDeploymentID() DeploymentID { return DeploymentID(uuid.New()) }

// NewDeploymentHistoryID generates a fresh, random DeploymentHistoryID.
func NewDeploymentHistoryID() DeploymentHistoryID { return DeploymentHistoryID(uuid.New()) }

// NewPreviewID generates a fresh, random PreviewID.
func NewPreviewID() PreviewID { return PreviewID(uuid.New()) }

// NewAuditID generates a fresh, random AuditID.
func NewAuditID() AuditID { return AuditID(uuid.New()) }

// ParseUserID parses a canonical UUID string into a UserID.
func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	return UserID(u), err
}

// ParseProjectID parses a canonical UUID string into a ProjectID.
func ParseProjectID(s string) (ProjectID, error) {
	u, err := uuid.Parse(s)
	return ProjectID(u), err
}

// ParseDeploymentID parses a canonical UUID string into a DeploymentID.
func ParseDeploymentID(s string) (DeploymentID, error) {
	u, err := uuid.Parse(s)
	return DeploymentID(u), err
}

// ParsePreviewID parses a canonical UUID string into a PreviewID.
func ParsePreviewID(s string) (PreviewID, error) {
	u, err := uuid.Parse(s)
	return PreviewID(u), err
}

// ParseOpsRepoID parses a canonical UUID string into an OpsRepoID.
func ParseOpsRepoID(s string) (OpsRepoID, error) {
	u, err := uuid.Parse(s)
	return OpsRepoID(u), err
}

// ParseDelegationID parses a canonical UUID string into a DelegationID.
func ParseDelegationID(s string) (DelegationID, error) {
	u, err := uuid.Parse(s)
	return DelegationID(u), err
}

// ParseRoleID parses a canonical UUID string into a RoleID.
func ParseRoleID(s string) (RoleID, error) {
	u, err := uuid.Parse(s)
	return RoleID(u), err
}

// ParseDeploymentHistoryID parses a canonical UUID string into a
// DeploymentHistoryID.
func ParseDeploymentHistoryID(s string) (DeploymentHistoryID, error) {
	u, err := uuid.Parse(s)
	return DeploymentHistoryID(u), err
}
