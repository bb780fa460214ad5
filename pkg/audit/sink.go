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

// Package audit implements the platform's append-only mutation log.
// Transactional callers (RBAC, deployment mutations) write their entry
// inside the same *sqlx.Tx as the mutation they describe, satisfying the
// "committed mutation has a corresponding audit row" guarantee. A small
// buffered Store additionally absorbs best-effort, non-transactional
// writes (reconciler-cycle outcomes) without blocking the caller.
package audit

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/forgebase/platform/pkg/domain"
)

// Entry is the row persisted for a single actor-initiated mutation.
type Entry = domain.AuditEntry

// Sink is the contract every mutation path writes through. Record must
// be called with the in-flight transaction of the mutation it describes
// so both commit or both roll back together.
type Sink interface {
	Record(ctx context.Context, tx *sqlx.Tx, entry Entry) error
}
