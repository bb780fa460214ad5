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
	"database/sql"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/domain"
	"github.com/forgebase/platform/pkg/ids"
)

func sqlErrNoRows() error { return sql.ErrNoRows }

var _ = Describe("PostgresRepository", func() {
	var (
		db   *sqlx.DB
		mock sqlmock.Sqlmock
		repo *PostgresRepository
		ctx  context.Context
	)

	BeforeEach(func() {
		rawDB, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).NotTo(HaveOccurred())
		db = sqlx.NewDb(rawDB, "sqlmock")
		mock = m
		repo = NewPostgresRepository(db)
		ctx = context.Background()
	})

	AfterEach(func() {
		db.Close()
	})

	Describe("EffectivePermissions", func() {
		It("unions role-grant and delegation permission strings", func() {
			actor := ids.NewUserID()
			rows := sqlmock.NewRows([]string{"permission"}).
				AddRow("project:read").
				AddRow("deploy:promote")
			mock.ExpectQuery("SELECT DISTINCT rg.permission").WithArgs(actor.String(), nil).WillReturnRows(rows)

			perms, err := repo.EffectivePermissions(ctx, actor, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(perms).To(HaveLen(2))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("wraps an unrecognized permission string as an internal error", func() {
			actor := ids.NewUserID()
			rows := sqlmock.NewRows([]string{"permission"}).AddRow("not:a:real:permission")
			mock.ExpectQuery("SELECT DISTINCT rg.permission").WithArgs(actor.String(), nil).WillReturnRows(rows)

			_, err := repo.EffectivePermissions(ctx, actor, nil)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeInternal))
		})
	})

	Describe("GetDelegation", func() {
		It("returns a not-found error when no row matches", func() {
			id := ids.NewDelegationID()
			mock.ExpectQuery("SELECT id, delegator, delegate, permission, project, created_at, expires_at, revoked_at, reason").
				WithArgs(id.String()).
				WillReturnError(sqlErrNoRows())

			_, err := repo.GetDelegation(ctx, id)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeNotFound))
		})

		It("maps a matched row back into a domain.Delegation", func() {
			id := ids.NewDelegationID()
			delegator := ids.NewUserID()
			delegate := ids.NewUserID()
			now := time.Now().UTC().Truncate(time.Second)

			rows := sqlmock.NewRows([]string{"id", "delegator", "delegate", "permission", "project", "created_at", "expires_at", "revoked_at", "reason"}).
				AddRow(id.String(), delegator.String(), delegate.String(), "deploy:promote", nil, now, nil, nil, "on-call coverage")
			mock.ExpectQuery("SELECT id, delegator, delegate, permission, project, created_at, expires_at, revoked_at, reason").
				WithArgs(id.String()).
				WillReturnRows(rows)

			d, err := repo.GetDelegation(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.ID).To(Equal(id))
			Expect(d.Delegator).To(Equal(delegator))
			Expect(d.Project).To(BeNil())
		})
	})

	Describe("InsertDelegation", func() {
		It("executes the insert with named parameters", func() {
			mock.ExpectExec("INSERT INTO delegations").WillReturnResult(sqlmock.NewResult(1, 1))

			d := sampleDelegation()
			Expect(repo.InsertDelegation(ctx, nil, d)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("runs on the supplied transaction instead of the pool", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO delegations").WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			tx, err := db.BeginTxx(ctx, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(repo.InsertDelegation(ctx, tx, sampleDelegation())).To(Succeed())
			Expect(tx.Commit()).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("RevokeDelegation", func() {
		It("executes the update", func() {
			id := ids.NewDelegationID()
			mock.ExpectExec("UPDATE delegations SET revoked_at").WithArgs(id.String(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.RevokeDelegation(ctx, nil, id, time.Now())).To(Succeed())
		})

		It("runs on the supplied transaction instead of the pool", func() {
			id := ids.NewDelegationID()
			mock.ExpectBegin()
			mock.ExpectExec("UPDATE delegations SET revoked_at").WithArgs(id.String(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			tx, err := db.BeginTxx(ctx, nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(repo.RevokeDelegation(ctx, tx, id, time.Now())).To(Succeed())
			Expect(tx.Commit()).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("UsersBoundToRole", func() {
		It("parses every (user, scope) row", func() {
			role := ids.NewRoleID()
			u1 := ids.NewUserID()
			rows := sqlmock.NewRows([]string{"user_id", "project"}).AddRow(u1.String(), nil)
			mock.ExpectQuery("SELECT user_id, project FROM user_role_assignments").WithArgs(role.String()).WillReturnRows(rows)

			scopes, err := repo.UsersBoundToRole(ctx, role)
			Expect(err).NotTo(HaveOccurred())
			Expect(scopes).To(HaveLen(1))
			Expect(scopes[0].UserID).To(Equal(u1))
			Expect(scopes[0].Project).To(BeNil())
		})
	})

	Describe("EnsureAdminRole", func() {
		It("creates the role and grants every permission when none exists yet", func() {
			mock.ExpectQuery("SELECT id FROM roles WHERE name").
				WithArgs("admin").
				WillReturnError(sqlErrNoRows())
			mock.ExpectExec("INSERT INTO roles").
				WithArgs(sqlmock.AnyArg(), "admin").
				WillReturnResult(sqlmock.NewResult(1, 1))
			for range domain.AllPermissions() {
				mock.ExpectExec("INSERT INTO role_grants").
					WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			}

			_, err := repo.EnsureAdminRole(ctx)
			Expect(err).NotTo(HaveOccurred())
		})

		It("only grants missing permissions when the role already exists", func() {
			roleID := ids.NewRoleID()
			mock.ExpectQuery("SELECT id FROM roles WHERE name").
				WithArgs("admin").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(roleID.String()))
			for range domain.AllPermissions() {
				mock.ExpectExec("INSERT INTO role_grants").
					WithArgs(roleID.String(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			}

			id, err := repo.EnsureAdminRole(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(roleID))
		})
	})
})

func sampleDelegation() domain.Delegation {
	return domain.Delegation{
		ID:         ids.NewDelegationID(),
		Delegator:  ids.NewUserID(),
		Delegate:   ids.NewUserID(),
		Permission: domain.PermDeployPromote,
		CreatedAt:  time.Now().UTC(),
		Reason:     "on-call coverage",
	}
}
