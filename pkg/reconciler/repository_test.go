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

func sqlErrNoRowsForTest() error { return sql.ErrNoRows }

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

	Describe("SelectForWork", func() {
		It("parses every matched row", func() {
			d := ids.NewDeploymentID()
			project := ids.NewProjectID()
			rows := sqlmock.NewRows([]string{
				"id", "project", "environment", "ops_repo", "manifest_path", "image_ref",
				"values_override", "desired_status", "observed_status", "current_sha",
				"deployed_by", "deployed_at", "consecutive_failures", "next_eligible_at", "updated_at",
			}).AddRow(
				d.String(), project.String(), "staging", nil, "deployment.yaml.tmpl", "registry/app:v1",
				[]byte("{}"), "active", "pending", "", ids.NewUserID().String(), nil, 0, time.Now(), time.Now(),
			)
			mock.ExpectQuery("SELECT d.id, d.project, d.environment").WithArgs(10).WillReturnRows(rows)

			got, err := repo.SelectForWork(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal(d))
		})
	})

	Describe("SetObservedStatus", func() {
		It("executes the update", func() {
			id := ids.NewDeploymentID()
			mock.ExpectExec("UPDATE deployments SET observed_status").
				WithArgs(id.String(), string(domain.ObservedHealthy)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.SetObservedStatus(ctx, id, domain.ObservedHealthy)).To(Succeed())
		})
	})

	Describe("MarkDeployed", func() {
		It("executes the update", func() {
			id := ids.NewDeploymentID()
			now := time.Now()
			mock.ExpectExec("UPDATE deployments SET current_sha").
				WithArgs(id.String(), "abc123", now).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.MarkDeployed(ctx, id, "abc123", now)).To(Succeed())
		})
	})

	Describe("InsertHistory", func() {
		It("executes the named insert", func() {
			mock.ExpectExec("INSERT INTO deployment_history").WillReturnResult(sqlmock.NewResult(1, 1))

			row := domain.DeploymentHistory{
				ID: ids.NewDeploymentHistoryID(), Deployment: ids.NewDeploymentID(),
				ImageRef: "registry/app:v1", Action: domain.ActionDeploy, Outcome: domain.OutcomeSuccess,
				Actor: ids.NewUserID(), CreatedAt: time.Now(),
			}
			Expect(repo.InsertHistory(ctx, row)).To(Succeed())
		})
	})

	Describe("LatestSuccessfulDeploy", func() {
		It("returns nil, nil when no prior successful deploy exists", func() {
			deployment := ids.NewDeploymentID()
			mock.ExpectQuery("SELECT id, deployment, image_ref").
				WithArgs(deployment.String(), "registry/app:v1").
				WillReturnError(sqlErrNoRowsForTest())

			h, err := repo.LatestSuccessfulDeploy(ctx, deployment, "registry/app:v1")
			Expect(err).NotTo(HaveOccurred())
			Expect(h).To(BeNil())
		})

		It("maps a matched row", func() {
			historyID := ids.NewDeploymentHistoryID()
			deployment := ids.NewDeploymentID()
			actor := ids.NewUserID()
			rows := sqlmock.NewRows([]string{"id", "deployment", "image_ref", "commit_sha", "action", "outcome", "actor", "message", "created_at"}).
				AddRow(historyID.String(), deployment.String(), "registry/app:v0", "sha0", "deploy", "success", actor.String(), "", time.Now())
			mock.ExpectQuery("SELECT id, deployment, image_ref").
				WithArgs(deployment.String(), "registry/app:v1").
				WillReturnRows(rows)

			h, err := repo.LatestSuccessfulDeploy(ctx, deployment, "registry/app:v1")
			Expect(err).NotTo(HaveOccurred())
			Expect(h.ID).To(Equal(historyID))
			Expect(h.ImageRef).To(Equal("registry/app:v0"))
			Expect(h.Action).To(Equal(domain.ActionDeploy))
			Expect(h.Outcome).To(Equal(domain.OutcomeSuccess))
		})
	})

	Describe("GetOpsRepo", func() {
		It("returns a not-found error when no row matches", func() {
			id := ids.NewOpsRepoID()
			mock.ExpectQuery("SELECT id, name, remote_url").WithArgs(id.String()).WillReturnError(sqlErrNoRowsForTest())

			_, err := repo.GetOpsRepo(ctx, id)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeNotFound))
		})
	})

	Describe("SetBackoff / ResetBackoff", func() {
		It("executes the backoff update", func() {
			id := ids.NewDeploymentID()
			next := time.Now().Add(time.Minute)
			mock.ExpectExec("UPDATE deployments SET consecutive_failures = \\$2, next_eligible_at").
				WithArgs(id.String(), 2, next).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.SetBackoff(ctx, id, 2, next)).To(Succeed())
		})

		It("executes the reset", func() {
			id := ids.NewDeploymentID()
			mock.ExpectExec("UPDATE deployments SET consecutive_failures = 0").
				WithArgs(id.String()).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.ResetBackoff(ctx, id)).To(Succeed())
		})
	})
})
