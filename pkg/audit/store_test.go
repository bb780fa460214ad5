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

package audit

import (
	"context"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	apperrors "github.com/forgebase/platform/internal/errors"
	"github.com/forgebase/platform/pkg/ids"
)

var _ = Describe("Store", func() {
	var (
		db       *sqlx.DB
		mock     sqlmock.Sqlmock
		store    *Store
		entry    Entry
	)

	BeforeEach(func() {
		rawDB, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		db = sqlx.NewDb(rawDB, "sqlmock")
		mock = m

		logger := logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		store = NewStore(db, logger, 16, 50*time.Millisecond, 4)

		entry = Entry{
			ID:           ids.NewAuditID(),
			Actor:        ids.NewUserID(),
			ActorName:    "alice",
			Action:       "deployment.rollback",
			ResourceType: "deployment",
			ResourceID:   ids.NewDeploymentID().String(),
			Detail:       map[string]any{"from": "v2", "to": "v1"},
			CreatedAt:    time.Now().UTC(),
		}
	})

	Describe("Record", func() {
		It("writes the entry inside the caller's transaction", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			tx, err := db.Beginx()
			Expect(err).ToNot(HaveOccurred())

			Expect(store.Record(context.Background(), tx, entry)).To(Succeed())
			Expect(tx.Commit()).To(Succeed())

			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("propagates a database error as a database-typed error", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(context.DeadlineExceeded)

			tx, err := db.Beginx()
			Expect(err).ToNot(HaveOccurred())

			err = store.Record(context.Background(), tx, entry)
			Expect(err).To(HaveOccurred())
			Expect(apperrors.GetType(err)).To(Equal(apperrors.ErrorTypeDatabase))
			_ = tx.Rollback()
		})
	})

	Describe("RecordAsync and Run", func() {
		It("flushes buffered entries on a background tick", func() {
			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				store.Run(ctx)
				close(done)
			}()

			store.RecordAsync(entry)

			Eventually(func() error {
				return mock.ExpectationsWereMet()
			}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

			cancel()
			<-done
		})

		It("drops entries once the buffer is full instead of blocking", func() {
			small := NewStore(db, logrus.New(), 1, time.Hour, 100)
			small.RecordAsync(entry)
			done := make(chan struct{})
			go func() {
				small.RecordAsync(entry)
				close(done)
			}()
			Eventually(done).Should(BeClosed())
		})
	})
})
