package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"fielddiag/internal/db"
	"fielddiag/internal/models"
)

func newMockStore(t *testing.T, driver string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqdb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	return NewForDriver(sqdb, driver), mock
}

func TestConsumeResetRollsBackWhenUserUpdateFails(t *testing.T) {
	st, mock := newMockStore(t, db.DriverSQLite)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE password_reset_tokens SET used_at=? WHERE id=? AND user_id=? AND used_at IS NULL`)).
		WithArgs(sqlmock.AnyArg(), "tok-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET password_hash=?`)).
		WithArgs("hash", sqlmock.AnyArg(), "user-1").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := st.ConsumePasswordResetToken(context.Background(), "tok-1", "user-1", "hash", time.Now())
	if err == nil || err.Error() != "disk I/O error" {
		t.Fatalf("expected storage error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeResetRetiresOtherTokensWhenUserRowUnchanged(t *testing.T) {
	st, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_reset_tokens SET used_at`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET password_hash=?`)).
		WithArgs("hash", sqlmock.AnyArg(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM users WHERE id=?`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE password_reset_tokens SET used_at=? WHERE user_id=? AND used_at IS NULL AND id<>?`)).
		WithArgs(sqlmock.AnyArg(), "user-1", "tok-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := st.ConsumePasswordResetToken(context.Background(), "tok-1", "user-1", "hash", time.Now()); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeResetAlreadyUsedIsConflict(t *testing.T) {
	st, mock := newMockStore(t, db.DriverSQLite)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_reset_tokens SET used_at`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM password_reset_tokens WHERE id=?`)).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectRollback()

	err := st.ConsumePasswordResetToken(context.Background(), "tok-1", "user-1", "hash", time.Now())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateDiagnosticReviewUsesPostgresPlaceholders(t *testing.T) {
	st, mock := newMockStore(t, db.DriverPostgres)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE diagnostics SET review_status=$1, reviewer_id=$2, review_notes=$3, reviewed_at=$4 WHERE id=$5 AND review_status=$6`)).
		WithArgs("verified", "admin-1", nil, at, "diag-1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM diagnostics WHERE id=$1`)).
		WithArgs("diag-1").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	err := st.UpdateDiagnosticReview(context.Background(), "diag-1", models.ReviewPending,
		models.Review{Status: models.ReviewVerified, ReviewerID: "admin-1", ReviewedAt: at})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkNotificationFailedPropagatesStorageError(t *testing.T) {
	st, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectExec(regexp.QuoteMeta(`retry_count=retry_count+1`)).
		WithArgs("timeout", sqlmock.AnyArg(), "n-1").
		WillReturnError(errors.New("connection refused"))

	if err := st.MarkNotificationFailed(context.Background(), "n-1", "timeout", time.Now()); err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateNotificationMapsDriverUniqueViolations(t *testing.T) {
	cases := []struct {
		name   string
		driver string
		err    error
	}{
		{name: "postgres", driver: db.DriverPostgres, err: &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}},
		{name: "mysql", driver: db.DriverMySQL, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
		{name: "sqlite", driver: db.DriverSQLite, err: fmt.Errorf("constraint failed: UNIQUE constraint failed: notifications.idempotency_key (2067)")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, mock := newMockStore(t, tc.driver)
			mock.ExpectExec(`INSERT INTO notifications`).WillReturnError(tc.err)
			key := "k"
			err := st.CreateNotification(context.Background(), models.Notification{
				ID: "n-1", Type: models.NotificationSMS, Recipient: "r", Message: "m",
				Priority: models.PriorityUrgent, Status: models.DeliveryPending, IdempotencyKey: &key,
			})
			if !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}
		})
	}
}

func TestIsUniqueViolationIgnoresOtherErrors(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Fatalf("nil is not a violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not unique violation")
	}
	if isUniqueViolation(&mysql.MySQLError{Number: 1452}) {
		t.Fatalf("mysql fk error is not unique violation")
	}
}
