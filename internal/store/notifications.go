package store

import (
	"context"
	"database/sql"
	"time"

	"fielddiag/internal/models"
)

const notificationColumns = `id,diagnostic_id,type,recipient,subject,message,priority,status,sent_at,error_detail,retry_count,idempotency_key,created_at,updated_at`

func (s *Store) CreateNotification(ctx context.Context, n models.Notification) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO notifications(`+notificationColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		n.ID, nullableString(n.DiagnosticID), string(n.Type), n.Recipient, n.Subject, n.Message, string(n.Priority),
		string(n.Status), nullableTime(n.SentAt), nullableString(n.ErrorDetail), n.RetryCount,
		nullableString(n.IdempotencyKey), n.CreatedAt.UTC(), n.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+notificationColumns+` FROM notifications WHERE id=?`), id)
	return scanNotification(row)
}

func (s *Store) GetNotificationByIdempotencyKey(ctx context.Context, key string) (models.Notification, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+notificationColumns+` FROM notifications WHERE idempotency_key=?`), key)
	return scanNotification(row)
}

// MarkNotificationSent moves any non-sent intent to sent. A sent intent is
// terminal and yields ErrConflict.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE notifications SET status='sent', sent_at=?, error_detail=NULL, updated_at=? WHERE id=? AND status<>'sent'`),
		at, at, id,
	)
	if err != nil {
		return err
	}
	return s.requireOneRow(ctx, s.db, res, "notifications", id)
}

// MarkNotificationFailed records one failed attempt. The retry counter is
// incremented in SQL so concurrent writers never lose an increment.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, detail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE notifications SET status='failed', error_detail=?, retry_count=retry_count+1, updated_at=? WHERE id=? AND status<>'sent'`),
		detail, at.UTC(), id,
	)
	if err != nil {
		return err
	}
	return s.requireOneRow(ctx, s.db, res, "notifications", id)
}

func (s *Store) CountUrgentNotificationsSince(ctx context.Context, recipient string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(1) FROM notifications WHERE recipient=? AND priority='urgent' AND created_at>=?`),
		recipient, since.UTC(),
	).Scan(&n)
	return n, err
}

// ListRetryableNotifications returns failed intents still under the attempt
// ceiling plus pending intents that have not moved since staleBefore.
func (s *Store) ListRetryableNotifications(ctx context.Context, maxRetries int, staleBefore time.Time, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+notificationColumns+` FROM notifications
WHERE (status='failed' AND retry_count<?) OR (status='pending' AND updated_at<?)
ORDER BY updated_at ASC, id ASC LIMIT ?`),
		maxRetries, staleBefore.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row scanner) (models.Notification, error) {
	var n models.Notification
	var typ, priority, status string
	var diagID, errDetail, idemKey sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(&n.ID, &diagID, &typ, &n.Recipient, &n.Subject, &n.Message, &priority, &status,
		&sentAt, &errDetail, &n.RetryCount, &idemKey, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Notification{}, ErrNotFound
	}
	if err != nil {
		return models.Notification{}, err
	}
	n.Type = models.NotificationType(typ)
	n.Priority = models.Priority(priority)
	n.Status = models.DeliveryStatus(status)
	n.DiagnosticID = strPtr(diagID)
	n.ErrorDetail = strPtr(errDetail)
	n.IdempotencyKey = strPtr(idemKey)
	n.SentAt = timePtr(sentAt)
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return n, nil
}
