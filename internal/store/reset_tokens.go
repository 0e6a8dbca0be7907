package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"fielddiag/internal/models"
)

func (s *Store) CreatePasswordResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (models.PasswordResetToken, error) {
	t := models.PasswordResetToken{ID: uuid.NewString(), UserID: userID, TokenHash: tokenHash, ExpiresAt: expiresAt.UTC(), CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO password_reset_tokens(id,user_id,token_hash,expires_at,created_at) VALUES(?,?,?,?,?)`),
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return models.PasswordResetToken{}, ErrDuplicate
	}
	return t, err
}

func (s *Store) GetPasswordResetTokenByHash(ctx context.Context, tokenHash string) (models.PasswordResetToken, error) {
	var t models.PasswordResetToken
	var used sql.NullTime
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id,user_id,token_hash,expires_at,used_at,created_at FROM password_reset_tokens WHERE token_hash=?`), tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &used, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return models.PasswordResetToken{}, ErrNotFound
	}
	if err != nil {
		return models.PasswordResetToken{}, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UsedAt = timePtr(used)
	return t, nil
}

// ConsumePasswordResetToken marks the token used and stores the new password
// hash in one transaction. The used_at guard is the compare-and-set: of two
// racing consumers only one sees a row change, the other gets ErrConflict.
// Any other outstanding tokens for the same identity are retired as well.
func (s *Store) ConsumePasswordResetToken(ctx context.Context, tokenID, userID, passwordHash string, usedAt time.Time) error {
	usedAt = usedAt.UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			s.q(`UPDATE password_reset_tokens SET used_at=? WHERE id=? AND user_id=? AND used_at IS NULL`),
			usedAt, tokenID, userID,
		)
		if err != nil {
			return err
		}
		if err := s.requireOneRow(ctx, tx, res, "password_reset_tokens", tokenID); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			s.q(`UPDATE users SET password_hash=?, updated_at=? WHERE id=?`),
			passwordHash, usedAt, userID,
		)
		if err != nil {
			return err
		}
		// Zero affected rows on an existing user means the stored values were
		// already equal; the remaining tokens are still retired.
		if err := s.requireOneRow(ctx, tx, res, "users", userID); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		_, err = tx.ExecContext(ctx,
			s.q(`UPDATE password_reset_tokens SET used_at=? WHERE user_id=? AND used_at IS NULL AND id<>?`),
			usedAt, userID, tokenID,
		)
		return err
	})
}
