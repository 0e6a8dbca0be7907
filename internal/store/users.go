package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fielddiag/internal/models"
)

const userColumns = `id,email,name,phone,password_hash,role,active,created_at,updated_at`

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) CreateUser(ctx context.Context, u models.Identity) (models.Identity, error) {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = NormalizeEmail(u.Email)
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		u.ID, u.Email, u.Name, nullableString(u.Phone), u.PasswordHash, string(u.Role), u.Active, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return models.Identity{}, ErrDuplicate
	}
	if err != nil {
		return models.Identity{}, err
	}
	return u, nil
}

// EnsureSuperAdmin creates or re-activates the bootstrap account.
func (s *Store) EnsureSuperAdmin(ctx context.Context, email, passwordHash string) error {
	email = NormalizeEmail(email)
	if email == "" || passwordHash == "" {
		return nil
	}
	u, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, err = s.CreateUser(ctx, models.Identity{
			Email:        email,
			Name:         "Bootstrap Administrator",
			PasswordHash: passwordHash,
			Role:         models.RoleSuperAdmin,
			Active:       true,
		})
		return err
	}
	if err != nil {
		return err
	}
	if u.Role != models.RoleSuperAdmin {
		// Roles are immutable after creation.
		return ErrConflict
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`UPDATE users SET active=?, password_hash=?, updated_at=? WHERE id=?`),
		true, passwordHash, time.Now().UTC(), u.ID,
	)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email=?`), NormalizeEmail(email))
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id)
	return scanUser(row)
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET password_hash=?, updated_at=? WHERE id=?`),
		passwordHash, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	return s.requireOneRow(ctx, s.db, res, "users", userID)
}

func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users SET active=?, updated_at=? WHERE id=?`),
		active, time.Now().UTC(), userID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row scanner) (models.Identity, error) {
	var u models.Identity
	var phone sql.NullString
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &phone, &u.PasswordHash, &role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Identity{}, ErrNotFound
	}
	if err != nil {
		return models.Identity{}, err
	}
	u.Role = models.Role(role)
	u.Phone = strPtr(phone)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}
