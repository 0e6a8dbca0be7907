package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"fielddiag/internal/models"
)

const diagnosticColumns = `id,subject_id,submitter_id,result,confidence,image_locator,review_status,reviewer_id,review_notes,reviewed_at,created_at`

func (s *Store) CreateDiagnostic(ctx context.Context, d models.Diagnostic) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO diagnostics(`+diagnosticColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.SubjectID, d.SubmitterID, string(d.Result), d.Confidence, d.ImageLocator, string(d.ReviewStatus),
		nullableString(d.ReviewerID), nullableString(d.ReviewNotes), nullableTime(d.ReviewedAt), d.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetDiagnostic(ctx context.Context, id string) (models.Diagnostic, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+diagnosticColumns+` FROM diagnostics WHERE id=?`), id)
	return scanDiagnostic(row)
}

func (s *Store) ListDiagnostics(ctx context.Context, f models.DiagnosticFilter) ([]models.Diagnostic, error) {
	var where []string
	var args []any
	if f.SubmitterID != "" {
		where = append(where, "submitter_id=?")
		args = append(args, f.SubmitterID)
	}
	if f.Status != "" {
		where = append(where, "review_status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + diagnosticColumns + ` FROM diagnostics`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Diagnostic, 0, f.Limit)
	for rows.Next() {
		d, err := scanDiagnostic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDiagnosticReview writes all review fields in one statement, guarded on
// the status the caller read. A concurrent transition makes it return ErrConflict.
func (s *Store) UpdateDiagnosticReview(ctx context.Context, id string, expected models.ReviewStatus, r models.Review) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE diagnostics SET review_status=?, reviewer_id=?, review_notes=?, reviewed_at=? WHERE id=? AND review_status=?`),
		string(r.Status), r.ReviewerID, nullableString(r.Notes), r.ReviewedAt.UTC(), id, string(expected),
	)
	if err != nil {
		return err
	}
	return s.requireOneRow(ctx, s.db, res, "diagnostics", id)
}

func scanDiagnostic(row scanner) (models.Diagnostic, error) {
	var d models.Diagnostic
	var result, status string
	var reviewer, notes sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(&d.ID, &d.SubjectID, &d.SubmitterID, &result, &d.Confidence, &d.ImageLocator, &status,
		&reviewer, &notes, &reviewedAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Diagnostic{}, ErrNotFound
	}
	if err != nil {
		return models.Diagnostic{}, err
	}
	d.Result = models.Result(result)
	d.ReviewStatus = models.ReviewStatus(status)
	d.ReviewerID = strPtr(reviewer)
	d.ReviewNotes = strPtr(notes)
	d.ReviewedAt = timePtr(reviewedAt)
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}
