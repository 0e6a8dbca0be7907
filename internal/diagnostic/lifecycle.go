// Package diagnostic owns submission, visibility and the forward-only review
// workflow of diagnostic records.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"fielddiag/internal/apperr"
	"fielddiag/internal/auth"
	"fielddiag/internal/events"
	"fielddiag/internal/ids"
	"fielddiag/internal/models"
	"fielddiag/internal/obs"
	"fielddiag/internal/store"
)

const (
	MaxNotesLength   = 2000
	maxSubjectIDLen  = 128
	maxLocatorLength = 1024
	maxPageSize      = 200
	defaultPageSize  = 50
)

type Store interface {
	CreateDiagnostic(ctx context.Context, d models.Diagnostic) error
	GetDiagnostic(ctx context.Context, id string) (models.Diagnostic, error)
	ListDiagnostics(ctx context.Context, f models.DiagnosticFilter) ([]models.Diagnostic, error)
	UpdateDiagnosticReview(ctx context.Context, id string, expected models.ReviewStatus, r models.Review) error
}

type Publisher interface {
	PublishResult(r events.ResultAvailable) bool
}

type Auditor interface {
	InsertAudit(ctx context.Context, actorID, action, target, metadata string) error
}

type SubmitInput struct {
	SubjectID    string
	Result       models.Result
	Confidence   int
	ImageLocator string
}

type ListFilter struct {
	Status models.ReviewStatus
	Limit  int
	Offset int
}

type ReviewInput struct {
	ID     string
	Status models.ReviewStatus
	Notes  *string
	// ExpectedStatus, when set, must equal the record's current status.
	ExpectedStatus *models.ReviewStatus
}

type Lifecycle struct {
	st    Store
	bus   Publisher
	audit Auditor
	now   func() time.Time
}

type Option func(*Lifecycle)

func WithPublisher(p Publisher) Option { return func(l *Lifecycle) { l.bus = p } }

func WithAuditor(a Auditor) Option { return func(l *Lifecycle) { l.audit = a } }

func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

func New(st Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{st: st, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit records a new diagnostic in the pending state on behalf of claims.
func (l *Lifecycle) Submit(ctx context.Context, claims *auth.Claims, in SubmitInput) (models.Diagnostic, error) {
	if err := auth.Authorize(claims, auth.AllRoles); err != nil {
		return models.Diagnostic{}, err
	}
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	in.ImageLocator = strings.TrimSpace(in.ImageLocator)
	switch {
	case in.SubjectID == "":
		return models.Diagnostic{}, fmt.Errorf("%w: subject id is required", apperr.ErrValidation)
	case len(in.SubjectID) > maxSubjectIDLen:
		return models.Diagnostic{}, fmt.Errorf("%w: subject id too long", apperr.ErrValidation)
	case !in.Result.Valid():
		return models.Diagnostic{}, fmt.Errorf("%w: result must be positive, negative or inconclusive", apperr.ErrValidation)
	case in.Confidence < 0 || in.Confidence > 100:
		return models.Diagnostic{}, fmt.Errorf("%w: confidence must be between 0 and 100", apperr.ErrValidation)
	case in.ImageLocator == "":
		return models.Diagnostic{}, fmt.Errorf("%w: image locator is required", apperr.ErrValidation)
	case len(in.ImageLocator) > maxLocatorLength:
		return models.Diagnostic{}, fmt.Errorf("%w: image locator too long", apperr.ErrValidation)
	}

	d := models.Diagnostic{
		ID:           ids.New(),
		SubjectID:    in.SubjectID,
		SubmitterID:  claims.IdentityID(),
		Result:       in.Result,
		Confidence:   in.Confidence,
		ImageLocator: in.ImageLocator,
		ReviewStatus: models.ReviewPending,
		CreatedAt:    l.now().UTC(),
	}
	if err := l.st.CreateDiagnostic(ctx, d); err != nil {
		return models.Diagnostic{}, err
	}
	log.Printf("diagnostic submitted id=%s submitter=%s result=%s", d.ID, d.SubmitterID, d.Result)
	return d, nil
}

// Get returns one record. Field workers only see their own submissions; other
// records look missing to them.
func (l *Lifecycle) Get(ctx context.Context, claims *auth.Claims, id string) (models.Diagnostic, error) {
	if err := auth.Authorize(claims, auth.AllRoles); err != nil {
		return models.Diagnostic{}, err
	}
	d, err := l.load(ctx, id)
	if err != nil {
		return models.Diagnostic{}, err
	}
	if !auth.AdminRoles.Contains(claims.Role) && d.SubmitterID != claims.IdentityID() {
		return models.Diagnostic{}, fmt.Errorf("%w: diagnostic not found", apperr.ErrNotFound)
	}
	return d, nil
}

func (l *Lifecycle) List(ctx context.Context, claims *auth.Claims, f ListFilter) ([]models.Diagnostic, error) {
	if err := auth.Authorize(claims, auth.AllRoles); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown review status %q", apperr.ErrValidation, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	filter := models.DiagnosticFilter{Status: f.Status, Limit: f.Limit, Offset: f.Offset}
	if !auth.AdminRoles.Contains(claims.Role) {
		filter.SubmitterID = claims.IdentityID()
	}
	return l.st.ListDiagnostics(ctx, filter)
}

// Review moves a record forward along pending, reviewed, verified. Verified
// records are final. The write is conditional on the status read here, so a
// concurrent reviewer that got there first turns this call into a conflict.
func (l *Lifecycle) Review(ctx context.Context, claims *auth.Claims, in ReviewInput) (models.Diagnostic, error) {
	if err := auth.Authorize(claims, auth.AdminRoles); err != nil {
		return models.Diagnostic{}, err
	}
	if in.Status != models.ReviewReviewed && in.Status != models.ReviewVerified {
		return models.Diagnostic{}, fmt.Errorf("%w: status must be reviewed or verified", apperr.ErrValidation)
	}
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		if utf8.RuneCountInString(notes) > MaxNotesLength {
			return models.Diagnostic{}, fmt.Errorf("%w: notes exceed %d characters", apperr.ErrValidation, MaxNotesLength)
		}
		if notes == "" {
			in.Notes = nil
		} else {
			in.Notes = &notes
		}
	}
	if in.ExpectedStatus != nil && !in.ExpectedStatus.Valid() {
		return models.Diagnostic{}, fmt.Errorf("%w: unknown expected status %q", apperr.ErrValidation, *in.ExpectedStatus)
	}

	current, err := l.load(ctx, in.ID)
	if err != nil {
		return models.Diagnostic{}, err
	}
	if in.ExpectedStatus != nil && *in.ExpectedStatus != current.ReviewStatus {
		obs.ObserveReview(string(in.Status), "conflict")
		return models.Diagnostic{}, fmt.Errorf("%w: diagnostic is %s, expected %s", apperr.ErrConflict, current.ReviewStatus, *in.ExpectedStatus)
	}
	if current.ReviewStatus == models.ReviewVerified {
		obs.ObserveReview(string(in.Status), "conflict")
		return models.Diagnostic{}, fmt.Errorf("%w: diagnostic is already verified", apperr.ErrConflict)
	}
	if in.Status.Rank() < current.ReviewStatus.Rank() {
		obs.ObserveReview(string(in.Status), "conflict")
		return models.Diagnostic{}, fmt.Errorf("%w: cannot move diagnostic from %s back to %s", apperr.ErrConflict, current.ReviewStatus, in.Status)
	}

	r := models.Review{
		Status:     in.Status,
		ReviewerID: claims.IdentityID(),
		Notes:      in.Notes,
		ReviewedAt: l.now().UTC(),
	}
	if err := l.st.UpdateDiagnosticReview(ctx, current.ID, current.ReviewStatus, r); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			obs.ObserveReview(string(in.Status), "conflict")
			return models.Diagnostic{}, fmt.Errorf("%w: diagnostic was reviewed concurrently", apperr.ErrConflict)
		case errors.Is(err, store.ErrNotFound):
			return models.Diagnostic{}, fmt.Errorf("%w: diagnostic not found", apperr.ErrNotFound)
		}
		return models.Diagnostic{}, err
	}
	obs.ObserveReview(string(in.Status), "applied")

	updated := current
	updated.ReviewStatus = r.Status
	updated.ReviewerID = &r.ReviewerID
	updated.ReviewNotes = r.Notes
	updated.ReviewedAt = &r.ReviewedAt

	log.Printf("diagnostic reviewed id=%s from=%s to=%s reviewer=%s", updated.ID, current.ReviewStatus, updated.ReviewStatus, r.ReviewerID)
	if l.audit != nil {
		meta := fmt.Sprintf(`{"from":%q,"to":%q}`, current.ReviewStatus, updated.ReviewStatus)
		if err := l.audit.InsertAudit(ctx, r.ReviewerID, "diagnostic.review", updated.ID, meta); err != nil {
			log.Printf("diagnostic audit_failed id=%s err=%v", updated.ID, err)
		}
	}
	if l.bus != nil {
		l.bus.PublishResult(events.ResultAvailable{
			DiagnosticID: updated.ID,
			SubjectID:    updated.SubjectID,
			SubmitterID:  updated.SubmitterID,
			Result:       updated.Result,
			Confidence:   updated.Confidence,
			Status:       updated.ReviewStatus,
			ReviewerID:   r.ReviewerID,
			ReviewedAt:   r.ReviewedAt,
		})
	}
	return updated, nil
}

func (l *Lifecycle) load(ctx context.Context, id string) (models.Diagnostic, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Diagnostic{}, fmt.Errorf("%w: diagnostic id is required", apperr.ErrValidation)
	}
	d, err := l.st.GetDiagnostic(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Diagnostic{}, fmt.Errorf("%w: diagnostic not found", apperr.ErrNotFound)
	}
	return d, err
}
