package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"fielddiag/internal/apperr"
	"fielddiag/internal/auth"
	"fielddiag/internal/config"
	"fielddiag/internal/models"
	"fielddiag/internal/obs"
	"fielddiag/internal/store"
)

// ResetTokenTTL is how long a password reset token stays usable.
const ResetTokenTTL = time.Hour

var (
	errInvalidCredentials = fmt.Errorf("%w: invalid credentials", apperr.ErrUnauthorized)

	phoneRx = regexp.MustCompile(`^\+?[0-9]{6,15}$`)
)

type ResetMailer interface {
	SendPasswordReset(ctx context.Context, toEmail, token string) error
}

type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Phone    string
	Role     models.Role
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Identity  models.Identity
}

// Service implements the account flows: registration, login, session
// resolution, activation and password reset.
type Service struct {
	cfg    config.Config
	st     *store.Store
	tokens *auth.TokenService
	guard  *auth.Guard
	mailer ResetMailer
	now    func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg config.Config, st *store.Store, tokens *auth.TokenService, mailer ResetMailer, opts ...Option) *Service {
	s := &Service{cfg: cfg, st: st, tokens: tokens, guard: auth.NewGuard(tokens), mailer: mailer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Store() *store.Store { return s.st }

// Register creates an identity. Anyone may sign up as a field worker; other
// roles need a super_admin actor.
func (s *Service) Register(ctx context.Context, actor *auth.Claims, in RegisterInput) (models.Identity, error) {
	if in.Role == "" {
		in.Role = models.RoleFieldWorker
	}
	if !in.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: unknown role %q", apperr.ErrValidation, in.Role)
	}
	if in.Role != models.RoleFieldWorker {
		if err := auth.Authorize(actor, auth.SuperAdminOnly); err != nil {
			return models.Identity{}, err
		}
	}

	email := store.NormalizeEmail(in.Email)
	if email == "" {
		return models.Identity{}, fmt.Errorf("%w: email is required", apperr.ErrValidation)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return models.Identity{}, fmt.Errorf("%w: invalid email address", apperr.ErrValidation)
	}
	if err := s.ValidatePassword(in.Password); err != nil {
		return models.Identity{}, err
	}
	name := strings.TrimSpace(in.Name)
	if len(name) > 200 {
		return models.Identity{}, fmt.Errorf("%w: name too long", apperr.ErrValidation)
	}
	var phone *string
	if p := strings.TrimSpace(in.Phone); p != "" {
		if !phoneRx.MatchString(p) {
			return models.Identity{}, fmt.Errorf("%w: invalid phone number", apperr.ErrValidation)
		}
		phone = &p
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return models.Identity{}, err
	}
	u, err := s.st.CreateUser(ctx, models.Identity{
		Email:        email,
		Name:         name,
		Phone:        phone,
		PasswordHash: hash,
		Role:         in.Role,
		Active:       true,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return models.Identity{}, fmt.Errorf("%w: email already registered", apperr.ErrConflict)
	}
	if err != nil {
		return models.Identity{}, err
	}
	actorID := u.ID
	if actor != nil && actor.Subject != "" {
		actorID = actor.Subject
	}
	s.audit(ctx, actorID, "identity.register", u.ID, map[string]string{"role": string(u.Role)})
	return u, nil
}

// Login exchanges credentials for a session token. Every failure looks the
// same to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	u, err := s.st.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, err
		}
		auth.BurnPasswordCheck(password)
		return LoginResult{}, errInvalidCredentials
	}
	if !auth.VerifyPassword(u.PasswordHash, password) {
		s.audit(ctx, u.ID, "identity.login_failed", u.ID, nil)
		return LoginResult{}, errInvalidCredentials
	}
	if !u.Active {
		s.audit(ctx, u.ID, "identity.login_inactive", u.ID, nil)
		return LoginResult{}, errInvalidCredentials
	}
	token, exp, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return LoginResult{}, err
	}
	log.Printf("auth login user_id=%s role=%s", u.ID, u.Role)
	return LoginResult{Token: token, ExpiresAt: exp, Identity: u}, nil
}

// ResolveSession authenticates an Authorization header and confirms the
// identity behind it still exists and is active.
func (s *Service) ResolveSession(ctx context.Context, header string) (*auth.Claims, models.Identity, error) {
	claims, err := s.guard.Authenticate(header)
	if err != nil {
		return nil, models.Identity{}, err
	}
	u, err := s.st.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.Identity{}, fmt.Errorf("%w: identity no longer exists", apperr.ErrUnauthorized)
	}
	if err != nil {
		return nil, models.Identity{}, err
	}
	if !u.Active {
		return nil, models.Identity{}, fmt.Errorf("%w: account is deactivated", apperr.ErrUnauthorized)
	}
	if u.Role != claims.Role {
		return nil, models.Identity{}, fmt.Errorf("%w: session role is stale", apperr.ErrUnauthorized)
	}
	return claims, u, nil
}

func (s *Service) Me(ctx context.Context, claims *auth.Claims) (models.Identity, error) {
	if err := auth.Authorize(claims, auth.AllRoles); err != nil {
		return models.Identity{}, err
	}
	u, err := s.st.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("%w: identity not found", apperr.ErrNotFound)
	}
	return u, err
}

// SetActive toggles an account. Admins manage field workers and other admins;
// only a super_admin may change a super_admin. Nobody can deactivate themselves.
func (s *Service) SetActive(ctx context.Context, actor *auth.Claims, userID string, active bool) (models.Identity, error) {
	if err := auth.Authorize(actor, auth.AdminRoles); err != nil {
		return models.Identity{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.Identity{}, fmt.Errorf("%w: identity id is required", apperr.ErrValidation)
	}
	if userID == actor.Subject && !active {
		return models.Identity{}, fmt.Errorf("%w: cannot deactivate your own account", apperr.ErrValidation)
	}
	u, err := s.st.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("%w: identity not found", apperr.ErrNotFound)
	}
	if err != nil {
		return models.Identity{}, err
	}
	if u.Role == models.RoleSuperAdmin {
		if err := auth.Authorize(actor, auth.SuperAdminOnly); err != nil {
			return models.Identity{}, err
		}
	}
	if err := s.st.SetUserActive(ctx, userID, active); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Identity{}, fmt.Errorf("%w: identity not found", apperr.ErrNotFound)
		}
		return models.Identity{}, err
	}
	u.Active = active
	action := "identity.activate"
	if !active {
		action = "identity.deactivate"
	}
	s.audit(ctx, actor.Subject, action, userID, nil)
	return u, nil
}

// RequestPasswordReset issues a one-hour reset token for an active account
// and mails it. The result is the same whether or not the email is known.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := s.st.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			obs.ObserveResetToken("unknown_email")
			return nil
		}
		return err
	}
	if !u.Active {
		obs.ObserveResetToken("inactive")
		return nil
	}
	raw, hash, err := auth.NewOpaqueToken()
	if err != nil {
		return err
	}
	if _, err := s.st.CreatePasswordResetToken(ctx, u.ID, hash, s.now().UTC().Add(ResetTokenTTL)); err != nil {
		return err
	}
	obs.ObserveResetToken("issued")
	s.audit(ctx, u.ID, "password_reset.issued", u.ID, nil)
	if s.mailer == nil {
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, u.Email, raw); err != nil {
		log.Printf("password_reset mail_failed user_id=%s err=%v", u.ID, err)
	}
	return nil
}

// ConsumePasswordReset spends a reset token and sets a new password. Two
// racing calls with the same token resolve to exactly one success.
func (s *Service) ConsumePasswordReset(ctx context.Context, rawToken, newPassword string) error {
	if err := s.ValidatePassword(newPassword); err != nil {
		return err
	}
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return fmt.Errorf("%w: reset token is required", apperr.ErrInvalidToken)
	}
	t, err := s.st.GetPasswordResetTokenByHash(ctx, auth.HashOpaqueToken(rawToken))
	if errors.Is(err, store.ErrNotFound) {
		obs.ObserveResetToken("rejected_unknown")
		return fmt.Errorf("%w: reset token is not valid", apperr.ErrInvalidToken)
	}
	if err != nil {
		return err
	}
	if t.UsedAt != nil {
		obs.ObserveResetToken("rejected_used")
		return fmt.Errorf("%w: reset token has already been used", apperr.ErrInvalidToken)
	}
	now := s.now().UTC()
	if now.After(t.ExpiresAt) {
		obs.ObserveResetToken("rejected_expired")
		return fmt.Errorf("%w: reset token has expired", apperr.ErrTokenExpired)
	}
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.st.ConsumePasswordResetToken(ctx, t.ID, t.UserID, hash, now); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			obs.ObserveResetToken("rejected_used")
			return fmt.Errorf("%w: reset token has already been used", apperr.ErrInvalidToken)
		}
		return err
	}
	obs.ObserveResetToken("consumed")
	s.audit(ctx, t.UserID, "password_reset.consumed", t.UserID, nil)
	return nil
}

func (s *Service) ValidatePassword(pw string) error {
	if strings.TrimSpace(pw) == "" {
		return fmt.Errorf("%w: password is required", apperr.ErrValidation)
	}
	if len(pw) < s.cfg.PasswordMinLength {
		return fmt.Errorf("%w: password must be at least %d characters", apperr.ErrValidation, s.cfg.PasswordMinLength)
	}
	if len(pw) > s.cfg.PasswordMaxLength {
		return fmt.Errorf("%w: password must be at most %d bytes", apperr.ErrValidation, s.cfg.PasswordMaxLength)
	}
	return nil
}

// EnsureBootstrapAdmin creates or re-activates the configured super admin.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context) error {
	email := strings.TrimSpace(s.cfg.BootstrapAdminEmail)
	if email == "" || s.cfg.BootstrapAdminPassword == "" {
		return nil
	}
	if err := s.ValidatePassword(s.cfg.BootstrapAdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	hash, err := auth.HashPassword(s.cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	if err := s.st.EnsureSuperAdmin(ctx, email, hash); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("bootstrap admin %s exists with a different role", email)
		}
		return err
	}
	log.Printf("bootstrap admin ensured email=%s", store.NormalizeEmail(email))
	return nil
}

func (s *Service) audit(ctx context.Context, actorID, action, target string, meta map[string]string) {
	raw := "{}"
	if len(meta) > 0 {
		b, _ := json.Marshal(meta)
		raw = string(b)
	}
	if err := s.st.InsertAudit(ctx, actorID, action, target, raw); err != nil {
		log.Printf("audit insert_failed action=%s target=%s err=%v", action, target, err)
	}
}
