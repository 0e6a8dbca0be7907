package auth

import (
	"errors"
	"fmt"
	"strings"

	"fielddiag/internal/apperr"
	"fielddiag/internal/models"
)

var (
	errMissingAuthorization = errors.New("authorization header missing")
	errInvalidAuthorization = errors.New("authorization header must use Bearer scheme")
)

// RoleSet lists every role permitted for an operation. Membership is exact:
// super_admin is never implied by admin.
type RoleSet []models.Role

var (
	AllRoles       = RoleSet{models.RoleFieldWorker, models.RoleAdmin, models.RoleSuperAdmin}
	AdminRoles     = RoleSet{models.RoleAdmin, models.RoleSuperAdmin}
	SuperAdminOnly = RoleSet{models.RoleSuperAdmin}
)

func (rs RoleSet) Contains(role models.Role) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}

func (rs RoleSet) String() string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ",")
}

// ExtractBearerToken pulls the token out of an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingAuthorization
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errInvalidAuthorization
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errInvalidAuthorization
	}
	return token, nil
}

type Guard struct {
	tokens *TokenService
}

func NewGuard(tokens *TokenService) *Guard {
	return &Guard{tokens: tokens}
}

// Authenticate turns a raw Authorization header into verified claims.
func (g *Guard) Authenticate(header string) (*Claims, error) {
	token, err := ExtractBearerToken(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	claims, err := g.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, fmt.Errorf("%w: session expired", apperr.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: invalid session token", apperr.ErrUnauthorized)
	}
	return claims, nil
}

// Authorize allows claims whose role is listed in allowed.
func Authorize(claims *Claims, allowed RoleSet) error {
	if claims == nil || claims.Subject == "" {
		return fmt.Errorf("%w: authentication required", apperr.ErrUnauthorized)
	}
	if !allowed.Contains(claims.Role) {
		return fmt.Errorf("%w: role %s not permitted", apperr.ErrForbidden, claims.Role)
	}
	return nil
}
