package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// RequireAuth validates the JWT and requires an organization ID.
// Sets claims, token and manual provenance for the caller in the context.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), claims, token)))
	}
}

// RequireAuthWithPathValidation validates the JWT and matches the URL organization ID to the token.
// pathParamName is the name used in r.PathValue() (e.g., "oid").
func (m *Middleware) RequireAuthWithPathValidation(pathParamName string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, ok := m.authenticate(w, r)
			if !ok {
				return
			}

			if err := m.authService.ValidateOrganizationMatch(claims, r.PathValue(pathParamName)); err != nil {
				m.forbidden(w, "Organization ID mismatch between token and URL")
				return
			}

			next(w, r.WithContext(withIdentity(r.Context(), claims, token)))
		}
	}
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*Claims, string, bool) {
	claims, token, err := m.authService.ValidateRequest(r)
	if err != nil {
		m.unauthorized(w, "Authentication required")
		return nil, "", false
	}
	if err := m.authService.RequireOrganizationID(claims); err != nil {
		m.badRequest(w, "Missing organization ID in token")
		return nil, "", false
	}
	return claims, token, true
}

// withIdentity stores the claims and attributes later changes to the token subject.
// Subjects that are not UUIDs are recorded with a nil actor.
func withIdentity(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	ctx = context.WithValue(ctx, TokenKey, token)
	actor, _ := GetUserUUIDFromContext(ctx)
	return models.WithManualProvenance(ctx, actor)
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	m.writeError(w, http.StatusUnauthorized, "unauthorized", message)
}

func (m *Middleware) badRequest(w http.ResponseWriter, message string) {
	m.writeError(w, http.StatusBadRequest, "bad_request", message)
}

func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	m.writeError(w, http.StatusForbidden, "forbidden", message)
}

func (m *Middleware) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
