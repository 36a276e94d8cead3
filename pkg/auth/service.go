package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization  = errors.New("missing authorization")
	ErrInvalidAuthFormat     = errors.New("invalid authorization header format")
	ErrMissingOrganizationID = errors.New("missing organization ID in token")
	ErrOrganizationMismatch  = errors.New("organization ID mismatch between token and URL")
)

// AuthService defines the interface for authentication operations.
type AuthService interface {
	// ValidateRequest extracts the bearer token from the Authorization header and validates it.
	// Returns the validated claims, the raw token string, or an error.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireOrganizationID validates that the claims carry an organization ID.
	RequireOrganizationID(claims *Claims) error

	// ValidateOrganizationMatch ensures the URL organization ID matches the token.
	// If urlOrgID is empty, validation is skipped.
	ValidateOrganizationMatch(claims *Claims, urlOrgID string) error
}

type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}

	claims, err := s.jwksClient.ValidateToken(parts[1])
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}

	return claims, parts[1], nil
}

func (s *authService) RequireOrganizationID(claims *Claims) error {
	if claims.OrganizationID == "" {
		return ErrMissingOrganizationID
	}
	return nil
}

func (s *authService) ValidateOrganizationMatch(claims *Claims, urlOrgID string) error {
	if urlOrgID != "" && !strings.EqualFold(claims.OrganizationID, urlOrgID) {
		s.logger.Warn("Organization ID mismatch",
			zap.String("url_org_id", urlOrgID),
			zap.String("token_org_id", claims.OrganizationID))
		return ErrOrganizationMismatch
	}
	return nil
}

var _ AuthService = (*authService)(nil)
