package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockJWKSClient is a mock implementation of JWKSClientInterface for testing.
type mockJWKSClient struct {
	claims *Claims
	err    error
	got    string
}

func (m *mockJWKSClient) ValidateToken(tokenString string) (*Claims, error) {
	m.got = tokenString
	if m.err != nil {
		return nil, m.err
	}
	return m.claims, nil
}

func (m *mockJWKSClient) Close() {}

func TestAuthService_ValidateRequest_AuthHeader(t *testing.T) {
	expected := &Claims{OrganizationID: "org-123"}
	jwks := &mockJWKSClient{claims: expected}
	service := NewAuthService(jwks, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/orgs/org-123/estimates", nil)
	req.Header.Set("Authorization", "Bearer header-token")

	claims, token, err := service.ValidateRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims != expected {
		t.Error("expected claims from the JWKS client")
	}
	if token != "header-token" || jwks.got != "header-token" {
		t.Errorf("expected 'header-token', got %q", token)
	}
}

func TestAuthService_ValidateRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		jwksErr error
		wantErr error
	}{
		{name: "missing header", wantErr: ErrMissingAuthorization},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantErr: ErrInvalidAuthFormat},
		{name: "no token", header: "Bearer", wantErr: ErrInvalidAuthFormat},
		{name: "extra parts", header: "Bearer a b", wantErr: ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewAuthService(&mockJWKSClient{}, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			_, _, err := service.ValidateRequest(req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthService_ValidateRequest_TokenValidationError(t *testing.T) {
	validationErr := errors.New("token expired")
	service := NewAuthService(&mockJWKSClient{err: validationErr}, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("Authorization", "Bearer expired-token")

	if _, _, err := service.ValidateRequest(req); !errors.Is(err, validationErr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAuthService_RequireOrganizationID(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{}, zap.NewNop())

	if err := service.RequireOrganizationID(&Claims{OrganizationID: "org-1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := service.RequireOrganizationID(&Claims{}); !errors.Is(err, ErrMissingOrganizationID) {
		t.Errorf("expected ErrMissingOrganizationID, got %v", err)
	}
}

func TestAuthService_ValidateOrganizationMatch(t *testing.T) {
	service := NewAuthService(&mockJWKSClient{}, zap.NewNop())
	claims := &Claims{OrganizationID: "4c0e6f1a-1111-4a5b-9c2d-000000000001"}

	tests := []struct {
		name     string
		urlOrgID string
		wantErr  bool
	}{
		{name: "matching", urlOrgID: "4c0e6f1a-1111-4a5b-9c2d-000000000001"},
		{name: "matching upper case", urlOrgID: "4C0E6F1A-1111-4A5B-9C2D-000000000001"},
		{name: "empty skips validation", urlOrgID: ""},
		{name: "mismatch", urlOrgID: "4c0e6f1a-1111-4a5b-9c2d-000000000002", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateOrganizationMatch(claims, tt.urlOrgID)
			if tt.wantErr && !errors.Is(err, ErrOrganizationMismatch) {
				t.Errorf("expected ErrOrganizationMismatch, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
