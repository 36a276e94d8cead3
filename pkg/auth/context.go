package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// GetOrganizationIDFromContext extracts the organization ID from JWT claims in the context.
// Returns uuid.Nil if not authenticated or the claim is missing or malformed.
func GetOrganizationIDFromContext(ctx context.Context) uuid.UUID {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil || claims.OrganizationID == "" {
		return uuid.Nil
	}

	orgID, err := uuid.Parse(claims.OrganizationID)
	if err != nil {
		return uuid.Nil
	}
	return orgID
}

// GetUserUUIDFromContext extracts the user ID from JWT claims and parses it as UUID.
// Use this when the user ID is recorded as the actor of a change.
func GetUserUUIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userIDStr := GetUserIDFromContext(ctx)
	if userIDStr == "" {
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

// RequireOrganizationIDFromContext extracts the organization ID from context and returns an error if not found.
func RequireOrganizationIDFromContext(ctx context.Context) (uuid.UUID, error) {
	orgID := GetOrganizationIDFromContext(ctx)
	if orgID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("organization ID not found in context")
	}
	return orgID, nil
}
