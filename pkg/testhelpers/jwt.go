// Package testhelpers provides utilities for testing costing engine components.
package testhelpers

import (
	"encoding/base64"
	"fmt"
)

// GenerateTestJWT creates an unsigned test JWT (alg: none) for use when verification is disabled.
func GenerateTestJWT(sub, orgID, email string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload := fmt.Sprintf(`{"sub":"%s","aud":"costing"`, sub)
	if orgID != "" {
		payload += fmt.Sprintf(`,"oid":"%s"`, orgID)
	}
	if email != "" {
		payload += fmt.Sprintf(`,"email":"%s"`, email)
	}
	payload += "}"

	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return fmt.Sprintf("%s.%s.", header, encodedPayload)
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, orgID, email string) string {
	return "Bearer " + GenerateTestJWT(sub, orgID, email)
}
