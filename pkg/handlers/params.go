package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseOrgID extracts and validates the organization ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: oid
func ParseOrgID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "oid", "invalid_org_id", "Invalid organization ID format", logger)
}

// ParseEstimateID extracts and validates the estimate ID from the request path.
// Expects path parameter: eid
func ParseEstimateID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "eid", "invalid_estimate_id", "Invalid estimate ID format", logger)
}

// ParseSectionID expects path parameter: sid
func ParseSectionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "sid", "invalid_section_id", "Invalid section ID format", logger)
}

// ParseItemID expects path parameter: iid
func ParseItemID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "iid", "invalid_item_id", "Invalid item ID format", logger)
}

// ParseSnapshotID expects path parameter: snid
func ParseSnapshotID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "snid", "invalid_snapshot_id", "Invalid snapshot ID format", logger)
}

// ParseSessionID expects path parameter: isid
func ParseSessionID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "isid", "invalid_session_id", "Invalid import session ID format", logger)
}

// ParseReviewID expects path parameter: rid
func ParseReviewID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "rid", "invalid_review_id", "Invalid review entry ID format", logger)
}

// ParseOrgAndEstimateIDs extracts and validates both organization and estimate IDs.
// Expects path parameters: oid, eid
func ParseOrgAndEstimateIDs(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, uuid.UUID, bool) {
	orgID, ok := ParseOrgID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	estimateID, ok := ParseEstimateID(w, r, logger)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	return orgID, estimateID, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// parseQueryUUID reads an optional UUID query parameter. ok is false (and a response
// written) only when the parameter is present but malformed.
func parseQueryUUID(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_"+name, "Invalid "+name+" format"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}
	return &id, true
}
