package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/services"
)

// SnapshotHandler serves estimate snapshots, their diffs and restores.
type SnapshotHandler struct {
	snapshots services.SnapshotService
	logger    *zap.Logger
}

// NewSnapshotHandler creates a new snapshot handler.
func NewSnapshotHandler(snapshots services.SnapshotService, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots: snapshots,
		logger:    logger,
	}
}

// RegisterRoutes registers the snapshot handler's routes on the given mux.
func (h *SnapshotHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	wrap := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("oid")(tenantMiddleware(fn))
	}

	mux.HandleFunc("POST /api/orgs/{oid}/estimates/{eid}/snapshots", wrap(h.Create))
	mux.HandleFunc("GET /api/orgs/{oid}/estimates/{eid}/snapshots", wrap(h.List))
	mux.HandleFunc("GET /api/orgs/{oid}/snapshots/diff", wrap(h.Diff))
	mux.HandleFunc("GET /api/orgs/{oid}/snapshots/{snid}", wrap(h.Get))
	mux.HandleFunc("POST /api/orgs/{oid}/snapshots/{snid}/restore", wrap(h.Restore))
}

type createSnapshotRequest struct {
	SnapshotType models.SnapshotType `json:"snapshot_type"`
	Label        string              `json:"label"`
}

type createSnapshotResponse struct {
	SnapshotID string `json:"snapshot_id"`
}

// Create handles POST /api/orgs/{oid}/estimates/{eid}/snapshots.
// The snapshot type defaults to manual.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req createSnapshotRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	if req.SnapshotType == "" {
		req.SnapshotType = models.SnapshotTypeManual
	}

	id, err := h.snapshots.CreateSnapshot(r.Context(), orgID, estimateID, req.SnapshotType, req.Label)
	if err != nil {
		writeServiceError(w, err, h.logger, "Create snapshot")
		return
	}
	respond(w, http.StatusCreated, createSnapshotResponse{SnapshotID: id.String()}, h.logger)
}

// List handles GET /api/orgs/{oid}/estimates/{eid}/snapshots
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}

	list, err := h.snapshots.ListSnapshots(r.Context(), orgID, estimateID)
	if err != nil {
		writeServiceError(w, err, h.logger, "List snapshots")
		return
	}
	respond(w, http.StatusOK, list, h.logger)
}

// Get handles GET /api/orgs/{oid}/snapshots/{snid}
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	snapshotID, ok := ParseSnapshotID(w, r, h.logger)
	if !ok {
		return
	}

	snap, err := h.snapshots.GetSnapshot(r.Context(), orgID, snapshotID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Get snapshot")
		return
	}
	respond(w, http.StatusOK, snap, h.logger)
}

// Diff handles GET /api/orgs/{oid}/snapshots/diff?a=&b=
func (h *SnapshotHandler) Diff(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	a, ok := parseQueryUUID(w, r, "a", h.logger)
	if !ok {
		return
	}
	b, ok := parseQueryUUID(w, r, "b", h.logger)
	if !ok {
		return
	}
	if a == nil || b == nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Both a and b snapshot IDs are required")
		return
	}

	diff, err := h.snapshots.Diff(r.Context(), orgID, *a, *b)
	if err != nil {
		writeServiceError(w, err, h.logger, "Diff snapshots")
		return
	}
	respond(w, http.StatusOK, diff, h.logger)
}

// Restore handles POST /api/orgs/{oid}/snapshots/{snid}/restore
func (h *SnapshotHandler) Restore(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	snapshotID, ok := ParseSnapshotID(w, r, h.logger)
	if !ok {
		return
	}

	result, jobID, err := h.snapshots.RestoreSnapshot(r.Context(), orgID, snapshotID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Restore snapshot")
		return
	}
	if jobID != "" {
		statusURL := "/api/orgs/" + orgID.String() + "/jobs/" + jobID
		w.Header().Set("Location", statusURL)
		respond(w, http.StatusAccepted, jobResponse{JobID: jobID, StatusURL: statusURL}, h.logger)
		return
	}
	respond(w, http.StatusOK, result, h.logger)
}
