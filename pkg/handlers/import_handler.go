package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/services"
)

// maxBatchRows bounds a single background batch submission.
const maxBatchRows = 5000

// ImportHandler serves spreadsheet import sessions and the review queue.
type ImportHandler struct {
	imports services.ImportService
	logger  *zap.Logger
}

// NewImportHandler creates a new import handler.
func NewImportHandler(imports services.ImportService, logger *zap.Logger) *ImportHandler {
	return &ImportHandler{
		imports: imports,
		logger:  logger,
	}
}

// RegisterRoutes registers the import handler's routes on the given mux.
func (h *ImportHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/orgs/{oid}/imports"
	wrap := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("oid")(tenantMiddleware(fn))
	}

	mux.HandleFunc("POST /api/orgs/{oid}/estimates/{eid}/imports", wrap(h.Start))
	mux.HandleFunc("GET "+base+"/{isid}", wrap(h.Progress))
	mux.HandleFunc("POST "+base+"/{isid}/rows", wrap(h.ImportRow))
	mux.HandleFunc("POST "+base+"/{isid}/batch", wrap(h.SubmitBatch))
	mux.HandleFunc("POST "+base+"/{isid}/mapping", wrap(h.ConfirmMapping))
	mux.HandleFunc("POST "+base+"/{isid}/complete", wrap(h.Complete))
	mux.HandleFunc("POST "+base+"/{isid}/cancel", wrap(h.Cancel))
	mux.HandleFunc("GET "+base+"/{isid}/review", wrap(h.ListReview))
	mux.HandleFunc("POST /api/orgs/{oid}/review/{rid}", wrap(h.ResolveReview))
}

type startImportRequest struct {
	SourceName string   `json:"source_name"`
	Headers    []string `json:"headers"`
}

type batchRequest struct {
	Rows []models.ImportRow `json:"rows"`
}

type confirmMappingRequest struct {
	Mapping models.ColumnMapping `json:"mapping"`
}

type resolveReviewRequest struct {
	Accept bool              `json:"accept"`
	Draft  *models.ItemDraft `json:"draft,omitempty"`
}

// Start handles POST /api/orgs/{oid}/estimates/{eid}/imports
func (h *ImportHandler) Start(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req startImportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	view, err := h.imports.StartSession(r.Context(), orgID, estimateID, req.SourceName, req.Headers)
	if err != nil {
		writeServiceError(w, err, h.logger, "Start import")
		return
	}
	respond(w, http.StatusCreated, view, h.logger)
}

// Progress handles GET /api/orgs/{oid}/imports/{isid}
func (h *ImportHandler) Progress(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}

	progress, err := h.imports.Progress(r.Context(), orgID, sessionID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Get import progress")
		return
	}
	respond(w, http.StatusOK, progress, h.logger)
}

// ImportRow handles POST /api/orgs/{oid}/imports/{isid}/rows and commits one row synchronously.
func (h *ImportHandler) ImportRow(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}
	var row models.ImportRow
	if !decodeBody(w, r, &row) {
		return
	}

	outcome, err := h.imports.ImportRow(r.Context(), orgID, sessionID, row)
	if err != nil {
		writeServiceError(w, err, h.logger, "Import row")
		return
	}
	respond(w, http.StatusOK, outcome, h.logger)
}

// SubmitBatch handles POST /api/orgs/{oid}/imports/{isid}/batch and queues rows for background processing.
func (h *ImportHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Rows) == 0 || len(req.Rows) > maxBatchRows {
		_ = ErrorResponse(w, http.StatusBadRequest, "validation_error", "rows must contain between 1 and 5000 entries")
		return
	}

	jobID, err := h.imports.SubmitRows(r.Context(), orgID, sessionID, req.Rows)
	if err != nil {
		writeServiceError(w, err, h.logger, "Submit import rows")
		return
	}
	statusURL := "/api/orgs/" + orgID.String() + "/imports/" + sessionID.String()
	w.Header().Set("Location", statusURL)
	respond(w, http.StatusAccepted, jobResponse{JobID: jobID, StatusURL: statusURL}, h.logger)
}

// ConfirmMapping handles POST /api/orgs/{oid}/imports/{isid}/mapping
func (h *ImportHandler) ConfirmMapping(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}
	var req confirmMappingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	memory, err := h.imports.ConfirmMapping(r.Context(), orgID, sessionID, req.Mapping)
	if err != nil {
		writeServiceError(w, err, h.logger, "Confirm import mapping")
		return
	}
	respond(w, http.StatusOK, memory, h.logger)
}

// Complete handles POST /api/orgs/{oid}/imports/{isid}/complete
func (h *ImportHandler) Complete(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}

	session, err := h.imports.Complete(r.Context(), orgID, sessionID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Complete import")
		return
	}
	respond(w, http.StatusOK, session, h.logger)
}

// Cancel handles POST /api/orgs/{oid}/imports/{isid}/cancel
func (h *ImportHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}

	session, err := h.imports.Cancel(r.Context(), orgID, sessionID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Cancel import")
		return
	}
	respond(w, http.StatusOK, session, h.logger)
}

// ListReview handles GET /api/orgs/{oid}/imports/{isid}/review?status=
func (h *ImportHandler) ListReview(w http.ResponseWriter, r *http.Request) {
	orgID, sessionID, ok := h.parseSession(w, r)
	if !ok {
		return
	}
	status := models.ReviewStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ReviewStatusPending, models.ReviewStatusAccepted, models.ReviewStatusRejected:
	default:
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_status", "status must be pending, accepted or rejected")
		return
	}

	entries, err := h.imports.ListReview(r.Context(), orgID, sessionID, status)
	if err != nil {
		writeServiceError(w, err, h.logger, "List review queue")
		return
	}
	respond(w, http.StatusOK, entries, h.logger)
}

// ResolveReview handles POST /api/orgs/{oid}/review/{rid}
func (h *ImportHandler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	entryID, ok := ParseReviewID(w, r, h.logger)
	if !ok {
		return
	}
	var req resolveReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.imports.ResolveReview(r.Context(), orgID, entryID, req.Accept, req.Draft)
	if err != nil {
		writeServiceError(w, err, h.logger, "Resolve review entry")
		return
	}
	respond(w, http.StatusOK, entry, h.logger)
}

func (h *ImportHandler) parseSession(w http.ResponseWriter, r *http.Request) (orgID, sessionID uuid.UUID, ok bool) {
	if orgID, ok = ParseOrgID(w, r, h.logger); !ok {
		return
	}
	sessionID, ok = ParseSessionID(w, r, h.logger)
	return
}
