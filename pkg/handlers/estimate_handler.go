package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/services"
)

// TenantMiddleware wraps a handler with the organization-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// EstimateHandler serves estimates, their section tree, items, lifecycle and recalculation.
type EstimateHandler struct {
	estimates services.EstimateService
	recalc    services.RecalculationService
	changes   services.ChangeLogService
	logger    *zap.Logger
}

// NewEstimateHandler creates a new estimate handler.
func NewEstimateHandler(estimates services.EstimateService, recalc services.RecalculationService, changes services.ChangeLogService, logger *zap.Logger) *EstimateHandler {
	return &EstimateHandler{
		estimates: estimates,
		recalc:    recalc,
		changes:   changes,
		logger:    logger,
	}
}

// RegisterRoutes registers the estimate handler's routes on the given mux.
func (h *EstimateHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	base := "/api/orgs/{oid}/estimates"
	wrap := func(fn http.HandlerFunc) http.HandlerFunc {
		return authMiddleware.RequireAuthWithPathValidation("oid")(tenantMiddleware(fn))
	}

	mux.HandleFunc("GET "+base, wrap(h.List))
	mux.HandleFunc("POST "+base, wrap(h.Create))
	mux.HandleFunc("GET "+base+"/{eid}", wrap(h.Get))
	mux.HandleFunc("DELETE "+base+"/{eid}", wrap(h.Delete))
	mux.HandleFunc("PUT "+base+"/{eid}/rates", wrap(h.UpdateRates))
	mux.HandleFunc("POST "+base+"/{eid}/status", wrap(h.ChangeStatus))

	mux.HandleFunc("POST "+base+"/{eid}/sections", wrap(h.AddSection))
	mux.HandleFunc("PUT "+base+"/{eid}/sections/{sid}/parent", wrap(h.MoveSection))
	mux.HandleFunc("DELETE "+base+"/{eid}/sections/{sid}", wrap(h.DeleteSection))

	mux.HandleFunc("POST "+base+"/{eid}/items", wrap(h.AddItem))
	mux.HandleFunc("PUT "+base+"/{eid}/items/{iid}", wrap(h.UpdateItem))
	mux.HandleFunc("DELETE "+base+"/{eid}/items/{iid}", wrap(h.DeleteItem))
	mux.HandleFunc("PUT "+base+"/{eid}/items/{iid}/resources", wrap(h.SetResources))
	mux.HandleFunc("GET "+base+"/{eid}/items/{iid}/changes", wrap(h.ItemChanges))

	mux.HandleFunc("POST "+base+"/{eid}/recalculate", wrap(h.Recalculate))
	mux.HandleFunc("POST "+base+"/{eid}/verify", wrap(h.Verify))
	mux.HandleFunc("GET "+base+"/{eid}/changes", wrap(h.Changes))

	mux.HandleFunc("GET /api/orgs/{oid}/jobs/{jid}", wrap(h.GetJob))
}

type estimateTreeResponse struct {
	*models.EstimateTree
	RecalculationState models.RecalcState `json:"recalculation_state"`
}

type moveSectionRequest struct {
	ParentID *uuid.UUID `json:"parent_id"`
}

type setResourcesRequest struct {
	Resources []models.ResourceLine `json:"resources"`
}

type changeStatusRequest struct {
	Action services.StatusAction `json:"action"`
}

type jobResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

type verifyResponse struct {
	Consistent bool               `json:"consistent"`
	Mismatches []costing.Mismatch `json:"mismatches,omitempty"`
}

// List handles GET /api/orgs/{oid}/estimates?limit=
func (h *EstimateHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, services.DefaultListLimit)
	if !ok {
		return
	}

	list, err := h.estimates.ListEstimates(r.Context(), orgID, limit)
	if err != nil {
		writeServiceError(w, err, h.logger, "List estimates")
		return
	}
	respond(w, http.StatusOK, list, h.logger)
}

// Create handles POST /api/orgs/{oid}/estimates
func (h *EstimateHandler) Create(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}
	var req services.CreateEstimateInput
	if !decodeBody(w, r, &req) {
		return
	}

	estimate, err := h.estimates.CreateEstimate(r.Context(), orgID, req)
	if err != nil {
		writeServiceError(w, err, h.logger, "Create estimate")
		return
	}
	respond(w, http.StatusCreated, estimate, h.logger)
}

// Get handles GET /api/orgs/{oid}/estimates/{eid} and returns the whole tree with totals.
func (h *EstimateHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}

	tree, err := h.estimates.GetTree(r.Context(), orgID, estimateID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Get estimate")
		return
	}
	respond(w, http.StatusOK, estimateTreeResponse{
		EstimateTree:       tree,
		RecalculationState: h.recalc.State(estimateID),
	}, h.logger)
}

// Delete handles DELETE /api/orgs/{oid}/estimates/{eid}
func (h *EstimateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.estimates.DeleteEstimate(r.Context(), orgID, estimateID); err != nil {
		writeServiceError(w, err, h.logger, "Delete estimate")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateRates handles PUT /api/orgs/{oid}/estimates/{eid}/rates
func (h *EstimateHandler) UpdateRates(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req services.UpdateRatesInput
	if !decodeBody(w, r, &req) {
		return
	}

	estimate, err := h.estimates.UpdateRates(r.Context(), orgID, estimateID, req)
	if err != nil {
		writeServiceError(w, err, h.logger, "Update estimate rates")
		return
	}
	respond(w, http.StatusOK, estimate, h.logger)
}

// ChangeStatus handles POST /api/orgs/{oid}/estimates/{eid}/status
func (h *EstimateHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req changeStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	estimate, err := h.estimates.ChangeStatus(r.Context(), orgID, estimateID, req.Action)
	if err != nil {
		writeServiceError(w, err, h.logger, "Change estimate status")
		return
	}
	respond(w, http.StatusOK, estimate, h.logger)
}

// AddSection handles POST /api/orgs/{oid}/estimates/{eid}/sections
func (h *EstimateHandler) AddSection(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req services.SectionInput
	if !decodeBody(w, r, &req) {
		return
	}

	section, err := h.estimates.AddSection(r.Context(), orgID, estimateID, req)
	if err != nil {
		writeServiceError(w, err, h.logger, "Add section")
		return
	}
	respond(w, http.StatusCreated, section, h.logger)
}

// MoveSection handles PUT /api/orgs/{oid}/estimates/{eid}/sections/{sid}/parent
func (h *EstimateHandler) MoveSection(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	sectionID, ok := ParseSectionID(w, r, h.logger)
	if !ok {
		return
	}
	var req moveSectionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	section, err := h.estimates.MoveSection(r.Context(), orgID, estimateID, sectionID, req.ParentID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Move section")
		return
	}
	respond(w, http.StatusOK, section, h.logger)
}

// DeleteSection handles DELETE /api/orgs/{oid}/estimates/{eid}/sections/{sid}
func (h *EstimateHandler) DeleteSection(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	sectionID, ok := ParseSectionID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.estimates.DeleteSection(r.Context(), orgID, estimateID, sectionID); err != nil {
		writeServiceError(w, err, h.logger, "Delete section")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem handles POST /api/orgs/{oid}/estimates/{eid}/items
func (h *EstimateHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var req services.ItemInput
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := h.estimates.AddItem(r.Context(), orgID, estimateID, req)
	if err != nil {
		writeServiceError(w, err, h.logger, "Add item")
		return
	}
	respond(w, http.StatusCreated, item, h.logger)
}

// UpdateItem handles PUT /api/orgs/{oid}/estimates/{eid}/items/{iid}
func (h *EstimateHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	itemID, ok := ParseItemID(w, r, h.logger)
	if !ok {
		return
	}
	var req services.ItemUpdate
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := h.estimates.UpdateItem(r.Context(), orgID, estimateID, itemID, req)
	if err != nil {
		writeServiceError(w, err, h.logger, "Update item")
		return
	}
	respond(w, http.StatusOK, item, h.logger)
}

// DeleteItem handles DELETE /api/orgs/{oid}/estimates/{eid}/items/{iid}
func (h *EstimateHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	itemID, ok := ParseItemID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.estimates.DeleteItem(r.Context(), orgID, estimateID, itemID); err != nil {
		writeServiceError(w, err, h.logger, "Delete item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetResources handles PUT /api/orgs/{oid}/estimates/{eid}/items/{iid}/resources
func (h *EstimateHandler) SetResources(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	itemID, ok := ParseItemID(w, r, h.logger)
	if !ok {
		return
	}
	var req setResourcesRequest
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := h.estimates.SetResources(r.Context(), orgID, estimateID, itemID, req.Resources)
	if err != nil {
		writeServiceError(w, err, h.logger, "Set item resources")
		return
	}
	respond(w, http.StatusOK, item, h.logger)
}

// Recalculate handles POST /api/orgs/{oid}/estimates/{eid}/recalculate.
// Item and section scopes run synchronously; a full pass is queued and answered with 202.
func (h *EstimateHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	var scope models.RecalcScope
	if !decodeOptionalBody(w, r, &scope) {
		return
	}
	if scope.Kind == "" {
		scope.Kind = models.RecalcScopeFull
	}
	if err := scope.Validate(); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	if scope.Kind != models.RecalcScopeFull {
		result, err := h.recalc.Recalculate(r.Context(), orgID, estimateID, scope)
		if err != nil {
			writeServiceError(w, err, h.logger, "Recalculate estimate")
			return
		}
		respond(w, http.StatusOK, result, h.logger)
		return
	}

	if _, err := h.estimates.GetEstimate(r.Context(), orgID, estimateID); err != nil {
		writeServiceError(w, err, h.logger, "Recalculate estimate")
		return
	}
	jobID, err := h.recalc.Enqueue(r.Context(), orgID, estimateID, scope)
	if err != nil {
		writeServiceError(w, err, h.logger, "Queue recalculation")
		return
	}
	statusURL := "/api/orgs/" + orgID.String() + "/jobs/" + jobID
	w.Header().Set("Location", statusURL)
	respond(w, http.StatusAccepted, jobResponse{JobID: jobID, StatusURL: statusURL}, h.logger)
}

// GetJob handles GET /api/orgs/{oid}/jobs/{jid}. Only jobs of the organization's estimates are visible.
func (h *EstimateHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	orgID, ok := ParseOrgID(w, r, h.logger)
	if !ok {
		return
	}

	job, found := h.recalc.Job(r.PathValue("jid"))
	if found {
		estimateID, err := uuid.Parse(job.Key)
		if err != nil {
			found = false
		} else if _, err := h.estimates.GetEstimate(r.Context(), orgID, estimateID); err != nil {
			found = false
		}
	}
	if !found {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respond(w, http.StatusOK, job, h.logger)
}

// Verify handles POST /api/orgs/{oid}/estimates/{eid}/verify
func (h *EstimateHandler) Verify(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	if _, err := h.estimates.GetEstimate(r.Context(), orgID, estimateID); err != nil {
		writeServiceError(w, err, h.logger, "Verify estimate")
		return
	}

	mismatches, err := h.recalc.VerifyIntegrity(r.Context(), orgID, estimateID)
	if err != nil {
		writeServiceError(w, err, h.logger, "Verify estimate")
		return
	}
	respond(w, http.StatusOK, verifyResponse{Consistent: len(mismatches) == 0, Mismatches: mismatches}, h.logger)
}

// Changes handles GET /api/orgs/{oid}/estimates/{eid}/changes?limit=
func (h *EstimateHandler) Changes(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, services.DefaultListLimit)
	if !ok {
		return
	}
	if _, err := h.estimates.GetEstimate(r.Context(), orgID, estimateID); err != nil {
		writeServiceError(w, err, h.logger, "List changes")
		return
	}

	entries, err := h.changes.History(r.Context(), estimateID, limit)
	if err != nil {
		writeServiceError(w, err, h.logger, "List changes")
		return
	}
	respond(w, http.StatusOK, entries, h.logger)
}

// ItemChanges handles GET /api/orgs/{oid}/estimates/{eid}/items/{iid}/changes
func (h *EstimateHandler) ItemChanges(w http.ResponseWriter, r *http.Request) {
	orgID, estimateID, ok := ParseOrgAndEstimateIDs(w, r, h.logger)
	if !ok {
		return
	}
	itemID, ok := ParseItemID(w, r, h.logger)
	if !ok {
		return
	}
	if _, err := h.estimates.GetEstimate(r.Context(), orgID, estimateID); err != nil {
		writeServiceError(w, err, h.logger, "List item changes")
		return
	}

	entries, err := h.changes.EntityHistory(r.Context(), models.EntityTypeItem, itemID)
	if err != nil {
		writeServiceError(w, err, h.logger, "List item changes")
		return
	}
	scoped := make([]*models.ChangeLogEntry, 0, len(entries))
	for _, e := range entries {
		if e.EstimateID == estimateID {
			scoped = append(scoped, e)
		}
	}
	respond(w, http.StatusOK, scoped, h.logger)
}

// parseLimit reads the optional limit query parameter.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
		return 0, false
	}
	return n, true
}
