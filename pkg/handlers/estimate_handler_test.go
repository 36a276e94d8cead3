package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
	"github.com/ekaya-inc/costing-engine/pkg/testhelpers"
)

type estimateHandlerFixture struct {
	orgID      uuid.UUID
	estimateID uuid.UUID
	estimates  *mockEstimateService
	recalc     *mockRecalcService
	changes    *mockChangeLogService
	handler    *EstimateHandler
}

func newEstimateHandlerFixture() *estimateHandlerFixture {
	orgID := uuid.New()
	estimateID := uuid.New()
	estimate := &models.Estimate{ID: estimateID, OrganizationID: orgID, Name: "Warehouse", Version: 3}

	f := &estimateHandlerFixture{
		orgID:      orgID,
		estimateID: estimateID,
		estimates: &mockEstimateService{
			estimates: map[uuid.UUID]*models.Estimate{estimateID: estimate},
			tree:      &models.EstimateTree{Estimate: estimate},
		},
		recalc:  &mockRecalcService{},
		changes: &mockChangeLogService{},
	}
	f.handler = NewEstimateHandler(f.estimates, f.recalc, f.changes, zap.NewNop())
	return f
}

func (f *estimateHandlerFixture) request(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.SetPathValue("oid", f.orgID.String())
	req.SetPathValue("eid", f.estimateID.String())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

func TestEstimateHandler_Create(t *testing.T) {
	f := newEstimateHandlerFixture()
	rec := httptest.NewRecorder()

	f.handler.Create(rec, f.request(http.MethodPost, `{"number":"E-1","name":"Depot","vat_rate":"20"}`))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "E-1", f.estimates.created.Number)
	assert.True(t, f.estimates.created.VATRate.Equal(decimal.NewFromInt(20)))

	var got models.Estimate
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, f.orgID, got.OrganizationID)
}

func TestEstimateHandler_Create_UnknownField(t *testing.T) {
	f := newEstimateHandlerFixture()
	rec := httptest.NewRecorder()

	f.handler.Create(rec, f.request(http.MethodPost, `{"number":"E-1","colour":"red"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec))
}

func TestEstimateHandler_Get_IncludesRecalculationState(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.state = models.RecalcStateRecalculating
	rec := httptest.NewRecorder()

	f.handler.Get(rec, f.request(http.MethodGet, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "recalculating", body["recalculation_state"])
}

func TestEstimateHandler_Get_OtherOrganization(t *testing.T) {
	f := newEstimateHandlerFixture()
	req := f.request(http.MethodGet, "")
	req.SetPathValue("oid", uuid.NewString())
	rec := httptest.NewRecorder()

	f.handler.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec))
}

func TestEstimateHandler_ChangeStatus_Locked(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.estimates.err = apperrors.ErrEstimateLocked
	rec := httptest.NewRecorder()

	f.handler.ChangeStatus(rec, f.request(http.MethodPost, `{"action":"submit"}`))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "estimate_locked", decodeError(t, rec))
}

func TestEstimateHandler_Recalculate_FullScopeIsQueued(t *testing.T) {
	f := newEstimateHandlerFixture()
	rec := httptest.NewRecorder()

	f.handler.Recalculate(rec, f.request(http.MethodPost, ""))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.recalc.enqueued)
	assert.Equal(t, models.RecalcScopeFull, f.recalc.gotScope.Kind)

	var body jobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "job-"+f.estimateID.String(), body.JobID)
	assert.Equal(t, body.StatusURL, rec.Header().Get("Location"))
	assert.Contains(t, body.StatusURL, "/api/orgs/"+f.orgID.String()+"/jobs/")
}

func TestEstimateHandler_Recalculate_ItemScopeRunsInline(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.result = &models.RecalcResult{EstimateID: f.estimateID, Version: 4, ItemsComputed: 1}
	itemID := uuid.New()
	rec := httptest.NewRecorder()

	f.handler.Recalculate(rec, f.request(http.MethodPost, `{"scope":"item","item_id":"`+itemID.String()+`"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.recalc.enqueued)
	require.NotNil(t, f.recalc.gotScope.ItemID)
	assert.Equal(t, itemID, *f.recalc.gotScope.ItemID)

	var got models.RecalcResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(4), got.Version)
}

func TestEstimateHandler_Recalculate_InvalidScope(t *testing.T) {
	f := newEstimateHandlerFixture()
	rec := httptest.NewRecorder()

	f.handler.Recalculate(rec, f.request(http.MethodPost, `{"scope":"item"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec))
}

func TestEstimateHandler_Recalculate_Busy(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.err = apperrors.ErrRecalculationInProgress
	sectionID := uuid.New()
	rec := httptest.NewRecorder()

	f.handler.Recalculate(rec, f.request(http.MethodPost, `{"scope":"section","section_id":"`+sectionID.String()+`"}`))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "recalculation_in_progress", decodeError(t, rec))
}

func TestEstimateHandler_Recalculate_QueueClosed(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.err = workqueue.ErrQueueClosed
	rec := httptest.NewRecorder()

	f.handler.Recalculate(rec, f.request(http.MethodPost, `{"scope":"full"}`))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "shutting_down", decodeError(t, rec))
}

func TestEstimateHandler_GetJob(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.jobs = map[string]workqueue.TaskSnapshot{
		"own":     {ID: "own", Key: f.estimateID.String(), Status: workqueue.TaskStatusCompleted},
		"foreign": {ID: "foreign", Key: uuid.NewString(), Status: workqueue.TaskStatusRunning},
	}

	tests := []struct {
		name       string
		jobID      string
		wantStatus int
	}{
		{"own estimate", "own", http.StatusOK},
		{"another organization's estimate", "foreign", http.StatusNotFound},
		{"unknown job", "missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request(http.MethodGet, "")
			req.SetPathValue("jid", tt.jobID)
			rec := httptest.NewRecorder()

			f.handler.GetJob(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var job workqueue.TaskSnapshot
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
				assert.Equal(t, workqueue.TaskStatusCompleted, job.Status)
			}
		})
	}
}

func TestEstimateHandler_Verify(t *testing.T) {
	f := newEstimateHandlerFixture()
	f.recalc.mismatches = []costing.Mismatch{{
		EntityType: models.EntityTypeSection,
		EntityID:   uuid.New(),
		Cached:     decimal.NewFromInt(100),
		Computed:   decimal.NewFromInt(90),
	}}
	rec := httptest.NewRecorder()

	f.handler.Verify(rec, f.request(http.MethodPost, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var body verifyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Consistent)
	assert.Len(t, body.Mismatches, 1)
}

func TestEstimateHandler_Changes_Limit(t *testing.T) {
	f := newEstimateHandlerFixture()
	for i := 0; i < 3; i++ {
		f.changes.entries = append(f.changes.entries, &models.ChangeLogEntry{ID: uuid.New(), EstimateID: f.estimateID})
	}

	rec := httptest.NewRecorder()
	req := f.request(http.MethodGet, "")
	req.URL.RawQuery = "limit=2"
	f.handler.Changes(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.ChangeLogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	assert.Len(t, entries, 2)

	rec = httptest.NewRecorder()
	req = f.request(http.MethodGet, "")
	req.URL.RawQuery = "limit=0"
	f.handler.Changes(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", decodeError(t, rec))
}

func TestEstimateHandler_ItemChanges_ScopedToEstimate(t *testing.T) {
	f := newEstimateHandlerFixture()
	itemID := uuid.New()
	f.changes.entries = []*models.ChangeLogEntry{
		{ID: uuid.New(), EstimateID: f.estimateID, EntityID: itemID},
		{ID: uuid.New(), EstimateID: uuid.New(), EntityID: itemID},
	}
	req := f.request(http.MethodGet, "")
	req.SetPathValue("iid", itemID.String())
	rec := httptest.NewRecorder()

	f.handler.ItemChanges(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.ChangeLogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, f.estimateID, entries[0].EstimateID)
}

func TestEstimateHandler_Routes(t *testing.T) {
	f := newEstimateHandlerFixture()
	mux := http.NewServeMux()
	authMiddleware := auth.NewMiddleware(&mockAuthService{orgID: f.orgID.String()}, zap.NewNop())
	f.handler.RegisterRoutes(mux, authMiddleware, passthroughTenant)

	path := "/api/orgs/" + f.orgID.String() + "/estimates/" + f.estimateID.String() + "/recalculate"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Token organization must match the URL.
	other := "/api/orgs/" + uuid.NewString() + "/estimates/" + f.estimateID.String()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, other, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEstimateHandler_Routes_UnverifiedToken(t *testing.T) {
	f := newEstimateHandlerFixture()
	jwks, err := auth.NewJWKSClient(&auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)
	defer jwks.Close()

	mux := http.NewServeMux()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwks, zap.NewNop()), zap.NewNop())
	f.handler.RegisterRoutes(mux, authMiddleware, passthroughTenant)

	path := "/api/orgs/" + f.orgID.String() + "/estimates/" + f.estimateID.String()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(uuid.NewString(), f.orgID.String(), "estimator@example.com"))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(uuid.NewString(), uuid.NewString(), ""))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
