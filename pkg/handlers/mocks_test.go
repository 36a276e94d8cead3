package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/auth"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/services"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
)

// Unset methods panic through the nil embedded interface, which flags unexpected calls.

type mockEstimateService struct {
	services.EstimateService
	estimates map[uuid.UUID]*models.Estimate
	tree      *models.EstimateTree
	created   services.CreateEstimateInput
	err       error
}

func (m *mockEstimateService) CreateEstimate(_ context.Context, orgID uuid.UUID, in services.CreateEstimateInput) (*models.Estimate, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.created = in
	return &models.Estimate{ID: uuid.New(), OrganizationID: orgID, Number: in.Number, Name: in.Name, Version: 1}, nil
}

func (m *mockEstimateService) GetEstimate(_ context.Context, orgID, estimateID uuid.UUID) (*models.Estimate, error) {
	e, ok := m.estimates[estimateID]
	if !ok || e.OrganizationID != orgID {
		return nil, apperrors.ErrNotFound
	}
	return e, nil
}

func (m *mockEstimateService) GetTree(ctx context.Context, orgID, estimateID uuid.UUID) (*models.EstimateTree, error) {
	if _, err := m.GetEstimate(ctx, orgID, estimateID); err != nil {
		return nil, err
	}
	return m.tree, nil
}

func (m *mockEstimateService) ChangeStatus(ctx context.Context, orgID, estimateID uuid.UUID, _ services.StatusAction) (*models.Estimate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.GetEstimate(ctx, orgID, estimateID)
}

type mockRecalcService struct {
	services.RecalculationService
	state      models.RecalcState
	result     *models.RecalcResult
	gotScope   models.RecalcScope
	enqueued   int
	jobs       map[string]workqueue.TaskSnapshot
	mismatches []costing.Mismatch
	err        error
}

func (m *mockRecalcService) Recalculate(_ context.Context, _, _ uuid.UUID, scope models.RecalcScope) (*models.RecalcResult, error) {
	m.gotScope = scope
	return m.result, m.err
}

func (m *mockRecalcService) Enqueue(_ context.Context, _, estimateID uuid.UUID, scope models.RecalcScope) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.gotScope = scope
	m.enqueued++
	return "job-" + estimateID.String(), nil
}

func (m *mockRecalcService) Job(jobID string) (workqueue.TaskSnapshot, bool) {
	job, ok := m.jobs[jobID]
	return job, ok
}

func (m *mockRecalcService) State(uuid.UUID) models.RecalcState {
	if m.state == "" {
		return models.RecalcStateIdle
	}
	return m.state
}

func (m *mockRecalcService) VerifyIntegrity(context.Context, uuid.UUID, uuid.UUID) ([]costing.Mismatch, error) {
	return m.mismatches, m.err
}

type mockChangeLogService struct {
	services.ChangeLogService
	entries []*models.ChangeLogEntry
}

func (m *mockChangeLogService) History(_ context.Context, _ uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockChangeLogService) EntityHistory(context.Context, string, uuid.UUID) ([]*models.ChangeLogEntry, error) {
	return m.entries, nil
}

type mockSnapshotService struct {
	services.SnapshotService
	createdType  models.SnapshotType
	createdLabel string
	diffA, diffB uuid.UUID
	result       *models.RecalcResult
	jobID        string
	err          error
}

func (m *mockSnapshotService) CreateSnapshot(_ context.Context, _, _ uuid.UUID, snapshotType models.SnapshotType, label string) (uuid.UUID, error) {
	if m.err != nil {
		return uuid.Nil, m.err
	}
	m.createdType, m.createdLabel = snapshotType, label
	return uuid.New(), nil
}

func (m *mockSnapshotService) Diff(_ context.Context, _, a, b uuid.UUID) (*models.StructuredDiff, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.diffA, m.diffB = a, b
	return &models.StructuredDiff{SnapshotA: a, SnapshotB: b}, nil
}

func (m *mockSnapshotService) RestoreSnapshot(context.Context, uuid.UUID, uuid.UUID) (*models.RecalcResult, string, error) {
	return m.result, m.jobID, m.err
}

type mockImportService struct {
	services.ImportService
	submitted   []models.ImportRow
	listStatus  models.ReviewStatus
	resolvedFor uuid.UUID
	accepted    bool
	draft       *models.ItemDraft
	err         error
}

func (m *mockImportService) SubmitRows(_ context.Context, _, _ uuid.UUID, rows []models.ImportRow) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.submitted = rows
	return "import-job", nil
}

func (m *mockImportService) ListReview(_ context.Context, _, _ uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error) {
	m.listStatus = status
	return []*models.ReviewQueueEntry{}, m.err
}

func (m *mockImportService) ResolveReview(_ context.Context, _, entryID uuid.UUID, accept bool, draft *models.ItemDraft) (*models.ReviewQueueEntry, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.resolvedFor, m.accepted, m.draft = entryID, accept, draft
	status := models.ReviewStatusRejected
	if accept {
		status = models.ReviewStatusAccepted
	}
	return &models.ReviewQueueEntry{ID: entryID, Status: status}, nil
}

func (m *mockImportService) Complete(context.Context, uuid.UUID, uuid.UUID) (*models.ImportSession, error) {
	return nil, m.err
}

// mockAuthService accepts any request and reports orgID in the claims.
type mockAuthService struct {
	orgID string
}

func (m *mockAuthService) ValidateRequest(*http.Request) (*auth.Claims, string, error) {
	claims := &auth.Claims{OrganizationID: m.orgID}
	claims.Subject = uuid.NewString()
	return claims, "token", nil
}

func (m *mockAuthService) RequireOrganizationID(*auth.Claims) error { return nil }

func (m *mockAuthService) ValidateOrganizationMatch(claims *auth.Claims, urlOrgID string) error {
	if urlOrgID != claims.OrganizationID {
		return auth.ErrOrganizationMismatch
	}
	return nil
}

func passthroughTenant(next http.HandlerFunc) http.HandlerFunc { return next }
