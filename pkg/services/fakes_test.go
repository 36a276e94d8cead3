package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
)

// fakeStore is an in-memory database shared by the fake repositories below.
// Reads return copies, like rows scanned from Postgres.
type fakeStore struct {
	mu        sync.Mutex
	estimates map[uuid.UUID]*models.Estimate
	sections  map[uuid.UUID]*models.Section
	items     map[uuid.UUID]*models.Item
	changes   []*models.ChangeLogEntry
	snapshots map[uuid.UUID]*models.Snapshot
	sessions  map[uuid.UUID]*models.ImportSession
	memories  map[string]*models.ImportMemory
	reviews   map[uuid.UUID]*models.ReviewQueueEntry

	collections  map[uuid.UUID]*models.RateCollection
	rates        map[uuid.UUID]*models.NormativeRate
	rateRes      map[uuid.UUID][]models.RateResource
	indices      []models.PriceIndex
	coefficients []models.Coefficient

	calcErrors map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		estimates:   make(map[uuid.UUID]*models.Estimate),
		sections:    make(map[uuid.UUID]*models.Section),
		items:       make(map[uuid.UUID]*models.Item),
		snapshots:   make(map[uuid.UUID]*models.Snapshot),
		sessions:    make(map[uuid.UUID]*models.ImportSession),
		memories:    make(map[string]*models.ImportMemory),
		reviews:     make(map[uuid.UUID]*models.ReviewQueueEntry),
		collections: make(map[uuid.UUID]*models.RateCollection),
		rates:       make(map[uuid.UUID]*models.NormativeRate),
		rateRes:     make(map[uuid.UUID][]models.RateResource),
		calcErrors:  make(map[uuid.UUID]string),
	}
}

func cloneItem(it *models.Item) *models.Item {
	c := *it
	c.Resources = append([]models.ResourceLine(nil), it.Resources...)
	c.CalcWarnings = append([]string(nil), it.CalcWarnings...)
	return &c
}

func cloneSection(s *models.Section) *models.Section {
	c := *s
	return &c
}

func cloneEstimate(e *models.Estimate) *models.Estimate {
	c := *e
	return &c
}

// ---- estimates ----

type fakeEstimateRepo struct{ s *fakeStore }

var _ repositories.EstimateRepository = (*fakeEstimateRepo)(nil)

func (r *fakeEstimateRepo) Create(_ context.Context, e *models.Estimate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	r.s.estimates[e.ID] = cloneEstimate(e)
	return nil
}

func (r *fakeEstimateRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Estimate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.estimates[id]
	if !ok || e.DeletedAt != nil {
		return nil, apperrors.ErrNotFound
	}
	return cloneEstimate(e), nil
}

func (r *fakeEstimateRepo) List(_ context.Context, limit int) ([]*models.Estimate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Estimate
	for _, e := range r.s.estimates {
		if e.DeletedAt == nil {
			out = append(out, cloneEstimate(e))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeEstimateRepo) Update(_ context.Context, e *models.Estimate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.estimates[e.ID]
	if !ok || cur.DeletedAt != nil {
		return apperrors.ErrNotFound
	}
	next := cloneEstimate(e)
	next.Totals, next.BaseTotals = cur.Totals, cur.BaseTotals
	r.s.estimates[e.ID] = next
	return nil
}

func (r *fakeEstimateRepo) UpdateTotals(_ context.Context, e *models.Estimate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.estimates[e.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cur.Totals, cur.BaseTotals, cur.Version = e.Totals, e.BaseTotals, e.Version
	return nil
}

func (r *fakeEstimateRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.estimates[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	e.DeletedAt = &now
	return nil
}

// ---- sections ----

type fakeSectionRepo struct{ s *fakeStore }

var _ repositories.SectionRepository = (*fakeSectionRepo)(nil)

func (r *fakeSectionRepo) Create(_ context.Context, sec *models.Section) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sec.ID == uuid.Nil {
		sec.ID = uuid.New()
	}
	r.s.sections[sec.ID] = cloneSection(sec)
	return nil
}

func (r *fakeSectionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Section, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sec, ok := r.s.sections[id]
	if !ok || sec.DeletedAt != nil {
		return nil, apperrors.ErrNotFound
	}
	return cloneSection(sec), nil
}

func (r *fakeSectionRepo) ListByEstimate(_ context.Context, estimateID uuid.UUID) ([]*models.Section, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Section
	for _, sec := range r.s.sections {
		if sec.EstimateID == estimateID && sec.DeletedAt == nil {
			out = append(out, cloneSection(sec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].FullSectionNumber < out[j].FullSectionNumber
	})
	return out, nil
}

func (r *fakeSectionRepo) Update(_ context.Context, sec *models.Section) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sections[sec.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cur.ParentID, cur.Number, cur.FullSectionNumber = sec.ParentID, sec.Number, sec.FullSectionNumber
	cur.Name, cur.SortOrder = sec.Name, sec.SortOrder
	return nil
}

func (r *fakeSectionRepo) UpdateTotals(_ context.Context, sec *models.Section) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sections[sec.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cur.Totals, cur.BaseTotals = sec.Totals, sec.BaseTotals
	return nil
}

func (r *fakeSectionRepo) SoftDelete(_ context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if sec, ok := r.s.sections[id]; ok {
			sec.DeletedAt = &now
		}
	}
	return nil
}

func (r *fakeSectionRepo) Upsert(_ context.Context, sec *models.Section) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := cloneSection(sec)
	c.DeletedAt = nil
	r.s.sections[sec.ID] = c
	return nil
}

// ---- items ----

type fakeItemRepo struct{ s *fakeStore }

var _ repositories.ItemRepository = (*fakeItemRepo)(nil)

func (r *fakeItemRepo) duplicateLocked(it *models.Item) bool {
	for _, other := range r.s.items {
		if other.ID != it.ID && other.EstimateID == it.EstimateID && other.DeletedAt == nil &&
			other.PositionNumber == it.PositionNumber {
			return true
		}
	}
	return false
}

func (r *fakeItemRepo) Create(_ context.Context, it *models.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if r.duplicateLocked(it) {
		return apperrors.ErrDuplicatePositionNumber
	}
	r.s.items[it.ID] = cloneItem(it)
	return nil
}

func (r *fakeItemRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok || it.DeletedAt != nil {
		return nil, apperrors.ErrNotFound
	}
	return cloneItem(it), nil
}

func (r *fakeItemRepo) ListByEstimate(_ context.Context, estimateID uuid.UUID) ([]*models.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Item
	for _, it := range r.s.items {
		if it.EstimateID == estimateID && it.DeletedAt == nil {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].PositionNumber < out[j].PositionNumber
	})
	return out, nil
}

func (r *fakeItemRepo) Update(_ context.Context, it *models.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.items[it.ID]
	if !ok || cur.DeletedAt != nil {
		return apperrors.ErrNotFound
	}
	if r.duplicateLocked(it) {
		return apperrors.ErrDuplicatePositionNumber
	}
	next := cloneItem(it)
	next.Totals, next.BaseTotals, next.Resources = cur.Totals, cur.BaseTotals, cur.Resources
	r.s.items[it.ID] = next
	return nil
}

func (r *fakeItemRepo) SaveComputed(_ context.Context, it *models.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.items[it.ID]; !ok {
		return apperrors.ErrNotFound
	}
	r.s.items[it.ID] = cloneItem(it)
	delete(r.s.calcErrors, it.ID)
	return nil
}

func (r *fakeItemRepo) SetCalcError(_ context.Context, id uuid.UUID, message string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	it.CalcError = message
	r.s.calcErrors[id] = message
	return nil
}

func (r *fakeItemRepo) ReplaceResources(_ context.Context, it *models.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.items[it.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cur.Resources = append([]models.ResourceLine(nil), it.Resources...)
	return nil
}

func (r *fakeItemRepo) SoftDelete(_ context.Context, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if it, ok := r.s.items[id]; ok {
			it.DeletedAt = &now
		}
	}
	return nil
}

func (r *fakeItemRepo) SoftDeleteBySections(_ context.Context, sectionIDs []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	in := make(map[uuid.UUID]bool, len(sectionIDs))
	for _, id := range sectionIDs {
		in[id] = true
	}
	now := time.Now()
	for _, it := range r.s.items {
		if it.SectionID != nil && in[*it.SectionID] && it.DeletedAt == nil {
			it.DeletedAt = &now
		}
	}
	return nil
}

func (r *fakeItemRepo) Upsert(_ context.Context, it *models.Item) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.duplicateLocked(it) {
		return apperrors.ErrDuplicatePositionNumber
	}
	c := cloneItem(it)
	c.DeletedAt = nil
	r.s.items[it.ID] = c
	return nil
}

// ---- rates ----

type fakeRateRepo struct{ s *fakeStore }

var _ repositories.RateRepository = (*fakeRateRepo)(nil)

func (r *fakeRateRepo) GetCollection(_ context.Context, id uuid.UUID) (*models.RateCollection, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.collections[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRateRepo) GetRate(_ context.Context, id uuid.UUID) (*models.NormativeRate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rate, ok := r.s.rates[id]
	if !ok || rate.DeletedAt != nil {
		return nil, apperrors.ErrNotFound
	}
	cp := *rate
	return &cp, nil
}

func (r *fakeRateRepo) FindRate(_ context.Context, collectionID uuid.UUID, code string) (*models.NormativeRate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rate := range r.s.rates {
		if rate.CollectionID == collectionID && rate.Code == code && rate.DeletedAt == nil {
			cp := *rate
			return &cp, nil
		}
	}
	return nil, apperrors.ErrRateNotFound
}

func (r *fakeRateRepo) ListResources(_ context.Context, rateID uuid.UUID) ([]models.RateResource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]models.RateResource(nil), r.s.rateRes[rateID]...), nil
}

// ---- indices and coefficients ----

type fakeIndexRepo struct{ s *fakeStore }

var _ repositories.PriceIndexRepository = (*fakeIndexRepo)(nil)

func (r *fakeIndexRepo) ListForPeriod(_ context.Context, regionCode string, year, quarter int) ([]models.PriceIndex, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.PriceIndex
	for _, idx := range r.s.indices {
		if idx.RegionCode == regionCode && idx.Year == year && idx.Quarter == quarter {
			out = append(out, idx)
		}
	}
	return out, nil
}

func (r *fakeIndexRepo) Upsert(_ context.Context, idx *models.PriceIndex) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.indices = append(r.s.indices, *idx)
	return nil
}

type fakeCoefficientRepo struct{ s *fakeStore }

var _ repositories.CoefficientRepository = (*fakeCoefficientRepo)(nil)

func (r *fakeCoefficientRepo) ListForScope(_ context.Context, level models.CoefficientScopeLevel, scopeID uuid.UUID) ([]models.Coefficient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Coefficient
	for _, c := range r.s.coefficients {
		if c.ScopeLevel == level && c.ScopeID == scopeID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeCoefficientRepo) Create(_ context.Context, c *models.Coefficient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.s.coefficients = append(r.s.coefficients, *c)
	return nil
}

// ---- change log ----

type fakeChangeLogRepo struct{ s *fakeStore }

var _ repositories.ChangeLogRepository = (*fakeChangeLogRepo)(nil)

func (r *fakeChangeLogRepo) Create(_ context.Context, e *models.ChangeLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now()
	cp := *e
	r.s.changes = append(r.s.changes, &cp)
	return nil
}

func (r *fakeChangeLogRepo) ListByEstimate(_ context.Context, estimateID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ChangeLogEntry
	for i := len(r.s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if r.s.changes[i].EstimateID == estimateID {
			out = append(out, r.s.changes[i])
		}
	}
	return out, nil
}

func (r *fakeChangeLogRepo) ListByEntity(_ context.Context, entityType string, entityID uuid.UUID) ([]*models.ChangeLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ChangeLogEntry
	for i := len(r.s.changes) - 1; i >= 0; i-- {
		if c := r.s.changes[i]; c.EntityType == entityType && c.EntityID == entityID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) changesOfType(t models.ChangeType) []*models.ChangeLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChangeLogEntry
	for _, c := range s.changes {
		if c.ChangeType == t {
			out = append(out, c)
		}
	}
	return out
}

// ---- snapshots ----

type fakeSnapshotRepo struct {
	s   *fakeStore
	err error
}

var _ repositories.SnapshotRepository = (*fakeSnapshotRepo)(nil)

func (r *fakeSnapshotRepo) Create(_ context.Context, snap *models.Snapshot) error {
	if r.err != nil {
		return r.err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	snap.CreatedAt = time.Now()
	cp := *snap
	r.s.snapshots[snap.ID] = &cp
	return nil
}

func (r *fakeSnapshotRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Snapshot, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	snap, ok := r.s.snapshots[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (r *fakeSnapshotRepo) ListByEstimate(_ context.Context, estimateID uuid.UUID) ([]*models.SnapshotSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.SnapshotSummary
	for _, snap := range r.s.snapshots {
		if snap.EstimateID == estimateID {
			out = append(out, &models.SnapshotSummary{
				ID: snap.ID, EstimateID: snap.EstimateID, SnapshotType: snap.SnapshotType,
				Label: snap.Label, EstimateVersion: snap.EstimateVersion, CreatedAt: snap.CreatedAt,
			})
		}
	}
	return out, nil
}

func (r *fakeSnapshotRepo) ListStale(_ context.Context, limit int) ([]repositories.StaleEstimate, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []repositories.StaleEstimate
	for _, e := range r.s.estimates {
		if e.DeletedAt != nil {
			continue
		}
		var latest int64
		for _, snap := range r.s.snapshots {
			if snap.EstimateID == e.ID && snap.EstimateVersion > latest {
				latest = snap.EstimateVersion
			}
		}
		if e.Version > latest {
			out = append(out, repositories.StaleEstimate{
				EstimateID: e.ID, OrganizationID: e.OrganizationID, Version: e.Version, SnapshotVersion: latest,
			})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- imports ----

type fakeImportSessionRepo struct{ s *fakeStore }

var _ repositories.ImportSessionRepository = (*fakeImportSessionRepo)(nil)

func (r *fakeImportSessionRepo) Create(_ context.Context, sess *models.ImportSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	return nil
}

func (r *fakeImportSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ImportSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r *fakeImportSessionRepo) AddRows(_ context.Context, id uuid.UUID, n int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	sess.TotalRows += n
	return nil
}

func (r *fakeImportSessionRepo) AddProgress(_ context.Context, id uuid.UUID, p repositories.ImportProgress) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	sess.ProcessedRows += p.Processed
	sess.CommittedRows += p.Committed
	sess.ReviewRows += p.Review
	sess.FailedRows += p.Failed
	if p.LastWorkItemID != nil {
		sess.LastWorkItemID = p.LastWorkItemID
	}
	return nil
}

func (r *fakeImportSessionRepo) SetMapping(_ context.Context, id uuid.UUID, mapping models.ColumnMapping, fromMemory bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	sess.ColumnMapping, sess.FromMemory = mapping.Clone(), fromMemory
	return nil
}

func (r *fakeImportSessionRepo) SetStatus(_ context.Context, id uuid.UUID, status models.ImportSessionStatus, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if sess.Status.IsTerminal() {
		return apperrors.ErrImportSessionClosed
	}
	sess.Status, sess.ErrorMessage = status, msg
	return nil
}

type fakeImportMemoryRepo struct{ s *fakeStore }

var _ repositories.ImportMemoryRepository = (*fakeImportMemoryRepo)(nil)

func (r *fakeImportMemoryRepo) GetBySignature(_ context.Context, orgID uuid.UUID, signature string) (*models.ImportMemory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.memories[orgID.String()+signature]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *fakeImportMemoryRepo) Confirm(_ context.Context, orgID uuid.UUID, signature string, mapping models.ColumnMapping) (*models.ImportMemory, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := orgID.String() + signature
	m, ok := r.s.memories[key]
	if !ok {
		m = &models.ImportMemory{ID: uuid.New(), OrganizationID: orgID, Signature: signature}
		r.s.memories[key] = m
	}
	m.ColumnMapping = mapping.Clone()
	m.ConfirmedCount++
	cp := *m
	return &cp, nil
}

type fakeReviewRepo struct{ s *fakeStore }

var _ repositories.ReviewQueueRepository = (*fakeReviewRepo)(nil)

func (r *fakeReviewRepo) Create(_ context.Context, e *models.ReviewQueueEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.s.reviews[e.ID] = &cp
	return nil
}

func (r *fakeReviewRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ReviewQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.reviews[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeReviewRepo) ListBySession(_ context.Context, sessionID uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ReviewQueueEntry
	for _, e := range r.s.reviews {
		if e.SessionID == sessionID && (status == "" || e.Status == status) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (r *fakeReviewRepo) Resolve(_ context.Context, id uuid.UUID, status models.ReviewStatus, itemID, resolvedBy *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.reviews[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if e.Status != models.ReviewStatusPending {
		return apperrors.ErrConflict
	}
	e.Status, e.ItemID, e.ResolvedBy = status, itemID, resolvedBy
	return nil
}

// ---- transactions ----

// fakeTransactor runs fn directly. lockFree controls the cross-instance lock.
type fakeTransactor struct {
	mu          sync.Mutex
	lockFree    bool
	tryLockBusy bool
	txCount     int
}

var _ Transactor = (*fakeTransactor)(nil)

func newFakeTransactor() *fakeTransactor {
	return &fakeTransactor{lockFree: true}
}

func (t *fakeTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	t.txCount++
	t.mu.Unlock()
	return fn(ctx)
}

func (t *fakeTransactor) TryLockEstimate(_ context.Context, _ uuid.UUID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockFree && !t.tryLockBusy, nil
}

// lockHeld reports whether the in-process lock on id is taken.
func lockHeld(l *EstimateLocks, id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}

// setTryLockBusy makes TryLockEstimate fail while LockEstimate still succeeds.
func (t *fakeTransactor) setTryLockBusy(busy bool) {
	t.mu.Lock()
	t.tryLockBusy = busy
	t.mu.Unlock()
}

func (t *fakeTransactor) LockEstimate(ctx context.Context, _ uuid.UUID) error {
	t.mu.Lock()
	free := t.lockFree
	t.mu.Unlock()
	if free {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func fakeTenantCtx(ctx context.Context, _ uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// ---- wiring ----

// testEngine wires every service over one fake store.
type testEngine struct {
	store     *fakeStore
	tx        *fakeTransactor
	locks     *EstimateLocks
	queue     *workqueue.Queue
	estimates *fakeEstimateRepo
	sections  *fakeSectionRepo
	items     *fakeItemRepo
	snapRepo  *fakeSnapshotRepo

	changeLog ChangeLogService
	rates     RateLibrary
	indices   IndexResolver
	recalc    RecalculationService
	snapshots SnapshotService
	editor    EstimateService
}

func newTestEngine(cfg RecalculationConfig, logger *zap.Logger) *testEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := newFakeStore()
	e := &testEngine{
		store:     store,
		tx:        newFakeTransactor(),
		locks:     NewEstimateLocks(),
		queue:     workqueue.New(logger, workqueue.WithStrategy(workqueue.NewKeyedStrategy(4))),
		estimates: &fakeEstimateRepo{s: store},
		sections:  &fakeSectionRepo{s: store},
		items:     &fakeItemRepo{s: store},
		snapRepo:  &fakeSnapshotRepo{s: store},
	}
	e.changeLog = NewChangeLogService(&fakeChangeLogRepo{s: store}, logger)
	e.rates = NewRateLibrary(&fakeRateRepo{s: store}, logger)
	e.indices = NewIndexResolver(&fakeIndexRepo{s: store}, &fakeCoefficientRepo{s: store}, logger)
	e.recalc = NewRecalculationService(e.estimates, e.sections, e.items, e.rates, e.indices, e.changeLog,
		e.tx, e.locks, e.queue, fakeTenantCtx, cfg, logger)
	e.snapshots = NewSnapshotService(e.snapRepo, e.estimates, e.sections, e.items, e.changeLog, e.recalc,
		NewMemoryDiffCache(time.Minute), e.tx, e.locks, logger)
	e.editor = NewEstimateService(e.estimates, e.sections, e.items, e.rates, e.changeLog, e.recalc,
		e.snapshots, e.tx, e.locks, 0, logger)
	return e
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seedEstimate stores a draft estimate priced in region "77", 2024 Q1 with the given rates.
func (e *testEngine) seedEstimate(orgID uuid.UUID, overhead, profit string) *models.Estimate {
	est := &models.Estimate{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Name:           "Warehouse",
		Status:         models.EstimateStatusDraft,
		Version:        1,
		RegionCode:     "77",
		PriceYear:      2024,
		PriceQuarter:   1,
		VATRate:        dec("0.20"),
		OverheadRate:   dec(overhead),
		ProfitRate:     dec(profit),
	}
	e.store.mu.Lock()
	e.store.estimates[est.ID] = cloneEstimate(est)
	e.store.mu.Unlock()
	return est
}

func (e *testEngine) seedIndex(t models.IndexType, value string) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.indices = append(e.store.indices, models.PriceIndex{
		ID: uuid.New(), IndexType: t, RegionCode: "77", Year: 2024, Quarter: 1, Value: dec(value),
	})
}

func (e *testEngine) seedSection(est *models.Estimate, parent *models.Section, number string) *models.Section {
	sec := &models.Section{
		ID:                uuid.New(),
		OrganizationID:    est.OrganizationID,
		EstimateID:        est.ID,
		Number:            number,
		FullSectionNumber: number,
		Name:              "Section " + number,
	}
	if parent != nil {
		sec.ParentID = &parent.ID
		sec.FullSectionNumber = parent.FullSectionNumber + "." + number
	}
	e.store.mu.Lock()
	e.store.sections[sec.ID] = cloneSection(sec)
	e.store.mu.Unlock()
	return sec
}

func (e *testEngine) seedItem(it *models.Item) *models.Item {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	for i := range it.Resources {
		it.Resources[i].ItemID = it.ID
		if it.Resources[i].ID == uuid.Nil {
			it.Resources[i].ID = uuid.New()
		}
	}
	e.store.mu.Lock()
	e.store.items[it.ID] = cloneItem(it)
	e.store.mu.Unlock()
	return it
}

func (e *testEngine) item(id uuid.UUID) *models.Item {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return cloneItem(e.store.items[id])
}

func (e *testEngine) section(id uuid.UUID) *models.Section {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return cloneSection(e.store.sections[id])
}

func (e *testEngine) estimate(id uuid.UUID) *models.Estimate {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	return cloneEstimate(e.store.estimates[id])
}

// workedExampleItem is quantity 10 × 1.05 with one material line of 2 per unit at 100.
func workedExampleItem(est *models.Estimate, section *models.Section, position string) *models.Item {
	it := &models.Item{
		OrganizationID:      est.OrganizationID,
		EstimateID:          est.ID,
		PositionNumber:      position,
		PricingMode:         models.PricingModeManual,
		Name:                "Concrete works",
		Unit:                "m3",
		ItemType:            models.ItemTypeWork,
		Quantity:            dec("10"),
		QuantityCoefficient: dec("1.05"),
		Resources: []models.ResourceLine{{
			ResourceType:    models.ResourceTypeMaterial,
			Code:            "M-1",
			Name:            "Cement",
			Unit:            "t",
			QuantityPerUnit: dec("2"),
			BaseUnitPrice:   dec("100"),
		}},
	}
	if section != nil {
		it.SectionID = &section.ID
	}
	return it
}
