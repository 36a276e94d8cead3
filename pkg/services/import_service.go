package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/importmap"
	"github.com/ekaya-inc/costing-engine/pkg/logging"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
)

// DefaultConfidenceThreshold routes rows below it to the review queue.
const DefaultConfidenceThreshold = 0.6

// ImportProgressView is the state of an import session and its background jobs.
type ImportProgressView struct {
	Session    *models.ImportSession    `json:"session"`
	Jobs       []workqueue.TaskSnapshot `json:"jobs,omitempty"`
	Percentage int                      `json:"percentage"`
}

// ImportSessionView is a new session with the mapping resolved for its headers.
type ImportSessionView struct {
	Session *models.ImportSession `json:"session"`
	Mapping importmap.Mapping     `json:"mapping"`
}

// ImportService commits normalized spreadsheet rows into an estimate. Rows mapped with
// enough confidence become items through EstimateService; the rest wait in the review queue.
type ImportService interface {
	// StartSession opens a session and resolves the column mapping, preferring the
	// organization's confirmed mapping for the same header signature.
	StartSession(ctx context.Context, orgID, estimateID uuid.UUID, sourceName string, headers []string) (*ImportSessionView, error)

	// ImportRow maps and commits one row synchronously.
	ImportRow(ctx context.Context, orgID, sessionID uuid.UUID, row models.ImportRow) (*models.ImportRowOutcome, error)

	// SubmitRows queues rows for background processing and returns the job ID.
	SubmitRows(ctx context.Context, orgID, sessionID uuid.UUID, rows []models.ImportRow) (string, error)

	// Complete closes the session and recalculates the estimate.
	Complete(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error)

	Progress(ctx context.Context, orgID, sessionID uuid.UUID) (*ImportProgressView, error)

	// Cancel stops the session's jobs and closes it. Rows already committed stay.
	Cancel(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error)

	// ConfirmMapping stores the mapping for the session and remembers it for the
	// organization under the session's header signature.
	ConfirmMapping(ctx context.Context, orgID, sessionID uuid.UUID, mapping models.ColumnMapping) (*models.ImportMemory, error)

	// ResolveReview accepts or rejects a queued row. An accepted row is committed from
	// draft when given, otherwise from the stored draft.
	ResolveReview(ctx context.Context, orgID, entryID uuid.UUID, accept bool, draft *models.ItemDraft) (*models.ReviewQueueEntry, error)

	ListReview(ctx context.Context, orgID, sessionID uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error)
}

type importService struct {
	sessions  repositories.ImportSessionRepository
	memories  repositories.ImportMemoryRepository
	reviews   repositories.ReviewQueueRepository
	sections  repositories.SectionRepository
	items     repositories.ItemRepository
	estimates EstimateService
	recalc    RecalculationService
	changes   ChangeLogService
	mapper    *importmap.Mapper
	queue     *workqueue.Queue
	tenantCtx TenantContextFunc
	threshold float64
	rowLocks  *EstimateLocks
	logger    *zap.Logger

	mu   sync.Mutex
	jobs map[uuid.UUID][]string
}

// NewImportService creates a new ImportService.
func NewImportService(
	sessions repositories.ImportSessionRepository,
	memories repositories.ImportMemoryRepository,
	reviews repositories.ReviewQueueRepository,
	sections repositories.SectionRepository,
	items repositories.ItemRepository,
	estimates EstimateService,
	recalc RecalculationService,
	changes ChangeLogService,
	mapper *importmap.Mapper,
	queue *workqueue.Queue,
	tenantCtx TenantContextFunc,
	threshold float64,
	logger *zap.Logger,
) ImportService {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	if mapper == nil {
		mapper = importmap.NewMapper(nil)
	}
	return &importService{
		sessions:  sessions,
		memories:  memories,
		reviews:   reviews,
		sections:  sections,
		items:     items,
		estimates: estimates,
		recalc:    recalc,
		changes:   changes,
		mapper:    mapper,
		queue:     queue,
		tenantCtx: tenantCtx,
		threshold: threshold,
		rowLocks:  NewEstimateLocks(),
		logger:    logger.Named("import-service"),
		jobs:      make(map[uuid.UUID][]string),
	}
}

var _ ImportService = (*importService)(nil)

func (s *importService) StartSession(ctx context.Context, orgID, estimateID uuid.UUID, sourceName string, headers []string) (*ImportSessionView, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("headers are required: %w", apperrors.ErrInvalidInput)
	}
	estimate, err := s.estimates.GetEstimate(ctx, orgID, estimateID)
	if err != nil {
		return nil, err
	}
	if !estimate.Status.IsEditable() {
		return nil, fmt.Errorf("estimate %s is %s: %w", estimateID, estimate.Status, apperrors.ErrEstimateLocked)
	}

	sig := importmap.Signature(headers)
	memory, err := s.memories.GetBySignature(ctx, orgID, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to load import memory: %w", err)
	}
	mapping := s.mapper.ResolveMapping(headers, memory)

	session := &models.ImportSession{
		OrganizationID:  orgID,
		EstimateID:      estimateID,
		SourceName:      sourceName,
		Status:          models.ImportStatusPending,
		Headers:         headers,
		HeaderSignature: mapping.Signature,
		ColumnMapping:   mapping.Columns,
		FromMemory:      mapping.FromMemory,
		CreatedBy:       models.ProvenanceOrSystem(ctx).ActorPtr(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("Import session started",
		zap.String("session_id", session.ID.String()),
		zap.String("estimate_id", estimateID.String()),
		zap.Bool("from_memory", mapping.FromMemory),
		zap.Float64("mapping_confidence", mapping.Confidence),
		zap.Any("missing_columns", mapping.Missing))

	return &ImportSessionView{Session: session, Mapping: mapping}, nil
}

// openSession loads a session of the organization that still accepts rows.
func (s *importService) openSession(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error) {
	session, err := s.loadSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, apperrors.ErrImportSessionClosed)
	}
	return session, nil
}

func (s *importService) loadSession(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("import session %s: %w", sessionID, err)
	}
	if session.OrganizationID != orgID {
		return nil, fmt.Errorf("import session %s: %w", sessionID, apperrors.ErrNotFound)
	}
	return session, nil
}

// sessionMapping rebuilds the mapping a session imports with.
func (s *importService) sessionMapping(session *models.ImportSession) importmap.Mapping {
	if session.FromMemory && len(session.ColumnMapping) > 0 {
		return s.mapper.ResolveMapping(session.Headers, &models.ImportMemory{
			Signature:     session.HeaderSignature,
			ColumnMapping: session.ColumnMapping,
		})
	}
	return s.mapper.ResolveMapping(session.Headers, nil)
}

func (s *importService) ImportRow(ctx context.Context, orgID, sessionID uuid.UUID, row models.ImportRow) (*models.ImportRowOutcome, error) {
	session, err := s.openSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.AddRows(ctx, sessionID, 1); err != nil {
		return nil, err
	}
	if session.Status == models.ImportStatusPending {
		if err := s.sessions.SetStatus(ctx, sessionID, models.ImportStatusRunning, ""); err != nil {
			return nil, err
		}
		session.Status = models.ImportStatusRunning
	}
	return s.processRow(s.importContext(ctx, session), session, s.sessionMapping(session), row)
}

// importContext attributes changes to the user who started the session.
func (s *importService) importContext(ctx context.Context, session *models.ImportSession) context.Context {
	actor := uuid.Nil
	if session.CreatedBy != nil {
		actor = *session.CreatedBy
	}
	return models.WithImportProvenance(ctx, actor)
}

// processRow maps and commits one row and records the outcome in the session counters.
// Validation failures are counted and returned; the caller decides whether to go on.
func (s *importService) processRow(ctx context.Context, session *models.ImportSession, mapping importmap.Mapping, row models.ImportRow) (*models.ImportRowOutcome, error) {
	if err := s.rowLocks.Lock(ctx, session.ID); err != nil {
		return nil, err
	}
	defer s.rowLocks.Unlock(session.ID)

	outcome := &models.ImportRowOutcome{RowNumber: row.RowNumber}

	draft, confidence, err := s.mapper.MapRowWith(row, mapping)
	outcome.Confidence = confidence
	if err != nil {
		return s.failRow(ctx, session, outcome, err)
	}

	if confidence < s.threshold {
		entry := &models.ReviewQueueEntry{
			OrganizationID: session.OrganizationID,
			SessionID:      session.ID,
			RowNumber:      row.RowNumber,
			Row:            row,
			Draft:          draft,
			Confidence:     confidence,
			Status:         models.ReviewStatusPending,
		}
		if err := s.reviews.Create(ctx, entry); err != nil {
			return nil, err
		}
		outcome.ReviewEntry = entry
		s.logger.Debug("Import row queued for review",
			zap.String("session_id", session.ID.String()),
			zap.Int("row_number", row.RowNumber),
			zap.Float64("confidence", confidence),
			zap.Strings("reasons", draft.Reasons),
			logging.RowCells(row.Cells))
		return outcome, s.sessions.AddProgress(ctx, session.ID, repositories.ImportProgress{Processed: 1, Review: 1})
	}

	progress, err := s.commitDraft(ctx, session, &draft, outcome)
	if err != nil {
		if isItemLevel(err) {
			return s.failRow(ctx, session, outcome, err)
		}
		return nil, err
	}
	progress.Processed = 1
	return outcome, s.sessions.AddProgress(ctx, session.ID, progress)
}

func (s *importService) failRow(ctx context.Context, session *models.ImportSession, outcome *models.ImportRowOutcome, cause error) (*models.ImportRowOutcome, error) {
	outcome.Error = cause.Error()
	if err := s.sessions.AddProgress(ctx, session.ID, repositories.ImportProgress{Processed: 1, Failed: 1}); err != nil {
		return nil, err
	}
	return outcome, fmt.Errorf("row %d: %w", outcome.RowNumber, cause)
}

// commitDraft turns a draft into a section, a resource line of the last work item, or an item.
func (s *importService) commitDraft(ctx context.Context, session *models.ImportSession, draft *models.ItemDraft, outcome *models.ImportRowOutcome) (repositories.ImportProgress, error) {
	orgID, estimateID := session.OrganizationID, session.EstimateID

	if draft.IsSection {
		if _, err := s.sectionFor(ctx, orgID, estimateID, draft.SectionNumber, draft.Name); err != nil {
			return repositories.ImportProgress{}, err
		}
		return repositories.ImportProgress{Committed: 1}, nil
	}

	if draft.IsResource() && session.LastWorkItemID != nil {
		line, err := s.attachResource(ctx, orgID, estimateID, *session.LastWorkItemID, draft)
		if err != nil {
			return repositories.ImportProgress{}, err
		}
		outcome.Resource = line
		return repositories.ImportProgress{Committed: 1}, nil
	}

	var sectionID *uuid.UUID
	if draft.SectionNumber != "" {
		sec, err := s.sectionFor(ctx, orgID, estimateID, draft.SectionNumber, "")
		if err != nil {
			return repositories.ImportProgress{}, err
		}
		sectionID = &sec.ID
	}

	item, err := s.estimates.AddItem(ctx, orgID, estimateID, ItemInput{
		SectionID:      sectionID,
		PositionNumber: draft.PositionNumber,
		RateCode:       draft.RateCode,
		Name:           draft.Name,
		Unit:           draft.Unit,
		ItemType:       draft.ItemType,
		Quantity:       draft.Quantity,
		UnitPrice:      draft.UnitPrice,
	})
	if err != nil {
		return repositories.ImportProgress{}, err
	}
	outcome.Item = item

	progress := repositories.ImportProgress{Committed: 1}
	if item.ItemType == models.ItemTypeWork {
		progress.LastWorkItemID = &item.ID
		session.LastWorkItemID = &item.ID
	}
	return progress, nil
}

// attachResource appends a resource row to a work item. Imported resource quantities are
// totals for the work item and are converted to per-unit quantities.
func (s *importService) attachResource(ctx context.Context, orgID, estimateID, itemID uuid.UUID, draft *models.ItemDraft) (*models.ResourceLine, error) {
	work, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("work item %s: %w", itemID, err)
	}

	perUnit := draft.Quantity
	if qt := work.Quantity.Mul(work.QuantityCoefficient); qt.IsPositive() {
		perUnit = draft.Quantity.Div(qt)
	}
	line := models.ResourceLine{
		ID:              uuid.New(),
		ItemID:          itemID,
		ResourceType:    draft.ItemType.ResourceType(),
		Code:            draft.RateCode,
		Name:            draft.Name,
		Unit:            draft.Unit,
		SortOrder:       len(work.Resources) + 1,
		QuantityPerUnit: perUnit,
		BaseUnitPrice:   draft.UnitPrice,
	}

	lines := append(append([]models.ResourceLine(nil), work.Resources...), line)
	if _, err := s.estimates.SetResources(ctx, orgID, estimateID, itemID, lines); err != nil {
		return nil, err
	}
	return &line, nil
}

// sectionFor finds a section by its full or local number, creating it (and its parent
// numbers) when missing.
func (s *importService) sectionFor(ctx context.Context, orgID, estimateID uuid.UUID, number, name string) (*models.Section, error) {
	number = strings.Trim(strings.TrimSpace(number), ".")
	if number == "" {
		return nil, fmt.Errorf("section row without number: %w", apperrors.ErrInvalidInput)
	}

	all, err := s.sections.ListByEstimate(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	for _, sec := range all {
		if sec.FullSectionNumber == number {
			return sec, nil
		}
	}

	var parentID *uuid.UUID
	local := number
	if i := strings.LastIndex(number, "."); i > 0 {
		parent, err := s.sectionFor(ctx, orgID, estimateID, number[:i], "")
		if err != nil {
			return nil, err
		}
		parentID = &parent.ID
		local = number[i+1:]
	}
	if name == "" {
		name = "Section " + number
	}
	return s.estimates.AddSection(ctx, orgID, estimateID, SectionInput{
		ParentID:  parentID,
		Number:    local,
		Name:      name,
		SortOrder: len(all) + 1,
	})
}

func (s *importService) SubmitRows(ctx context.Context, orgID, sessionID uuid.UUID, rows []models.ImportRow) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("no rows: %w", apperrors.ErrInvalidInput)
	}
	session, err := s.openSession(ctx, orgID, sessionID)
	if err != nil {
		return "", err
	}
	if err := s.sessions.AddRows(ctx, sessionID, len(rows)); err != nil {
		return "", err
	}
	if session.Status == models.ImportStatusPending {
		if err := s.sessions.SetStatus(ctx, sessionID, models.ImportStatusRunning, ""); err != nil {
			return "", err
		}
	}

	rows = append([]models.ImportRow(nil), rows...)
	tenantCtx := WithProvenanceWrapper(s.tenantCtx, models.ProvenanceOrSystem(s.importContext(ctx, session)))
	task := workqueue.NewFuncTask(fmt.Sprintf("import %d rows into session %s", len(rows), sessionID), "import:"+sessionID.String(),
		func(jobCtx context.Context) error {
			scopedCtx, cleanup, err := tenantCtx(jobCtx, orgID)
			if err != nil {
				return fmt.Errorf("failed to acquire organization scope: %w", err)
			}
			defer cleanup()
			return s.runBatch(scopedCtx, orgID, sessionID, rows)
		})

	jobID := s.queue.Enqueue(task)
	if jobID == "" {
		return "", workqueue.ErrQueueClosed
	}
	s.mu.Lock()
	s.jobs[sessionID] = append(s.jobs[sessionID], jobID)
	s.mu.Unlock()

	s.logger.Info("Import rows queued",
		zap.String("session_id", sessionID.String()),
		zap.String("job_id", jobID),
		zap.Int("rows", len(rows)))
	return jobID, nil
}

func (s *importService) runBatch(ctx context.Context, orgID, sessionID uuid.UUID, rows []models.ImportRow) error {
	session, err := s.openSession(ctx, orgID, sessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrImportSessionClosed) {
			return nil
		}
		return err
	}
	mapping := s.sessionMapping(session)

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.processRow(ctx, session, mapping, row); err != nil {
			if errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrReference) {
				s.logger.Debug("Import row failed",
					zap.String("session_id", sessionID.String()),
					zap.Int("row_number", row.RowNumber),
					logging.RowCells(row.Cells),
					zap.Error(err))
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("Import batch aborted",
				zap.String("session_id", sessionID.String()),
				zap.Int("row_number", row.RowNumber),
				zap.Error(err))
			if serr := s.sessions.SetStatus(ctx, sessionID, models.ImportStatusFailed, err.Error()); serr != nil {
				s.logger.Error("Failed to mark import session failed", zap.Error(serr))
			}
			return err
		}
	}
	return nil
}

func (s *importService) Complete(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error) {
	session, err := s.openSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	if s.pendingJobs(sessionID) > 0 {
		return nil, fmt.Errorf("session %s still has queued rows: %w", sessionID, apperrors.ErrConflict)
	}
	if err := s.sessions.SetStatus(ctx, sessionID, models.ImportStatusCompleted, ""); err != nil {
		return nil, err
	}

	importCtx := s.importContext(ctx, session)
	if err := s.changes.LogChange(importCtx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     session.EstimateID,
		ChangeType:     models.ChangeTypeImport,
		EntityType:     models.EntityTypeImport,
		EntityID:       sessionID,
		NewValues: map[string]any{
			"source_name": session.SourceName,
			"rows":        session.TotalRows,
			"committed":   session.CommittedRows,
			"review":      session.ReviewRows,
			"failed":      session.FailedRows,
		},
	}); err != nil {
		s.logger.Error("Failed to log import completion", zap.Error(err))
	}

	if _, err := s.recalc.Recalculate(importCtx, orgID, session.EstimateID, models.FullScope()); err != nil {
		if _, qerr := s.recalc.Enqueue(importCtx, orgID, session.EstimateID, models.FullScope()); qerr != nil {
			s.logger.Error("Failed to recalculate after import",
				zap.String("estimate_id", session.EstimateID.String()),
				zap.Error(err))
		}
	}

	s.forgetJobs(sessionID)
	return s.loadSession(ctx, orgID, sessionID)
}

func (s *importService) pendingJobs(sessionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.jobs[sessionID] {
		if snap, ok := s.queue.Get(id); ok && !snap.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (s *importService) forgetJobs(sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.jobs, sessionID)
	s.mu.Unlock()
}

func (s *importService) Progress(ctx context.Context, orgID, sessionID uuid.UUID) (*ImportProgressView, error) {
	session, err := s.loadSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}

	view := &ImportProgressView{Session: session, Percentage: 100}
	if session.TotalRows > 0 {
		view.Percentage = session.ProcessedRows * 100 / session.TotalRows
	}

	s.mu.Lock()
	ids := append([]string(nil), s.jobs[sessionID]...)
	s.mu.Unlock()
	for _, id := range ids {
		if snap, ok := s.queue.Get(id); ok {
			view.Jobs = append(view.Jobs, snap)
		}
	}
	return view, nil
}

func (s *importService) Cancel(ctx context.Context, orgID, sessionID uuid.UUID) (*models.ImportSession, error) {
	if _, err := s.openSession(ctx, orgID, sessionID); err != nil {
		return nil, err
	}
	if err := s.sessions.SetStatus(ctx, sessionID, models.ImportStatusCancelled, ""); err != nil {
		return nil, err
	}

	s.mu.Lock()
	ids := append([]string(nil), s.jobs[sessionID]...)
	s.mu.Unlock()
	cancelled := 0
	for _, id := range ids {
		if s.queue.CancelTask(id) {
			cancelled++
		}
	}
	s.forgetJobs(sessionID)

	s.logger.Info("Import session cancelled",
		zap.String("session_id", sessionID.String()),
		zap.Int("jobs_cancelled", cancelled))
	return s.loadSession(ctx, orgID, sessionID)
}

func (s *importService) ConfirmMapping(ctx context.Context, orgID, sessionID uuid.UUID, mapping models.ColumnMapping) (*models.ImportMemory, error) {
	session, err := s.openSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	for field, idx := range mapping {
		if idx < 0 || idx >= len(session.Headers) {
			return nil, fmt.Errorf("column %d for %s is out of range: %w", idx, field, apperrors.ErrInvalidInput)
		}
	}
	if _, ok := mapping[models.ColumnName]; !ok {
		return nil, fmt.Errorf("mapping needs a name column: %w", apperrors.ErrInvalidInput)
	}

	memory, err := s.memories.Confirm(ctx, orgID, session.HeaderSignature, mapping)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.SetMapping(ctx, sessionID, mapping, true); err != nil {
		return nil, err
	}

	s.logger.Info("Import mapping confirmed",
		zap.String("session_id", sessionID.String()),
		zap.String("signature", session.HeaderSignature),
		zap.Int("confirmed_count", memory.ConfirmedCount))
	return memory, nil
}

func (s *importService) ResolveReview(ctx context.Context, orgID, entryID uuid.UUID, accept bool, draft *models.ItemDraft) (*models.ReviewQueueEntry, error) {
	entry, err := s.reviews.GetByID(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("review entry %s: %w", entryID, err)
	}
	if entry.OrganizationID != orgID {
		return nil, fmt.Errorf("review entry %s: %w", entryID, apperrors.ErrNotFound)
	}
	if entry.Status != models.ReviewStatusPending {
		return nil, fmt.Errorf("review entry %s is %s: %w", entryID, entry.Status, apperrors.ErrConflict)
	}
	session, err := s.loadSession(ctx, orgID, entry.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.ImportStatusCancelled || session.Status == models.ImportStatusFailed {
		return nil, fmt.Errorf("session %s is %s: %w", session.ID, session.Status, apperrors.ErrImportSessionClosed)
	}

	resolver := models.ProvenanceOrSystem(ctx).ActorPtr()
	if !accept {
		if err := s.reviews.Resolve(ctx, entryID, models.ReviewStatusRejected, nil, resolver); err != nil {
			return nil, err
		}
		if err := s.sessions.AddProgress(ctx, session.ID, repositories.ImportProgress{Review: -1, Failed: 1}); err != nil {
			return nil, err
		}
		entry.Status = models.ReviewStatusRejected
		entry.ResolvedBy = resolver
		return entry, nil
	}

	d := entry.Draft
	if draft != nil {
		d = *draft
	}
	if d.Quantity.IsNegative() {
		return nil, fmt.Errorf("row %d: %w", entry.RowNumber, apperrors.ErrNegativeQuantity)
	}
	if !d.IsSection && d.ItemType == "" {
		d.ItemType = models.ItemTypeWork
	}

	outcome := &models.ImportRowOutcome{RowNumber: entry.RowNumber, Confidence: entry.Confidence}
	if err := s.rowLocks.Lock(ctx, session.ID); err != nil {
		return nil, err
	}
	progress, err := s.commitDraft(ctx, session, &d, outcome)
	s.rowLocks.Unlock(session.ID)
	if err != nil {
		return nil, err
	}

	var itemID *uuid.UUID
	if outcome.Item != nil {
		itemID = &outcome.Item.ID
	}
	if err := s.reviews.Resolve(ctx, entryID, models.ReviewStatusAccepted, itemID, resolver); err != nil {
		return nil, err
	}
	progress.Review = -1
	if err := s.sessions.AddProgress(ctx, session.ID, progress); err != nil {
		return nil, err
	}

	entry.Status = models.ReviewStatusAccepted
	entry.Draft = d
	entry.ItemID = itemID
	entry.ResolvedBy = resolver
	return entry, nil
}

func (s *importService) ListReview(ctx context.Context, orgID, sessionID uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error) {
	if _, err := s.loadSession(ctx, orgID, sessionID); err != nil {
		return nil, err
	}
	return s.reviews.ListBySession(ctx, sessionID, status)
}
