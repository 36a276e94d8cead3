package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// DefaultHistoryLimit caps change log listings when no limit is given.
const DefaultHistoryLimit = 100

// ChangeLogService records changes to estimates in the append-only change log.
// Entries are written through the transaction in ctx, so a change and its log entry
// commit or roll back together. Source and actor come from the provenance in ctx,
// falling back to system provenance.
type ChangeLogService interface {
	// LogChange writes a fully populated entry.
	LogChange(ctx context.Context, entry *models.ChangeLogEntry) error

	// LogCreate logs the creation of an entity with its initial values.
	LogCreate(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, values map[string]any) error

	// LogUpdate logs changed fields of an entity.
	LogUpdate(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, changes map[string]models.FieldChange) error

	// LogDelete logs the deletion of an entity with its last values.
	LogDelete(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, values map[string]any) error

	// History returns the entries of an estimate, newest first.
	History(ctx context.Context, estimateID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error)

	// EntityHistory returns the entries of one entity, newest first.
	EntityHistory(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.ChangeLogEntry, error)
}

type changeLogService struct {
	repo   repositories.ChangeLogRepository
	logger *zap.Logger
}

// NewChangeLogService creates a new ChangeLogService.
func NewChangeLogService(repo repositories.ChangeLogRepository, logger *zap.Logger) ChangeLogService {
	return &changeLogService{
		repo:   repo,
		logger: logger.Named("change-log-service"),
	}
}

var _ ChangeLogService = (*changeLogService)(nil)

func (s *changeLogService) LogChange(ctx context.Context, entry *models.ChangeLogEntry) error {
	prov := models.ProvenanceOrSystem(ctx)
	if entry.Source == "" {
		entry.Source = prov.Source.String()
	}
	if entry.ActorID == nil {
		entry.ActorID = prov.ActorPtr()
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Error("Failed to create change log entry",
			zap.String("estimate_id", entry.EstimateID.String()),
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID.String()),
			zap.String("change_type", string(entry.ChangeType)),
			zap.Error(err))
		return fmt.Errorf("create change log entry: %w", err)
	}
	return nil
}

func (s *changeLogService) LogCreate(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, values map[string]any) error {
	return s.LogChange(ctx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ChangeType:     models.ChangeTypeCreate,
		EntityType:     entityType,
		EntityID:       entityID,
		NewValues:      values,
	})
}

func (s *changeLogService) LogUpdate(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, changes map[string]models.FieldChange) error {
	if len(changes) == 0 {
		return nil
	}
	oldValues := make(map[string]any, len(changes))
	newValues := make(map[string]any, len(changes))
	for field, c := range changes {
		oldValues[field] = c.Old
		newValues[field] = c.New
	}
	return s.LogChange(ctx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ChangeType:     models.ChangeTypeUpdate,
		EntityType:     entityType,
		EntityID:       entityID,
		OldValues:      oldValues,
		NewValues:      newValues,
	})
}

func (s *changeLogService) LogDelete(ctx context.Context, orgID, estimateID uuid.UUID, entityType string, entityID uuid.UUID, values map[string]any) error {
	return s.LogChange(ctx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ChangeType:     models.ChangeTypeDelete,
		EntityType:     entityType,
		EntityID:       entityID,
		OldValues:      values,
	})
}

func (s *changeLogService) History(ctx context.Context, estimateID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	entries, err := s.repo.ListByEstimate(ctx, estimateID, limit)
	if err != nil {
		s.logger.Error("Failed to get change log entries",
			zap.String("estimate_id", estimateID.String()),
			zap.Error(err))
		return nil, err
	}
	return entries, nil
}

func (s *changeLogService) EntityHistory(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.ChangeLogEntry, error) {
	entries, err := s.repo.ListByEntity(ctx, entityType, entityID)
	if err != nil {
		s.logger.Error("Failed to get change log entries by entity",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID.String()),
			zap.Error(err))
		return nil, err
	}
	return entries, nil
}
