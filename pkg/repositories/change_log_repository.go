package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// ChangeLogRepository provides data access for the append-only estimate change log.
type ChangeLogRepository interface {
	// Create inserts a new entry. Entries are never updated.
	Create(ctx context.Context, entry *models.ChangeLogEntry) error

	// ListByEstimate returns entries for an estimate, newest first.
	ListByEstimate(ctx context.Context, estimateID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error)

	// ListByEntity returns entries for one entity of an estimate, newest first.
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.ChangeLogEntry, error)
}

type changeLogRepository struct{}

// NewChangeLogRepository creates a new ChangeLogRepository.
func NewChangeLogRepository() ChangeLogRepository {
	return &changeLogRepository{}
}

var _ ChangeLogRepository = (*changeLogRepository)(nil)

const changeLogColumns = `id, organization_id, estimate_id, change_type, entity_type, entity_id,
	old_values, new_values, source, actor_id, created_at`

func (r *changeLogRepository) Create(ctx context.Context, entry *models.ChangeLogEntry) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()

	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return fmt.Errorf("failed to marshal old_values: %w", err)
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return fmt.Errorf("failed to marshal new_values: %w", err)
	}

	query := `INSERT INTO estimate_change_log (` + changeLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = q.Exec(ctx, query,
		entry.ID,
		entry.OrganizationID,
		entry.EstimateID,
		entry.ChangeType,
		entry.EntityType,
		entry.EntityID,
		oldJSON,
		newJSON,
		entry.Source,
		entry.ActorID,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create change log entry: %w", err)
	}
	return nil
}

func (r *changeLogRepository) ListByEstimate(ctx context.Context, estimateID uuid.UUID, limit int) ([]*models.ChangeLogEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + changeLogColumns + ` FROM estimate_change_log
		WHERE estimate_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := q.Query(ctx, query, estimateID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	return collectChangeLog(rows)
}

func (r *changeLogRepository) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*models.ChangeLogEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + changeLogColumns + ` FROM estimate_change_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id`

	rows, err := q.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log by entity: %w", err)
	}
	return collectChangeLog(rows)
}

func collectChangeLog(rows pgx.Rows) ([]*models.ChangeLogEntry, error) {
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		entry, err := scanChangeLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change log entries: %w", err)
	}
	return entries, nil
}

func scanChangeLogEntry(row pgx.Row) (*models.ChangeLogEntry, error) {
	var entry models.ChangeLogEntry
	var oldJSON, newJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.OrganizationID,
		&entry.EstimateID,
		&entry.ChangeType,
		&entry.EntityType,
		&entry.EntityID,
		&oldJSON,
		&newJSON,
		&entry.Source,
		&entry.ActorID,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan change log entry: %w", err)
	}

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &entry.OldValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal old_values: %w", err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &entry.NewValues); err != nil {
			return nil, fmt.Errorf("failed to unmarshal new_values: %w", err)
		}
	}
	return &entry, nil
}

// marshalValues returns nil for empty maps so the column stays NULL.
func marshalValues(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
