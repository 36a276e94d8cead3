package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// StaleEstimate is an estimate whose version advanced past its latest snapshot.
type StaleEstimate struct {
	EstimateID      uuid.UUID
	OrganizationID  uuid.UUID
	Version         int64
	SnapshotVersion int64
}

// SnapshotRepository provides data access for immutable estimate snapshots.
type SnapshotRepository interface {
	Create(ctx context.Context, snapshot *models.Snapshot) error
	// GetByID returns the snapshot with its deserialized tree.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)
	// ListByEstimate returns snapshot summaries, newest first.
	ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.SnapshotSummary, error)
	// ListStale returns live estimates with no snapshot at their current version.
	// Run without organization scope it covers every organization.
	ListStale(ctx context.Context, limit int) ([]StaleEstimate, error)
}

type snapshotRepository struct{}

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository() SnapshotRepository {
	return &snapshotRepository{}
}

var _ SnapshotRepository = (*snapshotRepository)(nil)

func (r *snapshotRepository) Create(ctx context.Context, s *models.Snapshot) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if s.Tree == nil {
		return fmt.Errorf("snapshot has no estimate tree")
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()

	data, err := json.Marshal(s.Tree)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot tree: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO estimate_snapshots (
			id, organization_id, estimate_id, snapshot_type, label, estimate_version, data, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.OrganizationID, s.EstimateID, s.SnapshotType, s.Label, s.EstimateVersion, data, s.CreatedBy, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (r *snapshotRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var s models.Snapshot
	var data []byte
	err = q.QueryRow(ctx, `
		SELECT id, organization_id, estimate_id, snapshot_type, label, estimate_version, data, created_by, created_at
		FROM estimate_snapshots
		WHERE id = $1`, id,
	).Scan(&s.ID, &s.OrganizationID, &s.EstimateID, &s.SnapshotType, &s.Label, &s.EstimateVersion, &data, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var tree models.EstimateTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot tree: %w", err)
	}
	s.Tree = &tree
	return &s, nil
}

func (r *snapshotRepository) ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.SnapshotSummary, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, estimate_id, snapshot_type, label, estimate_version, created_at
		FROM estimate_snapshots
		WHERE estimate_id = $1
		ORDER BY created_at DESC, id`, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var summaries []*models.SnapshotSummary
	for rows.Next() {
		var s models.SnapshotSummary
		if err := rows.Scan(&s.ID, &s.EstimateID, &s.SnapshotType, &s.Label, &s.EstimateVersion, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return summaries, nil
}

func (r *snapshotRepository) ListStale(ctx context.Context, limit int) ([]StaleEstimate, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT e.id, e.organization_id, e.version, COALESCE(s.max_version, 0)
		FROM estimates e
		LEFT JOIN (
			SELECT estimate_id, MAX(estimate_version) AS max_version
			FROM estimate_snapshots
			GROUP BY estimate_id
		) s ON s.estimate_id = e.id
		WHERE e.deleted_at IS NULL
		  AND e.status <> 'cancelled'
		  AND e.version > COALESCE(s.max_version, 0)
		ORDER BY e.updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale estimates: %w", err)
	}
	defer rows.Close()

	var stale []StaleEstimate
	for rows.Next() {
		var s StaleEstimate
		if err := rows.Scan(&s.EstimateID, &s.OrganizationID, &s.Version, &s.SnapshotVersion); err != nil {
			return nil, fmt.Errorf("failed to scan stale estimate: %w", err)
		}
		stale = append(stale, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale estimates: %w", err)
	}
	return stale, nil
}
