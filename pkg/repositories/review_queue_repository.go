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

// ReviewQueueRepository provides data access for import rows held for manual review.
type ReviewQueueRepository interface {
	Create(ctx context.Context, entry *models.ReviewQueueEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReviewQueueEntry, error)
	// ListBySession returns the entries of a session by row number. A non-empty status filters them.
	ListBySession(ctx context.Context, sessionID uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error)
	// Resolve closes a pending entry. An entry that was already resolved returns apperrors.ErrConflict.
	Resolve(ctx context.Context, id uuid.UUID, status models.ReviewStatus, itemID, resolvedBy *uuid.UUID) error
}

type reviewQueueRepository struct{}

// NewReviewQueueRepository creates a new ReviewQueueRepository.
func NewReviewQueueRepository() ReviewQueueRepository {
	return &reviewQueueRepository{}
}

var _ ReviewQueueRepository = (*reviewQueueRepository)(nil)

const reviewQueueColumns = `id, organization_id, session_id, row_number, row_data, draft, confidence, status,
	item_id, resolved_by, created_at, resolved_at`

func (r *reviewQueueRepository) Create(ctx context.Context, e *models.ReviewQueueEntry) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = models.ReviewStatusPending
	}
	e.CreatedAt = time.Now()

	rowData, err := json.Marshal(e.Row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	draft, err := json.Marshal(e.Draft)
	if err != nil {
		return fmt.Errorf("failed to marshal draft: %w", err)
	}

	_, err = q.Exec(ctx, `INSERT INTO import_review_queue (`+reviewQueueColumns+`) VALUES (`+placeholders(1, 12)+`)`,
		e.ID, e.OrganizationID, e.SessionID, e.RowNumber, rowData, draft, e.Confidence, e.Status,
		e.ItemID, e.ResolvedBy, e.CreatedAt, e.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create review entry: %w", err)
	}
	return nil
}

func (r *reviewQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReviewQueueEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	e, err := scanReviewEntry(q.QueryRow(ctx, `SELECT `+reviewQueueColumns+` FROM import_review_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get review entry: %w", err)
	}
	return e, nil
}

func (r *reviewQueueRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, status models.ReviewStatus) ([]*models.ReviewQueueEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT `+reviewQueueColumns+` FROM import_review_queue
		WHERE session_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY row_number, created_at`, sessionID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list review entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.ReviewQueueEntry
	for rows.Next() {
		e, err := scanReviewEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating review entries: %w", err)
	}
	return entries, nil
}

func (r *reviewQueueRepository) Resolve(ctx context.Context, id uuid.UUID, status models.ReviewStatus, itemID, resolvedBy *uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `
		UPDATE import_review_queue SET status = $2, item_id = $3, resolved_by = $4, resolved_at = now()
		WHERE id = $1 AND status = 'pending'`,
		id, status, itemID, resolvedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve review entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("review entry already resolved: %w", apperrors.ErrConflict)
	}
	return nil
}

func scanReviewEntry(row pgx.Row) (*models.ReviewQueueEntry, error) {
	var e models.ReviewQueueEntry
	var rowData, draft []byte
	err := row.Scan(&e.ID, &e.OrganizationID, &e.SessionID, &e.RowNumber, &rowData, &draft, &e.Confidence, &e.Status,
		&e.ItemID, &e.ResolvedBy, &e.CreatedAt, &e.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rowData, &e.Row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	if err := json.Unmarshal(draft, &e.Draft); err != nil {
		return nil, fmt.Errorf("failed to unmarshal draft: %w", err)
	}
	return &e, nil
}
