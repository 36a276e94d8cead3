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

// ImportProgress is a delta applied to an import session's counters.
type ImportProgress struct {
	Processed int
	Committed int
	Review    int
	Failed    int
	// LastWorkItemID replaces the session's last work item when set.
	LastWorkItemID *uuid.UUID
}

// ImportSessionRepository provides data access for import sessions.
type ImportSessionRepository interface {
	Create(ctx context.Context, session *models.ImportSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error)
	// AddRows increases the expected row count.
	AddRows(ctx context.Context, id uuid.UUID, n int) error
	// AddProgress atomically applies counter deltas.
	AddProgress(ctx context.Context, id uuid.UUID, p ImportProgress) error
	// SetMapping stores the confirmed column mapping of the session.
	SetMapping(ctx context.Context, id uuid.UUID, mapping models.ColumnMapping, fromMemory bool) error
	// SetStatus moves a non-terminal session to status. A session that is already
	// terminal returns apperrors.ErrImportSessionClosed.
	SetStatus(ctx context.Context, id uuid.UUID, status models.ImportSessionStatus, errorMessage string) error
}

type importSessionRepository struct{}

// NewImportSessionRepository creates a new ImportSessionRepository.
func NewImportSessionRepository() ImportSessionRepository {
	return &importSessionRepository{}
}

var _ ImportSessionRepository = (*importSessionRepository)(nil)

const importSessionColumns = `id, organization_id, estimate_id, source_name, status, headers, header_signature,
	column_mapping, from_memory, total_rows, processed_rows, committed_rows, review_rows, failed_rows,
	last_work_item_id, error_message, created_by, created_at, updated_at, completed_at`

func (r *importSessionRepository) Create(ctx context.Context, s *models.ImportSession) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = models.ImportStatusPending
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	headers, err := json.Marshal(nonNilStrings(s.Headers))
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	mapping, err := json.Marshal(s.ColumnMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal column mapping: %w", err)
	}

	_, err = q.Exec(ctx, `INSERT INTO import_sessions (`+importSessionColumns+`) VALUES (`+placeholders(1, 20)+`)`,
		s.ID, s.OrganizationID, s.EstimateID, s.SourceName, s.Status, headers, s.HeaderSignature,
		mapping, s.FromMemory, s.TotalRows, s.ProcessedRows, s.CommittedRows, s.ReviewRows, s.FailedRows,
		s.LastWorkItemID, s.ErrorMessage, s.CreatedBy, s.CreatedAt, s.UpdatedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create import session: %w", err)
	}
	return nil
}

func (r *importSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var s models.ImportSession
	var headers, mapping []byte
	err = q.QueryRow(ctx, `SELECT `+importSessionColumns+` FROM import_sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.OrganizationID, &s.EstimateID, &s.SourceName, &s.Status, &headers, &s.HeaderSignature,
		&mapping, &s.FromMemory, &s.TotalRows, &s.ProcessedRows, &s.CommittedRows, &s.ReviewRows, &s.FailedRows,
		&s.LastWorkItemID, &s.ErrorMessage, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get import session: %w", err)
	}
	if err := json.Unmarshal(headers, &s.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if err := json.Unmarshal(mapping, &s.ColumnMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column mapping: %w", err)
	}
	return &s, nil
}

func (r *importSessionRepository) AddRows(ctx context.Context, id uuid.UUID, n int) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `UPDATE import_sessions SET total_rows = total_rows + $2, updated_at = now() WHERE id = $1`, id, n); err != nil {
		return fmt.Errorf("failed to update import row count: %w", err)
	}
	return nil
}

func (r *importSessionRepository) AddProgress(ctx context.Context, id uuid.UUID, p ImportProgress) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		UPDATE import_sessions SET
			processed_rows = processed_rows + $2,
			committed_rows = committed_rows + $3,
			review_rows = review_rows + $4,
			failed_rows = failed_rows + $5,
			last_work_item_id = COALESCE($6, last_work_item_id),
			updated_at = now()
		WHERE id = $1`,
		id, p.Processed, p.Committed, p.Review, p.Failed, p.LastWorkItemID,
	)
	if err != nil {
		return fmt.Errorf("failed to update import progress: %w", err)
	}
	return nil
}

func (r *importSessionRepository) SetMapping(ctx context.Context, id uuid.UUID, mapping models.ColumnMapping, fromMemory bool) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal column mapping: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE import_sessions SET column_mapping = $2, from_memory = $3, updated_at = now() WHERE id = $1`,
		id, data, fromMemory); err != nil {
		return fmt.Errorf("failed to update column mapping: %w", err)
	}
	return nil
}

func (r *importSessionRepository) SetStatus(ctx context.Context, id uuid.UUID, status models.ImportSessionStatus, errorMessage string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		completedAt = &now
	}

	tag, err := q.Exec(ctx, `
		UPDATE import_sessions SET status = $2, error_message = $3, completed_at = $4, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		id, status, errorMessage, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update import status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return apperrors.ErrImportSessionClosed
	}
	return nil
}

// ImportMemoryRepository stores organization column mappings keyed by header signature.
type ImportMemoryRepository interface {
	// GetBySignature returns the organization's mapping for the signature, or nil if none.
	GetBySignature(ctx context.Context, orgID uuid.UUID, signature string) (*models.ImportMemory, error)
	// Confirm saves the mapping for the signature and increments its confirmation count.
	Confirm(ctx context.Context, orgID uuid.UUID, signature string, mapping models.ColumnMapping) (*models.ImportMemory, error)
}

type importMemoryRepository struct{}

// NewImportMemoryRepository creates a new ImportMemoryRepository.
func NewImportMemoryRepository() ImportMemoryRepository {
	return &importMemoryRepository{}
}

var _ ImportMemoryRepository = (*importMemoryRepository)(nil)

func (r *importMemoryRepository) GetBySignature(ctx context.Context, orgID uuid.UUID, signature string) (*models.ImportMemory, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	m, err := scanImportMemory(q.QueryRow(ctx, `
		SELECT id, organization_id, signature, column_mapping, confirmed_count, last_used_at, created_at
		FROM import_memory
		WHERE organization_id = $1 AND signature = $2`, orgID, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get import memory: %w", err)
	}
	return m, nil
}

func (r *importMemoryRepository) Confirm(ctx context.Context, orgID uuid.UUID, signature string, mapping models.ColumnMapping) (*models.ImportMemory, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal column mapping: %w", err)
	}

	m, err := scanImportMemory(q.QueryRow(ctx, `
		INSERT INTO import_memory (id, organization_id, signature, column_mapping)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, signature) DO UPDATE SET
			column_mapping = EXCLUDED.column_mapping,
			confirmed_count = import_memory.confirmed_count + 1,
			last_used_at = now()
		RETURNING id, organization_id, signature, column_mapping, confirmed_count, last_used_at, created_at`,
		uuid.New(), orgID, signature, data))
	if err != nil {
		return nil, fmt.Errorf("failed to save import memory: %w", err)
	}
	return m, nil
}

func scanImportMemory(row pgx.Row) (*models.ImportMemory, error) {
	var m models.ImportMemory
	var mapping []byte
	if err := row.Scan(&m.ID, &m.OrganizationID, &m.Signature, &mapping, &m.ConfirmedCount, &m.LastUsedAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mapping, &m.ColumnMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column mapping: %w", err)
	}
	return &m, nil
}
