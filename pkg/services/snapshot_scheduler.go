package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// DefaultSnapshotBatch caps how many estimates one scheduler run snapshots.
const DefaultSnapshotBatch = 500

// SnapshotScheduler takes periodic snapshots of estimates that changed since their last one.
type SnapshotScheduler interface {
	// SnapshotStale snapshots every estimate whose version advanced past its latest snapshot.
	// Returns the number of snapshots taken.
	SnapshotStale(ctx context.Context) (int, error)

	// RunScheduler starts a background goroutine that calls SnapshotStale on the given interval.
	// It runs immediately on startup, then repeats every interval.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

// IntegrityVerifier checks cached totals against a fresh rollup and repairs drift.
// RecalculationService satisfies it.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context, orgID, estimateID uuid.UUID) ([]costing.Mismatch, error)
}

type snapshotScheduler struct {
	unscoped  UnscopedContextFunc
	tenantCtx TenantContextFunc
	repo      repositories.SnapshotRepository
	snapshots SnapshotService
	verifier  IntegrityVerifier
	batch     int
	logger    *zap.Logger
}

// NewSnapshotScheduler creates a new SnapshotScheduler.
func NewSnapshotScheduler(
	unscoped UnscopedContextFunc,
	tenantCtx TenantContextFunc,
	repo repositories.SnapshotRepository,
	snapshots SnapshotService,
	verifier IntegrityVerifier,
	logger *zap.Logger,
) SnapshotScheduler {
	return &snapshotScheduler{
		unscoped:  unscoped,
		tenantCtx: tenantCtx,
		repo:      repo,
		snapshots: snapshots,
		verifier:  verifier,
		batch:     DefaultSnapshotBatch,
		logger:    logger.Named("snapshot-scheduler"),
	}
}

var _ SnapshotScheduler = (*snapshotScheduler)(nil)

func (s *snapshotScheduler) SnapshotStale(ctx context.Context) (int, error) {
	// List candidates across organizations on a connection without organization scope.
	scopedCtx, cleanup, err := s.unscoped(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	stale, err := s.repo.ListStale(scopedCtx, s.batch)
	cleanup()
	if err != nil {
		return 0, fmt.Errorf("failed to list stale estimates: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}
	s.logger.Debug("Snapshot scheduler: snapshotting estimates", zap.Int("count", len(stale)))

	taken, drifted := 0, 0
	for _, e := range stale {
		if ctx.Err() != nil {
			return taken, ctx.Err()
		}

		orgCtx, release, err := s.tenantCtx(models.WithSystemProvenance(ctx), e.OrganizationID)
		if err != nil {
			s.logger.Error("Snapshot scheduler: failed to acquire organization scope",
				zap.String("organization_id", e.OrganizationID.String()),
				zap.Error(err))
			continue
		}
		// Verify before snapshotting so a repaired tree is what gets captured.
		mismatches, err := s.verifier.VerifyIntegrity(orgCtx, e.OrganizationID, e.EstimateID)
		if err != nil {
			s.logger.Error("Snapshot scheduler: integrity check failed, skipping snapshot",
				zap.String("estimate_id", e.EstimateID.String()),
				zap.Int("mismatches", len(mismatches)),
				zap.Error(err))
			release()
			continue
		}
		if len(mismatches) > 0 {
			drifted++
		}
		label := fmt.Sprintf("periodic v%d", e.Version)
		if id := s.snapshots.CreateSnapshotBestEffort(orgCtx, e.OrganizationID, e.EstimateID, models.SnapshotTypeAutoPeriodic, label); id != nil {
			taken++
		}
		release()
	}

	if taken > 0 || drifted > 0 {
		s.logger.Info("Periodic snapshots taken",
			zap.Int("candidates", len(stale)),
			zap.Int("taken", taken),
			zap.Int("drift_repaired", drifted))
	}
	return taken, nil
}

// RunScheduler starts a background loop that snapshots changed estimates.
func (s *snapshotScheduler) RunScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		s.logger.Info("Snapshot scheduler started", zap.Duration("interval", interval))

		// Run immediately on startup, then at each interval
		s.runOnce(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Snapshot scheduler stopped")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()
}

func (s *snapshotScheduler) runOnce(ctx context.Context) {
	if _, err := s.SnapshotStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Snapshot scheduler run failed", zap.Error(err))
	}
}
