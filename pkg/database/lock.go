package database

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// AdvisoryKey maps an identifier to a bigint key for pg advisory locks.
func AdvisoryKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	return int64(h.Sum64())
}

// TryAdvisoryXactLock takes a transaction-scoped advisory lock on id without waiting.
// It must be called inside RunInTx; the lock is released at commit or rollback.
func TryAdvisoryXactLock(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, ok := GetTx(ctx)
	if !ok {
		return false, fmt.Errorf("advisory lock requires a transaction")
	}
	var locked bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", AdvisoryKey(id)).Scan(&locked); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	return locked, nil
}

// AdvisoryXactLock takes a transaction-scoped advisory lock on id, waiting until it is free
// or ctx is done. It must be called inside RunInTx.
func AdvisoryXactLock(ctx context.Context, id uuid.UUID) error {
	tx, ok := GetTx(ctx)
	if !ok {
		return fmt.Errorf("advisory lock requires a transaction")
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", AdvisoryKey(id)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}
