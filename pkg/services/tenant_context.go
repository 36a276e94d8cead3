package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// TenantContextFunc acquires an organization-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, orgID)
		if err != nil {
			return nil, nil, err
		}
		tenantCtx := database.SetTenantScope(ctx, scope)
		return tenantCtx, func() { scope.Close() }, nil
	}
}

// UnscopedContextFunc acquires a connection without organization scope, so RLS-protected
// queries see every organization. Only maintenance jobs use it.
type UnscopedContextFunc func(ctx context.Context) (context.Context, func(), error)

// NewUnscopedContextFunc creates an UnscopedContextFunc that uses the given database.
func NewUnscopedContextFunc(db *database.DB) UnscopedContextFunc {
	return func(ctx context.Context) (context.Context, func(), error) {
		scope, err := db.WithoutTenant(ctx)
		if err != nil {
			return nil, nil, err
		}
		return database.SetTenantScope(ctx, scope), func() { scope.Close() }, nil
	}
}

// WithProvenanceWrapper wraps a TenantContextFunc so the scoped context also carries
// prov. Background jobs use it to attribute their changes to the requesting actor.
func WithProvenanceWrapper(inner TenantContextFunc, prov models.ProvenanceContext) TenantContextFunc {
	return func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error) {
		tenantCtx, cleanup, err := inner(ctx, orgID)
		if err != nil {
			return nil, nil, err
		}
		return models.WithProvenance(tenantCtx, prov), cleanup, nil
	}
}

// Transactor runs work atomically and takes the cross-instance estimate lock.
type Transactor interface {
	// RunInTx runs fn in one transaction carried by the context passed to fn.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// TryLockEstimate takes the transaction-scoped lock on an estimate without waiting.
	TryLockEstimate(ctx context.Context, estimateID uuid.UUID) (bool, error)
	// LockEstimate takes the same lock, waiting until it is free or ctx is done.
	LockEstimate(ctx context.Context, estimateID uuid.UUID) error
}

type pgTransactor struct{}

// NewTransactor returns the Postgres transactor used in production.
func NewTransactor() Transactor {
	return pgTransactor{}
}

func (pgTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.RunInTx(ctx, fn)
}

func (pgTransactor) TryLockEstimate(ctx context.Context, estimateID uuid.UUID) (bool, error) {
	return database.TryAdvisoryXactLock(ctx, estimateID)
}

func (pgTransactor) LockEstimate(ctx context.Context, estimateID uuid.UUID) error {
	return database.AdvisoryXactLock(ctx, estimateID)
}
