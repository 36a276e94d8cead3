package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/audit"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// RateLibrary is the read path into the normative rate collections.
type RateLibrary interface {
	// LookupRate finds a live rate by collection and code. A missing or soft-deleted rate
	// returns apperrors.ErrRateNotFound; a private collection of another organization
	// returns apperrors.ErrCrossTenantReference.
	LookupRate(ctx context.Context, orgID, collectionID uuid.UUID, code string) (*models.NormativeRate, error)

	// GetRate returns a bound rate by ID under the same visibility rules as LookupRate.
	GetRate(ctx context.Context, orgID, rateID uuid.UUID) (*models.NormativeRate, error)

	// ResourcesOf returns the base resource lines of a rate.
	ResourcesOf(ctx context.Context, rateID uuid.UUID) ([]models.RateResource, error)
}

type rateLibrary struct {
	repo    repositories.RateRepository
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

// NewRateLibrary creates a new RateLibrary.
func NewRateLibrary(repo repositories.RateRepository, logger *zap.Logger) RateLibrary {
	return &rateLibrary{
		repo:    repo,
		auditor: audit.NewSecurityAuditor(logger),
		logger:  logger.Named("rate-library"),
	}
}

var _ RateLibrary = (*rateLibrary)(nil)

func (s *rateLibrary) LookupRate(ctx context.Context, orgID, collectionID uuid.UUID, code string) (*models.NormativeRate, error) {
	coll, err := s.visibleCollection(ctx, orgID, collectionID)
	if err != nil {
		return nil, err
	}

	rate, err := s.repo.FindRate(ctx, collectionID, code)
	if err != nil {
		if errors.Is(err, apperrors.ErrRateNotFound) {
			return nil, fmt.Errorf("rate %q in collection %s: %w", code, coll.Code, err)
		}
		return nil, err
	}
	rate.Collection = coll
	return rate, nil
}

func (s *rateLibrary) GetRate(ctx context.Context, orgID, rateID uuid.UUID) (*models.NormativeRate, error) {
	rate, err := s.repo.GetRate(ctx, rateID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("rate %s: %w", rateID, apperrors.ErrRateNotFound)
		}
		return nil, err
	}

	coll, err := s.visibleCollection(ctx, orgID, rate.CollectionID)
	if err != nil {
		return nil, err
	}
	rate.Collection = coll
	return rate, nil
}

func (s *rateLibrary) ResourcesOf(ctx context.Context, rateID uuid.UUID) ([]models.RateResource, error) {
	return s.repo.ListResources(ctx, rateID)
}

func (s *rateLibrary) visibleCollection(ctx context.Context, orgID, collectionID uuid.UUID) (*models.RateCollection, error) {
	coll, err := s.repo.GetCollection(ctx, collectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("collection %s: %w", collectionID, apperrors.ErrRateNotFound)
		}
		return nil, err
	}
	if !coll.VisibleTo(orgID) {
		s.auditor.LogCrossTenantReference(ctx, orgID, audit.CrossTenantDetails{
			ResourceType: "rate_collection",
			ResourceID:   collectionID,
		})
		return nil, fmt.Errorf("collection %s: %w", collectionID, apperrors.ErrCrossTenantReference)
	}
	return coll, nil
}
