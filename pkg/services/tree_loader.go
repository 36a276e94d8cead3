package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// treeLoader reads a whole estimate tree through the repositories in ctx.
type treeLoader struct {
	estimates repositories.EstimateRepository
	sections  repositories.SectionRepository
	items     repositories.ItemRepository
}

func (l treeLoader) load(ctx context.Context, estimateID uuid.UUID) (*models.EstimateTree, error) {
	estimate, err := l.estimates.GetByID(ctx, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load estimate: %w", err)
	}
	sections, err := l.sections.ListByEstimate(ctx, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sections: %w", err)
	}
	items, err := l.items.ListByEstimate(ctx, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}
	return &models.EstimateTree{Estimate: estimate, Sections: sections, Items: items}, nil
}
