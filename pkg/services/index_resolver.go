package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// IndexResolver resolves price indices for a pricing period and the coefficients
// in effect for an item.
type IndexResolver interface {
	// ResolveIndices returns the materials, machinery, labor and equipment indices for the
	// region and quarter. A quarterly index wins over monthly ones; among monthly ones the
	// latest month wins. A category without an index falls back to the "overall" index,
	// then to 1, and is listed in IndexSet.Missing. Equipment defaults to the materials index.
	ResolveIndices(ctx context.Context, regionCode string, year, quarter int) (models.IndexSet, error)

	// ResolveCoefficients returns the coefficients in effect at asOf, rate level first, then
	// section, then collection; sort order within a level. Total is their product in that order.
	ResolveCoefficients(ctx context.Context, scope models.CoefficientScope, asOf time.Time) (models.ResolvedCoefficients, error)
}

type indexResolver struct {
	indexRepo       repositories.PriceIndexRepository
	coefficientRepo repositories.CoefficientRepository
	logger          *zap.Logger
}

// NewIndexResolver creates a new IndexResolver.
func NewIndexResolver(
	indexRepo repositories.PriceIndexRepository,
	coefficientRepo repositories.CoefficientRepository,
	logger *zap.Logger,
) IndexResolver {
	return &indexResolver{
		indexRepo:       indexRepo,
		coefficientRepo: coefficientRepo,
		logger:          logger.Named("index-resolver"),
	}
}

var _ IndexResolver = (*indexResolver)(nil)

func (s *indexResolver) ResolveIndices(ctx context.Context, regionCode string, year, quarter int) (models.IndexSet, error) {
	rows, err := s.indexRepo.ListForPeriod(ctx, regionCode, year, quarter)
	if err != nil {
		return models.IndexSet{}, fmt.Errorf("failed to load price indices: %w", err)
	}

	found := make(map[models.IndexType]models.PriceIndex)
	for _, idx := range rows {
		cur, ok := found[idx.IndexType]
		switch {
		case !ok:
			found[idx.IndexType] = idx
		case cur.Month == nil:
			// a quarterly index is never replaced
		case idx.Month == nil || *idx.Month > *cur.Month:
			found[idx.IndexType] = idx
		}
	}

	one := decimal.NewFromInt(1)
	set := models.IndexSet{}
	pick := func(t models.IndexType) decimal.Decimal {
		if idx, ok := found[t]; ok {
			return idx.Value
		}
		set.Missing = append(set.Missing, t)
		if overall, ok := found[models.IndexTypeOverall]; ok {
			return overall.Value
		}
		return one
	}

	set.Materials = pick(models.IndexTypeMaterials)
	set.Machinery = pick(models.IndexTypeMachinery)
	set.Labor = pick(models.IndexTypeLabor)
	if idx, ok := found[models.IndexTypeEquipment]; ok {
		set.Equipment = idx.Value
	} else {
		set.Equipment = set.Materials
	}

	if len(set.Missing) > 0 {
		s.logger.Warn("Price index missing for period, using fallback",
			zap.String("region_code", regionCode),
			zap.Int("year", year),
			zap.Int("quarter", quarter),
			zap.Any("missing", set.Missing))
	}
	return set, nil
}

func (s *indexResolver) ResolveCoefficients(ctx context.Context, scope models.CoefficientScope, asOf time.Time) (models.ResolvedCoefficients, error) {
	levels := []struct {
		level models.CoefficientScopeLevel
		id    *uuid.UUID
	}{
		{models.ScopeLevelRate, scope.RateID},
		{models.ScopeLevelSection, scope.SectionID},
		{models.ScopeLevelCollection, scope.CollectionID},
	}

	out := models.ResolvedCoefficients{Total: decimal.NewFromInt(1)}
	for _, l := range levels {
		if l.id == nil {
			continue
		}
		list, err := s.coefficientRepo.ListForScope(ctx, l.level, *l.id)
		if err != nil {
			return models.ResolvedCoefficients{}, fmt.Errorf("failed to load %s coefficients: %w", l.level, err)
		}
		sort.SliceStable(list, func(i, j int) bool { return list[i].SortOrder < list[j].SortOrder })

		// A coefficient may have several versions with successive windows; a mandatory
		// one is missing only when none of its versions is in effect.
		effective := make(map[coefficientKey]bool)
		for _, c := range list {
			if c.InEffect(asOf) {
				effective[keyOf(c)] = true
			}
		}
		for _, c := range list {
			if c.InEffect(asOf) {
				out.Coefficients = append(out.Coefficients, c)
				out.Total = out.Total.Mul(c.Value)
				continue
			}
			if c.IsMandatory && !effective[keyOf(c)] {
				return models.ResolvedCoefficients{}, fmt.Errorf("%s coefficient %q: %w",
					l.level, c.Name, apperrors.ErrMissingMandatoryCoefficient)
			}
		}
	}
	return out, nil
}

type coefficientKey struct {
	kind models.CoefficientKind
	name string
}

func keyOf(c models.Coefficient) coefficientKey {
	return coefficientKey{kind: c.Kind, name: c.Name}
}
