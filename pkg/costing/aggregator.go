package costing

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// DefaultMaxDepth bounds section traversal when no depth is configured.
const DefaultMaxDepth = 64

// SectionTotals is the current-price and base-price rollup of one section.
type SectionTotals struct {
	Current models.CostTotals `json:"current"`
	Base    models.CostTotals `json:"base"`
}

func (t SectionTotals) add(o SectionTotals) SectionTotals {
	return SectionTotals{Current: t.Current.Add(o.Current), Base: t.Base.Add(o.Base)}
}

func itemTotals(it *models.Item) SectionTotals {
	return SectionTotals{Current: it.Totals, Base: it.BaseTotals}
}

// Rollup is the result of aggregating a whole estimate.
type Rollup struct {
	Sections map[uuid.UUID]SectionTotals
	Estimate SectionTotals
}

// Tree is an in-memory adjacency view of an estimate's sections and items.
// It assumes parent links were validated acyclic at write time; the depth bound
// turns a corrupt cycle into ErrHierarchyTooDeep instead of a hang.
type Tree struct {
	sections    map[uuid.UUID]*models.Section
	children    map[uuid.UUID][]uuid.UUID
	roots       []uuid.UUID
	items       map[uuid.UUID][]*models.Item
	unsectioned []*models.Item
	maxDepth    int
}

// NewTree builds the adjacency maps. Deleted sections and items are excluded; items
// whose section is missing count as unsectioned.
func NewTree(sections []*models.Section, items []*models.Item, maxDepth int) *Tree {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	t := &Tree{
		sections: make(map[uuid.UUID]*models.Section, len(sections)),
		children: make(map[uuid.UUID][]uuid.UUID),
		items:    make(map[uuid.UUID][]*models.Item),
		maxDepth: maxDepth,
	}

	ordered := make([]*models.Section, 0, len(sections))
	for _, s := range sections {
		if s.DeletedAt != nil {
			continue
		}
		t.sections[s.ID] = s
		ordered = append(ordered, s)
	}
	sortSections(ordered)

	for _, s := range ordered {
		if s.ParentID != nil {
			if _, ok := t.sections[*s.ParentID]; ok {
				t.children[*s.ParentID] = append(t.children[*s.ParentID], s.ID)
				continue
			}
		}
		t.roots = append(t.roots, s.ID)
	}

	for _, it := range items {
		if it.IsDeleted() {
			continue
		}
		if it.SectionID != nil {
			if _, ok := t.sections[*it.SectionID]; ok {
				t.items[*it.SectionID] = append(t.items[*it.SectionID], it)
				continue
			}
		}
		t.unsectioned = append(t.unsectioned, it)
	}
	return t
}

func sortSections(s []*models.Section) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].SortOrder != s[j].SortOrder {
			return s[i].SortOrder < s[j].SortOrder
		}
		return s[i].ID.String() < s[j].ID.String()
	})
}

// Recompute returns the totals of one section: the sum of its child section totals
// plus its directly attached items, computed post-order.
func (t *Tree) Recompute(sectionID uuid.UUID) (SectionTotals, error) {
	if _, ok := t.sections[sectionID]; !ok {
		return SectionTotals{}, apperrors.ErrNotFound
	}
	out := make(map[uuid.UUID]SectionTotals)
	return t.recompute(sectionID, 1, out)
}

func (t *Tree) recompute(id uuid.UUID, depth int, out map[uuid.UUID]SectionTotals) (SectionTotals, error) {
	if depth > t.maxDepth {
		return SectionTotals{}, apperrors.ErrHierarchyTooDeep
	}
	total := zeroTotals()
	for _, child := range t.children[id] {
		ct, err := t.recompute(child, depth+1, out)
		if err != nil {
			return SectionTotals{}, err
		}
		total = total.add(ct)
	}
	for _, it := range t.items[id] {
		total = total.add(itemTotals(it))
	}
	out[id] = total
	return total, nil
}

// RecomputeAll aggregates every section bottom-up and the estimate grand total
// (root sections plus unsectioned items). Running it twice yields identical output.
func (t *Tree) RecomputeAll() (*Rollup, error) {
	r := &Rollup{Sections: make(map[uuid.UUID]SectionTotals, len(t.sections)), Estimate: zeroTotals()}
	for _, root := range t.roots {
		st, err := t.recompute(root, 1, r.Sections)
		if err != nil {
			return nil, err
		}
		r.Estimate = r.Estimate.add(st)
	}
	for _, it := range t.unsectioned {
		r.Estimate = r.Estimate.add(itemTotals(it))
	}
	return r, nil
}

// SubtreeSections returns sectionID and all its descendants, parents before children.
func (t *Tree) SubtreeSections(sectionID uuid.UUID) ([]uuid.UUID, error) {
	if _, ok := t.sections[sectionID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	var out []uuid.UUID
	var walk func(id uuid.UUID, depth int) error
	walk = func(id uuid.UUID, depth int) error {
		if depth > t.maxDepth {
			return apperrors.ErrHierarchyTooDeep
		}
		out = append(out, id)
		for _, c := range t.children[id] {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(sectionID, 1); err != nil {
		return nil, err
	}
	return out, nil
}

// ItemsIn returns the live items directly attached to the section.
func (t *Tree) ItemsIn(sectionID uuid.UUID) []*models.Item {
	return t.items[sectionID]
}

// Unsectioned returns live items without a section.
func (t *Tree) Unsectioned() []*models.Item {
	return t.unsectioned
}

// Roots returns root section IDs in sort order.
func (t *Tree) Roots() []uuid.UUID {
	return t.roots
}

func zeroTotals() SectionTotals {
	z := decimal.Zero.Round(MoneyPlaces)
	ct := models.CostTotals{
		Materials: z, Machinery: z, Labor: z, Equipment: z,
		Direct: z, Overhead: z, Profit: z, Amount: z,
	}
	return SectionTotals{Current: ct, Base: ct}
}

// ValidateParent checks that making newParentID the parent of sectionID keeps the
// section tree acyclic and within maxDepth. A nil newParentID moves the section to the root.
func ValidateParent(sections []*models.Section, sectionID uuid.UUID, newParentID *uuid.UUID, maxDepth int) error {
	if newParentID == nil {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if *newParentID == sectionID {
		return apperrors.ErrCyclicSection
	}

	parents := make(map[uuid.UUID]*uuid.UUID, len(sections))
	for _, s := range sections {
		if s.DeletedAt == nil {
			parents[s.ID] = s.ParentID
		}
	}
	if _, ok := parents[*newParentID]; !ok {
		return apperrors.ErrNotFound
	}

	// Walk from the new parent to the root; meeting sectionID means a cycle.
	depth := 1
	for cur := newParentID; cur != nil; cur = parents[*cur] {
		if *cur == sectionID {
			return apperrors.ErrCyclicSection
		}
		depth++
		if depth > maxDepth {
			return apperrors.ErrHierarchyTooDeep
		}
	}

	// The moved subtree's own height counts toward the depth too.
	children := make(map[uuid.UUID][]uuid.UUID)
	for id, p := range parents {
		if p != nil {
			children[*p] = append(children[*p], id)
		}
	}
	if depth+subtreeHeight(children, sectionID, 0, maxDepth)-1 > maxDepth {
		return apperrors.ErrHierarchyTooDeep
	}
	return nil
}

func subtreeHeight(children map[uuid.UUID][]uuid.UUID, id uuid.UUID, level, limit int) int {
	if level > limit {
		return level
	}
	h := 0
	for _, c := range children[id] {
		if ch := subtreeHeight(children, c, level+1, limit); ch > h {
			h = ch
		}
	}
	return h + 1
}

// FullSectionNumbers derives full_section_number for every live section by joining
// ancestor numbers with ".".
func FullSectionNumbers(sections []*models.Section, maxDepth int) (map[uuid.UUID]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	byID := make(map[uuid.UUID]*models.Section, len(sections))
	for _, s := range sections {
		if s.DeletedAt == nil {
			byID[s.ID] = s
		}
	}

	out := make(map[uuid.UUID]string, len(byID))
	for id, s := range byID {
		var parts []string
		cur := s
		for depth := 0; cur != nil; depth++ {
			if depth >= maxDepth {
				return nil, apperrors.ErrHierarchyTooDeep
			}
			if cur.Number != "" {
				parts = append(parts, cur.Number)
			}
			if cur.ParentID == nil {
				break
			}
			cur = byID[*cur.ParentID]
		}
		for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
			parts[i], parts[j] = parts[j], parts[i]
		}
		out[id] = strings.Join(parts, ".")
	}
	return out, nil
}

// Mismatch is one entity whose cached totals differ from the recomputed rollup.
type Mismatch struct {
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Cached     decimal.Decimal `json:"cached"`
	Computed   decimal.Decimal `json:"computed"`
}

// CheckRollup compares the cached section and estimate amounts of tree against a fresh
// rollup of its item totals. Differences above tolerance are returned as mismatches
// together with apperrors.ErrRollupMismatch.
func CheckRollup(tree *models.EstimateTree, tolerance decimal.Decimal, maxDepth int) ([]Mismatch, error) {
	rollup, err := NewTree(tree.Sections, tree.Items, maxDepth).RecomputeAll()
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	check := func(entityType string, id uuid.UUID, cached, computed models.CostTotals) {
		for _, pair := range [][2]decimal.Decimal{
			{cached.Amount, computed.Amount},
			{cached.Direct, computed.Direct},
		} {
			if pair[0].Sub(pair[1]).Abs().GreaterThan(tolerance) {
				out = append(out, Mismatch{EntityType: entityType, EntityID: id, Cached: pair[0], Computed: pair[1]})
				return
			}
		}
	}

	for _, s := range tree.Sections {
		if s.DeletedAt != nil {
			continue
		}
		st := rollup.Sections[s.ID]
		check(models.EntityTypeSection, s.ID, s.Totals, st.Current)
		check(models.EntityTypeSection, s.ID, s.BaseTotals, st.Base)
	}
	if e := tree.Estimate; e != nil {
		check(models.EntityTypeEstimate, e.ID, e.Totals.CostTotals, rollup.Estimate.Current)
		check(models.EntityTypeEstimate, e.ID, e.BaseTotals.CostTotals, rollup.Estimate.Base)
	}

	if len(out) > 0 {
		return out, apperrors.ErrRollupMismatch
	}
	return nil, nil
}

// WithVAT applies the estimate-level VAT layer to rolled-up totals.
func WithVAT(t models.CostTotals, vatRate decimal.Decimal) models.EstimateTotals {
	vat := t.Amount.Mul(vatRate).Round(MoneyPlaces)
	return models.EstimateTotals{
		CostTotals:    t,
		VAT:           vat,
		AmountWithVAT: t.Amount.Add(vat),
	}
}
