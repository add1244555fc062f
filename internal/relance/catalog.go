package relance

import (
	"slices"
	"sort"

	"github.com/tourcraft/relances/internal/datastore/v2/entities"
	"github.com/tourcraft/relances/internal/errors"
)

// Rule is a compiled catalog entry.
type Rule struct {
	ID          string
	Label       string
	Description string
	Priority    string
	AppliesTo   string

	Predicate    *Predicate
	Resolved     *Predicate
	EscalateWhen *Predicate

	// DueAnchor names a date attribute; when set, the due date is that date
	// shifted by DueOffsetDays. Otherwise it is DelayDays after creation.
	DueAnchor     string
	DueOffsetDays int
	DelayDays     int
	SortOrder     int
}

// Catalog is the immutable set of enabled rules, indexed by entity type.
type Catalog struct {
	byType map[string][]*Rule
	byID   map[string]*Rule
}

// NewCatalog compiles the enabled rows of defs. Any invalid expression fails
// the whole load.
func NewCatalog(defs []entities.RelanceType) (*Catalog, error) {
	c := &Catalog{
		byType: make(map[string][]*Rule),
		byID:   make(map[string]*Rule),
	}
	var errs []error
	for i := range defs {
		def := &defs[i]
		if !def.Enabled {
			continue
		}
		rule, err := compileRule(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.byID[rule.ID]; dup {
			errs = append(errs, errors.Newf(errors.CategoryConfiguration, "duplicate rule key %q", rule.ID))
			continue
		}
		c.byID[rule.ID] = rule
		c.byType[rule.AppliesTo] = append(c.byType[rule.AppliesTo], rule)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, rules := range c.byType {
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].SortOrder != rules[j].SortOrder {
				return rules[i].SortOrder < rules[j].SortOrder
			}
			return rules[i].ID < rules[j].ID
		})
	}
	return c, nil
}

func compileRule(def *entities.RelanceType) (*Rule, error) {
	if def.Key == "" || def.AppliesTo == "" {
		return nil, errors.Newf(errors.CategoryConfiguration, "relance type %d: key and applies_to are required", def.ID)
	}
	switch def.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return nil, errors.Newf(errors.CategoryConfiguration, "rule %s: unknown priority %q", def.Key, def.Priority)
	}

	pred, err := CompilePredicate(def.Predicate)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "rule "+def.Key)
	}
	if pred == nil {
		return nil, errors.Newf(errors.CategoryConfiguration, "rule %s: predicate is required", def.Key)
	}
	resolved, err := CompilePredicate(def.Resolved)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "rule "+def.Key+" resolved")
	}
	escalate, err := CompilePredicate(def.EscalateWhen)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "rule "+def.Key+" escalate")
	}

	delay := def.DelayDays
	if delay <= 0 {
		delay = defaultDelayDays
	}
	return &Rule{
		ID:            def.Key,
		Label:         def.Label,
		Description:   def.Description,
		Priority:      def.Priority,
		AppliesTo:     def.AppliesTo,
		Predicate:     pred,
		Resolved:      resolved,
		EscalateWhen:  escalate,
		DueAnchor:     def.DueAnchor,
		DueOffsetDays: def.DueOffsetDays,
		DelayDays:     delay,
		SortOrder:     def.SortOrder,
	}, nil
}

// ListRulesFor returns the rules of an entity type in catalog order.
func (c *Catalog) ListRulesFor(entityType string) []*Rule {
	return slices.Clone(c.byType[entityType])
}

// Rule looks a rule up by key.
func (c *Catalog) Rule(id string) (*Rule, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// EntityTypes returns the entity types with at least one rule, sorted.
func (c *Catalog) EntityTypes() []string {
	out := make([]string, 0, len(c.byType))
	for t := range c.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of enabled rules.
func (c *Catalog) Len() int {
	return len(c.byID)
}
