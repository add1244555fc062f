package relance

import (
	"time"
)

// RuleOutcome is the verdict of one rule on the current snapshot.
type RuleOutcome struct {
	RuleTypeID string
	// ShouldExist is true while the rule demands a pending relance.
	ShouldExist bool
	// Resolved is true when the rule no longer demands one.
	Resolved bool
	// Entered is true when the rule went from not demanding to demanding a
	// relance between the previous and the current snapshot. It starts a new
	// due cycle.
	Entered  bool
	Priority string
	Label    string
	DueAt    time.Time
	// Anchored reports that DueAt derives from a snapshot date and may be
	// rewritten on updates.
	Anchored bool
	// Reason is the completion reason when the rule is resolved.
	Reason string
	// Err is set when the rule could not be evaluated. Such outcomes carry
	// ShouldExist=false and leave existing relances untouched.
	Err error
}

// Differ computes rule outcomes between two snapshots of an entity. It has no
// side effects.
type Differ struct {
	catalog *Catalog
}

// NewDiffer creates a Differ over a compiled catalog.
func NewDiffer(catalog *Catalog) *Differ {
	return &Differ{catalog: catalog}
}

// Diff evaluates every rule of entityType against cur. A nil cur means the
// entity was deleted and resolves every rule. prev may be nil when the
// previous state is unknown; no rule is considered to have just entered then.
func (d *Differ) Diff(entityType, entityID string, prev, cur map[string]any, now time.Time) []RuleOutcome {
	rules := d.catalog.ListRulesFor(entityType)
	outcomes := make([]RuleOutcome, 0, len(rules))
	for _, rule := range rules {
		outcomes = append(outcomes, d.diffRule(rule, prev, cur, now))
	}
	return outcomes
}

func (d *Differ) diffRule(rule *Rule, prev, cur map[string]any, now time.Time) RuleOutcome {
	out := RuleOutcome{RuleTypeID: rule.ID, Label: rule.Label, Priority: rule.Priority}

	if cur == nil {
		out.Resolved = true
		out.Reason = ReasonEntityDeleted
		return out
	}

	live, resolved, err := evalRule(rule, cur, now)
	if err != nil {
		out.Err = err
		return out
	}
	if !live {
		out.Resolved = true
		out.Reason = ReasonPredicateFalse
		if resolved {
			out.Reason = ReasonResolved
		}
		return out
	}

	escalate, err := rule.EscalateWhen.Eval(cur, now)
	if err != nil {
		out.Err = err
		return out
	}
	out.ShouldExist = true
	if escalate {
		out.Priority = PriorityHigh
	}
	out.DueAt, out.Anchored = ComputeDueAt(rule, cur, now)

	if prev != nil {
		wasLive, _, prevErr := evalRule(rule, prev, now)
		out.Entered = prevErr == nil && !wasLive
	}
	return out
}

// evalRule reports whether the rule demands a relance on snapshot, and
// whether its resolution condition holds.
func evalRule(rule *Rule, snapshot map[string]any, now time.Time) (live, resolved bool, err error) {
	pred, err := rule.Predicate.Eval(snapshot, now)
	if err != nil {
		return false, false, err
	}
	resolved, err = rule.Resolved.Eval(snapshot, now)
	if err != nil {
		return false, false, err
	}
	return pred && !resolved, resolved, nil
}
