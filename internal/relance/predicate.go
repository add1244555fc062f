package relance

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/tourcraft/relances/internal/errors"
)

// Predicate is a compiled boolean CEL expression over an entity snapshot.
//
// Expressions see two variables: entity, the attribute bag as a map, and now,
// the evaluation instant. The evaluation instant is always passed in, so a
// predicate is a pure function of its inputs.
type Predicate struct {
	expr string
	prg  cel.Program
}

var predicateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
		cel.OptionalTypes(),
		cel.CrossTypeNumericComparisons(true),
		cel.Function("daysBefore",
			cel.Overload("daysBefore_dyn_timestamp",
				[]*cel.Type{cel.DynType, cel.TimestampType}, cel.IntType,
				cel.BinaryBinding(daysBeforeBinding))),
	)
})

// CompilePredicate parses and type-checks expr. An empty expression yields a
// nil predicate that always evaluates to false.
func CompilePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := predicateEnv()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to build predicate environment")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Newf(errors.CategoryConfiguration, "invalid predicate %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(types.BoolType) && !out.IsExactType(types.DynType) {
		return nil, errors.Newf(errors.CategoryConfiguration, "predicate %q returns %s, want bool", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Newf(errors.CategoryConfiguration, "failed to plan predicate %q: %w", expr, err)
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

// Eval runs the predicate. Missing attributes and type mismatches surface as
// rule-evaluation errors.
func (p *Predicate) Eval(snapshot map[string]any, now time.Time) (bool, error) {
	if p == nil {
		return false, nil
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	out, _, err := p.prg.Eval(map[string]any{"entity": snapshot, "now": now.UTC()})
	if err != nil {
		return false, errors.Newf(errors.CategoryRuleEvaluation, "%s: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.Newf(errors.CategoryRuleEvaluation, "%s: expected bool, got %T", p.expr, out.Value())
	}
	return b, nil
}

// String returns the source expression.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// daysBeforeBinding returns the whole days from now until the date, rounded up.
func daysBeforeBinding(lhs, rhs ref.Val) ref.Val {
	now, ok := rhs.Value().(time.Time)
	if !ok {
		return types.NewErr("daysBefore: now is not a timestamp")
	}
	date, err := toTime(lhs.Value())
	if err != nil {
		return types.NewErr("daysBefore: %v", err)
	}
	return types.Int(daysUntil(date, now))
}

func daysUntil(date, now time.Time) int64 {
	return int64(math.Ceil(date.Sub(now).Hours() / 24))
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// toTime accepts the date shapes found in entity snapshots: RFC 3339 strings,
// bare dates, timestamps and exported document-store timestamps
// ({"seconds": ...} or {"_seconds": ...}).
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date %q", t)
	case map[string]any:
		for _, key := range []string{"seconds", "_seconds"} {
			if secs, ok := t[key].(float64); ok {
				return time.Unix(int64(secs), 0).UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp object")
	case nil:
		return time.Time{}, fmt.Errorf("date is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}
