package relance

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	Evaluations         *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	Skipped             *prometheus.CounterVec
	Writes              *prometheus.CounterVec
	RuleErrors          *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	ManualBlocks        prometheus.Counter
	DroppedEvents       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "evaluations_total",
			Help:      "Entity evaluations by entity type and result.",
		}, []string{"entity_type", "result"}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relances",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one entity evaluation including the batch write.",
			Buckets:   prometheus.DefBuckets,
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "mutations_skipped_total",
			Help:      "Mutations not evaluated, by reason.",
		}, []string{"reason"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "writes_total",
			Help:      "Relance writes by operation.",
		}, []string{"op"}),
		RuleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "rule_errors_total",
			Help:      "Rule evaluation failures by rule.",
		}, []string{"rule"}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "invariant_violations_total",
			Help:      "Dedup keys found with more than one pending relance.",
		}),
		ManualBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "manual_completion_blocks_total",
			Help:      "Creations skipped because a user completed the relance in the same due cycle.",
		}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relances",
			Name:      "dropped_mutations_total",
			Help:      "Mutations dropped because the bus buffer was full.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Evaluations, m.EvaluationDuration, m.Skipped, m.Writes,
		m.RuleErrors, m.InvariantViolations, m.ManualBlocks, m.DroppedEvents,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// newUnregisteredMetrics returns collectors that are not exported anywhere.
func newUnregisteredMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}
