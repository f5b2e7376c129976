package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the evaluation pipeline's operational counters.
type Metrics struct {
	// Evaluations counts completed candidate evaluations, including
	// geometry rejections.
	Evaluations prometheus.Counter
	// InvalidGeometries counts candidates rejected before any solver run.
	InvalidGeometries prometheus.Counter
	// PointFailures counts failed design range points by failure kind.
	PointFailures *prometheus.CounterVec
	// SolverSeconds tracks per-point solver wall-clock time.
	SolverSeconds prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "foilopt_candidate_evaluations_total",
			Help: "Completed candidate evaluations.",
		}),
		InvalidGeometries: factory.NewCounter(prometheus.CounterOpts{
			Name: "foilopt_invalid_geometries_total",
			Help: "Candidates rejected by the geometry validator.",
		}),
		PointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "foilopt_point_failures_total",
			Help: "Failed design range points by kind.",
		}, []string{"kind"}),
		SolverSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "foilopt_solver_seconds",
			Help:    "Solver wall-clock time per design range point.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}
