package netting

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine counters. Passing a nil registerer yields
// working but unregistered collectors, which tests rely on.
type Metrics struct {
	RequestsSubmitted prometheus.Counter
	NettedFills       prometheus.Counter
	PartialFills      prometheus.Counter
	FallbackFills     prometheus.Counter
	VenueFailures     prometheus.Counter
	FillFailures      prometheus.Counter
	BatchesSettled    prometheus.Counter
	BatchDuration     prometheus.Histogram
}

// NewMetrics creates and registers the engine metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "requests_submitted_total",
			Help: "Trade requests accepted into the current batch.",
		}),
		NettedFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "netted_fills_total",
			Help: "Requests fully filled by internal netting.",
		}),
		PartialFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "partial_fills_total",
			Help: "Requests partially filled by internal netting.",
		}),
		FallbackFills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "fallback_fills_total",
			Help: "Fills executed against the external venue.",
		}),
		VenueFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "venue_failures_total",
			Help: "Fallback executions rejected by the external venue.",
		}),
		FillFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "fill_failures_total",
			Help: "Fills whose issuance or ledger update failed.",
		}),
		BatchesSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name: "batches_settled_total",
			Help: "Per-venue batch passes completed.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "synthex", Subsystem: "netting",
			Name:    "batch_duration_seconds",
			Help:    "Duration of one per-venue batch pass.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}
