package coach

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for coach sessions.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	UpdatesTotal       *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	DroppedFramesTotal prometheus.Counter
	StreamDuration     prometheus.Histogram
	ActiveStreams      prometheus.Gauge
}

// NewMetrics registers the coach metrics on the default registry. It is safe
// to call more than once; registration happens on the first call only.
//
// Metrics:
//   - coach_turns_total{state} - assistant turns by final state
//   - coach_updates_total{outcome} - update blocks by extraction outcome
//   - coach_decisions_total{decision} - apply/decline decisions
//   - coach_stream_dropped_frames_total - unparseable stream frames dropped
//   - coach_stream_duration_seconds - time from request to assembled reply
//   - coach_active_streams - streams currently in flight
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coach_turns_total",
					Help: "Total number of assistant turns by final state",
				},
				[]string{"state"},
			),

			UpdatesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coach_updates_total",
					Help: "Total number of profile_update blocks by outcome",
				},
				[]string{"outcome"}, // "valid", "coerced", "invalid", "malformed"
			),

			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coach_decisions_total",
					Help: "Total number of user decisions on pending updates",
				},
				[]string{"decision"}, // "applied", "declined", "superseded"
			),

			DroppedFramesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "coach_stream_dropped_frames_total",
					Help: "Total number of unparseable stream frames dropped",
				},
			),

			StreamDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "coach_stream_duration_seconds",
					Help:    "Duration of streamed coach replies in seconds",
					Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
				},
			),

			ActiveStreams: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "coach_active_streams",
					Help: "Number of coach replies currently streaming",
				},
			),
		}
	})
	return globalMetrics
}
