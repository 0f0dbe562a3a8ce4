package chat

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the turn collectors. The zero value is not usable; build it
// with NewMetrics.
type Metrics struct {
	turns         *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	firstFragment prometheus.Histogram
	truncations   prometheus.Counter
	storeRetries  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome (completed or error kind).",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn from authentication to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"streaming"}),
		firstFragment: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hearth",
			Subsystem: "inference",
			Name:      "first_fragment_seconds",
			Help:      "Time until the inference engine produced its first fragment.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "prompt",
			Name:      "truncations_total",
			Help:      "Prompts that dropped older history to fit the budget.",
		}),
		storeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hearth",
			Subsystem: "store",
			Name:      "append_retries_total",
			Help:      "Message appends repeated after a store failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.turnDuration, m.firstFragment, m.truncations, m.storeRetries)
	}
	return m
}

func (m *Metrics) observeTurn(outcome string, streaming bool, elapsed time.Duration) {
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(strconv.FormatBool(streaming)).Observe(elapsed.Seconds())
}
