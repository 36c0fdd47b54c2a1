// Package metrics exposes the core's Prometheus surface. Label sets are
// kept low-cardinality by design: never a learner_id or session_id, only
// bounded enums (op class, circuit name, topic, command kind).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adaptcore"

var (
	// CircuitBreakerState mirrors resilience.State as a gauge (0 closed, 1
	// open, 2 half-open) per named circuit.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_status",
			Help:      "Circuit breaker status (0=closed, 1=open, 2=half-open).",
		},
		[]string{"circuit"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips into the open state.",
		},
		[]string{"circuit", "reason"},
	)

	// BusDropsTotal is the legacy unlabeled-reason counter, kept alongside
	// BusDroppedTotal so dashboards built against either survive.
	BusDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_drops_total",
			Help:      "Total messages dropped by the in-memory bus.",
		},
		[]string{"topic"},
	)

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Total messages dropped by the in-memory bus, by reason.",
		},
		[]string{"topic", "reason"},
	)

	LatencyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latency_violations_total",
			Help:      "Total deadline budget breaches observed by the clock service.",
		},
		[]string{"op"},
	)

	EventLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_latency_seconds",
			Help:      "Observed latency per operation class.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the Active state.",
		},
	)

	CommandsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_emitted_total",
			Help:      "Total AdaptationCommands emitted, by kind.",
		},
		[]string{"kind"},
	)

	QueueRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Total inbound events rejected with Busy due to a full session queue.",
		},
	)

	PersistenceRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Total persistence write retries, by outcome.",
		},
		[]string{"outcome"},
	)
)

// SetCircuitBreakerState records the named circuit's state, given by name,
// as a gauge value under the circuit label (kept for parity with the code
// that predates the status gauge's numeric form).
func SetCircuitBreakerState(circuit, state string) {
	CircuitBreakerState.WithLabelValues(circuit).Set(stateToFloat(state))
}

// SetCircuitBreakerStatus records the named circuit's numeric state.
func SetCircuitBreakerStatus(circuit string, state int) {
	CircuitBreakerState.WithLabelValues(circuit).Set(float64(state))
}

// RecordCircuitBreakerTrip increments the trip counter for circuit/reason.
func RecordCircuitBreakerTrip(circuit, reason string) {
	CircuitBreakerTrips.WithLabelValues(circuit, reason).Inc()
}

// IncBusDropReason increments both the legacy and reasoned bus drop
// counters for topic.
func IncBusDropReason(topic, reason string) {
	BusDropsTotal.WithLabelValues(topic).Inc()
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}

func stateToFloat(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}
