package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts applied by the restart policy.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of process stops (voluntary, graceful or kill).",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tandem",
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state machine transitions per process.",
		}, []string{"name", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of each process (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	compositeHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "healthy",
			Help:      "Composite health of all required processes (1 healthy, 0 unhealthy).",
		},
	)
	healthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tandem",
			Name:      "health_check_duration_seconds",
			Help:      "Latency of the /health handler.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processRestarts, processStops,
		stateTransitions, currentState, compositeHealthy, healthCheckDuration,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		v := float64(0)
		if active {
			v = 1
		}
		currentState.WithLabelValues(name, state).Set(v)
	}
}

func SetHealthy(healthy bool) {
	if regOK.Load() {
		v := float64(0)
		if healthy {
			v = 1
		}
		compositeHealthy.Set(v)
	}
}

func ObserveHealthCheckDuration(seconds float64) {
	if regOK.Load() {
		healthCheckDuration.Observe(seconds)
	}
}
