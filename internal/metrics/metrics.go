package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procmon"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of debugger sessions started.",
		},
	)
	sessionStartFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "start_failures_total",
			Help:      "Number of failed attempts to start the target.",
		},
	)
	unexpectedDeaths = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "unexpected_deaths_total",
			Help:      "Number of debugger sessions that ended without a fault.",
		},
	)
	faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "faults_total",
			Help:      "Number of faults observed, by signal.",
		}, []string{"signal"},
	)
	settleWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "settle_wait_seconds",
			Help:      "Time spent waiting for forensic capture to finish after a fault.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	testCases = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "test_cases_total",
			Help:      "Number of pre_send calls.",
		},
	)
	crashRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crashbin",
			Name:      "records",
			Help:      "Crash records currently held in the crash bin.",
		},
	)
	crashKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crashbin",
			Name:      "keys",
			Help:      "Distinct fault keys currently held in the crash bin.",
		},
	)
	historyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "sink_errors_total",
			Help:      "Number of crash events a history sink failed to store.",
		}, []string{"sink"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionStarts, sessionStartFailures, unexpectedDeaths, faults, settleWait,
		stateTransitions, currentState, testCases, crashRecords, crashKeys, historyErrors,
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has been called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
	}
}

func IncStartFailure() {
	if regOK.Load() {
		sessionStartFailures.Inc()
	}
}

func IncUnexpectedDeath() {
	if regOK.Load() {
		unexpectedDeaths.Inc()
	}
}

func IncFault(signal string) {
	if regOK.Load() {
		faults.WithLabelValues(signal).Inc()
	}
}

func ObserveSettleWait(seconds float64) {
	if regOK.Load() {
		settleWait.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}

func IncTestCase() {
	if regOK.Load() {
		testCases.Inc()
	}
}

func SetCrashBin(keys, records int) {
	if regOK.Load() {
		crashKeys.Set(float64(keys))
		crashRecords.Set(float64(records))
	}
}

func IncHistoryError(sink string) {
	if regOK.Load() {
		historyErrors.WithLabelValues(sink).Inc()
	}
}
