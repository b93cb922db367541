// Package metrics holds the Prometheus collectors the runner exports on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts sandbox invocations by phase (build/run) and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_executions_total",
			Help: "Total number of sandboxed process executions",
		},
		[]string{"phase", "outcome"}, // outcome: ok, nonzero_exit, timeout, error
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderunner_execution_duration_ms",
			Help:    "Wall-clock duration of one sandboxed execution in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"phase"},
	)

	// TestCasesTotal counts graded test cases by language and verdict.
	TestCasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderunner_test_cases_total",
			Help: "Total number of graded test cases",
		},
		[]string{"language", "verdict"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_active_executions",
			Help: "Number of sandbox slots currently in use",
		},
	)

	WaitingExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_waiting_executions",
			Help: "Number of executions waiting for a free sandbox slot",
		},
	)

	WorkspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderunner_workspaces_active",
			Help: "Number of workspace directories currently allocated",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coderunner_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
