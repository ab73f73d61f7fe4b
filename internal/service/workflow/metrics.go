package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for workflow calls.
const (
	outcomeOK           = "ok"
	outcomeUnverified   = "unverified"
	outcomeUnconfigured = "unconfigured"
	outcomeStatus       = "bad_status"
	outcomeContentType  = "bad_content_type"
	outcomeTimeout      = "timeout"
	outcomeError        = "error"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxdesk_workflow_calls_total",
		Help: "Workflow webhook calls by outcome.",
	}, []string{"outcome"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxdesk_workflow_call_duration_seconds",
		Help:    "Latency of workflow webhook calls that reached the network.",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})
)
