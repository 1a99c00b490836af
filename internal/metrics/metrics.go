// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/ronappleton/flowengine/internal/workflow"
)

const namespace = "flowengine"

var (
	// transitionsTotal counts committed status changes.
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Total number of committed instance status changes",
		},
		[]string{"workflow_id", "from", "to"},
	)

	faultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_faults_total",
			Help:      "Total number of instances that faulted, by error code",
		},
		[]string{"workflow_id", "code"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "status"}, // status: success, error
	)

	pollerClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_claims_total",
			Help:      "Scheduled instances the poller tried to claim, by result",
		},
		[]string{"result"}, // result: claimed, lost, error
	)

	eventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events received by the listener, by result",
		},
		[]string{"result"}, // result: dispatched, invalid, error
	)
)

var allMetrics = []prometheus.Collector{
	transitionsTotal,
	faultsTotal,
	operationDuration,
	pollerClaimsTotal,
	eventsReceivedTotal,
}

// NewRegistry returns a registry holding the engine metrics plus the Go
// runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Module() fx.Option {
	return fx.Provide(
		NewRegistry,
		NewObserver,
	)
}

// Observer records transitions reported by the workflow service.
type Observer struct{}

func NewObserver() *Observer { return &Observer{} }

func (o *Observer) Observe(_ context.Context, ev workflow.TransitionEvent) {
	from := string(ev.From)
	if from == "" {
		from = "none"
	}
	transitionsTotal.WithLabelValues(ev.WorkflowID, from, string(ev.To)).Inc()
	if ev.To == workflow.StatusFaulted && ev.Error != nil {
		faultsTotal.WithLabelValues(ev.WorkflowID, ev.Error.Code).Inc()
	}
}

// RecordOperation observes one call at an outer surface.
func RecordOperation(operation string, err error, seconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	operationDuration.WithLabelValues(strings.ToLower(operation), status).Observe(seconds)
}

func RecordClaim(result string) {
	pollerClaimsTotal.WithLabelValues(result).Inc()
}

func RecordEvent(result string) {
	eventsReceivedTotal.WithLabelValues(result).Inc()
}
