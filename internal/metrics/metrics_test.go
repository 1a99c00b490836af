package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronappleton/flowengine/internal/workflow"
)

func TestObserver_CountsTransitionsAndFaults(t *testing.T) {
	transitionsTotal.Reset()
	faultsTotal.Reset()
	o := NewObserver()
	ctx := context.Background()

	o.Observe(ctx, workflow.TransitionEvent{WorkflowID: "expense", To: workflow.StatusRunning})
	o.Observe(ctx, workflow.TransitionEvent{WorkflowID: "expense", From: workflow.StatusRunning, To: workflow.StatusFaulted, Error: &workflow.InstanceError{Code: "http_status"}})
	o.Observe(ctx, workflow.TransitionEvent{WorkflowID: "expense", From: workflow.StatusRunning, To: workflow.StatusFaulted})

	assert.Equal(t, 1.0, testutil.ToFloat64(transitionsTotal.WithLabelValues("expense", "none", "Running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(transitionsTotal.WithLabelValues("expense", "Running", "Faulted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(faultsTotal.WithLabelValues("expense", "http_status")))
}

func TestRecordHelpers(t *testing.T) {
	operationDuration.Reset()
	pollerClaimsTotal.Reset()
	eventsReceivedTotal.Reset()

	RecordOperation("Start", nil, 0.02)
	RecordOperation("Start", errors.New("boom"), 0.01)
	RecordClaim("claimed")
	RecordClaim("lost")
	RecordClaim("lost")
	RecordEvent("dispatched")

	assert.Equal(t, 2, testutil.CollectAndCount(operationDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(pollerClaimsTotal.WithLabelValues("lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(eventsReceivedTotal.WithLabelValues("dispatched")))
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	RecordClaim("claimed")
	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["flowengine_scheduler_claims_total"])
	assert.True(t, names["go_goroutines"])
}
