package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

func TestHub_DeliversUntilTerminal(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("i-1")
	defer cancel()
	other, cancelOther := h.Subscribe("i-2")
	defer cancelOther()

	ctx := context.Background()
	h.Observe(ctx, workflow.TransitionEvent{InstanceID: "i-1", To: workflow.StatusRunning})
	h.Observe(ctx, workflow.TransitionEvent{InstanceID: "i-1", From: workflow.StatusRunning, To: workflow.StatusCompleted})

	var got []workflow.Status
	for ev := range ch {
		got = append(got, ev.To)
	}
	assert.Equal(t, []workflow.Status{workflow.StatusRunning, workflow.StatusCompleted}, got)
	assert.Zero(t, h.Subscribers("i-1"))
	assert.Equal(t, 1, h.Subscribers("i-2"))
	assert.Len(t, other, 0)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("i-1")
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Observe(context.Background(), workflow.TransitionEvent{InstanceID: "i-1", To: workflow.StatusRunning})
	}
	assert.Zero(t, h.Subscribers("i-1"))
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	cancel()
}

func TestModule_WiresInMemoryService(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.Enabled = false

	var (
		svc *workflow.Service
		hub *Hub
	)
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(zap.NewNop),
		metrics.Module(),
		Module(),
		fx.Populate(&svc, &hub),
	)
	app.RequireStart()
	defer app.RequireStop()

	ctx := context.Background()
	saved, err := svc.SaveDraft(ctx, workflow.Definition{
		ID:   "logger",
		Name: "Logger",
		Graph: workflow.ActivityGraph{
			Start: "log",
			Activities: []workflow.Activity{
				{ID: "log", Kind: workflow.ActivityTask, Handler: "log"},
				{ID: "done", Kind: workflow.ActivityTask, Handler: "noop"},
				{ID: "end", Kind: workflow.ActivityFinish},
			},
			Transitions: []workflow.Transition{{From: "log", To: "done"}, {From: "done", To: "end"}},
		},
	})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, saved.ID, saved.Version)
	require.NoError(t, err)

	res, err := svc.Start(ctx, "logger", workflow.Values{"who": workflow.String("ops")}, workflow.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.ActivitiesExecuted)
	assert.Zero(t, hub.Subscribers(res.InstanceID))
}
