package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ronappleton/flowengine/internal/workflow"
)

type harness struct {
	client *EngineClient
	health healthpb.HealthClient
	svc    *workflow.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	svc := workflow.NewService(
		workflow.NewMemoryDefinitionStore(),
		workflow.NewMemoryInstanceStore(),
		workflow.NewEngine(nil, workflow.NewRegistry(), logger),
		workflow.WithLogger(logger),
	)
	ctx := context.Background()
	saved, err := svc.SaveDraft(ctx, workflow.Definition{
		ID:       "expense",
		Name:     "Expense",
		TenantID: "acme",
		Triggers: []workflow.Trigger{{Name: "expense.submitted", Type: workflow.TriggerEvent, IsEnabled: true}},
		Graph: workflow.ActivityGraph{
			Start: "approve",
			Activities: []workflow.Activity{
				{ID: "approve", Kind: workflow.ActivityWait, Bookmark: "approved"},
				{ID: "end", Kind: workflow.ActivityFinish},
			},
			Transitions: []workflow.Transition{{From: "approve", To: "end"}},
		},
	})
	require.NoError(t, err)
	_, err = svc.Publish(ctx, saved.ID, saved.Version)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv, hs := NewServer(logger)
	registerService(registerParams{Server: srv, Health: hs, Service: NewEngineService(svc, logger)})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &harness{client: NewEngineClient(conn), health: healthpb.NewHealthClient(conn), svc: svc}
}

func withIdentity(tenant, user string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "x-tenant-id", tenant, "x-user-id", user)
}

func TestEngine_StartAndSignal(t *testing.T) {
	h := newHarness(t)
	ctx := withIdentity("acme", "u-7")

	out, err := h.client.Call(ctx, "Start", map[string]any{
		"workflow_id":    "expense",
		"input":          map[string]any{"amount": 12.0},
		"correlation_id": "order-3",
	})
	require.NoError(t, err)
	assert.Equal(t, "Suspended", out["status"])
	id, _ := out["instance_id"].(string)
	require.NotEmpty(t, id)

	inst, err := h.client.Call(ctx, "GetInstance", map[string]any{"instance_id": id})
	require.NoError(t, err)
	assert.Equal(t, "acme", inst["tenant_id"])
	assert.Equal(t, "u-7", inst["created_by"])

	out, err = h.client.Call(ctx, "Signal", map[string]any{"instance_id": id, "name": "other"})
	require.NoError(t, err)
	assert.Equal(t, "ignored", out["status"])

	out, err = h.client.Call(ctx, "Signal", map[string]any{"instance_id": id, "name": "approved"})
	require.NoError(t, err)
	assert.Equal(t, "Completed", out["status"])
	assert.Equal(t, true, out["is_completed"])
}

func TestEngine_ErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.client.Call(ctx, "Start", map[string]any{"workflow_id": "expense"})
	require.NoError(t, err)
	id := out["instance_id"].(string)

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		fields map[string]any
		code   codes.Code
	}{
		{"unknown workflow", ctx, "Start", map[string]any{"workflow_id": "nope"}, codes.NotFound},
		{"missing workflow id", ctx, "Start", map[string]any{}, codes.InvalidArgument},
		{"unknown instance", ctx, "GetInstance", map[string]any{"instance_id": "nope"}, codes.NotFound},
		{"unknown bookmark", ctx, "Resume", map[string]any{"instance_id": id, "bookmark": "other"}, codes.NotFound},
		{"retry not faulted", ctx, "Retry", map[string]any{"instance_id": id}, codes.FailedPrecondition},
		{"bad input", ctx, "Resume", map[string]any{"instance_id": id, "bookmark": "approved", "input": "text"}, codes.InvalidArgument},
		{"other tenant", withIdentity("globex", ""), "Cancel", map[string]any{"instance_id": id}, codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.Call(tt.ctx, tt.method, tt.fields)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err), err.Error())
		})
	}

	_, err = h.client.Call(ctx, "Terminate", map[string]any{"instance_id": id, "reason": "done"})
	require.NoError(t, err)
	_, err = h.client.Call(ctx, "Cancel", map[string]any{"instance_id": id})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestEngine_TriggerEvent(t *testing.T) {
	h := newHarness(t)
	out, err := h.client.Call(context.Background(), "TriggerEvent", map[string]any{
		"event": "expense.submitted",
		"data":  map[string]any{"correlation_id": "c-1"},
	})
	require.NoError(t, err)
	results, _ := out["results"].([]any)
	require.Len(t, results, 1)

	page, err := h.svc.QueryInstances(context.Background(), workflow.InstanceQuery{CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	out, err = h.client.Call(withIdentity("globex", ""), "TriggerEvent", map[string]any{"event": "expense.submitted"})
	require.NoError(t, err)
	results, _ = out["results"].([]any)
	assert.Empty(t, results, "another tenant's definitions are not started")
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
