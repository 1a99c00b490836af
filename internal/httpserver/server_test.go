package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ronappleton/flowengine/internal/config"
	"github.com/ronappleton/flowengine/internal/engine"
	"github.com/ronappleton/flowengine/internal/metrics"
	"github.com/ronappleton/flowengine/internal/workflow"
)

const approvalJSON = `{
  "id": "expense",
  "name": "Expense approval",
  "triggers": [{"name": "expense.submitted", "type": "Event", "is_enabled": true}],
  "graph": {
    "start": "prepare",
    "activities": [
      {"id": "prepare", "kind": "set_variables", "set": {"prepared": true}},
      {"id": "approve", "kind": "wait", "bookmark": "approved"},
      {"id": "end", "kind": "finish"}
    ],
    "transitions": [
      {"from": "prepare", "to": "approve"},
      {"from": "approve", "to": "end"}
    ]
  }
}`

type testServer struct {
	srv *Server
	svc *workflow.Service
	hub *engine.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := engine.NewHub()
	svc := workflow.NewService(
		workflow.NewMemoryDefinitionStore(),
		workflow.NewMemoryInstanceStore(),
		workflow.NewEngine(nil, workflow.NewRegistry(), logger),
		workflow.WithLogger(logger),
		workflow.WithObserver(hub),
	)
	return &testServer{
		srv: NewServer(config.Default(), logger, svc, hub, metrics.NewRegistry()),
		svc: svc,
		hub: hub,
	}
}

type call struct {
	method string
	path   string
	body   string
	tenant string
	user   string
}

func (ts *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) publishExpense(t *testing.T, tenant string) {
	t.Helper()
	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/definitions", body: approvalJSON, tenant: tenant})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/definitions/expense/versions/1/publish", tenant: tenant})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (ts *testServer) startExpense(t *testing.T, tenant string) string {
	t.Helper()
	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/instances", body: `{"workflow_id":"expense","input":{"amount":40}}`, tenant: tenant, user: "u-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[workflow.ExecutionResult](t, rec)
	require.Equal(t, workflow.StatusSuspended, res.Status)
	return res.InstanceID
}

func TestDefinitionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "")

	rec := ts.do(t, call{method: http.MethodGet, path: "/v1/definitions/expense"})
	require.Equal(t, http.StatusOK, rec.Code)
	def := decode[workflow.Definition](t, rec)
	assert.Equal(t, 1, def.Version)
	assert.True(t, def.IsPublished)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/definitions", body: approvalJSON})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/definitions/expense/versions"})
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[struct {
		Items []workflow.DefinitionSummary `json:"items"`
	}](t, rec)
	require.Len(t, versions.Items, 2)
	assert.Equal(t, 2, versions.Items[0].Version)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/definitions?published=true"})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[workflow.Page[workflow.DefinitionSummary]](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = ts.do(t, call{method: http.MethodDelete, path: "/v1/definitions/expense/versions/1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, call{method: http.MethodDelete, path: "/v1/definitions/expense/versions/2"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/definitions/expense?version=abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstanceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "")
	id := ts.startExpense(t, "")

	rec := ts.do(t, call{method: http.MethodGet, path: "/v1/instances/" + id})
	require.Equal(t, http.StatusOK, rec.Code)
	inst := decode[workflow.Instance](t, rec)
	assert.Equal(t, workflow.StatusSuspended, inst.Status)
	assert.Equal(t, "u-1", inst.CreatedBy)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/instances/" + id + "/signals/rejected", body: `{}`})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/instances/" + id + "/signals/approved", body: `{"data":{"approver":"kim"}}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[workflow.ExecutionResult](t, rec)
	assert.Equal(t, workflow.StatusCompleted, res.Status)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances/" + id + "/history"})
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[struct {
		Items []workflow.ExecutionRecord `json:"items"`
	}](t, rec)
	assert.Equal(t, workflow.RecordInstanceStarted, history.Items[0].Kind)
	assert.Equal(t, workflow.RecordInstanceCompleted, history.Items[len(history.Items)-1].Kind)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances?status=Completed&workflow_id=expense"})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[workflow.Page[workflow.InstanceSummary]](t, rec)
	assert.Equal(t, 1, page.Total)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances?status=Sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "")
	id := ts.startExpense(t, "")

	tests := []struct {
		name   string
		call   call
		status int
	}{
		{"unknown instance", call{method: http.MethodGet, path: "/v1/instances/nope"}, http.StatusNotFound},
		{"unknown definition", call{method: http.MethodPost, path: "/v1/instances", body: `{"workflow_id":"nope"}`}, http.StatusNotFound},
		{"missing workflow id", call{method: http.MethodPost, path: "/v1/instances", body: `{}`}, http.StatusBadRequest},
		{"malformed body", call{method: http.MethodPost, path: "/v1/instances", body: `{"workflow_id":`}, http.StatusBadRequest},
		{"unknown bookmark", call{method: http.MethodPost, path: "/v1/instances/" + id + "/resume", body: `{"bookmark":"other"}`}, http.StatusNotFound},
		{"retry not faulted", call{method: http.MethodPost, path: "/v1/instances/" + id + "/retry"}, http.StatusConflict},
		{"invalid definition", call{method: http.MethodPost, path: "/v1/definitions", body: `{"id":"x","name":"x","graph":{"start":"missing"}}`}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.call)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			p := decode[problem](t, rec)
			assert.Equal(t, tt.status, p.Status)
			assert.NotEmpty(t, p.Detail)
		})
	}

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/instances/" + id + "/terminate", body: `{"reason":"stop"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/instances/" + id + "/cancel"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "acme")
	id := ts.startExpense(t, "acme")

	rec := ts.do(t, call{method: http.MethodGet, path: "/v1/instances/" + id, tenant: "globex"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/definitions/expense", tenant: "globex"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/instances/" + id + "/cancel", tenant: "globex"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/instances", body: `{"workflow_id":"expense"}`, tenant: "globex"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances", tenant: "globex"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[workflow.Page[workflow.InstanceSummary]](t, rec).Total)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances/" + id, tenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode[workflow.Instance](t, rec).TenantID)
}

func TestSignalsAndEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "")

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/events/expense.submitted", body: `{"data":{"correlation_id":"order-1"}}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[struct {
		Results []workflow.ExecutionResult `json:"results"`
	}](t, rec)
	require.Len(t, started.Results, 1)
	ts.startExpense(t, "")

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/correlations/order-1/signals/approved", body: `{}`})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	byCorrelation := decode[workflow.BroadcastResult](t, rec)
	require.Len(t, byCorrelation.Results, 1)
	assert.Equal(t, started.Results[0].InstanceID, byCorrelation.Results[0].InstanceID)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/signals/approved", body: `{"workflow_id":"expense"}`})
	require.Equal(t, http.StatusOK, rec.Code)
	broadcast := decode[workflow.BroadcastResult](t, rec)
	assert.Len(t, broadcast.Results, 1)
	assert.Empty(t, broadcast.Failures)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/events/nothing.bound"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestHistoryStream(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "")
	id := ts.startExpense(t, "")

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/v1/instances/"+id+"/history/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.hub.Subscribers(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, err = ts.svc.Resume(context.Background(), id, "approved", nil)
	require.NoError(t, err)

	var events []string
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			lastData = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, "record", events[0])
	assert.Equal(t, "transition", events[len(events)-1])
	assert.Contains(t, events, "transition")

	var last workflow.TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(lastData), &last))
	assert.Equal(t, workflow.StatusCompleted, last.To)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	ts.do(t, call{method: http.MethodGet, path: "/v1/instances/nope"})
	rec = ts.do(t, call{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowengine_operation_duration_seconds")
}

func TestTriggerEvent_TenantScoped(t *testing.T) {
	ts := newTestServer(t)
	ts.publishExpense(t, "acme")

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/events/expense.submitted", tenant: "globex"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/events/expense.submitted", tenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[struct {
		Results []workflow.ExecutionResult `json:"results"`
	}](t, rec)
	require.Len(t, started.Results, 1)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/instances/" + started.Results[0].InstanceID, tenant: "acme"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode[workflow.Instance](t, rec).TenantID)
}
