package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(nil, nil, zaptest.NewLogger(t))
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestEngine_HTTPActivity(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 42, "ok": true}`))
	}))
	defer srv.Close()

	body := MustValue(map[string]any{"name": "invoice"})
	act := Activity{ID: "call", Kind: ActivityHTTP, HTTP: &HTTPCall{
		Method:         "put",
		URL:            srv.URL,
		Headers:        map[string]string{"X-Token": "secret"},
		Body:           &body,
		ResultVariable: "response",
	}}
	res, err := newTestEngine(t).Execute(context.Background(), act, ActivityContext{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.Equal(t, map[string]any{"name": "invoice"}, got)
	assert.True(t, res.Set["response"].Equal(MustValue(map[string]any{"id": 42, "ok": true})))
}

func TestEngine_HTTPErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	e := newTestEngine(t)

	_, err := e.Execute(context.Background(), Activity{
		ID: "call", Kind: ActivityHTTP,
		HTTP:  &HTTPCall{URL: srv.URL},
		Retry: RetryPolicy{Max: 2},
	}, ActivityContext{})
	var ae *ActivityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "http_status", ae.Code)
	assert.Equal(t, 3, calls)

	_, err = e.Execute(context.Background(), Activity{ID: "call", Kind: ActivityHTTP, HTTP: &HTTPCall{URL: "ftp://example.com"}}, ActivityContext{})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "http_invalid_url", ae.Code)
}

func TestEngine_HTTPTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	res, err := newTestEngine(t).Execute(context.Background(), Activity{
		ID: "call", Kind: ActivityHTTP,
		HTTP: &HTTPCall{URL: srv.URL, ResultVariable: "response"},
	}, ActivityContext{})
	var ae *ActivityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "http_read_failed", ae.Code)
	assert.Empty(t, res.Set)
}

func TestEngine_TaskRetriesUntilSuccess(t *testing.T) {
	e := newTestEngine(t)
	var attempts []int
	e.Registry().Register("flaky", func(ctx context.Context, ac ActivityContext) (ActivityResult, error) {
		attempts = append(attempts, ac.Attempt)
		if ac.Attempt < 3 {
			return ActivityResult{}, errors.New("not yet")
		}
		return ActivityResult{Outcome: "approved", Variables: Values{"n": Int(ac.Attempt)}}, nil
	})

	res, err := e.Execute(context.Background(), Activity{ID: "t", Kind: ActivityTask, Handler: "flaky", Retry: RetryPolicy{Max: 3}}, ActivityContext{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, "approved", res.Outcome)
	assert.True(t, res.Set["n"].Equal(Int(3)))
}

func TestEngine_TaskFailures(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("boom", func(context.Context, ActivityContext) (ActivityResult, error) {
		panic("nil map")
	})

	_, err := e.Execute(context.Background(), Activity{ID: "t", Kind: ActivityTask, Handler: "boom"}, ActivityContext{})
	var ae *ActivityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "activity_panic", ae.Code)

	_, err = e.Execute(context.Background(), Activity{ID: "t", Kind: ActivityTask, Handler: "missing"}, ActivityContext{})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "handler_not_found", ae.Code)
}

func TestEngine_TaskBookmark(t *testing.T) {
	e := newTestEngine(t)
	e.Registry().Register("park", func(context.Context, ActivityContext) (ActivityResult, error) {
		return ActivityResult{Bookmark: "callback"}, nil
	})
	res, err := e.Execute(context.Background(), Activity{ID: "t", Kind: ActivityTask, Handler: "park"}, ActivityContext{})
	require.NoError(t, err)
	assert.Equal(t, "callback", res.Bookmark)
}

func TestEngine_Condition(t *testing.T) {
	e := newTestEngine(t)
	amount := Int(10)
	cases := []struct {
		name string
		cond Condition
		vars Values
		want string
	}{
		{"equals", Condition{Variable: "amount", Equals: &amount}, Values{"amount": Int(10)}, OutcomeTrue},
		{"equals mismatch", Condition{Variable: "amount", Equals: &amount}, Values{"amount": Int(11)}, OutcomeFalse},
		{"not equals missing", Condition{Variable: "amount", NotEquals: &amount}, Values{}, OutcomeTrue},
		{"exists null", Condition{Variable: "amount", Exists: true}, Values{"amount": Null()}, OutcomeFalse},
		{"truthy string", Condition{Variable: "note"}, Values{"note": String("x")}, OutcomeTrue},
		{"falsy zero", Condition{Variable: "amount"}, Values{"amount": Int(0)}, OutcomeFalse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cond := tc.cond
			res, err := e.Execute(context.Background(), Activity{ID: "c", Kind: ActivityCondition, Condition: &cond}, ActivityContext{Variables: tc.vars})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Outcome)
		})
	}
}
