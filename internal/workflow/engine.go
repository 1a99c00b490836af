package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ActivityContext is what a task handler sees of the running instance.
type ActivityContext struct {
	InstanceID string
	WorkflowID string
	Version    int
	Activity   Activity
	Input      Values
	// Variables is a copy; return changes through ActivityResult.Variables.
	Variables Values
	// Attempt counts from 1 across in-call retries.
	Attempt int
}

// ActivityResult is what a task handler returns.
type ActivityResult struct {
	// Outcome selects the outgoing transition; empty means "done".
	Outcome   string
	Variables Values
	// Bookmark suspends the instance at this activity under the given name.
	Bookmark string
}

// ActivityFunc implements a task activity. Handlers must be safe to call again
// for the same activity: Retry re-runs the activity that faulted.
type ActivityFunc func(ctx context.Context, ac ActivityContext) (ActivityResult, error)

// Registry maps task handler names to functions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ActivityFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]ActivityFunc{}}
}

func (r *Registry) Register(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Registry) Lookup(name string) (ActivityFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// stepResult is the engine's verdict on one activity.
type stepResult struct {
	Outcome  string
	Bookmark string
	Finish   bool
	Set      Values
}

// Engine executes single activities. It holds no instance state; the step
// loop in executor.go drives it.
type Engine struct {
	client   *http.Client
	registry *Registry
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewEngine(client *http.Client, registry *Registry, logger *zap.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{client: client, registry: registry, logger: logger, sleep: sleepCtx}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs one activity. A returned error is a business fault, never a
// caller error.
func (e *Engine) Execute(ctx context.Context, act Activity, ac ActivityContext) (stepResult, error) {
	switch act.Kind {
	case ActivitySetVariables:
		return stepResult{Outcome: OutcomeDone, Set: act.Set.Clone()}, nil
	case ActivityCondition:
		return e.executeCondition(act, ac.Variables)
	case ActivityWait:
		return stepResult{Bookmark: act.Bookmark}, nil
	case ActivityTask:
		return e.withRetry(ctx, act, func(attempt int) (stepResult, error) {
			ac.Attempt = attempt
			return e.executeTask(ctx, act, ac)
		})
	case ActivityHTTP:
		return e.withRetry(ctx, act, func(int) (stepResult, error) {
			return e.executeHTTP(ctx, act)
		})
	case ActivityFail:
		return stepResult{}, &ActivityError{Code: act.Fault.Code, Message: act.Fault.Message}
	case ActivityFinish:
		return stepResult{Finish: true}, nil
	default:
		return stepResult{}, &ActivityError{Code: "unsupported_activity", Message: fmt.Sprintf("unsupported activity kind: %s", act.Kind)}
	}
}

func (e *Engine) withRetry(ctx context.Context, act Activity, fn func(attempt int) (stepResult, error)) (stepResult, error) {
	attempts := 0
	max := act.Retry.Max
	if max < 0 {
		max = 0
	}
	for {
		res, err := fn(attempts + 1)
		if err == nil {
			return res, nil
		}
		if attempts >= max {
			return res, err
		}
		backoff := time.Duration(act.Retry.BackoffMs) * time.Millisecond
		if backoff <= 0 {
			backoff = 250 * time.Millisecond
		}
		e.logger.Debug("activity attempt failed; retrying",
			zap.String("activity_id", act.ID),
			zap.Int("attempt", attempts+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if serr := e.sleep(ctx, backoff); serr != nil {
			return res, err
		}
		attempts++
	}
}

func (e *Engine) executeTask(ctx context.Context, act Activity, ac ActivityContext) (res stepResult, err error) {
	fn, ok := e.registry.Lookup(act.Handler)
	if !ok {
		return stepResult{}, &ActivityError{Code: "handler_not_found", Message: fmt.Sprintf("no handler registered for %q", act.Handler)}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ActivityError{Code: "activity_panic", Message: fmt.Sprint(r)}
		}
	}()
	out, err := fn(ctx, ac)
	if err != nil {
		return stepResult{}, err
	}
	return stepResult{Outcome: out.Outcome, Bookmark: out.Bookmark, Set: out.Variables}, nil
}

func (e *Engine) executeHTTP(ctx context.Context, act Activity) (stepResult, error) {
	in := act.HTTP
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodPost
	}
	if err := validateHTTPCall(*in); err != nil {
		return stepResult{}, err
	}

	var body io.Reader
	if in.Body != nil {
		raw, err := json.Marshal(in.Body)
		if err != nil {
			return stepResult{}, &ActivityError{Code: "http_invalid_body", Message: err.Error()}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return stepResult{}, &ActivityError{Code: "http_invalid_request", Message: err.Error()}
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return stepResult{}, &ActivityError{Code: "http_unreachable", Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return stepResult{}, &ActivityError{Code: "http_status", Message: fmt.Sprintf("http status %d", resp.StatusCode)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return stepResult{}, &ActivityError{Code: "http_read_failed", Message: err.Error()}
	}
	res := stepResult{Outcome: OutcomeDone}
	if in.ResultVariable != "" {
		res.Set = Values{in.ResultVariable: decodeBody(b)}
	}
	return res, nil
}

func validateHTTPCall(in HTTPCall) error {
	lower := strings.ToLower(in.URL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return &ActivityError{Code: "http_invalid_url", Message: "url must be http or https"}
	}
	return nil
}

// decodeBody keeps JSON responses structured and everything else as text.
func decodeBody(b []byte) Value {
	var raw any
	if err := json.Unmarshal(b, &raw); err == nil {
		if v, err := FromAny(raw); err == nil {
			return v
		}
	}
	return String(string(b))
}

func (e *Engine) executeCondition(act Activity, vars Values) (stepResult, error) {
	cond := act.Condition
	val, ok := vars[cond.Variable]
	pass := false
	switch {
	case cond.Equals != nil:
		pass = ok && val.Equal(*cond.Equals)
	case cond.NotEquals != nil:
		pass = !ok || !val.Equal(*cond.NotEquals)
	case cond.Exists:
		pass = ok && !val.IsNull()
	default:
		pass = ok && truthy(val)
	}
	if pass {
		return stepResult{Outcome: OutcomeTrue}, nil
	}
	return stepResult{Outcome: OutcomeFalse}, nil
}

func truthy(v Value) bool {
	switch v.Kind() {
	case KindBool:
		return v.Truth()
	case KindString:
		return v.Str() != ""
	case KindNumber:
		return v.Num() != 0
	case KindList:
		return len(v.Items()) > 0
	case KindMap:
		return len(v.Entries()) > 0
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
