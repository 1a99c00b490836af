package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Signal delivers a named signal to one instance. When the instance is
// Suspended on a bookmark of that name it resumes; otherwise the signal is
// recorded and dropped, and the returned result is nil.
func (s *Service) Signal(ctx context.Context, instanceID, name string, data Values) (res *ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Signal",
		attribute.String("instance.id", instanceID),
		attribute.String("signal", name),
	)
	defer func() { endSpan(span, err) }()

	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if _, ok := inst.Bookmark(name); ok && inst.Status == StatusSuspended {
		out, err := s.resume(ctx, instanceID, name, data, true)
		if err == nil {
			return &out, nil
		}
		// Someone else consumed the bookmark between the read and the resume.
		if !errors.Is(err, ErrBookmarkNotFound) && !errors.Is(err, ErrInvalidState) {
			return nil, err
		}
	}
	if err := s.ignoreSignal(ctx, instanceID, name); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) ignoreSignal(ctx context.Context, instanceID, name string) error {
	_, err := s.mutate(ctx, instanceID, "signal", func(inst *Instance, rec *Recorder) (bool, error) {
		if inst.Status.Terminal() {
			// Terminal instances stay untouched; the drop is only logged.
			return false, nil
		}
		details := map[string]string{"signal": name, "status": string(inst.Status)}
		ts := rec.Record(RecordSignalIgnored, nil, details)
		inst.audit(ts, "SignalIgnored", rec.userID, details)
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("signal ignored", zap.String("instance_id", instanceID), zap.String("signal", name))
	return nil
}

// BroadcastResult lists what a fan-out signal did to each matching instance.
type BroadcastResult struct {
	Results  []ExecutionResult  `json:"results"`
	Failures []BroadcastFailure `json:"failures,omitempty"`
}

type BroadcastFailure struct {
	InstanceID string `json:"instance_id"`
	Error      string `json:"error"`
}

// Err joins the per-instance failures, or returns nil.
func (r BroadcastResult) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("instance %s: %s", f.InstanceID, f.Error))
	}
	return errors.Join(errs...)
}

// BroadcastSignal resumes every Suspended instance holding a bookmark named
// name, optionally limited to one workflow. Each instance is resumed on its
// own; one failure never blocks the rest.
func (s *Service) BroadcastSignal(ctx context.Context, name string, data Values, workflowID string) (res BroadcastResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.BroadcastSignal",
		attribute.String("signal", name),
		attribute.String("workflow.id", workflowID),
	)
	defer func() { endSpan(span, err) }()
	return s.fanOut(ctx, InstanceQuery{WorkflowID: workflowID, BookmarkName: name}, name, data)
}

// SignalByCorrelation is BroadcastSignal addressed by correlation id.
func (s *Service) SignalByCorrelation(ctx context.Context, correlationID, name string, data Values) (res BroadcastResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.SignalByCorrelation",
		attribute.String("signal", name),
		attribute.String("correlation.id", correlationID),
	)
	defer func() { endSpan(span, err) }()
	if correlationID == "" {
		return BroadcastResult{}, &ValidationError{Field: "correlation_id", Reason: "required"}
	}
	return s.fanOut(ctx, InstanceQuery{CorrelationID: correlationID, BookmarkName: name}, name, data)
}

func (s *Service) fanOut(ctx context.Context, q InstanceQuery, name string, data Values) (BroadcastResult, error) {
	if name == "" {
		return BroadcastResult{}, &ValidationError{Field: "signal", Reason: "required"}
	}
	q.Statuses = []Status{StatusSuspended}
	q.PageSize = maxPageSize
	ids, err := s.collectIDs(ctx, q)
	if err != nil {
		return BroadcastResult{}, err
	}

	var (
		mu  sync.Mutex
		out = BroadcastResult{Results: []ExecutionResult{}}
	)
	g := new(errgroup.Group)
	g.SetLimit(s.broadcastConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.resume(ctx, id, name, data, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("broadcast resume failed", zap.String("instance_id", id), zap.String("signal", name), zap.Error(err))
				out.Failures = append(out.Failures, BroadcastFailure{InstanceID: id, Error: err.Error()})
				return nil
			}
			out.Results = append(out.Results, res)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("signal broadcast",
		zap.String("signal", name),
		zap.Int("matched", len(ids)),
		zap.Int("resumed", len(out.Results)),
		zap.Int("failed", len(out.Failures)),
	)
	return out, nil
}

// collectIDs reads every page up front; resuming while paging would shift
// the pages under the cursor.
func (s *Service) collectIDs(ctx context.Context, q InstanceQuery) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		q.Page = page
		res, err := s.instances.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, inst := range res.Items {
			ids = append(ids, inst.ID)
		}
		if len(res.Items) == 0 || page*res.PageSize >= res.Total {
			return ids, nil
		}
	}
}

// TriggerEvent starts one instance of every default definition with an
// enabled event trigger for eventName. A definition that fails to start is
// logged and skipped.
func (s *Service) TriggerEvent(ctx context.Context, eventName string, data Values) ([]ExecutionResult, error) {
	return s.TriggerEventForTenant(ctx, "", eventName, data)
}

// TriggerEventForTenant is TriggerEvent on behalf of tenantID: definitions
// owned by another tenant are skipped, and instances of shared definitions
// belong to tenantID. An empty tenantID matches every definition.
func (s *Service) TriggerEventForTenant(ctx context.Context, tenantID, eventName string, data Values) (res []ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.TriggerEvent",
		attribute.String("event", eventName),
		attribute.String("tenant.id", tenantID),
	)
	defer func() { endSpan(span, err) }()

	defs, err := s.defs.ListDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("list default definitions: %w", err)
	}
	results := []ExecutionResult{}
	for _, def := range defs {
		if !hasEventTrigger(def, eventName) {
			continue
		}
		if tenantID != "" && def.TenantID != "" && def.TenantID != tenantID {
			continue
		}
		version := def.Version
		opts := StartOptions{
			Version:  &version,
			TenantID: def.TenantID,
			Metadata: map[string]string{"trigger": "event", "event": eventName},
		}
		if opts.TenantID == "" {
			opts.TenantID = tenantID
		}
		if cid, ok := data.Get("correlation_id"); ok && cid.Kind() == KindString {
			opts.CorrelationID = cid.Str()
		}
		started, err := s.Start(ctx, def.ID, data, opts)
		if err != nil {
			s.logger.Warn("event trigger start failed",
				zap.String("event", eventName),
				zap.String("workflow_id", def.ID),
				zap.Int("version", def.Version),
				zap.Error(err),
			)
			continue
		}
		results = append(results, started)
	}
	return results, nil
}

func hasEventTrigger(def Definition, eventName string) bool {
	for _, t := range def.Triggers {
		if t.Matches(eventName) {
			return true
		}
	}
	return false
}
