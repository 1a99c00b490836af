package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxSteps             = 1000
	defaultConflictRetries      = 5
	defaultBroadcastConcurrency = 8
)

// Service is the public face of the engine. Every operation loads the
// instance, applies one transition and persists it with a revision check; no
// instance state survives between calls.
type Service struct {
	defs      DefinitionStore
	instances InstanceStore
	engine    *Engine
	validator *inputValidator
	observers []Observer
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	maxSteps             int
	conflictRetries      uint
	broadcastConcurrency int
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = func() time.Time { return now().UTC() }
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithMaxSteps bounds the activities one call may execute.
func WithMaxSteps(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.conflictRetries = uint(n)
		}
	}
}

func WithBroadcastConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.broadcastConcurrency = n
		}
	}
}

func NewService(defs DefinitionStore, instances InstanceStore, engine *Engine, opts ...Option) *Service {
	if engine == nil {
		engine = NewEngine(nil, nil, nil)
	}
	s := &Service{
		defs:                 defs,
		instances:            instances,
		engine:               engine,
		validator:            newInputValidator(),
		logger:               zap.NewNop(),
		tracer:               otel.Tracer("flowengine/workflow"),
		now:                  func() time.Time { return time.Now().UTC() },
		maxSteps:             defaultMaxSteps,
		conflictRetries:      defaultConflictRetries,
		broadcastConcurrency: defaultBroadcastConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type actorKey struct{}

// WithActor attaches the acting user to ctx; it ends up in audit entries and
// history records.
func WithActor(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, userID)
}

func ActorFrom(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Definitions.

func (s *Service) SaveDraft(ctx context.Context, def Definition) (Definition, error) {
	if err := ValidateDefinition(def); err != nil {
		return Definition{}, err
	}
	def.Version = 0
	def.CreatedAt = time.Time{}
	if def.CreatedBy == "" {
		def.CreatedBy = ActorFrom(ctx)
	}
	saved, err := s.defs.SaveDraft(ctx, def)
	if err != nil {
		return Definition{}, fmt.Errorf("save draft %s: %w", def.ID, err)
	}
	s.logger.Info("definition draft saved", zap.String("workflow_id", saved.ID), zap.Int("version", saved.Version))
	return saved, nil
}

func (s *Service) GetDefinition(ctx context.Context, id string, version *int) (Definition, error) {
	return s.defs.Get(ctx, id, version)
}

func (s *Service) GetVersions(ctx context.Context, id string) ([]DefinitionSummary, error) {
	return s.defs.GetVersions(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context, q DefinitionQuery) (Page[DefinitionSummary], error) {
	return s.defs.List(ctx, q)
}

func (s *Service) Publish(ctx context.Context, id string, version int) (Definition, error) {
	def, err := s.defs.Publish(ctx, id, version)
	if err != nil {
		return Definition{}, err
	}
	s.logger.Info("definition published", zap.String("workflow_id", id), zap.Int("version", version))
	return def, nil
}

func (s *Service) Unpublish(ctx context.Context, id string, version int) (Definition, error) {
	return s.defs.Unpublish(ctx, id, version)
}

func (s *Service) SetActive(ctx context.Context, id string, version int, active bool) (Definition, error) {
	return s.defs.SetActive(ctx, id, version, active)
}

// DeleteVersion removes a version that is neither published nor referenced by
// any instance.
func (s *Service) DeleteVersion(ctx context.Context, id string, version int) error {
	n, err := s.instances.CountByVersion(ctx, id, version)
	if err != nil {
		return fmt.Errorf("count instances of %s@%d: %w", id, version, err)
	}
	if n > 0 {
		return &ValidationError{Field: "version", Reason: fmt.Sprintf("referenced by %d instances", n)}
	}
	return s.defs.DeleteVersion(ctx, id, version)
}

func (s *Service) definitionFor(ctx context.Context, inst Instance) (Definition, error) {
	v := inst.Version
	return s.defs.Get(ctx, inst.WorkflowID, &v)
}

// Instances.

// Start creates an instance of the requested (or default) version and runs it
// until it suspends, faults or completes. A future ScheduledStartTime only
// persists it as Scheduled.
func (s *Service) Start(ctx context.Context, workflowID string, input Values, opts StartOptions) (res ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Start", attribute.String("workflow.id", workflowID))
	defer func() { endSpan(span, err) }()

	started := s.now()
	def, err := s.defs.Get(ctx, workflowID, opts.Version)
	if err != nil {
		return ExecutionResult{}, err
	}
	input, err = s.validator.Apply(def, input)
	if err != nil {
		return ExecutionResult{}, err
	}
	userID := opts.UserID
	if userID == "" {
		userID = ActorFrom(ctx)
	}
	ctx = WithActor(ctx, userID)

	inst := Instance{
		ID:                   newInstanceID(),
		WorkflowID:           def.ID,
		Version:              def.Version,
		Name:                 opts.Name,
		TenantID:             opts.TenantID,
		CreatedBy:            userID,
		Priority:             opts.Priority,
		CorrelationID:        opts.CorrelationID,
		CompletedActivityIDs: []string{},
		Input:                input,
		Variables:            initialVariables(def, input),
		Metadata:             copyMetadata(opts.Metadata),
		CreatedAt:            started,
	}
	if inst.Name == "" {
		inst.Name = def.Name
	}
	if inst.TenantID == "" {
		inst.TenantID = def.TenantID
	}
	span.SetAttributes(attribute.String("instance.id", inst.ID))
	rec := newRecorder(&inst, s.now, userID)

	if opts.ScheduledStartTime != nil && opts.ScheduledStartTime.After(started) {
		at := opts.ScheduledStartTime.UTC()
		inst.Status = StatusScheduled
		inst.ScheduledStartTime = &at
		ts := rec.Record(RecordInstanceScheduled, nil, map[string]string{"scheduled_start_time": at.Format(time.RFC3339Nano)})
		inst.audit(ts, "Scheduled", userID, nil)
		created, err := s.instances.Create(ctx, inst, rec.Drain())
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("create instance: %w", err)
		}
		s.notify(ctx, created, "")
		s.logger.Info("instance scheduled",
			zap.String("instance_id", created.ID),
			zap.String("workflow_id", created.WorkflowID),
			zap.Time("scheduled_start_time", at),
		)
		return s.result(created, started, 0), nil
	}

	s.begin(&inst, def, rec, "Started")
	created, err := s.instances.Create(ctx, inst, rec.Drain())
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("create instance: %w", err)
	}
	s.notify(ctx, created, "")
	s.logger.Info("instance started",
		zap.String("instance_id", created.ID),
		zap.String("workflow_id", created.WorkflowID),
		zap.Int("version", created.Version),
	)
	return s.advance(ctx, def, created, started, runCurrent)
}

// begin moves a fresh or claimed instance onto the start activity.
func (s *Service) begin(inst *Instance, def Definition, rec *Recorder, action string) {
	inst.Status = StatusRunning
	inst.CurrentActivityID = def.Graph.Start
	ts := rec.Record(RecordInstanceStarted, nil, map[string]string{"version": strconv.Itoa(def.Version)})
	inst.StartedAt = &ts
	inst.audit(ts, action, rec.userID, nil)
}

func initialVariables(def Definition, input Values) Values {
	vars := Values{}
	for _, decl := range def.Variables {
		if decl.DefaultValue != nil {
			vars[decl.Name] = decl.DefaultValue.Clone()
		} else {
			vars[decl.Name] = Null()
		}
	}
	vars.Merge(input)
	return vars
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Resume consumes a bookmark of a Suspended instance and continues execution.
func (s *Service) Resume(ctx context.Context, instanceID, bookmark string, input Values) (res ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Resume",
		attribute.String("instance.id", instanceID),
		attribute.String("bookmark", bookmark),
	)
	defer func() { endSpan(span, err) }()
	return s.resume(ctx, instanceID, bookmark, input, false)
}

func (s *Service) resume(ctx context.Context, instanceID, bookmark string, input Values, viaSignal bool) (ExecutionResult, error) {
	started := s.now()
	var def Definition
	inst, err := s.mutate(ctx, instanceID, "resume", func(inst *Instance, rec *Recorder) (bool, error) {
		if inst.Status != StatusSuspended {
			return false, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Operation: "resume"}
		}
		bm, ok := inst.Bookmark(bookmark)
		if !ok {
			return false, &BookmarkNotFoundError{InstanceID: inst.ID, Name: bookmark}
		}
		d, err := s.definitionFor(ctx, *inst)
		if err != nil {
			return false, err
		}
		def = d
		act, _ := def.Graph.Activity(bm.ActivityID)
		details := map[string]string{"bookmark": bookmark}
		action := "Resumed"
		if viaSignal {
			rec.Record(RecordSignalReceived, &act, map[string]string{"signal": bookmark})
			action = "SignalReceived"
		}
		ts := rec.Record(RecordBookmarkResumed, &act, details)
		inst.audit(ts, action, rec.userID, details)
		inst.Bookmarks = nil
		inst.Status = StatusRunning
		inst.CurrentActivityID = bm.ActivityID
		if inst.Variables == nil {
			inst.Variables = Values{}
		}
		inst.Variables.Merge(input)
		return true, nil
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return s.advance(ctx, def, inst, started, completeCurrent)
}

// Cancel stops an instance. A Running instance only gets CancelRequested; the
// call that is executing it honours the flag at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, instanceID, reason string) (out Instance, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Cancel", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, instanceID, "cancel", func(inst *Instance, rec *Recorder) (bool, error) {
		switch inst.Status {
		case StatusCancelled:
			return false, nil
		case StatusCompleted, StatusTerminated, StatusFaulted:
			return false, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Operation: "cancel"}
		case StatusRunning:
			if inst.CancelRequested {
				return false, nil
			}
			inst.CancelRequested = true
			inst.CancelReason = reason
			ts := rec.Record(RecordCancelRequested, nil, reasonDetails(reason))
			inst.audit(ts, "CancelRequested", rec.userID, reasonDetails(reason))
			return true, nil
		}
		inst.CancelReason = reason
		applyCancel(inst, rec)
		return true, nil
	})
}

// applyCancel moves inst to Cancelled using inst.CancelReason.
func applyCancel(inst *Instance, rec *Recorder) {
	details := reasonDetails(inst.CancelReason)
	ts := rec.Record(RecordInstanceCancelled, nil, details)
	inst.audit(ts, "Cancelled", rec.userID, details)
	inst.Status = StatusCancelled
	inst.CurrentActivityID = ""
	inst.Bookmarks = nil
	inst.Output = nil
	inst.CompletedAt = &ts
}

// Terminate forcefully ends any non-terminal instance, Faulted included.
func (s *Service) Terminate(ctx context.Context, instanceID, reason string) (out Instance, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Terminate", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	return s.mutate(ctx, instanceID, "terminate", func(inst *Instance, rec *Recorder) (bool, error) {
		switch inst.Status {
		case StatusTerminated:
			return false, nil
		case StatusCompleted, StatusCancelled:
			return false, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Operation: "terminate"}
		}
		details := reasonDetails(reason)
		ts := rec.Record(RecordInstanceTerminated, nil, details)
		inst.audit(ts, "Terminated", rec.userID, details)
		inst.Status = StatusTerminated
		inst.CurrentActivityID = ""
		inst.Bookmarks = nil
		inst.Output = nil
		inst.CancelRequested = false
		inst.CompletedAt = &ts
		return true, nil
	})
}

// Retry re-runs the activity a Faulted instance stopped on.
func (s *Service) Retry(ctx context.Context, instanceID string) (res ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.Retry", attribute.String("instance.id", instanceID))
	defer func() { endSpan(span, err) }()

	started := s.now()
	var (
		def Definition
		how = runCurrent
	)
	inst, err := s.mutate(ctx, instanceID, "retry", func(inst *Instance, rec *Recorder) (bool, error) {
		if inst.Status != StatusFaulted {
			return false, &InvalidStateError{InstanceID: inst.ID, Status: inst.Status, Operation: "retry"}
		}
		d, err := s.definitionFor(ctx, *inst)
		if err != nil {
			return false, err
		}
		def = d
		details := map[string]string{"activity_id": inst.CurrentActivityID}
		how = runCurrent
		if inst.Error != nil {
			details["previous_code"] = inst.Error.Code
			if inst.Error.Stage == StageOutput {
				how = finishCurrent
			}
		}
		ts := rec.Record(RecordInstanceRetried, nil, details)
		inst.audit(ts, "Retried", rec.userID, details)
		inst.Error = nil
		inst.FaultCount++
		inst.RetryCount++
		inst.Status = StatusRunning
		inst.CompletedAt = nil
		return true, nil
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return s.advance(ctx, def, inst, started, how)
}

// RunScheduled claims a due Scheduled instance by writing Running against the
// revision it was listed with. Losing the race returns ErrConflict.
func (s *Service) RunScheduled(ctx context.Context, listed Instance) (res ExecutionResult, err error) {
	ctx, span := s.startSpan(ctx, "workflow.RunScheduled", attribute.String("instance.id", listed.ID))
	defer func() { endSpan(span, err) }()

	if listed.Status != StatusScheduled {
		return ExecutionResult{}, &InvalidStateError{InstanceID: listed.ID, Status: listed.Status, Operation: "claim"}
	}
	started := s.now()
	def, err := s.definitionFor(ctx, listed)
	if err != nil {
		return ExecutionResult{}, err
	}
	inst := listed.Clone()
	ctx = WithActor(ctx, inst.CreatedBy)
	rec := newRecorder(&inst, s.now, inst.CreatedBy)
	rec.Record(RecordInstanceClaimed, nil, nil)
	s.begin(&inst, def, rec, "Started")
	claimed, err := s.instances.Update(ctx, inst, rec.Drain())
	if err != nil {
		return ExecutionResult{}, err
	}
	s.notify(ctx, claimed, StatusScheduled)
	return s.advance(ctx, def, claimed, started, runCurrent)
}

func (s *Service) GetInstance(ctx context.Context, id string) (Instance, error) {
	return s.instances.Get(ctx, id)
}

func (s *Service) GetHistory(ctx context.Context, id string) ([]ExecutionRecord, error) {
	return s.instances.History(ctx, id)
}

func (s *Service) QueryInstances(ctx context.Context, q InstanceQuery) (Page[InstanceSummary], error) {
	page, err := s.instances.Query(ctx, q)
	if err != nil {
		return Page[InstanceSummary]{}, err
	}
	out := Page[InstanceSummary]{Total: page.Total, Page: page.Page, PageSize: page.PageSize, Items: make([]InstanceSummary, 0, len(page.Items))}
	for _, inst := range page.Items {
		out.Items = append(out.Items, inst.Summary())
	}
	return out, nil
}

// mutate runs load, validate and apply against the latest revision and
// repeats it on conflict. fn reports whether it changed anything; a false
// return with no error is an idempotent no-op and nothing is written.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(inst *Instance, rec *Recorder) (bool, error)) (Instance, error) {
	var from Status
	operation := func() (Instance, error) {
		inst, err := s.instances.Get(ctx, id)
		if err != nil {
			return Instance{}, backoff.Permanent(err)
		}
		from = inst.Status
		rec := newRecorder(&inst, s.now, ActorFrom(ctx))
		changed, err := fn(&inst, rec)
		if err != nil {
			return Instance{}, backoff.Permanent(err)
		}
		if !changed {
			return inst, nil
		}
		stored, err := s.instances.Update(ctx, inst, rec.Drain())
		if err != nil {
			if errors.Is(err, ErrConflict) {
				s.logger.Debug("instance write conflict; reloading", zap.String("instance_id", id), zap.String("op", op))
				return Instance{}, err
			}
			return Instance{}, backoff.Permanent(err)
		}
		return stored, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	inst, err := backoff.Retry(ctx, operation, backoff.WithBackOff(b), backoff.WithMaxTries(s.conflictRetries))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Instance{}, fmt.Errorf("%s instance %s: %w: %w", op, id, ErrInvalidState, err)
		}
		return Instance{}, err
	}
	s.notify(ctx, inst, from)
	return inst, nil
}

// notify tells observers about a status change; from == inst.Status is ignored.
func (s *Service) notify(ctx context.Context, inst Instance, from Status) {
	if from == inst.Status || len(s.observers) == 0 {
		return
	}
	ev := newTransitionEvent(inst, from, s.now())
	for _, o := range s.observers {
		o.Observe(ctx, ev)
	}
}

func (s *Service) result(inst Instance, started time.Time, executed int) ExecutionResult {
	res := ExecutionResult{
		InstanceID:         inst.ID,
		Status:             inst.Status,
		Output:             inst.Output.Clone(),
		Duration:           s.now().Sub(started),
		ActivitiesExecuted: executed,
		IsCompleted:        inst.Status == StatusCompleted,
		IsRunning:          inst.Status == StatusRunning || inst.Status == StatusSuspended,
		Bookmarks:          append([]Bookmark(nil), inst.Bookmarks...),
	}
	if inst.Error != nil {
		e := *inst.Error
		res.Error = &e
	}
	return res
}

func reasonDetails(reason string) map[string]string {
	if reason == "" {
		return nil
	}
	return map[string]string{"reason": reason}
}
