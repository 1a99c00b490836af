package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// execution is one load→advance→persist cycle over a single instance.
type execution struct {
	s        *Service
	def      Definition
	inst     Instance
	rec      *Recorder
	executed int
	// committed is the status of the last successful write.
	committed Status
	// position of the last successful write, used to tell a foreign audit
	// write apart from another executor moving the instance.
	committedActivity string
	committedSteps    int
	committedAudit    int
}

// entry says what advance does with the current activity before stepping.
type entry int

const (
	// runCurrent executes the current activity.
	runCurrent entry = iota
	// completeCurrent completes the current activity (a consumed wait).
	completeCurrent
	// finishCurrent skips straight to output collection; the current
	// activity already completed.
	finishCurrent
)

// advance runs inst from its current activity until it leaves Running. The
// step loop runs detached from ctx cancellation so an aborted request cannot
// strand the instance in Running.
func (s *Service) advance(ctx context.Context, def Definition, inst Instance, started time.Time, how entry) (ExecutionResult, error) {
	ctx = context.WithoutCancel(ctx)
	x := &execution{s: s, def: def, inst: inst}
	x.markCommitted(inst)
	x.rec = newRecorder(&x.inst, s.now, ActorFrom(ctx))

	if how != runCurrent {
		act, ok := def.Graph.Activity(x.inst.CurrentActivityID)
		switch {
		case !ok:
			x.fault(nil, &ActivityError{Code: "activity_not_found", Message: "unknown activity " + x.inst.CurrentActivityID})
		case how == finishCurrent:
			x.finish(act)
		default:
			x.completeActivity(act, OutcomeDone)
		}
	}

	for x.inst.Status == StatusRunning {
		stop, err := x.checkpoint(ctx)
		if err != nil {
			return s.result(x.inst, started, x.executed), err
		}
		if stop || x.inst.Status != StatusRunning {
			break
		}
		if x.executed >= s.maxSteps {
			x.fault(nil, &ActivityError{Code: "step_limit_exceeded", Message: fmt.Sprintf("more than %d activities in one call", s.maxSteps)})
			break
		}
		act, ok := def.Graph.Activity(x.inst.CurrentActivityID)
		if !ok {
			x.fault(nil, &ActivityError{Code: "activity_not_found", Message: "unknown activity " + x.inst.CurrentActivityID})
			break
		}
		x.step(ctx, act)
	}
	if _, err := x.checkpoint(ctx); err != nil {
		return s.result(x.inst, started, x.executed), err
	}
	s.logger.Debug("instance advanced",
		zap.String("instance_id", x.inst.ID),
		zap.String("status", string(x.inst.Status)),
		zap.Int("activities", x.executed),
	)
	return s.result(x.inst, started, x.executed), nil
}

func (x *execution) step(ctx context.Context, act Activity) {
	x.resetActivityScope()
	x.rec.Record(RecordActivityStarted, &act, nil)
	res, err := x.s.engine.Execute(ctx, act, ActivityContext{
		InstanceID: x.inst.ID,
		WorkflowID: x.inst.WorkflowID,
		Version:    x.inst.Version,
		Activity:   act,
		Input:      x.inst.Input.Clone(),
		Variables:  x.inst.Variables.Clone(),
		Attempt:    1,
	})
	x.executed++
	if err != nil {
		x.fault(&act, err)
		return
	}
	if x.inst.Variables == nil {
		x.inst.Variables = Values{}
	}
	x.inst.Variables.Merge(res.Set)
	switch {
	case res.Bookmark != "":
		x.suspend(act, res.Bookmark)
	case res.Finish:
		x.inst.CompletedActivityIDs = append(x.inst.CompletedActivityIDs, act.ID)
		x.rec.Record(RecordActivityCompleted, &act, map[string]string{"outcome": OutcomeDone})
		x.finish(act)
	default:
		x.completeActivity(act, res.Outcome)
	}
}

// resetActivityScope restores activity-scoped variables to their defaults.
func (x *execution) resetActivityScope() {
	for _, decl := range x.def.Variables {
		if decl.Scope != ScopeActivity {
			continue
		}
		if x.inst.Variables == nil {
			x.inst.Variables = Values{}
		}
		if decl.DefaultValue != nil {
			x.inst.Variables[decl.Name] = decl.DefaultValue.Clone()
		} else {
			x.inst.Variables[decl.Name] = Null()
		}
	}
}

func (x *execution) completeActivity(act Activity, outcome string) {
	if outcome == "" {
		outcome = OutcomeDone
	}
	x.inst.CompletedActivityIDs = append(x.inst.CompletedActivityIDs, act.ID)
	x.rec.Record(RecordActivityCompleted, &act, map[string]string{"outcome": outcome})
	next, ok := x.def.Graph.Next(act.ID, outcome)
	if !ok {
		x.finish(act)
		return
	}
	x.inst.CurrentActivityID = next
}

func (x *execution) suspend(act Activity, name string) {
	ts := x.rec.Record(RecordBookmarkCreated, &act, map[string]string{"bookmark": name})
	x.inst.Bookmarks = append(x.inst.Bookmarks, Bookmark{Name: name, ActivityID: act.ID, CreatedAt: ts})
	x.inst.Status = StatusSuspended
	x.inst.CurrentActivityID = act.ID
	x.rec.Record(RecordInstanceSuspended, &act, map[string]string{"bookmark": name})
}

// finish completes the instance once the graph is exhausted at last.
func (x *execution) finish(last Activity) {
	out, err := collectOutput(x.def, x.inst.Variables)
	if err != nil {
		x.inst.CurrentActivityID = last.ID
		x.fault(&last, err)
		x.inst.Error.Stage = StageOutput
		return
	}
	ts := x.rec.Record(RecordInstanceCompleted, nil, nil)
	x.inst.Status = StatusCompleted
	x.inst.CurrentActivityID = ""
	x.inst.Output = out
	x.inst.CompletedAt = &ts
}

// collectOutput maps declared output parameters from variables, or returns
// every variable when none are declared.
func collectOutput(def Definition, vars Values) (Values, error) {
	if len(def.OutputParameters) == 0 {
		out := vars.Clone()
		if out == nil {
			out = Values{}
		}
		return out, nil
	}
	out := Values{}
	for _, p := range def.OutputParameters {
		v, ok := vars[p.Name]
		if !ok || v.IsNull() {
			if p.DefaultValue != nil {
				out[p.Name] = p.DefaultValue.Clone()
				continue
			}
			if p.IsRequired {
				return nil, &ActivityError{Code: "output_missing", Message: "required output " + p.Name + " was not produced"}
			}
			continue
		}
		out[p.Name] = v.Clone()
	}
	return out, nil
}

func (x *execution) fault(act *Activity, err error) {
	code, msg := "activity_failed", err.Error()
	var ae *ActivityError
	if errors.As(err, &ae) {
		code, msg = ae.Code, ae.Message
	}
	e := &InstanceError{Code: code, Message: msg, ActivityID: x.inst.CurrentActivityID}
	if act != nil {
		e.ActivityID = act.ID
		x.rec.Record(RecordActivityFaulted, act, map[string]string{"code": code, "message": msg})
	}
	x.rec.Record(RecordInstanceFaulted, nil, map[string]string{"code": code})
	x.inst.Status = StatusFaulted
	x.inst.Error = e
	x.inst.FaultCount++
	x.s.logger.Warn("instance faulted",
		zap.String("instance_id", x.inst.ID),
		zap.String("activity_id", e.ActivityID),
		zap.String("code", code),
		zap.String("message", msg),
	)
}

func (x *execution) markCommitted(stored Instance) {
	x.committed = stored.Status
	x.committedActivity = stored.CurrentActivityID
	x.committedSteps = len(stored.CompletedActivityIDs)
	x.committedAudit = len(stored.AuditEntries)
}

// checkpoint commits buffered progress. On a revision conflict it reloads:
// a terminal instance means someone else ended it and the loop stops; a
// cancel request is merged into the working copy and applied; any other
// write that left the instance where this execution last committed it (an
// ignored signal, say) is merged and the commit retried.
func (x *execution) checkpoint(ctx context.Context) (stop bool, err error) {
	if x.rec.Pending() == 0 {
		return false, nil
	}
	for attempt := uint(0); ; attempt++ {
		records := x.rec.Drain()
		stored, err := x.s.instances.Update(ctx, x.inst, records)
		if err == nil {
			from := x.committed
			x.inst = stored
			x.markCommitted(stored)
			x.s.notify(ctx, stored, from)
			return false, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= x.s.conflictRetries {
			x.rec.restore(records)
			return false, fmt.Errorf("checkpoint instance %s: %w", x.inst.ID, err)
		}
		fresh, gerr := x.s.instances.Get(ctx, x.inst.ID)
		if gerr != nil {
			return false, fmt.Errorf("reload instance %s: %w", x.inst.ID, gerr)
		}
		if fresh.Status.Terminal() {
			x.s.logger.Info("instance ended elsewhere; stopping",
				zap.String("instance_id", fresh.ID),
				zap.String("status", string(fresh.Status)),
			)
			x.inst = fresh
			x.markCommitted(fresh)
			return true, nil
		}
		if fresh.Status != StatusRunning ||
			fresh.CurrentActivityID != x.committedActivity ||
			len(fresh.CompletedActivityIDs) != x.committedSteps {
			return false, &InvalidStateError{InstanceID: fresh.ID, Status: fresh.Status, Operation: "checkpoint"}
		}
		x.rec.restore(records)
		local := append([]AuditEntry(nil), x.inst.AuditEntries[x.committedAudit:]...)
		x.inst.Revision = fresh.Revision
		x.inst.AuditEntries = append(append([]AuditEntry(nil), fresh.AuditEntries...), local...)
		x.committedAudit = len(fresh.AuditEntries)
		if fresh.LastRecordAt.After(x.inst.LastRecordAt) {
			x.inst.LastRecordAt = fresh.LastRecordAt
		}
		if !fresh.CancelRequested || x.inst.Status == StatusCancelled {
			continue
		}
		x.inst.CancelRequested = true
		x.inst.CancelReason = fresh.CancelReason
		x.inst.Error = nil
		applyCancel(&x.inst, x.rec)
		x.s.logger.Info("cancel observed at checkpoint",
			zap.String("instance_id", x.inst.ID),
			zap.Int("activities", x.executed),
		)
	}
}
