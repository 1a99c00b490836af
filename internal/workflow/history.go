package workflow

import "time"

// Recorder buffers the history records of one transition so the store can
// commit them together with the instance write. Timestamps are clamped to the
// instance watermark so history never goes backwards, even across processes
// with skewed clocks.
type Recorder struct {
	inst    *Instance
	now     func() time.Time
	userID  string
	pending []ExecutionRecord
}

func newRecorder(inst *Instance, now func() time.Time, userID string) *Recorder {
	return &Recorder{inst: inst, now: now, userID: userID}
}

// Record appends one record and returns its timestamp.
func (r *Recorder) Record(kind RecordKind, act *Activity, details map[string]string) time.Time {
	ts := r.now()
	if ts.Before(r.inst.LastRecordAt) {
		ts = r.inst.LastRecordAt
	}
	r.inst.LastRecordAt = ts
	rec := ExecutionRecord{
		ID:         newID("rec"),
		InstanceID: r.inst.ID,
		Timestamp:  ts,
		Kind:       kind,
		UserID:     r.userID,
		Details:    details,
	}
	if act != nil {
		rec.ActivityID = act.ID
		rec.ActivityKind = act.Kind
	}
	r.pending = append(r.pending, rec)
	return ts
}

func (r *Recorder) Pending() int { return len(r.pending) }

// Drain hands the buffered records to a commit and empties the buffer.
func (r *Recorder) Drain() []ExecutionRecord {
	out := r.pending
	r.pending = nil
	return out
}

// restore puts records from a failed commit back in front of the buffer.
func (r *Recorder) restore(records []ExecutionRecord) {
	r.pending = append(append([]ExecutionRecord(nil), records...), r.pending...)
}
