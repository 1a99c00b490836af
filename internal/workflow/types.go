package workflow

import (
	"sort"
	"time"
)

// Definition is one version of a workflow template.
type Definition struct {
	ID               string         `json:"id" yaml:"id"`
	Version          int            `json:"version" yaml:"version,omitempty"`
	Name             string         `json:"name" yaml:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty"`
	Category         string         `json:"category,omitempty" yaml:"category,omitempty"`
	Tags             []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	TenantID         string         `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	IsDraft          bool           `json:"is_draft" yaml:"-"`
	IsPublished      bool           `json:"is_published" yaml:"-"`
	IsActive         bool           `json:"is_active" yaml:"-"`
	InputParameters  []Parameter    `json:"input_parameters,omitempty" yaml:"input_parameters,omitempty"`
	OutputParameters []Parameter    `json:"output_parameters,omitempty" yaml:"output_parameters,omitempty"`
	Variables        []VariableDecl `json:"variables,omitempty" yaml:"variables,omitempty"`
	Triggers         []Trigger      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Graph            ActivityGraph  `json:"graph" yaml:"graph"`
	CreatedBy        string         `json:"created_by,omitempty" yaml:"-"`
	CreatedAt        time.Time      `json:"created_at" yaml:"-"`
	PublishedAt      *time.Time     `json:"published_at,omitempty" yaml:"-"`
}

// IsDefault reports whether callers that omit a version resolve to d.
func (d Definition) IsDefault() bool {
	return d.IsPublished && d.IsActive
}

// Parameter declares one input or output of a definition.
type Parameter struct {
	Name             string `json:"name" yaml:"name"`
	Type             string `json:"type,omitempty" yaml:"type,omitempty"`
	IsRequired       bool   `json:"is_required,omitempty" yaml:"required,omitempty"`
	DefaultValue     *Value `json:"default_value,omitempty" yaml:"default,omitempty"`
	ValidationSchema string `json:"validation_schema,omitempty" yaml:"schema,omitempty"`
}

type VariableScope string

const (
	ScopeWorkflow VariableScope = "Workflow"
	ScopeActivity VariableScope = "Activity"
)

// VariableDecl declares an instance-local variable.
type VariableDecl struct {
	Name         string        `json:"name" yaml:"name"`
	Type         string        `json:"type,omitempty" yaml:"type,omitempty"`
	DefaultValue *Value        `json:"default_value,omitempty" yaml:"default,omitempty"`
	Scope        VariableScope `json:"scope,omitempty" yaml:"scope,omitempty"`
}

type TriggerKind string

const (
	TriggerManual   TriggerKind = "Manual"
	TriggerSignal   TriggerKind = "Signal"
	TriggerEvent    TriggerKind = "Event"
	TriggerSchedule TriggerKind = "Schedule"
)

type Trigger struct {
	Name          string            `json:"name" yaml:"name"`
	Type          TriggerKind       `json:"type" yaml:"type"`
	IsEnabled     bool              `json:"is_enabled" yaml:"enabled"`
	Configuration map[string]string `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// Matches reports whether t is an enabled event trigger for eventName.
func (t Trigger) Matches(eventName string) bool {
	if t.Type != TriggerEvent || !t.IsEnabled {
		return false
	}
	if t.Name == eventName {
		return true
	}
	return t.Configuration["event"] == eventName && eventName != ""
}

type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusRunning    Status = "Running"
	StatusSuspended  Status = "Suspended"
	StatusFaulted    Status = "Faulted"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusTerminated Status = "Terminated"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusTerminated
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusSuspended, StatusFaulted,
		StatusCompleted, StatusCancelled, StatusTerminated:
		return true
	}
	return false
}

type Bookmark struct {
	Name       string    `json:"name"`
	ActivityID string    `json:"activity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    string            `json:"action"`
	UserID    string            `json:"user_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// InstanceError describes the fault that moved an instance to Faulted.
type InstanceError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ActivityID string `json:"activity_id,omitempty"`
	// Stage is StageOutput when the fault came from output collection after
	// ActivityID had already completed.
	Stage string `json:"stage,omitempty"`
}

const StageOutput = "output"

// Instance is the durable record of one workflow execution. Revision is the
// optimistic-concurrency token; stores bump it on every successful write.
type Instance struct {
	ID                   string            `json:"id"`
	WorkflowID           string            `json:"workflow_id"`
	Version              int               `json:"version"`
	Name                 string            `json:"name,omitempty"`
	TenantID             string            `json:"tenant_id,omitempty"`
	CreatedBy            string            `json:"created_by,omitempty"`
	Status               Status            `json:"status"`
	Priority             int               `json:"priority"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	CurrentActivityID    string            `json:"current_activity_id,omitempty"`
	CompletedActivityIDs []string          `json:"completed_activity_ids"`
	Input                Values            `json:"input,omitempty"`
	Output               Values            `json:"output,omitempty"`
	Variables            Values            `json:"variables,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	FaultCount           int               `json:"fault_count"`
	RetryCount           int               `json:"retry_count"`
	Error                *InstanceError    `json:"error,omitempty"`
	Bookmarks            []Bookmark        `json:"bookmarks,omitempty"`
	AuditEntries         []AuditEntry      `json:"audit_entries,omitempty"`
	CancelRequested      bool              `json:"cancel_requested,omitempty"`
	CancelReason         string            `json:"cancel_reason,omitempty"`
	Revision             int64             `json:"revision"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ScheduledStartTime   *time.Time        `json:"scheduled_start_time,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	// LastRecordAt is the timestamp of the newest history record; new records
	// never go below it.
	LastRecordAt time.Time `json:"last_record_at"`
}

// Clone returns a deep copy so working copies never alias stored state.
func (i Instance) Clone() Instance {
	out := i
	out.CompletedActivityIDs = append([]string(nil), i.CompletedActivityIDs...)
	out.Input = i.Input.Clone()
	out.Output = i.Output.Clone()
	out.Variables = i.Variables.Clone()
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	if i.Error != nil {
		e := *i.Error
		out.Error = &e
	}
	out.Bookmarks = append([]Bookmark(nil), i.Bookmarks...)
	out.AuditEntries = make([]AuditEntry, len(i.AuditEntries))
	for n, a := range i.AuditEntries {
		out.AuditEntries[n] = a
		if a.Details != nil {
			d := make(map[string]string, len(a.Details))
			for k, v := range a.Details {
				d[k] = v
			}
			out.AuditEntries[n].Details = d
		}
	}
	out.ScheduledStartTime = cloneTime(i.ScheduledStartTime)
	out.StartedAt = cloneTime(i.StartedAt)
	out.CompletedAt = cloneTime(i.CompletedAt)
	return out
}

func (i Instance) Bookmark(name string) (Bookmark, bool) {
	for _, b := range i.Bookmarks {
		if b.Name == name {
			return b, true
		}
	}
	return Bookmark{}, false
}

func (i *Instance) removeBookmark(name string) {
	kept := i.Bookmarks[:0]
	for _, b := range i.Bookmarks {
		if b.Name != name {
			kept = append(kept, b)
		}
	}
	i.Bookmarks = kept
}

func (i *Instance) audit(at time.Time, action, userID string, details map[string]string) {
	i.AuditEntries = append(i.AuditEntries, AuditEntry{
		Timestamp: at,
		Action:    action,
		UserID:    userID,
		Details:   details,
	})
}

// Summary drops the bulky parts of an instance for list endpoints.
func (i Instance) Summary() InstanceSummary {
	return InstanceSummary{
		ID:                i.ID,
		WorkflowID:        i.WorkflowID,
		Version:           i.Version,
		Name:              i.Name,
		TenantID:          i.TenantID,
		Status:            i.Status,
		Priority:          i.Priority,
		CorrelationID:     i.CorrelationID,
		CurrentActivityID: i.CurrentActivityID,
		FaultCount:        i.FaultCount,
		CreatedAt:         i.CreatedAt,
		StartedAt:         i.StartedAt,
		CompletedAt:       i.CompletedAt,
	}
}

type InstanceSummary struct {
	ID                string     `json:"id"`
	WorkflowID        string     `json:"workflow_id"`
	Version           int        `json:"version"`
	Name              string     `json:"name,omitempty"`
	TenantID          string     `json:"tenant_id,omitempty"`
	Status            Status     `json:"status"`
	Priority          int        `json:"priority"`
	CorrelationID     string     `json:"correlation_id,omitempty"`
	CurrentActivityID string     `json:"current_activity_id,omitempty"`
	FaultCount        int        `json:"fault_count"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type RecordKind string

const (
	RecordInstanceScheduled  RecordKind = "InstanceScheduled"
	RecordInstanceStarted    RecordKind = "InstanceStarted"
	RecordInstanceClaimed    RecordKind = "InstanceClaimed"
	RecordActivityStarted    RecordKind = "ActivityStarted"
	RecordActivityCompleted  RecordKind = "ActivityCompleted"
	RecordActivityFaulted    RecordKind = "ActivityFaulted"
	RecordBookmarkCreated    RecordKind = "BookmarkCreated"
	RecordBookmarkResumed    RecordKind = "BookmarkResumed"
	RecordSignalReceived     RecordKind = "SignalReceived"
	RecordSignalIgnored      RecordKind = "SignalIgnored"
	RecordCancelRequested    RecordKind = "CancelRequested"
	RecordInstanceCancelled  RecordKind = "InstanceCancelled"
	RecordInstanceTerminated RecordKind = "InstanceTerminated"
	RecordInstanceRetried    RecordKind = "InstanceRetried"
	RecordInstanceSuspended  RecordKind = "InstanceSuspended"
	RecordInstanceCompleted  RecordKind = "InstanceCompleted"
	RecordInstanceFaulted    RecordKind = "InstanceFaulted"
)

// ExecutionRecord is one immutable history entry.
type ExecutionRecord struct {
	ID           string            `json:"id"`
	InstanceID   string            `json:"instance_id"`
	Sequence     int64             `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         RecordKind        `json:"kind"`
	ActivityID   string            `json:"activity_id,omitempty"`
	ActivityKind ActivityKind      `json:"activity_kind,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// StartOptions carries caller context for Start.
type StartOptions struct {
	TenantID           string
	UserID             string
	Name               string
	Priority           int
	CorrelationID      string
	ScheduledStartTime *time.Time
	Version            *int
	Metadata           map[string]string
}

// ExecutionResult reports the state an operation left the instance in.
type ExecutionResult struct {
	InstanceID         string         `json:"instance_id"`
	Status             Status         `json:"status"`
	Output             Values         `json:"output,omitempty"`
	Duration           time.Duration  `json:"duration"`
	ActivitiesExecuted int            `json:"activities_executed"`
	IsCompleted        bool           `json:"is_completed"`
	IsRunning          bool           `json:"is_running"`
	Error              *InstanceError `json:"error,omitempty"`
	Bookmarks          []Bookmark     `json:"bookmarks,omitempty"`
}

// DefinitionQuery filters List. Zero values mean "any".
type DefinitionQuery struct {
	Search      string
	Category    string
	Tags        []string
	TenantID    string
	IsDraft     *bool
	IsPublished *bool
	IsActive    *bool
	Page        int
	PageSize    int
}

// InstanceQuery filters QueryInstances. Zero values mean "any".
type InstanceQuery struct {
	WorkflowID    string
	Statuses      []Status
	CorrelationID string
	TenantID      string
	BookmarkName  string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	PageSize      int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Page is one slice of a paginated listing. Page numbers start at 1.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func paginate[T any](items []T, page, size int) Page[T] {
	page, size = normalizePage(page, size)
	start := (page - 1) * size
	out := Page[T]{Total: len(items), Page: page, PageSize: size, Items: []T{}}
	if start >= len(items) {
		return out
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out.Items = append(out.Items, items[start:end]...)
	return out
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
