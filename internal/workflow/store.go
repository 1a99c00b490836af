package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefinitionStore persists versioned definitions. Implementations must be
// safe for concurrent use.
type DefinitionStore interface {
	// SaveDraft stores def as a new draft version (max existing + 1).
	SaveDraft(ctx context.Context, def Definition) (Definition, error)
	// Get returns an explicit version, or the default version when version is nil.
	Get(ctx context.Context, id string, version *int) (Definition, error)
	// GetVersions lists every version of id, newest first.
	GetVersions(ctx context.Context, id string) ([]DefinitionSummary, error)
	List(ctx context.Context, q DefinitionQuery) (Page[DefinitionSummary], error)
	// ListDefaults returns the default version of every definition.
	ListDefaults(ctx context.Context) ([]Definition, error)
	// Publish makes version the default and clears the flag on every other version.
	Publish(ctx context.Context, id string, version int) (Definition, error)
	Unpublish(ctx context.Context, id string, version int) (Definition, error)
	SetActive(ctx context.Context, id string, version int, active bool) (Definition, error)
	// DeleteVersion removes an unpublished version.
	DeleteVersion(ctx context.Context, id string, version int) error
}

// InstanceStore persists instances and their history. Every write carries the
// history records produced by the transition and commits both or neither.
type InstanceStore interface {
	// Create stores a new instance with Revision 1.
	Create(ctx context.Context, inst Instance, records []ExecutionRecord) (Instance, error)
	Get(ctx context.Context, id string) (Instance, error)
	// Update writes inst if the stored revision still equals inst.Revision and
	// returns the stored copy with the bumped revision. A mismatch returns ErrConflict.
	Update(ctx context.Context, inst Instance, records []ExecutionRecord) (Instance, error)
	Query(ctx context.Context, q InstanceQuery) (Page[Instance], error)
	// ListDue returns Scheduled instances whose start time is not after now,
	// highest priority first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Instance, error)
	// History returns records ordered by timestamp, then sequence.
	History(ctx context.Context, id string) ([]ExecutionRecord, error)
	CountByVersion(ctx context.Context, workflowID string, version int) (int, error)
}

type defKey struct {
	id      string
	version int
}

// MemoryDefinitionStore keeps definitions in process memory.
type MemoryDefinitionStore struct {
	mu          sync.RWMutex
	definitions map[defKey]Definition
	now         func() time.Time
}

func NewMemoryDefinitionStore() *MemoryDefinitionStore {
	return &MemoryDefinitionStore{
		definitions: map[defKey]Definition{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// MemoryInstanceStore keeps instances and history in process memory.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]Instance
	history   map[string][]ExecutionRecord
	now       func() time.Time
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: map[string]Instance{},
		history:   map[string][]ExecutionRecord{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryDefinitionStore) SaveDraft(_ context.Context, def Definition) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := 0
	for k := range s.definitions {
		if k.id == def.ID && k.version > latest {
			latest = k.version
		}
	}
	def.Version = latest + 1
	def.IsDraft = true
	def.IsPublished = false
	def.IsActive = true
	def.PublishedAt = nil
	def.Tags = normalizeTags(def.Tags)
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now()
	}
	s.definitions[defKey{def.ID, def.Version}] = def
	return def, nil
}

func (s *MemoryDefinitionStore) Get(_ context.Context, id string, version *int) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version != nil {
		def, ok := s.definitions[defKey{id, *version}]
		if !ok {
			return Definition{}, &NotFoundError{Resource: "workflow", ID: id, Version: *version}
		}
		return def, nil
	}
	for k, def := range s.definitions {
		if k.id == id && def.IsDefault() {
			return def, nil
		}
	}
	return Definition{}, &NotFoundError{Resource: "workflow", ID: id}
}

func (s *MemoryDefinitionStore) GetVersions(_ context.Context, id string) ([]DefinitionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DefinitionSummary
	for k, def := range s.definitions {
		if k.id == id {
			out = append(out, def.Summary())
		}
	}
	if len(out) == 0 {
		return nil, &NotFoundError{Resource: "workflow", ID: id}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *MemoryDefinitionStore) List(_ context.Context, q DefinitionQuery) (Page[DefinitionSummary], error) {
	s.mu.RLock()
	var matches []DefinitionSummary
	for _, def := range s.definitions {
		if matchDefinition(def, q) {
			matches = append(matches, def.Summary())
		}
	}
	s.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ID != matches[j].ID {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Version > matches[j].Version
	})
	return paginate(matches, q.Page, q.PageSize), nil
}

func matchDefinition(def Definition, q DefinitionQuery) bool {
	if q.Search != "" {
		term := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(def.Name), term) &&
			!strings.Contains(strings.ToLower(def.Description), term) &&
			!strings.Contains(strings.ToLower(def.ID), term) {
			return false
		}
	}
	if q.Category != "" && !strings.EqualFold(def.Category, q.Category) {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, tag := range def.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.TenantID != "" && def.TenantID != "" && def.TenantID != q.TenantID {
		return false
	}
	if q.IsDraft != nil && def.IsDraft != *q.IsDraft {
		return false
	}
	if q.IsPublished != nil && def.IsPublished != *q.IsPublished {
		return false
	}
	if q.IsActive != nil && def.IsActive != *q.IsActive {
		return false
	}
	return true
}

func (s *MemoryDefinitionStore) ListDefaults(_ context.Context) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Definition
	for _, def := range s.definitions {
		if def.IsDefault() {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryDefinitionStore) Publish(_ context.Context, id string, version int) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey{id, version}
	def, ok := s.definitions[key]
	if !ok {
		return Definition{}, &NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	for k, other := range s.definitions {
		if k.id == id && k.version != version && other.IsPublished {
			other.IsPublished = false
			s.definitions[k] = other
		}
	}
	def.IsDraft = false
	def.IsPublished = true
	def.IsActive = true
	if def.PublishedAt == nil {
		now := s.now()
		def.PublishedAt = &now
	}
	s.definitions[key] = def
	return def, nil
}

func (s *MemoryDefinitionStore) Unpublish(_ context.Context, id string, version int) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey{id, version}
	def, ok := s.definitions[key]
	if !ok {
		return Definition{}, &NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	def.IsPublished = false
	s.definitions[key] = def
	return def, nil
}

func (s *MemoryDefinitionStore) SetActive(_ context.Context, id string, version int, active bool) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey{id, version}
	def, ok := s.definitions[key]
	if !ok {
		return Definition{}, &NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	def.IsActive = active
	s.definitions[key] = def
	return def, nil
}

func (s *MemoryDefinitionStore) DeleteVersion(_ context.Context, id string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey{id, version}
	def, ok := s.definitions[key]
	if !ok {
		return &NotFoundError{Resource: "workflow", ID: id, Version: version}
	}
	if def.IsPublished {
		return &ValidationError{Field: "version", Reason: "published versions cannot be deleted"}
	}
	delete(s.definitions, key)
	return nil
}

func (s *MemoryInstanceStore) Create(_ context.Context, inst Instance, records []ExecutionRecord) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return Instance{}, ErrConflict
	}
	inst.Revision = 1
	inst.UpdatedAt = s.now()
	s.instances[inst.ID] = inst.Clone()
	s.appendHistoryLocked(inst.ID, records)
	return inst, nil
}

func (s *MemoryInstanceStore) Get(_ context.Context, id string) (Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return Instance{}, &NotFoundError{Resource: "instance", ID: id}
	}
	return inst.Clone(), nil
}

func (s *MemoryInstanceStore) Update(_ context.Context, inst Instance, records []ExecutionRecord) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[inst.ID]
	if !ok {
		return Instance{}, &NotFoundError{Resource: "instance", ID: inst.ID}
	}
	if stored.Revision != inst.Revision {
		return Instance{}, ErrConflict
	}
	inst.Revision++
	inst.UpdatedAt = s.now()
	s.instances[inst.ID] = inst.Clone()
	s.appendHistoryLocked(inst.ID, records)
	return inst, nil
}

func (s *MemoryInstanceStore) appendHistoryLocked(id string, records []ExecutionRecord) {
	seq := int64(len(s.history[id]))
	for _, rec := range records {
		seq++
		rec.Sequence = seq
		rec.InstanceID = id
		s.history[id] = append(s.history[id], rec)
	}
}

func (s *MemoryInstanceStore) Query(_ context.Context, q InstanceQuery) (Page[Instance], error) {
	s.mu.RLock()
	var matches []Instance
	for _, inst := range s.instances {
		if matchInstance(inst, q) {
			matches = append(matches, inst.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	return paginate(matches, q.Page, q.PageSize), nil
}

func matchInstance(inst Instance, q InstanceQuery) bool {
	if q.WorkflowID != "" && inst.WorkflowID != q.WorkflowID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, st := range q.Statuses {
			if inst.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.CorrelationID != "" && inst.CorrelationID != q.CorrelationID {
		return false
	}
	if q.TenantID != "" && inst.TenantID != q.TenantID {
		return false
	}
	if q.BookmarkName != "" {
		if _, ok := inst.Bookmark(q.BookmarkName); !ok {
			return false
		}
	}
	if q.CreatedAfter != nil && inst.CreatedAt.Before(*q.CreatedAfter) {
		return false
	}
	if q.CreatedBefore != nil && !inst.CreatedAt.Before(*q.CreatedBefore) {
		return false
	}
	return true
}

func (s *MemoryInstanceStore) ListDue(_ context.Context, now time.Time, limit int) ([]Instance, error) {
	s.mu.RLock()
	var due []Instance
	for _, inst := range s.instances {
		if inst.Status != StatusScheduled {
			continue
		}
		if inst.ScheduledStartTime != nil && inst.ScheduledStartTime.After(now) {
			continue
		}
		due = append(due, inst.Clone())
	}
	s.mu.RUnlock()
	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func sortDue(due []Instance) {
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		a, b := startOf(due[i]), startOf(due[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return due[i].ID < due[j].ID
	})
}

func startOf(inst Instance) time.Time {
	if inst.ScheduledStartTime != nil {
		return *inst.ScheduledStartTime
	}
	return inst.CreatedAt
}

func (s *MemoryInstanceStore) History(_ context.Context, id string) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.instances[id]; !ok {
		return nil, &NotFoundError{Resource: "instance", ID: id}
	}
	out := append([]ExecutionRecord(nil), s.history[id]...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *MemoryInstanceStore) CountByVersion(_ context.Context, workflowID string, version int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if inst.WorkflowID == workflowID && inst.Version == version {
			n++
		}
	}
	return n, nil
}
