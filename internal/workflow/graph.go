package workflow

import "fmt"

// ActivityKind is the closed set of activities the engine can execute.
type ActivityKind string

const (
	ActivitySetVariables ActivityKind = "set_variables"
	ActivityCondition    ActivityKind = "condition"
	ActivityWait         ActivityKind = "wait"
	ActivityTask         ActivityKind = "task"
	ActivityHTTP         ActivityKind = "http"
	ActivityFail         ActivityKind = "fail"
	ActivityFinish       ActivityKind = "finish"
)

func (k ActivityKind) Valid() bool {
	switch k {
	case ActivitySetVariables, ActivityCondition, ActivityWait, ActivityTask,
		ActivityHTTP, ActivityFail, ActivityFinish:
		return true
	}
	return false
}

const (
	OutcomeDone  = "done"
	OutcomeTrue  = "true"
	OutcomeFalse = "false"
)

// ActivityGraph is the executable part of a definition. Activities are nodes,
// transitions are edges labelled with the outcome that selects them.
type ActivityGraph struct {
	Start       string       `json:"start" yaml:"start"`
	Activities  []Activity   `json:"activities" yaml:"activities"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Activity is one node. Only the fields relevant to Kind are read.
type Activity struct {
	ID   string       `json:"id" yaml:"id"`
	Kind ActivityKind `json:"kind" yaml:"kind"`
	Name string       `json:"name,omitempty" yaml:"name,omitempty"`

	// set_variables
	Set Values `json:"set,omitempty" yaml:"set,omitempty"`
	// condition
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	// wait
	Bookmark string `json:"bookmark,omitempty" yaml:"bookmark,omitempty"`
	// task
	Handler string `json:"handler,omitempty" yaml:"handler,omitempty"`
	// http
	HTTP *HTTPCall `json:"http,omitempty" yaml:"http,omitempty"`
	// fail
	Fault *FaultSpec `json:"fault,omitempty" yaml:"fault,omitempty"`

	Retry RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// Condition compares one variable. Exactly one of Equals, NotEquals or Exists applies.
type Condition struct {
	Variable  string `json:"variable" yaml:"variable"`
	Equals    *Value `json:"equals,omitempty" yaml:"equals,omitempty"`
	NotEquals *Value `json:"not_equals,omitempty" yaml:"not_equals,omitempty"`
	Exists    bool   `json:"exists,omitempty" yaml:"exists,omitempty"`
}

type HTTPCall struct {
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    *Value            `json:"body,omitempty" yaml:"body,omitempty"`
	// ResultVariable receives the decoded response body when set.
	ResultVariable string `json:"result_variable,omitempty" yaml:"result_variable,omitempty"`
}

type FaultSpec struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// RetryPolicy retries task and http activities within one call before the
// failure becomes a fault.
type RetryPolicy struct {
	Max       int `json:"max,omitempty" yaml:"max,omitempty"`
	BackoffMs int `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
}

type Transition struct {
	From    string `json:"from" yaml:"from"`
	To      string `json:"to" yaml:"to"`
	Outcome string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

func (g ActivityGraph) Activity(id string) (Activity, bool) {
	for _, a := range g.Activities {
		if a.ID == id {
			return a, true
		}
	}
	return Activity{}, false
}

// Next returns the activity that follows from on the given outcome. An empty
// transition outcome matches "done". ok is false when the graph is exhausted.
func (g ActivityGraph) Next(from, outcome string) (string, bool) {
	if outcome == "" {
		outcome = OutcomeDone
	}
	for _, t := range g.Transitions {
		if t.From != from {
			continue
		}
		want := t.Outcome
		if want == "" {
			want = OutcomeDone
		}
		if want == outcome {
			return t.To, true
		}
	}
	return "", false
}

// Validate checks graph integrity: a known start, unique ids, valid kinds with
// their required fields, and transitions between known activities.
func (g ActivityGraph) Validate() error {
	if len(g.Activities) == 0 {
		return fmt.Errorf("graph has no activities")
	}
	ids := make(map[string]struct{}, len(g.Activities))
	bookmarks := map[string]string{}
	for _, a := range g.Activities {
		if a.ID == "" {
			return fmt.Errorf("activity without id")
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("duplicate activity id %q", a.ID)
		}
		ids[a.ID] = struct{}{}
		if err := a.validate(); err != nil {
			return fmt.Errorf("activity %q: %w", a.ID, err)
		}
		if a.Kind == ActivityWait {
			if other, dup := bookmarks[a.Bookmark]; dup {
				return fmt.Errorf("bookmark %q used by %q and %q", a.Bookmark, other, a.ID)
			}
			bookmarks[a.Bookmark] = a.ID
		}
	}
	if _, ok := ids[g.Start]; !ok {
		return fmt.Errorf("start activity %q not found", g.Start)
	}
	type edge struct{ from, outcome string }
	seen := map[edge]struct{}{}
	for _, t := range g.Transitions {
		if _, ok := ids[t.From]; !ok {
			return fmt.Errorf("transition from unknown activity %q", t.From)
		}
		if _, ok := ids[t.To]; !ok {
			return fmt.Errorf("transition to unknown activity %q", t.To)
		}
		outcome := t.Outcome
		if outcome == "" {
			outcome = OutcomeDone
		}
		key := edge{t.From, outcome}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("activity %q has two transitions for outcome %q", t.From, outcome)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func (a Activity) validate() error {
	switch a.Kind {
	case ActivitySetVariables:
		if len(a.Set) == 0 {
			return fmt.Errorf("set_variables requires set")
		}
	case ActivityCondition:
		if a.Condition == nil || a.Condition.Variable == "" {
			return fmt.Errorf("condition requires condition.variable")
		}
	case ActivityWait:
		if a.Bookmark == "" {
			return fmt.Errorf("wait requires bookmark")
		}
	case ActivityTask:
		if a.Handler == "" {
			return fmt.Errorf("task requires handler")
		}
	case ActivityHTTP:
		if a.HTTP == nil || a.HTTP.URL == "" {
			return fmt.Errorf("http requires http.url")
		}
	case ActivityFail:
		if a.Fault == nil || a.Fault.Code == "" {
			return fmt.Errorf("fail requires fault.code")
		}
	case ActivityFinish:
	default:
		return fmt.Errorf("unknown kind %q", a.Kind)
	}
	if a.Retry.Max < 0 || a.Retry.BackoffMs < 0 {
		return fmt.Errorf("retry values must not be negative")
	}
	return nil
}
