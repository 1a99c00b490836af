package workflow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateDefinition checks a definition before it is stored.
func ValidateDefinition(def Definition) error {
	if strings.TrimSpace(def.ID) == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(def.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if err := def.Graph.Validate(); err != nil {
		return &ValidationError{Field: "graph", Reason: err.Error()}
	}
	for _, group := range []struct {
		field  string
		params []Parameter
	}{{"input_parameters", def.InputParameters}, {"output_parameters", def.OutputParameters}} {
		seen := map[string]struct{}{}
		for _, p := range group.params {
			field := group.field + "." + p.Name
			if p.Name == "" {
				return &ValidationError{Field: group.field, Reason: "parameter without name"}
			}
			if _, dup := seen[p.Name]; dup {
				return &ValidationError{Field: field, Reason: "duplicate parameter"}
			}
			seen[p.Name] = struct{}{}
			if !knownType(p.Type) {
				return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown type %q", p.Type)}
			}
			if p.DefaultValue != nil && !typeMatches(p.Type, *p.DefaultValue) {
				return &ValidationError{Field: field, Reason: "default does not match type " + p.Type}
			}
			if p.ValidationSchema != "" {
				if _, err := compileSchema(field, p.ValidationSchema); err != nil {
					return &ValidationError{Field: field, Reason: "invalid schema: " + err.Error()}
				}
			}
		}
	}
	for _, v := range def.Variables {
		field := "variables." + v.Name
		if v.Name == "" {
			return &ValidationError{Field: "variables", Reason: "variable without name"}
		}
		if v.Scope != "" && v.Scope != ScopeWorkflow && v.Scope != ScopeActivity {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown scope %q", v.Scope)}
		}
		if !knownType(v.Type) {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("unknown type %q", v.Type)}
		}
		if v.DefaultValue != nil && !typeMatches(v.Type, *v.DefaultValue) {
			return &ValidationError{Field: field, Reason: "default does not match type " + v.Type}
		}
	}
	for _, t := range def.Triggers {
		switch t.Type {
		case TriggerManual, TriggerSignal, TriggerEvent, TriggerSchedule:
		default:
			return &ValidationError{Field: "triggers." + t.Name, Reason: fmt.Sprintf("unknown trigger type %q", t.Type)}
		}
		if t.Type == TriggerEvent && t.Name == "" && t.Configuration["event"] == "" {
			return &ValidationError{Field: "triggers", Reason: "event trigger needs a name or configuration.event"}
		}
	}
	return nil
}

func knownType(t string) bool {
	switch t {
	case "", "any", "string", "number", "integer", "boolean", "array", "object":
		return true
	}
	return false
}

func typeMatches(t string, v Value) bool {
	switch t {
	case "", "any":
		return true
	case "string":
		return v.Kind() == KindString
	case "number":
		return v.Kind() == KindNumber
	case "integer":
		return v.IsInteger()
	case "boolean":
		return v.Kind() == KindBool
	case "array":
		return v.Kind() == KindList
	case "object":
		return v.Kind() == KindMap
	}
	return false
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	return jsonschema.CompileString("flowengine://schemas/"+url.PathEscape(name)+".json", schema)
}

// inputValidator checks start input against InputParameters. Compiled schemas
// are cached per definition version; published graphs and contracts are immutable.
type inputValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newInputValidator() *inputValidator {
	return &inputValidator{compiled: map[string]*jsonschema.Schema{}}
}

// Apply returns input with declared defaults filled in, or a ValidationError.
// Keys that are not declared pass through untouched.
func (v *inputValidator) Apply(def Definition, input Values) (Values, error) {
	out := input.Clone()
	if out == nil {
		out = Values{}
	}
	for _, p := range def.InputParameters {
		field := "input." + p.Name
		val, ok := out[p.Name]
		if !ok || val.IsNull() {
			if p.DefaultValue != nil {
				out[p.Name] = p.DefaultValue.Clone()
				continue
			}
			if p.IsRequired {
				return nil, &ValidationError{Field: field, Reason: "required"}
			}
			continue
		}
		if !typeMatches(p.Type, val) {
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected %s, got %s", p.Type, val.Kind())}
		}
		if p.ValidationSchema == "" {
			continue
		}
		schema, err := v.schema(def, p)
		if err != nil {
			return nil, &ValidationError{Field: field, Reason: "invalid schema: " + err.Error()}
		}
		if err := schema.Validate(val.Interface()); err != nil {
			return nil, &ValidationError{Field: field, Reason: err.Error()}
		}
	}
	return out, nil
}

func (v *inputValidator) schema(def Definition, p Parameter) (*jsonschema.Schema, error) {
	// CreatedAt distinguishes a version number reused after DeleteVersion.
	key := def.ID + "@" + strconv.Itoa(def.Version) + "@" + strconv.FormatInt(def.CreatedAt.UnixNano(), 10) + "/" + p.Name
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}
	s, err := compileSchema(def.ID+"/"+strconv.Itoa(def.Version)+"/"+p.Name, p.ValidationSchema)
	if err != nil {
		return nil, err
	}
	v.compiled[key] = s
	return s, nil
}
