package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityGraph_Next(t *testing.T) {
	g := ActivityGraph{
		Start: "check",
		Activities: []Activity{
			{ID: "check", Kind: ActivityCondition, Condition: &Condition{Variable: "ok"}},
			{ID: "yes", Kind: ActivityFinish},
			{ID: "no", Kind: ActivityFinish},
		},
		Transitions: []Transition{
			{From: "check", To: "yes", Outcome: OutcomeTrue},
			{From: "check", To: "no", Outcome: OutcomeFalse},
			{From: "yes", To: "no"},
		},
	}
	require.NoError(t, g.Validate())

	next, ok := g.Next("check", OutcomeFalse)
	assert.True(t, ok)
	assert.Equal(t, "no", next)

	next, ok = g.Next("yes", "")
	assert.True(t, ok)
	assert.Equal(t, "no", next)

	_, ok = g.Next("no", OutcomeDone)
	assert.False(t, ok)
}

func TestActivityGraph_Validate(t *testing.T) {
	finish := Activity{ID: "end", Kind: ActivityFinish}
	cases := map[string]ActivityGraph{
		"empty":            {Start: "end"},
		"unknown start":    {Start: "nope", Activities: []Activity{finish}},
		"duplicate id":     {Start: "end", Activities: []Activity{finish, finish}},
		"unknown kind":     {Start: "x", Activities: []Activity{{ID: "x", Kind: "script"}}},
		"wait no bookmark": {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivityWait}}},
		"task no handler":  {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivityTask}}},
		"http no url":      {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivityHTTP, HTTP: &HTTPCall{}}}},
		"fail no code":     {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivityFail, Fault: &FaultSpec{}}}},
		"empty set":        {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivitySetVariables}}},
		"negative retry":   {Start: "x", Activities: []Activity{{ID: "x", Kind: ActivityTask, Handler: "h", Retry: RetryPolicy{Max: -1}}}},
		"dangling edge":    {Start: "end", Activities: []Activity{finish}, Transitions: []Transition{{From: "end", To: "ghost"}}},
		"ambiguous edge": {
			Start:       "a",
			Activities:  []Activity{{ID: "a", Kind: ActivityTask, Handler: "h"}, finish, {ID: "b", Kind: ActivityFinish}},
			Transitions: []Transition{{From: "a", To: "end"}, {From: "a", To: "b", Outcome: OutcomeDone}},
		},
		"shared bookmark": {
			Start: "a",
			Activities: []Activity{
				{ID: "a", Kind: ActivityWait, Bookmark: "go"},
				{ID: "b", Kind: ActivityWait, Bookmark: "go"},
			},
		},
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, g.Validate())
		})
	}
}

func TestValidateDefinition(t *testing.T) {
	valid := linearDefinition("ok")
	require.NoError(t, ValidateDefinition(valid))

	noName := valid
	noName.Name = " "
	assert.ErrorIs(t, ValidateDefinition(noName), ErrValidation)

	badDefault := valid
	badDefault.InputParameters = []Parameter{{Name: "n", Type: "integer", DefaultValue: ptr(Number(1.5))}}
	assert.ErrorIs(t, ValidateDefinition(badDefault), ErrValidation)

	badSchema := valid
	badSchema.InputParameters = []Parameter{{Name: "n", ValidationSchema: `{"type": 12}`}}
	assert.ErrorIs(t, ValidateDefinition(badSchema), ErrValidation)

	dupParam := valid
	dupParam.OutputParameters = []Parameter{{Name: "a"}, {Name: "a"}}
	assert.ErrorIs(t, ValidateDefinition(dupParam), ErrValidation)

	badScope := valid
	badScope.Variables = []VariableDecl{{Name: "v", Scope: "Global"}}
	assert.ErrorIs(t, ValidateDefinition(badScope), ErrValidation)

	anonymousEvent := valid
	anonymousEvent.Triggers = []Trigger{{Type: TriggerEvent, IsEnabled: true}}
	assert.ErrorIs(t, ValidateDefinition(anonymousEvent), ErrValidation)

	var ve *ValidationError
	require.ErrorAs(t, ValidateDefinition(badScope), &ve)
	assert.Equal(t, "variables.v", ve.Field)
}

func TestTriggerMatches(t *testing.T) {
	assert.True(t, Trigger{Name: "order.created", Type: TriggerEvent, IsEnabled: true}.Matches("order.created"))
	assert.True(t, Trigger{Name: "intake", Type: TriggerEvent, IsEnabled: true, Configuration: map[string]string{"event": "order.created"}}.Matches("order.created"))
	assert.False(t, Trigger{Name: "order.created", Type: TriggerEvent}.Matches("order.created"))
	assert.False(t, Trigger{Name: "order.created", Type: TriggerSignal, IsEnabled: true}.Matches("order.created"))
	assert.False(t, Trigger{Name: "intake", Type: TriggerEvent, IsEnabled: true}.Matches(""))
}

func TestInputValidator_PassesUndeclaredKeys(t *testing.T) {
	v := newInputValidator()
	def := linearDefinition("x")
	def.InputParameters = []Parameter{{Name: "limit", Type: "integer", DefaultValue: ptr(Int(10))}}

	out, err := v.Apply(def, Values{"extra": String("kept")})
	require.NoError(t, err)
	assert.True(t, out["limit"].Equal(Int(10)))
	assert.True(t, out["extra"].Equal(String("kept")))

	_, err = v.Apply(def, Values{"limit": Number(2.5)})
	assert.ErrorIs(t, err, ErrValidation)
}
