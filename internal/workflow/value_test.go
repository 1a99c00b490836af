package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_FromJSON(t *testing.T) {
	var vs Values
	require.NoError(t, json.Unmarshal([]byte(`{"n": 3, "s": "x", "b": true, "z": null, "l": [1, "a"], "m": {"k": 1.5}}`), &vs))

	assert.Equal(t, KindNumber, vs["n"].Kind())
	assert.True(t, vs["n"].IsInteger())
	assert.Equal(t, "x", vs["s"].Str())
	assert.True(t, vs["b"].Truth())
	assert.True(t, vs["z"].IsNull())
	assert.Len(t, vs["l"].Items(), 2)
	assert.True(t, vs["m"].Entries()["k"].Equal(Number(1.5)))
	assert.False(t, vs["m"].Entries()["k"].IsInteger())
}

func TestValue_FromYAML(t *testing.T) {
	var v Value
	require.NoError(t, yaml.Unmarshal([]byte("a: 1\nb: [true, null]\n"), &v))
	want := Map(map[string]Value{"a": Int(1), "b": List(Bool(true), Null())})
	assert.True(t, v.Equal(want), "got %s", v)
}

func TestValue_EqualIsStructural(t *testing.T) {
	a := MustValue(map[string]any{"x": []any{1, "two"}})
	b := MustValue(map[string]any{"x": []any{1.0, "two"}})
	c := MustValue(map[string]any{"x": []any{1, "three"}})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, String("1").Equal(Int(1)))
	assert.True(t, Null().Equal(Value{}))
}

func TestValues_CloneIsDeep(t *testing.T) {
	orig := Values{"m": Map(map[string]Value{"k": String("v")})}
	cp := orig.Clone()
	cp["m"].Entries()["k"] = String("changed")
	assert.Equal(t, "v", orig["m"].Entries()["k"].Str())
}

func TestValues_Merge(t *testing.T) {
	vs := Values{"a": Int(1), "b": Int(2)}
	vs.Merge(Values{"b": Int(3), "c": Int(4)})
	assert.Equal(t, []string{"a", "b", "c"}, vs.Keys())
	assert.True(t, vs["b"].Equal(Int(3)))
}

func TestValue_Unsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
	_, err = ValuesFrom(map[string]any{"bad": make(chan int)})
	assert.ErrorContains(t, err, "bad")
}
