package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDefinitionStore_Versions(t *testing.T) {
	s := NewMemoryDefinitionStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		def := linearDefinition("invoice")
		def.Tags = []string{"b", "a", "a"}
		saved, err := s.SaveDraft(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, i+1, saved.Version)
		assert.True(t, saved.IsDraft)
		assert.Equal(t, []string{"a", "b"}, saved.Tags)
	}

	_, err := s.Get(ctx, "invoice", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Publish(ctx, "invoice", 2)
	require.NoError(t, err)
	_, err = s.Publish(ctx, "invoice", 3)
	require.NoError(t, err)

	def, err := s.Get(ctx, "invoice", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, def.Version)
	two := 2
	old, err := s.Get(ctx, "invoice", &two)
	require.NoError(t, err)
	assert.False(t, old.IsPublished, "only one version is published at a time")

	_, err = s.Unpublish(ctx, "invoice", 3)
	require.NoError(t, err)
	_, err = s.Get(ctx, "invoice", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	defaults, err := s.ListDefaults(ctx)
	require.NoError(t, err)
	assert.Empty(t, defaults)
}

func TestMemoryDefinitionStore_List(t *testing.T) {
	s := NewMemoryDefinitionStore()
	ctx := context.Background()
	for _, id := range []string{"alpha", "beta", "gamma"} {
		def := linearDefinition(id)
		def.Category = "ops"
		_, err := s.SaveDraft(ctx, def)
		require.NoError(t, err)
	}
	_, err := s.Publish(ctx, "beta", 1)
	require.NoError(t, err)

	published := true
	page, err := s.List(ctx, DefinitionQuery{IsPublished: &published})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "beta", page.Items[0].ID)

	page, err = s.List(ctx, DefinitionQuery{Category: "OPS", PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "gamma", page.Items[0].ID)

	page, err = s.List(ctx, DefinitionQuery{Search: "linear al"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = s.List(ctx, DefinitionQuery{Page: 9})
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestMemoryInstanceStore_RevisionCheck(t *testing.T) {
	s := NewMemoryInstanceStore()
	ctx := context.Background()

	created, err := s.Create(ctx, Instance{ID: "i-1", WorkflowID: "w", Version: 1, Status: StatusRunning}, []ExecutionRecord{{Kind: RecordInstanceStarted}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Revision)

	_, err = s.Create(ctx, Instance{ID: "i-1"}, nil)
	assert.ErrorIs(t, err, ErrConflict)

	next := created.Clone()
	next.Status = StatusCompleted
	stored, err := s.Update(ctx, next, []ExecutionRecord{{Kind: RecordInstanceCompleted}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, stored.Revision)

	_, err = s.Update(ctx, next, []ExecutionRecord{{Kind: RecordInstanceFaulted}})
	assert.ErrorIs(t, err, ErrConflict)

	history, err := s.History(ctx, "i-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.EqualValues(t, 2, history[1].Sequence)
	assert.Equal(t, "i-1", history[1].InstanceID)

	_, err = s.Update(ctx, Instance{ID: "ghost"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.History(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInstanceStore_GetReturnsCopies(t *testing.T) {
	s := NewMemoryInstanceStore()
	ctx := context.Background()
	_, err := s.Create(ctx, Instance{ID: "i-1", Variables: Values{"a": Int(1)}}, nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	got.Variables["a"] = Int(2)

	again, err := s.Get(ctx, "i-1")
	require.NoError(t, err)
	assert.True(t, again.Variables["a"].Equal(Int(1)))
}

func TestMemoryInstanceStore_ListDue(t *testing.T) {
	s := NewMemoryInstanceStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	early, late := now.Add(-time.Hour), now.Add(time.Hour)
	for _, inst := range []Instance{
		{ID: "a", Status: StatusScheduled, Priority: 1, ScheduledStartTime: &early},
		{ID: "b", Status: StatusScheduled, Priority: 5, ScheduledStartTime: &early},
		{ID: "c", Status: StatusScheduled, Priority: 9, ScheduledStartTime: &late},
		{ID: "d", Status: StatusRunning, Priority: 9, ScheduledStartTime: &early},
	} {
		_, err := s.Create(ctx, inst, nil)
		require.NoError(t, err)
	}

	due, err := s.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].ID)
	assert.Equal(t, "a", due[1].ID)

	due, err = s.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
