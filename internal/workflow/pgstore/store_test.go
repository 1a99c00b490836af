//go:build integration

package pgstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ronappleton/flowengine/internal/workflow"
	"github.com/ronappleton/flowengine/internal/workflow/pgstore"
)

func setupStores(t *testing.T) (*pgstore.DefinitionStore, *pgstore.InstanceStore) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("flowengine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgstore.Open(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pgstore.Migrate(ctx, pool))
	require.NoError(t, pgstore.Migrate(ctx, pool), "migrations must be re-runnable")
	return pgstore.NewDefinitionStore(pool), pgstore.NewInstanceStore(pool)
}

func sampleDefinition(id string) workflow.Definition {
	return workflow.Definition{
		ID:   id,
		Name: "Order " + id,
		Tags: []string{"orders", "billing"},
		Graph: workflow.ActivityGraph{
			Start: "approve",
			Activities: []workflow.Activity{
				{ID: "approve", Kind: workflow.ActivityWait, Bookmark: "approved"},
				{ID: "done", Kind: workflow.ActivityFinish},
			},
			Transitions: []workflow.Transition{{From: "approve", To: "done"}},
		},
	}
}

func TestDefinitionStore_Lifecycle(t *testing.T) {
	store, _ := setupStores(t)
	ctx := context.Background()

	v1, err := store.SaveDraft(ctx, sampleDefinition("order"))
	require.NoError(t, err)
	v2, err := store.SaveDraft(ctx, sampleDefinition("order"))
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)

	_, err = store.Get(ctx, "order", nil)
	assert.True(t, errors.Is(err, workflow.ErrNotFound), "drafts are never the default")

	_, err = store.Publish(ctx, "order", 1)
	require.NoError(t, err)
	_, err = store.Publish(ctx, "order", 2)
	require.NoError(t, err)

	def, err := store.Get(ctx, "order", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Version)
	assert.Equal(t, "approve", def.Graph.Start)

	versions, err := store.GetVersions(ctx, "order")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.False(t, versions[1].IsPublished)

	err = store.DeleteVersion(ctx, "order", 2)
	assert.True(t, errors.Is(err, workflow.ErrValidation))
	require.NoError(t, store.DeleteVersion(ctx, "order", 1))

	page, err := store.List(ctx, workflow.DefinitionQuery{Tags: []string{"billing"}, Search: "ORDER"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = store.SetActive(ctx, "order", 2, false)
	require.NoError(t, err)
	_, err = store.Get(ctx, "order", nil)
	assert.True(t, errors.Is(err, workflow.ErrNotFound))
}

func TestInstanceStore_CompareAndSwap(t *testing.T) {
	_, store := setupStores(t)
	ctx := context.Background()

	now := time.Now().UTC()
	inst := workflow.Instance{
		ID:         "inst-1",
		WorkflowID: "order",
		Version:    1,
		Status:     workflow.StatusSuspended,
		Bookmarks:  []workflow.Bookmark{{Name: "approved", ActivityID: "approve", CreatedAt: now}},
		CreatedAt:  now,
	}
	created, err := store.Create(ctx, inst, []workflow.ExecutionRecord{
		{ID: "r1", Kind: workflow.RecordInstanceStarted, Timestamp: now},
		{ID: "r2", Kind: workflow.RecordBookmarkCreated, Timestamp: now},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Revision)

	page, err := store.Query(ctx, workflow.InstanceQuery{BookmarkName: "approved", Statuses: []workflow.Status{workflow.StatusSuspended}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := created.Clone()
			next.Status = workflow.StatusRunning
			next.Bookmarks = nil
			_, err := store.Update(ctx, next, []workflow.ExecutionRecord{{ID: "resume", Kind: workflow.RecordBookmarkResumed, Timestamp: time.Now().UTC()}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrConflict):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflict)

	history, err := store.History(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, history, 3, "the losing write must not leave history behind")
	for i, rec := range history {
		assert.EqualValues(t, i+1, rec.Sequence)
	}

	got, err := store.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Revision)
	assert.Equal(t, workflow.StatusRunning, got.Status)
}

func TestInstanceStore_ListDueOrdersByPriority(t *testing.T) {
	_, store := setupStores(t)
	ctx := context.Background()

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for _, inst := range []workflow.Instance{
		{ID: "low", Priority: 1, ScheduledStartTime: &past},
		{ID: "high", Priority: 9, ScheduledStartTime: &past},
		{ID: "later", Priority: 9, ScheduledStartTime: &future},
	} {
		inst.WorkflowID = "order"
		inst.Version = 1
		inst.Status = workflow.StatusScheduled
		inst.CreatedAt = now
		_, err := store.Create(ctx, inst, nil)
		require.NoError(t, err)
	}

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "high", due[0].ID)
	assert.Equal(t, "low", due[1].ID)

	n, err := store.CountByVersion(ctx, "order", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
