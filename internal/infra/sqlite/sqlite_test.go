package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/devpilot/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, DBFile))
	assert.NoError(t, err, "%s should exist", DBFile)
	assert.NoError(t, db.Ping())
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	store := NewTaskStore(db)
	_, err = store.Create(context.Background(), domain.Task{ID: "keep", Type: domain.TaskAudit})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()
	got, err := NewTaskStore(db2).Get(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAudit, got.Type)
}

// ─── Task Store ─────────────────────────────────────────────────────────────

func TestTaskStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))

	created, err := store.Create(ctx, domain.Task{
		Type:        domain.TaskCodeReview,
		Repo:        "acme/widgets",
		Description: "review main",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.TaskQueued, created.Status)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", got.Repo)
	assert.Equal(t, []string{}, got.Progress)
	assert.Nil(t, got.Result)
	assert.True(t, got.UpdatedAt.Equal(created.UpdatedAt))
}

func TestTaskStore_CreateDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))

	_, err := store.Create(ctx, domain.Task{ID: "dup", Type: domain.TaskAudit})
	require.NoError(t, err)
	_, err = store.Create(ctx, domain.Task{ID: "dup", Type: domain.TaskAudit})
	assert.ErrorIs(t, err, domain.ErrTaskExists)
}

func TestTaskStore_GetMissing(t *testing.T) {
	_, err := NewTaskStore(newTestDB(t)).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskStore_UpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))
	created, err := store.Create(ctx, domain.Task{ID: "t1", Type: domain.TaskIssueSolver})
	require.NoError(t, err)

	running, err := store.Update(ctx, "t1", domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskRunning),
		Progress: []string{"Agent is analyzing the issue..."},
	})
	require.NoError(t, err)
	assert.True(t, running.UpdatedAt.After(created.UpdatedAt))

	_, err = store.Update(ctx, "t1", domain.TaskPatch{
		PRURL:  "https://github.com/acme/widgets/pull/7",
		Branch: "fix/issue-7",
	})
	require.NoError(t, err)

	done, err := store.Update(ctx, "t1", domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskCompleted),
		Progress: []string{"Completed"},
		Result:   &domain.TaskResult{Summary: "fixed", PRURL: "https://github.com/acme/widgets/pull/7"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, done.Status)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Agent is analyzing the issue...", "Completed"}, got.Progress)
	assert.Equal(t, "fix/issue-7", got.Branch)
	require.NotNil(t, got.Result)
	assert.Equal(t, "fixed", got.Result.Summary)

	// Terminal is final.
	_, err = store.Update(ctx, "t1", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskFailed)})
	assert.ErrorIs(t, err, domain.ErrTaskTerminal)
}

func TestTaskStore_UpdateMissing(t *testing.T) {
	_, err := NewTaskStore(newTestDB(t)).Update(context.Background(), "ghost", domain.TaskPatch{Progress: []string{"x"}})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestTaskStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))
	_, err := store.Create(ctx, domain.Task{ID: "c", Type: domain.TaskCustom})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, "c", domain.TaskPatch{Progress: []string{fmt.Sprintf("m%d", i)}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, got.Progress, 20, "no append may be lost")
}

func TestTaskStore_ListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))
	for _, tc := range []struct {
		id  string
		typ domain.TaskType
	}{
		{"a", domain.TaskAudit},
		{"b", domain.TaskCodeReview},
		{"c", domain.TaskAudit},
	} {
		_, err := store.Create(ctx, domain.Task{ID: tc.id, Type: tc.typ})
		require.NoError(t, err)
	}
	// Touch "a" so it becomes the most recently updated.
	_, err := store.Update(ctx, "a", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskRunning)})
	require.NoError(t, err)

	all, err := store.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "c", all[1].ID)
	assert.Equal(t, "b", all[2].ID)

	audits, err := store.List(ctx, domain.TaskFilter{Type: domain.TaskAudit})
	require.NoError(t, err)
	assert.Len(t, audits, 2)

	running, err := store.List(ctx, domain.TaskFilter{Status: domain.TaskRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a", running[0].ID)

	limited, err := store.List(ctx, domain.TaskFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTaskStore_ResultData(t *testing.T) {
	ctx := context.Background()
	store := NewTaskStore(newTestDB(t))
	_, err := store.Create(ctx, domain.Task{ID: "r", Type: domain.TaskCodeReview})
	require.NoError(t, err)

	_, err = store.Update(ctx, "r", domain.TaskPatch{
		Status: domain.StatusPtr(domain.TaskCompleted),
		Result: &domain.TaskResult{Summary: "2 findings", Data: []byte(`{"findings":2}`)},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"findings":2}`, string(got.Result.Data))
}

// ─── Work History ───────────────────────────────────────────────────────────

func newEntry(id string) domain.WorkEntry {
	return domain.WorkEntry{
		ID:         id,
		UserID:     "u1",
		ActionType: domain.ActionCodeReview,
		Repo:       "acme/widgets",
		Summary:    "Review acme/widgets",
		Status:     domain.WorkStarted,
		StartedAt:  time.Now().UTC(),
		Metadata:   map[string]any{"step": "init"},
	}
}

func TestWorkStore_InsertGet(t *testing.T) {
	ctx := context.Background()
	store := NewWorkStore(newTestDB(t))
	require.NoError(t, store.InsertWork(ctx, newEntry("w1")))

	got, err := store.GetWork(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkStarted, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "init", got.Metadata["step"])

	_, err = store.GetWork(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkNotFound)
}

func TestWorkStore_CompleteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewWorkStore(newTestDB(t))
	require.NoError(t, store.InsertWork(ctx, newEntry("w1")))

	at := time.Now().UTC()
	require.NoError(t, store.CompleteWork(ctx, "w1", at, map[string]any{"taskId": "t1"}))

	got, err := store.GetWork(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "t1", got.Metadata["taskId"])
	_, stillThere := got.Metadata["step"]
	assert.False(t, stillThere, "complete metadata replaces the stored map")

	err = store.FailWork(ctx, "w1", at, map[string]any{"error": "late"})
	assert.ErrorIs(t, err, domain.ErrWorkClosed)
	err = store.CompleteWork(ctx, "w1", at, nil)
	assert.ErrorIs(t, err, domain.ErrWorkClosed)
}

func TestWorkStore_FailMergesMetadata(t *testing.T) {
	ctx := context.Background()
	store := NewWorkStore(newTestDB(t))
	require.NoError(t, store.InsertWork(ctx, newEntry("w1")))

	require.NoError(t, store.FailWork(ctx, "w1", time.Now().UTC(), map[string]any{"error": "boom"}))

	got, err := store.GetWork(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkFailed, got.Status)
	assert.Equal(t, "init", got.Metadata["step"])
	assert.Equal(t, "boom", got.Metadata["error"])
}

func TestWorkStore_CloseMissing(t *testing.T) {
	store := NewWorkStore(newTestDB(t))
	err := store.CompleteWork(context.Background(), "ghost", time.Now(), nil)
	assert.ErrorIs(t, err, domain.ErrWorkNotFound)
}

func TestWorkStore_ListFilter(t *testing.T) {
	ctx := context.Background()
	store := NewWorkStore(newTestDB(t))
	base := time.Now().UTC()

	e1 := newEntry("w1")
	e1.StartedAt = base
	e2 := newEntry("w2")
	e2.StartedAt = base.Add(time.Second)
	e3 := newEntry("w3")
	e3.UserID = "u2"
	e3.Repo = "acme/other"
	e3.StartedAt = base.Add(2 * time.Second)
	for _, e := range []domain.WorkEntry{e1, e2, e3} {
		require.NoError(t, store.InsertWork(ctx, e))
	}

	all, err := store.ListWork(ctx, domain.WorkFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "w3", all[0].ID, "newest first")

	mine, err := store.ListWork(ctx, domain.WorkFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	repo, err := store.ListWork(ctx, domain.WorkFilter{Repo: "acme/other"})
	require.NoError(t, err)
	require.Len(t, repo, 1)
	assert.Equal(t, "w3", repo[0].ID)

	limited, err := store.ListWork(ctx, domain.WorkFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
