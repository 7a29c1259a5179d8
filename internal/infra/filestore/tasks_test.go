package filestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/devpilot/internal/domain"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestTaskStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.Task{ID: "t1", Type: domain.TaskScaffoldPlan, Description: "plan"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", domain.TaskPatch{
		Status:   domain.StatusPtr(domain.TaskRunning),
		Progress: []string{"Generating plan..."},
	})
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	got, err := reopened.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
	assert.Equal(t, []string{"Generating plan..."}, got.Progress)

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must not linger")
}

func TestTaskStore_RejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version": 99, "tasks": []}`), 0o600))

	_, err = Open(dir)
	assert.Error(t, err)
}

func TestTaskStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, err = s.Create(ctx, domain.Task{ID: "dup"})
	require.NoError(t, err)
	_, err = s.Create(ctx, domain.Task{ID: "dup"})
	assert.ErrorIs(t, err, domain.ErrTaskExists)

	_, err = s.Update(ctx, "dup", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskCancelled)})
	require.NoError(t, err)
	_, err = s.Update(ctx, "dup", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskCompleted)})
	assert.ErrorIs(t, err, domain.ErrTaskTerminal)

	got, err := s.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
}

func TestTaskStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, domain.Task{ID: "t", Progress: []string{"a"}})
	require.NoError(t, err)

	got, err := s.Get(ctx, "t")
	require.NoError(t, err)
	got.Progress[0] = "mutated"

	again, err := s.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Progress[0])
}

func TestTaskStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, domain.Task{ID: "c"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "c", domain.TaskPatch{Progress: []string{fmt.Sprintf("m%d", i)}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, got.Progress, 25)
}

func TestTaskStore_ListOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, domain.Task{ID: id, Type: domain.TaskAudit})
		require.NoError(t, err)
	}
	_, err := s.Update(ctx, "b", domain.TaskPatch{Progress: []string{"touch"}})
	require.NoError(t, err)

	list, err := s.List(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})

	limited, err := s.List(ctx, domain.TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.List(ctx, domain.TaskFilter{Type: domain.TaskCodeWriter})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestTaskStore_Ping(t *testing.T) {
	assert.NoError(t, newTestStore(t).Ping(context.Background()))
}
