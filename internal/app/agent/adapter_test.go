package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/filestore"
)

// scriptedAgent replays events, then returns text or err.
type scriptedAgent struct {
	events []domain.AgentEvent
	text   string
	err    error
	before func(i int) // called before event i is emitted
	block  bool        // wait for ctx instead of returning
}

func (s *scriptedAgent) Invoke(ctx context.Context, _, _ string, onEvent func(domain.AgentEvent), _ time.Duration) (string, error) {
	for i, ev := range s.events {
		if s.before != nil {
			s.before(i)
		}
		onEvent(ev)
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.text, s.err
}

func newStore(t *testing.T) domain.TaskRepository {
	t.Helper()
	s, err := filestore.Open(t.TempDir())
	require.NoError(t, err)
	_, err = s.Create(context.Background(), domain.Task{ID: "t1", Type: domain.TaskCodeWriter})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "t1", domain.TaskPatch{Status: domain.StatusPtr(domain.TaskRunning)})
	require.NoError(t, err)
	return s
}

func never(string) bool { return false }

func TestExtract(t *testing.T) {
	tests := []struct {
		name, in, pr, branch string
	}{
		{"pr in prose", "created https://github.com/acme/widgets/pull/42 for review", "https://github.com/acme/widgets/pull/42", ""},
		{"first pr wins", "https://github.com/a/b/pull/1 and https://github.com/a/b/pull/2", "https://github.com/a/b/pull/1", ""},
		{"issue url is not a pr", "https://github.com/acme/widgets/issues/3", "", ""},
		{"branch ref", `{"ref":"refs/heads/feature/x","sha":"abc"}`, "", "feature/x"},
		{"branch trailing dot", "pushed to refs/heads/fix-7.", "", "fix-7"},
		{"both", "refs/heads/dev https://github.com/o/r/pull/9", "https://github.com/o/r/pull/9", "dev"},
		{"nothing", "all good", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.pr, ExtractPRURL(tt.in))
			assert.Equal(t, tt.branch, ExtractBranch(tt.in))
		})
	}
}

func TestAdapter_EventsToProgress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ag := &scriptedAgent{
		events: []domain.AgentEvent{
			{Kind: domain.EventToolCall, ToolName: "create_branch"},
			{Kind: domain.EventToolResult, Detail: `{"ref":"refs/heads/feature/x"}`},
			{Kind: domain.EventMessage, Text: "working "},
			{Kind: domain.EventToolCall, ToolName: "create_pull_request"},
			{Kind: domain.EventToolResult, Detail: "... https://github.com/acme/widgets/pull/42 ..."},
			{Kind: domain.EventError, Detail: "lint warning"},
		},
		text: "Done.",
	}

	out, err := New(ag, store, never, nil).Run(ctx, Invocation{TaskID: "t1", Prompt: "p", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", out.PRURL)
	assert.Equal(t, "feature/x", out.Branch)
	assert.Equal(t, "Done.", out.Text)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Using tool: create_branch", "Using tool: create_pull_request", "Error: lint warning"}, got.Progress)
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", got.PRURL)
	assert.Equal(t, "feature/x", got.Branch)
}

func TestAdapter_LaterPROverwritesEmptyNever(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ag := &scriptedAgent{events: []domain.AgentEvent{
		{Kind: domain.EventToolResult, Detail: "https://github.com/a/b/pull/1"},
		{Kind: domain.EventToolResult, Detail: "https://github.com/a/b/pull/2"},
		{Kind: domain.EventToolResult, Detail: "no links here"},
	}}

	out, err := New(ag, store, never, nil).Run(ctx, Invocation{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/a/b/pull/2", out.PRURL)

	got, _ := store.Get(ctx, "t1")
	assert.Equal(t, "https://github.com/a/b/pull/2", got.PRURL)
}

func TestAdapter_FinalTextFallback(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ag := &scriptedAgent{text: "Opened https://github.com/acme/widgets/pull/7 from refs/heads/fix/7"}

	out, err := New(ag, store, never, nil).Run(ctx, Invocation{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", out.PRURL)
	assert.Equal(t, "fix/7", out.Branch)

	got, _ := store.Get(ctx, "t1")
	assert.Equal(t, "https://github.com/acme/widgets/pull/7", got.PRURL)
}

func TestAdapter_MessagesAggregateWhenNoFinalText(t *testing.T) {
	ag := &scriptedAgent{events: []domain.AgentEvent{
		{Kind: domain.EventMessage, Text: "hello "},
		{Kind: domain.EventMessage, Text: "world"},
	}}
	out, err := New(ag, newStore(t), never, nil).Run(context.Background(), Invocation{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Text)
}

func TestAdapter_CancelledFreezesProgress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	var cancelled atomic.Bool
	ag := &scriptedAgent{
		events: []domain.AgentEvent{
			{Kind: domain.EventToolCall, ToolName: "read_file"},
			{Kind: domain.EventToolCall, ToolName: "commit_files"},
			{Kind: domain.EventToolResult, Detail: "https://github.com/a/b/pull/3"},
		},
		before: func(i int) {
			if i == 1 {
				cancelled.Store(true)
			}
		},
		text: "https://github.com/a/b/pull/3",
	}

	out, err := New(ag, store, func(string) bool { return cancelled.Load() }, nil).Run(ctx, Invocation{TaskID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, out.PRURL)

	got, _ := store.Get(ctx, "t1")
	assert.Equal(t, []string{"Using tool: read_file"}, got.Progress)
	assert.Empty(t, got.PRURL)
}

func TestAdapter_Timeout(t *testing.T) {
	ag := &scriptedAgent{block: true}
	_, err := New(ag, newStore(t), never, nil).Run(context.Background(), Invocation{TaskID: "t1", Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrAgentTimeout)
}

func TestAdapter_ErrorPropagates(t *testing.T) {
	ag := &scriptedAgent{err: errors.New("rate limited")}
	_, err := New(ag, newStore(t), never, nil).Run(context.Background(), Invocation{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, "rate limited", err.Error())
}
