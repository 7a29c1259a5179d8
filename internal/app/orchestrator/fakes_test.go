package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tutu-network/devpilot/internal/app/ledger"
	"github.com/tutu-network/devpilot/internal/app/runner"
	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/sqlite"
)

// fakeAgent replays events, optionally waiting on gate before settling.
type fakeAgent struct {
	mu      sync.Mutex
	events  []domain.AgentEvent
	text    string
	err     error
	gate    chan struct{}
	prompts []string
}

func (f *fakeAgent) Invoke(ctx context.Context, _, prompt string, onEvent func(domain.AgentEvent), _ time.Duration) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	for _, ev := range f.events {
		onEvent(ev)
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func (f *fakeAgent) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeKB struct {
	hits []domain.KnowledgeHit
	err  error
}

func (f *fakeKB) Search(context.Context, string, int) ([]domain.KnowledgeHit, error) {
	return f.hits, f.err
}

// fakeRepos records repository calls.
type fakeRepos struct {
	mu        sync.Mutex
	tree      []domain.TreeEntry
	issue     *domain.Issue
	committed []string
	created   string
	failOn    string
}

func (f *fakeRepos) GetTree(context.Context, string, string, string) ([]domain.TreeEntry, error) {
	return f.tree, nil
}

func (f *fakeRepos) GetFileContent(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (f *fakeRepos) CreateRepo(_ context.Context, _, name, _ string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = "octo/" + name
	return f.created, nil
}

func (f *fakeRepos) CreateBranch(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (f *fakeRepos) CommitFiles(_ context.Context, _, _, _, _ string, files []domain.FileChange) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fc := range files {
		if fc.Path == f.failOn {
			return "", errors.New("commit rejected")
		}
		f.committed = append(f.committed, fc.Path)
	}
	return "sha", nil
}

func (f *fakeRepos) CreatePullRequest(context.Context, string, string, domain.PullRequestInput) (string, error) {
	return "", nil
}

func (f *fakeRepos) CreateIssue(context.Context, string, string, string, string) (string, error) {
	return "", nil
}

func (f *fakeRepos) ListIssues(context.Context, string, string, string) ([]domain.Issue, error) {
	return nil, nil
}

func (f *fakeRepos) GetIssue(_ context.Context, _, _ string, number int) (*domain.Issue, error) {
	if f.issue == nil {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	return f.issue, nil
}

type harness struct {
	svc    *Service
	tasks  domain.TaskRepository
	work   domain.WorkRepository
	runner *runner.Runner
	agent  *fakeAgent
	repos  *fakeRepos
}

func newHarness(t *testing.T, ag *fakeAgent, kb domain.KnowledgeBase) *harness {
	t.Helper()
	return newHarnessWithStore(t, ag, kb, nil)
}

// newHarnessWithStore lets wrap interpose on the task store the service uses.
func newHarnessWithStore(t *testing.T, ag *fakeAgent, kb domain.KnowledgeBase, wrap func(domain.TaskRepository) domain.TaskRepository) *harness {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var tasks domain.TaskRepository = sqlite.NewTaskStore(db)
	if wrap != nil {
		tasks = wrap(tasks)
	}
	work := sqlite.NewWorkStore(db)
	r := runner.New()
	repos := &fakeRepos{}
	if ag == nil {
		ag = &fakeAgent{text: "done"}
	}
	svc, err := New(Config{AgentTimeout: time.Second, DisplayErrorLen: 200, DefaultCredential: "ghp_test"}, Deps{
		Tasks:     tasks,
		Runner:    r,
		Agent:     ag,
		Ledger:    ledger.New(work, nil),
		Knowledge: kb,
		Repos:     repos,
	})
	require.NoError(t, err)
	return &harness{svc: svc, tasks: tasks, work: work, runner: r, agent: ag, repos: repos}
}

func (h *harness) wait(t *testing.T, id string) *domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Wait(ctx, id))
	task, err := h.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) workFor(t *testing.T, taskID string) domain.WorkEntry {
	t.Helper()
	entries, err := h.work.ListWork(context.Background(), domain.WorkFilter{})
	require.NoError(t, err)
	for _, e := range entries {
		if e.EntityID == taskID {
			return e
		}
	}
	t.Fatalf("no work entry for task %s", taskID)
	return domain.WorkEntry{}
}

// cancelBeforeFail cancels the task through the service right before the
// first failed-status write reaches the store.
type cancelBeforeFail struct {
	domain.TaskRepository
	svc       *Service
	once      sync.Once
	cancelErr error
}

func (c *cancelBeforeFail) Update(ctx context.Context, id string, patch domain.TaskPatch) (*domain.Task, error) {
	if patch.Status != nil && *patch.Status == domain.TaskFailed {
		c.once.Do(func() { _, c.cancelErr = c.svc.Cancel(ctx, id) })
	}
	return c.TaskRepository.Update(ctx, id, patch)
}
