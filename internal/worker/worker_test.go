package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"launchdeck/internal/aggregate"
	"launchdeck/internal/config"
	"launchdeck/internal/db"
	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/migrate"
	"launchdeck/internal/queue"
)

type testEnv struct {
	Engine engine.Engine
	Queue  *queue.Dispatcher
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	dispatcher := queue.New(conn, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	dispatcher.Jitter = func(d time.Duration) time.Duration { return d }
	eng := engine.New(conn, dispatcher, config.Default("ws-1"))
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "ws-1", "Demo", "demo.example"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return &testEnv{Engine: eng, Queue: dispatcher, Ctx: ctx}
}

func (env *testEnv) approvedStory(t *testing.T, title string) (domain.Story, queue.Job) {
	t.Helper()
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{
		ProjectID: "proj-1", Title: title, Source: domain.SourceDashboard,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Queue.Claim(env.Ctx, domain.QueueExecution, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim execution job: %v (%d jobs)", err, len(jobs))
	}
	return s, jobs[0]
}

type stubExecutor struct {
	prRef string
	err   error
	calls int
}

func (e *stubExecutor) Execute(ctx context.Context, story domain.Story) (string, error) {
	e.calls++
	return e.prRef, e.err
}

func TestExecutionHandlerCompletesStory(t *testing.T) {
	env := newTestEnv(t)
	s, job := env.approvedStory(t, "Ship it")
	exec := &stubExecutor{prRef: "repo#7"}
	handler := ExecutionHandler(env.Engine, exec)

	if err := handler.Handle(env.Ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryCompleted || got.PRRef == nil || *got.PRRef != "repo#7" {
		t.Fatalf("story = %+v", got)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d", exec.calls)
	}
}

func TestExecutionHandlerFailureKeepsStoryInProgress(t *testing.T) {
	env := newTestEnv(t)
	s, job := env.approvedStory(t, "Flaky story")
	exec := &stubExecutor{err: errors.New("sandbox unavailable")}
	handler := ExecutionHandler(env.Engine, exec)

	if err := handler.Handle(env.Ctx, job); err == nil {
		t.Fatalf("handler must surface the executor failure for retry")
	}
	got, _ := env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if got.Status != domain.StoryInProgress {
		t.Fatalf("story = %s, want in_progress pending retry", got.Status)
	}

	// the retry finds the story already claimed and proceeds
	exec.err = nil
	exec.prRef = "repo#8"
	if err := handler.Handle(env.Ctx, job); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if got.Status != domain.StoryCompleted {
		t.Fatalf("story after retry = %s", got.Status)
	}
}

func TestExecutionHandlerSkipsIneligibleStory(t *testing.T) {
	env := newTestEnv(t)
	s, job := env.approvedStory(t, "Withdrawn story")
	if _, err := env.Engine.RequestChanges(env.Ctx, s.ID, domain.SourceDashboard, "hold off"); err != nil {
		t.Fatal(err)
	}
	exec := &stubExecutor{}
	if err := ExecutionHandler(env.Engine, exec).Handle(env.Ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("executor ran for a story no longer approved")
	}
}

func TestProcessExhaustionMarksStoryFailed(t *testing.T) {
	env := newTestEnv(t)
	s, job := env.approvedStory(t, "Doomed story")
	if _, err := env.Engine.BeginExecution(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	job.Attempts = job.MaxAttempts

	runner := &Runner{
		Engine:     env.Engine,
		Dispatcher: env.Queue,
		Handlers: map[string]Handler{
			domain.QueueExecution: HandlerFunc(func(context.Context, queue.Job) error {
				return errors.New("permanent failure")
			}),
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	runner.process(env.Ctx, job)

	got, err := env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryFailed || got.ErrorDetail == nil {
		t.Fatalf("story = %+v, want failed with detail", got)
	}
}

func TestScanHandlerRecordsResult(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.QueueScans(env.Ctx, "proj-1"); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Queue.Claim(env.Ctx, domain.QueueScan, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim scan job: %v (%d)", err, len(jobs))
	}

	handler := ScanHandler(env.Engine, scannerFunc(func(ctx context.Context, job domain.ScanJob) (string, error) {
		return `{"providers":["plausible"]}`, nil
	}))
	if err := handler.Handle(env.Ctx, jobs[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}
	scans, err := env.Engine.Repo.LatestScans(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(scans) != 1 {
		t.Fatalf("scans = %d, want the recorded result", len(scans))
	}
}

type scannerFunc func(ctx context.Context, job domain.ScanJob) (string, error)

func (f scannerFunc) Scan(ctx context.Context, job domain.ScanJob) (string, error) {
	return f(ctx, job)
}

func TestDefaultAnalyzerIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	analyzer := DefaultAnalyzer{Aggregator: aggregate.New(env.Engine.Repo)}
	handler := OrchestratorHandler(env.Engine, analyzer)

	if _, _, err := env.Engine.QueueOrchestratorRun(env.Ctx, []string{"proj-1"}, "weekly"); err != nil {
		t.Fatal(err)
	}
	jobs, err := env.Queue.Claim(env.Ctx, domain.QueueOrchestrator, 1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim orchestrator job: %v (%d)", err, len(jobs))
	}
	if err := handler.Handle(env.Ctx, jobs[0]); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := env.Engine.Repo.ListStories(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatalf("analyzer proposed nothing for a fresh project")
	}

	// a second pass over the same state must not duplicate the backlog
	if err := handler.Handle(env.Ctx, jobs[0]); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := env.Engine.Repo.ListStories(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != len(first) {
		t.Fatalf("stories grew from %d to %d on re-analysis", len(first), len(second))
	}
}
