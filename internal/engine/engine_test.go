package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

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
	now    time.Time
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
	env := &testEnv{Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	dispatcher := queue.New(conn, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	dispatcher.Now = func() time.Time { return env.now }
	eng := engine.New(conn, dispatcher, config.Default("ws-1"))
	eng.Now = func() time.Time { return env.now }
	eng.Classifier.Now = eng.Now
	env.Engine = eng
	env.Queue = dispatcher
	if _, err := eng.InitProject(env.Ctx, "proj-1", "ws-1", "Demo", "demo.example"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return env
}

func (env *testEnv) createStory(t *testing.T, title string) domain.Story {
	t.Helper()
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Source:    domain.SourceDashboard,
	})
	if err != nil {
		t.Fatalf("create story: %v", err)
	}
	return s
}

func TestCreateStoryClassifies(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "[P0] checkout is down")
	if s.PriorityLevel != domain.P0 {
		t.Fatalf("level = %s, want P0", s.PriorityLevel)
	}
	if s.PriorityScore != 1000 {
		t.Fatalf("score = %v, want 1000 for explicit P0", s.PriorityScore)
	}
	if s.Status != domain.StoryPending {
		t.Fatalf("status = %s, want pending", s.Status)
	}

	inferred := env.createStory(t, "tidy up the footer")
	if inferred.PriorityScore >= s.PriorityScore {
		t.Fatalf("inferred story outranked an explicit P0")
	}
}

func TestCreateStoryIdempotentByID(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.StoryCreateOptions{
		ID: "st-fixed", ProjectID: "proj-1", Title: "Add analytics", Source: domain.SourceDashboard,
	}
	first, err := env.Engine.CreateStory(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Title = "Add analytics (retry)"
	second, err := env.Engine.CreateStory(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Title != first.Title {
		t.Fatalf("re-ingestion with the same id must return the existing story, got %+v", second)
	}
}

func TestApproveQueuesExactlyOneExecution(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Fix signup form")

	approved, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StoryApproved || !approved.UserApproved {
		t.Fatalf("approved story = %+v", approved)
	}

	jobs, err := env.Queue.Claim(env.Ctx, domain.QueueExecution, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("execution jobs = %d, want exactly 1", len(jobs))
	}
	if jobs[0].JobID != engine.ExecutionJobID(s.ID) {
		t.Fatalf("job id = %s, want identity-derived %s", jobs[0].JobID, engine.ExecutionJobID(s.ID))
	}
}

func TestCreateStoryConcurrentIngestionSameID(t *testing.T) {
	env := newTestEnv(t)
	opts := engine.StoryCreateOptions{
		ID: "st-dup", ProjectID: "proj-1", Title: "Wire up billing", Source: domain.SourceWebhook,
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.CreateStory(env.Ctx, opts)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("ingestion %d: %v", i, err)
		}
	}
	stories, err := env.Engine.Repo.ListStories(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stories) != 1 {
		t.Fatalf("stories = %d, want 1 for racing ingestions of one id", len(stories))
	}
}

func TestApproveWritesJobInTransitionTransaction(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "[P1] ship the checkout flow")

	// a dispatcher left without a handle of its own: the execution job has to
	// ride the transition's transaction, never a second connection
	detached := queue.New(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	detached.Now = func() time.Time { return env.now }
	env.Engine.Dispatcher = detached

	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryApproved {
		t.Fatalf("status = %s, want approved", got.Status)
	}
	jobs, err := env.Queue.Claim(env.Ctx, domain.QueueExecution, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].JobID != engine.ExecutionJobID(s.ID) {
		t.Fatalf("committed jobs = %+v, want the story's execution job", jobs)
	}
}

func TestApproveWithOverrideRecordsApprovalSignal(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "tidy up the footer")
	level := domain.P0
	approved, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{
		StoryID: s.ID, Source: domain.SourceDashboard, PriorityOverride: &level,
	})
	if err != nil {
		t.Fatal(err)
	}
	if approved.PriorityLevel != domain.P0 || approved.PriorityScore != 1000 {
		t.Fatalf("override not applied: %+v", approved)
	}

	signals, err := env.Engine.Repo.ActiveSignals(env.Ctx, s.ID, "2024-01-01T00:00:01Z")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, sig := range signals {
		if sig.SignalType == domain.SignalApproval {
			found = true
			if sig.Priority != domain.P0 || sig.Confidence != 1.0 || !sig.IsExplicit {
				t.Fatalf("approval signal = %+v", sig)
			}
		}
	}
	if !found {
		t.Fatalf("no approval signal recorded; got %+v", signals)
	}
}

func TestApproveRejectsTerminalStory(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "One-shot story")
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginExecution(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.FinishExecution(env.Ctx, engine.FinishOptions{StoryID: s.ID, Success: true, PRRef: "pr-1"}); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard})
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("approve on completed = %v, want InvalidTransitionError", err)
	}
	if invalid.Current != domain.StoryCompleted {
		t.Fatalf("invalid.Current = %s", invalid.Current)
	}
}

func TestSingleFlightPerProject(t *testing.T) {
	env := newTestEnv(t)
	first := env.createStory(t, "First story")
	second := env.createStory(t, "Second story")
	for _, s := range []domain.Story{first, second} {
		if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := env.Engine.BeginExecution(env.Ctx, first.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.BeginExecution(env.Ctx, second.ID)
	var conflict domain.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second claim = %v, want ConcurrencyConflictError", err)
	}
	if conflict.ProjectID != "proj-1" {
		t.Fatalf("conflict = %+v", conflict)
	}

	// finishing the first frees the slot
	if _, err := env.Engine.FinishExecution(env.Ctx, engine.FinishOptions{StoryID: first.ID, Success: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginExecution(env.Ctx, second.ID); err != nil {
		t.Fatalf("claim after slot freed: %v", err)
	}
}

func TestBeginExecutionRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Not yet approved")
	_, err := env.Engine.BeginExecution(env.Ctx, s.ID)
	var invalid domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("begin on pending = %v, want InvalidTransitionError", err)
	}
}

func TestFinishExecutionOutcomes(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Ship the thing")
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginExecution(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.FinishExecution(env.Ctx, engine.FinishOptions{StoryID: s.ID, Success: true, PRRef: "repo#42"})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.StoryCompleted || done.PRRef == nil || *done.PRRef != "repo#42" || done.ExecutedAt == nil {
		t.Fatalf("completed story = %+v", done)
	}

	// a second finish has nothing in_progress to act on
	if _, err := env.Engine.FinishExecution(env.Ctx, engine.FinishOptions{StoryID: s.ID, Success: false}); err == nil {
		t.Fatalf("finish on completed story must fail")
	}
}

func TestFinishExecutionFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Doomed story")
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginExecution(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	failed, err := env.Engine.FinishExecution(env.Ctx, engine.FinishOptions{StoryID: s.ID, Success: false, ErrorDetail: "tests red"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != domain.StoryFailed || failed.ErrorDetail == nil || *failed.ErrorDetail != "tests red" {
		t.Fatalf("failed story = %+v", failed)
	}
}

func TestRequestChangesNeedsFeedback(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Needs work")
	_, err := env.Engine.RequestChanges(env.Ctx, s.ID, domain.SourceDashboard, "")
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "feedback" {
		t.Fatalf("err = %v, want feedback validation error", err)
	}
}

func TestRequestChangesWithdrawsApproval(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Approved then reworked")
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	back, err := env.Engine.RequestChanges(env.Ctx, s.ID, domain.SourceDashboard, "split into two stories")
	if err != nil {
		t.Fatal(err)
	}
	if back.Status != domain.StoryPending || back.UserApproved {
		t.Fatalf("story after changes = %+v", back)
	}
}

func TestRejectTerminalStoryFails(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Rejected twice")
	if _, err := env.Engine.Reject(env.Ctx, s.ID, domain.SourceDashboard, "duplicate"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, s.ID, domain.SourceDashboard, "again"); err == nil {
		t.Fatalf("reject on rejected story must fail")
	}
}

func TestReconcileStuck(t *testing.T) {
	env := newTestEnv(t)
	s := env.createStory(t, "Stuck story")
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginExecution(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	env.now = env.now.Add(2 * time.Hour)
	n, err := env.Engine.ReconcileStuck(env.Ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}
	got, err := env.Engine.Repo.GetStory(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StoryFailed || got.ErrorDetail == nil {
		t.Fatalf("stuck story = %+v", got)
	}
}

func TestQueueScansDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	handles, err := env.Engine.QueueScans(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 5 {
		t.Fatalf("handles = %d, want one per category", len(handles))
	}
	for _, h := range handles {
		if h.Duplicate {
			t.Fatalf("first pass flagged duplicate: %+v", h)
		}
	}

	again, err := env.Engine.QueueScans(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range again {
		if !h.Duplicate {
			t.Fatalf("second pass must deduplicate while jobs are live: %+v", h)
		}
	}
}

func TestApplyTrackerState(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateStory(env.Ctx, engine.StoryCreateOptions{
		ProjectID: "proj-1", Title: "Tracked story", Source: domain.SourceWebhook, TrackerIssue: "ISS-7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{StoryID: s.ID, Source: domain.SourceDashboard}); err != nil {
		t.Fatal(err)
	}

	started, err := env.Engine.ApplyTrackerState(env.Ctx, "ISS-7", "started")
	if err != nil {
		t.Fatal(err)
	}
	if started.Status != domain.StoryInProgress {
		t.Fatalf("after started: %s", started.Status)
	}
	completed, err := env.Engine.ApplyTrackerState(env.Ctx, "ISS-7", "completed")
	if err != nil {
		t.Fatal(err)
	}
	if completed.Status != domain.StoryCompleted {
		t.Fatalf("after completed: %s", completed.Status)
	}

	if _, err := env.Engine.ApplyTrackerState(env.Ctx, "ISS-unknown", "started"); err == nil {
		t.Fatalf("unknown issue must not resolve to a story")
	}
}
