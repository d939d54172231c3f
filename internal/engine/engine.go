package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"launchdeck/internal/config"
	"launchdeck/internal/domain"
	"launchdeck/internal/events"
	"launchdeck/internal/priority"
	"launchdeck/internal/queue"
	"launchdeck/internal/repo"
)

// Engine drives stories through the approval/execution lifecycle. Every
// transition runs in one transaction, appends an audit event, and never
// blocks on downstream consumers.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Dispatcher *queue.Dispatcher
	Classifier priority.Classifier
	Config     *config.Config
	Now        func() time.Time
}

func New(db *sql.DB, dispatcher *queue.Dispatcher, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Dispatcher: dispatcher,
		Classifier: priority.New(nil),
		Config:     cfg,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ExecutionJobID derives the dedup key for a story's execution job from the
// story identity alone, so approve retries cannot enqueue twice.
func ExecutionJobID(storyID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(storyID+"|execution")).String()
}

// ScanJobID derives the dedup key for one project/category scan.
func ScanJobID(projectID string, scanType domain.ScanType) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|scan|"+string(scanType))).String()
}

// InitProject registers a project.
func (e Engine) InitProject(ctx context.Context, id, workspaceID, name, siteDomain string) (domain.Project, error) {
	if id == "" {
		return domain.Project{}, domain.ValidationError{Field: "id", Message: "required"}
	}
	if name == "" {
		name = id
	}
	if workspaceID == "" {
		workspaceID = "default"
	}
	p := domain.Project{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        name,
		Domain:      siteDomain,
		Status:      "active",
		CreatedAt:   repo.Timestamp(e.now()),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// StoryCreateOptions are parameters for story ingestion (scan findings,
// orchestrator output, manual entry).
type StoryCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Rationale string
	Source    domain.SignalSource
	// TrackerIssue links the story to an external tracker issue so state
	// changes there can be mapped back.
	TrackerIssue string
	// Draft stories need review before they can be approved directly.
	Draft bool
}

// CreateStory ingests a story, classifying its priority from the title and
// rationale text. The classification is recorded as a PrioritySignal.
func (e Engine) CreateStory(ctx context.Context, opts StoryCreateOptions) (domain.Story, error) {
	if opts.Title == "" {
		return domain.Story{}, domain.ValidationError{Field: "title", Message: "required"}
	}
	project, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "project", ID: opts.ProjectID}
		}
		return domain.Story{}, err
	}
	cls := e.Classifier.Classify(opts.Title + " " + opts.Rationale)
	now := repo.Timestamp(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := e.Repo.GetStoryTx(ctx, tx, id); err == nil {
		// ingestion with a caller-chosen id is idempotent; the check shares
		// the insert's transaction so concurrent ingestions serialize on it
		// instead of racing to a constraint error
		return existing, nil
	}
	status := domain.StoryPending
	if opts.Draft {
		status = domain.StoryDraft
	}
	s := domain.Story{
		ID:            id,
		ProjectID:     project.ID,
		WorkspaceID:   project.WorkspaceID,
		Title:         opts.Title,
		Rationale:     opts.Rationale,
		PriorityLevel: cls.Level,
		PriorityScore: cls.Score,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.TrackerIssue != "" {
		s.TrackerIssue = &opts.TrackerIssue
	}
	if err := e.Repo.InsertStoryTx(ctx, tx, s); err != nil {
		return domain.Story{}, fmt.Errorf("insert story: %w", err)
	}
	if err := e.recordSignal(ctx, tx, s.ID, opts.Source, cls, opts.Title+" "+opts.Rationale); err != nil {
		return domain.Story{}, err
	}
	if err := e.Events.Append(ctx, tx, "story.created", s.ProjectID, "story", s.ID, string(opts.Source), events.TransitionPayload{
		StoryID: s.ID, FromStatus: "", ToStatus: s.Status, Source: string(opts.Source),
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return s, nil
}

func (e Engine) recordSignal(ctx context.Context, tx *sql.Tx, storyID string, source domain.SignalSource, cls priority.Classification, rawText string) error {
	expires := repo.Timestamp(cls.ExpiresAt)
	sig := domain.PrioritySignal{
		ID:         uuid.NewString(),
		StoryID:    storyID,
		Source:     source,
		SignalType: cls.SignalType,
		Priority:   cls.Level,
		Score:      cls.Score,
		RawText:    rawText,
		Confidence: cls.Confidence,
		IsExplicit: cls.IsExplicit,
		CreatedAt:  repo.Timestamp(e.now()),
		ExpiresAt:  &expires,
	}
	if err := e.Repo.InsertSignalTx(ctx, tx, sig); err != nil {
		return fmt.Errorf("insert priority signal: %w", err)
	}
	return nil
}

// ApproveOptions are parameters for approving a story.
type ApproveOptions struct {
	StoryID string
	Source  domain.SignalSource
	// PriorityOverride pins the story to a level as part of the approval.
	PriorityOverride *domain.PriorityLevel
}

// Approve moves a draft or pending story to approved, records an approval
// signal at full confidence, and enqueues exactly one execution job keyed by
// the story identity. The job is written in the transition's own transaction.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, opts.StoryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "story", ID: opts.StoryID}
		}
		return domain.Story{}, err
	}
	if s.Status != domain.StoryDraft && s.Status != domain.StoryPending {
		return domain.Story{}, domain.InvalidTransitionError{StoryID: s.ID, Current: s.Status, Target: domain.StoryApproved}
	}

	level := s.PriorityLevel
	if opts.PriorityOverride != nil {
		level = *opts.PriorityOverride
	}
	if level == "" {
		level = domain.P2
	}
	cls := e.Classifier.Approval(level)

	now := repo.Timestamp(e.now())
	from := s.Status
	approved := true
	update := repo.StoryUpdate{
		Status:        statusPtr(domain.StoryApproved),
		UserApproved:  &approved,
		PriorityLevel: &level,
		PriorityScore: &cls.Score,
	}
	if err := e.Repo.UpdateStoryTx(ctx, tx, s.ID, update, now); err != nil {
		return domain.Story{}, err
	}
	if err := e.recordSignal(ctx, tx, s.ID, opts.Source, cls, ""); err != nil {
		return domain.Story{}, err
	}
	if err := e.Events.Append(ctx, tx, "story.approved", s.ProjectID, "story", s.ID, string(opts.Source), events.TransitionPayload{
		StoryID: s.ID, FromStatus: from, ToStatus: domain.StoryApproved, Source: string(opts.Source),
	}); err != nil {
		return domain.Story{}, err
	}
	// the job row rides the transition's transaction: a story can never be
	// durably approved without its execution job
	if _, err := e.Dispatcher.EnqueueTx(ctx, tx, domain.QueueExecution, "execute-story",
		domain.ExecutionJob{StoryID: s.ID}, queue.Options{JobID: ExecutionJobID(s.ID)}); err != nil {
		return domain.Story{}, fmt.Errorf("enqueue execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return e.Repo.GetStory(ctx, s.ID)
}

// Reject moves any non-terminal story to rejected. No job is enqueued.
func (e Engine) Reject(ctx context.Context, storyID string, source domain.SignalSource, reason string) (domain.Story, error) {
	return e.simpleTransition(ctx, storyID, source, domain.StoryRejected, "story.rejected", reason,
		func(s domain.Story) error {
			if s.Status.Terminal() {
				return domain.InvalidTransitionError{StoryID: s.ID, Current: s.Status, Target: domain.StoryRejected}
			}
			return nil
		}, repo.StoryUpdate{Status: statusPtr(domain.StoryRejected)})
}

// RequestChanges resets a story to pending for re-review. Feedback is
// required; approval is withdrawn.
func (e Engine) RequestChanges(ctx context.Context, storyID string, source domain.SignalSource, feedback string) (domain.Story, error) {
	if feedback == "" {
		return domain.Story{}, domain.ValidationError{Field: "feedback", Message: "required"}
	}
	approved := false
	return e.simpleTransition(ctx, storyID, source, domain.StoryPending, "story.changes_requested", feedback,
		func(domain.Story) error { return nil },
		repo.StoryUpdate{Status: statusPtr(domain.StoryPending), UserApproved: &approved})
}

func (e Engine) simpleTransition(ctx context.Context, storyID string, source domain.SignalSource, to domain.StoryStatus,
	eventType, reason string, guard func(domain.Story) error, update repo.StoryUpdate) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "story", ID: storyID}
		}
		return domain.Story{}, err
	}
	if err := guard(s); err != nil {
		return domain.Story{}, err
	}
	from := s.Status
	if err := e.Repo.UpdateStoryTx(ctx, tx, s.ID, update, repo.Timestamp(e.now())); err != nil {
		return domain.Story{}, err
	}
	if err := e.Events.Append(ctx, tx, eventType, s.ProjectID, "story", s.ID, string(source), events.TransitionPayload{
		StoryID: s.ID, FromStatus: from, ToStatus: to, Source: string(source), Reason: reason,
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return e.Repo.GetStory(ctx, s.ID)
}

// BeginExecution claims an approved story for execution. The single-flight
// guard (one in_progress story per project) and the status write are a single
// conditional update; two concurrent claimants cannot both succeed.
func (e Engine) BeginExecution(ctx context.Context, storyID string) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "story", ID: storyID}
		}
		return domain.Story{}, err
	}
	claimed, err := e.Repo.ClaimStoryExecution(ctx, tx, s.ID, repo.Timestamp(e.now()))
	if err != nil {
		return domain.Story{}, err
	}
	if !claimed {
		if s.Status != domain.StoryApproved {
			return domain.Story{}, domain.InvalidTransitionError{StoryID: s.ID, Current: s.Status, Target: domain.StoryInProgress}
		}
		return domain.Story{}, domain.ConcurrencyConflictError{StoryID: s.ID, ProjectID: s.ProjectID}
	}
	if err := e.Events.Append(ctx, tx, "story.execution_started", s.ProjectID, "story", s.ID, "worker", events.TransitionPayload{
		StoryID: s.ID, FromStatus: domain.StoryApproved, ToStatus: domain.StoryInProgress, Source: "worker",
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return e.Repo.GetStory(ctx, s.ID)
}

// FinishOptions describe an execution outcome.
type FinishOptions struct {
	StoryID     string
	Success     bool
	PRRef       string
	ErrorDetail string
}

// FinishExecution completes or fails an in_progress story.
func (e Engine) FinishExecution(ctx context.Context, opts FinishOptions) (domain.Story, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Story{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStoryTx(ctx, tx, opts.StoryID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "story", ID: opts.StoryID}
		}
		return domain.Story{}, err
	}
	if s.Status != domain.StoryInProgress {
		target := domain.StoryCompleted
		if !opts.Success {
			target = domain.StoryFailed
		}
		return domain.Story{}, domain.InvalidTransitionError{StoryID: s.ID, Current: s.Status, Target: target}
	}

	now := repo.Timestamp(e.now())
	var update repo.StoryUpdate
	var eventType string
	to := domain.StoryCompleted
	if opts.Success {
		update = repo.StoryUpdate{Status: statusPtr(domain.StoryCompleted), ExecutedAt: &now}
		if opts.PRRef != "" {
			update.PRRef = &opts.PRRef
		}
		eventType = "story.completed"
	} else {
		to = domain.StoryFailed
		update = repo.StoryUpdate{Status: statusPtr(domain.StoryFailed)}
		if opts.ErrorDetail != "" {
			update.ErrorDetail = &opts.ErrorDetail
		}
		eventType = "story.failed"
	}
	if err := e.Repo.UpdateStoryTx(ctx, tx, s.ID, update, now); err != nil {
		return domain.Story{}, err
	}
	if err := e.Events.Append(ctx, tx, eventType, s.ProjectID, "story", s.ID, "worker", events.TransitionPayload{
		StoryID: s.ID, FromStatus: domain.StoryInProgress, ToStatus: to, Source: "worker",
		Reason: opts.ErrorDetail, PRRef: opts.PRRef,
	}); err != nil {
		return domain.Story{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Story{}, err
	}
	return e.Repo.GetStory(ctx, s.ID)
}

// MarkStoryFailed records an asynchronous failure (exhausted job, stuck
// reconciliation) regardless of current non-terminal status.
func (e Engine) MarkStoryFailed(ctx context.Context, storyID, detail string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetStoryTx(ctx, tx, storyID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return tx.Commit()
	}
	update := repo.StoryUpdate{Status: statusPtr(domain.StoryFailed), ErrorDetail: &detail}
	if err := e.Repo.UpdateStoryTx(ctx, tx, s.ID, update, repo.Timestamp(e.now())); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "story.failed", s.ProjectID, "story", s.ID, "system", events.TransitionPayload{
		StoryID: s.ID, FromStatus: s.Status, ToStatus: domain.StoryFailed, Source: "system", Reason: detail,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReconcileStuck fails in_progress stories whose last update is older than
// ttl. Requeueing is deliberately not attempted: the execution job may have
// partially applied side effects.
func (e Engine) ReconcileStuck(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := repo.Timestamp(e.now().Add(-ttl))
	stuck, err := e.Repo.StuckInProgress(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range stuck {
		if err := e.MarkStoryFailed(ctx, s.ID, fmt.Sprintf("execution stuck in progress past %s", ttl)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func statusPtr(s domain.StoryStatus) *domain.StoryStatus { return &s }
