package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"launchdeck/internal/aggregate"
	"launchdeck/internal/domain"
	"launchdeck/internal/engine"
	"launchdeck/internal/queue"
)

// StoryExecutor performs the actual work of a story (branch, change, PR).
// Implementations call external services; the fallback used in tests and
// local runs is deterministic.
type StoryExecutor interface {
	Execute(ctx context.Context, story domain.Story) (prRef string, err error)
}

// Scanner runs one health scan of one category and returns the category's
// payload document as JSON.
type Scanner interface {
	Scan(ctx context.Context, job domain.ScanJob) (payloadJSON string, err error)
}

// Analyzer proposes backlog stories for a project. The AI-backed
// implementation lives outside the core; DefaultAnalyzer is the rule-based
// fallback.
type Analyzer interface {
	Analyze(ctx context.Context, job domain.OrchestratorJob) ([]engine.StoryCreateOptions, error)
}

// Responder produces one assistant chat turn.
type Responder interface {
	Respond(ctx context.Context, job domain.ChatJob) error
}

// Handlers wires the four queues to their collaborators.
func Handlers(e engine.Engine, exec StoryExecutor, scanner Scanner, analyzer Analyzer, responder Responder) map[string]Handler {
	return map[string]Handler{
		domain.QueueExecution:    ExecutionHandler(e, exec),
		domain.QueueScan:         ScanHandler(e, scanner),
		domain.QueueOrchestrator: OrchestratorHandler(e, analyzer),
		domain.QueueChat:         ChatHandler(responder),
	}
}

// ExecutionHandler claims the story, runs the executor, and records the
// outcome. A ConcurrencyConflict is returned as a failure so the job retries
// behind the story currently running. A story no longer eligible (rejected,
// already finished) completes the job without work.
func ExecutionHandler(e engine.Engine, exec StoryExecutor) Handler {
	return HandlerFunc(func(ctx context.Context, job queue.Job) error {
		var payload domain.ExecutionJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode execution payload: %w", err)
		}
		story, err := e.Repo.GetStory(ctx, payload.StoryID)
		if err != nil {
			return fmt.Errorf("load story %s: %w", payload.StoryID, err)
		}
		switch story.Status {
		case domain.StoryApproved:
			story, err = e.BeginExecution(ctx, payload.StoryID)
			if err != nil {
				return err
			}
		case domain.StoryInProgress:
			// a previous attempt of this job already claimed it
		default:
			return nil
		}
		prRef, execErr := exec.Execute(ctx, story)
		if execErr != nil {
			return fmt.Errorf("execute story %s: %w", story.ID, execErr)
		}
		_, err = e.FinishExecution(ctx, engine.FinishOptions{StoryID: story.ID, Success: true, PRRef: prRef})
		return err
	})
}

// ScanHandler runs one scan and persists the result.
func ScanHandler(e engine.Engine, scanner Scanner) Handler {
	return HandlerFunc(func(ctx context.Context, job queue.Job) error {
		var payload domain.ScanJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode scan payload: %w", err)
		}
		result, err := scanner.Scan(ctx, payload)
		if err != nil {
			return fmt.Errorf("scan %s/%s: %w", payload.ProjectID, payload.ScanType, err)
		}
		_, err = e.RecordScan(ctx, payload.ProjectID, payload.ScanType, result)
		return err
	})
}

// OrchestratorHandler ingests the analyzer's proposals as draft stories.
func OrchestratorHandler(e engine.Engine, analyzer Analyzer) Handler {
	return HandlerFunc(func(ctx context.Context, job queue.Job) error {
		var payload domain.OrchestratorJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode orchestrator payload: %w", err)
		}
		proposals, err := analyzer.Analyze(ctx, payload)
		if err != nil {
			return fmt.Errorf("analyze %s: %w", payload.ProjectID, err)
		}
		for _, opts := range proposals {
			if _, err := e.CreateStory(ctx, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

// ChatHandler delegates the turn to the responder.
func ChatHandler(responder Responder) Handler {
	return HandlerFunc(func(ctx context.Context, job queue.Job) error {
		var payload domain.ChatJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode chat payload: %w", err)
		}
		return responder.Respond(ctx, payload)
	})
}

// NoopExecutor marks stories completed without producing a change. Used when
// no external executor is configured.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, story domain.Story) (string, error) {
	return "", nil
}

// NoopScanner reports an empty payload for every category, which scores the
// category at zero.
type NoopScanner struct{}

func (NoopScanner) Scan(ctx context.Context, job domain.ScanJob) (string, error) {
	return "{}", nil
}

// NoopResponder drops chat turns.
type NoopResponder struct{}

func (NoopResponder) Respond(ctx context.Context, job domain.ChatJob) error { return nil }

// DefaultAnalyzer is the deterministic fallback assessment: it turns the
// project's failing checklist items into draft stories.
type DefaultAnalyzer struct {
	Aggregator aggregate.Aggregator
}

func (a DefaultAnalyzer) Analyze(ctx context.Context, job domain.OrchestratorJob) ([]engine.StoryCreateOptions, error) {
	state, err := a.Aggregator.Aggregate(ctx, job.ProjectID)
	if err != nil {
		return nil, err
	}
	var out []engine.StoryCreateOptions
	for _, rec := range state.Recommendations {
		out = append(out, engine.StoryCreateOptions{
			// deterministic id keeps re-analysis from duplicating the backlog
			ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ProjectID+"|proposal|"+rec)).String(),
			ProjectID: job.ProjectID,
			Title:     rec,
			Rationale: fmt.Sprintf("Suggested at launch stage %s (score %d)", state.LaunchStage, state.LaunchScore),
			Source:    domain.SourceDashboard,
			Draft:     true,
		})
	}
	return out, nil
}
