package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"launchdeck/internal/domain"
	"launchdeck/internal/events"
	"launchdeck/internal/queue"
	"launchdeck/internal/repo"
)

var scanTypes = []domain.ScanType{
	domain.ScanDomain, domain.ScanSEO, domain.ScanAnalytics, domain.ScanSecurity, domain.ScanPerformance,
}

// QueueScans enqueues one scan job per category for the project. Job ids are
// derived from project and category, so a second call within the dedup window
// is a no-op per category.
func (e Engine) QueueScans(ctx context.Context, projectID string) ([]queue.Handle, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.NotFoundError{Kind: "project", ID: projectID}
		}
		return nil, err
	}
	items := make([]queue.BatchItem, 0, len(scanTypes))
	for _, t := range scanTypes {
		items = append(items, queue.BatchItem{
			JobID: ScanJobID(p.ID, t),
			Payload: domain.ScanJob{
				ProjectID:   p.ID,
				ProjectName: p.Name,
				Domain:      p.Domain,
				ScanType:    t,
			},
		})
	}
	return e.Dispatcher.EnqueueBatch(ctx, domain.QueueScan, "run-scan", items)
}

// QueueOrchestratorRun enqueues one analysis job per project, staggered so
// the orchestrator backend is not hit with the whole batch at once.
func (e Engine) QueueOrchestratorRun(ctx context.Context, projectIDs []string, scanContext string) (string, []queue.Handle, error) {
	if len(projectIDs) == 0 {
		return "", nil, domain.ValidationError{Field: "projects", Message: "at least one project required"}
	}
	runID := uuid.NewString()
	items := make([]queue.BatchItem, 0, len(projectIDs))
	for _, pid := range projectIDs {
		p, err := e.Repo.GetProject(ctx, pid)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, domain.NotFoundError{Kind: "project", ID: pid}
			}
			return "", nil, err
		}
		items = append(items, queue.BatchItem{
			JobID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.ID+"|orchestrator")).String(),
			Payload: domain.OrchestratorJob{
				ProjectID:   p.ID,
				ScanContext: scanContext,
				RunID:       runID,
				WorkspaceID: p.WorkspaceID,
			},
		})
	}
	handles, err := e.Dispatcher.EnqueueBatch(ctx, domain.QueueOrchestrator, "analyze-project", items)
	return runID, handles, err
}

// QueueChatTurn enqueues one assistant turn keyed by the message identity.
func (e Engine) QueueChatTurn(ctx context.Context, job domain.ChatJob) (queue.Handle, error) {
	if job.MessageID == "" {
		return queue.Handle{}, domain.ValidationError{Field: "message_id", Message: "required"}
	}
	return e.Dispatcher.Enqueue(ctx, domain.QueueChat, "chat-turn", job, queue.Options{JobID: job.MessageID})
}

// RecordScan persists a completed scan result and announces it.
func (e Engine) RecordScan(ctx context.Context, projectID string, scanType domain.ScanType, payload string) (domain.Scan, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Scan{}, domain.NotFoundError{Kind: "project", ID: projectID}
		}
		return domain.Scan{}, err
	}
	s := domain.Scan{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      scanType,
		Status:    "completed",
		Payload:   payload,
		ScannedAt: repo.Timestamp(e.now()),
	}
	if err := e.Repo.InsertScan(ctx, s); err != nil {
		return domain.Scan{}, fmt.Errorf("insert scan: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scan{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "scan.completed", projectID, "scan", s.ID, "worker", events.ScanPayload{
		ScanID: s.ID, ScanType: scanType, Status: s.Status,
	}); err != nil {
		return domain.Scan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scan{}, err
	}
	return s, nil
}

// RecordScanError persists a failed scan so exhaustion is visible on read.
func (e Engine) RecordScanError(ctx context.Context, projectID string, scanType domain.ScanType, detail string) error {
	payload, err := json.Marshal(map[string]string{"error": detail})
	if err != nil {
		return err
	}
	s := domain.Scan{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Type:      scanType,
		Status:    "error",
		Payload:   string(payload),
		ScannedAt: repo.Timestamp(e.now()),
	}
	if err := e.Repo.InsertScan(ctx, s); err != nil {
		return fmt.Errorf("insert scan error row: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "scan.error", projectID, "scan", s.ID, "system", events.ScanPayload{
		ScanID: s.ID, ScanType: scanType, Status: "error",
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Tracker state names, as delivered by the external task tracker.
const (
	trackerStarted   = "started"
	trackerCompleted = "completed"
	trackerCanceled  = "canceled"
)

// ApplyTrackerState maps an external tracker state change onto the story
// linked to the issue. Unknown states reset the story to pending.
func (e Engine) ApplyTrackerState(ctx context.Context, issueID, stateType string) (domain.Story, error) {
	s, err := e.Repo.GetStoryByTrackerIssue(ctx, issueID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Story{}, domain.NotFoundError{Kind: "story", ID: issueID}
		}
		return domain.Story{}, err
	}
	switch stateType {
	case trackerStarted:
		updated, err := e.BeginExecution(ctx, s.ID)
		if err != nil {
			// the tracker can report a start before approval, or while
			// another story runs; surface the guard result unchanged
			return domain.Story{}, err
		}
		return updated, nil
	case trackerCompleted:
		return e.FinishExecution(ctx, FinishOptions{StoryID: s.ID, Success: true})
	case trackerCanceled:
		return e.FinishExecution(ctx, FinishOptions{StoryID: s.ID, Success: false, ErrorDetail: "canceled in tracker"})
	default:
		return e.RequestChanges(ctx, s.ID, domain.SourceWebhook, "tracker state "+stateType)
	}
}
