package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"launchdeck/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// Projects

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,workspace_id,name,domain,status,payments_configured,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.WorkspaceID, p.Name, nullable(p.Domain), p.Status, boolInt(p.PaymentsConfigured), p.CreatedAt)
	return err
}

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var dom sql.NullString
	var payments int
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &dom, &p.Status, &payments, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if dom.Valid {
		p.Domain = dom.String
	}
	p.PaymentsConfigured = payments != 0
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx,
		`SELECT id,workspace_id,name,domain,status,payments_configured,created_at FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,workspace_id,name,COALESCE(domain,''),status,payments_configured,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var payments int
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Domain, &p.Status, &payments, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.PaymentsConfigured = payments != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project, or an error if zero or several exist.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// Stories

const storyCols = `id,project_id,workspace_id,title,COALESCE(rationale,''),priority_level,priority_score,status,user_approved,tracker_issue,pr_ref,error_detail,created_at,updated_at,executed_at`

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(id,project_id,workspace_id,title,rationale,priority_level,priority_score,status,user_approved,tracker_issue,pr_ref,error_detail,created_at,updated_at,executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.WorkspaceID, s.Title, nullable(s.Rationale), nullable(string(s.PriorityLevel)), s.PriorityScore,
		string(s.Status), boolInt(s.UserApproved), nullablePtr(s.TrackerIssue), nullablePtr(s.PRRef), nullablePtr(s.ErrorDetail),
		s.CreatedAt, s.UpdatedAt, nullablePtr(s.ExecutedAt))
	return err
}

func scanStoryRow(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	var level, tracker, pr, errDetail, executed sql.NullString
	var approved int
	err := scan(&s.ID, &s.ProjectID, &s.WorkspaceID, &s.Title, &s.Rationale, &level, &s.PriorityScore,
		&s.Status, &approved, &tracker, &pr, &errDetail, &s.CreatedAt, &s.UpdatedAt, &executed)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if level.Valid {
		s.PriorityLevel = domain.PriorityLevel(level.String)
	}
	s.UserApproved = approved != 0
	if tracker.Valid {
		s.TrackerIssue = &tracker.String
	}
	if pr.Valid {
		s.PRRef = &pr.String
	}
	if errDetail.Valid {
		s.ErrorDetail = &errDetail.String
	}
	if executed.Valid {
		s.ExecutedAt = &executed.String
	}
	return s, nil
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyCols+` FROM stories WHERE id=?`, id)
	return scanStoryRow(row.Scan)
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyCols+` FROM stories WHERE id=?`, id)
	return scanStoryRow(row.Scan)
}

func (r Repo) GetStoryByTrackerIssue(ctx context.Context, issueID string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyCols+` FROM stories WHERE tracker_issue=?`, issueID)
	return scanStoryRow(row.Scan)
}

func (r Repo) listStories(ctx context.Context, query string, args ...any) ([]domain.Story, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListStories(ctx context.Context, projectID string) ([]domain.Story, error) {
	return r.listStories(ctx, `SELECT `+storyCols+` FROM stories WHERE project_id=? ORDER BY created_at DESC`, projectID)
}

// RankedStories returns a project's open backlog stack-ranked by the best
// score among signals still live at now, descending, then created_at
// ascending (FIFO within a level). A story whose signals have all expired
// ranks at zero rather than keeping its stale score.
func (r Repo) RankedStories(ctx context.Context, projectID, now string) ([]domain.Story, error) {
	return r.listStories(ctx, `SELECT `+storyCols+` FROM stories
WHERE project_id=? AND status IN ('draft','pending','approved')
ORDER BY COALESCE((
  SELECT MAX(ps.score) FROM priority_signals ps
  WHERE ps.story_id=stories.id AND (ps.expires_at IS NULL OR ps.expires_at > ?)
), 0) DESC, created_at ASC`, projectID, now)
}

type StoryUpdate struct {
	Status        *domain.StoryStatus
	UserApproved  *bool
	PriorityLevel *domain.PriorityLevel
	PriorityScore *float64
	PRRef         *string
	ErrorDetail   *string
	ExecutedAt    *string
}

// UpdateStoryTx applies the non-nil fields of u and bumps updated_at.
func (r Repo) UpdateStoryTx(ctx context.Context, tx *sql.Tx, id string, u StoryUpdate, now string) error {
	set := "updated_at=?"
	args := []any{now}
	if u.Status != nil {
		set += ", status=?"
		args = append(args, string(*u.Status))
	}
	if u.UserApproved != nil {
		set += ", user_approved=?"
		args = append(args, boolInt(*u.UserApproved))
	}
	if u.PriorityLevel != nil {
		set += ", priority_level=?"
		args = append(args, string(*u.PriorityLevel))
	}
	if u.PriorityScore != nil {
		set += ", priority_score=?"
		args = append(args, *u.PriorityScore)
	}
	if u.PRRef != nil {
		set += ", pr_ref=?"
		args = append(args, *u.PRRef)
	}
	if u.ErrorDetail != nil {
		set += ", error_detail=?"
		args = append(args, *u.ErrorDetail)
	}
	if u.ExecutedAt != nil {
		set += ", executed_at=?"
		args = append(args, *u.ExecutedAt)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE stories SET `+set+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimStoryExecution flips an approved story to in_progress iff no other
// story in the same project is in_progress. The guard and the write are one
// conditional UPDATE so two concurrent claimants cannot both pass.
func (r Repo) ClaimStoryExecution(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status='in_progress', updated_at=?
WHERE id=? AND status='approved'
  AND NOT EXISTS (SELECT 1 FROM stories s2 WHERE s2.project_id=stories.project_id AND s2.status='in_progress')`,
		now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProjectHasInProgress reports whether any story in the project holds in_progress.
func (r Repo) ProjectHasInProgress(ctx context.Context, projectID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM stories WHERE project_id=? AND status='in_progress'`, projectID).Scan(&n)
	return n > 0, err
}

// StuckInProgress returns in_progress stories not touched since the cutoff.
func (r Repo) StuckInProgress(ctx context.Context, cutoff string) ([]domain.Story, error) {
	return r.listStories(ctx, `SELECT `+storyCols+` FROM stories WHERE status='in_progress' AND updated_at < ?`, cutoff)
}

// WorkSummary counts a project's stories by status.
func (r Repo) WorkSummary(ctx context.Context, projectID string) (domain.WorkSummary, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM stories WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return domain.WorkSummary{}, err
	}
	defer rows.Close()
	var ws domain.WorkSummary
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.WorkSummary{}, err
		}
		ws.Total += n
		switch domain.StoryStatus(status) {
		case domain.StoryDraft, domain.StoryPending, domain.StoryApproved:
			ws.Pending += n
		case domain.StoryInProgress:
			ws.InProgress += n
		case domain.StoryCompleted:
			ws.Completed += n
		case domain.StoryRejected:
			ws.Rejected += n
		case domain.StoryFailed:
			ws.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.WorkSummary{}, err
	}
	if ws.Total > 0 {
		ws.CompletionRate = float64(ws.Completed) / float64(ws.Total) * 100
	}
	return ws, nil
}

// CompletedSince counts stories completed at or after the cutoff.
func (r Repo) CompletedSince(ctx context.Context, projectID, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM stories WHERE project_id=? AND status='completed' AND executed_at >= ?`,
		projectID, cutoff).Scan(&n)
	return n, err
}

// Priority signals

func (r Repo) InsertSignalTx(ctx context.Context, tx *sql.Tx, sig domain.PrioritySignal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO priority_signals(id,story_id,source,signal_type,priority,score,raw_text,confidence,is_explicit,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.StoryID, string(sig.Source), string(sig.SignalType), string(sig.Priority), sig.Score,
		nullable(sig.RawText), sig.Confidence, boolInt(sig.IsExplicit), sig.CreatedAt, nullablePtr(sig.ExpiresAt))
	return err
}

// ActiveSignals returns a story's non-expired signals, newest first.
func (r Repo) ActiveSignals(ctx context.Context, storyID, now string) ([]domain.PrioritySignal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,story_id,source,signal_type,priority,score,COALESCE(raw_text,''),confidence,is_explicit,created_at,expires_at
FROM priority_signals WHERE story_id=? AND (expires_at IS NULL OR expires_at > ?) ORDER BY created_at DESC`, storyID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PrioritySignal
	for rows.Next() {
		var sig domain.PrioritySignal
		var explicit int
		var expires sql.NullString
		if err := rows.Scan(&sig.ID, &sig.StoryID, &sig.Source, &sig.SignalType, &sig.Priority, &sig.Score,
			&sig.RawText, &sig.Confidence, &explicit, &sig.CreatedAt, &expires); err != nil {
			return nil, err
		}
		sig.IsExplicit = explicit != 0
		if expires.Valid {
			sig.ExpiresAt = &expires.String
		}
		res = append(res, sig)
	}
	return res, rows.Err()
}

// Scans

func (r Repo) InsertScan(ctx context.Context, s domain.Scan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO scans(id,project_id,scan_type,status,payload_json,scanned_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProjectID, string(s.Type), s.Status, s.Payload, s.ScannedAt)
	return err
}

func (r Repo) MarkScanError(ctx context.Context, id, detail string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scans SET status='error', payload_json=json_object('error', ?) WHERE id=?`, detail, id)
	return err
}

// LatestScans returns the most recent scan per category for a project.
func (r Repo) LatestScans(ctx context.Context, projectID string) ([]domain.Scan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,scan_type,status,payload_json,scanned_at FROM scans
WHERE project_id=? AND scanned_at = (
  SELECT MAX(s2.scanned_at) FROM scans s2 WHERE s2.project_id=scans.project_id AND s2.scan_type=scans.scan_type
) ORDER BY scan_type`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scan
	for rows.Next() {
		var s domain.Scan
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Type, &s.Status, &s.Payload, &s.ScannedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Events (read side; writes go through events.Writer)

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),source,payload_json
FROM events WHERE id > ? AND (project_id=? OR ?='') ORDER BY id ASC LIMIT ?`, afterID, projectID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.Source, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT MAX(id) FROM events WHERE project_id=? OR ?=''`, projectID, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamp formats t the way every row in the schema stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
