package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"launchdeck/internal/domain"
)

// Writer appends audit events inside the caller's transaction. The events
// table is the only channel through which lifecycle transitions reach
// integrations; delivery happens later and never blocks a transition.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// TransitionPayload is the event body for every story lifecycle transition.
type TransitionPayload struct {
	StoryID    string             `json:"story_id"`
	FromStatus domain.StoryStatus `json:"from_status"`
	ToStatus   domain.StoryStatus `json:"to_status"`
	Source     string             `json:"source"`
	Reason     string             `json:"reason,omitempty"`
	PRRef      string             `json:"pr_ref,omitempty"`
}

// ScanPayload is the event body for scan completion/error events.
type ScanPayload struct {
	ScanID   string          `json:"scan_id"`
	ScanType domain.ScanType `json:"scan_type"`
	Status   string          `json:"status"`
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append writes one event row. payload must be JSON-marshalable; the typed
// payload structs above cover the kinds this system emits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, source string, payload any) error {
	ts := w.now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,source,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), source, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
