package server

import (
	"encoding/json"

	"launchdeck/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Domain      string `json:"domain,omitempty"`
}

type CreateStoryRequest struct {
	Title        string `json:"title"`
	Rationale    string `json:"rationale,omitempty"`
	Source       string `json:"source,omitempty" enum:"dashboard,chat,webhook,slack,linear"`
	TrackerIssue string `json:"tracker_issue,omitempty"`
	Draft        bool   `json:"draft,omitempty"`
}

type ApproveRequest struct {
	Source           string  `json:"source,omitempty" enum:"dashboard,chat,webhook,slack,linear"`
	PriorityOverride *string `json:"priority_override,omitempty" enum:"P0,P1,P2,P3"`
}

type RejectRequest struct {
	Source string `json:"source,omitempty" enum:"dashboard,chat,webhook,slack,linear"`
	Reason string `json:"reason,omitempty"`
}

type RequestChangesRequest struct {
	Source   string `json:"source,omitempty" enum:"dashboard,chat,webhook,slack,linear"`
	Feedback string `json:"feedback"`
}

type ScanResultRequest struct {
	ScanType string          `json:"scan_type" enum:"domain,seo,analytics,security,performance"`
	Payload  json.RawMessage `json:"payload"`
}

// Response payloads

type StoryDetailResponse struct {
	Story   domain.Story            `json:"story"`
	Signals []domain.PrioritySignal `json:"signals,omitempty"`
}

type QueueScansResponse struct {
	Queued       int `json:"queued"`
	Deduplicated int `json:"deduplicated"`
}
