package domain

// StoryStatus is the lifecycle state of a story.
type StoryStatus string

const (
	StoryDraft      StoryStatus = "draft"
	StoryPending    StoryStatus = "pending"
	StoryApproved   StoryStatus = "approved"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
	StoryRejected   StoryStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed from s.
func (s StoryStatus) Terminal() bool {
	switch s {
	case StoryCompleted, StoryFailed, StoryRejected:
		return true
	}
	return false
}

// PriorityLevel orders urgency P0 (highest) through P3.
type PriorityLevel string

const (
	P0 PriorityLevel = "P0"
	P1 PriorityLevel = "P1"
	P2 PriorityLevel = "P2"
	P3 PriorityLevel = "P3"
)

// Rank maps a level to an integer, lower = more urgent.
func (p PriorityLevel) Rank() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	case P2:
		return 2
	case P3:
		return 3
	}
	return 4
}

type Project struct {
	ID                 string `json:"id"`
	WorkspaceID        string `json:"workspace_id"`
	Name               string `json:"name"`
	Domain             string `json:"domain,omitempty"`
	Status             string `json:"status"`
	PaymentsConfigured bool   `json:"payments_configured"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type Story struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	WorkspaceID   string        `json:"workspace_id"`
	Title         string        `json:"title"`
	Rationale     string        `json:"rationale,omitempty"`
	PriorityLevel PriorityLevel `json:"priority_level,omitempty" enum:"P0,P1,P2,P3"`
	PriorityScore float64       `json:"priority_score"`
	Status        StoryStatus   `json:"status" enum:"draft,pending,approved,in_progress,completed,failed,rejected"`
	UserApproved  bool          `json:"user_approved"`
	TrackerIssue  *string       `json:"tracker_issue,omitempty"`
	PRRef         *string       `json:"pr_ref,omitempty"`
	ErrorDetail   *string       `json:"error_detail,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
	ExecutedAt    *string       `json:"executed_at,omitempty" format:"date-time"`
}

// SignalSource identifies where a priority signal originated.
type SignalSource string

const (
	SourceDashboard SignalSource = "dashboard"
	SourceChat      SignalSource = "chat"
	SourceWebhook   SignalSource = "webhook"
	SourceSlack     SignalSource = "slack"
	SourceLinear    SignalSource = "linear"
)

// SignalType distinguishes how a classification came about.
type SignalType string

const (
	SignalPrioritySet SignalType = "priority_set"
	SignalApproval    SignalType = "approval"
	SignalInferred    SignalType = "inferred"
)

// PrioritySignal is an immutable audit record of one classification event.
type PrioritySignal struct {
	ID         string        `json:"id"`
	StoryID    string        `json:"story_id"`
	Source     SignalSource  `json:"source"`
	SignalType SignalType    `json:"signal_type" enum:"priority_set,approval,inferred"`
	Priority   PriorityLevel `json:"priority"`
	Score      float64       `json:"score"`
	RawText    string        `json:"raw_text,omitempty"`
	Confidence float64       `json:"confidence"`
	IsExplicit bool          `json:"is_explicit"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
	ExpiresAt  *string       `json:"expires_at,omitempty" format:"date-time"`
}

// ScanType is a health-scan category.
type ScanType string

const (
	ScanDomain      ScanType = "domain"
	ScanSEO         ScanType = "seo"
	ScanAnalytics   ScanType = "analytics"
	ScanSecurity    ScanType = "security"
	ScanPerformance ScanType = "performance"
)

// Scan is one immutable health-check result for a project and category.
// Payload is the category-specific result document, stored verbatim.
type Scan struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Type      ScanType `json:"type"`
	Status    string   `json:"status"`
	Payload   string   `json:"payload"`
	ScannedAt string   `json:"scanned_at" format:"date-time"`
}

// LaunchStage orders project maturity.
type LaunchStage string

const (
	StageIdea   LaunchStage = "idea"
	StageMVP    LaunchStage = "mvp"
	StageAlpha  LaunchStage = "alpha"
	StageBeta   LaunchStage = "beta"
	StageLaunch LaunchStage = "launch"
	StageGrowth LaunchStage = "growth"
)

// WorkSummary counts stories by status for one project.
type WorkSummary struct {
	Pending        int     `json:"pending"`
	InProgress     int     `json:"in_progress"`
	Completed      int     `json:"completed"`
	Rejected       int     `json:"rejected"`
	Failed         int     `json:"failed"`
	Total          int     `json:"total"`
	CompletionRate float64 `json:"completion_rate"`
}

// CategoryScore is one scan category's contribution to launch readiness.
type CategoryScore struct {
	Score int `json:"score"`
	Max   int `json:"max"`
}

// AggregatedProjectState is the derived launch-readiness view of a project.
// It is recomputed on demand, never persisted.
type AggregatedProjectState struct {
	ProjectID       string                   `json:"project_id"`
	LaunchStage     LaunchStage              `json:"launch_stage" enum:"idea,mvp,alpha,beta,launch,growth"`
	LaunchScore     int                      `json:"launch_score"`
	ScanScores      map[string]CategoryScore `json:"scan_scores"`
	LaunchChecklist map[string]bool          `json:"launch_checklist"`
	WorkSummary     WorkSummary              `json:"work_summary"`
	Recommendations []string                 `json:"recommendations"`
	Degraded        bool                     `json:"degraded,omitempty"`
}

// Event is one audit-log row, consumed by the outbound webhook dispatcher.
type Event struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Source     string `json:"source"`
	TS         string `json:"ts"`
	Payload    string `json:"payload"`
}
