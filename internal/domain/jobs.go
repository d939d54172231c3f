package domain

// Queue names. Each queue carries exactly one payload variant so consumers
// switch on the queue instead of probing optional fields.
const (
	QueueScan         = "scan"
	QueueExecution    = "execution"
	QueueOrchestrator = "orchestrator-analysis"
	QueueChat         = "chat-turn"
)

// ScanJob requests one health scan of one category.
type ScanJob struct {
	ProjectID   string   `json:"project_id"`
	ProjectName string   `json:"project_name"`
	Domain      string   `json:"domain"`
	ScanType    ScanType `json:"scan_type"`
}

// ExecutionJob requests execution of an approved story.
type ExecutionJob struct {
	StoryID string `json:"story_id"`
}

// OrchestratorJob requests an orchestrator analysis pass over a project.
type OrchestratorJob struct {
	ProjectID   string `json:"project_id"`
	ScanContext string `json:"scan_context,omitempty"`
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id"`
}

// ChatJob requests one assistant chat turn.
type ChatJob struct {
	MessageID      string `json:"message_id"`
	UserMessageID  string `json:"user_message_id"`
	WorkspaceID    string `json:"workspace_id"`
	ConversationID string `json:"conversation_id"`
	UserContent    string `json:"user_content"`
	ProjectID      string `json:"project_id,omitempty"`
}
