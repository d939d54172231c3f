package domain

import "fmt"

// ValidationError reports missing or malformed input. The operation was not
// attempted and no state changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown story or project.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError reports a lifecycle guard violation. Current carries
// the status at the time of the attempt so callers can reconcile their view.
type InvalidTransitionError struct {
	StoryID string
	Current StoryStatus
	Target  StoryStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("story %s: cannot move from %s to %s", e.StoryID, e.Current, e.Target)
}

// ConcurrencyConflictError reports a single-flight violation: another story in
// the project already holds in_progress. Callers should retry later rather
// than treat this as permanent.
type ConcurrencyConflictError struct {
	StoryID   string
	ProjectID string
}

func (e ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("story %s: project %s already has a story in progress", e.StoryID, e.ProjectID)
}

// JobExhaustedError reports that a queue job used all its attempts. The owning
// entity must be marked failed by whoever observes this.
type JobExhaustedError struct {
	Queue    string
	JobID    string
	Attempts int
	LastErr  string
}

func (e JobExhaustedError) Error() string {
	return fmt.Sprintf("job %s on queue %s exhausted after %d attempts: %s", e.JobID, e.Queue, e.Attempts, e.LastErr)
}
