package model

// TaskMetadata is the status blob embedded in GitHub issue comments.
// It is the durable, user visible record of a task; the execution
// context is its internal, short lived counterpart.
type TaskMetadata struct {
	TaskID               string       `json:"taskId"`
	Agent                string       `json:"agent"`
	Priority             Priority     `json:"priority"`
	Status               TaskStatus   `json:"status"`
	Progress             int          `json:"progress"`
	CreatedAt            string       `json:"createdAt"`
	UpdatedAt            string       `json:"updatedAt,omitempty"`
	Summary              string       `json:"summary,omitempty"`
	PRURL                string       `json:"prUrl,omitempty"`
	PRNumber             int          `json:"prNumber,omitempty"`
	BranchName           string       `json:"branchName,omitempty"`
	CommitHash           string       `json:"commitHash,omitempty"`
	FailureStage         FailureStage `json:"failureStage,omitempty"`
	CallbackAttempts     int          `json:"callbackAttempts,omitempty"`
	CallbackMaxAttempts  int          `json:"callbackMaxAttempts,omitempty"`
	CallbackLastHTTPCode int          `json:"callbackLastHttpCode,omitempty"`
}

// WithStatus returns a copy moved to the given status and progress
func (m TaskMetadata) WithStatus(status TaskStatus, progress int) TaskMetadata {
	m.Status = status
	m.Progress = progress
	return m
}

// Failed returns a copy moved to failed at the given stage
func (m TaskMetadata) Failed(stage FailureStage, summary string) TaskMetadata {
	m.Status = StatusFailed
	m.Progress = 100
	m.FailureStage = stage
	m.Summary = summary
	return m
}
