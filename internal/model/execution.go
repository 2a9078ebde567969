package model

import "time"

// ExecutionContext tracks one dispatched task from intake until a callback
// or the watchdog consumes it
type ExecutionContext struct {
	ExecutionID    string         `json:"executionId"`
	CallbackToken  string         `json:"callbackToken"`
	Owner          string         `json:"owner"`
	Repo           string         `json:"repo"`
	IssueNumber    int            `json:"issueNumber"`
	Agent          string         `json:"agent"`
	Priority       Priority       `json:"priority"`
	Prompt         string         `json:"prompt"`
	BranchName     string         `json:"branchName"`
	BaseBranch     string         `json:"baseBranch"`
	GitHubToken    string         `json:"githubToken"`
	RepoCloneURL   string         `json:"repoCloneUrl,omitempty"`
	InstallationID int64          `json:"installationId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	MachineID      string         `json:"machineId,omitempty"`
	State          ExecutionState `json:"state"`
	TerminalStatus TaskStatus     `json:"terminalStatus,omitempty"`
}

// TaskID returns owner/repo#issue for the context
func (e *ExecutionContext) TaskID() string {
	return TaskID(e.Owner, e.Repo, e.IssueNumber)
}

// Launched reports whether a remote machine was started for the context
func (e *ExecutionContext) Launched() bool {
	return e.State == StateLaunched && e.MachineID != ""
}

// Clone returns a copy safe to hand out of a store
func (e *ExecutionContext) Clone() *ExecutionContext {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// BranchNameFor derives the working branch for an execution
func BranchNameFor(executionID string) string {
	return "porter/" + executionID
}
