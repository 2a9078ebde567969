package model

import (
	"fmt"
	"strings"
)

// TaskStatus is the externally visible status of a dispatched task
type TaskStatus string

// Task status constants
const (
	StatusQueued   TaskStatus = "queued"
	StatusRunning  TaskStatus = "running"
	StatusSuccess  TaskStatus = "success"
	StatusFailed   TaskStatus = "failed"
	StatusTimedOut TaskStatus = "timed_out"
)

// AllStatuses lists every task status in label order
var AllStatuses = []TaskStatus{StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusTimedOut}

// Valid reports whether s is a known status
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimedOut
}

// Priority is the requested scheduling priority of a task
type Priority string

// Priority constants
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a user supplied priority; empty input means normal
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q (want low, normal or high)", raw)
	}
}

// FailureStage records where a failed task broke down
type FailureStage string

// Failure stage constants
const (
	StageDispatch FailureStage = "dispatch"
	StageAgent    FailureStage = "agent"
	StageCallback FailureStage = "callback"
	StagePR       FailureStage = "pr"
)

// TaskID formats the public task identifier owner/repo#number
func TaskID(owner, repo string, issueNumber int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, issueNumber)
}
