package github

import (
	"strings"

	"porter/internal/model"
)

// Label vocabulary. Status, agent and priority are projected onto fixed
// prefix labels so tasks can be filtered from the GitHub UI.
const (
	LabelTask      = "porter:task"
	statusPrefix   = "porter:"
	agentPrefix    = "porter:agent:"
	priorityPrefix = "porter:priority:"
)

// StatusLabel returns the label for a task status
func StatusLabel(status model.TaskStatus) string {
	return statusPrefix + string(status)
}

// AgentLabel returns the label for an agent
func AgentLabel(agent string) string {
	return agentPrefix + agent
}

// PriorityLabel returns the label for a priority
func PriorityLabel(priority model.Priority) string {
	return priorityPrefix + string(priority)
}

// IsPorterLabel reports whether name is in the porter: namespace. The
// match ignores case so hand-edited or stray labels are stripped too.
func IsPorterLabel(name string) bool {
	return len(name) > len(statusPrefix) && strings.EqualFold(name[:len(statusPrefix)], statusPrefix)
}

// ReconcileLabels strips every porter label from current and adds the
// labels describing the given task state. Foreign labels keep their order;
// duplicates are dropped.
func ReconcileLabels(current []string, status model.TaskStatus, agent string, priority model.Priority) []string {
	seen := make(map[string]bool, len(current)+4)
	out := make([]string, 0, len(current)+4)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, name := range current {
		if !IsPorterLabel(name) {
			add(name)
		}
	}

	add(LabelTask)
	add(StatusLabel(status))
	if agent != "" {
		add(AgentLabel(agent))
	}
	if priority != "" {
		add(PriorityLabel(priority))
	}
	return out
}

// StatusFromLabels returns the status carried by the labels, if any
func StatusFromLabels(labels []string) (model.TaskStatus, bool) {
	for _, name := range labels {
		for _, status := range model.AllStatuses {
			if name == StatusLabel(status) {
				return status, true
			}
		}
	}
	return "", false
}
