// Package agents knows which coding agents porter can launch and whether
// each one is ready to run with the current settings.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"porter/internal/settings"
)

// DefaultAgent is used when neither the command nor settings name one
const DefaultAgent = "opencode"

// Agent describes a built-in coding agent
type Agent struct {
	Name     string
	Provider string
}

var builtin = map[string]Agent{
	"opencode": {Name: "opencode", Provider: settings.ProviderAnthropic},
	"claude":   {Name: "claude", Provider: settings.ProviderAnthropic},
	"codex":    {Name: "codex", Provider: settings.ProviderOpenAI},
	"gemini":   {Name: "gemini", Provider: settings.ProviderGoogle},
}

// Lookup returns the built-in agent with name
func Lookup(name string) (Agent, bool) {
	agent, ok := builtin[strings.ToLower(strings.TrimSpace(name))]
	return agent, ok
}

// Known reports whether name is a built-in agent
func Known(name string) bool {
	_, ok := Lookup(name)
	return ok
}

// Names lists the built-in agents in order
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Readiness is the result of a readiness check
type Readiness struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// Checker reports whether an agent can run
type Checker interface {
	IsReady(ctx context.Context, name string) (Readiness, error)
}

// Registry checks readiness against the settings store
type Registry struct {
	settings settings.Store
}

// NewRegistry creates a registry backed by store
func NewRegistry(store settings.Store) *Registry {
	return &Registry{settings: store}
}

// IsReady reports whether the agent is known, enabled and has its provider key
func (r *Registry) IsReady(ctx context.Context, name string) (Readiness, error) {
	agent, ok := Lookup(name)
	if !ok {
		return Readiness{Reason: fmt.Sprintf("Unknown agent %q.", name)}, nil
	}

	cfg, err := r.settings.GetConfig(ctx)
	if err != nil {
		return Readiness{}, fmt.Errorf("failed to load settings: %w", err)
	}
	if !cfg.AgentEnabled(agent.Name) {
		return Readiness{Reason: fmt.Sprintf("Agent %s is disabled.", agent.Name)}, nil
	}
	if cfg.ProviderKey(agent.Provider) == "" {
		return Readiness{Reason: fmt.Sprintf("Agent %s needs a %s API key.", agent.Name, agent.Provider)}, nil
	}
	return Readiness{Ready: true}, nil
}
