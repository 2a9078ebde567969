// Package settings holds tenant settings: the Fly credentials workers are
// launched with, model provider API keys and agent enablement.
package settings

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider names
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// Settings is the tenant configuration read by dispatch
type Settings struct {
	Fly          FlySettings              `yaml:"fly"`
	Providers    ProviderKeys             `yaml:"providers"`
	DefaultAgent string                   `yaml:"default_agent"`
	Agents       map[string]AgentSettings `yaml:"agents"`
}

// FlySettings are the Fly credentials used to launch workers
type FlySettings struct {
	Token string `yaml:"token"`
	App   string `yaml:"app"`
}

// ProviderKeys are the model provider API keys passed to workers
type ProviderKeys struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
}

// AgentSettings toggles one agent. A nil Enabled means enabled.
type AgentSettings struct {
	Enabled *bool `yaml:"enabled"`
}

// Store is the settings capability consumed by dispatch
type Store interface {
	GetConfig(ctx context.Context) (Settings, error)
}

// ProviderKey returns the API key for provider
func (s Settings) ProviderKey(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return s.Providers.Anthropic
	case ProviderOpenAI:
		return s.Providers.OpenAI
	case ProviderGoogle:
		return s.Providers.Google
	}
	return ""
}

// AgentEnabled reports whether an agent was left enabled
func (s Settings) AgentEnabled(name string) bool {
	agent, ok := s.Agents[name]
	if !ok || agent.Enabled == nil {
		return true
	}
	return *agent.Enabled
}

// Missing lists the required settings that are not set
func (s Settings) Missing() []string {
	var missing []string
	if s.Fly.Token == "" {
		missing = append(missing, "Fly API token")
	}
	if s.Fly.App == "" {
		missing = append(missing, "Fly app name")
	}
	if s.Providers.Anthropic == "" {
		missing = append(missing, "Anthropic API key")
	}
	return missing
}

func (s Settings) clone() Settings {
	out := s
	if s.Agents != nil {
		out.Agents = make(map[string]AgentSettings, len(s.Agents))
		for name, agent := range s.Agents {
			if agent.Enabled != nil {
				enabled := *agent.Enabled
				agent.Enabled = &enabled
			}
			out.Agents[name] = agent
		}
	}
	return out
}

// Parse decodes YAML settings and applies environment fallbacks
func Parse(data []byte) (Settings, error) {
	var s Settings
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	applyEnv(&s)
	return s, nil
}

// applyEnv fills empty fields from the environment
func applyEnv(s *Settings) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	fill(&s.Fly.Token, "FLY_API_TOKEN")
	fill(&s.Fly.App, "FLY_APP_NAME")
	fill(&s.Providers.Anthropic, "ANTHROPIC_API_KEY")
	fill(&s.Providers.OpenAI, "OPENAI_API_KEY")
	fill(&s.Providers.Google, "GOOGLE_API_KEY")
}

// StaticStore serves fixed settings
type StaticStore struct {
	Settings Settings
	Err      error
}

// GetConfig implements Store
func (s *StaticStore) GetConfig(ctx context.Context) (Settings, error) {
	if s.Err != nil {
		return Settings{}, s.Err
	}
	return s.Settings.clone(), nil
}
