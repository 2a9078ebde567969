package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
fly:
  token: fly-token
  app: porter-app
providers:
  anthropic: sk-ant
default_agent: claude
agents:
  codex:
    enabled: false
  opencode:
    enabled: true
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if s.Fly.Token != "fly-token" || s.Fly.App != "porter-app" {
		t.Errorf("unexpected fly settings %+v", s.Fly)
	}
	if s.ProviderKey(ProviderAnthropic) != "sk-ant" {
		t.Errorf("Expected anthropic key, got %q", s.ProviderKey(ProviderAnthropic))
	}
	if s.DefaultAgent != "claude" {
		t.Errorf("Expected default agent claude, got %s", s.DefaultAgent)
	}
	if s.AgentEnabled("codex") {
		t.Error("Expected codex disabled")
	}
	if !s.AgentEnabled("opencode") || !s.AgentEnabled("gemini") {
		t.Error("Expected opencode and unlisted agents enabled")
	}
	if len(s.Missing()) != 0 {
		t.Errorf("Expected nothing missing, got %v", s.Missing())
	}
}

func TestParse_EnvFallback(t *testing.T) {
	os.Setenv("FLY_API_TOKEN", "env-token")
	os.Setenv("OPENAI_API_KEY", "sk-openai")
	defer func() {
		os.Unsetenv("FLY_API_TOKEN")
		os.Unsetenv("OPENAI_API_KEY")
	}()

	s, err := Parse([]byte("fly:\n  app: from-file\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if s.Fly.Token != "env-token" {
		t.Errorf("Expected token from env, got %q", s.Fly.Token)
	}
	if s.Fly.App != "from-file" {
		t.Errorf("Expected app from file, got %q", s.Fly.App)
	}
	if s.ProviderKey(ProviderOpenAI) != "sk-openai" {
		t.Errorf("Expected openai key from env, got %q", s.ProviderKey(ProviderOpenAI))
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("fly: [unterminated")); err == nil {
		t.Error("Expected parse error")
	}
}

func TestMissing(t *testing.T) {
	missing := Settings{Fly: FlySettings{App: "a"}}.Missing()
	if len(missing) != 2 {
		t.Errorf("Expected token and anthropic key missing, got %v", missing)
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	s, _ := store.GetConfig(context.Background())
	if s.Fly.App != "" {
		t.Errorf("Expected empty settings, got %+v", s)
	}
}

func TestFileStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte(sample), 0o600)

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}

	os.WriteFile(path, []byte("fly:\n  token: rotated\n  app: porter-app\n"), 0o600)
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	s, _ := store.GetConfig(context.Background())
	if s.Fly.Token != "rotated" {
		t.Errorf("Expected rotated token, got %q", s.Fly.Token)
	}

	os.WriteFile(path, []byte("fly: [broken"), 0o600)
	if err := store.Reload(); err == nil {
		t.Error("Expected reload error for broken file")
	}
	s, _ = store.GetConfig(context.Background())
	if s.Fly.Token != "rotated" {
		t.Errorf("Expected previous settings kept, got %q", s.Fly.Token)
	}
}

func TestFileStore_GetConfigReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte(sample), 0o600)
	store, _ := NewFileStore(path)

	s, _ := store.GetConfig(context.Background())
	*s.Agents["codex"].Enabled = true

	again, _ := store.GetConfig(context.Background())
	if again.AgentEnabled("codex") {
		t.Error("Expected stored settings isolated from caller mutation")
	}
}

func TestFileStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte(sample), 0o600)
	store, _ := NewFileStore(path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	os.WriteFile(path, []byte("fly:\n  token: watched\n  app: porter-app\n"), 0o600)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, _ := store.GetConfig(context.Background())
		if s.Fly.Token == "watched" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("Expected settings reloaded after file change")
}

func TestStaticStore(t *testing.T) {
	store := &StaticStore{Settings: Settings{DefaultAgent: "opencode"}}
	s, err := store.GetConfig(context.Background())
	if err != nil || s.DefaultAgent != "opencode" {
		t.Errorf("unexpected static settings %+v, %v", s, err)
	}
}
