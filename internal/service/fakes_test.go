package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"porter/internal/auth"
	"porter/internal/execution"
	"porter/internal/github"
	"porter/internal/model"
	"porter/internal/settings"

	"github.com/sirupsen/logrus"
)

// fakeGitHub is an in-memory github.Client that records every call.
// Mutating calls fail once their context is done.
type fakeGitHub struct {
	mu        sync.Mutex
	issues    map[int]*github.Issue
	comments  map[int][]string
	prCalls   []github.NewPullRequest
	nextIssue int

	getIssueErr  error
	createPRFn   func(pr github.NewPullRequest) (*github.PullRequest, error)
	replaceCalls int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		issues:    map[int]*github.Issue{},
		comments:  map[int][]string{},
		nextIssue: 100,
	}
}

func (f *fakeGitHub) addIssue(number int, title, body string, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[number] = &github.Issue{Number: number, Title: title, Body: body, Labels: labels}
}

func (f *fakeGitHub) labels(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		return append([]string(nil), issue.Labels...)
	}
	return nil
}

func (f *fakeGitHub) commentsOn(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[number]...)
}

func (f *fakeGitHub) pullRequests() []github.NewPullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]github.NewPullRequest(nil), f.prCalls...)
}

func (f *fakeGitHub) GetIssue(ctx context.Context, _, _ string, number int) (*github.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getIssueErr != nil {
		return nil, f.getIssueErr
	}
	issue, ok := f.issues[number]
	if !ok {
		return nil, &github.APIError{Op: "get issue", StatusCode: 404, Err: errors.New("Not Found")}
	}
	out := *issue
	out.Labels = append([]string(nil), issue.Labels...)
	return &out, nil
}

func (f *fakeGitHub) CreateIssue(ctx context.Context, _, _ string, title, body string) (*github.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &github.Issue{Number: f.nextIssue, Title: title, Body: body}
	f.issues[issue.Number] = issue
	out := *issue
	return &out, nil
}

func (f *fakeGitHub) ListIssuesByLabel(_ context.Context, _, _ string, label string) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.Issue
	for _, issue := range f.issues {
		for _, l := range issue.Labels {
			if l == label {
				out = append(out, *issue)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeGitHub) ReplaceLabels(ctx context.Context, _, _ string, number int, labels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceCalls++
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue %d not found", number)
	}
	issue.Labels = append([]string(nil), labels...)
	return nil
}

func (f *fakeGitHub) CreateComment(ctx context.Context, _, _ string, number int, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeGitHub) ListComments(_ context.Context, _, _ string, number int) ([]github.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []github.Comment
	for i, body := range f.comments[number] {
		out = append(out, github.Comment{ID: int64(i + 1), Body: body})
	}
	return out, nil
}

func (f *fakeGitHub) CreatePullRequest(ctx context.Context, owner, repo string, pr github.NewPullRequest) (*github.PullRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.prCalls = append(f.prCalls, pr)
	fn := f.createPRFn
	f.mu.Unlock()
	if fn != nil {
		return fn(pr)
	}
	return &github.PullRequest{Number: 7, HTMLURL: fmt.Sprintf("https://github.com/%s/%s/pull/7", owner, repo)}, nil
}

// fakeCache records invalidated patterns
type fakeCache struct {
	mu      sync.Mutex
	cleared []string
}

func (c *fakeCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (c *fakeCache) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (c *fakeCache) ClearPattern(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, pattern)
	return nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func testSigner(t *testing.T) *auth.CallbackSigner {
	t.Helper()
	signer, err := auth.NewCallbackSigner("test-secret")
	if err != nil {
		t.Fatalf("NewCallbackSigner failed: %v", err)
	}
	return signer
}

func testStore(t *testing.T, signer *auth.CallbackSigner, opts ...execution.Option) *execution.FileStore {
	t.Helper()
	store := execution.NewFileStore(filepath.Join(t.TempDir(), "executions.json"), signer, opts...)
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return store
}

func readySettings() *settings.StaticStore {
	return &settings.StaticStore{Settings: settings.Settings{
		Fly:       settings.FlySettings{Token: "fly-token", App: "porter-app"},
		Providers: settings.ProviderKeys{Anthropic: "sk-ant"},
	}}
}

func factoryFor(gh *fakeGitHub) github.ClientFactory {
	return github.FactoryFunc(func(string) github.Client { return gh })
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func lastMetadata(t *testing.T, gh *fakeGitHub, number int) *model.TaskMetadata {
	t.Helper()
	comments := gh.commentsOn(number)
	if len(comments) == 0 {
		t.Fatalf("Expected a status comment on #%d, got none", number)
	}
	meta, ok := github.ParseComment(comments[len(comments)-1])
	if !ok {
		t.Fatalf("Expected metadata in comment %q", comments[len(comments)-1])
	}
	return meta
}
