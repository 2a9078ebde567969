package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"porter/internal/execution"
	"porter/internal/github"
	"porter/internal/model"
)

type callbackFixture struct {
	gh      *fakeGitHub
	store   *execution.FileStore
	cache   *fakeCache
	handler *CallbackHandler
	ec      *model.ExecutionContext
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	signer := testSigner(t)
	f := &callbackFixture{
		gh:    newFakeGitHub(),
		store: testStore(t, signer, execution.WithIDFunc(func() string { return "task_123" })),
		cache: &fakeCache{},
	}
	f.gh.addIssue(42, "Improve coverage", "", "porter:task", "porter:running", "porter:agent:opencode", "porter:priority:high")

	ctx := context.Background()
	ec, err := f.store.Create(ctx, execution.CreateInput{
		Owner: "owner", Repo: "repo", IssueNumber: 42,
		Agent: "opencode", Priority: model.PriorityHigh,
		Prompt: "focus on tests", GitHubToken: "ghp",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.store.AttachJobID(ctx, ec.ExecutionID, "m-1"); err != nil {
		t.Fatalf("AttachJobID failed: %v", err)
	}
	f.ec = ec
	f.handler = NewCallbackHandler(f.store, signer, factoryFor(f.gh), NewTokenResolver(nil, testLogger()),
		NewStatusPublisher(f.cache, testLogger()), testLogger())
	return f
}

func (f *callbackFixture) stored(t *testing.T) *model.ExecutionContext {
	t.Helper()
	ec, err := f.store.Get(context.Background(), f.ec.ExecutionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return ec
}

func TestCallback_CompleteOpensPullRequest(t *testing.T) {
	f := newCallbackFixture(t)

	status, resp := f.handler.Handle(context.Background(), CallbackPayload{
		ExecutionID: "task_123",
		Status:      "complete",
		BranchName:  "porter/task_123",
		CommitHash:  "abc123",
	}, f.ec.CallbackToken)

	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%+v)", status, resp)
	}
	if !resp.OK || resp.PRURL == "" || resp.PRNumber != 7 {
		t.Errorf("Expected ok with PR details, got %+v", resp)
	}

	prs := f.gh.pullRequests()
	if len(prs) != 1 {
		t.Fatalf("Expected 1 CreatePullRequest call, got %d", len(prs))
	}
	if prs[0].Head != "porter/task_123" || prs[0].Base != "main" {
		t.Errorf("Expected head porter/task_123 base main, got %s -> %s", prs[0].Head, prs[0].Base)
	}
	if f.stored(t) != nil {
		t.Error("Expected execution context to be consumed")
	}

	meta := lastMetadata(t, f.gh, 42)
	if meta.Status != model.StatusSuccess || meta.PRNumber != 7 || meta.CommitHash != "abc123" {
		t.Errorf("Unexpected metadata %+v", meta)
	}
	if !strings.Contains(meta.Summary, resp.PRURL) {
		t.Errorf("Expected summary to link the PR, got %q", meta.Summary)
	}
	labels := f.gh.labels(42)
	if !hasLabel(labels, "porter:success") || hasLabel(labels, "porter:running") {
		t.Errorf("Expected success label only, got %v", labels)
	}
	if !hasLabel(labels, "porter:agent:opencode") || !hasLabel(labels, "porter:priority:high") {
		t.Errorf("Expected agent and priority labels kept, got %v", labels)
	}

	status, _ = f.handler.Handle(context.Background(), CallbackPayload{ExecutionID: "task_123", Status: "complete"}, f.ec.CallbackToken)
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 on redelivery, got %d", status)
	}
}

func TestCallback_BadTokenRejectedBeforeMutation(t *testing.T) {
	f := newCallbackFixture(t)

	status, resp := f.handler.Handle(context.Background(), CallbackPayload{
		ExecutionID: "task_123",
		Status:      "complete",
		BranchName:  "porter/task_123",
	}, "not-the-token")

	if status != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", status)
	}
	if resp.Error == "" {
		t.Error("Expected error message")
	}
	if len(f.gh.pullRequests()) != 0 {
		t.Error("Expected no CreatePullRequest call")
	}
	if len(f.gh.commentsOn(42)) != 0 {
		t.Error("Expected no status comment")
	}
	if f.stored(t) == nil {
		t.Error("Expected execution context to remain")
	}
}

func TestCallback_TokenFromBody(t *testing.T) {
	f := newCallbackFixture(t)

	status, _ := f.handler.Handle(context.Background(), CallbackPayload{
		TaskID:        "task_123",
		CallbackToken: f.ec.CallbackToken,
		Status:        "failed",
		Error:         "agent crashed",
	}, "")
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	meta := lastMetadata(t, f.gh, 42)
	if meta.Status != model.StatusFailed || meta.FailureStage != model.StageAgent {
		t.Errorf("Expected failed/agent, got %s/%s", meta.Status, meta.FailureStage)
	}
	if meta.Summary != "agent crashed" {
		t.Errorf("Expected error as summary, got %q", meta.Summary)
	}
	if len(f.gh.pullRequests()) != 0 {
		t.Error("Expected no PR on failure")
	}
	if f.stored(t) != nil {
		t.Error("Expected execution context to be consumed")
	}
}

func TestCallback_BaseBranchFallback(t *testing.T) {
	f := newCallbackFixture(t)
	f.gh.createPRFn = func(pr github.NewPullRequest) (*github.PullRequest, error) {
		if pr.Base == "main" {
			return nil, &github.APIError{Op: "create pull request", StatusCode: 422, Err: errors.New("base main does not exist")}
		}
		return &github.PullRequest{Number: 8, HTMLURL: "https://github.com/owner/repo/pull/8"}, nil
	}

	status, resp := f.handler.Handle(context.Background(), CallbackPayload{
		ExecutionID: "task_123", Status: "success",
	}, f.ec.CallbackToken)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	if resp.PRNumber != 8 {
		t.Errorf("Expected PR 8, got %d", resp.PRNumber)
	}
	prs := f.gh.pullRequests()
	if len(prs) != 2 {
		t.Fatalf("Expected 2 CreatePullRequest attempts, got %d", len(prs))
	}
	if prs[0].Base != "main" || prs[1].Base != "master" {
		t.Errorf("Expected main then master, got %s then %s", prs[0].Base, prs[1].Base)
	}
	if meta := lastMetadata(t, f.gh, 42); meta.Status != model.StatusSuccess {
		t.Errorf("Expected success, got %s", meta.Status)
	}
}

func TestCallback_AllPullRequestAttemptsFail(t *testing.T) {
	f := newCallbackFixture(t)
	f.gh.createPRFn = func(github.NewPullRequest) (*github.PullRequest, error) {
		return nil, errors.New("no commits between base and head")
	}

	status, resp := f.handler.Handle(context.Background(), CallbackPayload{
		ExecutionID: "task_123", Status: "complete", BaseBranch: " develop ",
	}, f.ec.CallbackToken)
	if status != http.StatusOK || !resp.OK {
		t.Fatalf("Expected 200 ok, got %d %+v", status, resp)
	}
	if resp.PRURL != "" {
		t.Errorf("Expected no PR url, got %s", resp.PRURL)
	}

	prs := f.gh.pullRequests()
	var bases []string
	for _, pr := range prs {
		bases = append(bases, pr.Base)
	}
	if strings.Join(bases, ",") != "develop,main,master" {
		t.Errorf("Expected develop,main,master, got %v", bases)
	}

	meta := lastMetadata(t, f.gh, 42)
	if meta.Status != model.StatusFailed || meta.FailureStage != model.StagePR {
		t.Errorf("Expected failed/pr, got %s/%s", meta.Status, meta.FailureStage)
	}
	if !strings.Contains(meta.Summary, "no commits between base and head") || !strings.Contains(meta.Summary, f.ec.BranchName) {
		t.Errorf("Expected error and branch in summary, got %q", meta.Summary)
	}
}

func TestCallback_MissingAndUnknownID(t *testing.T) {
	f := newCallbackFixture(t)

	if status, _ := f.handler.Handle(context.Background(), CallbackPayload{Status: "complete"}, "x"); status != http.StatusBadRequest {
		t.Errorf("Expected 400 without id, got %d", status)
	}
	if status, _ := f.handler.Handle(context.Background(), CallbackPayload{ExecutionID: "task_nope"}, "x"); status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown id, got %d", status)
	}
}

func TestCallback_TelemetryParsedLeniently(t *testing.T) {
	body := `{"execution_id":"task_123","status":"failed","summary":"tests failed",
		"callback_attempt":"2","callback_max_attempts":5,"callback_last_http_code":"oops"}`
	payload, err := DecodeCallback([]byte(body))
	if err != nil {
		t.Fatalf("DecodeCallback failed: %v", err)
	}

	f := newCallbackFixture(t)
	status, _ := f.handler.Handle(context.Background(), payload, f.ec.CallbackToken)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	meta := lastMetadata(t, f.gh, 42)
	if meta.CallbackAttempts != 2 || meta.CallbackMaxAttempts != 5 || meta.CallbackLastHTTPCode != 0 {
		t.Errorf("Unexpected telemetry %d/%d/%d", meta.CallbackAttempts, meta.CallbackMaxAttempts, meta.CallbackLastHTTPCode)
	}
}

func TestLenientInt(t *testing.T) {
	tests := []struct {
		raw  string
		want LenientInt
	}{
		{`3`, 3},
		{`"4"`, 4},
		{`" 12 "`, 12},
		{`0`, 0},
		{`-1`, 0},
		{`"abc"`, 0},
		{`null`, 0},
		{`true`, 0},
		{`1e2`, 100},
		{`"3.0"`, 3},
		{`2147483647`, 2147483647},
		{`2147483648`, 0},
		{`1e19`, 0},
		{`"2.9"`, 0},
		{`2.5`, 0},
		{`"NaN"`, 0},
		{`"Inf"`, 0},
	}
	for _, tt := range tests {
		var n LenientInt
		if err := json.Unmarshal([]byte(tt.raw), &n); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tt.raw, err)
			continue
		}
		if n != tt.want {
			t.Errorf("Unmarshal(%s): expected %d, got %d", tt.raw, tt.want, n)
		}
	}
}

func TestCallback_CallerCancelAfterConsumeStillFinalizes(t *testing.T) {
	f := newCallbackFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gh.createPRFn = func(pr github.NewPullRequest) (*github.PullRequest, error) {
		// the worker's HTTP client times out while GitHub is slow
		cancel()
		return &github.PullRequest{Number: 11, HTMLURL: "https://github.com/owner/repo/pull/11"}, nil
	}

	status, resp := f.handler.Handle(ctx, CallbackPayload{
		ExecutionID: "task_123",
		Status:      "complete",
		BranchName:  "porter/task_123",
	}, f.ec.CallbackToken)

	if status != http.StatusOK || resp.PRNumber != 11 {
		t.Fatalf("Expected 200 with PR 11, got %d %+v", status, resp)
	}
	if f.stored(t) != nil {
		t.Error("Expected execution context to be consumed")
	}
	meta := lastMetadata(t, f.gh, 42)
	if meta.Status != model.StatusSuccess || meta.PRNumber != 11 {
		t.Errorf("Expected success with PR 11, got %s/%d", meta.Status, meta.PRNumber)
	}
	if labels := f.gh.labels(42); !hasLabel(labels, "porter:success") || hasLabel(labels, "porter:running") {
		t.Errorf("Expected success label only, got %v", labels)
	}
}

func TestDecodeCallback_OutOfRangeTelemetryDropped(t *testing.T) {
	payload, err := DecodeCallback([]byte(`{"execution_id":"task_1","callback_attempt":1e19,"callback_max_attempts":"5","callback_last_http_code":"2.9"}`))
	if err != nil {
		t.Fatalf("DecodeCallback failed: %v", err)
	}
	meta := callbackMetadata(&model.ExecutionContext{ExecutionID: "task_1", Owner: "o", Repo: "r", IssueNumber: 1}, payload)
	if meta.CallbackAttempts != 0 || meta.CallbackLastHTTPCode != 0 {
		t.Errorf("Expected out of range values dropped, got attempt=%d code=%d", meta.CallbackAttempts, meta.CallbackLastHTTPCode)
	}
	if meta.CallbackMaxAttempts != 5 {
		t.Errorf("Expected max attempts 5, got %d", meta.CallbackMaxAttempts)
	}
}
