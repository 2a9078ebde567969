package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"porter/internal/model"
)

func TestStatusPublisher_Publish(t *testing.T) {
	gh := newFakeGitHub()
	gh.addIssue(3, "t", "b", "bug", "porter:task", "porter:queued", "porter:agent:codex", "porter:priority:low")
	c := &fakeCache{}
	p := NewStatusPublisher(c, testLogger())
	p.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.FixedZone("x", 3600)) }

	meta := model.TaskMetadata{TaskID: "o/r#3", Agent: "opencode", Priority: model.PriorityHigh, Status: model.StatusRunning, Progress: 10}
	for i := 0; i < 2; i++ {
		published, err := p.Publish(context.Background(), gh, "o", "r", 3, "running", meta)
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if published.UpdatedAt != "2026-10-14T08:30:00Z" {
			t.Errorf("Expected UTC updatedAt, got %s", published.UpdatedAt)
		}
	}

	want := []string{"bug", "porter:agent:opencode", "porter:priority:high", "porter:running", "porter:task"}
	got := gh.labels(3)
	if !sameSet(got, want) {
		t.Errorf("Expected labels %v, got %v", want, got)
	}
	if n := len(gh.commentsOn(3)); n != 2 {
		t.Errorf("Expected 2 comments, got %d", n)
	}

	p.Invalidate(context.Background(), "o", "r")
	if !reflect.DeepEqual(c.cleared, []string{"issues:o/r*"}) {
		t.Errorf("Unexpected invalidation %v", c.cleared)
	}
}

func TestStatusPublisher_IssueFetchFails(t *testing.T) {
	gh := newFakeGitHub()
	gh.getIssueErr = errors.New("boom")
	p := NewStatusPublisher(nil, testLogger())

	if _, err := p.Publish(context.Background(), gh, "o", "r", 1, "x", model.TaskMetadata{}); err == nil {
		t.Fatal("Expected error")
	}
	if gh.replaceCalls != 0 || len(gh.commentsOn(1)) != 0 {
		t.Error("Expected no writes after a failed fetch")
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
