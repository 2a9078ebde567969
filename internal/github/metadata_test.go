package github

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"porter/internal/model"
)

func TestBuildComment_RoundTrip(t *testing.T) {
	cases := []model.TaskMetadata{
		{
			TaskID:    "owner/repo#42",
			Agent:     "opencode",
			Priority:  model.PriorityHigh,
			Status:    model.StatusQueued,
			Progress:  0,
			CreatedAt: "2026-10-14T10:00:00Z",
		},
		{
			TaskID:               "owner/repo#7",
			Agent:                "claude",
			Priority:             model.PriorityLow,
			Status:               model.StatusFailed,
			Progress:             100,
			CreatedAt:            "2026-10-14T10:00:00Z",
			UpdatedAt:            "2026-10-14T10:05:00Z",
			Summary:              "tests <failed> --> badly & loudly",
			PRURL:                "https://github.com/owner/repo/pull/8",
			PRNumber:             8,
			BranchName:           "porter/task_1",
			CommitHash:           "abc123",
			FailureStage:         model.StagePR,
			CallbackAttempts:     2,
			CallbackMaxAttempts:  5,
			CallbackLastHTTPCode: 502,
		},
	}

	for _, meta := range cases {
		body := BuildComment("Porter update", meta)
		if !strings.HasPrefix(body, "Porter update\n\n<!-- porter:") {
			t.Errorf("unexpected comment layout: %q", body)
		}
		parsed, ok := ParseComment(body)
		if !ok {
			t.Fatalf("ParseComment() found no metadata in %q", body)
		}
		if !reflect.DeepEqual(*parsed, meta) {
			t.Errorf("round trip mismatch:\nexpected %+v\ngot      %+v", meta, *parsed)
		}
	}
}

func TestParseComment_Malformed(t *testing.T) {
	bodies := []string{
		"",
		"just a human comment",
		"summary\n\n<!-- porter:{not json} -->",
		"<!-- other:{\"taskId\":\"x\"} -->",
	}
	for _, body := range bodies {
		if _, ok := ParseComment(body); ok {
			t.Errorf("Expected no metadata for %q", body)
		}
	}
}

func TestLatestMetadata_NewestFirst(t *testing.T) {
	base := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	comments := []Comment{
		{ID: 1, Body: BuildComment("queued", model.TaskMetadata{TaskID: "o/r#1", Status: model.StatusQueued}), CreatedAt: base},
		{ID: 2, Body: BuildComment("running", model.TaskMetadata{TaskID: "o/r#1", Status: model.StatusRunning}), CreatedAt: base.Add(time.Minute)},
		{ID: 3, Body: "thanks porter!", CreatedAt: base.Add(2 * time.Minute)},
	}

	meta, ok := LatestMetadata(comments)
	if !ok {
		t.Fatal("Expected metadata")
	}
	if meta.Status != model.StatusRunning {
		t.Errorf("Expected running, got %s", meta.Status)
	}

	if _, ok := LatestMetadata(comments[2:]); ok {
		t.Error("Expected no metadata in human-only comments")
	}
}
