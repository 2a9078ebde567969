package service

import (
	"context"
	"fmt"
	"time"

	"porter/internal/cache"
	"porter/internal/github"
	"porter/internal/model"

	"github.com/sirupsen/logrus"
)

// StatusPublisher projects task metadata onto a GitHub issue: it reconciles
// the porter labels and posts a comment carrying the metadata blob
type StatusPublisher struct {
	cache  cache.Cache
	now    func() time.Time
	logger *logrus.Entry
}

// NewStatusPublisher creates a publisher. c may be nil.
func NewStatusPublisher(c cache.Cache, logger *logrus.Entry) *StatusPublisher {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StatusPublisher{cache: c, now: time.Now, logger: logger}
}

// Publish refetches the issue, replaces its labels and posts the status
// comment. The returned metadata carries the stamped updatedAt.
func (p *StatusPublisher) Publish(ctx context.Context, client github.Client, owner, repo string, issueNumber int, summary string, meta model.TaskMetadata) (model.TaskMetadata, error) {
	issue, err := client.GetIssue(ctx, owner, repo, issueNumber)
	if err != nil {
		return meta, fmt.Errorf("failed to fetch issue labels: %w", err)
	}

	labels := github.ReconcileLabels(issue.Labels, meta.Status, meta.Agent, meta.Priority)
	if err := client.ReplaceLabels(ctx, owner, repo, issueNumber, labels); err != nil {
		return meta, fmt.Errorf("failed to update labels: %w", err)
	}

	meta.UpdatedAt = p.now().UTC().Format(time.RFC3339)
	if err := client.CreateComment(ctx, owner, repo, issueNumber, github.BuildComment(summary, meta)); err != nil {
		return meta, fmt.Errorf("failed to post status comment: %w", err)
	}
	return meta, nil
}

// Invalidate drops cached issue views of a repository. Failures are logged.
func (p *StatusPublisher) Invalidate(ctx context.Context, owner, repo string) {
	if err := p.cache.ClearPattern(ctx, cache.IssuesPattern(owner, repo)); err != nil {
		p.logger.WithError(err).WithField("repo", owner+"/"+repo).Warn("Failed to invalidate issue cache")
	}
}

// Timestamp formats t the way metadata timestamps are written
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
