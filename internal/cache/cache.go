// Package cache holds short lived views of GitHub data, such as the
// porter-labelled issue list of a repository.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Cache is a byte cache with pattern invalidation
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	ClearPattern(ctx context.Context, pattern string) error
}

// IssuesKey is the cache key of a repository's task issue list
func IssuesKey(owner, repo string) string {
	return fmt.Sprintf("issues:%s/%s", owner, repo)
}

// CallerIssuesKey scopes a repository's issue list to the token that read
// it, so one caller's view is never served to another
func CallerIssuesKey(owner, repo, token string) string {
	sum := sha256.Sum256([]byte(token))
	return IssuesKey(owner, repo) + ":" + hex.EncodeToString(sum[:])[:12]
}

// IssuesPattern matches every issue view cached for a repository
func IssuesPattern(owner, repo string) string {
	return IssuesKey(owner, repo) + "*"
}

// Noop is a Cache that never stores anything
type Noop struct{}

// Get always misses
func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set discards the value
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// ClearPattern does nothing
func (Noop) ClearPattern(context.Context, string) error { return nil }
