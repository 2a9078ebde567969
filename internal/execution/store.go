// Package execution stores in-flight execution contexts. Every backend
// offers the same consume-once semantics: exactly one caller receives a
// context from Consume or Remove, later callers get nil.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"porter/internal/auth"
	"porter/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by mutations on an unknown execution id
	ErrNotFound = errors.New("execution: unknown execution")
	// ErrInvalidInput is returned when a context cannot be created from the input
	ErrInvalidInput = errors.New("execution: invalid input")
)

// CreateInput carries the caller supplied part of a new execution context
type CreateInput struct {
	Owner          string
	Repo           string
	IssueNumber    int
	Agent          string
	Priority       model.Priority
	Prompt         string
	BaseBranch     string
	GitHubToken    string
	RepoCloneURL   string
	InstallationID int64
}

// Store is the execution context store used by dispatch, callbacks and the watchdog
type Store interface {
	Open(ctx context.Context) error
	Close() error

	// Create generates id, token, branch and timestamp and persists the context
	Create(ctx context.Context, in CreateInput) (*model.ExecutionContext, error)
	// Get returns nil, nil when the id is unknown
	Get(ctx context.Context, executionID string) (*model.ExecutionContext, error)
	// Consume removes and returns the context; nil, nil if already gone
	Consume(ctx context.Context, executionID string) (*model.ExecutionContext, error)
	// Remove is Consume on behalf of the watchdog
	Remove(ctx context.Context, executionID string) (*model.ExecutionContext, error)
	// ListOlderThan returns launched contexts created before now-maxAge
	ListOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error)
	// ListPendingOlderThan returns never launched contexts created before now-maxAge
	ListPendingOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error)
	MarkTerminal(ctx context.Context, executionID string, status model.TaskStatus) error
	AttachJobID(ctx context.Context, executionID, jobID string) error
}

// Option configures a store
type Option func(*base)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDFunc overrides execution id generation
func WithIDFunc(newID func() string) Option {
	return func(b *base) {
		if newID != nil {
			b.newID = newID
		}
	}
}

// WithLogger sets the store logger
func WithLogger(log *logrus.Entry) Option {
	return func(b *base) {
		if log != nil {
			b.log = log
		}
	}
}

// NewExecutionID returns a fresh task_<uuid> id
func NewExecutionID() string {
	return "task_" + uuid.NewString()
}

// base holds what every backend shares: signing, clock and id generation
type base struct {
	signer *auth.CallbackSigner
	now    func() time.Time
	newID  func() string
	log    *logrus.Entry
}

func newBase(signer *auth.CallbackSigner, component string, opts []Option) base {
	b := base{
		signer: signer,
		now:    time.Now,
		newID:  NewExecutionID,
		log:    logrus.WithField("component", component),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) newContext(in CreateInput) (*model.ExecutionContext, error) {
	if strings.TrimSpace(in.Owner) == "" || strings.TrimSpace(in.Repo) == "" {
		return nil, fmt.Errorf("%w: owner and repo are required", ErrInvalidInput)
	}
	if in.IssueNumber <= 0 {
		return nil, fmt.Errorf("%w: issue number must be positive", ErrInvalidInput)
	}
	if b.signer == nil {
		return nil, auth.ErrMissingCallbackSecret
	}

	priority := in.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	baseBranch := strings.TrimSpace(in.BaseBranch)
	if baseBranch == "" {
		baseBranch = "main"
	}

	id := b.newID()
	return &model.ExecutionContext{
		ExecutionID:    id,
		CallbackToken:  b.signer.Sign(id),
		Owner:          in.Owner,
		Repo:           in.Repo,
		IssueNumber:    in.IssueNumber,
		Agent:          in.Agent,
		Priority:       priority,
		Prompt:         in.Prompt,
		BranchName:     model.BranchNameFor(id),
		BaseBranch:     baseBranch,
		GitHubToken:    in.GitHubToken,
		RepoCloneURL:   in.RepoCloneURL,
		InstallationID: in.InstallationID,
		CreatedAt:      b.now().UTC(),
		State:          model.StatePending,
	}, nil
}

func (b *base) cutoff(maxAge time.Duration) time.Time {
	return b.now().UTC().Add(-maxAge)
}

func isStaleLaunched(c *model.ExecutionContext, cutoff time.Time) bool {
	return c.Launched() && c.CreatedAt.Before(cutoff)
}

func isStalePending(c *model.ExecutionContext, cutoff time.Time) bool {
	return (c.State == model.StatePending || c.State == "") && c.MachineID == "" && c.CreatedAt.Before(cutoff)
}

// attach moves c to launched with the given machine id
func attach(c *model.ExecutionContext, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidInput)
	}
	next, err := model.NextState(c.ExecutionID, c.State, model.EventLaunch)
	if err != nil {
		return err
	}
	c.State = next
	c.MachineID = jobID
	return nil
}

// checkConsumable rejects contexts whose state cannot be consumed
func checkConsumable(c *model.ExecutionContext) error {
	_, err := model.NextState(c.ExecutionID, c.State, model.EventConsume)
	return err
}

func markTerminal(c *model.ExecutionContext, status model.TaskStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidInput, status)
	}
	c.TerminalStatus = status
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
	_ Store = (*GormStore)(nil)
)
