package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"porter/internal/auth"
	"porter/internal/model"
)

// FileStore keeps contexts in memory and snapshots the whole set to a JSON
// array file after every mutation. The snapshot is crash recovery for a
// single process, not a coordination point between processes.
type FileStore struct {
	base
	path string

	mu     sync.Mutex
	loaded bool
	items  map[string]*model.ExecutionContext
}

// NewFileStore creates a store persisted at path
func NewFileStore(path string, signer *auth.CallbackSigner, opts ...Option) *FileStore {
	return &FileStore{
		base:  newBase(signer, "execution-store", opts),
		path:  path,
		items: make(map[string]*model.ExecutionContext),
	}
}

// Open loads the snapshot. Later calls are no-ops.
func (s *FileStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read execution store: %w", err)
	}

	var list []*model.ExecutionContext
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("failed to parse execution store %s: %w", s.path, err)
		}
	}
	for _, c := range list {
		if c == nil || c.ExecutionID == "" {
			continue
		}
		if c.State == "" {
			c.State = model.StatePending
			if c.MachineID != "" {
				c.State = model.StateLaunched
			}
		}
		s.items[c.ExecutionID] = c
	}

	s.loaded = true
	s.log.WithField("count", len(s.items)).Debug("Execution store loaded")
	return nil
}

// persistLocked rewrites the snapshot through a temp file and rename
func (s *FileStore) persistLocked() error {
	list := make([]*model.ExecutionContext, 0, len(s.items))
	for _, c := range s.items {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ExecutionID < list[j].ExecutionID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode execution store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".executions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Create implements Store
func (s *FileStore) Create(ctx context.Context, in CreateInput) (*model.ExecutionContext, error) {
	c, err := s.newContext(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	s.items[c.ExecutionID] = c
	if err := s.persistLocked(); err != nil {
		delete(s.items, c.ExecutionID)
		return nil, err
	}
	return c.Clone(), nil
}

// Get implements Store
func (s *FileStore) Get(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s.items[executionID].Clone(), nil
}

// Consume implements Store
func (s *FileStore) Consume(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	c, ok := s.items[executionID]
	if !ok {
		return nil, nil
	}
	if err := checkConsumable(c); err != nil {
		return nil, err
	}

	delete(s.items, executionID)
	if err := s.persistLocked(); err != nil {
		s.items[executionID] = c
		return nil, err
	}
	return c.Clone(), nil
}

// Remove implements Store
func (s *FileStore) Remove(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	return s.Consume(ctx, executionID)
}

// ListOlderThan implements Store
func (s *FileStore) ListOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(s.cutoff(maxAge), isStaleLaunched)
}

// ListPendingOlderThan implements Store
func (s *FileStore) ListPendingOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(s.cutoff(maxAge), isStalePending)
}

func (s *FileStore) list(cutoff time.Time, match func(*model.ExecutionContext, time.Time) bool) ([]*model.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	var out []*model.ExecutionContext
	for _, c := range s.items {
		if match(c, cutoff) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkTerminal implements Store
func (s *FileStore) MarkTerminal(ctx context.Context, executionID string, status model.TaskStatus) error {
	return s.mutate(executionID, func(c *model.ExecutionContext) error {
		return markTerminal(c, status)
	})
}

// AttachJobID implements Store
func (s *FileStore) AttachJobID(ctx context.Context, executionID, jobID string) error {
	return s.mutate(executionID, func(c *model.ExecutionContext) error {
		return attach(c, jobID)
	})
}

func (s *FileStore) mutate(executionID string, apply func(*model.ExecutionContext) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}

	current, ok := s.items[executionID]
	if !ok {
		return ErrNotFound
	}
	updated := current.Clone()
	if err := apply(updated); err != nil {
		return err
	}

	s.items[executionID] = updated
	if err := s.persistLocked(); err != nil {
		s.items[executionID] = current
		return err
	}
	return nil
}
