package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const reloadDebounce = 200 * time.Millisecond

// FileStore reads settings from a YAML file and reloads it on change.
// A missing file yields environment-only settings.
type FileStore struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	current Settings
}

// NewFileStore loads path once
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		log:  logrus.WithField("component", "settings"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// GetConfig implements Store
func (s *FileStore) GetConfig(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone(), nil
}

// Reload rereads the settings file. On a parse error the previous
// settings stay in effect.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = parsed
	s.mu.Unlock()
	return nil
}

// Watch reloads the file whenever it changes. It blocks until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	var timer *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				s.log.WithError(err).Warn("Settings reload failed, keeping previous settings")
				continue
			}
			s.log.Info("Settings reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("Settings watcher error")
		}
	}
}
