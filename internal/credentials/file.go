package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileStore serves credentials from a JSON file mapping handle to
// credential. The file is re-read whenever it changes on disk, so an
// external process can refresh expired tokens without a restart.
type FileStore struct {
	path   string
	logger *logrus.Logger

	mu    sync.RWMutex
	creds map[string]Credential
	now   func() time.Time
}

// NewFileStore loads the credential file
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	s := &FileStore{
		path:   path,
		logger: logger,
		creds:  make(map[string]Credential),
		now:    time.Now,
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}
	creds := make(map[string]Credential)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("failed to parse credentials file: %w", err)
		}
	}
	s.mu.Lock()
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Lookup returns the credential for a handle
func (s *FileStore) Lookup(ctx context.Context, handle string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.RLock()
	cred, ok := s.creds[handle]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if cred.Expired(s.now()) {
		return Credential{}, fmt.Errorf("%w: %s", ErrExpired, handle)
	}
	return cred, nil
}

// Watch reloads the file on every change until ctx is done. The parent
// directory is watched because editors usually replace files by rename.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch credentials directory: %w", err)
	}

	target := filepath.Clean(s.path)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.WithError(err).Warn("Failed to reload credentials")
				continue
			}
			s.logger.WithField("path", s.path).Info("Reloaded credentials")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Credentials watcher error")
		}
	}
}
