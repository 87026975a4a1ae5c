package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

type fileSnapshot struct {
	Credentials map[string]Credential `json:"credentials"`
}

// FileStore keeps credentials in a JSON file and caches them in memory.
// StartWatch drops the cache whenever another process rewrites the file.
type FileStore struct {
	Path   string
	Logger Logger

	mu     sync.Mutex
	loaded bool
	creds  map[string]Credential
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) Latest(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Credential{}, err
	}
	cred, ok := latestOf(s.creds)
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *FileStore) Upsert(ctx context.Context, cred Credential) error {
	cred, err := prepareUpsert(cred)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	if err := s.loadLocked(); err != nil {
		return err
	}
	s.creds[cred.TenantID] = cred
	return s.saveLocked()
}

func (s *FileStore) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	if err := s.loadLocked(); err != nil {
		return err
	}
	delete(s.creds, strings.TrimSpace(tenantID))
	return s.saveLocked()
}

// StartWatch begins watching the store's directory. It returns once the
// watcher is registered; the watch ends when ctx is cancelled.
func (s *FileStore) StartWatch(ctx context.Context) error {
	if strings.TrimSpace(s.Path) == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	base := filepath.Base(s.Path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				s.invalidate()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("credential file watch error: %v", err)
			}
		}
	}()
	return nil
}

func (s *FileStore) invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	if strings.TrimSpace(s.Path) == "" {
		return ErrInvalidInput
	}
	s.creds = map[string]Credential{}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		var snapshot fileSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("decode credential file %s: %w", s.Path, err)
		}
		for id, cred := range snapshot.Credentials {
			s.creds[id] = cred
		}
	}
	s.loaded = true
	return nil
}

func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(fileSnapshot{Credentials: s.creds}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.Path, data, 0o600)
}

func (s *FileStore) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
