package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore persists preferences as one JSON object per file, each key holding
// an independent JSON document.
type FileStore struct {
	path   string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	values map[string]json.RawMessage
}

// NewFileStore opens path. A missing file starts empty; an unreadable or
// corrupt file is logged and also starts empty.
func NewFileStore(path string, logger *zap.SugaredLogger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("preference file path is empty")
	}

	s := &FileStore{path: path, logger: logger, values: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read preferences %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &s.values); err != nil {
		logger.Warnw("Preference file is corrupt, starting with defaults", "path", path, "error", err)
		s.values = make(map[string]json.RawMessage)
	}
	return s, nil
}

func (s *FileStore) Load(key string, dst any) (bool, error) {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Save(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
	return s.flushLocked()
}

// flushLocked writes through a temp file so a crash never leaves a truncated file.
func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create preference dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}
