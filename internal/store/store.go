// Package store persists run progress so an interrupted deployment can resume from its
// first incomplete step.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/muon-protocol/muon-avs-contracts/internal/infra/filesystem"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
)

type (
	// FileStore keeps every key in a single JSON document on disk.
	FileStore struct {
		path   string
		reader filesystem.Reader
		writer filesystem.Writer
		mu     sync.Mutex
		logger *slog.Logger
	}

	// MemoryStore is used when no state file is configured; progress lives for one process.
	MemoryStore struct {
		mu   sync.Mutex
		data map[string]json.RawMessage
	}
)

func NewFileStore(path string, reader filesystem.Reader, writer filesystem.Writer) *FileStore {
	return &FileStore{
		path:   path,
		reader: reader,
		writer: writer,
		logger: logger.Named("state_store"),
	}
}

// Load decodes the value stored under key into target. It reports false when nothing
// has been stored yet.
func (s *FileStore) Load(_ context.Context, key string, target any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}

	raw, ok := doc[key]
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("failed to decode state %q: %w", key, err)
	}

	s.logger.With("key", key).With("path", s.path).Debug("state loaded")

	return true, nil
}

func (s *FileStore) Save(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state %q: %w", key, err)
	}

	doc, err := s.read()
	if err != nil {
		return err
	}
	doc[key] = raw

	if err := s.writer.WriteJSON(s.path, doc); err != nil {
		return fmt.Errorf("failed to persist state %q: %w", key, err)
	}

	s.logger.With("key", key).With("path", s.path).Debug("state saved")

	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)

	if err := s.writer.WriteJSON(s.path, doc); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

func (s *FileStore) read() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage)
	if err := s.reader.ReadJSON(s.path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	return doc, nil
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Load(_ context.Context, key string, target any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("failed to decode state %q: %w", key, err)
	}
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
