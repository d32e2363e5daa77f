// Package storage persists small JSON documents behind a read-through cache.
//
// A Store owns one document. Reads are served from memory after the first
// load; a missing or corrupt document yields the caller's default value.
// Writes update the cache first and then replace the whole document through
// a Backend, so a reader in another process sees either the old or the new
// document, never a partial one.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotExist is returned by a Backend when the document has never been written.
var ErrNotExist = errors.New("document does not exist")

// Backend loads and replaces a single serialized document.
type Backend interface {
	Load() ([]byte, error)
	// Save must replace the document atomically.
	Save(data []byte) error
	Name() string
}

// Store is a cached JSON document of type T.
type Store[T any] struct {
	backend    Backend
	newDefault func() T
	logger     *slog.Logger

	mu     sync.RWMutex
	cache  T
	loaded bool

	// serializes Update within the process
	updateMu sync.Mutex
}

// New creates a store over backend. newDefault must return a fresh value on
// every call; it is used when the document is missing or unreadable.
func New[T any](backend Backend, newDefault func() T, logger *slog.Logger) *Store[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[T]{
		backend:    backend,
		newDefault: newDefault,
		logger:     logger,
	}
}

// Read returns the cached document, loading it on first use.
// The returned value must be treated as read-only; use Update to change it.
func (s *Store[T]) Read() T {
	s.mu.RLock()
	if s.loaded {
		v := s.cache
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.cache = s.load()
		s.loaded = true
	}
	return s.cache
}

func (s *Store[T]) load() T {
	data, err := s.backend.Load()
	if err != nil {
		if !errors.Is(err, ErrNotExist) {
			s.logger.Warn("document unreadable, using default", "store", s.backend.Name(), "error", err)
		}
		return s.newDefault()
	}

	v := s.newDefault()
	if err := json.Unmarshal(data, &v); err != nil {
		s.logger.Warn("document corrupt, using default", "store", s.backend.Name(), "error", err)
		return s.newDefault()
	}
	return v
}

// Write replaces the document. The cache is updated even if persisting fails.
func (s *Store[T]) Write(value T) error {
	s.mu.Lock()
	s.cache = value
	s.loaded = true
	s.mu.Unlock()

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.backend.Name(), err)
	}
	if err := s.backend.Save(data); err != nil {
		return fmt.Errorf("save %s: %w", s.backend.Name(), err)
	}
	return nil
}

// Update applies fn to a private copy of the current document and writes the result.
// Concurrent Update calls in one process are serialized; other processes
// writing the same document are not coordinated with (last write wins).
func (s *Store[T]) Update(fn func(T) T) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	current, err := s.clone(s.Read())
	if err != nil {
		return err
	}
	return s.Write(fn(current))
}

// ClearCache drops the cached value; the next Read reloads from the backend.
func (s *Store[T]) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.cache = zero
	s.loaded = false
}

func (s *Store[T]) clone(v T) (T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return v, fmt.Errorf("copy %s: %w", s.backend.Name(), err)
	}
	out := s.newDefault()
	if err := json.Unmarshal(data, &out); err != nil {
		return v, fmt.Errorf("copy %s: %w", s.backend.Name(), err)
	}
	return out, nil
}
