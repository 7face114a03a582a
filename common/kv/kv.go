package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Well-known keys shared between the coordinator and views
const (
	KeyCurrentRepo      = "current_repo"
	keyCurrentJobPrefix = "current_job:"
)

// CurrentJobKey is the key holding the latest job id for a repository
func CurrentJobKey(fullName string) string {
	return keyCurrentJobPrefix + fullName
}

// Logger interface for store logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Store is the process-wide key/value state
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON decodes the value at key into v. It reports false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// MemoryStore keeps state in process memory
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
	log  Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(log Logger) *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		log:  log,
	}
}

// Get retrieves a copy of the value at key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	if !exists {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set stores a copy of value at key
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return fmt.Errorf("store closed")
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes the value at key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Close drops all state
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	s.log.Info("memory store closed")
	return nil
}

// Len returns the number of keys
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
