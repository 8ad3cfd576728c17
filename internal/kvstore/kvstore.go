// Package kvstore provides the two durability tiers used by the identity
// overlay: a process-lifetime memory store (survives session epoch resets)
// and a JSON file store (survives application restarts).
package kvstore

import (
	"encoding/json"
	"sync"

	"github.com/crescendoapp/crescendo/internal/errs"
)

// Store is a small JSON-valued key/value store.
type Store interface {
	// Get decodes the value for key into dst. Returns errs.ErrNotFound
	// when the key is absent.
	Get(key string, dst any) error
	// Set stores the JSON encoding of v under key.
	Set(key string, v any) error
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error
}

// Memory is the reload-durable tier: values live for the process lifetime,
// which under the epoch model means they survive identity resets.
type Memory struct {
	mu sync.Mutex
	m  map[string]json.RawMessage
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{m: map[string]json.RawMessage{}}
}

// Get decodes the stored value into dst.
func (s *Memory) Get(key string, dst any) error {
	s.mu.Lock()
	raw, ok := s.m[key]
	s.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

// Set stores v under key.
func (s *Memory) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}
