package transcript

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// MemoryStore keeps encoded transcripts in process memory. It behaves like the
// durable stores (whole-value replacement, corrupt values read as empty) and
// backs tests and the TRANSCRIPT_STORE=memory mode.
type MemoryStore struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payloads: make(map[string][]byte)}
}

// Load returns the cached transcript for identity.
func (s *MemoryStore) Load(_ context.Context, identity chat.Identity) ([]chat.Entry, error) {
	s.mu.RLock()
	payload, ok := s.payloads[identity.CacheKey()]
	s.mu.RUnlock()
	if !ok {
		return []chat.Entry{}, nil
	}

	entries, err := Decode(payload)
	if err != nil {
		log.Warn().Str("component", "transcript").Str("key", identity.CacheKey()).Err(err).Msg("unreadable cached transcript, treating as empty")
		return []chat.Entry{}, nil
	}
	return entries, nil
}

// Save replaces the cached transcript for identity.
func (s *MemoryStore) Save(_ context.Context, identity chat.Identity, entries []chat.Entry) error {
	payload, err := Encode(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.payloads[identity.CacheKey()] = payload
	s.mu.Unlock()
	return nil
}
