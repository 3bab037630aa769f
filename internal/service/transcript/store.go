// Package transcript keeps the device-local copy of conversation transcripts.
//
// The local copy is a bootstrap cache, not a source of truth: the backend
// history replaces it whenever a session reconnects with an assigned identity.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("transcript store closed")

// Store persists whole transcripts keyed by conversation identity.
//
// Load returns an empty transcript when nothing is cached or the cached value
// is unreadable. Save replaces any prior value for the identity in one step, so
// readers observe either the previous or the next complete transcript.
type Store interface {
	Load(ctx context.Context, identity chat.Identity) ([]chat.Entry, error)
	Save(ctx context.Context, identity chat.Identity, entries []chat.Entry) error
}

// Encode serialises a transcript for storage.
func Encode(entries []chat.Entry) ([]byte, error) {
	if entries == nil {
		entries = []chat.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return data, nil
}

// Decode parses a stored transcript and rejects entries of unknown kind.
func Decode(data []byte) ([]chat.Entry, error) {
	var entries []chat.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("decode transcript entry %d: %w", i, err)
		}
	}
	if entries == nil {
		entries = []chat.Entry{}
	}
	return entries, nil
}
