package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEntry is returned when an entry carries an unknown kind.
var ErrInvalidEntry = errors.New("invalid transcript entry")

// EntryKind tags the variant of a transcript entry.
type EntryKind string

const (
	KindUserMessage      EntryKind = "user_message"
	KindAssistantMessage EntryKind = "assistant_message"
	KindTranscription    EntryKind = "transcription"
	KindToolResult       EntryKind = "tool_result"
	KindSystemError      EntryKind = "system_error"
)

// Valid reports whether k is one of the closed set of entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindUserMessage, KindAssistantMessage, KindTranscription, KindToolResult, KindSystemError:
		return true
	default:
		return false
	}
}

// Entry is one classified line of a conversation transcript. Entries are
// append-only; nothing mutates an entry after it joins a transcript.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      EntryKind `json:"kind" yaml:"kind"`
	Text      string    `json:"text" yaml:"text"`
	MediaURLs []string  `json:"mediaUrls,omitempty" yaml:"mediaUrls,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Validate checks the entry kind.
func (e Entry) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEntry, e.Kind)
	}
	return nil
}

func newEntry(kind EntryKind, text string, mediaURLs []string) Entry {
	if len(mediaURLs) == 0 {
		mediaURLs = nil
	}
	return Entry{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		MediaURLs: mediaURLs,
		CreatedAt: time.Now().UTC(),
	}
}

// UserMessage builds an entry for text the local user sent.
func UserMessage(text string) Entry { return newEntry(KindUserMessage, text, nil) }

// AssistantMessage builds an entry for an assistant reply.
func AssistantMessage(text string) Entry { return newEntry(KindAssistantMessage, text, nil) }

// Transcription builds an entry for speech the backend converted to text.
func Transcription(text string) Entry { return newEntry(KindTranscription, text, nil) }

// ToolResult builds an entry for a tool invocation result and its media references.
func ToolResult(text string, mediaURLs []string) Entry {
	return newEntry(KindToolResult, text, append([]string(nil), mediaURLs...))
}

// SystemError builds an entry for an error reported by the backend.
func SystemError(text string) Entry { return newEntry(KindSystemError, text, nil) }

// CloneEntries deep-copies a transcript so callers can hand it out safely.
func CloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	copied := make([]Entry, len(entries))
	for i, entry := range entries {
		copied[i] = entry
		if entry.MediaURLs != nil {
			copied[i].MediaURLs = append([]string(nil), entry.MediaURLs...)
		}
	}
	return copied
}
