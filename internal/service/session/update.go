package session

import (
	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
)

// RecordingState is whether audio capture has been requested.
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	RecordingCapturing
)

func (r RecordingState) String() string {
	if r == RecordingCapturing {
		return "capturing"
	}
	return "idle"
}

func (r RecordingState) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UpdateKind names what changed in an Update.
type UpdateKind string

const (
	UpdateEntry      UpdateKind = "entry"
	UpdateTranscript UpdateKind = "transcript"
	UpdateConnection UpdateKind = "connection"
	UpdateIdentity   UpdateKind = "identity"
	UpdateRecording  UpdateKind = "recording"
)

// Update describes one change to a session. Only the field matching Kind is set.
type Update struct {
	Kind       UpdateKind
	Entry      chat.Entry
	Entries    []chat.Entry
	Connection connection.State
	Identity   chat.Identity
	Recording  RecordingState
}

// Payload returns the value a UI binds to for this update.
func (u Update) Payload() any {
	switch u.Kind {
	case UpdateEntry:
		return u.Entry
	case UpdateTranscript:
		return u.Entries
	case UpdateConnection:
		return map[string]string{"state": u.Connection.String()}
	case UpdateIdentity:
		return map[string]string{"conversationId": u.Identity.ID, "location": "/chat/" + u.Identity.Ref()}
	case UpdateRecording:
		return map[string]string{"state": u.Recording.String()}
	default:
		return nil
	}
}
