package chat

import "strings"

// UnassignedRef is the conversation reference used on the wire before the
// backend has issued an id.
const UnassignedRef = "new"

// Identity names the conversation a session is bound to. The zero value is
// the Unassigned placeholder; an Identity with an ID is Assigned.
type Identity struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
}

// Unassigned returns the placeholder identity for a not-yet-persisted conversation.
func Unassigned() Identity {
	return Identity{}
}

// Assigned returns the identity of a server-issued conversation id.
func Assigned(id string) Identity {
	return Identity{ID: strings.TrimSpace(id)}
}

// ParseIdentity resolves an externally supplied conversation reference. An
// empty reference or the "new" placeholder yields Unassigned.
func ParseIdentity(ref string) Identity {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == UnassignedRef {
		return Unassigned()
	}
	return Assigned(ref)
}

// IsAssigned reports whether the backend has issued an id for the conversation.
func (i Identity) IsAssigned() bool {
	return i.ID != ""
}

// Ref is the conversation reference used in socket and history URLs.
func (i Identity) Ref() string {
	if !i.IsAssigned() {
		return UnassignedRef
	}
	return i.ID
}

// CacheKey is the key under which the local transcript copy is stored. The
// placeholder and every assigned id are distinct keys.
func (i Identity) CacheKey() string {
	return "chatMessages_" + i.Ref()
}

func (i Identity) String() string {
	if !i.IsAssigned() {
		return "unassigned"
	}
	return "assigned(" + i.ID + ")"
}
