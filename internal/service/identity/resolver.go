// Package identity tracks whether a session's conversation has been assigned
// a server id and performs the one-time Unassigned -> Assigned transition.
package identity

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// Locator is told about identity assignment so the visible conversation
// reference can change without reloading the session.
type Locator interface {
	ReplaceConversation(id string)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(id string)

func (f LocatorFunc) ReplaceConversation(id string) { f(id) }

// AssignFunc is called once when the identity becomes Assigned.
type AssignFunc func(chat.Identity)

// Resolver owns a session's conversation identity.
type Resolver struct {
	mu       sync.RWMutex
	identity chat.Identity
	onAssign []AssignFunc
}

// NewResolver starts from the identity resolved at session open.
func NewResolver(initial chat.Identity) *Resolver {
	return &Resolver{identity: initial}
}

// Current returns the identity in effect.
func (r *Resolver) Current() chat.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity
}

// OnAssign registers fn to run after the transition, in registration order.
func (r *Resolver) OnAssign(fn AssignFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAssign = append(r.onAssign, fn)
}

// Apply consumes a new_conversation envelope. It reports true only for the
// single transition out of Unassigned; repeats and envelopes for an already
// assigned session are logged and ignored.
func (r *Resolver) Apply(env chat.Envelope) (chat.Identity, bool) {
	if env.Type != chat.TypeNewConversation {
		return r.Current(), false
	}

	id := strings.TrimSpace(env.ConversationID)
	if id == "" {
		log.Warn().Str("component", "identity").Msg("new_conversation without conversation_id ignored")
		return r.Current(), false
	}
	if id == chat.UnassignedRef {
		log.Warn().Str("component", "identity").Str("received", id).Msg("new_conversation with placeholder id ignored")
		return r.Current(), false
	}

	r.mu.Lock()
	if r.identity.IsAssigned() {
		current := r.identity
		r.mu.Unlock()
		log.Warn().Str("component", "identity").Str("current", current.ID).Str("received", id).Msg("duplicate new_conversation ignored")
		return current, false
	}
	r.identity = chat.Assigned(id)
	assigned := r.identity
	callbacks := append([]AssignFunc(nil), r.onAssign...)
	r.mu.Unlock()

	event := log.Info().Str("component", "identity").Str("conversation_id", id)
	if env.Message != "" {
		event = event.Str("message", env.Message)
	}
	event.Msg("conversation assigned")

	for _, fn := range callbacks {
		fn(assigned)
	}
	return assigned, true
}
