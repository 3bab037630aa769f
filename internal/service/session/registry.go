package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/service/history"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
)

// ConnectionFactory builds a fresh connection for every session.
type ConnectionFactory func() Connection

// Registry keeps the live sessions of a bridge process, one per UI mount.
type Registry struct {
	newConn ConnectionFactory
	store   transcript.Store
	fetcher history.Fetcher

	mu       sync.RWMutex
	sessions map[string]*Controller
}

// NewRegistry creates an empty registry sharing store and fetcher across sessions.
func NewRegistry(newConn ConnectionFactory, store transcript.Store, fetcher history.Fetcher) *Registry {
	return &Registry{
		newConn:  newConn,
		store:    store,
		fetcher:  fetcher,
		sessions: make(map[string]*Controller),
	}
}

// Open starts a session for ref and returns its id.
func (r *Registry) Open(ctx context.Context, ref string) (string, *Controller, error) {
	ctrl, err := Open(ctx, ref, Dependencies{
		Connection: r.newConn(),
		Store:      r.store,
		Fetcher:    r.fetcher,
	})
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = ctrl
	r.mu.Unlock()

	log.Debug().Str("component", "session").Str("session_id", id).Str("ref", ref).Msg("session registered")
	return id, ctrl, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctrl, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ctrl, nil
}

// Close tears down and forgets the session with id.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	ctrl, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return ctrl.Close()
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	var errs []error
	for _, ctrl := range sessions {
		if err := ctrl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
