// Package connectiontest provides an in-process stand-in for a connection
// manager, driven directly by tests.
package connectiontest

import (
	"sync"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
)

// Stub records commands and lets the test emit state changes and envelopes.
type Stub struct {
	mu        sync.Mutex
	listeners map[int]connection.Listener
	nextID    int
	state     connection.State
	targets   []string
	sent      []chat.Command
	closed    bool
}

// New returns an idle stub.
func New() *Stub {
	return &Stub{listeners: make(map[int]connection.Listener)}
}

func (s *Stub) Open(target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return connection.ErrClosed
	}
	s.targets = append(s.targets, target)
	return nil
}

func (s *Stub) Retarget(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, target)
}

func (s *Stub) Send(cmd chat.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != connection.StateOpen {
		return connection.ErrNotOpen
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *Stub) Subscribe(l connection.Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.state = connection.StateClosed
	return nil
}

// SetState moves the stub to state and notifies subscribers.
func (s *Stub) SetState(state connection.State) {
	s.emit(connection.Event{Kind: connection.EventState, State: state})
}

// Deliver hands env to subscribers as if it arrived on the socket.
func (s *Stub) Deliver(env chat.Envelope) {
	s.emit(connection.Event{Kind: connection.EventEnvelope, Envelope: env})
}

// Sent returns the commands written so far.
func (s *Stub) Sent() []chat.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Command(nil), s.sent...)
}

// Targets returns every target passed to Open or Retarget, in order.
func (s *Stub) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Closed reports whether Close was called.
func (s *Stub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stub) emit(ev connection.Event) {
	s.mu.Lock()
	if ev.Kind == connection.EventState {
		s.state = ev.State
	}
	listeners := make([]connection.Listener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if l, ok := s.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
