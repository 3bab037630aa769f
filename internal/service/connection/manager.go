// Package connection owns the socket lifecycle of one chat session: connect,
// detect loss, reconnect on a retry policy, and fan inbound envelopes out to
// subscribers in arrival order.
package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

// Option customises a Manager.
type Option func(*Manager)

// WithRetryPolicy replaces the default fixed five-second unlimited policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Manager) {
		if policy != nil {
			m.policy = policy
		}
	}
}

// WithClock replaces the wall clock used to schedule reconnects.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// Manager keeps exactly one logical connection alive for a session.
//
// Every socket generation gets a number; callbacks from a dial, read loop, or
// reconnect timer belonging to an older generation are ignored. Close bumps
// the generation, which is how a pending reconnect is neutralised even if its
// timer has already fired.
type Manager struct {
	dialer Dialer
	policy RetryPolicy
	clock  Clock

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	target  string
	conn    Conn
	gen     uint64
	attempt int
	timer   Timer
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc

	listeners map[int]Listener
	nextID    int
	pending   []Event
}

// NewManager builds an idle manager around dialer.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:    dialer,
		policy:    DefaultRetryPolicy(),
		clock:     systemClock{},
		state:     StateIdle,
		listeners: make(map[int]Listener),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the conversation reference used for the next dial.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Subscribe registers l for state changes and envelopes. The returned func
// removes it.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Open starts connecting to target. It returns immediately; progress is
// reported through subscribers.
func (m *Manager) Open(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.state != StateIdle {
		return ErrAlreadyOpen
	}

	m.target = target
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.dispatch()
	m.connectLocked()
	return nil
}

// Retarget changes the conversation reference used by future reconnects.
func (m *Manager) Retarget(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = target
}

// Send writes cmd if the connection is open. Commands are never queued.
func (m *Manager) Send(cmd chat.Command) error {
	m.mu.Lock()
	if m.state != StateOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrNotOpen
	}
	conn := m.conn
	gen := m.gen
	m.mu.Unlock()

	if err := conn.WriteJSON(cmd); err != nil {
		m.mu.Lock()
		m.dropLocked(gen, err)
		m.mu.Unlock()
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// Close tears the connection down for good and cancels any pending reconnect.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateClosed)
	m.cond.Broadcast()
	m.mu.Unlock()

	log.Debug().Str("component", "connection").Msg("connection closed by caller")

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Manager) connectLocked() {
	m.gen++
	gen := m.gen
	target := m.target
	ctx := m.ctx
	m.setStateLocked(StateConnecting)

	go m.connect(ctx, gen, target)
}

func (m *Manager) connect(ctx context.Context, gen uint64, target string) {
	conn, err := m.dialer.Dial(ctx, target)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.dropLocked(gen, err)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.setStateLocked(StateOpen)
	log.Info().Str("component", "connection").Str("target", target).Msg("connection open")

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			m.dropLocked(gen, err)
			m.mu.Unlock()
			return
		}

		env, err := chat.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Str("component", "connection").Err(err).Int("bytes", len(data)).Msg("dropping frame")
			continue
		}

		m.mu.Lock()
		if m.closed || gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.enqueueLocked(Event{Kind: EventEnvelope, Envelope: env})
		m.mu.Unlock()
	}
}

// dropLocked handles an unexpected loss of connection generation gen. Repeat
// reports for the same generation are ignored so only one reconnect is ever
// scheduled per drop.
func (m *Manager) dropLocked(gen uint64, cause error) {
	if m.closed || gen != m.gen || m.state == StateClosed {
		return
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.setStateLocked(StateClosed)

	m.attempt++
	delay, ok := m.policy.NextDelay(m.attempt)
	if !ok {
		log.Error().Str("component", "connection").Err(cause).Int("attempt", m.attempt).Msg("connection lost, retry policy exhausted")
		return
	}

	event := log.Warn()
	if IsExpectedClose(cause) {
		event = log.Info()
	}
	event.Str("component", "connection").Err(cause).Int("attempt", m.attempt).Dur("delay", delay).Msg("connection lost, reconnect scheduled")

	m.timer = m.clock.AfterFunc(delay, func() {
		m.reconnect(gen)
	})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen || m.state != StateClosed {
		return
	}
	m.timer = nil
	m.connectLocked()
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.enqueueLocked(Event{Kind: EventState, State: state})
}

func (m *Manager) enqueueLocked(ev Event) {
	m.pending = append(m.pending, ev)
	m.cond.Signal()
}

// dispatch delivers queued events one at a time, preserving the order in
// which they were enqueued. It drains the queue and exits after Close.
func (m *Manager) dispatch() {
	m.mu.Lock()
	for {
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}

		batch := m.pending
		m.pending = nil
		listeners := make([]Listener, 0, len(m.listeners))
		for id := 0; id < m.nextID; id++ {
			if l, ok := m.listeners[id]; ok {
				listeners = append(listeners, l)
			}
		}
		m.mu.Unlock()

		for _, ev := range batch {
			for _, l := range listeners {
				l(ev)
			}
		}

		m.mu.Lock()
	}
}
