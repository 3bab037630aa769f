// Package session binds one UI mount to a conversation: it hydrates the
// transcript, keeps it in step with the socket, persists every change, and
// exposes the outbound command API.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/connection"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/history"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/identity"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript"
)

var (
	ErrEmptyText       = errors.New("message text is empty")
	ErrNotConnected    = errors.New("session not connected")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
)

const (
	eventBuffer = 64
	saveTimeout = 5 * time.Second
)

// Connection is the part of connection.Manager the controller drives.
type Connection interface {
	Open(target string) error
	Retarget(target string)
	Send(cmd chat.Command) error
	Subscribe(l connection.Listener) func()
	Close() error
}

// Dependencies are the collaborators a Controller needs. Locator is optional.
type Dependencies struct {
	Connection Connection
	Store      transcript.Store
	Fetcher    history.Fetcher
	Locator    identity.Locator
}

// Snapshot is a consistent view of a session's state.
type Snapshot struct {
	Identity   chat.Identity    `json:"identity" yaml:"identity"`
	Connection connection.State `json:"connection" yaml:"connection"`
	Recording  RecordingState   `json:"recording" yaml:"recording"`
	Entries    []chat.Entry     `json:"entries" yaml:"entries"`
}

// Controller orchestrates one session. Socket events, fetch completions and
// UI commands are all processed one at a time on a single loop goroutine.
type Controller struct {
	conn     Connection
	store    transcript.Store
	fetcher  history.Fetcher
	locator  identity.Locator
	resolver *identity.Resolver

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	unsubscribe func()

	// owned by the loop goroutine
	entries   []chat.Entry
	connState connection.State
	recording RecordingState
	fetchGen  uint64

	mu        sync.Mutex
	listeners map[int]func(Update)
	nextID    int
}

// Open starts a session for ref, the externally supplied conversation
// reference ("new" or empty for an unassigned conversation).
func Open(ctx context.Context, ref string, deps Dependencies) (*Controller, error) {
	if deps.Connection == nil || deps.Store == nil || deps.Fetcher == nil {
		return nil, errors.New("session: connection, store and fetcher are required")
	}

	initial := chat.ParseIdentity(ref)

	entries, err := deps.Store.Load(ctx, initial)
	if err != nil {
		log.Warn().Str("component", "session").Str("identity", initial.String()).Err(err).Msg("cached transcript unavailable, starting empty")
		entries = []chat.Entry{}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conn:      deps.Connection,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		locator:   deps.Locator,
		resolver:  identity.NewResolver(initial),
		ctx:       loopCtx,
		cancel:    cancel,
		events:    make(chan func(), eventBuffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		entries:   entries,
		connState: connection.StateIdle,
		recording: RecordingIdle,
		listeners: make(map[int]func(Update)),
	}
	c.resolver.OnAssign(c.onAssign)

	go c.run()

	c.unsubscribe = c.conn.Subscribe(func(ev connection.Event) {
		c.post(func() { c.handleConnectionEvent(ev) })
	})

	if err := c.conn.Open(initial.Ref()); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open connection: %w", err)
	}

	log.Info().Str("component", "session").Str("identity", initial.String()).Int("cached_entries", len(entries)).Msg("session opened")
	return c, nil
}

// Identity returns the conversation identity currently in effect.
func (c *Controller) Identity() chat.Identity {
	return c.resolver.Current()
}

// Done is closed when the session is torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers fn for session updates. Updates are delivered on the
// session loop, in order; fn must not block or call back into the Controller.
func (c *Controller) Subscribe(fn func(Update)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Watch subscribes fn and returns the state its first update applies to. No
// update can fall between the snapshot and the subscription.
func (c *Controller) Watch(fn func(Update)) (Snapshot, func(), error) {
	var (
		snap   Snapshot
		cancel func()
	)
	err := c.call(func() error {
		cancel = c.Subscribe(fn)
		snap = c.snapshotLocked()
		return nil
	})
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, cancel, nil
}

// Snapshot returns the current state of the session.
func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.call(func() error {
		snap = c.snapshotLocked()
		return nil
	})
	return snap, err
}

// SendText sends text to the backend and echoes it into the transcript.
// Invalid UTF-8 is replaced with U+FFFD so the echo survives a save and load.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(strings.ToValidUTF8(text, "\uFFFD"))
	if text == "" {
		return ErrEmptyText
	}
	return c.call(func() error {
		if err := c.send(chat.TextCommand(text)); err != nil {
			return err
		}
		c.appendEntry(chat.UserMessage(text))
		return nil
	})
}

// StartCapture asks the backend to start listening for audio.
func (c *Controller) StartCapture() error {
	return c.call(func() error {
		if err := c.send(chat.StartAudioCommand()); err != nil {
			return err
		}
		c.setRecording(RecordingCapturing)
		return nil
	})
}

// StopCapture asks the backend to stop listening for audio.
func (c *Controller) StopCapture() error {
	return c.call(func() error {
		if err := c.send(chat.StopAudioCommand()); err != nil {
			return err
		}
		c.setRecording(RecordingIdle)
		return nil
	})
}

// Close tears the session down. The persisted transcript is kept; the
// in-memory one is discarded and any in-flight fetch result is ignored.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		err = c.conn.Close()
		c.cancel()
		close(c.done)
		<-c.stopped

		c.mu.Lock()
		c.listeners = make(map[int]func(Update))
		c.mu.Unlock()

		log.Info().Str("component", "session").Str("identity", c.resolver.Current().String()).Msg("session closed")
	})
	return err
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			select {
			case <-c.done:
				return
			default:
			}
			fn()
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (c *Controller) call(fn func() error) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (c *Controller) send(cmd chat.Command) error {
	if err := c.conn.Send(cmd); err != nil {
		if errors.Is(err, connection.ErrNotOpen) {
			return ErrNotConnected
		}
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

func (c *Controller) handleConnectionEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventState:
		c.connState = ev.State
		c.notify(Update{Kind: UpdateConnection, Connection: ev.State})
		if ev.State == connection.StateOpen {
			if current := c.resolver.Current(); current.IsAssigned() {
				c.startFetch(current)
			}
		}
	case connection.EventEnvelope:
		c.handleEnvelope(ev.Envelope)
	}
}

func (c *Controller) handleEnvelope(env chat.Envelope) {
	if env.Type == chat.TypeNewConversation {
		// onAssign runs inside Apply, on this goroutine.
		c.resolver.Apply(env)
		return
	}

	entry, err := chat.Classify(env)
	switch {
	case errors.Is(err, chat.ErrControlEnvelope):
		log.Debug().Str("component", "session").Str("type", env.Type).Msg("control envelope")
		return
	case err != nil:
		log.Warn().Str("component", "session").Str("type", env.Type).Err(err).Msg("dropping envelope")
		return
	}
	c.appendEntry(entry)
}

func (c *Controller) onAssign(assigned chat.Identity) {
	c.conn.Retarget(assigned.ID)
	if c.locator != nil {
		c.locator.ReplaceConversation(assigned.ID)
	}
	c.notify(Update{Kind: UpdateIdentity, Identity: assigned})
}

// startFetch issues the authoritative transcript fetch. Only the result of
// the most recent fetch is applied.
func (c *Controller) startFetch(current chat.Identity) {
	c.fetchGen++
	gen := c.fetchGen
	ctx := c.ctx

	go func() {
		entries, err := c.fetcher.Fetch(ctx, current.ID)
		if !c.post(func() { c.applyFetch(gen, current, entries, err) }) {
			log.Debug().Str("component", "session").Str("conversation_id", current.ID).Msg("discarding fetch result after close")
		}
	}()
}

func (c *Controller) applyFetch(gen uint64, fetched chat.Identity, entries []chat.Entry, err error) {
	if gen != c.fetchGen || fetched != c.resolver.Current() {
		log.Debug().Str("component", "session").Str("conversation_id", fetched.ID).Msg("discarding stale fetch result")
		return
	}
	if err != nil {
		log.Warn().Str("component", "session").Str("conversation_id", fetched.ID).Err(err).Msg("history fetch failed, using empty transcript")
		entries = nil
	}
	if entries == nil {
		entries = []chat.Entry{}
	}

	c.entries = entries
	c.persist()
	c.notify(Update{Kind: UpdateTranscript, Entries: chat.CloneEntries(c.entries)})
}

func (c *Controller) appendEntry(entry chat.Entry) {
	c.entries = append(c.entries, entry)
	c.persist()
	c.notify(Update{Kind: UpdateEntry, Entry: entry})
}

func (c *Controller) setRecording(state RecordingState) {
	if c.recording == state {
		return
	}
	c.recording = state
	c.notify(Update{Kind: UpdateRecording, Recording: state})
}

func (c *Controller) persist() {
	current := c.resolver.Current()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := c.store.Save(ctx, current, chat.CloneEntries(c.entries)); err != nil {
		log.Error().Str("component", "session").Str("identity", current.String()).Err(err).Msg("persist transcript")
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Identity:   c.resolver.Current(),
		Connection: c.connState,
		Recording:  c.recording,
		Entries:    chat.CloneEntries(c.entries),
	}
}

func (c *Controller) notify(update Update) {
	c.mu.Lock()
	listeners := make([]func(Update), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
}
