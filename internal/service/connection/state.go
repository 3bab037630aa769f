package connection

import (
	"errors"
	"time"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
)

var (
	ErrNotOpen     = errors.New("connection not open")
	ErrClosed      = errors.New("connection manager closed")
	ErrAlreadyOpen = errors.New("connection already opened")
)

// State is the lifecycle state of the managed socket.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind distinguishes the two things a Manager reports.
type EventKind int

const (
	EventState EventKind = iota
	EventEnvelope
)

// Event is delivered to subscribers in the order it happened.
type Event struct {
	Kind     EventKind
	State    State
	Envelope chat.Envelope
}

// Listener receives manager events. Listeners run on the manager's dispatch
// goroutine and should hand work off quickly.
type Listener func(Event)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules reconnect callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
