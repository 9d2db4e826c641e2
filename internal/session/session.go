package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
)

// State represents where a thread's session is in its process lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Status values reported by the running-threads snapshot.
const (
	StatusConnected    = "connected"
	StatusRunning      = "running"
	StatusDisconnected = "disconnected"
)

// QueuedMessage is a message waiting for the current process to exit.
type QueuedMessage struct {
	Content    string
	Image      *protocol.Image
	Mode       string
	EnqueuedAt time.Time
}

// Subscriber is a live connection attached to a thread. Deliver must not
// block; a subscriber that cannot keep up drops payloads.
type Subscriber interface {
	ID() string
	Deliver(payload []byte)
}

// RunningThreadState is the status of one thread as reported to clients.
type RunningThreadState struct {
	Status      string     `json:"status"`
	ConnectedAt time.Time  `json:"connectedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
}

// run is one agent process owned by a session.
type run struct {
	proc            Process
	startedAt       time.Time
	cancelRequested bool
	text            strings.Builder
}

// Session holds everything the server knows about one thread. All fields are
// guarded by mu.
type Session struct {
	mu sync.Mutex

	threadID    string
	state       State
	run         *run
	pending     *QueuedMessage
	subscribers map[string]Subscriber
	sawOutput   bool
	createdAt   time.Time
	connectedAt time.Time

	// removed is set once the session has left its store; holders of a
	// stale pointer must look the thread up again.
	removed bool

	log *logger.Logger
}

func newSession(threadID string, log *logger.Logger) *Session {
	return &Session{
		threadID:    threadID,
		state:       StateIdle,
		subscribers: make(map[string]Subscriber),
		createdAt:   time.Now().UTC(),
		log:         log.WithThreadID(threadID),
	}
}

// ThreadID returns the thread this session belongs to.
func (s *Session) ThreadID() string { return s.threadID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasPending reports whether a message is queued.
func (s *Session) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Session) evictableLocked() bool {
	return len(s.subscribers) == 0 && s.state == StateIdle && s.pending == nil && s.run == nil
}

func (s *Session) statusLocked() RunningThreadState {
	st := RunningThreadState{ConnectedAt: s.connectedAt}
	switch {
	case s.state != StateIdle:
		st.Status = StatusRunning
		if s.run != nil {
			started := s.run.startedAt
			st.StartedAt = &started
		}
	case len(s.subscribers) > 0:
		st.Status = StatusConnected
	default:
		st.Status = StatusDisconnected
	}
	return st
}

// broadcastLocked encodes ev once and hands it to every subscriber. Holding
// s.mu keeps emission order identical across subscribers.
func (s *Session) broadcastLocked(ev protocol.Event) {
	payload, err := protocol.MarshalEvent(ev)
	if err != nil {
		s.log.Error("failed to encode event", zap.String("type", ev.Type()), zap.Error(err))
		return
	}
	for _, sub := range s.subscribers {
		sub.Deliver(payload)
	}
}
