package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
)

// Store owns the sessions of all threads. Lock order is Store.mu before
// Session.mu.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// departed remembers when evicted threads were last connected so they
	// keep reporting as disconnected.
	departed map[string]time.Time
	log      *logger.Logger
}

// NewStore creates an empty session store.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		departed: make(map[string]time.Time),
		log:      log.WithFields(zap.String("component", "sessions")),
	}
}

// GetOrCreate returns the session for threadID, creating an idle one if needed.
func (st *Store) GetOrCreate(threadID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getOrCreateLocked(threadID)
}

func (st *Store) getOrCreateLocked(threadID string) *Session {
	s, ok := st.sessions[threadID]
	if !ok {
		s = newSession(threadID, st.log)
		st.sessions[threadID] = s
		st.log.Debug("session created", zap.String("thread_id", threadID))
	}
	return s
}

// Get returns the session for threadID or nil.
func (st *Store) Get(threadID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[threadID]
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Attach subscribes sub to threadID, creating the session if needed, and
// delivers greeting to sub before any broadcast can reach it.
func (st *Store) Attach(threadID string, sub Subscriber, greeting protocol.Event) (*Session, error) {
	payload, err := protocol.MarshalEvent(greeting)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.getOrCreateLocked(threadID)
	delete(st.departed, threadID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
	s.connectedAt = time.Now().UTC()
	sub.Deliver(payload)

	s.log.Info("subscriber attached", zap.String("subscriber", sub.ID()), zap.Int("subscribers", len(s.subscribers)))
	return s, nil
}

// Detach removes a subscriber. The process and the pending message are left
// alone; the session is evicted if nothing else keeps it alive.
func (st *Store) Detach(threadID, subscriberID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[threadID]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, subscriberID)
	s.log.Info("subscriber detached", zap.String("subscriber", subscriberID), zap.Int("subscribers", len(s.subscribers)))
	st.evictLocked(s)
}

// EvictIfIdle removes s if it is still the thread's session and has no
// subscribers, no process and no pending message.
func (st *Store) EvictIfIdle(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sessions[s.threadID] != s {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return st.evictLocked(s)
}

// evictLocked requires st.mu and s.mu.
func (st *Store) evictLocked(s *Session) bool {
	if !s.evictableLocked() {
		return false
	}
	s.removed = true
	delete(st.sessions, s.threadID)
	if !s.connectedAt.IsZero() {
		st.departed[s.threadID] = s.connectedAt
	}
	s.log.Debug("session evicted")
	return true
}

// Snapshot returns the status of every thread the server currently knows
// about.
func (st *Store) Snapshot() map[string]RunningThreadState {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make(map[string]RunningThreadState, len(st.sessions)+len(st.departed))
	for id, connectedAt := range st.departed {
		out[id] = RunningThreadState{Status: StatusDisconnected, ConnectedAt: connectedAt}
	}
	for id, s := range st.sessions {
		s.mu.Lock()
		out[id] = s.statusLocked()
		s.mu.Unlock()
	}
	return out
}

// all returns the live sessions.
func (st *Store) all() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
