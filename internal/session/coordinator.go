// Package session multiplexes client connections onto one agent process per
// thread. It owns the per-thread state machine, the single-slot message queue
// and two-step cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"threaddeck/internal/launcher"
	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
	"threaddeck/internal/threads"
)

const noResponseMessage = "no response from agent: the process exited without output, the conversation may have exceeded its context window"

var (
	// ErrEmptyMessage is returned for a message with neither text nor image.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrClosed is returned once the coordinator is shutting down.
	ErrClosed = errors.New("coordinator is shutting down")
)

// Process is a running agent process.
type Process interface {
	PID() int
	Interrupt()
	Done() <-chan struct{}
}

// ProcessLauncher starts agent processes. Spawn must not invoke the callbacks
// before it returns.
type ProcessLauncher interface {
	Spawn(req launcher.Request, cb launcher.Callbacks) (Process, error)
}

// Transcripts is the thread storage the coordinator records conversations in.
type Transcripts interface {
	AppendTranscript(threadID string, msg threads.Message) error
	ResolveWorkspacePath(threadID string) (string, bool)
	PersistAttachedImage(threadID string, img protocol.Image) (string, error)
}

// FromLauncher adapts a *launcher.Launcher to ProcessLauncher.
func FromLauncher(l *launcher.Launcher) ProcessLauncher {
	return launcherAdapter{l: l}
}

type launcherAdapter struct {
	l *launcher.Launcher
}

func (a launcherAdapter) Spawn(req launcher.Request, cb launcher.Callbacks) (Process, error) {
	h, err := a.l.Spawn(req, cb)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Coordinator applies client commands and process lifecycle events to
// sessions.
type Coordinator struct {
	store       *Store
	launcher    ProcessLauncher
	transcripts Transcripts
	log         *logger.Logger
	closed      atomic.Bool
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store *Store, l ProcessLauncher, transcripts Transcripts, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		launcher:    l,
		transcripts: transcripts,
		log:         log.WithFields(zap.String("component", "coordinator")),
	}
}

// Store returns the session store.
func (c *Coordinator) Store() *Store { return c.store }

// lockSession returns the live session for threadID with its mutex held.
func (c *Coordinator) lockSession(threadID string) *Session {
	for {
		s := c.store.GetOrCreate(threadID)
		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

func newQueuedMessage(content string, image *protocol.Image, mode string) (*QueuedMessage, error) {
	if strings.TrimSpace(content) == "" && image == nil {
		return nil, ErrEmptyMessage
	}
	return &QueuedMessage{
		Content:    content,
		Image:      image,
		Mode:       mode,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// HandleMessage starts a process for the message when the thread is idle and
// otherwise replaces the pending message.
func (c *Coordinator) HandleMessage(threadID, content string, image *protocol.Image, mode string) error {
	msg, err := newQueuedMessage(content, image, mode)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	s := c.lockSession(threadID)
	if s.state == StateIdle {
		c.spawnLocked(s, msg)
	} else {
		if s.pending != nil {
			s.log.Debug("replacing pending message")
		}
		s.pending = msg
		s.log.Info("message queued", zap.String("state", string(s.state)))
	}
	s.mu.Unlock()

	c.store.EvictIfIdle(s)
	return nil
}

// HandleForceSend queues the message and interrupts a running process so the
// message is sent as soon as the exit is confirmed.
func (c *Coordinator) HandleForceSend(threadID, content string, image *protocol.Image, mode string) error {
	msg, err := newQueuedMessage(content, image, mode)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	s := c.lockSession(threadID)
	switch s.state {
	case StateIdle:
		c.spawnLocked(s, msg)
	case StateRunning:
		s.pending = msg
		c.interruptLocked(s)
	default:
		s.pending = msg
	}
	s.mu.Unlock()

	c.store.EvictIfIdle(s)
	return nil
}

// HandleCancel interrupts the running process. It is a no-op for idle or
// unknown threads and for a process already being interrupted. The pending
// message is kept.
func (c *Coordinator) HandleCancel(threadID string) {
	s := c.store.Get(threadID)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.state != StateRunning {
		return
	}
	c.interruptLocked(s)
}

func (c *Coordinator) interruptLocked(s *Session) {
	s.run.cancelRequested = true
	s.state = StateDraining
	s.broadcastLocked(protocol.System{Subtype: protocol.SubtypeInterrupting})
	s.log.Info("interrupting agent", zap.Int("pid", s.run.proc.PID()))
	s.run.proc.Interrupt()
}

// spawnLocked starts a process for msg. On failure the session returns to
// idle and error + done are broadcast.
func (c *Coordinator) spawnLocked(s *Session, msg *QueuedMessage) {
	s.state = StateSpawning
	s.sawOutput = false

	var imagePath string
	if msg.Image != nil {
		p, err := c.transcripts.PersistAttachedImage(s.threadID, *msg.Image)
		if err != nil {
			c.failSpawnLocked(s, fmt.Errorf("attach image: %w", err))
			return
		}
		imagePath = p
	}

	workDir, _ := c.transcripts.ResolveWorkspacePath(s.threadID)

	r := &run{}
	proc, err := c.launcher.Spawn(launcher.Request{
		ThreadID: s.threadID,
		Mode:     msg.Mode,
		WorkDir:  workDir,
		Input:    protocol.EncodeMessage(msg.Content, imagePath),
	}, launcher.Callbacks{
		OnEvent: func(ev protocol.Event) { c.onProcessEvent(s, r, ev) },
		OnExit:  func(code int, tail []string) { c.onProcessExit(s, r, code, tail) },
	})
	if err != nil {
		c.failSpawnLocked(s, err)
		return
	}

	r.proc = proc
	r.startedAt = time.Now().UTC()
	s.run = r
	s.state = StateRunning
	s.log.Info("agent running", zap.Int("pid", proc.PID()))

	userText := msg.Content
	if imagePath != "" {
		userText = strings.TrimSpace(userText + "\n\n[Attached image: " + imagePath + "]")
	}
	if err := c.transcripts.AppendTranscript(s.threadID, threads.Message{Role: "user", Content: userText, Timestamp: msg.EnqueuedAt}); err != nil {
		s.log.Warn("failed to append user message to transcript", zap.Error(err))
	}
}

func (c *Coordinator) failSpawnLocked(s *Session, err error) {
	s.state = StateIdle
	s.log.Error("failed to start agent", zap.Error(err))
	s.broadcastLocked(protocol.Error{Content: "failed to start agent: " + err.Error()})
	s.broadcastLocked(protocol.Done{Code: launcher.KilledExitCode})
}

func (c *Coordinator) onProcessEvent(s *Session, r *run, ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r {
		return
	}
	if ev.CountsAsOutput() {
		s.sawOutput = true
	}
	if t, ok := ev.(protocol.Text); ok {
		r.text.WriteString(t.Content)
	}
	s.broadcastLocked(ev)
}

func (c *Coordinator) onProcessExit(s *Session, r *run, code int, stderrTail []string) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.state = StateIdle

	if text := r.text.String(); text != "" {
		if err := c.transcripts.AppendTranscript(s.threadID, threads.Message{Role: "assistant", Content: text, Timestamp: time.Now().UTC()}); err != nil {
			s.log.Warn("failed to append assistant message to transcript", zap.Error(err))
		}
	}

	switch {
	case r.cancelRequested:
		s.broadcastLocked(protocol.Cancelled{})
	case !s.sawOutput:
		s.broadcastLocked(protocol.Error{Content: noResponseMessage})
	case code != 0:
		msg := fmt.Sprintf("agent exited with code %d", code)
		if len(stderrTail) > 0 {
			msg += ": " + strings.Join(stderrTail, "\n")
		}
		s.broadcastLocked(protocol.Error{Content: msg})
	}
	s.broadcastLocked(protocol.Done{Code: code})
	s.log.Info("agent finished", zap.Int("code", code), zap.Bool("cancelled", r.cancelRequested), zap.Duration("ran", time.Since(r.startedAt)))

	if s.pending != nil {
		msg := s.pending
		s.pending = nil
		if c.closed.Load() {
			s.log.Info("dropping pending message during shutdown")
		} else {
			c.spawnLocked(s, msg)
		}
	}
	s.mu.Unlock()

	c.store.EvictIfIdle(s)
}

// RunningThreads returns the status of every known thread.
func (c *Coordinator) RunningThreads() map[string]RunningThreadState {
	return c.store.Snapshot()
}

// Shutdown stops accepting messages, interrupts every live process and waits
// for them to exit or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closed.Store(true)

	var waiting []<-chan struct{}
	for _, s := range c.store.all() {
		s.mu.Lock()
		s.pending = nil
		if s.run != nil {
			if s.state == StateRunning {
				c.interruptLocked(s)
			}
			waiting = append(waiting, s.run.proc.Done())
		}
		s.mu.Unlock()
	}

	c.log.Info("waiting for agents to exit", zap.Int("count", len(waiting)))
	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
