// Package realtime exposes thread sessions over websocket and a small REST
// API.
package realtime

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
	"threaddeck/internal/session"
	"threaddeck/internal/threads"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendQueueSize = 256
	// Images travel inline as base64.
	maxMessageSize = 32 << 20
)

// ErrOriginRejected is reported for connections from origins that are not
// allowed.
var ErrOriginRejected = errors.New("origin not allowed")

// ThreadSource lists and reads stored threads.
type ThreadSource interface {
	List() ([]threads.Summary, error)
	Read(id string) (*threads.Thread, error)
	ReadTranscript(id string) ([]threads.Message, error)
}

// Options configures a Server.
type Options struct {
	StaticDir string
	// AllowedOrigins are accepted in addition to same-host and loopback
	// origins.
	AllowedOrigins []string
}

// Server manages websocket connections and routes commands from clients to
// the session coordinator.
type Server struct {
	coord   *session.Coordinator
	threads ThreadSource
	opts    Options
	log     *logger.Logger

	upgrader websocket.Upgrader

	clients   map[*client]struct{}
	clientsMu sync.RWMutex
}

type client struct {
	id       string
	threadID string
	conn     *websocket.Conn
	send     chan []byte
	server   *Server
	log      *logger.Logger

	stalled  atomic.Bool
	kick     chan struct{}
	kickOnce sync.Once
}

// New creates a new realtime server.
func New(coord *session.Coordinator, threadSrc ThreadSource, opts Options, log *logger.Logger) *Server {
	return &Server{
		coord:   coord,
		threads: threadSrc,
		opts:    opts,
		log:     log.WithFields(zap.String("component", "realtime")),
		upgrader: websocket.Upgrader{
			// Origins are checked after the upgrade so rejected clients get
			// a policy-violation close frame instead of a bare 403.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/threads/running", s.handleRunningThreads)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleThreadHistory)
	mux.HandleFunc("POST /api/threads/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /api/threads/{id}/cancel", s.handleCancel)

	// Static file serving.
	if s.opts.StaticDir != "" {
		if info, err := os.Stat(s.opts.StaticDir); err == nil && info.IsDir() {
			mux.Handle("/", http.FileServer(http.Dir(s.opts.StaticDir)))
		} else {
			s.log.Warn("static dir not found, not serving frontend", zap.String("dir", s.opts.StaticDir))
		}
	}

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed accepts requests without an Origin header, loopback origins,
// same-host origins and configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	originHost := originURL.Hostname()
	switch originHost {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	requestHost := r.Host
	if requestHost == "" {
		requestHost = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	return originHost == requestHost
}

// handleWebSocket upgrades an HTTP connection and attaches it to a thread.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	if !s.originAllowed(r) {
		s.log.Warn("rejecting websocket connection",
			zap.String("origin", r.Header.Get("Origin")), zap.Error(ErrOriginRejected))
		rejectConn(conn, ErrOriginRejected.Error())
		return
	}
	threadID := r.URL.Query().Get("threadId")
	if !threads.ValidID(threadID) {
		rejectConn(conn, "missing or invalid threadId")
		return
	}

	c := &client{
		id:       uuid.New().String(),
		threadID: threadID,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		server:   s,
		kick:     make(chan struct{}),
	}
	c.log = s.log.WithThreadID(threadID).WithFields(zap.String("client", c.id))

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()

	if _, err := s.coord.Store().Attach(threadID, c, protocol.Ready{ThreadID: threadID}); err != nil {
		c.log.Error("attach failed", zap.Error(err))
		s.clientsMu.Lock()
		delete(s.clients, c)
		s.clientsMu.Unlock()
		rejectConn(conn, "internal error")
		return
	}

	go c.writePump()
	go c.readPump()
}

func rejectConn(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
	conn.Close()
}

// ID implements session.Subscriber.
func (c *client) ID() string { return c.id }

// Deliver implements session.Subscriber. It never blocks. A client whose
// queue is full is disconnected and gets nothing more, so what it did receive
// is a gap-free prefix of the thread's events; it backfills after reconnecting.
func (c *client) Deliver(payload []byte) {
	if c.stalled.Load() {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.stalled.Store(true)
		c.log.Warn("client too slow, disconnecting", zap.Int("queued", len(c.send)))
		c.disconnect()
	}
}

func (c *client) disconnect() {
	c.kickOnce.Do(func() { close(c.kick) })
}

// readPump reads commands from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleCommand(c, message)
	}
}

// writePump writes events to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.kick:
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client too slow")
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient detaches a disconnected client from its thread. The thread's
// process and pending message are left alone.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if !ok {
		return
	}

	s.coord.Store().Detach(c.threadID, c.id)
	close(c.send)
}

// handleCommand applies one client command. Invalid commands are dropped.
func (s *Server) handleCommand(c *client, raw []byte) {
	cmd, err := protocol.ParseClientCommand(raw)
	if err != nil {
		c.log.Debug("dropping client command", zap.Error(err))
		return
	}

	switch cmd := cmd.(type) {
	case protocol.MessageCommand:
		err = s.coord.HandleMessage(c.threadID, cmd.Content, cmd.Image, cmd.Mode)
	case protocol.ForceSendCommand:
		err = s.coord.HandleForceSend(c.threadID, cmd.Content, cmd.Image, cmd.Mode)
	case protocol.CancelCommand:
		s.coord.HandleCancel(c.threadID)
	}
	if err != nil {
		c.log.Debug("command rejected", zap.String("type", cmd.Type()), zap.Error(err))
	}
}

// CloseAll disconnects every client with a going-away close frame.
func (s *Server) CloseAll() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
