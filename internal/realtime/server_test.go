package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threaddeck/internal/launcher"
	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
	"threaddeck/internal/session"
	"threaddeck/internal/threads"
)

type fakeProcess struct {
	pid        int
	req        launcher.Request
	cb         launcher.Callbacks
	mu         sync.Mutex
	interrupts int
	done       chan struct{}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Interrupt() {
	p.mu.Lock()
	p.interrupts++
	p.mu.Unlock()
}

func (p *fakeProcess) exit(code int) {
	close(p.done)
	p.cb.OnExit(code, nil)
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (l *fakeLauncher) Spawn(req launcher.Request, cb launcher.Callbacks) (session.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProcess{pid: 100 + len(l.procs), req: req, cb: cb, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) waitFor(t *testing.T, n int) *fakeProcess {
	t.Helper()
	require.Eventually(t, func() bool { return l.count() >= n }, 5*time.Second, 5*time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[n-1]
}

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	launcher *fakeLauncher
	threads  *threads.Store
	coord    *session.Coordinator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	log := logger.NewNop()
	store, err := threads.NewStore(filepath.Join(t.TempDir(), "threads"), filepath.Join(t.TempDir(), "attachments"), log)
	require.NoError(t, err)

	l := &fakeLauncher{}
	coord := session.NewCoordinator(session.NewStore(log), l, store, log)
	srv := New(coord, store, opts, log)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	return &testEnv{srv: srv, http: hs, launcher: l, threads: store, coord: coord}
}

func (e *testEnv) wsURL(threadID string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if threadID != "" {
		u += "?threadId=" + threadID
	}
	return u
}

func (e *testEnv) dial(t *testing.T, threadID string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(threadID), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.UnmarshalEvent(data)
	require.NoError(t, err)
	return ev
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
}

func TestWebSocket_ReadyOnConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)

	assert.Equal(t, protocol.Ready{ThreadID: "T1"}, readEvent(t, conn))
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", http.Header{"Origin": {"https://evil.example"}})

	expectClose(t, conn, websocket.ClosePolicyViolation)
	assert.Equal(t, 0, env.srv.ClientCount())
}

func TestWebSocket_AcceptsConfiguredOrigin(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"https://deck.example"}})
	conn := env.dial(t, "T1", http.Header{"Origin": {"https://deck.example"}})

	assert.Equal(t, protocol.Ready{ThreadID: "T1"}, readEvent(t, conn))
}

func TestWebSocket_RequiresThreadID(t *testing.T) {
	env := newTestEnv(t, Options{})

	expectClose(t, env.dial(t, "", nil), websocket.ClosePolicyViolation)
	expectClose(t, env.dial(t, "..%2Fetc", nil), websocket.ClosePolicyViolation)
}

func TestWebSocket_MessageRoundTrip(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)
	readEvent(t, conn)

	sendCommand(t, conn, `{"type":"message","content":"hello","mode":"rush"}`)
	p := env.launcher.waitFor(t, 1)
	assert.Equal(t, "T1", p.req.ThreadID)
	assert.Equal(t, "rush", p.req.Mode)

	p.cb.OnEvent(protocol.Text{Content: "hi there"})
	p.exit(0)

	assert.Equal(t, protocol.Text{Content: "hi there"}, readEvent(t, conn))
	assert.Equal(t, protocol.Done{Code: 0}, readEvent(t, conn))
}

func TestWebSocket_InvalidCommandsAreDropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)
	readEvent(t, conn)

	sendCommand(t, conn, `not json`)
	sendCommand(t, conn, `{"type":"explode"}`)
	sendCommand(t, conn, `{"type":"message","content":"   "}`)
	sendCommand(t, conn, `{"type":"message","content":"real"}`)

	env.launcher.waitFor(t, 1)
	assert.Equal(t, 1, env.launcher.count())
}

func TestWebSocket_CancelFlow(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)
	readEvent(t, conn)

	sendCommand(t, conn, `{"type":"message","content":"long"}`)
	p := env.launcher.waitFor(t, 1)
	require.Eventually(t, func() bool {
		return env.coord.RunningThreads()["T1"].Status == session.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	sendCommand(t, conn, `{"type":"cancel"}`)
	assert.Equal(t, protocol.System{Subtype: protocol.SubtypeInterrupting}, readEvent(t, conn))

	p.exit(130)
	assert.Equal(t, protocol.Cancelled{}, readEvent(t, conn))
	assert.Equal(t, protocol.Done{Code: 130}, readEvent(t, conn))
}

func TestWebSocket_TwoTabsShareThread(t *testing.T) {
	env := newTestEnv(t, Options{})
	a := env.dial(t, "T1", nil)
	b := env.dial(t, "T1", nil)
	readEvent(t, a)
	readEvent(t, b)

	sendCommand(t, a, `{"type":"message","content":"from a"}`)
	p := env.launcher.waitFor(t, 1)
	p.cb.OnEvent(protocol.Text{Content: "one"})
	p.cb.OnEvent(protocol.Text{Content: "two"})
	p.exit(0)

	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, protocol.Text{Content: "one"}, readEvent(t, conn))
		assert.Equal(t, protocol.Text{Content: "two"}, readEvent(t, conn))
		assert.Equal(t, protocol.Done{Code: 0}, readEvent(t, conn))
	}
}

func TestWebSocket_DisconnectKeepsProcess(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)
	readEvent(t, conn)

	sendCommand(t, conn, `{"type":"message","content":"work"}`)
	p := env.launcher.waitFor(t, 1)
	conn.Close()

	require.Eventually(t, func() bool { return env.srv.ClientCount() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StatusRunning, env.coord.RunningThreads()["T1"].Status)
	p.mu.Lock()
	assert.Equal(t, 0, p.interrupts)
	p.mu.Unlock()

	again := env.dial(t, "T1", nil)
	assert.Equal(t, protocol.Ready{ThreadID: "T1"}, readEvent(t, again))
	p.exit(0)
	_, isErr := readEvent(t, again).(protocol.Error)
	assert.True(t, isErr)
	assert.Equal(t, protocol.Done{Code: 0}, readEvent(t, again))
}

func TestRunningThreads(t *testing.T) {
	env := newTestEnv(t, Options{})
	conn := env.dial(t, "T1", nil)
	readEvent(t, conn)

	resp, err := http.Get(env.http.URL + "/api/threads/running")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states map[string]session.RunningThreadState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	assert.Equal(t, session.StatusConnected, states["T1"].Status)

	conn.Close()
	require.Eventually(t, func() bool {
		return env.coord.RunningThreads()["T1"].Status == session.StatusDisconnected
	}, 5*time.Second, 5*time.Millisecond)
}

func TestREST_Health(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, w.Body.String())

	env.dial(t, "T1", nil)
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		return strings.Contains(w.Body.String(), `"clients":1`)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestREST_ThreadHistory(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := `{"id":"T-7","messages":[{"role":"user","content":"hi","timestamp":"2024-01-01T00:00:00Z"},{"role":"assistant","content":"hello","timestamp":"2024-01-01T00:00:01Z"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(env.threads.Dir(), "T-7.json"), []byte(doc), 0644))
	handler := env.srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/T-7/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []threads.Message
	require.NoError(t, json.NewDecoder(w.Body).Decode(&msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/unknown/messages", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/a..b/messages", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestREST_Threads(t *testing.T) {
	env := newTestEnv(t, Options{})
	doc := `{"id":"T-7","title":"Fix login","created":1700000000000,"messages":[{"role":"user","content":"hi","timestamp":"2024-01-01T00:00:00Z"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(env.threads.Dir(), "T-7.json"), []byte(doc), 0644))
	handler := env.srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []threads.Summary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "Fix login", list[0].Title)
	assert.Equal(t, 1, list[0].MessageCount)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/T-7", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var thread threads.Thread
	require.NoError(t, json.NewDecoder(w.Body).Decode(&thread))
	assert.Equal(t, "hi", thread.Messages[0].Content)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/threads/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestREST_SendMessageAndCancel(t *testing.T) {
	env := newTestEnv(t, Options{})
	handler := env.srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/threads/T1/message", strings.NewReader("invalid json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/threads/T1/message", strings.NewReader(`{"content":""}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, env.launcher.count())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/threads/T1/message", strings.NewReader(`{"content":"go"}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)
	p := env.launcher.waitFor(t, 1)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/threads/T1/cancel", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	p.mu.Lock()
	assert.Equal(t, 1, p.interrupts)
	p.mu.Unlock()

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/threads/other/cancel", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCORS_ReflectsOnlyAllowedOrigins(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"https://deck.example"}})
	handler := env.srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/api/threads", nil)
	req.Header.Set("Origin", "https://deck.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://deck.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginAllowed(t *testing.T) {
	srv := &Server{opts: Options{AllowedOrigins: []string{"https://deck.example"}}}
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "example.com", true},
		{"http://localhost:5173", "example.com", true},
		{"http://127.0.0.1:3000", "example.com", true},
		{"http://[::1]:3000", "example.com", true},
		{"https://example.com", "example.com:8420", true},
		{"https://deck.example", "example.com", true},
		{"https://evil.example", "example.com", false},
		{"http://localhost.evil.example", "example.com", false},
		{"null", "example.com", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Host = tt.host
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, srv.originAllowed(req), "origin %q host %q", tt.origin, tt.host)
	}
}

func TestClient_SlowSubscriberIsDisconnected(t *testing.T) {
	c := &client{
		id:   "c1",
		send: make(chan []byte, 1),
		kick: make(chan struct{}),
		log:  logger.NewNop(),
	}

	c.Deliver([]byte("text1"))
	c.Deliver([]byte("text2"))
	select {
	case <-c.kick:
	default:
		t.Fatal("expected disconnect on the first full queue")
	}

	// Room frees up, but nothing after the dropped event may get through.
	assert.Equal(t, []byte("text1"), <-c.send)
	c.Deliver([]byte("done"))
	select {
	case got := <-c.send:
		t.Fatalf("delivered %q after a dropped event", got)
	default:
	}
}
