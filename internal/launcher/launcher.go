// Package launcher starts and stops the external agent executable for one run
// of a thread, decoding its output into protocol events.
package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
)

const (
	defaultGracefulTimeout = 5 * time.Second
	defaultOutputDrain     = 2 * time.Second
	defaultScannerBufSize  = 1024 * 1024 // 1 MB
	readChunkSize          = 32 * 1024
	stderrTailLines        = 20

	// KilledExitCode is reported when the process was ended by a signal.
	KilledExitCode = -1
)

// ErrSpawn wraps every failure to start the agent executable.
var ErrSpawn = errors.New("spawn agent")

// Config describes how the agent executable is launched.
type Config struct {
	Command string
	// Args may contain {threadId} and {mode} placeholders.
	Args        []string
	Env         map[string]string
	DefaultMode string
	// InterruptGrace is how long an interrupted process may take to exit
	// before it is killed.
	InterruptGrace time.Duration
	MaxTokens      int64
	// DefaultDir is the working directory used when a thread has no
	// workspace. Empty means the user's home directory.
	DefaultDir string
	// OutputDrain bounds how long output is still read after the agent
	// exits while a leftover child keeps its pipes open.
	OutputDrain time.Duration
}

// Request is one run of the agent for a thread.
type Request struct {
	ThreadID string
	Mode     string
	WorkDir  string
	// Input is written to stdin right after start; stdin is then closed.
	Input []byte
}

// Callbacks receive a process's output. OnEvent calls for one process happen
// before its OnExit call; OnExit is called exactly once.
type Callbacks struct {
	OnEvent func(ev protocol.Event)
	OnExit  func(code int, stderrTail []string)
}

// Launcher spawns agent processes.
type Launcher struct {
	cfg Config
	log *logger.Logger
}

// New creates a Launcher.
func New(cfg Config, log *logger.Logger) *Launcher {
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = defaultGracefulTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = protocol.DefaultMaxTokens
	}
	if cfg.OutputDrain <= 0 {
		cfg.OutputDrain = defaultOutputDrain
	}
	return &Launcher{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "launcher")),
	}
}

// Handle is a running agent process. It is owned by exactly one session.
type Handle struct {
	threadID  string
	pid       int
	startedAt time.Time
	grace     time.Duration
	cmd       *exec.Cmd
	exited    chan struct{}
	stderr    *RingBuffer[string]
	log       *logger.Logger

	interruptOnce sync.Once
}

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.exited }

// Interrupt asks the process to stop with SIGINT and kills its process group
// if it is still alive after the grace period. Repeated calls are no-ops.
func (h *Handle) Interrupt() {
	h.interruptOnce.Do(func() {
		h.log.Info("interrupting agent", zap.Duration("grace", h.grace))
		if err := interruptProcessGroup(h.cmd.Process); err != nil {
			h.log.Debug("interrupt signal failed", zap.Error(err))
		}
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				h.log.Warn("agent ignored interrupt, killing")
				if err := killProcessGroup(h.cmd.Process); err != nil {
					h.log.Debug("kill failed", zap.Error(err))
				}
			}
		}()
	})
}

// Spawn starts the agent for req. Start failures (missing binary, permission
// denied) are returned synchronously and wrap ErrSpawn; no callback fires.
func (l *Launcher) Spawn(req Request, cb Callbacks) (*Handle, error) {
	mode := req.Mode
	if mode == "" {
		mode = l.cfg.DefaultMode
	}
	log := l.log.WithThreadID(req.ThreadID)

	cmd := exec.Command(l.cfg.Command, l.args(req.ThreadID, mode)...)
	cmd.Dir = l.workDir(req.WorkDir, log)
	cmd.Env = l.environ()
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrSpawn, err)
	}
	// Output goes through os.Pipe rather than StdoutPipe so the readers can
	// be given a deadline once the agent itself has exited.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrSpawn, err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return nil, fmt.Errorf("%w: create stderr pipe: %v", ErrSpawn, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		threadID:  req.ThreadID,
		pid:       cmd.Process.Pid,
		startedAt: time.Now().UTC(),
		grace:     l.cfg.InterruptGrace,
		cmd:       cmd,
		exited:    make(chan struct{}),
		stderr:    NewRingBuffer[string](stderrTailLines),
		log:       log.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}
	h.log.Info("agent started", zap.String("dir", cmd.Dir), zap.String("mode", mode))

	go h.writeInput(stdin, req.Input)
	go l.supervise(h, stdout, stderr, cb)

	return h, nil
}

func (h *Handle) writeInput(stdin io.WriteCloser, input []byte) {
	defer stdin.Close()
	if len(input) == 0 {
		return
	}
	if _, err := stdin.Write(input); err != nil {
		h.log.Debug("write stdin failed", zap.Error(err))
	}
}

// supervise reaps the process while draining both output streams, then
// reports its exit. Descendants of the agent may inherit the output pipes, so
// once the agent has exited the readers get cfg.OutputDrain to finish.
func (l *Launcher) supervise(h *Handle, stdout, stderr *os.File, cb Callbacks) {
	defer closeAll(stdout, stderr)

	var g errgroup.Group
	var emitMu sync.Mutex
	emit := func(events []protocol.Event) {
		if len(events) == 0 || cb.OnEvent == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		for _, ev := range events {
			cb.OnEvent(ev)
		}
	}

	var code int
	g.Go(func() error { return l.readStdout(h, stdout, emit) })
	g.Go(func() error { return l.readStderr(h, stderr, emit) })
	g.Go(func() error {
		code = exitCode(h.cmd.Wait())
		drainBy := time.Now().Add(l.cfg.OutputDrain)
		for _, f := range []*os.File{stdout, stderr} {
			if err := f.SetReadDeadline(drainBy); err != nil {
				// Pipes without deadline support are closed instead.
				time.AfterFunc(l.cfg.OutputDrain, func() { _ = f.Close() })
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		h.log.Debug("output stream error", zap.Error(err))
	}

	close(h.exited)
	h.log.Info("agent exited", zap.Int("code", code), zap.Duration("ran", time.Since(h.startedAt)))

	if cb.OnExit != nil {
		cb.OnExit(code, h.stderr.ReadAll())
	}
}

func (l *Launcher) readStdout(h *Handle, r io.Reader, emit func([]protocol.Event)) error {
	dec := protocol.NewDecoder(protocol.WithMaxTokens(l.cfg.MaxTokens))
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emit(dec.Decode(buf[:n]))
		}
		if err != nil {
			emit(dec.Flush())
			if dropped := dec.Dropped(); dropped > 0 {
				h.log.Debug("dropped unparseable stdout lines", zap.Int("count", dropped))
			}
			if streamEnded(err) {
				return nil
			}
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

// readStderr scans stderr line by line. Lines that decode as events are
// emitted; the rest are kept for crash reports.
func (l *Launcher) readStderr(h *Handle, r io.Reader, emit func([]protocol.Event)) error {
	dec := protocol.NewDecoder(protocol.WithMaxTokens(l.cfg.MaxTokens))
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), defaultScannerBufSize)

	for scanner.Scan() {
		line := scanner.Text()
		events := dec.Decode([]byte(line + "\n"))
		if len(events) > 0 {
			emit(events)
			continue
		}
		if text := strings.TrimSpace(line); text != "" {
			h.stderr.Write(text)
			h.log.Debug("agent stderr", zap.String("line", text))
		}
	}
	if err := scanner.Err(); err != nil && !streamEnded(err) {
		// Keep draining so the agent never blocks on a full stderr pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read stderr: %w", err)
	}
	return nil
}

func (l *Launcher) args(threadID, mode string) []string {
	r := strings.NewReplacer("{threadId}", threadID, "{mode}", mode)
	args := make([]string, len(l.cfg.Args))
	for i, a := range l.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

func (l *Launcher) workDir(dir string, log *logger.Logger) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		log.Warn("workspace missing, using default directory", zap.String("workspace", dir))
	}
	if l.cfg.DefaultDir != "" {
		return l.cfg.DefaultDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// environ returns the parent environment set up for non-interactive output.
func (l *Launcher) environ() []string {
	env := append(os.Environ(), "NO_COLOR=1", "TERM=dumb", "CI=1")
	keys := make([]string, 0, len(l.cfg.Env))
	for k := range l.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+l.cfg.Env[k])
	}
	return env
}

// streamEnded reports whether a read error just means no more output will be
// read: EOF, a closed pipe, or the post-exit drain deadline.
func streamEnded(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return KilledExitCode
}
