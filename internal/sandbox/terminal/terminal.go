// Package terminal provides the debug shell attached to a sandbox
// workspace: a host-side PTY whose output fans out to websocket
// subscribers, with a screen-buffer emulator so reconnecting clients can
// replay the current screen instead of starting blank.
//
// This is an operator surface, not part of the agent's sandbox: the shell
// runs on the host with the standard env allowlist.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"
	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/logger"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/sandbox/limits"
)

// maxReplayBytes bounds the raw output kept for reconnect replay.
const maxReplayBytes = 16 * 1024

// Config holds terminal session configuration.
type Config struct {
	WorkDir string
	Cols    int
	Rows    int
}

// Session is one live debug terminal.
type Session struct {
	log     *logger.Logger
	workDir string
	shell   string
	args    []string

	pty *os.File
	cmd *exec.Cmd

	mu        sync.RWMutex
	running   bool
	startedAt time.Time

	subMu sync.RWMutex
	subs  map[chan<- []byte]struct{}

	bufMu  sync.RWMutex
	buffer []byte
	term   vt10x.Terminal

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// detectShell picks the user's shell, falling back through the common ones.
func detectShell() (string, []string) {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

// NewSession starts a shell in the workspace under a PTY.
func NewSession(cfg Config, log *logger.Logger) (*Session, error) {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}

	shell, args := detectShell()
	s := &Session{
		log:     log.WithFields(zap.String("component", "terminal")),
		workDir: cfg.WorkDir,
		shell:   shell,
		args:    args,
		subs:    make(map[chan<- []byte]struct{}),
		term:    vt10x.New(vt10x.WithSize(cfg.Cols, cfg.Rows)),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	s.cmd = exec.Command(shell, args...)
	s.cmd.Dir = cfg.WorkDir
	s.cmd.Env = limits.BuildEnv(map[string]string{
		"TERM": "xterm-256color",
		"PWD":  cfg.WorkDir,
	})

	var err error
	s.pty, err = pty.StartWithSize(s.cmd, &pty.Winsize{
		Cols: uint16(cfg.Cols),
		Rows: uint16(cfg.Rows),
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "start pty", err)
	}

	s.running = true
	s.startedAt = time.Now()

	s.log.Info("Debug terminal started",
		zap.String("shell", shell),
		zap.String("cwd", cfg.WorkDir),
		zap.Int("pid", s.cmd.Process.Pid))

	go s.readOutput()
	go s.waitForExit()
	return s, nil
}

// Write sends input to the shell.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return 0, errs.New(errs.KindGone, "terminal not running")
	}
	return s.pty.Write(data)
}

// Resize adjusts the PTY and the screen emulator.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running || s.pty == nil {
		return errs.New(errs.KindGone, "terminal not running")
	}
	if err := pty.Setsize(s.pty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	s.bufMu.Lock()
	s.term.Resize(int(cols), int(rows))
	s.bufMu.Unlock()
	return nil
}

// Subscribe registers an output channel. Sends never block; a full channel
// drops frames.
func (s *Session) Subscribe(ch chan<- []byte) {
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
}

// Unsubscribe removes an output channel.
func (s *Session) Unsubscribe(ch chan<- []byte) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
}

// Replay returns the buffered recent raw output for a reconnecting client.
func (s *Session) Replay() []byte {
	s.bufMu.RLock()
	defer s.bufMu.RUnlock()
	if len(s.buffer) == 0 {
		return nil
	}
	out := make([]byte, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Screen renders the emulator's current screen as plain text lines, for the
// JSON status surface.
func (s *Session) Screen() []string {
	s.bufMu.RLock()
	defer s.bufMu.RUnlock()

	cols, rows := s.term.Size()
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		var b strings.Builder
		for col := 0; col < cols; col++ {
			g := s.term.Cell(col, row)
			if g.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(g.Char)
			}
		}
		lines[row] = strings.TrimRight(b.String(), " ")
	}
	return lines
}

// Running reports whether the shell is still alive.
func (s *Session) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Done is closed when the shell exits.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Stop closes the PTY and waits briefly for the shell to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.stopCh)
		if s.pty != nil {
			_ = s.pty.Close()
		}

		select {
		case <-s.doneCh:
		case <-time.After(5 * time.Second):
			s.log.Warn("Terminal ignored close, killing shell")
			if s.cmd != nil && s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
	})
}

func (s *Session) readOutput() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		n, err := s.pty.Read(buf)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("terminal read error", zap.Error(err))
			}
			return
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.broadcast(data)
	}
}

func (s *Session) broadcast(data []byte) {
	s.bufMu.Lock()
	s.buffer = append(s.buffer, data...)
	if len(s.buffer) > maxReplayBytes {
		s.buffer = s.buffer[len(s.buffer)-maxReplayBytes:]
	}
	_, _ = s.term.Write(data)
	s.bufMu.Unlock()

	s.subMu.RLock()
	for ch := range s.subs {
		select {
		case ch <- data:
		default:
		}
	}
	s.subMu.RUnlock()
}

func (s *Session) waitForExit() {
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(s.doneCh)
	s.log.Info("Debug terminal exited")
}

// Hub keys live terminals by sandbox id, one per sandbox; reconnects reuse
// the session and replay its buffer.
type Hub struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub builds an empty Hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log, sessions: make(map[string]*Session)}
}

// Open returns the sandbox's terminal, starting one in workDir if needed.
func (h *Hub) Open(sandboxID, workDir string, cols, rows int) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sess, ok := h.sessions[sandboxID]; ok && sess.Running() {
		return sess, nil
	}
	sess, err := NewSession(Config{WorkDir: workDir, Cols: cols, Rows: rows}, h.log.WithSandboxID(sandboxID))
	if err != nil {
		return nil, err
	}
	h.sessions[sandboxID] = sess

	// Reap the slot when the shell exits on its own.
	go func() {
		<-sess.Done()
		h.mu.Lock()
		if h.sessions[sandboxID] == sess {
			delete(h.sessions, sandboxID)
		}
		h.mu.Unlock()
	}()
	return sess, nil
}

// Close stops the sandbox's terminal if one is live.
func (h *Hub) Close(sandboxID string) {
	h.mu.Lock()
	sess, ok := h.sessions[sandboxID]
	if ok {
		delete(h.sessions, sandboxID)
	}
	h.mu.Unlock()
	if ok {
		sess.Stop()
	}
}

// CloseAll stops every live terminal; daemon shutdown calls it.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for id, sess := range h.sessions {
		sessions = append(sessions, sess)
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.Stop()
	}
}
