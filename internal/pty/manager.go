package pty

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
)

// maxBufferChunks caps the per-session ring buffer. Oldest chunks drop first.
const maxBufferChunks = 10000

// SpawnOptions configure a PTY spawn.
type SpawnOptions struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    int
	Rows    int
	// Shell, when set, runs the command as `shell -c command`.
	Shell string
}

// Chunk is one captured slice of PTY output.
type Chunk struct {
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// DataEvent is emitted for every chunk of PTY output.
// stdout/stderr are merged by the PTY; Stream is kept for future differentiation.
type DataEvent struct {
	SessionID string    `json:"session_id"`
	Data      []byte    `json:"data"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// ExitEvent is emitted when a PTY process exits.
type ExitEvent struct {
	SessionID string    `json:"session_id"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DataHandler receives PTY output chunks.
type DataHandler func(DataEvent)

// ExitHandler receives PTY exit notifications.
type ExitHandler func(ExitEvent)

// Manager spawns provider processes under pseudo-terminals, one per session.
type Manager struct {
	logger       *logger.Logger
	mu           sync.RWMutex
	sessions     map[string]*ptySession
	dataHandlers []DataHandler
	exitHandlers []ExitHandler
	initialized  bool
}

type ptySession struct {
	sessionID string
	handle    Handle
	cmd       *exec.Cmd
	pid       int

	bufMu     sync.RWMutex
	buffer    []Chunk // circular
	bufNext   int
	bufFull   bool
	bytesRead int64

	done chan struct{} // closed after exit is observed
}

// NewManager creates a PTY manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:   log.WithFields(zap.String("component", "pty-manager")),
		sessions: make(map[string]*ptySession),
	}
}

// Initialize prepares the manager. Must be called before any spawn.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// OnData registers a handler for PTY output chunks.
func (m *Manager) OnData(handler DataHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataHandlers = append(m.dataHandlers, handler)
}

// OnExit registers a handler for PTY exit events.
func (m *Manager) OnExit(handler ExitHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitHandlers = append(m.exitHandlers, handler)
}

// Spawn starts a process under a pseudo-terminal for the session and returns
// its pid. Duplicate session ids are rejected.
func (m *Manager) Spawn(sessionID string, opts SpawnOptions) (int, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return 0, fmt.Errorf("pty manager not initialized")
	}
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("session %s already has a pty", sessionID)
	}
	m.mu.Unlock()

	cols := opts.Cols
	if cols <= 0 {
		cols = 120
	}
	rows := opts.Rows
	if rows <= 0 {
		rows = 40
	}

	var cmd *exec.Cmd
	if opts.Shell != "" {
		cmd = exec.Command(opts.Shell, "-c", opts.Command)
	} else {
		cmd = exec.Command(opts.Command, opts.Args...)
	}
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts.Env)
	setProcGroup(cmd)

	handle, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to start pty: %w", err)
	}

	s := &ptySession{
		sessionID: sessionID,
		handle:    handle,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		buffer:    make([]Chunk, 0, 64),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("spawned pty process",
		zap.String("session_id", sessionID),
		zap.String("command", opts.Command),
		zap.Int("pid", s.pid))

	go m.readLoop(s)
	go m.waitForExit(s)

	return s.pid, nil
}

// Write appends data to the PTY stdin. Fails on unknown session.
func (m *Manager) Write(sessionID string, data []byte) error {
	s, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("no pty for session %s", sessionID)
	}
	_, err := s.handle.Write(data)
	return err
}

// Resize propagates a terminal resize. Fails on unknown session.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	s, ok := m.get(sessionID)
	if !ok {
		return fmt.Errorf("no pty for session %s", sessionID)
	}
	return s.handle.Resize(cols, rows)
}

// Kill signals the session's process group. No-op on unknown session.
// Signal is "SIGTERM" (default) or "SIGKILL".
func (m *Manager) Kill(sessionID string, signal string) {
	s, ok := m.get(sessionID)
	if !ok {
		return
	}

	var err error
	switch signal {
	case "", "SIGTERM":
		err = terminateProcessGroup(s.pid)
	default:
		err = killProcessGroup(s.pid)
	}
	if err != nil {
		m.logger.Debug("pty kill failed (process may have exited)",
			zap.String("session_id", sessionID),
			zap.String("signal", signal),
			zap.Error(err))
	}
}

// GetBuffer returns a copy of the session's output ring buffer, oldest first.
func (m *Manager) GetBuffer(sessionID string) []Chunk {
	s, ok := m.get(sessionID)
	if !ok {
		return nil
	}

	s.bufMu.RLock()
	defer s.bufMu.RUnlock()

	if !s.bufFull {
		out := make([]Chunk, len(s.buffer))
		copy(out, s.buffer)
		return out
	}

	out := make([]Chunk, 0, maxBufferChunks)
	out = append(out, s.buffer[s.bufNext:]...)
	out = append(out, s.buffer[:s.bufNext]...)
	return out
}

// BytesReceived returns the total output byte count for a session.
func (m *Manager) BytesReceived(sessionID string) int64 {
	s, ok := m.get(sessionID)
	if !ok {
		return 0
	}
	s.bufMu.RLock()
	defer s.bufMu.RUnlock()
	return s.bytesRead
}

// HasSession reports whether a PTY exists for the session.
func (m *Manager) HasSession(sessionID string) bool {
	_, ok := m.get(sessionID)
	return ok
}

// Cleanup force-kills every PTY, waits for each exit, then clears the map.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	sessions := make([]*ptySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := killProcessGroup(s.pid); err != nil {
			m.logger.Debug("cleanup kill failed", zap.String("session_id", s.sessionID), zap.Error(err))
		}
	}

	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("timeout waiting for pty exit during cleanup",
				zap.String("session_id", s.sessionID))
		}
	}

	m.mu.Lock()
	m.sessions = make(map[string]*ptySession)
	m.mu.Unlock()

	m.logger.Info("pty manager cleaned up", zap.Int("sessions", len(sessions)))
}

func (m *Manager) get(sessionID string) (*ptySession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// readLoop continuously reads from the PTY and emits data events in arrival order.
func (m *Manager) readLoop(s *ptySession) {
	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.appendChunk(data)
			m.emitData(DataEvent{
				SessionID: s.sessionID,
				Data:      data,
				Stream:    "stdout",
				Timestamp: time.Now().UTC(),
			})
		}
		if err != nil {
			if err != io.EOF && !isClosedError(err) {
				m.logger.Debug("pty read error",
					zap.String("session_id", s.sessionID),
					zap.Error(err))
			}
			return
		}
	}
}

// waitForExit waits for the process, emits the exit event, and removes the session.
func (m *Manager) waitForExit(s *ptySession) {
	exitCode, signalName, _ := waitPtyProcess(s.cmd, s.handle)
	_ = s.handle.Close()

	m.mu.Lock()
	delete(m.sessions, s.sessionID)
	m.mu.Unlock()

	m.logger.Info("pty process exited",
		zap.String("session_id", s.sessionID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName))

	m.emitExit(ExitEvent{
		SessionID: s.sessionID,
		ExitCode:  exitCode,
		Signal:    signalName,
		Timestamp: time.Now().UTC(),
	})

	close(s.done)
}

func (m *Manager) emitData(ev DataEvent) {
	m.mu.RLock()
	handlers := make([]DataHandler, len(m.dataHandlers))
	copy(handlers, m.dataHandlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) emitExit(ev ExitEvent) {
	m.mu.RLock()
	handlers := make([]ExitHandler, len(m.exitHandlers))
	copy(handlers, m.exitHandlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// appendChunk adds a chunk to the circular buffer, dropping the oldest
// entry once the cap is reached.
func (s *ptySession) appendChunk(data []byte) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	chunk := Chunk{Data: data, Timestamp: time.Now().UTC()}
	s.bytesRead += int64(len(data))

	if len(s.buffer) < maxBufferChunks && !s.bufFull {
		s.buffer = append(s.buffer, chunk)
		if len(s.buffer) == maxBufferChunks {
			s.bufFull = true
		}
		return
	}

	s.buffer[s.bufNext] = chunk
	s.bufNext = (s.bufNext + 1) % maxBufferChunks
}

// buildEnv merges the caller env over the process environment and forces
// terminal identification variables.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}

// isClosedError reports whether err is the expected read error after a PTY
// master is closed. Reading a closed PTY returns EIO on Linux and
// "file already closed" after Close.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "input/output error")
}
