//go:build !windows

package pty

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuzig/vt10x"

	"github.com/ai-village/villaged/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type recordedEvents struct {
	mu    sync.Mutex
	data  map[string][]byte
	exits map[string]ExitEvent
}

func newTestManager(t *testing.T) (*Manager, *recordedEvents) {
	t.Helper()
	m := NewManager(newTestLogger(t))
	require.NoError(t, m.Initialize())

	rec := &recordedEvents{
		data:  make(map[string][]byte),
		exits: make(map[string]ExitEvent),
	}
	m.OnData(func(ev DataEvent) {
		rec.mu.Lock()
		rec.data[ev.SessionID] = append(rec.data[ev.SessionID], ev.Data...)
		rec.mu.Unlock()
	})
	m.OnExit(func(ev ExitEvent) {
		rec.mu.Lock()
		rec.exits[ev.SessionID] = ev
		rec.mu.Unlock()
	})

	return m, rec
}

func (r *recordedEvents) output(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data[sessionID])
}

func (r *recordedEvents) exit(sessionID string) (ExitEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.exits[sessionID]
	return ev, ok
}

func waitForExit(t *testing.T, rec *recordedEvents, sessionID string) ExitEvent {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := rec.exit(sessionID); ok {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never exited", sessionID)
	return ExitEvent{}
}

func TestSpawnCapturesOutputAndExit(t *testing.T) {
	m, rec := newTestManager(t)

	pid, err := m.Spawn("s1", SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "echo hello-from-pty"},
	})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	ev := waitForExit(t, rec, "s1")
	assert.Equal(t, 0, ev.ExitCode)
	assert.Contains(t, rec.output("s1"), "hello-from-pty")
	assert.False(t, m.HasSession("s1"), "session removed after exit")
}

func TestSpawnShellWrapsCommand(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{
		Command: "echo wrapped-$((40+2))",
		Shell:   "sh",
	})
	require.NoError(t, err)

	waitForExit(t, rec, "s1")
	assert.Contains(t, rec.output("s1"), "wrapped-42")
}

func TestSpawnRejectsDuplicateSession(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	defer func() {
		m.Kill("s1", "SIGKILL")
		waitForExit(t, rec, "s1")
	}()

	_, err = m.Spawn("s1", SpawnOptions{Command: "echo", Args: []string{"x"}})
	assert.Error(t, err)
}

func TestSpawnRequiresInitialize(t *testing.T) {
	m := NewManager(newTestLogger(t))
	_, err := m.Spawn("s1", SpawnOptions{Command: "echo"})
	assert.Error(t, err)
}

func TestWriteReachesProcess(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "read line; echo got:$line"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Write("s1", []byte("ping\r")))

	ev := waitForExit(t, rec, "s1")
	assert.Equal(t, 0, ev.ExitCode)
	assert.Contains(t, rec.output("s1"), "got:ping")
}

func TestWriteUnknownSessionFails(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.Write("ghost", []byte("x")))
	assert.Error(t, m.Resize("ghost", 80, 24))
	m.Kill("ghost", "SIGTERM") // no-op
}

func TestEnvIncludesTerminalVars(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "echo term=$TERM colorterm=$COLORTERM custom=$CUSTOM_VAR"},
		Env:     map[string]string{"CUSTOM_VAR": "present"},
	})
	require.NoError(t, err)

	waitForExit(t, rec, "s1")
	out := rec.output("s1")
	assert.Contains(t, out, "term=xterm-256color")
	assert.Contains(t, out, "colorterm=truecolor")
	assert.Contains(t, out, "custom=present")
}

func TestKillTerminatesProcess(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	m.Kill("s1", "SIGKILL")
	ev := waitForExit(t, rec, "s1")
	assert.NotEqual(t, 0, ev.ExitCode)
}

func TestGetBufferHoldsChunks(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", "echo buffered-output; sleep 1"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(rec.output("s1"), "buffered-output")
	}, 5*time.Second, 20*time.Millisecond)

	chunks := m.GetBuffer("s1")
	require.NotEmpty(t, chunks)
	var all []byte
	for _, chunk := range chunks {
		all = append(all, chunk.Data...)
	}
	assert.Contains(t, string(all), "buffered-output")
	assert.Greater(t, m.BytesReceived("s1"), int64(0))

	m.Kill("s1", "SIGKILL")
	waitForExit(t, rec, "s1")
}

func TestRingBufferDropsOldest(t *testing.T) {
	s := &ptySession{buffer: make([]Chunk, 0, 64)}
	for i := 0; i < maxBufferChunks+100; i++ {
		s.appendChunk([]byte{byte(i)})
	}

	s.bufMu.RLock()
	defer s.bufMu.RUnlock()
	assert.Len(t, s.buffer, maxBufferChunks)
	assert.True(t, s.bufFull)
}

// TestTerminalRendering runs a command producing ANSI sequences and checks
// the emulated terminal view, mirroring what a dashboard would render.
func TestTerminalRendering(t *testing.T) {
	m, rec := newTestManager(t)

	_, err := m.Spawn("s1", SpawnOptions{
		Command: "sh",
		Args:    []string{"-c", `printf '\033[1mBOLD-TITLE\033[0m plain\n'`},
		Cols:    80,
		Rows:    24,
	})
	require.NoError(t, err)
	waitForExit(t, rec, "s1")

	term := vt10x.New(vt10x.WithSize(80, 24))
	_, err = term.Write([]byte(rec.output("s1")))
	require.NoError(t, err)

	assert.Contains(t, term.String(), "BOLD-TITLE plain")
}

func TestCleanupKillsEverything(t *testing.T) {
	m, rec := newTestManager(t)

	for _, id := range []string{"s1", "s2"} {
		_, err := m.Spawn(id, SpawnOptions{Command: "sleep", Args: []string{"60"}})
		require.NoError(t, err)
	}

	m.Cleanup()

	assert.False(t, m.HasSession("s1"))
	assert.False(t, m.HasSession("s2"))
	_, ok := rec.exit("s1")
	assert.True(t, ok)
}
