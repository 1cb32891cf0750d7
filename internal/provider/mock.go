package provider

import (
	"context"
	"sync"
	"time"
)

var _ Adapter = (*Mock)(nil)

// Mock is a scripted in-memory provider for tests and local development.
// It emits its script as provider events after StartSession and signals
// termination with an EXITED event instead of a PTY exit.
type Mock struct {
	// Script is the event sequence to replay. EXITED is appended
	// automatically when the script does not end the session itself.
	Script []Event
	// ExitCode is used for the automatic EXITED event.
	ExitCode int
	// StepDelay paces script replay.
	StepDelay time.Duration
	// HoldOpen, when true, suppresses the automatic EXITED event so tests
	// can drive approval and stop flows explicitly.
	HoldOpen bool
	// IgnoreStop, when true, makes Stop a no-op so tests can exercise the
	// stop-timeout escalation path.
	IgnoreStop bool

	mu       sync.Mutex
	handlers []EventHandler
	started  bool
	stopped  bool
	inputs   [][]byte
}

// NewMock creates a mock provider with an empty script.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) ID() string {
	return IDMock
}

func (m *Mock) Detect(ctx context.Context) (DetectResult, error) {
	return DetectResult{Installed: true, Version: "0.0.0-mock"}, nil
}

func (m *Mock) StartSession(ctx context.Context, opts StartOptions) (*StartResult, error) {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go m.replay()
	return &StartResult{SessionPid: 0, Version: "0.0.0-mock"}, nil
}

func (m *Mock) replay() {
	for _, ev := range m.Script {
		if m.StepDelay > 0 {
			time.Sleep(m.StepDelay)
		}
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		m.emit(ev)
		if ev.Type == EventExited {
			return
		}
	}

	if !m.HoldOpen {
		m.emit(Event{Type: EventExited, ExitCode: m.ExitCode, Timestamp: time.Now().UTC()})
	}
}

func (m *Mock) SendInput(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.inputs = append(m.inputs, buf)
	return nil
}

// Inputs returns everything sent via SendInput.
func (m *Mock) Inputs() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Stop ends the session: the next observable event is EXITED.
func (m *Mock) Stop(ctx context.Context) error {
	if m.IgnoreStop {
		return nil
	}
	m.mu.Lock()
	alreadyStopped := m.stopped
	m.stopped = true
	m.mu.Unlock()

	if !alreadyStopped {
		m.emit(Event{Type: EventExited, ExitCode: m.ExitCode, Timestamp: time.Now().UTC()})
	}
	return nil
}

func (m *Mock) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// HandleOutput is a no-op: the mock emits events directly.
func (m *Mock) HandleOutput(data []byte) {}

// EmitEvent injects an event, letting tests drive approval flows.
func (m *Mock) EmitEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.emit(ev)
}

func (m *Mock) emit(ev Event) {
	m.mu.Lock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
