package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
	"github.com/ai-village/villaged/internal/workspace"
)

// flakyBus fails publishes until connected, recording successes in order.
type flakyBus struct {
	mu        sync.Mutex
	connected bool
	published []*bus.Event
}

func (f *flakyBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.published = append(f.published, event)
	return nil
}

func (f *flakyBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *flakyBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *flakyBus) Close() {}

func (f *flakyBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *flakyBus) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *flakyBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func streamTestConfig() *Config {
	return &Config{
		SessionID: "s1",
		AgentID:   "a1",
		VillageID: "v1",
		OrgID:     "o1",
		RepoRef:   workspace.RepoRef{Provider: workspace.ProviderGitHub, Owner: "acme", Name: "widgets"},
	}
}

func TestStreamAssignsContiguousSequences(t *testing.T) {
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer memBus.Close()

	stream := NewStream(memBus, "test", newTestLogger(t))
	defer stream.Close()

	cfg := streamTestConfig()
	for i := 1; i <= 5; i++ {
		seq := stream.Emit(cfg, events.TerminalChunk, map[string]interface{}{"data": "x"})
		assert.Equal(t, int64(i), seq)
	}
	assert.Equal(t, int64(5), stream.LastSeq("s1"))
	assert.Zero(t, stream.LastSeq("other"))
}

func TestStreamReplaysAfterReconnect(t *testing.T) {
	fb := &flakyBus{}
	stream := NewStream(fb, "test", newTestLogger(t))
	defer stream.Close()

	cfg := streamTestConfig()
	stream.Emit(cfg, events.SessionStateChanged, map[string]interface{}{"new_state": "RUNNING"})
	stream.Emit(cfg, events.TerminalChunk, map[string]interface{}{"data": "hello"})

	// Nothing delivered while disconnected; events wait in the outbox.
	assert.Zero(t, fb.count())
	assert.Equal(t, 2, stream.PendingCount("s1"))

	fb.setConnected(true)
	require.Eventually(t, func() bool { return fb.count() == 2 }, 5*time.Second, 50*time.Millisecond)
	assert.Zero(t, stream.PendingCount("s1"))

	// Order survived the retry.
	first, err := events.RunnerEventFromBus(fb.published[0])
	require.NoError(t, err)
	second, err := events.RunnerEventFromBus(fb.published[1])
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
}

func TestStreamDropSessionResetsSequence(t *testing.T) {
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer memBus.Close()

	stream := NewStream(memBus, "test", newTestLogger(t))
	defer stream.Close()

	cfg := streamTestConfig()
	stream.Emit(cfg, events.TerminalChunk, nil)
	stream.Emit(cfg, events.TerminalChunk, nil)
	require.Equal(t, int64(2), stream.LastSeq("s1"))

	stream.DropSession("s1")
	assert.Zero(t, stream.LastSeq("s1"))
}

func TestStreamIndependentSessions(t *testing.T) {
	memBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer memBus.Close()

	stream := NewStream(memBus, "test", newTestLogger(t))
	defer stream.Close()

	cfg1 := streamTestConfig()
	cfg2 := streamTestConfig()
	cfg2.SessionID = "s2"

	stream.Emit(cfg1, events.TerminalChunk, nil)
	stream.Emit(cfg2, events.TerminalChunk, nil)
	stream.Emit(cfg1, events.TerminalChunk, nil)

	assert.Equal(t, int64(2), stream.LastSeq("s1"))
	assert.Equal(t, int64(1), stream.LastSeq("s2"))
}
