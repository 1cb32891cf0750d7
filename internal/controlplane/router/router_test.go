package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/store"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type subjectCollector struct {
	mu     sync.Mutex
	events map[string][]*bus.Event
}

func collectSubject(t *testing.T, b bus.EventBus, subject string, c *subjectCollector) {
	t.Helper()
	sub, err := b.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		c.mu.Lock()
		c.events[subject] = append(c.events[subject], event)
		c.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func (c *subjectCollector) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events[subject])
}

func publishRunnerEvent(t *testing.T, b bus.EventBus, re *events.RunnerEvent) {
	t.Helper()
	busEvent, err := re.ToBusEvent("runner")
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), events.RunnerEventSubject(re.SessionID), busEvent))
}

func TestRouterFansOutToAllSubjects(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	r := NewEventRouter(memBus, nil, log)
	require.NoError(t, r.Start())
	defer r.Stop()

	c := &subjectCollector{events: make(map[string][]*bus.Event)}
	collectSubject(t, memBus, "session.s1", c)
	collectSubject(t, memBus, "agent.a1", c)
	collectSubject(t, memBus, "village.v1", c)

	publishRunnerEvent(t, memBus, &events.RunnerEvent{
		Type:      events.TerminalChunk,
		SessionID: "s1",
		AgentID:   "a1",
		VillageID: "v1",
		OrgID:     "o1",
		Ts:        time.Now().UnixMilli(),
		Seq:       1,
		Payload:   map[string]interface{}{"data": "x"},
	})

	require.Eventually(t, func() bool {
		return c.count("session.s1") == 1 && c.count("agent.a1") == 1 && c.count("village.v1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Routed events carry the routing subject alongside the payload.
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, "agent.a1", c.events["agent.a1"][0].Data["subject"])
	assert.Equal(t, "session.s1", c.events["session.s1"][0].Data["subject"])
	assert.Equal(t, float64(1), c.events["session.s1"][0].Data["seq"])
}

func TestRouterResolvesRoutingFromMetadata(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	metadata := store.NewMemoryStore()
	require.NoError(t, metadata.CreateSession(context.Background(), &store.SessionRecord{
		SessionID: "s1",
		AgentID:   "agent-from-store",
		VillageID: "village-from-store",
		OrgID:     "o1",
		RunnerID:  "r1",
		State:     "RUNNING",
		CreatedAt: time.Now().UTC(),
	}))

	r := NewEventRouter(memBus, metadata, log)
	require.NoError(t, r.Start())
	defer r.Stop()

	c := &subjectCollector{events: make(map[string][]*bus.Event)}
	collectSubject(t, memBus, "agent.agent-from-store", c)
	collectSubject(t, memBus, "village.village-from-store", c)

	// Event without routing ids: the router consults session metadata.
	publishRunnerEvent(t, memBus, &events.RunnerEvent{
		Type:      events.SessionEnded,
		SessionID: "s1",
		OrgID:     "o1",
		Ts:        time.Now().UnixMilli(),
		Seq:       7,
	})

	require.Eventually(t, func() bool {
		return c.count("agent.agent-from-store") == 1 && c.count("village.village-from-store") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRouterSkipsUnroutableEvents(t *testing.T) {
	log := newTestLogger(t)
	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()

	r := NewEventRouter(memBus, nil, log)
	require.NoError(t, r.Start())
	defer r.Stop()

	// Session-only event (no agent or village): only session.* receives it.
	c := &subjectCollector{events: make(map[string][]*bus.Event)}
	collectSubject(t, memBus, "session.s2", c)

	publishRunnerEvent(t, memBus, &events.RunnerEvent{
		Type:      events.TerminalChunk,
		SessionID: "s2",
		OrgID:     "o1",
		Seq:       1,
		Ts:        time.Now().UnixMilli(),
	})

	require.Eventually(t, func() bool { return c.count("session.s2") == 1 },
		5*time.Second, 10*time.Millisecond)
}
