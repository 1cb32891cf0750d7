package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
)

// Stream is the outbound event client from a runner to the control plane.
// It assigns the per-session monotone sequence (starting at 1, no gaps) and
// guarantees at-least-once delivery: events that fail to publish stay in a
// per-session outbox and are re-published once the bus reconnects.
type Stream struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger

	mu       sync.Mutex
	seqs     map[string]int64
	outboxes map[string][]*events.RunnerEvent
	closed   bool

	flushStop chan struct{}
	flushDone chan struct{}
}

// NewStream creates an event stream publishing on the given bus.
func NewStream(eventBus bus.EventBus, source string, log *logger.Logger) *Stream {
	if log == nil {
		log = logger.Default()
	}
	s := &Stream{
		bus:       eventBus,
		source:    source,
		logger:    log.WithFields(zap.String("component", "event-stream")),
		seqs:      make(map[string]int64),
		outboxes:  make(map[string][]*events.RunnerEvent),
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Emit stamps, sequences, and publishes a runner event. It must be called
// from the session's lane so sequence assignment stays serialized.
// Returns the assigned sequence number.
func (s *Stream) Emit(cfg *Config, eventType string, payload map[string]interface{}) int64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.seqs[cfg.SessionID]++
	seq := s.seqs[cfg.SessionID]

	ev := &events.RunnerEvent{
		Type:      eventType,
		SessionID: cfg.SessionID,
		AgentID:   cfg.AgentID,
		VillageID: cfg.VillageID,
		OrgID:     cfg.OrgID,
		RepoRef:   cfg.RepoRef.String(),
		Ts:        time.Now().UTC().UnixMilli(),
		Seq:       seq,
		Payload:   payload,
	}
	s.outboxes[cfg.SessionID] = append(s.outboxes[cfg.SessionID], ev)
	s.mu.Unlock()

	s.flushSession(cfg.SessionID)
	return seq
}

// LastSeq returns the last assigned sequence for a session.
func (s *Stream) LastSeq(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[sessionID]
}

// DropSession clears the sequence counter and outbox for a session.
// Call only after SESSION_ENDED has been flushed.
func (s *Stream) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outboxes[sessionID]) > 0 {
		s.logger.Warn("dropping session with unflushed events",
			zap.String("session_id", sessionID),
			zap.Int("pending", len(s.outboxes[sessionID])))
	}
	delete(s.seqs, sessionID)
	delete(s.outboxes, sessionID)
}

// PendingCount returns the number of unflushed events for a session.
func (s *Stream) PendingCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outboxes[sessionID])
}

// Flush attempts to publish every outstanding event. Used during shutdown.
func (s *Stream) Flush() {
	s.mu.Lock()
	sessionIDs := make([]string, 0, len(s.outboxes))
	for id := range s.outboxes {
		sessionIDs = append(sessionIDs, id)
	}
	s.mu.Unlock()

	for _, id := range sessionIDs {
		s.flushSession(id)
	}
}

// Close stops the background flusher after a final flush.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.flushStop)
	<-s.flushDone
	s.Flush()
}

// flushSession publishes the session outbox in order, stopping at the first
// failure to preserve ordering.
func (s *Stream) flushSession(sessionID string) {
	for {
		s.mu.Lock()
		outbox := s.outboxes[sessionID]
		if len(outbox) == 0 {
			s.mu.Unlock()
			return
		}
		next := outbox[0]
		s.mu.Unlock()

		busEvent, err := next.ToBusEvent(s.source)
		if err != nil {
			s.logger.Error("failed to encode runner event, dropping",
				zap.String("session_id", sessionID),
				zap.Int64("seq", next.Seq),
				zap.Error(err))
			s.popHead(sessionID, next)
			continue
		}

		if err := s.bus.Publish(context.Background(), events.RunnerEventSubject(sessionID), busEvent); err != nil {
			// Keep in the outbox; the flush loop retries after reconnect.
			s.logger.Warn("failed to publish runner event, will retry",
				zap.String("session_id", sessionID),
				zap.Int64("seq", next.Seq),
				zap.Error(err))
			return
		}

		s.popHead(sessionID, next)
	}
}

func (s *Stream) popHead(sessionID string, expected *events.RunnerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outbox := s.outboxes[sessionID]
	if len(outbox) > 0 && outbox[0] == expected {
		s.outboxes[sessionID] = outbox[1:]
	}
}

func (s *Stream) flushLoop() {
	defer close(s.flushDone)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			if s.bus.IsConnected() {
				s.Flush()
			}
		}
	}
}
