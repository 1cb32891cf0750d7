// Package router fans runner events out to realtime subscribers keyed by
// agent, session, and village subjects.
package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/store"
	"github.com/ai-village/villaged/internal/events"
	"github.com/ai-village/villaged/internal/events/bus"
)

// EventRouter republishes every runner event to its fan-out subjects.
// Delivery is at-least-once; consumers deduplicate by (sessionId, seq).
type EventRouter struct {
	eventBus bus.EventBus
	metadata store.MetadataStore
	logger   *logger.Logger
	sub      bus.Subscription
}

// NewEventRouter creates a router. The metadata store resolves routing ids
// when an event arrives without them.
func NewEventRouter(eventBus bus.EventBus, metadata store.MetadataStore, log *logger.Logger) *EventRouter {
	if log == nil {
		log = logger.Default()
	}
	return &EventRouter{
		eventBus: eventBus,
		metadata: metadata,
		logger:   log.WithFields(zap.String("component", "event-router")),
	}
}

// Start subscribes to the runner event firehose.
func (r *EventRouter) Start() error {
	sub, err := r.eventBus.Subscribe(events.RunnerEventWildcard(), r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("event router started")
	return nil
}

// Stop unsubscribes from the firehose.
func (r *EventRouter) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
}

func (r *EventRouter) handle(ctx context.Context, event *bus.Event) error {
	re, err := events.RunnerEventFromBus(event)
	if err != nil {
		r.logger.Warn("dropping unroutable runner event", zap.Error(err))
		return nil
	}

	agentID, villageID := re.AgentID, re.VillageID
	if (agentID == "" || villageID == "") && r.metadata != nil {
		if record, err := r.metadata.GetSession(ctx, re.SessionID); err == nil {
			if agentID == "" {
				agentID = record.AgentID
			}
			if villageID == "" {
				villageID = record.VillageID
			}
		}
	}

	subjects := []string{events.SessionSubject(re.SessionID)}
	if agentID != "" {
		subjects = append(subjects, events.AgentSubject(agentID))
	}
	if villageID != "" {
		subjects = append(subjects, events.VillageSubject(villageID))
	}

	for _, subject := range subjects {
		// Subscribers receive the exact event payload plus the routing subject.
		routed := *event
		routed.Data = withSubject(event.Data, subject)
		if err := r.eventBus.Publish(ctx, subject, &routed); err != nil {
			r.logger.Error("failed to fan out runner event",
				zap.String("subject", subject),
				zap.String("session_id", re.SessionID),
				zap.Int64("seq", re.Seq),
				zap.Error(err))
		}
	}

	return nil
}

func withSubject(data map[string]interface{}, subject string) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out["subject"] = subject
	return out
}
