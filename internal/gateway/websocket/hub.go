// Package websocket delivers routed runner events to realtime subscribers.
// Clients subscribe to named subjects (agent:{id}, session:{id},
// village:{id}) and receive every event published on them. Delivery is
// at-least-once; consumers deduplicate by (sessionId, seq).
package websocket

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/events/bus"
	ws "github.com/ai-village/villaged/pkg/websocket"
)

// Hub tracks connected clients and their subject subscriptions, bridging
// them to the event bus. A bus subscription exists per subject while at
// least one client is subscribed.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu          sync.Mutex
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool // bus subject -> clients
	busSubs     map[string]bus.Subscription // bus subject -> subscription
}

// NewHub creates a hub over the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "ws-hub")),
		clients:     make(map[*Client]bool),
		subscribers: make(map[string]map[*Client]bool),
		busSubs:     make(map[string]bus.Subscription),
	}
}

// Register adds a connected client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", client.ID))
}

// Unregister removes a client and its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	var drained []string
	for subject, clients := range h.subscribers {
		if clients[client] {
			delete(clients, client)
			if len(clients) == 0 {
				drained = append(drained, subject)
			}
		}
	}
	subs := make([]bus.Subscription, 0, len(drained))
	for _, subject := range drained {
		if sub, ok := h.busSubs[subject]; ok {
			subs = append(subs, sub)
			delete(h.busSubs, subject)
		}
		delete(h.subscribers, subject)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	client.Close()
	h.logger.Debug("client disconnected", zap.String("client_id", client.ID))
}

// Subscribe attaches a client to a named subject ("session:abc" form).
func (h *Hub) Subscribe(client *Client, subject string) error {
	busSubject, err := toBusSubject(subject)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[busSubject]; !ok {
		sub, err := h.eventBus.Subscribe(busSubject, h.makeForwarder(busSubject))
		if err != nil {
			return err
		}
		h.subscribers[busSubject] = make(map[*Client]bool)
		h.busSubs[busSubject] = sub
	}
	h.subscribers[busSubject][client] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("subject", subject))
	return nil
}

// Unsubscribe detaches a client from a subject.
func (h *Hub) Unsubscribe(client *Client, subject string) error {
	busSubject, err := toBusSubject(subject)
	if err != nil {
		return err
	}

	h.mu.Lock()
	clients, ok := h.subscribers[busSubject]
	var busSub bus.Subscription
	if ok {
		delete(clients, client)
		if len(clients) == 0 {
			busSub = h.busSubs[busSubject]
			delete(h.busSubs, busSubject)
			delete(h.subscribers, busSubject)
		}
	}
	h.mu.Unlock()

	if busSub != nil {
		_ = busSub.Unsubscribe()
	}
	return nil
}

// makeForwarder returns a bus handler broadcasting events for one subject.
func (h *Hub) makeForwarder(busSubject string) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(ws.ActionEvent, event.Data)
		if err != nil {
			return err
		}

		h.mu.Lock()
		clients := make([]*Client, 0, len(h.subscribers[busSubject]))
		for client := range h.subscribers[busSubject] {
			clients = append(clients, client)
		}
		h.mu.Unlock()

		for _, client := range clients {
			client.SendMessage(msg)
		}
		return nil
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.Unregister(client)
	}
}

// toBusSubject converts the external "kind:id" subject form to the internal
// bus subject ("kind.id"). Only the three fan-out kinds are subscribable.
func toBusSubject(subject string) (string, error) {
	kind, id, ok := strings.Cut(subject, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid subject %q (want kind:id)", subject)
	}
	switch kind {
	case "agent", "session", "village":
		return kind + "." + id, nil
	default:
		return "", fmt.Errorf("unknown subject kind %q", kind)
	}
}
