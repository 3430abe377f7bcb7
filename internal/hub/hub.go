// Package hub fans committed queue events out to connected staff dashboards.
package hub

import (
	"encoding/json"
	"sync"

	"qms/clinic-queue/internal/queue"

	"github.com/rs/zerolog"
)

// Subscription scopes what a client receives. An empty SpecialistID means
// every specialist of the tenant; an empty TenantID receives nothing.
type Subscription struct {
	TenantID     string
	SpecialistID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	SpecialistID string `json:"specialist_id"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

// Publish implements queue.Publisher.
func (h *Hub) Publish(event queue.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", event.Type).Msg("encode event")
		return
	}
	h.Broadcast(payload, Subscription{TenantID: event.TenantID, SpecialistID: event.SpecialistID})
}

func match(sub Subscription, meta Subscription) bool {
	if sub.TenantID == "" || meta.TenantID != sub.TenantID {
		return false
	}
	if sub.SpecialistID != "" && meta.SpecialistID != "" && meta.SpecialistID != sub.SpecialistID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
