// Package websocket pushes committed resource changes to connected clients.
// Clients subscribe to topics: a resource type ("Patient"), one instance
// ("Patient/123"), or "*" for everything.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fhird/fhird/internal/notify"
)

// TopicAll receives every change event regardless of type.
const TopicAll = "*"

// ClientMessage is an inbound subscription change from a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected subscriber. Send carries marshaled events to the
// write pump; the hub drops events for clients whose buffer is full.
type Client struct {
	ID   string
	Send chan []byte
	conn *gorillawebsocket.Conn
}

// Hub tracks clients and their topic subscriptions and fans committed
// change events out to them. It implements the store's notifier seam, so
// wiring it as a notifier is all the integration the write path needs.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		topics:  make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		log:     log.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client with its initial topics.
func (h *Hub) Register(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = make(map[string]struct{}, len(topics))
	h.subscribeLocked(client, topics)
}

// Unregister removes the client from every topic and closes its Send
// channel. Safe to call twice; the second call is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[client]
	if !ok {
		return
	}
	for topic := range subs {
		h.dropTopicLocked(client, topic)
	}
	delete(h.clients, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.clients[client]
	if !ok {
		return
	}
	for _, topic := range topics {
		h.dropTopicLocked(client, topic)
		delete(subs, topic)
	}
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	subs, ok := h.clients[client]
	if !ok {
		return
	}
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Client]struct{})
		}
		h.topics[topic][client] = struct{}{}
		subs[topic] = struct{}{}
	}
}

func (h *Hub) dropTopicLocked(client *Client, topic string) {
	if set, ok := h.topics[topic]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
}

// HandleMessage applies a subscription change. Unknown actions are ignored.
func (h *Hub) HandleMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Notify implements notify.Notifier. The event reaches subscribers of the
// resource type, the instance, and the firehose, each client at most once.
// Delivery never blocks: a client that cannot keep up loses events.
func (h *Hub) Notify(_ context.Context, ev notify.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("encoding change event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range []string{ev.ResourceType, ev.Topic(), TopicAll} {
		for client := range h.topics[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.log.Debug().Str("client_id", client.ID).Msg("dropping event for slow client")
			}
		}
	}
}

// ClientCount returns how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicCount returns how many clients subscribe to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
