package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/logger"
)

type Event string

const (
	// EventChatCreated and EventChatUpdated tell other sessions of the same
	// user (a second tab, the chat list) to refetch the named chat.
	EventChatCreated Event = "ChatCreated"
	EventChatUpdated Event = "ChatUpdated"
)

// UserChannel is the fanout key for one user's sessions.
func UserChannel(userID string) string {
	return "user:" + userID
}

type Message struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
	Data    any    `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	Channel  string
	Outbound chan Message
}

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "SSEHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

// Subscribe registers a new client on channel.
func (hub *Hub) Subscribe(channel string) *Client {
	client := &Client{
		ID:       uuid.New(),
		Channel:  channel,
		Outbound: make(chan Message, 16),
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	clients, ok := hub.subscriptions[channel]
	if !ok {
		clients = make(map[*Client]bool)
		hub.subscriptions[channel] = clients
	}
	clients[client] = true
	hub.log.Debug("SSE client subscribed", "clientID", client.ID, "channel", channel)
	return client
}

func (hub *Hub) Unsubscribe(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if clients, ok := hub.subscriptions[client.Channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(hub.subscriptions, client.Channel)
		}
	}
	hub.log.Debug("SSE client unsubscribed", "clientID", client.ID, "channel", client.Channel)
}

func (hub *Hub) Broadcast(msg Message) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if msg.Channel == "" {
		return
	}
	for client := range hub.subscriptions[msg.Channel] {
		select {
		case client.Outbound <- msg:
		default:
			hub.log.Warn("Dropping SSE message; outbound buffer full", "clientID", client.ID)
		}
	}
}

// ServeHTTP streams the client's outbound messages until the request context
// ends, with periodic heartbeats so proxies keep the connection open.
func (hub *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, client *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	defer hub.Unsubscribe(client)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg := <-client.Outbound:
			payload, err := json.Marshal(msg)
			if err != nil {
				hub.log.Warn("Failed to encode SSE message", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, payload)
			flusher.Flush()
		}
	}
}
