package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one push notification to conversation subscribers.
type Event struct {
	Type           string `json:"type"` // "title", "signals"
	ConversationID string `json:"conversation_id"`
	Payload        any    `json:"payload"`
}

// Hub fans enrichment updates out to websocket subscribers, keyed by
// conversation. Implements enrichment.UpdateListener.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	subs  map[string]map[*websocket.Conn]chan Event
	drain sync.WaitGroup
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Served same-origin or behind a trusted proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "events"),
		subs:   make(map[string]map[*websocket.Conn]chan Event),
	}
}

// EnrichmentUpdated implements enrichment.UpdateListener.
func (h *Hub) EnrichmentUpdated(kind, conversationID string, payload any) {
	h.Broadcast(Event{Type: kind, ConversationID: conversationID, Payload: payload})
}

// Broadcast sends an event to every subscriber of its conversation.
// Slow subscribers are dropped rather than blocking the sender.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.subs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping slow event subscriber", "conversation_id", ev.ConversationID)
			close(ch)
			delete(h.subs[ev.ConversationID], conn)
			conn.Close()
		}
	}
}

// Subscribers reports the current subscriber count for a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

// ServeConversation upgrades the request and streams events for one
// conversation until the client disconnects.
func (h *Hub) ServeConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan Event, 16)
	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[*websocket.Conn]chan Event)
	}
	h.subs[conversationID][conn] = ch
	h.mu.Unlock()

	h.drain.Add(1)
	go h.writeLoop(conversationID, conn, ch)

	// Reads are discarded; the read loop exists to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unsubscribe(conversationID, conn)
}

func (h *Hub) writeLoop(conversationID string, conn *websocket.Conn, ch chan Event) {
	defer h.drain.Done()
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			h.unsubscribe(conversationID, conn)
			return
		}
	}
}

func (h *Hub) unsubscribe(conversationID string, conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.subs[conversationID][conn]; ok {
		close(ch)
		delete(h.subs[conversationID], conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// Close disconnects all subscribers and waits for their write loops.
func (h *Hub) Close() {
	h.mu.Lock()
	for convID, conns := range h.subs {
		for conn, ch := range conns {
			close(ch)
			conn.Close()
		}
		delete(h.subs, convID)
	}
	h.mu.Unlock()
	h.drain.Wait()
}
