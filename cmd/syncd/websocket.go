package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/sync/events"
)

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	subscriptions map[string]bool
}

// Hub fans sync events out to connected WebSocket clients. It bridges
// the in-process typed bus onto the wire.
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// WSEnvelope wraps all outbound WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// NewHub creates a Hub accepting local connections for the given listen
// address.
func NewHub(listenAddr string) *Hub {
	hub := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return r.Host == listenAddr || strings.HasPrefix(r.Host, "localhost")
			},
		},
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

// Attach subscribes the hub to the event bus and returns the
// unsubscribe function.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(e events.Event) {
		data := map[string]interface{}{}
		if e.Collection != "" {
			data["collection"] = e.Collection
		}
		if e.Key != "" {
			data["key"] = e.Key
		}
		if e.ConflictID != "" {
			data["conflict_id"] = e.ConflictID
		}
		if e.ScopeID != "" {
			data["scope_id"] = e.ScopeID
		}
		if e.Progress != 0 {
			data["progress"] = e.Progress
		}
		for k, v := range e.Detail {
			data[k] = v
		}
		h.Broadcast(string(e.Type), data)
	})
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full, drop the client.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an envelope to all clients subscribed to the type.
func (h *Hub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Warn("Failed to marshal WebSocket message", map[string]interface{}{"error": err.Error()})
		return
	}
	h.broadcast <- bytes
}

// readPump pumps control messages from the client.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		action, ok := msg["action"].(string)
		if !ok {
			continue
		}

		switch action {
		case "subscribe":
			if evts, ok := msg["events"].([]interface{}); ok {
				for _, e := range evts {
					if s, ok := e.(string); ok {
						c.subscriptions[s] = true
					}
				}
				c.sendAck("subscribe_ack", evts)
			}
		case "unsubscribe":
			if evts, ok := msg["events"].([]interface{}); ok {
				for _, e := range evts {
					if s, ok := e.(string); ok {
						delete(c.subscriptions, s)
					}
				}
			}
		case "ping":
			c.sendPong()
		}
	}
}

// writePump pumps broadcasts to the client.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) sendAck(action string, evts []interface{}) {
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":     action,
		"subscribed": evts,
		"timestamp":  time.Now().Unix(),
	})
	c.send <- bytes
}

func (c *WSClient) sendPong() {
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	})
	c.send <- bytes
}

// HandleWebSocket upgrades a connection and starts its pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:            time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
