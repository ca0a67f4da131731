package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_sync/internal/model"
	"e2e_sync/internal/utils/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

type (
	// Hub fans realtime events out to the websocket clients subscribed to a
	// conversation.
	Hub struct {
		mu     sync.Mutex
		subs   map[string]map[*client]struct{}
		logger *zap.Logger
	}

	client struct {
		userID string
		conn   *websocket.Conn
		send   chan []byte
		done   chan struct{}
		once   sync.Once
		convs  map[string]struct{} // guarded by Hub.mu
	}
)

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*client]struct{}),
		logger: log.Named("hub"),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Deliver writes ev to every subscriber of its conversation. A subscriber
// whose buffer is full is disconnected; it reloads the page on reconnect.
func (h *Hub) Deliver(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.subs[ev.Row.ConversationID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", zap.String("user", c.userID))
		h.remove(c)
	}
}

// Subscribers returns the number of clients subscribed to conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}

func (h *Hub) subscribe(c *client, conversationID string) error {
	if _, err := model.PeerOf(conversationID, c.userID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[conversationID] = set
	}
	set[c] = struct{}{}
	c.convs[conversationID] = struct{}{}
	return nil
}

func (h *Hub) unsubscribe(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, conversationID)
}

func (h *Hub) unsubscribeLocked(c *client, conversationID string) {
	delete(c.convs, conversationID)
	set := h.subs[conversationID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, conversationID)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	for conv := range c.convs {
		h.unsubscribeLocked(c, conv)
	}
	h.mu.Unlock()
	c.close()
}

// Serve runs the connection of userID until it closes.
func (h *Hub) Serve(userID string, conn *websocket.Conn) {
	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		convs:  make(map[string]struct{}),
	}
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame model.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			log.Debug("web socket closed", zap.String("user", c.userID), zap.Error(err))
			return
		}

		switch frame.Op {
		case model.OpSubscribe:
			if err := h.subscribe(c, frame.ConversationID); err != nil {
				h.logger.Warn("subscribe rejected", zap.String("user", c.userID), zap.Error(err))
			}
		case model.OpUnsubscribe:
			h.unsubscribe(c, frame.ConversationID)
		default:
			h.logger.Warn("unknown frame", zap.String("op", frame.Op))
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
