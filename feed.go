package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pixelwar/pkg/types"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPingPeriod = 30 * time.Second
	feedBuffer     = 64
)

// PixelEvent is pushed to feed subscribers after every committed claim.
type PixelEvent struct {
	Type          string         `json:"type"`
	Cell          types.CellView `json:"cell"`
	PreviousOwner *types.Account `json:"previous_owner,omitempty"`
	Pool          uint64         `json:"pool"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// FeedHub fans pixel events out to websocket subscribers. A subscriber that
// cannot keep up is dropped rather than slowing down claims.
type FeedHub struct {
	mu       sync.Mutex
	clients  map[*feedClient]struct{}
	upgrader websocket.Upgrader
}

func NewFeedHub() *FeedHub {
	return &FeedHub{
		clients:  make(map[*feedClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *FeedHub) Publish(ev PixelEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		ErrorLog.WithError(err).Warn("feed encode failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.removeLocked(c)
		}
	}
}

func (h *FeedHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *FeedHub) removeLocked(c *feedClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *FeedHub) remove(c *feedClient) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *FeedHub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ErrorLog.WithError(err).Warn("feed upgrade failed")
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, feedBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	InfoLog.WithField("remote", r.RemoteAddr).Info("feed subscriber joined")

	go h.writePump(c)

	// Subscribers never send anything; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *FeedHub) writePump(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
