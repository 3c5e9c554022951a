package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"navsync/internal/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4096
	sendQueue  = 64
)

// Client is one WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// inbound is a client command.
//
//	{"type":"SUBSCRIBE","slug":"tech"}
//	{"type":"UNSUBSCRIBE","slug":"tech"}
//	{"type":"REFRESH","slug":"tech","req_id":"r1"}
//	{"ping":1700000000000}
type inbound struct {
	Type  string `json:"type"`
	Slug  string `json:"slug"`
	ReqID string `json:"req_id,omitempty"`
	Ping  int64  `json:"ping,omitempty"`
}

type reply struct {
	Type         string `json:"type"`
	ReqID        string `json:"req_id,omitempty"`
	Slug         string `json:"slug,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Ping         int64  `json:"ping,omitempty"`
	ServerTS     int64  `json:"server_ts,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueue),
		subs: make(map[string]bool),
	}
}

func (c *Client) watching(slug string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[slug]
}

func (c *Client) slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if json.Unmarshal(raw, &msg) != nil {
			c.reply(reply{Type: "error", Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch msg.Type {
	case "SUBSCRIBE":
		if msg.Slug == "" {
			c.reply(reply{Type: "error", ReqID: msg.ReqID, Error: "slug is required"})
			return
		}
		if c.watching(msg.Slug) {
			return
		}
		if err := c.hub.watch(ctx, msg.Slug); err != nil {
			c.reply(reply{Type: "error", ReqID: msg.ReqID, Slug: msg.Slug, Error: err.Error()})
			return
		}
		c.mu.Lock()
		c.subs[msg.Slug] = true
		c.mu.Unlock()
		c.reply(reply{Type: "subscribed", ReqID: msg.ReqID, Slug: msg.Slug})
		if buf, ok := c.hub.initial(msg.Slug); ok {
			c.queue(buf)
		}

	case "UNSUBSCRIBE":
		c.mu.Lock()
		had := c.subs[msg.Slug]
		delete(c.subs, msg.Slug)
		c.mu.Unlock()
		if had {
			c.hub.unwatch(msg.Slug)
		}

	case "REFRESH":
		if c.hub.host == nil {
			c.reply(reply{Type: "error", ReqID: msg.ReqID, Slug: msg.Slug, Error: "refresh unavailable"})
			return
		}
		err := c.hub.host.RequestRefresh(ctx, msg.Slug)
		var rle *scheduler.RateLimitExceededError
		switch {
		case errors.As(err, &rle):
			c.reply(reply{Type: "error", ReqID: msg.ReqID, Slug: msg.Slug, Error: err.Error(), RetryAfterMs: rle.RetryAfter.Milliseconds()})
		case err != nil:
			c.reply(reply{Type: "error", ReqID: msg.ReqID, Slug: msg.Slug, Error: err.Error()})
		default:
			c.reply(reply{Type: "refreshed", ReqID: msg.ReqID, Slug: msg.Slug})
		}

	default:
		if msg.Ping > 0 {
			c.reply(reply{Type: "pong", Ping: msg.Ping, ServerTS: time.Now().UnixMilli()})
			return
		}
		c.reply(reply{Type: "error", ReqID: msg.ReqID, Error: "unknown message type " + msg.Type})
	}
}

func (c *Client) reply(r reply) {
	buf, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.queue(buf)
}

func (c *Client) queue(buf []byte) {
	select {
	case c.send <- buf:
	default:
	}
}
