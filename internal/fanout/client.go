package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/maptile"

	"github.com/openlivetrack/livetrack/internal/auth"
	"github.com/openlivetrack/livetrack/internal/metrics"
)

const writeWait = 10 * time.Second

// Client is one WebSocket viewer. Outbound traffic is split across two
// bounded channels: deltas, which may be dropped oldest-first when the
// client falls behind, and priority frames (tiles, config, control),
// which are never dropped.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	claims *auth.Claims

	deltas   chan []byte
	priority chan []byte
	done     chan struct{}
	closeMu  sync.Once

	mu    sync.Mutex
	tiles map[maptile.Tile]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, id string, claims *auth.Claims) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		id:       id,
		claims:   claims,
		deltas:   make(chan []byte, hub.cfg.SendBuffer),
		priority: make(chan []byte, hub.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// snapshotTiles returns the current subscription set.
func (c *Client) snapshotTiles() map[maptile.Tile]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[maptile.Tile]struct{}, len(c.tiles))
	for t := range c.tiles {
		out[t] = struct{}{}
	}
	return out
}

// setTiles atomically replaces the subscription set.
func (c *Client) setTiles(tiles map[maptile.Tile]struct{}) {
	c.mu.Lock()
	c.tiles = tiles
	c.mu.Unlock()
}

// sendDelta queues a delta, evicting the oldest queued delta when the
// buffer is full. The client re-synchronises on the next tick.
func (c *Client) sendDelta(frame []byte) {
	select {
	case c.deltas <- frame:
		return
	default:
	}
	select {
	case <-c.deltas:
		metrics.DeltasDroppedTotal.Inc()
	default:
	}
	select {
	case c.deltas <- frame:
	default:
		metrics.DeltasDroppedTotal.Inc()
	}
}

// sendPriority queues a frame that must not be dropped. Blocks briefly
// if the client is slow; gives up only when the client is gone.
func (c *Client) sendPriority(frame []byte) {
	select {
	case c.priority <- frame:
	case <-c.done:
	case <-time.After(writeWait):
		c.shutdown()
	}
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.sendPriority(data)
}

func (c *Client) shutdown() {
	c.closeMu.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serialises all writes to the socket. Priority frames win
// over deltas; protocol pings ride the same loop.
func (c *Client) writePump() {
	ping := time.NewTicker(c.hub.cfg.PingInterval)
	defer ping.Stop()
	defer c.shutdown()

	for {
		select {
		case frame := <-c.priority:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case frame := <-c.deltas:
			// Drain any queued priority frame first.
			select {
			case pf := <-c.priority:
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, pf); err != nil {
					return
				}
			default:
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes client commands until the connection drops.
func (c *Client) readPump() {
	defer c.hub.unregister(c)
	defer c.shutdown()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))

		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "viewport_update":
			c.hub.handleViewportUpdate(c, msg.Tiles)
		case "request_initial_data":
			c.hub.handleInitialData(c)
		case "ping":
			c.sendJSON(pongMsg{Type: "pong", Timestamp: time.Now().UTC()})
		case "get_stats":
			c.hub.handleStats(c)
		}
	}
}

// closeWithReason sends a close frame before tearing down; used during
// server shutdown.
func (c *Client) closeWithReason(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.shutdown()
}
