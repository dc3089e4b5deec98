// Package ws fans chart updates out to WebSocket subscribers. Each client
// is throttled to one frame per interval; updates arriving inside the
// window are queued in a bounded ring and flushed as a batch frame.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
)

// Conn is the write side of a client connection. Satisfied by gorilla's
// *websocket.Conn.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Config tunes the fan-out behavior.
type Config struct {
	// ThrottleInterval is the minimum spacing between frames to one client.
	ThrottleInterval time.Duration
	// BatchWindow is how often the flusher drains queued messages.
	BatchWindow time.Duration
	// QueueSize caps each client's ring; the oldest message is dropped
	// when a full ring receives another.
	QueueSize int
}

func (c Config) normalize() Config {
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = time.Second
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	return c
}

// BatchFrame wraps queued updates into a single WebSocket frame.
type BatchFrame struct {
	Type     string `json:"type"`
	Count    int    `json:"count"`
	Messages []any  `json:"messages"`
}

// Client is one registered connection. lastSent and queue are guarded by
// the hub mutex; writes go through writeMu so the hub lock is never held
// across a network write.
type Client struct {
	conn   Conn
	symbol string
	user   string

	connectedAt time.Time
	sentCount   atomic.Int64

	writeMu sync.Mutex

	lastSent time.Time
	queue    []any
}

// write serializes frames onto one connection. A slow or stuck client
// blocks only its own writes, never the registry or the other clients.
func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return err
	}
	c.sentCount.Add(1)
	return nil
}

func (c *Client) enqueue(msg any, limit int) {
	if len(c.queue) >= limit {
		copy(c.queue, c.queue[1:])
		c.queue[len(c.queue)-1] = msg
		return
	}
	c.queue = append(c.queue, msg)
}

// Hub is the per-symbol connection registry.
type Hub struct {
	cfg Config
	mr  *metrics.Registry

	mu      sync.Mutex
	clients map[string]map[*Client]struct{}

	now func() time.Time
}

// NewHub builds a hub with the given settings.
func NewHub(cfg Config, mr *metrics.Registry) *Hub {
	return &Hub{
		cfg:     cfg.normalize(),
		mr:      mr,
		clients: make(map[string]map[*Client]struct{}),
		now:     time.Now,
	}
}

// Register adds an authenticated connection for a symbol. The zero
// lastSent means the first update always goes out immediately.
func (h *Hub) Register(symbol, user string, conn Conn) *Client {
	c := &Client{conn: conn, symbol: symbol, user: user, connectedAt: h.now()}

	h.mu.Lock()
	if h.clients[symbol] == nil {
		h.clients[symbol] = make(map[*Client]struct{})
	}
	h.clients[symbol][c] = struct{}{}
	total := len(h.clients[symbol])
	h.mu.Unlock()

	h.mr.WSConnections.Inc()
	log.Info().
		Str("symbol", symbol).
		Str("user", user).
		Int("total", total).
		Msg("WebSocket connected")
	return c
}

// Unregister removes a client and closes its connection. Safe to call
// more than once; only the first call closes and decrements.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	conns := h.clients[c.symbol]
	_, present := conns[c]
	if present {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.symbol)
		}
	}
	h.mu.Unlock()

	if !present {
		return
	}

	_ = c.conn.Close()
	h.mr.WSConnections.Dec()
	log.Info().
		Str("symbol", c.symbol).
		Str("user", c.user).
		Int64("sent", c.sentCount.Load()).
		Msg("WebSocket disconnected")
}

// send writes one frame to the client outside the throttle path, ejecting
// the client on failure.
func (h *Hub) send(c *Client, v any) error {
	err := c.write(v)
	if err != nil {
		h.Unregister(c)
	}
	return err
}

// SendSnapshot writes the initial frame directly, outside the throttle,
// so a fresh client still receives the next live update without delay.
func (h *Hub) SendSnapshot(c *Client, snapshot any) error {
	if err := h.send(c, snapshot); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	h.mr.WSMessagesSent.WithLabelValues("initial").Inc()
	return nil
}

// Pong answers a client ping. Routed through the client's write lock so it
// does not race the broadcast path.
func (h *Hub) Pong(c *Client) error {
	return h.send(c, map[string]string{"type": "pong"})
}

// Broadcast delivers an update to every client subscribed to the symbol.
// Clients inside their throttle window get it queued for the flusher;
// the rest receive it immediately. Write failures eject the client before
// Broadcast returns. Returns the number of immediate sends.
func (h *Hub) Broadcast(symbol string, msg any) int {
	now := h.now()

	var due []*Client
	h.mu.Lock()
	for c := range h.clients[symbol] {
		if now.Sub(c.lastSent) < h.cfg.ThrottleInterval {
			c.enqueue(msg, h.cfg.QueueSize)
			continue
		}
		c.lastSent = now
		due = append(due, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range due {
		if err := c.write(msg); err != nil {
			log.Error().Err(err).
				Str("symbol", symbol).
				Str("user", c.user).
				Msg("WebSocket send failed")
			h.Unregister(c)
			continue
		}
		sent++
		h.mr.WSMessagesSent.WithLabelValues("update").Inc()
	}
	return sent
}

// Flush drains every non-empty queue whose owner is past the throttle
// window. A single queued message goes out as-is; several become one
// batch frame. Flushing stamps lastSent, so a client receives at most
// one frame per throttle interval in steady state.
func (h *Hub) Flush() {
	now := h.now()

	type pending struct {
		client    *Client
		frame     any
		frameType string
	}
	var due []pending

	h.mu.Lock()
	for _, conns := range h.clients {
		for c := range conns {
			if len(c.queue) == 0 || now.Sub(c.lastSent) < h.cfg.ThrottleInterval {
				continue
			}

			var frame any
			frameType := "update"
			if len(c.queue) == 1 {
				frame = c.queue[0]
			} else {
				frameType = "batch"
				frame = BatchFrame{
					Type:     "batch",
					Count:    len(c.queue),
					Messages: append([]any(nil), c.queue...),
				}
			}
			c.queue = c.queue[:0]
			c.lastSent = now
			due = append(due, pending{client: c, frame: frame, frameType: frameType})
		}
	}
	h.mu.Unlock()

	for _, p := range due {
		if err := p.client.write(p.frame); err != nil {
			log.Error().Err(err).
				Str("symbol", p.client.symbol).
				Str("user", p.client.user).
				Msg("WebSocket flush failed")
			h.Unregister(p.client)
			continue
		}
		h.mr.WSMessagesSent.WithLabelValues(p.frameType).Inc()
	}
}

// Run drives the batch flusher until ctx is canceled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.BatchWindow)
	defer ticker.Stop()

	log.Info().
		Dur("throttle", h.cfg.ThrottleInterval).
		Dur("batch_window", h.cfg.BatchWindow).
		Msg("WebSocket flusher started")

	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}

// CloseAll ejects every registered client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Client
	for _, conns := range h.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		h.Unregister(c)
	}
}

// ConnectionCount reports active connections for a symbol, or the total
// when symbol is empty.
func (h *Hub) ConnectionCount(symbol string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if symbol != "" {
		return len(h.clients[symbol])
	}
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// Listen subscribes to chart updates on the bus and broadcasts each one
// to the symbol's clients until ctx is canceled.
func (h *Hub) Listen(ctx context.Context, b *bus.Bus) error {
	return b.Subscribe(ctx, func(ctx context.Context, channel string, payload []byte) error {
		var u bus.ChartUpdate
		if err := json.Unmarshal(payload, &u); err != nil {
			return fmt.Errorf("decode chart update: %w", err)
		}
		if u.Symbol == "" {
			return nil
		}
		h.Broadcast(u.Symbol, u)
		return nil
	}, bus.ChannelChartUpdates)
}
