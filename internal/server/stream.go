package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"MemePerp/internal/core"
	"MemePerp/internal/ingestion"
	"MemePerp/internal/observability"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 256
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// StreamHub fans committed core events out to websocket clients. Events come from the
// exchange's stream channel, before persistence, so clients see them with minimal
// delay. A slow client is disconnected instead of slowing the others.
type StreamHub struct {
	input   <-chan core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn   *websocket.Conn
	market string // Empty receives every market
	send   chan []byte
	once   sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func NewStreamHub(input <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		input:   input,
		metrics: metrics,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Run broadcasts until ctx is cancelled or the input closes, then disconnects clients.
func (h *StreamHub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output, ok := <-h.input:
			if !ok {
				return nil
			}
			h.broadcast(output)
		}
	}
}

func (h *StreamHub) broadcast(output core.CoreOutput) {
	evt := ingestion.NewPublishableEvent(output)
	data, err := sonic.ConfigStd.Marshal(evt)
	if err != nil {
		h.logger.Error().Err(err).Str("market", evt.MarketID).Msg("stream encode failed")
		return
	}

	var slow []*streamClient
	h.mu.RLock()
	for c := range h.clients {
		if c.market != "" && c.market != evt.MarketID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("stream client too slow, disconnecting")
		h.remove(c)
	}
}

// ServeHTTP upgrades GET /v1/stream[?market=NAME] to a websocket
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &streamClient{
		conn:   conn,
		market: r.URL.Query().Get("market"),
		send:   make(chan []byte, clientBuffer),
	}
	h.add(c)

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StreamHub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	h.logger.Debug().Str("market", c.market).Int("clients", n).Msg("stream client connected")
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	c.close()
	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

func (h *StreamHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	if h.metrics != nil {
		h.metrics.StreamClients.Set(0)
	}
}

// readPump only detects disconnects and keeps the read deadline fresh on pongs
func (h *StreamHub) readPump(c *streamClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer of c.conn
func (h *StreamHub) writePump(c *streamClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
