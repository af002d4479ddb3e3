package handler

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gearshare/marketengine/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware.
		return true
	},
}

// streamClient is one websocket subscriber to a single instrument's
// trade feed.
type streamClient struct {
	instrumentID string
	conn         *websocket.Conn
	send         chan tradeResponse
}

// TradeHub fans executed trades out to websocket subscribers, keyed by
// instrument. Publishing never blocks the matching path: a subscriber
// whose send buffer is full is dropped.
type TradeHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	logger  *zap.Logger
}

// NewTradeHub creates an empty TradeHub.
func NewTradeHub(logger *zap.Logger) *TradeHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeHub{
		clients: make(map[*streamClient]struct{}),
		logger:  logger,
	}
}

// PublishTrade implements service.TradePublisher.
func (h *TradeHub) PublishTrade(t *domain.Trade) {
	msg := buildTradeResponse(t)

	h.mu.RLock()
	var stale []*streamClient
	for c := range h.clients {
		if c.instrumentID != t.InstrumentID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.drop(c)
	}
}

func (h *TradeHub) drop(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected clients. Useful for
// testing.
func (h *TradeHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stream handles GET /instruments/{instrument_id}/stream: upgrades to a
// websocket and pushes every trade executed on the instrument until the
// client disconnects.
func (h *TradeHub) Stream(w http.ResponseWriter, r *http.Request) {
	instrumentID := chi.URLParam(r, "instrument_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		instrumentID: instrumentID,
		conn:         conn,
		send:         make(chan tradeResponse, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

// writeLoop pushes trades to the client until its channel closes.
func (h *TradeHub) writeLoop(c *streamClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			h.drop(c)
			return
		}
	}
}

// readLoop discards inbound frames; its purpose is detecting disconnects.
func (h *TradeHub) readLoop(c *streamClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}
