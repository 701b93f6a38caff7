package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osucapital/market-engine/internal/metrics"
	"github.com/osucapital/market-engine/internal/model"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"` // "stock_updated" or "trade_executed"
	StockID   int64  `json:"stock_id"`
	Price     string `json:"price,omitempty"` // empty when delisted
	IsBuyable bool   `json:"is_buyable,omitempty"`
	IsBanned  bool   `json:"is_banned,omitempty"`
	TradeType string `json:"trade_type,omitempty"`
	Shares    string `json:"shares,omitempty"`
}

type wsEnvelope struct {
	stockID int64
	data    []byte
}

// wsClient is one connection. Only its write pump writes to conn.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	stocks map[int64]bool // empty = every stock
}

func (c *wsClient) wants(stockID int64) bool {
	return len(c.stocks) == 0 || c.stocks[stockID]
}

// WSHub fans stock and trade events out to WebSocket clients. Clients may
// subscribe to specific stocks with ?stock_id=1,2; without it they receive
// everything.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is done. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Debug("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				metrics.WebSocketClients.Set(float64(len(h.clients)))
			}

		case env := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(env.stockID) {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					// Slow consumer.
					h.drop(c)
				}
			}
			metrics.WebSocketClients.Set(float64(len(h.clients)))
		}
	}
}

// drop removes c and closes its queue, which ends its write pump.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Broadcast queues msg for every client subscribed to its stock. It never
// blocks: messages are dropped when the hub is saturated.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{stockID: msg.StockID, data: data}:
	default:
	}
}

// StockUpdated broadcasts a refreshed stock, so the hub can serve as the
// refresh notifier.
func (h *WSHub) StockUpdated(st model.Stock) {
	msg := WSMessage{
		Type:      "stock_updated",
		StockID:   st.StockID,
		IsBuyable: st.IsBuyable && !st.PreventTrades,
		IsBanned:  st.IsBanned,
	}
	if st.SharePrice.Valid {
		msg.Price = st.SharePrice.Decimal.String()
	}
	h.Broadcast(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	stocks, ok := parseStockFilter(r.URL.Query().Get("stock_id"))
	if !ok {
		writeError(w, "stock_id must be a comma-separated list of ids", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer), stocks: stocks}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client input and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and keeps the connection alive through
// proxies with pings.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseStockFilter(raw string) (map[int64]bool, bool) {
	if raw == "" {
		return nil, true
	}
	out := make(map[int64]bool)
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, false
		}
		out[id] = true
	}
	return out, true
}
