package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
	"github.com/rs/zerolog"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = (pongWait * 9) / 10
	maxMessageSize      = 512 * 1024 // 512 KB
	defaultSendBuf      = 256
	defaultPublishBuf   = 4096
	maxConsecutiveDrops = 50
)

const (
	MessageTrade    = "trade"
	MessageSnapshot = "snapshot"
)

// Trade is the public view of a trade: no accounts, no fees.
type Trade struct {
	ID    string         `json:"id"`
	Price model.Price    `json:"price"`
	Qty   model.Quantity `json:"qty"`
	Side  string         `json:"side"` // taker side: "buy" / "sell"
	Ts    int64          `json:"ts"`   // unix ms
}

func NewTrade(t model.Trade) Trade {
	side := "buy"
	if t.TakerSide == model.ASK {
		side = "sell"
	}
	return Trade{ID: t.ID, Price: t.Price, Qty: t.Quantity, Side: side, Ts: t.Timestamp.UnixMilli()}
}

// Message is what subscribers receive. Seq increases per symbol and lets a
// client detect gaps after drops.
type Message struct {
	Type     string          `json:"type"`
	Symbol   string          `json:"symbol"`
	Seq      uint64          `json:"seq"`
	Trade    *Trade          `json:"trade,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
}

type publishMsg struct {
	Topic string
	Data  []byte
}

type subscription struct {
	client *Client
	topic  string
}

// Hub manages clients, subscriptions and publishes.
type Hub struct {
	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan publishMsg
	done        chan struct{}

	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	sendBuf int
	seq     sequencer

	clientCount  atomic.Int64
	publishDrops atomic.Uint64

	logger zerolog.Logger
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subscribed map[string]struct{}

	// consecutive drops counter: if it grows too large we evict the client
	drops int
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan publishMsg, defaultPublishBuf),
		done:        make(chan struct{}),
		clients:     make(map[*Client]struct{}),
		topics:      make(map[string]map[*Client]struct{}),
		sendBuf:     defaultSendBuf,
		logger:      logger.With().Str("component", "ws").Logger(),
	}
}

// Run runs the hub event loop. Call as: go hub.Run(ctx).
// The hub stops when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("ws hub started")
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.clientCount.Store(int64(len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case sub := <-h.subscribe:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			subs := h.topics[sub.topic]
			if subs == nil {
				subs = make(map[*Client]struct{})
				h.topics[sub.topic] = subs
			}
			subs[sub.client] = struct{}{}
			sub.client.subscribed[sub.topic] = struct{}{}

		case sub := <-h.unsubscribe:
			h.leave(sub.client, sub.topic)

		case p := <-h.publish:
			targets := h.clients
			if p.Topic != "" {
				targets = h.topics[p.Topic]
			}
			for c := range targets {
				select {
				case c.send <- p.Data:
					c.drops = 0
				default:
					h.publishDrops.Add(1)
					c.drops++
					if c.drops > maxConsecutiveDrops {
						h.logger.Warn().Int("drops", c.drops).Msg("evicting slow client")
						h.drop(c)
						_ = c.conn.Close()
					}
				}
			}

		case <-ctx.Done():
			h.logger.Info().Msg("ws hub shutting down")
			close(h.done)
			for c := range h.clients {
				h.drop(c)
				_ = c.conn.Close()
			}
			return
		}
	}
}

func (h *Hub) leave(c *Client, topic string) {
	if subs := h.topics[topic]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(c.subscribed, topic)
}

// drop forgets c and closes its send channel. Only the Run loop calls it.
func (h *Hub) drop(c *Client) {
	for t := range c.subscribed {
		h.leave(c, t)
	}
	delete(h.clients, c)
	close(c.send)
	h.clientCount.Store(int64(len(h.clients)))
}

func (h *Hub) request(ch chan subscription, sub subscription) {
	select {
	case ch <- sub:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// read-only market data feed
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers a client.
// Initial symbols can be passed via ?symbols=BTCUSD,ETHUSD
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.sendBuf),
		subscribed: make(map[string]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	if s := r.URL.Query().Get("symbols"); s != "" {
		for _, sym := range strings.Split(s, ",") {
			if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
				h.request(h.subscribe, subscription{client: client, topic: sym})
			}
		}
	}

	go client.writePump()
	go client.readPump()
}

// readPump turns client messages into subscribe/unsubscribe requests.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			) {
				c.hub.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		var cmd struct {
			Type   string `json:"type"`   // "subscribe" | "unsubscribe"
			Symbol string `json:"symbol"` // e.g. "BTCUSD"
		}
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.hub.logger.Debug().Err(err).Msg("invalid client msg")
			continue
		}
		symbol := strings.ToUpper(cmd.Symbol)
		if symbol == "" {
			continue
		}

		switch cmd.Type {
		case "subscribe":
			c.hub.request(c.hub.subscribe, subscription{client: c, topic: symbol})
		case "unsubscribe":
			c.hub.request(c.hub.unsubscribe, subscription{client: c, topic: symbol})
		}
	}
}

// writePump serializes all writes to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PublishTrade publishes a trade to subscribers of its symbol.
// Non-blocking: if the hub publish buffer is full, the trade is dropped.
func (h *Hub) PublishTrade(t model.Trade) {
	trade := NewTrade(t)
	h.enqueue(Message{Type: MessageTrade, Symbol: t.Symbol, Trade: &trade})
}

func (h *Hub) PublishSnapshot(snap model.Snapshot) {
	h.enqueue(Message{Type: MessageSnapshot, Symbol: snap.Symbol, Snapshot: &snap})
}

func (h *Hub) Name() string { return "websocket" }

// Replicate lets the hub receive rebuilt snapshots from the snapshot cache.
func (h *Hub) Replicate(ctx context.Context, snap model.Snapshot) error {
	h.PublishSnapshot(snap)
	return nil
}

func (h *Hub) enqueue(msg Message) {
	msg.Seq = h.seq.next(msg.Symbol)
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("marshal message")
		return
	}

	select {
	case h.publish <- publishMsg{Topic: msg.Symbol, Data: b}:
	default:
		h.publishDrops.Add(1)
		h.logger.Warn().Str("type", msg.Type).Str("symbol", msg.Symbol).Msg("publish channel full, dropping message")
	}
}

// Stats returns the connected client count and publish drops.
func (h *Hub) Stats() (clients int, drops uint64) {
	return int(h.clientCount.Load()), h.publishDrops.Load()
}
