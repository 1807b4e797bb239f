// Package broadcast is the WebSocket fanout layer: it holds one entry per
// live client connection, tracks each connection's wallet subscriptions,
// and routes score, transaction, and flag messages only to connections
// that asked for the wallet in question.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/somnia-labs/wallet-guardian/internal/events"
	"github.com/somnia-labs/wallet-guardian/internal/metrics"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MessageType is one of the seven allowed downstream frame types.
type MessageType string

const (
	TypeSubscribe         MessageType = "subscribe"
	TypeUnsubscribe       MessageType = "unsubscribe"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeScoreUpdate       MessageType = "score_update"
	TypeTransactionAlert  MessageType = "transaction_alert"
	TypeWalletFlagged     MessageType = "wallet_flagged"
	TypeError             MessageType = "error"
	ProtocolVersion       = "1.0.0"
)

// Message is the wire envelope: { type, id, timestamp (ms), version, data }.
type Message struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Version   string      `json:"version"`
	Data      any         `json:"data"`
}

// MaxSubsPerConn bounds how many wallets a single connection may watch.
const MaxSubsPerConn = 50

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// HeartbeatInterval is how often the hub broadcasts a heartbeat frame.
const HeartbeatInterval = 30 * time.Second

// ConnectionTimeout is the idle threshold after which the reaper closes a
// connection.
const ConnectionTimeout = 300 * time.Second

// ReapInterval is how often the idle reaper sweeps connections.
const ReapInterval = 60 * time.Second

// RateLimitWindow and RateLimitMax bound per-connection inbound messages.
const (
	RateLimitWindow = 60 * time.Second
	RateLimitMax    = 100
)

// idCounter backs nextID, which produces monotonically increasing message ids without
// pulling in a UUID dependency for a purely local counter.
var idCounter atomic.Int64

func nextID() string {
	return strconv.FormatInt(idCounter.Add(1), 10)
}

// Client is one WebSocket connection and its subscription/rate-limit state.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu           sync.RWMutex
	subs         map[string]struct{} // normalized wallet addresses
	lastActivity time.Time
	window       []time.Time // sliding window of recent inbound message timestamps
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		subs:         make(map[string]struct{}),
		lastActivity: time.Now(),
	}
}

func (c *Client) isSubscribed(wallet string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[wallet]
	return ok
}

// subscribe adds wallet to the connection's set, enforcing MaxSubsPerConn.
// Returns false if the cap would be exceeded.
func (c *Client) subscribe(wallet string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[wallet]; ok {
		return true
	}
	if len(c.subs) >= MaxSubsPerConn {
		return false
	}
	c.subs[wallet] = struct{}{}
	return true
}

// unsubscribe removes wallet, reporting whether it had been present.
func (c *Client) unsubscribe(wallet string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[wallet]
	delete(c.subs, wallet)
	return ok
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastActivity)
}

// pruneWindow drops entries older than RateLimitWindow. Caller must hold c.mu.
func (c *Client) pruneWindow(now time.Time) {
	cutoff := now.Add(-RateLimitWindow)
	i := 0
	for i < len(c.window) && c.window[i].Before(cutoff) {
		i++
	}
	c.window = c.window[i:]
}

// allow records an inbound message and reports whether it is within the
// per-connection rate limit.
func (c *Client) allow() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneWindow(now)
	if len(c.window) >= RateLimitMax {
		return false
	}
	c.window = append(c.window, now)
	return true
}

// Hub owns the set of live connections and routes outbound messages to
// the subset subscribed to a given wallet.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	route      chan routedMessage
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalMessages atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

type routedMessage struct {
	wallet  string // empty means "all connections" (heartbeat)
	msgType MessageType
	payload []byte
}

// NewHub creates a hub. Call Run to start its background loops.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		route:      make(chan routedMessage, 256),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run drives the hub's register/unregister/routing loop plus the
// heartbeat and idle-reaper background tasks. It blocks until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("broadcast hub started")
	defer close(h.done)

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	reap := time.NewTicker(ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("broadcast hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case msg := <-h.route:
			h.deliver(msg)

		case <-heartbeat.C:
			h.broadcastHeartbeat()

		case <-reap.C:
			h.reapIdle()
		}
	}
}

func (h *Hub) deliver(msg routedMessage) {
	h.totalMessages.Add(1)
	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if msg.wallet != "" && !client.isSubscribed(msg.wallet) {
			continue
		}
		select {
		case client.send <- msg.payload:
			metrics.BroadcastMessagesTotal.WithLabelValues(string(msg.msgType)).Inc()
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) broadcastHeartbeat() {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	msg := envelope(TypeHeartbeat, map[string]any{
		"serverTime":        time.Now().UnixMilli(),
		"activeConnections": n,
		"memoryUsage": map[string]any{
			"allocBytes": mem.Alloc,
			"sysBytes":   mem.Sys,
		},
	})
	h.enqueue(routedMessage{msgType: TypeHeartbeat, payload: encode(msg)})
}

func (h *Hub) reapIdle() {
	h.mu.RLock()
	var stale []*Client
	for client := range h.clients {
		if client.idleSince() > ConnectionTimeout {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.logger.Info("closing idle connection")
		h.unregister <- client
	}
}

// enqueue is used internally to push into the route channel from a
// goroutine that already holds no locks (heartbeat/reap ticks run inside
// Run itself, so this is a direct send, not via the public API).
func (h *Hub) enqueue(msg routedMessage) {
	select {
	case h.route <- msg:
	default:
		h.logger.Warn("broadcast route channel full, dropping message")
	}
}

func envelope(t MessageType, data any) Message {
	return Message{
		Type:      t,
		ID:        nextID(),
		Timestamp: time.Now().UnixMilli(),
		Version:   ProtocolVersion,
		Data:      data,
	}
}

func encode(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(`{"type":"error","data":{"message":"encode failure"}}`)
	}
	return data
}

// routeToWallet queues a message for the subscribers of wallet. The
// exported Broadcast* methods that outside callers use publish through it.
func (h *Hub) routeToWallet(wallet string, t MessageType, data any) {
	select {
	case h.route <- routedMessage{wallet: wallet, msgType: t, payload: encode(envelope(t, data))}:
	default:
		h.logger.Warn("broadcast route channel full, dropping message", "wallet", wallet, "type", t)
	}
}

// BroadcastScoreUpdate sends a score_update frame to wallet's subscribers.
func (h *Hub) BroadcastScoreUpdate(wallet string, data any) {
	h.routeToWallet(wallet, TypeScoreUpdate, data)
}

// secondsThreshold distinguishes Unix seconds from Unix milliseconds: any
// timestamp below it is almost certainly seconds and needs upconverting.
const secondsThreshold = 1_000_000_000_000

// BroadcastTxAlert sends a transaction_alert frame to wallet's subscribers.
// Per spec.md §4.7, the embedded transaction's timestamp is normalized to
// milliseconds first if it looks like it was given in seconds.
func (h *Hub) BroadcastTxAlert(wallet string, data map[string]any) {
	if e, ok := data["transaction"].(*events.Event); ok && e.BlockTimestamp > 0 && e.BlockTimestamp < secondsThreshold {
		cp := *e
		cp.BlockTimestamp *= 1000
		data["transaction"] = &cp
	}
	h.routeToWallet(wallet, TypeTransactionAlert, data)
}

// BroadcastWalletFlagged sends a wallet_flagged frame to wallet's subscribers.
func (h *Hub) BroadcastWalletFlagged(wallet string, data any) {
	h.routeToWallet(wallet, TypeWalletFlagged, data)
}

// Stats reports hub-level counters for the health/status surface.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients": len(h.clients),
		"totalMessages":    h.totalMessages.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// SubscribeHandler is invoked when a client sends a subscribe frame; it
// validates and normalizes the wallet address before it is added to the
// connection's subscription set. The caller that builds the
// HandleWebSocket handler supplies it; cmd/server checks the address with
// go-ethereum's common.IsHexAddress and returns its checksummed form.
type SubscribeHandler func(wallet string) (normalized string, ok bool)

// HandleWebSocket upgrades an HTTP request to a WebSocket connection and
// starts its read/write pumps.
func (h *Hub) HandleWebSocket(normalize SubscribeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-h.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n >= h.maxClients {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", "error", err)
			return
		}

		client := newClient(h, conn)
		h.register <- client

		welcome := envelope(TypeHeartbeat, map[string]any{
			"serverTime":        time.Now().UnixMilli(),
			"activeConnections": n + 1,
		})
		select {
		case client.send <- encode(welcome):
		default:
		}

		go client.writePump()
		go client.readPump(normalize)
	}
}

type subscribeFrame struct {
	Wallet    string `json:"wallet"`
	SessionID string `json:"sessionId"`
}

func (c *Client) readPump(normalize SubscribeHandler) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(ConnectionTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(ConnectionTimeout))
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.touch()

		if !c.allow() {
			c.sendError("RATE_LIMIT_EXCEEDED", "message rate limit exceeded", true)
			continue
		}

		var frame Message
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("BAD_FRAME", "malformed message", false)
			continue
		}

		switch frame.Type {
		case TypeSubscribe:
			c.handleSubscribe(frame, normalize)
		case TypeUnsubscribe:
			c.handleUnsubscribe(frame, normalize)
		case "ping":
			c.sendRaw(envelope(TypeHeartbeat, map[string]any{"pong": true}))
		default:
			c.sendError("UNKNOWN_TYPE", "unrecognized message type", false)
		}
	}
}

func (c *Client) handleSubscribe(frame Message, normalize SubscribeHandler) {
	sub := decodeSubscribeFrame(frame.Data)
	normalized, ok := normalize(sub.Wallet)
	if !ok {
		c.sendError("INVALID_ADDRESS", "wallet address is not valid", false)
		return
	}
	subscribed := c.subscribe(normalized)
	msg := "subscribed"
	if !subscribed {
		msg = "subscription limit reached"
	}
	c.sendRaw(envelope(TypeSubscribe, map[string]any{
		"wallet":     normalized,
		"sessionId":  sub.SessionID,
		"subscribed": subscribed,
		"message":    msg,
	}))
}

func (c *Client) handleUnsubscribe(frame Message, normalize SubscribeHandler) {
	sub := decodeSubscribeFrame(frame.Data)
	normalized, ok := normalize(sub.Wallet)
	if !ok {
		c.sendError("INVALID_ADDRESS", "wallet address is not valid", false)
		return
	}
	wasSubscribed := c.unsubscribe(normalized)
	c.sendRaw(envelope(TypeUnsubscribe, map[string]any{
		"wallet":       normalized,
		"sessionId":    sub.SessionID,
		"unsubscribed": wasSubscribed,
		"message":      "ok",
	}))
}

func decodeSubscribeFrame(data any) subscribeFrame {
	raw, err := json.Marshal(data)
	if err != nil {
		return subscribeFrame{}
	}
	var out subscribeFrame
	_ = json.Unmarshal(raw, &out)
	return out
}

func (c *Client) sendError(code, message string, recoverable bool) {
	c.sendRaw(envelope(TypeError, map[string]any{
		"code":        code,
		"message":     message,
		"recoverable": recoverable,
	}))
}

func (c *Client) sendRaw(msg Message) {
	select {
	case c.send <- encode(msg):
	default:
		c.hub.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
