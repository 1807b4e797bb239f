// Package datastream is an optional push-subscription source for
// spec.md §9: it dials a single upstream WebSocket feed and forwards
// per-wallet subscribe/unsubscribe frames over it, handing decoded
// payloads to internal/ingest's tolerant decoder rather than parsing
// any particular wire shape itself.
package datastream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Source dials url once and multiplexes per-wallet subscriptions over
// the single connection, matching the way internal/broadcast treats one
// WebSocket connection as a fan-in/fan-out point rather than one per
// subject.
type Source struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Source over url, which is expected to already have
// passed internal/security.ValidateEndpointURL (http/https only, so it
// can be SSRF-checked the same way as any other outbound endpoint); it
// is translated to the matching ws/wss scheme before dialing. Dial is
// deferred until the first Subscribe call.
func New(rawURL string, logger *slog.Logger) *Source {
	return &Source{
		url:    toWebSocketScheme(rawURL),
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func toWebSocketScheme(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return "wss://" + strings.TrimPrefix(rawURL, "https://")
	case strings.HasPrefix(rawURL, "http://"):
		return "ws://" + strings.TrimPrefix(rawURL, "http://")
	default:
		return rawURL
	}
}

type subscribeFrame struct {
	Type   string `json:"type"`
	Wallet string `json:"wallet"`
}

// Subscribe implements ingest.EventSource. It lazily dials the upstream
// feed, sends a subscribe frame naming wallet, and forwards every
// subsequent frame addressed to that wallet to onData until unsubscribed
// or the connection drops.
func (s *Source) Subscribe(ctx context.Context, wallet string, onData func(payload any), onError func(error)) (func(), error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastream: dial: %w", err)
	}

	if err := s.writeJSON(conn, subscribeFrame{Type: "subscribe", Wallet: wallet}); err != nil {
		return nil, fmt.Errorf("datastream: subscribe: %w", err)
	}

	done := make(chan struct{})
	go s.readLoop(conn, wallet, onData, onError, done)

	unsubscribe := func() {
		close(done)
		_ = s.writeJSON(conn, subscribeFrame{Type: "unsubscribe", Wallet: wallet})
	}
	return unsubscribe, nil
}

func (s *Source) readLoop(conn *websocket.Conn, wallet string, onData func(payload any), onError func(error), done chan struct{}) {
	for {
		var payload any
		if err := conn.ReadJSON(&payload); err != nil {
			select {
			case <-done:
				return
			default:
				s.logger.Warn("datastream: read failed", "wallet", wallet, "error", err)
				onError(err)
				return
			}
		}
		select {
		case <-done:
			return
		default:
		}
		if env, ok := payload.(map[string]any); ok {
			if w, ok := env["wallet"].(string); ok && w != "" && w != wallet {
				continue
			}
		}
		onData(payload)
	}
}

func (s *Source) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Source) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the shared upstream connection, if one was dialed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
