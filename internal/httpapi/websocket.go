package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// handleDashboardSocket streams every bus event plus an initial_stats
// snapshot on connect.
func (s *Server) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("dashboard websocket upgrade failed", zap.Error(err))
		}
		return
	}

	events, unsubscribe := s.bus.SubscribeDashboard()
	defer unsubscribe()

	if s.stats != nil {
		snap, err := s.stats.Snapshot(r.Context())
		if err == nil {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteJSON(map[string]any{"type": "initial_stats", "stats": snap})
		}
	}

	runPump(r.Context(), conn, events, s.logger)
}

// handleDestinationSocket streams packet_available/nodelist_available
// events addressed to the {dest} bbs_index in the URL.
func (s *Server) handleDestinationSocket(w http.ResponseWriter, r *http.Request) {
	dest := r.PathValue("dest")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("destination websocket upgrade failed", zap.Error(err))
		}
		return
	}

	events, unsubscribe := s.bus.SubscribeDestination(dest)
	defer unsubscribe()

	runPump(r.Context(), conn, events, s.logger)
}

// runPump forwards bus events to the connection and replies "pong" to
// any text message the client sends, until the context is canceled or
// the connection errors out. Ping frames on wsPingPeriod keep the
// connection alive and detect a dead peer via the pong deadline.
func runPump(ctx context.Context, conn *websocket.Conn, events <-chan eventbus.Event, logger *zap.Logger) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetReadLimit(wsMaxMessage)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	inbound := make(chan struct{})
	go func() {
		defer close(inbound)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inbound:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
