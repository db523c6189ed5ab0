package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kazi/internal/orchestrator"
)

const (
	eventBuffer   = 256
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// handleEvents upgrades to a WebSocket and streams scheduler events as JSON
// text frames. The optional "type" query parameter keeps only events whose
// type starts with it (e.g. "ticket." or "hold.").
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID, err := g.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err := g.limiter.Allow(clientID); err != nil {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	prefix := r.URL.Query().Get("type")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kazi-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, unsubscribe := g.events.Subscribe(eventBuffer)
	defer unsubscribe()

	// The stream is write-only; CloseRead handles control frames and
	// cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	g.logger.Info("event stream opened", slog.String("client_id", clientID))
	defer g.logger.Info("event stream closed", slog.String("client_id", clientID))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeDeadline)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				g.logger.Debug("event stream ping failed",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if prefix != "" && !strings.HasPrefix(string(ev.Type), prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == -1 {
					g.logger.Warn("event stream write failed",
						slog.String("client_id", clientID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeDeadline)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
