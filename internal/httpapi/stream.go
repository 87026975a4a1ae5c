package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/agentworkforce/relaycrm/internal/syncengine"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

// handleSyncStream pushes the current progress, then every engine event,
// until the client goes away or the server closes.
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("sync stream upgrade failed correlation_id=%s: %v", correlationID, err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := engine.Subscribe(streamBuffer)
	defer unsubscribe()

	// the stream is push-only; CloseRead handles pings and the client close
	ctx := conn.CloseRead(r.Context())

	hello := syncengine.Event{Type: syncengine.EventProgress, Progress: engine.Progress()}
	if last, ok := engine.LastResult(); ok {
		hello.Result = &last
	}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev syncengine.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
