package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/crewdash/internal/hub"
)

const wsWriteTimeout = 5 * time.Second

// handleStream implements GET /api/stream: one server-sent event per hub
// envelope, preceded by a connected frame and interleaved with heartbeats.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := s.cfg.Hub.Register()
	s.logger.Debug("sse: client connected", "client_id", c.ID())

	err := s.cfg.Hub.Stream(r.Context(), c, func(env hub.Envelope) error {
		frame, err := hub.FormatSSE(env)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	switch {
	case errors.Is(err, hub.ErrEvicted):
		s.logger.Info("sse: client evicted", "client_id", c.ID())
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Debug("sse: write failed (client disconnected?)", "client_id", c.ID(), "error", err)
	default:
		s.logger.Debug("sse: client disconnected", "client_id", c.ID())
	}
}

// handleWS mirrors the SSE stream over a WebSocket. Inbound messages are
// ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	c := s.cfg.Hub.Register()
	s.logger.Info("ws: client connected", "client_id", c.ID())

	ctx := conn.CloseRead(r.Context())
	err = s.cfg.Hub.Stream(ctx, c, func(env hub.Envelope) error {
		wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, env)
	})

	if errors.Is(err, hub.ErrEvicted) {
		s.logger.Info("ws: client evicted", "client_id", c.ID())
		_ = conn.Close(websocket.StatusTryAgainLater, "queue full")
		return
	}
	s.logger.Info("ws: client disconnecting", "client_id", c.ID())
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}
