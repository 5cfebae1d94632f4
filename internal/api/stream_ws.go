package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/loomhq/loom/internal/broadcaster"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS mirrors a context's event stream over a websocket. Frames
// are the same JSON payloads the SSE stream carries; heartbeats arrive as
// `{"type":"heartbeat"}` text frames.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	contextID := r.URL.Query().Get("context_id")
	if contextID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "context_id is required"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	sub := s.Bus.Subscribe(contextID)
	defer sub.Close()

	if err := s.pumpWS(r.Context(), sub, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) pumpWS(ctx context.Context, sub *broadcaster.Subscription, writer wsWriter) error {
	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := writer.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`)); err != nil {
				return err
			}
		case frame, open := <-sub.C:
			if !open {
				return nil
			}
			if err := writer.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
		}
	}
}
