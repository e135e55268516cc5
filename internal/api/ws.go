package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/BitBrujo/rigger/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// wsControl is a client frame sent after the run request.
type wsControl struct {
	Action string `json:"action"`
}

// HandleRunWS handles GET /ws/run. The first client frame is a run request;
// every event is then sent as one JSON text frame. Later client frames may
// carry {"action":"stop"} or {"action":"kill"}.
func (h *Handler) HandleRunWS(w http.ResponseWriter, r *http.Request) {
	if !h.allowRun(w, r) {
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.allowedOrigins),
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "run ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req session.RunRequest
	if err := wsjson.Read(ctx, ws, &req); err != nil {
		h.logger.Warn("Failed to read run request frame", "error", err)
		h.writeWSError(ctx, ws, CodeInvalidRequest, "first frame must be a run request")
		return
	}

	x, err := h.sessions.Run(ctx, req)
	if err != nil {
		status, code := classify(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.logger.Error("WebSocket run failed", "error", err)
			msg = "internal error"
		}
		h.writeWSError(ctx, ws, code, msg)
		return
	}
	defer x.Events.Close()
	id := x.Session.ID
	h.logger.Info("WebSocket run started", "session_id", id, "resumed", x.Resumed)

	go h.wsControlLoop(ctx, cancel, ws, id)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket client disconnected", "session_id", id)
			return
		case ev, ok := <-x.Events.C:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, ws, ev)
			wcancel()
			if err != nil {
				h.logger.Warn("Failed to write WebSocket event", "session_id", id, "event_id", ev.ID, "error", err)
				return
			}
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func (h *Handler) wsControlLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, id string) {
	defer cancel()
	for {
		var msg wsControl
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket read ended", "session_id", id, "error", err)
			}
			return
		}
		switch msg.Action {
		case "stop":
			if _, err := h.sessions.RequestStop(ctx, id); err != nil {
				h.logger.Warn("WebSocket stop failed", "session_id", id, "error", err)
			}
		case "kill":
			if _, err := h.sessions.ForceKill(ctx, id); err != nil {
				h.logger.Warn("WebSocket kill failed", "session_id", id, "error", err)
			}
		default:
			h.logger.Debug("Ignoring WebSocket frame", "session_id", id, "action", msg.Action)
		}
	}
}

func (h *Handler) writeWSError(ctx context.Context, ws *websocket.Conn, code, message string) {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, ErrorBody{Error: code, Message: message}); err != nil {
		h.logger.Debug("Failed to send WebSocket error", "code", code, "error", err)
	}
}

// originPatterns converts allowed origins to the host patterns websocket.Accept expects.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
