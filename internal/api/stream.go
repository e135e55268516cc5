package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/BitBrujo/rigger/internal/session"
	"github.com/BitBrujo/rigger/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// HandleRun handles POST /api/agent/run. The response is an SSE stream of
// the execution's events ending with done, aborted or error. A client that
// disconnects early does not stop the run; it can reattach by session id.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if !h.allowRun(w, r) {
		return
	}
	var req session.RunRequest
	if !h.decode(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	x, err := h.sessions.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer x.Events.Close()

	h.logger.Info("Run started",
		"session_id", x.Session.ID,
		"resumed", x.Resumed,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	if err := h.startSSE(w, flusher); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "session_id", x.Session.ID, "error", err)
		return
	}
	h.pump(w, r, flusher, x.Session.ID, x.Events, nil, nil)
}

// HandleStream handles GET /api/sessions/{id}/stream. Buffered events after
// Last-Event-ID (header or lastEventId query) are replayed first. Without an
// id the whole buffer is replayed. The stream ends after a terminal event or,
// when nothing is running, once the replay is written.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		parsed, err := strconv.ParseInt(idHeader, 10, 64)
		if err != nil || parsed < 0 {
			Error(w, http.StatusBadRequest, CodeInvalidRequest, "Last-Event-ID must be a non-negative integer")
			return
		}
		lastEventID = parsed
		h.logger.Info("SSE client reconnecting with Last-Event-ID", "session_id", id, "last_event_id", lastEventID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	sub, missed := h.sessions.Hub().Subscribe(id, lastEventID)
	defer sub.Close()

	if err := h.startSSE(w, flusher); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "session_id", id, "error", err)
		return
	}
	h.logger.Info("SSE stream attached", "session_id", id, "replayed", len(missed), "running", h.sessions.Running(id))

	running := func() bool { return h.sessions.Running(id) }
	h.pump(w, r, flusher, id, sub, missed, running)
}

func (h *Handler) startSSE(w http.ResponseWriter, flusher http.Flusher) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.sse.RetryMs)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// pump writes replayed then live events until a terminal event, a closed
// subscription or client disconnect. A non-nil running func ends the stream
// once the session has no execution and the subscription is drained.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string, sub *stream.Subscription, replay []stream.Event, running func() bool) {
	for _, ev := range replay {
		if err := writeEvent(w, ev); err != nil {
			h.logger.Warn("Failed to write replayed SSE event", "session_id", id, "event_id", ev.ID, "error", err)
			return
		}
	}
	flusher.Flush()
	if len(replay) > 0 && replay[len(replay)-1].Type.IsTerminal() && (running == nil || !running()) {
		return
	}

	keepalive := time.NewTicker(h.sse.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		if running != nil && !running() {
			h.drain(w, flusher, id, sub)
			return
		}
		select {
		case <-r.Context().Done():
			h.logger.Info("SSE client disconnected", "session_id", id)
			return
		case ev, ok := <-sub.C:
			if !ok {
				if sub.Dropped() {
					h.logger.Warn("SSE subscriber fell behind, closing stream", "session_id", id)
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("Failed to write SSE event", "session_id", id, "event_id", ev.ID, "error", err)
				return
			}
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Warn("Failed to write SSE keepalive ping", "session_id", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// drain writes whatever the subscription already holds.
func (h *Handler) drain(w http.ResponseWriter, flusher http.Flusher, id string, sub *stream.Subscription) {
	defer flusher.Flush()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("Failed to write SSE event", "session_id", id, "event_id", ev.ID, "error", err)
				return
			}
			if ev.Type.IsTerminal() {
				return
			}
		default:
			return
		}
	}
}

func writeEvent(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return writeSSEWithID(w, ev.ID, string(ev.Type), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
