// Package api provides the HTTP surface of the run console.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BitBrujo/rigger/internal/config"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine"
	"github.com/BitBrujo/rigger/internal/session"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultListLimit          = 50
	maxListLimit              = 500
)

// Error codes returned in the "error" field of failed responses.
const (
	CodeNotFound       = "not_found"
	CodeInvalidState   = "invalid_state"
	CodeSessionBusy    = "session_busy"
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// Options configures a Handler.
type Options struct {
	Sessions *session.Manager
	Repo     store.Repository
	Engine   engine.Engine
	SSE      config.SSEConfig
	// RateLimit applies to run requests. Zero Requests disables limiting.
	RateLimit      config.RateLimitConfig
	StopWindow     time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler serves the session, run and health endpoints.
type Handler struct {
	sessions       *session.Manager
	repo           store.Repository
	engine         engine.Engine
	sse            config.SSEConfig
	limiter        *RateLimiter
	stopWindow     time.Duration
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SSE.KeepaliveInterval <= 0 {
		opts.SSE.KeepaliveInterval = 10 * time.Second
	}
	if opts.SSE.RetryMs <= 0 {
		opts.SSE.RetryMs = 3000
	}
	if opts.StopWindow <= 0 {
		opts.StopWindow = 5 * time.Second
	}
	h := &Handler{
		sessions:       opts.Sessions,
		repo:           opts.Repo,
		engine:         opts.Engine,
		sse:            opts.SSE,
		stopWindow:     opts.StopWindow,
		allowedOrigins: opts.AllowedOrigins,
		logger:         opts.Logger,
	}
	if opts.RateLimit.Requests > 0 {
		h.limiter = NewRateLimiter(opts.RateLimit.Requests, opts.RateLimit.Window)
	}
	return h
}

// RegisterRoutes mounts every endpoint on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Post("/api/agent/run", h.HandleRun)
	r.Get("/ws/run", h.HandleRunWS)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Get("/stats", h.handleStats)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Delete("/", h.handleDeleteSession)
			r.Get("/stream", h.HandleStream)
			r.Post("/stop", h.handleStop)
			r.Get("/stop", h.handleStopStatus)
			r.Post("/kill", h.handleKill)
			r.Get("/usage", h.handleUsage)
			r.Get("/todos", h.handleTodos)
		})
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Close()
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "internal", "message": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorBody is the shape of every failed response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Error writes a structured error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: code, Message: message})
}

// classify maps a domain error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrStepNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict, CodeSessionBusy
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	Error(w, status, code, msg)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// ListResponse is one page of sessions.
type ListResponse struct {
	Sessions []*domain.Session `json:"sessions"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.SessionFilter{
		Status:         domain.SessionStatus(q.Get("status")),
		ConversationID: q.Get("conversation_id"),
		Pattern:        domain.SessionPattern(q.Get("pattern")),
		Tag:            q.Get("tag"),
		Limit:          defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if filter.Pattern != "" && !filter.Pattern.Valid() {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "unknown pattern "+strconv.Quote(string(filter.Pattern)))
		return
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, q.Get("limit"), "limit", defaultListLimit); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, q.Get("offset"), "offset", 0); !ok {
		return
	}
	filter.Limit = min(max(filter.Limit, 1), maxListLimit)

	sessions, total, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, ListResponse{Sessions: sessions, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

func queryInt(w http.ResponseWriter, raw, name string, fallback int) (int, bool) {
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopResponse merges a stop request with the optional wait that followed it.
type StopResponse struct {
	*session.StopTicket
	Stopped              bool  `json:"stopped"`
	ForceKillRecommended bool  `json:"force_kill_recommended"`
	WaitedMs             int64 `json:"waited_ms"`
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ticket, err := h.sessions.RequestStop(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := StopResponse{StopTicket: ticket, Stopped: ticket.Session.Status.IsTerminal()}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && !resp.Stopped {
		out, err := h.sessions.AwaitStop(r.Context(), id, h.stopWindow)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.Session = out.Session
		resp.Stopped = out.Stopped
		resp.ForceKillRecommended = out.ForceKillRecommended
		resp.WaitedMs = out.Waited.Milliseconds()
	}

	status := http.StatusAccepted
	if resp.Stopped {
		status = http.StatusOK
	}
	JSON(w, status, resp)
}

func (h *Handler) handleStopStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.sessions.StopStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, out)
}

func (h *Handler) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.sessions.ForceKill(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Warning != "" {
		h.logger.Warn("Force-kill left engine work unreclaimed", "session_id", id, "warning", res.Warning)
	}
	JSON(w, http.StatusOK, res)
}

// UsageResponse is a session's ledger with its running totals.
type UsageResponse struct {
	SessionID           string              `json:"session_id"`
	TotalCostUSD        float64             `json:"total_cost_usd"`
	InputTokens         int64               `json:"input_tokens"`
	OutputTokens        int64               `json:"output_tokens"`
	CacheCreationTokens int64               `json:"cache_creation_tokens"`
	CachedTokens        int64               `json:"cached_tokens"`
	NumTurns            int                 `json:"num_turns"`
	Steps               []*domain.UsageStep `json:"steps"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	steps, err := h.sessions.Usage(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*domain.UsageStep{}
	}
	JSON(w, http.StatusOK, UsageResponse{
		SessionID:           s.ID,
		TotalCostUSD:        s.TotalCostUSD,
		InputTokens:         s.InputTokens,
		OutputTokens:        s.OutputTokens,
		CacheCreationTokens: s.CacheCreationTokens,
		CachedTokens:        s.CachedTokens,
		NumTurns:            s.NumTurns,
		Steps:               steps,
	})
}

func (h *Handler) handleTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := h.sessions.Todos(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if todos == nil {
		todos = []domain.Todo{}
	}
	JSON(w, http.StatusOK, map[string]any{"todos": todos})
}
