// Package api implements the HTTP surface: turn submission (plain,
// SSE, websocket), session management, transcript export, and usage
// reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lbianco/butlerd/internal/agent"
	"github.com/lbianco/butlerd/internal/buildinfo"
	"github.com/lbianco/butlerd/internal/llm"
	"github.com/lbianco/butlerd/internal/transcript"
	"github.com/lbianco/butlerd/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	loop       *agent.Loop
	usageStore *usage.Store
	authHash   string
	logger     *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates an API server. authHash is the bcrypt hash of the
// bearer token required on /v1 endpoints; empty disables auth.
func NewServer(address string, port int, loop *agent.Loop, authHash string, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		authHash: authHash,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetUsageStore wires the usage store for the summary endpoint.
func (s *Server) SetUsageStore(us *usage.Store) {
	s.usageStore = us
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.requireAuth(s.handleTurn))
	mux.HandleFunc("POST /v1/turn/stream", s.requireAuth(s.handleTurnStream))
	mux.HandleFunc("GET /v1/turn/ws", s.requireAuth(s.handleTurnWS))

	mux.HandleFunc("POST /v1/sessions/{key}/reset", s.requireAuth(s.handleSessionReset))
	mux.HandleFunc("GET /v1/sessions/{key}/stats", s.requireAuth(s.handleSessionStats))
	mux.HandleFunc("GET /v1/sessions/{key}/export", s.requireAuth(s.handleSessionExport))

	mux.HandleFunc("GET /v1/usage/summary", s.requireAuth(s.handleUsageSummary))
	mux.HandleFunc("GET /v1/version", s.requireAuth(s.handleVersion))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "butlerd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// TurnPayload is the request body for turn submission endpoints.
type TurnPayload struct {
	SessionKey string `json:"session_key,omitempty"`
	Text       string `json:"text"`
	// ImageB64 is a base64-encoded image; requires ImageMediaType.
	ImageB64       string `json:"image_b64,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
}

// toTurnRequest validates the payload and mints a session key when the
// client did not supply one.
func (p TurnPayload) toTurnRequest() (agent.TurnRequest, error) {
	if p.Text == "" && p.ImageB64 == "" {
		return agent.TurnRequest{}, fmt.Errorf("text is required")
	}

	req := agent.TurnRequest{
		SessionKey: p.SessionKey,
		Text:       p.Text,
	}
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}
	if p.ImageB64 != "" {
		mediaType := p.ImageMediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		req.Image = &llm.Image{MediaType: mediaType, Data: p.ImageB64}
	}
	return req, nil
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var payload TurnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := payload.toTurnRequest()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.loop.HandleTurn(r.Context(), req)
	if err != nil {
		s.turnErrorResponse(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

// handleTurnStream emits text fragments as SSE data events, then a
// final "result" event carrying the complete TurnResult.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	var payload TurnPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := payload.toTurnRequest()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	rc := http.NewResponseController(w)

	callback := func(event llm.StreamEvent) {
		if event.Kind != llm.KindToken {
			return
		}
		s.writeSSE(w, "", map[string]string{"token": event.Token})
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(300 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	result, err := s.loop.HandleTurnStream(r.Context(), req, callback)
	if err != nil {
		// Headers are already sent; deliver the failure as an SSE event.
		s.writeSSE(w, "error", map[string]string{"message": userMessage(err)})
		flusher.Flush()
		return
	}

	s.writeSSE(w, "result", result)
	flusher.Flush()
}

// wsEvent is the websocket message envelope. Type is "token", "result",
// or "error".
type wsEvent struct {
	Type    string            `json:"type"`
	Token   string            `json:"token,omitempty"`
	Result  *agent.TurnResult `json:"result,omitempty"`
	Message string            `json:"message,omitempty"`
}

// handleTurnWS is the websocket variant of streaming: the client sends
// one TurnPayload as JSON, the server replies with token events
// terminated by a result (or error) event, then closes.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var payload TurnPayload
	if err := conn.ReadJSON(&payload); err != nil {
		_ = conn.WriteJSON(wsEvent{Type: "error", Message: "invalid request body"})
		return
	}
	req, err := payload.toTurnRequest()
	if err != nil {
		_ = conn.WriteJSON(wsEvent{Type: "error", Message: err.Error()})
		return
	}

	callback := func(event llm.StreamEvent) {
		if event.Kind != llm.KindToken {
			return
		}
		if err := conn.WriteJSON(wsEvent{Type: "token", Token: event.Token}); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	result, err := s.loop.HandleTurnStream(r.Context(), req, callback)
	if err != nil {
		_ = conn.WriteJSON(wsEvent{Type: "error", Message: userMessage(err)})
		return
	}

	_ = conn.WriteJSON(wsEvent{Type: "result", Result: result})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.loop.Store().Reset(key)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset", "session_key": key}, s.logger)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	u := s.loop.Store().EstimateUsage(key)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_key": key,
		"usage":       u,
	}, s.logger)
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	messages, _ := s.loop.Store().Snapshot(key)
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, transcript.Markdown(key, messages, time.Now()))
	case "html":
		doc, err := transcript.HTML(key, messages, time.Now())
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "export failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, doc)
	default:
		s.errorResponse(w, http.StatusBadRequest, "format must be markdown or html")
	}
}

// handleUsageSummary aggregates the usage store over an optional
// RFC 3339 [start, end) window (default: last 30 days), optionally
// grouped by model or session.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usageStore == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-30 * 24 * time.Hour)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid start time")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid end time")
			return
		}
		end = t
	}

	switch groupBy := r.URL.Query().Get("group_by"); groupBy {
	case "":
		sum, err := s.usageStore.Summary(start, end)
		if err != nil {
			s.logger.Error("usage summary failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, sum, s.logger)
	case "model", "session":
		var groups map[string]*usage.Summary
		var err error
		if groupBy == "model" {
			groups, err = s.usageStore.SummaryByModel(start, end)
		} else {
			groups, err = s.usageStore.SummaryBySession(start, end)
		}
		if err != nil {
			s.logger.Error("usage summary failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, groups, s.logger)
	default:
		s.errorResponse(w, http.StatusBadRequest, "group_by must be model or session")
	}
}

// turnErrorResponse maps loop failures to HTTP statuses. The response
// body carries only the localized user-facing message.
func (s *Server) turnErrorResponse(w http.ResponseWriter, err error) {
	s.logger.Error("turn failed", "error", err)

	if errors.Is(err, agent.ErrSessionReset) {
		s.errorResponse(w, http.StatusConflict, "session was reset")
		return
	}

	var te *agent.TurnError
	if errors.As(err, &te) {
		status := http.StatusBadGateway
		if llm.IsRetryable(te.Err) {
			status = http.StatusServiceUnavailable
		}
		s.errorResponse(w, status, te.Message)
		return
	}

	s.errorResponse(w, http.StatusInternalServerError, "internal error")
}

// userMessage extracts the localized message from a turn failure for
// in-band delivery on streaming transports.
func userMessage(err error) string {
	if errors.Is(err, agent.ErrSessionReset) {
		return "session was reset"
	}
	var te *agent.TurnError
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "error", err)
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE payload", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
