// Package httpapi is the HTTP control surface: JSON endpoints that
// dispatch actions into the store, a per-session SSE event stream fed by
// the transport hub, and the ambient health/metrics endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/asrhub/internal/health"
	"github.com/MrWong99/asrhub/internal/observe"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
)

// maxChunkBytes caps one emit_audio_chunk request body. At the canonical
// rate that is well over a minute of audio; anything larger is a client bug.
const maxChunkBytes = 10 << 20

// defaultHeartbeat is the SSE keep-alive interval when none is configured.
const defaultHeartbeat = 15 * time.Second

// Config carries the HTTP surface's tunables.
type Config struct {
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// Server holds the handler dependencies. Build one with New and mount
// Router on an http.Server.
type Server struct {
	st        *store.Store
	hub       *transport.Hub
	health    *health.Handler
	metrics   *observe.Metrics
	heartbeat time.Duration
}

// New builds the HTTP surface. health and metrics may be nil in tests;
// the corresponding routes and middleware are then skipped.
func New(st *store.Store, hub *transport.Hub, hc *health.Handler, m *observe.Metrics, cfg Config) *Server {
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = defaultHeartbeat
	}
	return &Server{
		st:        st,
		hub:       hub,
		health:    hc,
		metrics:   m,
		heartbeat: hb,
	}
}

// Router assembles the chi router with all API and ambient routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}

	if s.health != nil {
		r.Get("/healthz", s.health.Healthz)
		r.Get("/readyz", s.health.Readyz)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/create_session", s.handleCreateSession)
		r.Post("/start_listening", s.handleStartListening)
		r.Post("/emit_audio_chunk", s.handleEmitAudioChunk)
		r.Post("/wake_activated", s.handleWakeActivated)
		r.Post("/wake_deactivated", s.handleWakeDeactivated)
		r.Post("/upload_started", s.handleUploadStarted)
		r.Post("/upload_completed", s.handleUploadCompleted)
		r.Post("/feedback_finished", s.handleFeedbackFinished)
		r.Post("/reset_session", s.handleResetSession)
		r.Post("/delete_session", s.handleDeleteSession)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Get("/sessions/{sessionID}/events", s.handleEvents)
	})
	return r
}

// errorBody is the JSON error envelope shared by all endpoints.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"code":"transport_error","message":"encode failed"}}`,
			http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code store.ErrorCode, msg string) {
	var b errorBody
	b.Error.Code = string(code)
	b.Error.Message = msg
	writeJSON(w, status, b)
}

// ackBody is the minimal success response for fire-and-forget endpoints.
type ackBody struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

func writeAck(w http.ResponseWriter, sessionID string) {
	writeJSON(w, http.StatusOK, ackBody{Status: "ok", SessionID: sessionID})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// requireSession validates that the session exists, writing a 404 on miss.
func (s *Server) requireSession(w http.ResponseWriter, sessionID string) (*store.Session, bool) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeSession, "session_id is required")
		return nil, false
	}
	sess, ok := s.st.State().Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, store.ErrCodeSession, "unknown session "+sessionID)
		return nil, false
	}
	return sess, true
}
