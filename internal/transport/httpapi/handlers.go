package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/pkg/audio"
)

type createSessionRequest struct {
	Strategy  string `json:"strategy"`
	RequestID string `json:"request_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	SSEURL    string `json:"sse_url"`
	AudioURL  string `json:"audio_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport, "invalid JSON body: "+err.Error())
		return
	}
	strategy := fsm.Strategy(req.Strategy)
	if strategy == "" {
		strategy = fsm.StrategyNonStreaming
	}
	if !strategy.IsValid() {
		writeError(w, http.StatusBadRequest, store.ErrCodeSession,
			fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}

	a := store.NewCreateSession(req.RequestID, strategy)
	s.st.Dispatch(a)
	if err := s.st.Sync(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, store.ErrCodeTransport, "store unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: a.SessionID,
		RequestID: a.RequestID,
		SSEURL:    "/api/v1/sessions/" + a.SessionID + "/events",
		AudioURL:  "/api/v1/emit_audio_chunk?session_id=" + a.SessionID,
	})
}

type startListeningRequest struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	var req startListeningRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport, "invalid JSON body: "+err.Error())
		return
	}
	if _, ok := s.requireSession(w, req.SessionID); !ok {
		return
	}
	spec, err := parseSpec(req.SampleRate, req.Channels, req.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeAudio, err.Error())
		return
	}
	s.st.Dispatch(store.NewAction(store.KindStartListening, req.SessionID,
		store.StartListeningPayload{Spec: spec}))
	writeAck(w, req.SessionID)
}

func (s *Server) handleEmitAudioChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	if _, ok := s.requireSession(w, sessionID); !ok {
		return
	}

	rate, _ := strconv.Atoi(q.Get("sample_rate"))
	channels, _ := strconv.Atoi(q.Get("channels"))
	spec, err := parseSpec(rate, channels, q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeAudio, err.Error())
		return
	}

	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, store.ErrCodeAudio, "chunk body too large")
		return
	}
	if len(pcm) == 0 {
		writeError(w, http.StatusBadRequest, store.ErrCodeAudio, "empty chunk body")
		return
	}

	s.st.Dispatch(store.NewAction(store.KindReceiveAudioChunk, sessionID, store.AudioChunkPayload{
		PCM:     pcm,
		Spec:    spec,
		ChunkID: q.Get("chunk_id"),
	}))
	writeAck(w, sessionID)
}

// parseSpec fills transport defaults: a missing rate/channel count means
// the canonical pipeline format.
func parseSpec(rate, channels int, format string) (audio.Spec, error) {
	f, err := audio.ParseSampleFormat(format)
	if err != nil {
		return audio.Spec{}, err
	}
	spec := audio.Spec{SampleRate: rate, Channels: channels, Format: f}
	if spec.SampleRate == 0 {
		spec.SampleRate = audio.Canonical().SampleRate
	}
	if spec.Channels == 0 {
		spec.Channels = 1
	}
	if err := spec.Validate(); err != nil {
		return audio.Spec{}, err
	}
	return spec, nil
}

type sessionActionRequest struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source,omitempty"`
}

// dispatchSessionAction is the shared body of the wake/upload/feedback/
// reset/delete endpoints: decode, check the session, dispatch one action.
func (s *Server) dispatchSessionAction(w http.ResponseWriter, r *http.Request, kind store.Kind) {
	var req sessionActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport, "invalid JSON body: "+err.Error())
		return
	}
	if _, ok := s.requireSession(w, req.SessionID); !ok {
		return
	}
	source := req.Source
	if source == "" {
		source = store.SourceUI
	}
	s.st.Dispatch(store.NewAction(kind, req.SessionID, nil).WithSource(source))
	writeAck(w, req.SessionID)
}

func (s *Server) handleWakeActivated(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindWakeActivated)
}

func (s *Server) handleWakeDeactivated(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindWakeDeactivated)
}

func (s *Server) handleUploadStarted(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindUploadStarted)
}

func (s *Server) handleUploadCompleted(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindUploadCompleted)
}

func (s *Server) handleFeedbackFinished(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindFeedbackFinished)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindResetSession)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.dispatchSessionAction(w, r, store.KindDeleteSession)
}

type sessionResponse struct {
	SessionID       string     `json:"session_id"`
	RequestID       string     `json:"request_id"`
	Strategy        string     `json:"strategy"`
	State           string     `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ChunksReceived  int64      `json:"chunks_received"`
	ChunksProcessed int64      `json:"chunks_processed"`
	ErrorCount      int64      `json:"error_count"`
	LastText        string     `json:"last_text,omitempty"`
	LastProvider    string     `json:"last_provider,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.requireSession(w, chi.URLParam(r, "sessionID"))
	if !ok {
		return
	}
	resp := sessionResponse{
		SessionID:       sess.ID,
		RequestID:       sess.RequestID,
		Strategy:        string(sess.Strategy),
		State:           string(sess.State),
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
		ChunksReceived:  sess.ChunksReceived,
		ChunksProcessed: sess.ChunksProcessed,
		ErrorCount:      sess.ErrorCount,
	}
	if !sess.ExpiresAt.IsZero() {
		t := sess.ExpiresAt
		resp.ExpiresAt = &t
	}
	if sess.LastTranscription != nil {
		resp.LastText = sess.LastTranscription.Text
		resp.LastProvider = sess.LastTranscription.Provider
	}
	writeJSON(w, http.StatusOK, resp)
}
