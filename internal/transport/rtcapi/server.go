// Package rtcapi is the WebRTC ingest surface. A client POSTs an SDP
// offer to the signaling endpoint; the answer carries a session bound to
// the peer connection. Audio arrives as an Opus track and is decoded to
// PCM before it enters the pipeline; control frames and the session's
// event stream ride on data channels.
package rtcapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
)

// Config holds settings for the WebRTC surface.
type Config struct {
	// ICEServers lists STUN/TURN URLs handed to every peer connection.
	// Empty means host candidates only, which is fine on a LAN.
	ICEServers []string
}

// Server terminates WebRTC peers and bridges them to the store and the
// event hub. One peer connection maps to exactly one session.
type Server struct {
	st  *store.Store
	hub *transport.Hub
	api *webrtc.API
	cfg webrtc.Configuration

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
}

// New builds the WebRTC surface.
func New(st *store.Store, hub *transport.Hub, cfg Config) *Server {
	rtcCfg := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Server{
		st:    st,
		hub:   hub,
		api:   webrtc.NewAPI(),
		cfg:   rtcCfg,
		peers: make(map[string]*peer),
	}
}

// offerRequest is the signaling request body.
type offerRequest struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	Strategy  string `json:"strategy,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// answerResponse is the signaling response body.
type answerResponse struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ServeHTTP handles POST /api/webrtc/create_session. The answer is
// returned non-trickle: ICE gathering completes before the response is
// written, so the client needs no follow-up candidate exchange.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, store.ErrCodeTransport, "POST only")
		return
	}
	var req offerRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport, "invalid body: "+err.Error())
		return
	}
	if req.SDP == "" {
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport, "sdp is required")
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
	p, err := s.newPeer(a.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, store.ErrCodeTransport,
			"peer connection: "+err.Error())
		return
	}
	s.st.Dispatch(a)

	answer, err := p.answer(req.SDP)
	if err != nil {
		p.close()
		s.st.Dispatch(store.NewAction(store.KindDeleteSession, a.SessionID, nil))
		writeError(w, http.StatusBadRequest, store.ErrCodeTransport,
			"negotiate: "+err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.close()
		writeError(w, http.StatusServiceUnavailable, store.ErrCodeTransport, "shutting down")
		return
	}
	s.peers[a.SessionID] = p
	s.mu.Unlock()

	slog.Info("webrtc peer negotiated", "session_id", a.SessionID, "strategy", strategy)
	writeJSON(w, http.StatusCreated, answerResponse{
		SessionID: a.SessionID,
		RequestID: a.RequestID,
		SDP:       answer,
		Type:      "answer",
	})
}

// Peers returns the number of live peer connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close tears down every peer connection. New offers are rejected.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = map[string]*peer{}
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// drop removes a peer after its connection died.
func (s *Server) drop(sessionID string) {
	s.mu.Lock()
	p, ok := s.peers[sessionID]
	if ok {
		delete(s.peers, sessionID)
	}
	s.mu.Unlock()
	if ok {
		p.close()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("webrtc response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code store.ErrorCode, msg string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = msg
	writeJSON(w, status, body)
}
