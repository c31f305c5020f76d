// Package wsapi is the WebSocket control surface. One connection carries
// JSON text frames for control (the same action vocabulary as the HTTP
// API), binary frames for PCM audio bound to a session, and pushes the
// session's event stream back as JSON text frames.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// writeTimeout bounds one frame write to a client.
const writeTimeout = 5 * time.Second

// Server accepts WebSocket connections and bridges them to the store and
// the event hub.
type Server struct {
	st  *store.Store
	hub *transport.Hub
}

// New builds the WebSocket surface.
func New(st *store.Store, hub *transport.Hub) *Server {
	return &Server{st: st, hub: hub}
}

// ServeHTTP upgrades the request and runs the connection until the client
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	c := &conn{
		srv:  s,
		ws:   ws,
		spec: audio.Canonical(),
	}
	c.run(r.Context())
}

// controlMessage is one inbound JSON control frame. Action names match the
// HTTP endpoint names.
type controlMessage struct {
	Action     string `json:"action"`
	SessionID  string `json:"session_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
	Source     string `json:"source,omitempty"`
}

// ackMessage is the reply to a handled control frame.
type ackMessage struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// errorMessage is the reply to a rejected control or audio frame.
type errorMessage struct {
	Type  string `json:"type"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// conn is the per-connection state. Reads happen on the run goroutine;
// writes are serialized through writeMu because the event forwarder and
// the reply path share the socket.
type conn struct {
	srv *Server
	ws  *websocket.Conn

	writeMu sync.Mutex

	// sessionID is the session the connection is bound to; binary frames
	// and pushed events refer to it.
	sessionID string
	spec      audio.Spec

	eventsCancel func()
	fwdWG        sync.WaitGroup
}

func (c *conn) run(ctx context.Context) {
	defer func() {
		if c.eventsCancel != nil {
			c.eventsCancel()
		}
		c.fwdWG.Wait()
		c.ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageText:
			c.handleControl(ctx, data)
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		}
	}
}

func (c *conn) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.writeError(ctx, store.ErrCodeTransport, "invalid control frame: "+err.Error())
		return
	}

	switch msg.Action {
	case "create_session":
		c.createSession(ctx, msg)
	case "bind_session":
		if !c.requireSession(ctx, msg.SessionID) {
			return
		}
		c.bind(ctx, msg.SessionID)
		c.writeAck(ctx, msg.Action, msg.SessionID, "")
	case "start_listening":
		c.startListening(ctx, msg)
	case "wake_activated":
		c.dispatchSimple(ctx, msg, store.KindWakeActivated)
	case "wake_deactivated":
		c.dispatchSimple(ctx, msg, store.KindWakeDeactivated)
	case "upload_started":
		c.dispatchSimple(ctx, msg, store.KindUploadStarted)
	case "upload_completed":
		c.dispatchSimple(ctx, msg, store.KindUploadCompleted)
	case "feedback_finished":
		c.dispatchSimple(ctx, msg, store.KindFeedbackFinished)
	case "reset_session":
		c.dispatchSimple(ctx, msg, store.KindResetSession)
	case "delete_session":
		c.dispatchSimple(ctx, msg, store.KindDeleteSession)
	default:
		c.writeError(ctx, store.ErrCodeTransport, fmt.Sprintf("unknown action %q", msg.Action))
	}
}

func (c *conn) createSession(ctx context.Context, msg controlMessage) {
	strategy := fsm.Strategy(msg.Strategy)
	if strategy == "" {
		strategy = fsm.StrategyNonStreaming
	}
	if !strategy.IsValid() {
		c.writeError(ctx, store.ErrCodeSession, fmt.Sprintf("unknown strategy %q", msg.Strategy))
		return
	}
	a := store.NewCreateSession(msg.RequestID, strategy)
	c.bind(ctx, a.SessionID)
	c.srv.st.Dispatch(a)
	c.writeAck(ctx, msg.Action, a.SessionID, a.RequestID)
}

func (c *conn) startListening(ctx context.Context, msg controlMessage) {
	id := c.resolveSession(msg)
	if !c.requireSession(ctx, id) {
		return
	}
	spec, err := parseSpec(msg.SampleRate, msg.Channels, msg.Format)
	if err != nil {
		c.writeError(ctx, store.ErrCodeAudio, err.Error())
		return
	}
	c.spec = spec
	if c.sessionID != id {
		c.bind(ctx, id)
	}
	c.srv.st.Dispatch(store.NewAction(store.KindStartListening, id,
		store.StartListeningPayload{Spec: spec}))
	c.writeAck(ctx, msg.Action, id, "")
}

func (c *conn) dispatchSimple(ctx context.Context, msg controlMessage, kind store.Kind) {
	id := c.resolveSession(msg)
	if !c.requireSession(ctx, id) {
		return
	}
	source := msg.Source
	if source == "" {
		source = store.SourceUI
	}
	c.srv.st.Dispatch(store.NewAction(kind, id, nil).WithSource(source))
	c.writeAck(ctx, msg.Action, id, "")
}

// handleAudio ingests one binary PCM frame for the bound session.
func (c *conn) handleAudio(ctx context.Context, pcm []byte) {
	if c.sessionID == "" {
		c.writeError(ctx, store.ErrCodeAudio, "no session bound for audio frames")
		return
	}
	if len(pcm) == 0 {
		return
	}
	c.srv.st.Dispatch(store.NewAction(store.KindReceiveAudioChunk, c.sessionID, store.AudioChunkPayload{
		PCM:  pcm,
		Spec: c.spec,
	}))
}

// resolveSession prefers an explicit session_id and falls back to the
// connection binding.
func (c *conn) resolveSession(msg controlMessage) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return c.sessionID
}

func (c *conn) requireSession(ctx context.Context, id string) bool {
	if id == "" {
		c.writeError(ctx, store.ErrCodeSession, "session_id is required")
		return false
	}
	if _, ok := c.srv.st.State().Session(id); !ok {
		c.writeError(ctx, store.ErrCodeSession, "unknown session "+id)
		return false
	}
	return true
}

// bind attaches the connection to a session's event stream, replacing any
// previous binding. Called for a freshly created session before its
// create_session action is dispatched, so no event can be missed.
func (c *conn) bind(ctx context.Context, sessionID string) {
	if c.eventsCancel != nil {
		c.eventsCancel()
		c.fwdWG.Wait()
	}
	c.sessionID = sessionID

	events, cancel := c.srv.hub.Subscribe(sessionID)
	c.eventsCancel = cancel
	c.fwdWG.Add(1)
	go func() {
		defer c.fwdWG.Done()
		for ev := range events {
			if err := c.writeJSON(ctx, ev); err != nil {
				return
			}
		}
	}()
}

func (c *conn) writeAck(ctx context.Context, action, sessionID, requestID string) {
	c.writeJSON(ctx, ackMessage{
		Type:      "ack",
		Action:    action,
		SessionID: sessionID,
		RequestID: requestID,
	})
}

func (c *conn) writeError(ctx context.Context, code store.ErrorCode, msg string) {
	var m errorMessage
	m.Type = "error"
	m.Error.Code = string(code)
	m.Error.Message = msg
	c.writeJSON(ctx, m)
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(wctx, websocket.MessageText, data)
}

// parseSpec fills transport defaults, mirroring the HTTP surface.
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
