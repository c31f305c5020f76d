// Package redisbus is the Redis pub/sub control surface. Control requests
// arrive on request:<action> channels as JSON (audio as base64, Redis
// strings are not binary-safe for clients in every language), and the
// session event stream is published to response:<event type> channels.
package redisbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/pkg/audio"
)

const (
	requestPrefix  = "request:"
	responsePrefix = "response:"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bus bridges Redis pub/sub to the store and the event hub.
type Bus struct {
	client *redis.Client
	st     *store.Store
	hub    *transport.Hub

	ownsClient bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New connects to Redis and starts the bus. The connection is verified
// with a ping before any subscription is made.
func New(cfg Config, st *store.Store, hub *transport.Hub) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	b := NewWithClient(client, st, hub)
	b.ownsClient = true
	slog.Info("redis bus connected", "addr", cfg.Addr, "db", cfg.DB)
	return b, nil
}

// NewWithClient starts the bus on an existing client. The caller keeps
// ownership of the client; Close will not close it.
func NewWithClient(client *redis.Client, st *store.Store, hub *transport.Hub) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		client: client,
		st:     st,
		hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}
	b.wg.Add(2)
	go b.consumeRequests()
	go b.publishEvents()
	return b
}

// Ping verifies the Redis connection is still answering. Used by the
// readiness probe.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops both pump goroutines and, for connections the bus opened
// itself, the client.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		b.cancel()
	})
	b.wg.Wait()
	if b.ownsClient {
		b.client.Close()
	}
}

// request is the JSON body accepted on every request channel. Fields
// beyond action routing are read per action.
type request struct {
	SessionID  string `json:"session_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Format     string `json:"format,omitempty"`
	ChunkID    string `json:"chunk_id,omitempty"`
	Source     string `json:"source,omitempty"`

	// Audio carries base64-encoded PCM on emit_audio_chunk.
	Audio string `json:"audio,omitempty"`
}

// errorResponse is published to response:error for rejected requests.
type errorResponse struct {
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *Bus) consumeRequests() {
	defer b.wg.Done()

	pubsub := b.client.PSubscribe(b.ctx, requestPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleRequest(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *Bus) handleRequest(channel string, payload []byte) {
	action := strings.TrimPrefix(channel, requestPrefix)

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		b.publishError(req, store.ErrCodeTransport, "invalid JSON on "+channel+": "+err.Error())
		return
	}

	switch action {
	case "create_session":
		b.createSession(req)
	case "start_listening":
		b.startListening(req)
	case "emit_audio_chunk":
		b.emitAudioChunk(req)
	case "wake_activated":
		b.dispatchSimple(req, store.KindWakeActivated)
	case "wake_deactivated":
		b.dispatchSimple(req, store.KindWakeDeactivated)
	case "upload_started":
		b.dispatchSimple(req, store.KindUploadStarted)
	case "upload_completed":
		b.dispatchSimple(req, store.KindUploadCompleted)
	case "feedback_finished":
		b.dispatchSimple(req, store.KindFeedbackFinished)
	case "reset_session":
		b.dispatchSimple(req, store.KindResetSession)
	case "delete_session":
		b.dispatchSimple(req, store.KindDeleteSession)
	default:
		b.publishError(req, store.ErrCodeTransport, fmt.Sprintf("unknown request channel %q", channel))
	}
}

func (b *Bus) createSession(req request) {
	strategy := fsm.Strategy(req.Strategy)
	if strategy == "" {
		strategy = fsm.StrategyNonStreaming
	}
	if !strategy.IsValid() {
		b.publishError(req, store.ErrCodeSession, fmt.Sprintf("unknown strategy %q", req.Strategy))
		return
	}
	b.st.Dispatch(store.NewCreateSession(req.RequestID, strategy))
}

func (b *Bus) startListening(req request) {
	if !b.checkSession(req) {
		return
	}
	spec, err := parseSpec(req.SampleRate, req.Channels, req.Format)
	if err != nil {
		b.publishError(req, store.ErrCodeAudio, err.Error())
		return
	}
	b.st.Dispatch(store.NewAction(store.KindStartListening, req.SessionID,
		store.StartListeningPayload{Spec: spec}))
}

func (b *Bus) emitAudioChunk(req request) {
	if !b.checkSession(req) {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		b.publishError(req, store.ErrCodeAudio, "invalid base64 audio: "+err.Error())
		return
	}
	if len(pcm) == 0 {
		b.publishError(req, store.ErrCodeAudio, "empty audio payload")
		return
	}
	spec, err := parseSpec(req.SampleRate, req.Channels, req.Format)
	if err != nil {
		b.publishError(req, store.ErrCodeAudio, err.Error())
		return
	}
	b.st.Dispatch(store.NewAction(store.KindReceiveAudioChunk, req.SessionID, store.AudioChunkPayload{
		PCM:     pcm,
		Spec:    spec,
		ChunkID: req.ChunkID,
	}))
}

func (b *Bus) dispatchSimple(req request, kind store.Kind) {
	if !b.checkSession(req) {
		return
	}
	source := req.Source
	if source == "" {
		source = store.SourceUI
	}
	b.st.Dispatch(store.NewAction(kind, req.SessionID, nil).WithSource(source))
}

func (b *Bus) checkSession(req request) bool {
	if req.SessionID == "" {
		b.publishError(req, store.ErrCodeSession, "session_id is required")
		return false
	}
	if _, ok := b.st.State().Session(req.SessionID); !ok {
		b.publishError(req, store.ErrCodeSession, "unknown session "+req.SessionID)
		return false
	}
	return true
}

// publishEvents forwards the hub firehose: every client event goes out on
// response:<event type>.
func (b *Bus) publishEvents() {
	defer b.wg.Done()

	events, cancel := b.hub.SubscribeAll()
	defer cancel()

	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := b.client.Publish(b.ctx, responsePrefix+ev.Type, data).Err(); err != nil {
				if b.ctx.Err() != nil {
					return
				}
				slog.Warn("redis publish failed", "channel", responsePrefix+ev.Type, "error", err)
			}
		}
	}
}

func (b *Bus) publishError(req request, code store.ErrorCode, msg string) {
	var resp errorResponse
	resp.SessionID = req.SessionID
	resp.RequestID = req.RequestID
	resp.Error.Code = string(code)
	resp.Error.Message = msg
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := b.client.Publish(b.ctx, responsePrefix+"error", data).Err(); err != nil && b.ctx.Err() == nil {
		slog.Warn("redis publish failed", "channel", responsePrefix+"error", "error", err)
	}
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
