package redisbus_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/internal/transport/redisbus"
)

type busFixture struct {
	mr        *miniredis.Miniredis
	requester *redis.Client
	st        *store.Store
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	mr := miniredis.RunT(t)

	st := store.New()
	hub := transport.NewHub(st)
	busClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := redisbus.NewWithClient(busClient, st, hub)

	requester := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		requester.Close()
		bus.Close()
		busClient.Close()
		hub.Close()
		st.Close()
	})

	// The bus subscribes request:* asynchronously; wait for the pattern
	// subscription before publishing anything.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		n, err := requester.PubSubNumPat(ctx).Result()
		if err != nil {
			t.Fatalf("PubSubNumPat: %v", err)
		}
		if n > 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("bus never subscribed to request channels")
		case <-time.After(5 * time.Millisecond):
		}
	}

	return &busFixture{mr: mr, requester: requester, st: st}
}

// listen subscribes to response channels and confirms the subscription.
func (f *busFixture) listen(t *testing.T, channels ...string) *redis.PubSub {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ps := f.requester.Subscribe(ctx, channels...)
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			t.Fatalf("confirm subscription: %v", err)
		}
	}
	t.Cleanup(func() { ps.Close() })
	return ps
}

func (f *busFixture) publish(t *testing.T, channel string, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.requester.Publish(ctx, channel, data).Err(); err != nil {
		t.Fatalf("publish %s: %v", channel, err)
	}
}

func nextMessage(t *testing.T, ps *redis.PubSub) (string, []byte) {
	t.Helper()
	select {
	case msg := <-ps.Channel():
		return msg.Channel, []byte(msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no pub/sub message within deadline")
		return "", nil
	}
}

func TestCreateSessionViaRedis(t *testing.T) {
	f := newBusFixture(t)
	ps := f.listen(t, "response:session_created")

	f.publish(t, "request:create_session", map[string]string{
		"request_id": "req-42",
		"strategy":   "non_streaming",
	})

	_, payload := nextMessage(t, ps)
	var ev transport.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != transport.EventSessionCreated {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", ev.RequestID)
	}

	if err := f.st.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	sess, ok := f.st.State().SessionByRequestID("req-42")
	if !ok {
		t.Fatal("session missing from store")
	}
	if sess.ID != ev.SessionID {
		t.Errorf("store session %q, event session %q", sess.ID, ev.SessionID)
	}
}

func TestEmitAudioChunkBase64(t *testing.T) {
	f := newBusFixture(t)

	a := store.NewCreateSession("", fsm.StrategyNonStreaming)
	f.st.Dispatch(a)
	if err := f.st.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	pcm := make([]byte, 640)
	f.publish(t, "request:emit_audio_chunk", map[string]any{
		"session_id":  a.SessionID,
		"sample_rate": 16000,
		"channels":    1,
		"format":      "s16le",
		"audio":       base64.StdEncoding.EncodeToString(pcm),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := f.st.Sync(context.Background()); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		sess, _ := f.st.State().Session(a.SessionID)
		if sess != nil && sess.ChunksReceived == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("chunk never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnknownSessionPublishesError(t *testing.T) {
	f := newBusFixture(t)
	ps := f.listen(t, "response:error")

	f.publish(t, "request:wake_activated", map[string]string{"session_id": "missing"})

	_, payload := nextMessage(t, ps)
	var resp struct {
		SessionID string `json:"session_id"`
		Error     struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if resp.Error.Code != string(store.ErrCodeSession) {
		t.Errorf("error code = %q, want %q", resp.Error.Code, store.ErrCodeSession)
	}
	if resp.SessionID != "missing" {
		t.Errorf("session_id = %q", resp.SessionID)
	}
}

func TestInvalidBase64PublishesError(t *testing.T) {
	f := newBusFixture(t)

	a := store.NewCreateSession("", fsm.StrategyNonStreaming)
	f.st.Dispatch(a)
	if err := f.st.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	ps := f.listen(t, "response:error")
	f.publish(t, "request:emit_audio_chunk", map[string]string{
		"session_id": a.SessionID,
		"format":     "s16le",
		"audio":      "%%% not base64 %%%",
	})

	_, payload := nextMessage(t, ps)
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error.Code != string(store.ErrCodeAudio) {
		t.Errorf("error code = %q, want %q", resp.Error.Code, store.ErrCodeAudio)
	}
}

func TestEventFanoutToResponseChannels(t *testing.T) {
	f := newBusFixture(t)
	ps := f.listen(t, "response:wake_activated")

	a := store.NewCreateSession("", fsm.StrategyNonStreaming)
	f.st.Dispatch(a)
	f.st.Dispatch(store.NewAction(store.KindWakeActivated, a.SessionID,
		store.WakePayload{Keyword: "hey", Score: 0.88}).WithSource("keyword:hey"))

	_, payload := nextMessage(t, ps)
	var ev transport.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.SessionID != a.SessionID || ev.Keyword != "hey" {
		t.Errorf("event = %+v", ev)
	}
}
