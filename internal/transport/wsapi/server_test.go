package wsapi_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/asrhub/internal/store"
	"github.com/MrWong99/asrhub/internal/transport"
	"github.com/MrWong99/asrhub/internal/transport/wsapi"
)

type testConn struct {
	ws *websocket.Conn
}

func newTestConn(t *testing.T) (*testConn, *store.Store) {
	t.Helper()
	st := store.New()
	hub := transport.NewHub(st)
	srv := wsapi.New(st, hub)
	ts := httptest.NewServer(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ws, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):], nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		ws.Close(websocket.StatusNormalClosure, "test done")
		cancel()
		ts.Close()
		hub.Close()
		st.Close()
	})
	return &testConn{ws: ws}, st
}

func (c *testConn) send(t *testing.T, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testConn) sendBinary(t *testing.T, pcm []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

// frame is the union of everything the server writes: acks, errors and
// forwarded events.
type frame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *testConn) read(t *testing.T) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

// readUntil skips frames until one matches the given type.
func (c *testConn) readUntil(t *testing.T, typ string) frame {
	t.Helper()
	for i := 0; i < 32; i++ {
		f := c.read(t)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %q frame within 32 reads", typ)
	return frame{}
}

func TestCreateSessionOverWebSocket(t *testing.T) {
	t.Parallel()
	c, st := newTestConn(t)

	c.send(t, map[string]any{"action": "create_session", "strategy": "non_streaming"})

	ack := c.readUntil(t, "ack")
	if ack.Action != "create_session" {
		t.Errorf("ack action = %q", ack.Action)
	}
	if ack.SessionID == "" {
		t.Fatal("ack carries no session_id")
	}

	// The connection is bound before dispatch, so the created event
	// arrives on this socket.
	ev := c.readUntil(t, transport.EventSessionCreated)
	if ev.SessionID != ack.SessionID {
		t.Errorf("event session_id = %q, want %q", ev.SessionID, ack.SessionID)
	}

	if err := st.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := st.State().Session(ack.SessionID); !ok {
		t.Error("session missing from store")
	}
}

func TestBinaryAudioIngest(t *testing.T) {
	t.Parallel()
	c, st := newTestConn(t)

	c.send(t, map[string]any{"action": "create_session"})
	ack := c.readUntil(t, "ack")

	c.send(t, map[string]any{
		"action": "start_listening", "sample_rate": 16000, "channels": 1, "format": "s16le",
	})
	c.readUntil(t, "ack")

	c.sendBinary(t, make([]byte, 640))
	c.sendBinary(t, make([]byte, 640))

	deadline := time.Now().Add(2 * time.Second)
	var got int64
	for {
		if err := st.Sync(context.Background()); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		if sess, ok := st.State().Session(ack.SessionID); ok {
			got = sess.ChunksReceived
		}
		if got == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("ChunksReceived = %d, want 2", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAudioWithoutBindingRejected(t *testing.T) {
	t.Parallel()
	c, _ := newTestConn(t)

	c.sendBinary(t, make([]byte, 640))
	f := c.readUntil(t, "error")
	if f.Error == nil || f.Error.Code != string(store.ErrCodeAudio) {
		t.Errorf("error frame = %+v, want audio_error", f)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()
	c, _ := newTestConn(t)

	c.send(t, map[string]any{"action": "warp_drive"})
	f := c.readUntil(t, "error")
	if f.Error == nil || f.Error.Code != string(store.ErrCodeTransport) {
		t.Errorf("error frame = %+v, want transport_error", f)
	}
}

func TestControlForUnknownSessionRejected(t *testing.T) {
	t.Parallel()
	c, _ := newTestConn(t)

	c.send(t, map[string]any{"action": "wake_activated", "session_id": "missing"})
	f := c.readUntil(t, "error")
	if f.Error == nil || f.Error.Code != string(store.ErrCodeSession) {
		t.Errorf("error frame = %+v, want session_error", f)
	}
}

func TestBindExistingSession(t *testing.T) {
	t.Parallel()
	c, st := newTestConn(t)

	// Session created out of band, e.g. over HTTP.
	a := store.NewCreateSession("", "non_streaming")
	st.Dispatch(a)
	if err := st.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	c.send(t, map[string]any{"action": "bind_session", "session_id": a.SessionID})
	ack := c.readUntil(t, "ack")
	if ack.SessionID != a.SessionID {
		t.Errorf("ack session_id = %q, want %q", ack.SessionID, a.SessionID)
	}

	// Events for the bound session now reach this socket.
	st.Dispatch(store.NewAction(store.KindWakeActivated, a.SessionID,
		store.WakePayload{Keyword: "hey", Score: 0.8}))
	ev := c.readUntil(t, transport.EventWakeActivated)
	if ev.SessionID != a.SessionID {
		t.Errorf("event session_id = %q", ev.SessionID)
	}
}
