package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/asrhub/internal/store"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events rather than stalling the hub.
const subscriberBuffer = 64

// Hub consumes the store's change stream and fans client events out to
// transport subscribers. Subscribers attach to one session or to the
// firehose; a full subscriber channel drops the event.
type Hub struct {
	sub      *store.Subscription
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Int64

	mu       sync.Mutex
	sessions map[string]map[chan Event]struct{}
	all      map[chan Event]struct{}
}

// NewHub builds the hub and starts consuming st's change stream.
func NewHub(st *store.Store) *Hub {
	h := &Hub{
		sub:      st.Subscribe("transport-hub", 512),
		done:     make(chan struct{}),
		sessions: make(map[string]map[chan Event]struct{}),
		all:      make(map[chan Event]struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ch := <-h.sub.C():
			ev, ok := FromChange(ch)
			if !ok {
				continue
			}
			h.publish(ev)
		}
	}
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	targets := make([]chan Event, 0, 4)
	for c := range h.sessions[ev.SessionID] {
		targets = append(targets, c)
	}
	for c := range h.all {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c <- ev:
		default:
			if h.dropped.Add(1)%100 == 1 {
				slog.Warn("event hub dropping for slow subscriber",
					"session_id", ev.SessionID,
					"type", ev.Type,
					"total_dropped", h.dropped.Load())
			}
		}
	}
}

// Subscribe attaches to one session's event stream. The cancel function
// detaches and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	c := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[chan Event]struct{})
		h.sessions[sessionID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.sessions[sessionID]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(h.sessions, sessionID)
				}
			}
			h.mu.Unlock()
			close(c)
		})
	}
	return c, cancel
}

// SubscribeAll attaches to every session's events. Used by broadcast
// transports (Redis bus) and by tests.
func (h *Hub) SubscribeAll() (<-chan Event, func()) {
	c := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.all, c)
			h.mu.Unlock()
			close(c)
		})
	}
	return c, cancel
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops the hub. Subscriber channels are left to their cancel
// functions; no further events arrive on them.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.sub.Close()
	})
	h.wg.Wait()
}
