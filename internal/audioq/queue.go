// Package audioq implements the per-session timestamped audio queue. A single
// ingest writer appends chunks; any number of named readers (wake-word, VAD,
// recording) consume the same stream non-destructively through independent
// timestamp cursors. History older than the retention window is discarded
// after every push.
package audioq

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxHistory is the retention window applied when none is configured.
const DefaultMaxHistory = 30 * time.Second

// defaultReaderLag is how far before now a reader starts when registered
// without an explicit start timestamp.
const defaultReaderLag = 100 * time.Millisecond

// Item is one queue entry: an immutable PCM chunk with its assigned
// timestamp and play duration.
type Item struct {
	Timestamp time.Time
	PCM       []byte
	Duration  time.Duration
}

// End returns the timestamp just past the item's audio.
func (it Item) End() time.Time {
	return it.Timestamp.Add(it.Duration)
}

// Queue is the registry of per-session timestamped queues. All methods are
// safe for concurrent use; operations on distinct sessions never contend.
type Queue struct {
	mu       sync.RWMutex
	sessions map[string]*sessionQueue

	maxHistory time.Duration
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxHistory overrides the retention window.
func WithMaxHistory(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxHistory = d
		}
	}
}

// WithClock substitutes the timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New creates an empty queue registry.
func New(opts ...Option) *Queue {
	q := &Queue{
		sessions:   make(map[string]*sessionQueue),
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type sessionQueue struct {
	mu      sync.Mutex
	items   []Item
	readers map[string]time.Time
	lastTS  time.Time
	// wake is closed and replaced on every push, clear and remove so that
	// all blocked readers re-check the queue.
	wake chan struct{}
}

func (q *Queue) getOrCreate(sessionID string) *sessionQueue {
	q.mu.RLock()
	sq, ok := q.sessions[sessionID]
	q.mu.RUnlock()
	if ok {
		return sq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok = q.sessions[sessionID]; ok {
		return sq
	}
	sq = &sessionQueue{
		readers: make(map[string]time.Time),
		wake:    make(chan struct{}),
	}
	q.sessions[sessionID] = sq
	return sq
}

func (q *Queue) lookup(sessionID string) *sessionQueue {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sessions[sessionID]
}

// Push appends a chunk and returns its assigned timestamp. Timestamps are
// strictly increasing per session: a clock reading at or before the previous
// timestamp is raised just past it. Unknown sessions are created on first
// push. The chunk bytes are copied; callers may reuse their buffer.
func (q *Queue) Push(sessionID string, pcm []byte, duration time.Duration) time.Time {
	sq := q.getOrCreate(sessionID)

	data := make([]byte, len(pcm))
	copy(data, pcm)

	sq.mu.Lock()
	ts := q.now()
	if !ts.After(sq.lastTS) {
		ts = sq.lastTS.Add(time.Nanosecond)
	}
	sq.lastTS = ts
	sq.items = append(sq.items, Item{Timestamp: ts, PCM: data, Duration: duration})
	sq.trimLocked(q.now().Add(-q.maxHistory))
	sq.signalLocked()
	sq.mu.Unlock()

	return ts
}

// RegisterReader records a cursor for readerID. A non-zero start places the
// cursor there (it may lie in the past, which is how pre-roll capture
// starts behind the wake moment); a zero start places it 100 ms before now.
// Re-registering an existing reader with a zero start is a no-op; with a
// non-zero start it repositions the cursor.
func (q *Queue) RegisterReader(sessionID, readerID string, start time.Time) {
	sq := q.getOrCreate(sessionID)

	sq.mu.Lock()
	defer sq.mu.Unlock()
	if _, exists := sq.readers[readerID]; exists && start.IsZero() {
		return
	}
	if start.IsZero() {
		start = q.now().Add(-defaultReaderLag)
	}
	sq.readers[readerID] = start
}

// RemoveReader drops a reader's cursor. Items are unaffected.
func (q *Queue) RemoveReader(sessionID, readerID string) {
	sq := q.lookup(sessionID)
	if sq == nil {
		return
	}
	sq.mu.Lock()
	delete(sq.readers, readerID)
	sq.mu.Unlock()
}

// Pull returns up to max items with timestamps strictly greater than from
// (or the reader's cursor when from is zero), in push order, and advances
// the cursor to the last returned timestamp. The cursor never moves
// backwards, even when an explicit from lies behind it. max <= 0 means no
// limit. Unknown sessions yield nil; an unregistered reader is registered
// at the default position first.
func (q *Queue) Pull(sessionID, readerID string, from time.Time, max int) []Item {
	sq := q.lookup(sessionID)
	if sq == nil {
		return nil
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	cursor, ok := sq.readers[readerID]
	if !ok {
		cursor = q.now().Add(-defaultReaderLag)
		sq.readers[readerID] = cursor
	}
	after := cursor
	if !from.IsZero() {
		after = from
	}

	var out []Item
	for _, it := range sq.items {
		if !it.Timestamp.After(after) {
			continue
		}
		out = append(out, it)
		if max > 0 && len(out) == max {
			break
		}
	}

	if len(out) > 0 {
		last := out[len(out)-1].Timestamp
		if last.After(cursor) {
			sq.readers[readerID] = last
		}
	}
	return out
}

// PullBlocking waits up to timeout for an item beyond the reader's cursor
// and returns a single one. It returns false when the timeout elapses, ctx
// is done, or the session does not exist.
func (q *Queue) PullBlocking(ctx context.Context, sessionID, readerID string, timeout time.Duration) (Item, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		sq := q.lookup(sessionID)
		if sq == nil {
			return Item{}, false
		}

		if items := q.Pull(sessionID, readerID, time.Time{}, 1); len(items) > 0 {
			return items[0], true
		}

		sq.mu.Lock()
		wake := sq.wake
		sq.mu.Unlock()
		if wake == nil {
			// Session removed while we were looking.
			return Item{}, false
		}

		select {
		case <-wake:
			// New data, clear or removal: re-check.
		case <-timer.C:
			return Item{}, false
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// GetBetween returns all retained items with start <= timestamp <= end,
// without touching any cursor. A zero end means no upper bound.
func (q *Queue) GetBetween(sessionID string, start, end time.Time) []Item {
	sq := q.lookup(sessionID)
	if sq == nil {
		return nil
	}

	sq.mu.Lock()
	defer sq.mu.Unlock()

	var out []Item
	for _, it := range sq.items {
		if it.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && it.Timestamp.After(end) {
			break
		}
		out = append(out, it)
	}
	return out
}

// Clear drops all retained chunks for a session. Cursors and the timestamp
// high-water mark survive, so subsequent pushes stay monotonic and readers
// simply find the queue empty until new data arrives.
func (q *Queue) Clear(sessionID string) {
	sq := q.lookup(sessionID)
	if sq == nil {
		return
	}

	sq.mu.Lock()
	for i := range sq.items {
		sq.items[i] = Item{}
	}
	sq.items = sq.items[:0]
	sq.signalLocked()
	sq.mu.Unlock()
}

// Remove destroys all per-session state: items, cursors and the wake event.
// Blocked readers return promptly.
func (q *Queue) Remove(sessionID string) {
	q.mu.Lock()
	sq, ok := q.sessions[sessionID]
	delete(q.sessions, sessionID)
	q.mu.Unlock()
	if !ok {
		return
	}

	sq.mu.Lock()
	close(sq.wake)
	sq.wake = nil
	sq.mu.Unlock()
}

// Has reports whether the session has queue state.
func (q *Queue) Has(sessionID string) bool {
	return q.lookup(sessionID) != nil
}

// Len reports the number of retained chunks for a session.
func (q *Queue) Len(sessionID string) int {
	sq := q.lookup(sessionID)
	if sq == nil {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.items)
}

// Sessions returns the IDs of all sessions with queue state.
func (q *Queue) Sessions() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ids := make([]string, 0, len(q.sessions))
	for id := range q.sessions {
		ids = append(ids, id)
	}
	return ids
}

// trimLocked drops items older than cutoff. Entries are zeroed before the
// slice is advanced so the chunk bytes become collectable immediately.
func (sq *sessionQueue) trimLocked(cutoff time.Time) {
	k := 0
	for k < len(sq.items) && sq.items[k].Timestamp.Before(cutoff) {
		sq.items[k] = Item{}
		k++
	}
	if k == 0 {
		return
	}
	sq.items = sq.items[k:]
	if k > 1024 && cap(sq.items) > 4*len(sq.items) {
		compact := make([]Item, len(sq.items))
		copy(compact, sq.items)
		sq.items = compact
	}
}

// signalLocked wakes every blocked reader by closing the current wake
// channel and installing a fresh one.
func (sq *sessionQueue) signalLocked() {
	if sq.wake == nil {
		return
	}
	close(sq.wake)
	sq.wake = make(chan struct{})
}
