// Package store implements the action store: a single-threaded dispatch
// queue applying pure reducers to an immutable state value, with
// multi-consumer change subscriptions for effects and transports.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Change is what subscribers receive for every processed action: the state
// before, the state after, and the action itself.
type Change struct {
	Prev   State
	Next   State
	Action Action
}

// Subscription is one consumer's view of the change stream. Consumers must
// select on their own context alongside C; the store never closes the
// channel.
type Subscription struct {
	name    string
	ch      chan Change
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// C returns the change channel.
func (s *Subscription) C() <-chan Change {
	return s.ch
}

// Name returns the label the subscription was registered under.
func (s *Subscription) Name() string {
	return s.name
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped reports how many transient changes were discarded because the
// subscriber was slow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription. Any dispatcher blocked delivering to it
// is released.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

// deliver hands one change to the subscriber. Transient kinds are dropped
// when the buffer is full; everything else blocks until the subscriber
// reads or closes.
func (s *Subscription) deliver(ch Change) {
	select {
	case <-s.done:
		return
	default:
	}

	if ch.Action.Kind.Transient() {
		select {
		case s.ch <- ch:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.ch <- ch:
	case <-s.done:
	}
}

type mailboxItem struct {
	action Action
	sync   chan struct{}
}

// Store owns the state value and the FIFO action mailbox. One dispatcher
// goroutine applies reducers and publishes changes; Dispatch never blocks
// on slow subscribers.
type Store struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []mailboxItem
	stopped bool

	stateMu sync.RWMutex
	state   State

	reducers []Reducer

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}

	loopDone chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithReducers replaces the default reducer set.
func WithReducers(rs ...Reducer) Option {
	return func(s *Store) {
		s.reducers = rs
	}
}

// New creates a store with the default sessions and stats reducers and
// starts its dispatcher. Callers must Close it when done.
func New(opts ...Option) *Store {
	s := &Store{
		state:    NewState(),
		reducers: []Reducer{SessionsReducer(DefaultSessionTTL), StatsReducer()},
		subs:     make(map[*Subscription]struct{}),
		loopDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	go s.loop()
	return s
}

// State returns the current immutable state.
func (s *Store) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Dispatch enqueues an action. Actions are processed strictly FIFO; an
// action dispatched from an effect is processed after the one currently
// being handled. Dispatch never blocks and never drops (the mailbox is
// unbounded); actions dispatched after Close are discarded.
func (s *Store) Dispatch(a Action) {
	s.enqueue(mailboxItem{action: a})
}

// Sync waits until every action dispatched before the call has been reduced
// and published. Effects triggered by those actions may still be running.
func (s *Store) Sync(ctx context.Context) error {
	done := make(chan struct{})
	s.enqueue(mailboxItem{sync: done})
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueue(item mailboxItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		if item.sync != nil {
			close(item.sync)
		} else {
			slog.Warn("store: dispatch after close, dropping action",
				"kind", item.action.Kind,
				"session_id", item.action.SessionID,
			)
		}
		return
	}
	s.pending = append(s.pending, item)
	s.cond.Signal()
}

// Subscribe attaches a lossless consumer (transient kinds may still be
// dropped when the buffer is full). buffer <= 0 defaults to 256.
func (s *Store) Subscribe(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscription{
		name: name,
		ch:   make(chan Change, buffer),
		done: make(chan struct{}),
	}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

// Close stops the dispatcher after the current batch. Subsequent Dispatch
// calls are discarded; subscriptions stay open and must be closed by their
// owners.
func (s *Store) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.loopDone
}

func (s *Store) loop() {
	defer close(s.loopDone)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.pending) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, item := range batch {
			if item.sync != nil {
				close(item.sync)
				continue
			}
			s.apply(item.action)
		}
	}
}

// apply runs the reducers atomically against the current state, swaps the
// state pointer and publishes the change.
func (s *Store) apply(a Action) {
	s.stateMu.Lock()
	prev := s.state
	next := prev
	for _, r := range s.reducers {
		next = r(next, a)
	}
	s.state = next
	s.stateMu.Unlock()

	change := Change{Prev: prev, Next: next, Action: a}

	s.subMu.RLock()
	targets := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range targets {
		sub.deliver(change)
	}

	s.prune()
}

// prune unregisters closed subscriptions.
func (s *Store) prune() {
	s.subMu.Lock()
	for sub := range s.subs {
		select {
		case <-sub.done:
			delete(s.subs, sub)
		default:
		}
	}
	s.subMu.Unlock()
}
