// Package timer provides per-session countdown timers with replace-on-start
// semantics.
//
// Each session owns at most one countdown slot. Starting a new countdown for
// a session cancels any countdown already running for it, so callers never
// have to pair starts with explicit stops when extending a deadline. Expiry
// callbacks are invoked one at a time on a dedicated worker goroutine, never
// on the scheduling goroutine.
package timer

import (
	"sync"
	"time"
)

// Service manages countdown timers keyed by session ID.
//
// All methods are safe for concurrent use.
type Service struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	fires    chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type slot struct {
	timer    *time.Timer
	deadline time.Time
}

// NewService creates a timer service and starts its callback worker.
func NewService() *Service {
	s := &Service{
		slots: make(map[string]*slot),
		fires: make(chan func(), 64),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.fires:
			fn()
		case <-s.done:
			return
		}
	}
}

// StartCountdown schedules fn to run after d. Any countdown already active
// for the session is cancelled and replaced. A cancelled countdown never
// fires, even if its underlying timer had already expired when the
// replacement arrived.
func (s *Service) StartCountdown(sessionID string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.slots[sessionID]; ok {
		old.timer.Stop()
	}
	sl := &slot{deadline: time.Now().Add(d)}
	sl.timer = time.AfterFunc(d, func() { s.fire(sessionID, sl, fn) })
	s.slots[sessionID] = sl
}

// fire hands the callback to the worker, but only if the slot that scheduled
// it still owns the session. A slot that was replaced or stopped between
// timer expiry and this check is stale and must not run.
func (s *Service) fire(sessionID string, sl *slot, fn func()) {
	s.mu.Lock()
	if s.slots[sessionID] != sl {
		s.mu.Unlock()
		return
	}
	delete(s.slots, sessionID)
	s.mu.Unlock()

	select {
	case s.fires <- fn:
	case <-s.done:
	}
}

// Stop cancels the countdown for the session, if any. It reports whether a
// countdown was active.
func (s *Service) Stop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[sessionID]
	if !ok {
		return false
	}
	sl.timer.Stop()
	delete(s.slots, sessionID)
	return true
}

// IsActive reports whether the session currently has a countdown running.
func (s *Service) IsActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[sessionID]
	return ok
}

// Remaining returns the time left on the session's countdown. The second
// return value is false when no countdown is active.
func (s *Service) Remaining(sessionID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[sessionID]
	if !ok {
		return 0, false
	}
	d := time.Until(sl.deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the number of active countdowns.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Close cancels all countdowns and stops the callback worker. Callbacks
// already handed to the worker may still complete; nothing new is scheduled
// afterwards.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, sl := range s.slots {
			sl.timer.Stop()
			delete(s.slots, id)
		}
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
}
