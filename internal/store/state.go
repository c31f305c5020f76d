package store

import (
	"maps"
	"time"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// Session is one session's record in the store. Records are immutable:
// reducers replace the whole entry, never mutate it in place.
type Session struct {
	ID        string
	RequestID string
	Strategy  fsm.Strategy

	// Spec is the declared ingest format. Zero until start_listening.
	Spec audio.Spec

	// State mirrors the coordinator's FSM for this session.
	State fsm.State

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	ChunksReceived  int64
	ChunksProcessed int64
	ErrorCount      int64

	// LastTranscription is the most recent successful ASR result, if any.
	LastTranscription *Transcription
}

// Expired reports whether the session's idle deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Stats are process-wide aggregate counters.
type Stats struct {
	SessionsCreated int64
	SessionsDeleted int64
	SessionsExpired int64
	ChunksReceived  int64
	BytesReceived   int64
	Transcriptions  int64
	Errors          int64
}

// State is the store's complete immutable value: the sessions map plus
// aggregate counters. Consumers must not mutate it; reducers produce fresh
// values via copy-on-write.
type State struct {
	Sessions map[string]*Session
	Stats    Stats
}

// NewState returns an empty state.
func NewState() State {
	return State{Sessions: map[string]*Session{}}
}

// Session returns the record for id, if present.
func (s State) Session(id string) (*Session, bool) {
	sess, ok := s.Sessions[id]
	return sess, ok
}

// SessionByRequestID scans for the session created under a request ID.
func (s State) SessionByRequestID(requestID string) (*Session, bool) {
	for _, sess := range s.Sessions {
		if sess.RequestID == requestID {
			return sess, true
		}
	}
	return nil, false
}

// ExpiredSessions returns the IDs of all sessions past their deadline.
func (s State) ExpiredSessions(now time.Time) []string {
	var ids []string
	for id, sess := range s.Sessions {
		if sess.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// withSessions returns a copy of the state carrying the given map.
func (s State) withSessions(sessions map[string]*Session) State {
	s.Sessions = sessions
	return s
}

// cloneSessions shallow-copies the map so a single entry can be replaced.
func cloneSessions(m map[string]*Session) map[string]*Session {
	return maps.Clone(m)
}

// updateSession clones the map and replaces id with the result of fn applied
// to a copy of the current record. The state is returned unchanged when the
// session does not exist.
func (s State) updateSession(id string, fn func(*Session)) State {
	prev, ok := s.Sessions[id]
	if !ok {
		return s
	}
	next := cloneSessions(s.Sessions)
	cp := *prev
	fn(&cp)
	next[id] = &cp
	return s.withSessions(next)
}
