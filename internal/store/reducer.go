package store

import (
	"time"

	"github.com/MrWong99/asrhub/internal/fsm"
)

// Reducer is a pure state transition. Reducers must not perform I/O and
// must not dispatch; they see a consistent snapshot and return the next one.
type Reducer func(State, Action) State

// DefaultSessionTTL is the idle expiry applied when none is configured.
const DefaultSessionTTL = 5 * time.Minute

// SessionsReducer returns the reducer for the sessions slice. ttl is the
// idle expiry window extended on every session activity.
func SessionsReducer(ttl time.Duration) Reducer {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	touch := func(sess *Session, at time.Time) {
		sess.UpdatedAt = at
		sess.ExpiresAt = at.Add(ttl)
	}

	return func(state State, a Action) State {
		switch a.Kind {
		case KindCreateSession:
			p, ok := a.Payload.(CreateSessionPayload)
			if !ok || a.SessionID == "" {
				return state
			}
			if _, exists := state.Sessions[a.SessionID]; exists {
				return state
			}
			next := cloneSessions(state.Sessions)
			next[a.SessionID] = &Session{
				ID:        a.SessionID,
				RequestID: a.RequestID,
				Strategy:  p.Strategy,
				State:     fsm.StateIdle,
				CreatedAt: a.Time,
				UpdatedAt: a.Time,
				ExpiresAt: a.Time.Add(ttl),
			}
			return state.withSessions(next)

		case KindStartListening:
			p, ok := a.Payload.(StartListeningPayload)
			if !ok {
				return state
			}
			return state.updateSession(a.SessionID, func(sess *Session) {
				sess.Spec = p.Spec
				touch(sess, a.Time)
			})

		case KindReceiveAudioChunk:
			return state.updateSession(a.SessionID, func(sess *Session) {
				sess.ChunksReceived++
				touch(sess, a.Time)
			})

		case KindFSMStateChanged:
			p, ok := a.Payload.(FSMStateChangedPayload)
			if !ok {
				return state
			}
			return state.updateSession(a.SessionID, func(sess *Session) {
				sess.State = p.State
				touch(sess, a.Time)
			})

		case KindRecordStopped:
			p, _ := a.Payload.(RecordPayload)
			return state.updateSession(a.SessionID, func(sess *Session) {
				sess.ChunksProcessed += int64(p.Chunks)
				touch(sess, a.Time)
			})

		case KindTranscribeDone:
			p, ok := a.Payload.(TranscribeDonePayload)
			if !ok {
				return state
			}
			return state.updateSession(a.SessionID, func(sess *Session) {
				if p.Result != nil {
					sess.LastTranscription = p.Result
				}
				touch(sess, a.Time)
			})

		case KindErrorRaised, KindErrorOccurred:
			return state.updateSession(a.SessionID, func(sess *Session) {
				sess.ErrorCount++
				touch(sess, a.Time)
			})

		case KindWakeActivated, KindWakeDeactivated, KindRecordStarted,
			KindUploadStarted, KindUploadCompleted, KindASRStreamStarted,
			KindASRStreamStopped, KindResetSession, KindPlayASRFeedback,
			KindFeedbackFinished:
			return state.updateSession(a.SessionID, func(sess *Session) {
				touch(sess, a.Time)
			})

		case KindDeleteSession, KindSessionExpired:
			if _, exists := state.Sessions[a.SessionID]; !exists {
				return state
			}
			next := cloneSessions(state.Sessions)
			delete(next, a.SessionID)
			return state.withSessions(next)
		}

		return state
	}
}

// StatsReducer returns the reducer for the aggregate counters slice.
func StatsReducer() Reducer {
	return func(state State, a Action) State {
		switch a.Kind {
		case KindCreateSession:
			state.Stats.SessionsCreated++
		case KindDeleteSession:
			state.Stats.SessionsDeleted++
		case KindSessionExpired:
			state.Stats.SessionsExpired++
		case KindReceiveAudioChunk:
			state.Stats.ChunksReceived++
			if p, ok := a.Payload.(AudioChunkPayload); ok {
				state.Stats.BytesReceived += int64(len(p.PCM))
			}
		case KindTranscribeDone:
			if p, ok := a.Payload.(TranscribeDonePayload); ok && p.Result != nil {
				state.Stats.Transcriptions++
			}
		case KindErrorRaised, KindErrorOccurred:
			state.Stats.Errors++
		}
		return state
	}
}
