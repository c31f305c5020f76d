// Package transport translates store changes into the wire-level event
// stream shared by every transport (SSE, WebSocket, Redis, WebRTC data
// channels). The Hub fans events out to per-session subscribers; the
// transports only encode them.
package transport

import (
	"time"

	"github.com/MrWong99/asrhub/internal/store"
)

// Event types emitted to clients.
const (
	EventConnectionReady  = "connection_ready"
	EventHeartbeat        = "heartbeat"
	EventSessionCreated   = "session_created"
	EventListeningStarted = "listening_started"
	EventWakeActivated    = "wake_activated"
	EventWakeDeactivated  = "wake_deactivated"
	EventRecordStarted    = "record_started"
	EventRecordStopped    = "record_stopped"
	EventTranscribeStart  = "transcribe_started"
	EventTranscribeDone   = "transcribe_done"
	EventStreamStarted    = "asr_stream_started"
	EventStreamStopped    = "asr_stream_stopped"
	EventPlayASRFeedback  = "play_asr_feedback"
	EventFeedbackFinished = "feedback_finished"
	EventStateChanged     = "state_changed"
	EventErrorReported    = "error_reported"
	EventSessionReset     = "session_reset"
	EventSessionDeleted   = "session_deleted"
	EventSessionExpired   = "session_expired"
)

// Event is one client-visible notification. Fields beyond Type, SessionID
// and Timestamp are populated per event type and omitted otherwise.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Source tags wake/deactivate origins ("ui", "keyword:<label>").
	Source string `json:"source,omitempty"`

	// State is the session state after a state_changed event.
	State string `json:"state,omitempty"`

	// Keyword and Score describe a wake detection.
	Keyword string  `json:"keyword,omitempty"`
	Score   float64 `json:"score,omitempty"`

	// Transcription result fields, on transcribe_done.
	Text       string  `json:"text,omitempty"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Provider   string  `json:"provider,omitempty"`

	// RecordingPath is the published WAV file, on record_stopped.
	RecordingPath string `json:"recording_path,omitempty"`

	// Error carries failure detail on error_reported and on a failed
	// transcribe_done.
	Error *EventError `json:"error,omitempty"`
}

// EventError is the wire form of a raised error.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FromChange maps one store change to its client event. High-rate internal
// signals (audio chunks, VAD observations, timer fires) yield no event.
func FromChange(ch store.Change) (Event, bool) {
	a := ch.Action
	ev := Event{
		SessionID: a.SessionID,
		RequestID: a.RequestID,
		Timestamp: a.Time,
		Source:    a.Source,
	}

	switch a.Kind {
	case store.KindCreateSession:
		ev.Type = EventSessionCreated
	case store.KindStartListening:
		ev.Type = EventListeningStarted
	case store.KindWakeActivated:
		ev.Type = EventWakeActivated
		if p, ok := a.Payload.(store.WakePayload); ok {
			ev.Keyword = p.Keyword
			ev.Score = p.Score
		}
	case store.KindWakeDeactivated:
		ev.Type = EventWakeDeactivated
	case store.KindRecordStarted:
		ev.Type = EventRecordStarted
	case store.KindRecordStopped:
		ev.Type = EventRecordStopped
		if p, ok := a.Payload.(store.RecordPayload); ok {
			ev.RecordingPath = p.Path
		}
	case store.KindTranscribeStarted:
		ev.Type = EventTranscribeStart
	case store.KindTranscribeDone:
		ev.Type = EventTranscribeDone
		if p, ok := a.Payload.(store.TranscribeDonePayload); ok {
			if p.Result != nil {
				ev.Text = p.Result.Text
				ev.Language = p.Result.Language
				ev.Confidence = p.Result.Confidence
				ev.Provider = p.Result.Provider
			} else if p.Error != "" {
				ev.Error = &EventError{Code: string(store.ErrCodeAudio), Message: p.Error}
			}
		}
	case store.KindASRStreamStarted:
		ev.Type = EventStreamStarted
	case store.KindASRStreamStopped:
		ev.Type = EventStreamStopped
	case store.KindPlayASRFeedback:
		ev.Type = EventPlayASRFeedback
	case store.KindFeedbackFinished:
		ev.Type = EventFeedbackFinished
	case store.KindFSMStateChanged:
		ev.Type = EventStateChanged
		if p, ok := a.Payload.(store.FSMStateChangedPayload); ok {
			ev.State = string(p.State)
		}
	case store.KindErrorRaised, store.KindErrorOccurred:
		ev.Type = EventErrorReported
		if p, ok := a.Payload.(store.ErrorPayload); ok {
			ev.Error = &EventError{Code: string(p.Code), Message: p.Message}
		}
	case store.KindResetSession:
		ev.Type = EventSessionReset
	case store.KindDeleteSession:
		ev.Type = EventSessionDeleted
	case store.KindSessionExpired:
		ev.Type = EventSessionExpired
	default:
		return Event{}, false
	}
	return ev, true
}
