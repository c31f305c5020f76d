package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/asrhub/internal/fsm"
	"github.com/MrWong99/asrhub/pkg/audio"
)

// Kind identifies an action. The set is closed; transports, detectors and
// the coordinator only ever dispatch these.
type Kind string

// Input actions, dispatched by transports.
const (
	KindCreateSession     Kind = "create_session"
	KindStartListening    Kind = "start_listening"
	KindReceiveAudioChunk Kind = "receive_audio_chunk"
	KindWakeActivated     Kind = "wake_activated"
	KindWakeDeactivated   Kind = "wake_deactivated"
	KindUploadStarted     Kind = "upload_started"
	KindUploadCompleted   Kind = "upload_completed"
	KindDeleteSession     Kind = "delete_session"
	KindResetSession      Kind = "reset_session"
	KindFeedbackFinished  Kind = "feedback_finished"
)

// Internal actions, dispatched by detectors, timers and the coordinator.
const (
	KindVADSpeechDetected  Kind = "vad_speech_detected"
	KindVADSilenceDetected Kind = "vad_silence_detected"
	KindSilenceTimeout     Kind = "silence_timeout"
	KindRecordStarted      Kind = "record_started"
	KindRecordStopped      Kind = "record_stopped"
	KindTranscribeStarted  Kind = "transcribe_started"
	KindTranscribeDone     Kind = "transcribe_done"
	KindASRStreamStarted   Kind = "asr_stream_started"
	KindASRStreamStopped   Kind = "asr_stream_stopped"
	KindSessionExpired     Kind = "session_expired"
	KindErrorOccurred      Kind = "error_occurred"
	KindFSMStateChanged    Kind = "fsm_state_changed"
)

// Output actions, consumed by transports.
const (
	KindPlayASRFeedback Kind = "play_asr_feedback"
	KindErrorRaised     Kind = "error_raised"
)

// Transient reports whether the kind is a high-rate status signal that a
// slow subscriber may drop. State-mutating kinds are never transient.
func (k Kind) Transient() bool {
	switch k {
	case KindVADSpeechDetected, KindVADSilenceDetected:
		return true
	}
	return false
}

// ErrorCode classifies failures surfaced through error_raised and
// error_reported events.
type ErrorCode string

const (
	ErrCodeConfig    ErrorCode = "config_error"
	ErrCodeSession   ErrorCode = "session_error"
	ErrCodeAudio     ErrorCode = "audio_error"
	ErrCodeDetection ErrorCode = "detection_error"
	ErrCodeTimeout   ErrorCode = "timeout_error"
	ErrCodeTransport ErrorCode = "transport_error"
)

// Source values for actions that carry an origin.
const (
	SourceUI      = "ui"
	SourceVAD     = "vad"
	SourceSystem  = "system"
	SourceKeyword = "keyword"
)

// Action is an immutable tagged message; the sole means of state change.
type Action struct {
	Kind      Kind
	SessionID string
	RequestID string
	// Source tags the origin of wake/deactivate style actions, e.g. "ui"
	// or "keyword:hey_asrhub".
	Source string
	// Time is when the action was constructed.
	Time    time.Time
	Payload Payload
}

// Payload is the closed set of per-kind action payloads.
type Payload interface {
	isPayload()
}

// CreateSessionPayload carries the requested strategy.
type CreateSessionPayload struct {
	Strategy fsm.Strategy
}

// StartListeningPayload declares the session's ingest audio format.
type StartListeningPayload struct {
	Spec audio.Spec
}

// AudioChunkPayload carries one ingested PCM chunk in its declared format.
type AudioChunkPayload struct {
	PCM     []byte
	Spec    audio.Spec
	ChunkID string
}

// WakePayload carries the detection that triggered the wake.
type WakePayload struct {
	Keyword string
	Score   float64
}

// VADPayload carries one voice-activity observation.
type VADPayload struct {
	Probability float64
}

// SilenceTimeoutPayload marks when sustained silence was declared.
// Generation identifies which recording round armed the timer; the
// coordinator ignores timeouts whose generation no longer matches.
type SilenceTimeoutPayload struct {
	At         time.Time
	Generation int64
}

// RecordPayload describes a recording boundary.
type RecordPayload struct {
	Start  time.Time
	End    time.Time
	Path   string
	Chunks int
}

// Transcription is the session-visible result of one ASR run.
type Transcription struct {
	Text       string
	Language   string
	Duration   time.Duration
	Confidence float64
	Provider   string
	At         time.Time
}

// TranscribeDonePayload carries the transcription outcome. Result is nil
// when the run failed; Error then holds the cause.
type TranscribeDonePayload struct {
	Result *Transcription
	Error  string
}

// ErrorPayload describes a raised or occurred error.
type ErrorPayload struct {
	Code    ErrorCode
	Message string
}

// FSMStateChangedPayload mirrors a coordinator-side FSM transition into the
// session record.
type FSMStateChangedPayload struct {
	State fsm.State
}

func (CreateSessionPayload) isPayload()   {}
func (StartListeningPayload) isPayload()  {}
func (AudioChunkPayload) isPayload()      {}
func (WakePayload) isPayload()            {}
func (VADPayload) isPayload()             {}
func (SilenceTimeoutPayload) isPayload()  {}
func (RecordPayload) isPayload()          {}
func (TranscribeDonePayload) isPayload()  {}
func (ErrorPayload) isPayload()           {}
func (FSMStateChangedPayload) isPayload() {}

// NewCreateSession builds a create_session action. The session ID is
// generated here (UUIDv7, time-ordered) so the reducer stays free of
// side effects; a missing request ID is filled in the same way.
func NewCreateSession(requestID string, strategy fsm.Strategy) Action {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Action{
		Kind:      KindCreateSession,
		SessionID: uuid.Must(uuid.NewV7()).String(),
		RequestID: requestID,
		Time:      time.Now(),
		Payload:   CreateSessionPayload{Strategy: strategy},
	}
}

// NewAction builds an action with the current time.
func NewAction(kind Kind, sessionID string, payload Payload) Action {
	return Action{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   payload,
	}
}

// WithSource returns a copy of the action tagged with an origin.
func (a Action) WithSource(source string) Action {
	a.Source = source
	return a
}
