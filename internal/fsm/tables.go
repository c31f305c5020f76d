package fsm

// Strategy selects the pipeline shape of a session and with it the
// transition table of its state machine.
type Strategy string

const (
	// StrategyBatch uploads a complete audio payload and transcribes once.
	StrategyBatch Strategy = "batch"
	// StrategyNonStreaming runs the wake -> record -> transcribe cycle.
	StrategyNonStreaming Strategy = "non_streaming"
	// StrategyStreaming feeds a streaming ASR between wake and deactivation.
	StrategyStreaming Strategy = "streaming"
)

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyBatch, StrategyNonStreaming, StrategyStreaming:
		return true
	}
	return false
}

// Strategies lists all valid strategies.
func Strategies() []Strategy {
	return []Strategy{StrategyBatch, StrategyNonStreaming, StrategyStreaming}
}

// Top-level states.
const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Processing substates.
const (
	StateUploading    State = "processing_uploading"
	StateActivated    State = "processing_activated"
	StateRecording    State = "processing_recording"
	StateTranscribing State = "processing_transcribing"
	StateBusy         State = "processing_busy"
)

// Lifecycle events.
const (
	EventStartListening   Event = "start_listening"
	EventWakeActivated    Event = "wake_activated"
	EventWakeDeactivated  Event = "wake_deactivated"
	EventRecordStarted    Event = "record_started"
	EventRecordStopped    Event = "record_stopped"
	EventTranscribeDone   Event = "transcribe_done"
	EventUploadStarted    Event = "upload_started"
	EventUploadCompleted  Event = "upload_completed"
	EventStreamStarted    Event = "asr_stream_started"
	EventStreamStopped    Event = "asr_stream_stopped"
	EventPlayFeedback     Event = "play_asr_feedback"
	EventFeedbackFinished Event = "feedback_finished"
	EventSessionExpired   Event = "session_expired"
	EventResetSession     Event = "reset_session"
	EventErrorOccurred    Event = "error_occurred"
)

// universalTransitions apply from every state, regardless of strategy.
// error is absorbing except through reset_session (and expiry).
var universalTransitions = map[Event]State{
	EventSessionExpired: StateIdle,
	EventResetSession:   StateIdle,
	EventErrorOccurred:  StateError,
}

// strategyTables holds the strategy-specific transition sets. The busy
// substate models the feedback-playback window and is only entered when
// the coordinator routes play_asr_feedback through the machine.
var strategyTables = map[Strategy][]Transition{
	StrategyBatch: {
		{StateIdle, EventStartListening, StateUploading},
		{StateIdle, EventUploadStarted, StateUploading},
		{StateUploading, EventUploadCompleted, StateTranscribing},
		{StateTranscribing, EventTranscribeDone, StateIdle},
	},
	StrategyNonStreaming: {
		{StateIdle, EventStartListening, StateProcessing},
		{StateProcessing, EventWakeActivated, StateActivated},
		{StateActivated, EventRecordStarted, StateRecording},
		{StateRecording, EventRecordStopped, StateTranscribing},
		{StateTranscribing, EventTranscribeDone, StateActivated},
		{StateActivated, EventWakeDeactivated, StateIdle},
		{StateActivated, EventPlayFeedback, StateBusy},
		{StateBusy, EventFeedbackFinished, StateActivated},
		{StateBusy, EventWakeDeactivated, StateIdle},
	},
	StrategyStreaming: {
		{StateIdle, EventStartListening, StateProcessing},
		{StateProcessing, EventWakeActivated, StateActivated},
		{StateActivated, EventStreamStarted, StateTranscribing},
		{StateTranscribing, EventStreamStopped, StateActivated},
		{StateActivated, EventWakeDeactivated, StateIdle},
		{StateActivated, EventPlayFeedback, StateBusy},
		{StateBusy, EventFeedbackFinished, StateActivated},
		{StateBusy, EventWakeDeactivated, StateIdle},
	},
}
