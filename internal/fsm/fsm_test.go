package fsm_test

import (
	"testing"

	"github.com/MrWong99/asrhub/internal/fsm"
)

func mustMachine(t *testing.T, strategy fsm.Strategy) *fsm.Machine {
	t.Helper()
	m, err := fsm.New(strategy)
	if err != nil {
		t.Fatalf("New(%q) error = %v", strategy, err)
	}
	return m
}

// step triggers ev and fails the test unless the machine lands on want.
func step(t *testing.T, m *fsm.Machine, ev fsm.Event, want fsm.State) {
	t.Helper()
	if !m.Trigger(ev) {
		t.Fatalf("Trigger(%q) = false in state %q", ev, m.State())
	}
	if m.State() != want {
		t.Fatalf("after %q: state = %q, want %q", ev, m.State(), want)
	}
}

func TestNewUnknownStrategy(t *testing.T) {
	if _, err := fsm.New("simultaneous"); err == nil {
		t.Fatal("expected error for unknown strategy, got nil")
	}
}

func TestInitialState(t *testing.T) {
	for _, strategy := range fsm.Strategies() {
		m := mustMachine(t, strategy)
		if m.State() != fsm.StateIdle {
			t.Errorf("%s: initial state = %q, want idle", strategy, m.State())
		}
	}
}

func TestNonStreamingCycle(t *testing.T) {
	m := mustMachine(t, fsm.StrategyNonStreaming)

	step(t, m, fsm.EventStartListening, fsm.StateProcessing)
	step(t, m, fsm.EventWakeActivated, fsm.StateActivated)
	step(t, m, fsm.EventRecordStarted, fsm.StateRecording)
	step(t, m, fsm.EventRecordStopped, fsm.StateTranscribing)
	step(t, m, fsm.EventTranscribeDone, fsm.StateActivated)

	// The session is immediately ready for the next utterance.
	step(t, m, fsm.EventRecordStarted, fsm.StateRecording)
	step(t, m, fsm.EventRecordStopped, fsm.StateTranscribing)
	step(t, m, fsm.EventTranscribeDone, fsm.StateActivated)

	step(t, m, fsm.EventWakeDeactivated, fsm.StateIdle)
}

func TestStreamingCycle(t *testing.T) {
	m := mustMachine(t, fsm.StrategyStreaming)

	step(t, m, fsm.EventStartListening, fsm.StateProcessing)
	step(t, m, fsm.EventWakeActivated, fsm.StateActivated)
	step(t, m, fsm.EventStreamStarted, fsm.StateTranscribing)
	step(t, m, fsm.EventStreamStopped, fsm.StateActivated)
	step(t, m, fsm.EventWakeDeactivated, fsm.StateIdle)
}

func TestBatchCycle(t *testing.T) {
	m := mustMachine(t, fsm.StrategyBatch)

	step(t, m, fsm.EventUploadStarted, fsm.StateUploading)
	step(t, m, fsm.EventUploadCompleted, fsm.StateTranscribing)
	step(t, m, fsm.EventTranscribeDone, fsm.StateIdle)
}

func TestBatchStartListeningEntersUploading(t *testing.T) {
	m := mustMachine(t, fsm.StrategyBatch)
	step(t, m, fsm.EventStartListening, fsm.StateUploading)
}

func TestIllegalEventIsNoOp(t *testing.T) {
	m := mustMachine(t, fsm.StrategyNonStreaming)
	step(t, m, fsm.EventStartListening, fsm.StateProcessing)
	step(t, m, fsm.EventWakeActivated, fsm.StateActivated)
	step(t, m, fsm.EventRecordStarted, fsm.StateRecording)

	// A second wake while recording must be rejected without a state change.
	if m.May(fsm.EventWakeActivated) {
		t.Error("May(wake_activated) = true while recording, want false")
	}
	if m.Trigger(fsm.EventWakeActivated) {
		t.Error("Trigger(wake_activated) = true while recording, want false")
	}
	if m.State() != fsm.StateRecording {
		t.Errorf("state = %q after rejected event, want processing_recording", m.State())
	}

	// So must a stray record_started.
	if m.Trigger(fsm.EventRecordStarted) {
		t.Error("Trigger(record_started) = true while already recording, want false")
	}
}

func TestUniversalTransitions(t *testing.T) {
	states := []struct {
		name  string
		drive []fsm.Event
	}{
		{"from idle", nil},
		{"from processing", []fsm.Event{fsm.EventStartListening}},
		{"from recording", []fsm.Event{fsm.EventStartListening, fsm.EventWakeActivated, fsm.EventRecordStarted}},
	}

	for _, tt := range states {
		t.Run(tt.name, func(t *testing.T) {
			m := mustMachine(t, fsm.StrategyNonStreaming)
			for _, ev := range tt.drive {
				m.Trigger(ev)
			}

			if !m.May(fsm.EventResetSession) {
				t.Error("May(reset_session) = false, want true from any state")
			}
			m2 := mustMachine(t, fsm.StrategyNonStreaming)
			for _, ev := range tt.drive {
				m2.Trigger(ev)
			}
			m2.Trigger(fsm.EventErrorOccurred)
			if m2.State() != fsm.StateError {
				t.Errorf("error_occurred: state = %q, want error", m2.State())
			}

			m.Trigger(fsm.EventSessionExpired)
			if m.State() != fsm.StateIdle {
				t.Errorf("session_expired: state = %q, want idle", m.State())
			}
		})
	}
}

func TestErrorIsAbsorbingUntilReset(t *testing.T) {
	m := mustMachine(t, fsm.StrategyNonStreaming)
	step(t, m, fsm.EventStartListening, fsm.StateProcessing)
	step(t, m, fsm.EventErrorOccurred, fsm.StateError)

	for _, ev := range []fsm.Event{
		fsm.EventStartListening,
		fsm.EventWakeActivated,
		fsm.EventRecordStarted,
		fsm.EventTranscribeDone,
	} {
		if m.Trigger(ev) {
			t.Errorf("Trigger(%q) = true in error state, want false", ev)
		}
	}
	if m.State() != fsm.StateError {
		t.Fatalf("state = %q, want error", m.State())
	}

	step(t, m, fsm.EventResetSession, fsm.StateIdle)
}

func TestTriggerSelfLoopReportsNoChange(t *testing.T) {
	m := mustMachine(t, fsm.StrategyNonStreaming)
	// reset_session from idle targets idle: legal but no state change.
	if !m.May(fsm.EventResetSession) {
		t.Error("May(reset_session) = false in idle, want true")
	}
	if m.Trigger(fsm.EventResetSession) {
		t.Error("Trigger(reset_session) = true in idle, want false (no change)")
	}
}

func TestFeedbackBusyWindow(t *testing.T) {
	m := mustMachine(t, fsm.StrategyNonStreaming)
	step(t, m, fsm.EventStartListening, fsm.StateProcessing)
	step(t, m, fsm.EventWakeActivated, fsm.StateActivated)
	step(t, m, fsm.EventPlayFeedback, fsm.StateBusy)

	// No recording can start while feedback is playing.
	if m.May(fsm.EventRecordStarted) {
		t.Error("May(record_started) = true in busy, want false")
	}

	step(t, m, fsm.EventFeedbackFinished, fsm.StateActivated)
	step(t, m, fsm.EventPlayFeedback, fsm.StateBusy)
	step(t, m, fsm.EventWakeDeactivated, fsm.StateIdle)
}

func TestInProcessing(t *testing.T) {
	tests := []struct {
		state fsm.State
		want  bool
	}{
		{fsm.StateIdle, false},
		{fsm.StateError, false},
		{fsm.StateProcessing, true},
		{fsm.StateActivated, true},
		{fsm.StateRecording, true},
		{fsm.StateTranscribing, true},
		{fsm.StateBusy, true},
		{fsm.StateUploading, true},
	}
	for _, tt := range tests {
		if got := tt.state.InProcessing(); got != tt.want {
			t.Errorf("%q.InProcessing() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestStrategyIsValid(t *testing.T) {
	for _, s := range fsm.Strategies() {
		if !s.IsValid() {
			t.Errorf("%q.IsValid() = false, want true", s)
		}
	}
	if fsm.Strategy("turbo").IsValid() {
		t.Error(`Strategy("turbo").IsValid() = true, want false`)
	}
}
