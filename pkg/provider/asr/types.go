package asr

import "time"

// Result represents a speech recognition result for one utterance.
type Result struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the BCP-47 language code of the recognized speech, when the
	// backend reports or was configured with one.
	Language string

	// Duration is the length of the audio that produced this result. Zero if
	// the backend could not determine it.
	Duration time.Duration

	// Confidence is the overall confidence score (0.0 to 1.0). Zero if the
	// backend does not report confidence.
	Confidence float64

	// Provider names the backend that produced the result.
	Provider string

	// Segments contains per-segment timing detail when the backend supports
	// it. May be nil.
	Segments []Segment
}

// Segment holds per-segment metadata from backends that report it.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}
