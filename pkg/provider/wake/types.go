package wake

// Detection is a single wake-word hit reported by a session.
type Detection struct {
	// Keyword is the name of the detected wake word.
	Keyword string

	// Score is the classifier confidence in the range [0.0, 1.0] at the
	// moment the detection fired.
	Score float64
}
