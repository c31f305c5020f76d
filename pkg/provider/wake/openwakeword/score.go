package openwakeword

import "time"

// scorer tracks the trailing window of classifier scores for one session
// and applies the detection threshold plus cooldown.
type scorer struct {
	window     []float32
	idx        int
	threshold  float64
	cooldown   time.Duration
	lastDetect time.Time
}

func newScorer(threshold float64, cooldown time.Duration) *scorer {
	return &scorer{
		window:    make([]float32, scoreWindowSize),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// push records a classifier score and reports whether it completes a
// detection at time now. Triggering is based on the window maximum, and
// the window is cleared on detection so one peak cannot fire twice.
func (sc *scorer) push(score float32, now time.Time) (float64, bool) {
	sc.window[sc.idx%scoreWindowSize] = score
	sc.idx++

	var maxScore float32
	for _, s := range sc.window {
		if s > maxScore {
			maxScore = s
		}
	}
	if float64(maxScore) < sc.threshold || now.Sub(sc.lastDetect) <= sc.cooldown {
		return float64(maxScore), false
	}

	sc.lastDetect = now
	for i := range sc.window {
		sc.window[i] = 0
	}
	return float64(maxScore), true
}

// reset clears the score window and the cooldown timer.
func (sc *scorer) reset() {
	for i := range sc.window {
		sc.window[i] = 0
	}
	sc.idx = 0
	sc.lastDetect = time.Time{}
}
