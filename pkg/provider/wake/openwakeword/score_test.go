package openwakeword

import (
	"testing"
	"time"
)

func TestScorerTriggersOnWindowMax(t *testing.T) {
	sc := newScorer(0.5, time.Second)
	now := time.Now()

	if _, hit := sc.push(0.2, now); hit {
		t.Fatal("score below threshold should not trigger")
	}
	maxScore, hit := sc.push(0.8, now.Add(80*time.Millisecond))
	if !hit {
		t.Fatal("score above threshold should trigger")
	}
	if maxScore < 0.79 {
		t.Fatalf("got max score %v, want ~0.8", maxScore)
	}
}

func TestScorerPeakLingersInWindow(t *testing.T) {
	// Threshold above the peak so nothing triggers and the window is
	// never cleared.
	sc := newScorer(0.95, time.Second)
	now := time.Now()

	sc.push(0.9, now)
	for i := 1; i < scoreWindowSize; i++ {
		maxScore, _ := sc.push(0.1, now.Add(time.Duration(i)*80*time.Millisecond))
		if maxScore < 0.89 {
			t.Fatalf("push %d: got max %v, want the lingering 0.9 peak", i, maxScore)
		}
	}

	// One more push rotates the peak out of the window.
	maxScore, _ := sc.push(0.1, now.Add(time.Second))
	if maxScore > 0.2 {
		t.Fatalf("got max %v, want the peak rotated out", maxScore)
	}
}

func TestScorerClearsWindowOnDetection(t *testing.T) {
	sc := newScorer(0.5, time.Nanosecond)
	now := time.Now()

	if _, hit := sc.push(0.9, now); !hit {
		t.Fatal("expected detection")
	}
	maxScore, hit := sc.push(0.1, now.Add(time.Millisecond))
	if hit {
		t.Fatal("cleared window should not re-trigger on the old peak")
	}
	if maxScore >= 0.5 {
		t.Fatalf("window should be cleared after detection, got max %v", maxScore)
	}
}

func TestScorerCooldownSuppresses(t *testing.T) {
	sc := newScorer(0.5, time.Second)
	now := time.Now()

	if _, hit := sc.push(0.9, now); !hit {
		t.Fatal("expected first detection")
	}
	if _, hit := sc.push(0.9, now.Add(100*time.Millisecond)); hit {
		t.Fatal("detection inside the cooldown window should be suppressed")
	}
	if _, hit := sc.push(0.9, now.Add(1100*time.Millisecond)); !hit {
		t.Fatal("expected detection after the cooldown expired")
	}
}

func TestScorerResetClearsCooldown(t *testing.T) {
	sc := newScorer(0.5, time.Second)
	now := time.Now()

	if _, hit := sc.push(0.9, now); !hit {
		t.Fatal("expected detection")
	}
	sc.reset()
	if _, hit := sc.push(0.9, now.Add(time.Millisecond)); !hit {
		t.Fatal("reset should clear the cooldown")
	}
}
