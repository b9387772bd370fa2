// Package trend classifies a short window of radar observations as an
// approach, a retreat, or neither. Instantaneous speed readings from the
// sensor are too noisy to act on; a least-squares fit over a few real
// samples is robust to single-frame glitches while still reacting within a
// handful of sensor periods.
package trend

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Classification is the analyzer's verdict for one window.
type Classification int

const (
	// Neutral means the window is inconclusive: too few samples or motion
	// within the noise band. Callers keep their current intent on Neutral
	// rather than flapping.
	Neutral Classification = iota

	// Coming means the subject is closing distance on the expected
	// approach side.
	Coming

	// Leaving means the subject is moving away, or closing distance on the
	// wrong side (already inside, walking past).
	Leaving
)

func (c Classification) String() string {
	switch c {
	case Coming:
		return "COMING"
	case Leaving:
		return "LEAVING"
	default:
		return "NEUTRAL"
	}
}

// Sample is one radar observation as the analyzer sees it. Coordinates are
// millimetres in the sensor frame.
type Sample struct {
	Time time.Time
	X    int16
	Y    int16
}

// Window is a bounded FIFO of the most recent samples.
type Window struct {
	size    int
	samples []Sample
}

// NewWindow returns a window keeping the last size samples.
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{size: size}
}

// Push appends a sample, evicting the oldest when full.
func (w *Window) Push(s Sample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.size {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:w.size]
	}
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return len(w.samples) }

// Size returns the configured capacity.
func (w *Window) Size() int { return w.size }

// Full reports whether the window holds its full complement of samples.
func (w *Window) Full() bool { return len(w.samples) >= w.size }

// Clear empties the window.
func (w *Window) Clear() { w.samples = w.samples[:0] }

// Samples returns the held samples oldest first. The slice is shared; the
// caller must not mutate it.
func (w *Window) Samples() []Sample { return w.samples }

// Analyzer holds the tunables of the classification.
type Analyzer struct {
	// NoiseThresholdCmPerS is the band, in cm/s, within which the fitted
	// rate of approach is treated as jitter.
	NoiseThresholdCmPerS float64

	// ExpectedSide is the sign of x (+1 or -1) on which a genuine approach
	// toward the door happens.
	ExpectedSide int
}

// Classify fits a line to (time, y) over the window and maps the slope to a
// verdict. A window that is not yet full is always Neutral.
func (a Analyzer) Classify(w *Window) Classification {
	if !w.Full() {
		return Neutral
	}
	samples := w.Samples()

	ts := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	xs := make([]float64, len(samples))
	t0 := samples[0].Time
	for i, s := range samples {
		ts[i] = s.Time.Sub(t0).Seconds()
		ys[i] = float64(s.Y)
		xs[i] = float64(s.X)
	}

	// Slope of y over time, mm/s. Negative means closing distance.
	_, slope := stat.LinearRegression(ts, ys, nil, false)
	threshold := a.NoiseThresholdCmPerS * 10 // cm/s to mm/s

	switch {
	case slope < -threshold:
		meanX := stat.Mean(xs, nil)
		if onSide(meanX, a.ExpectedSide) {
			return Coming
		}
		// Closing distance on the wrong side: someone already past the
		// door, not an approach.
		return Leaving
	case slope > threshold:
		return Leaving
	default:
		return Neutral
	}
}

func onSide(x float64, side int) bool {
	if side < 0 {
		return x < 0
	}
	return x > 0
}
