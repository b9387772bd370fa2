package radar

import (
	"fmt"
	"math"
	"time"
)

// Target is a single decoded radar observation. Coordinates are millimetres
// in the sensor plane (y points away from the sensor, x across it); speed is
// cm/s, negative toward the sensor. Distance and angle are derived, not
// stored. A Target is immutable once constructed.
type Target struct {
	X          int16     // mm
	Y          int16     // mm
	Speed      int16     // cm/s
	Resolution uint16    // distance resolution reported by the sensor, mm
	Time       time.Time // monotonic reception instant
}

// Distance returns the straight-line range to the target in millimetres.
func (t Target) Distance() float64 {
	return math.Hypot(float64(t.X), float64(t.Y))
}

// Angle returns the bearing in degrees, zero straight ahead, positive toward
// positive x.
func (t Target) Angle() float64 {
	return math.Atan2(float64(t.X), float64(t.Y)) * 180 / math.Pi
}

func (t Target) String() string {
	return fmt.Sprintf("Target(x=%dmm, y=%dmm, speed=%dcm/s, distance=%.1fmm, angle=%.1f°)",
		t.X, t.Y, t.Speed, t.Distance(), t.Angle())
}
