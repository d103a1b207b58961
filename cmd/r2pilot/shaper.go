package main

import "math"

// MotionConfig holds the axis shaping parameters.
//
// ScaleFactor is the only field that changes at runtime (speed-adjust gestures
// and IPC); the control loop owns the live value and passes copies here.
type MotionConfig struct {
	ScaleFactor float64 // 0 < s <= 1
	Invert      float64 // +1 or -1
	Deadband    float64 // 0 <= d < 1
	Curve       float64 // 0 < c <= 1, blend between cubic and linear response
	AccelRate   float64 // max dome speed change per tick
	DomeLimit   float64 // absolute bound on dome output
}

// clampUnit bounds raw to [-1, 1] and reports whether it had to.
func clampUnit(raw float64) (float64, bool) {
	switch {
	case raw > 1:
		return 1, true
	case raw < -1:
		return -1, true
	case math.IsNaN(raw):
		return 0, true
	default:
		return raw, false
	}
}

// curveStep applies the response curve c*r^3 + (1-c)*r.
// It is odd-symmetric and maps [-1, 1] onto [-1, 1] for 0 <= c <= 1.
func curveStep(r, curve float64) float64 {
	return curve*r*r*r + (1-curve)*r
}

// shapeUnit clamps, applies the deadband and then the response curve.
func shapeUnit(raw float64, cfg MotionConfig) (float64, bool) {
	r, clamped := clampUnit(raw)
	if math.Abs(r) < cfg.Deadband {
		return 0, clamped
	}
	return curveStep(r, cfg.Curve), clamped
}

// ShapeAxis converts a raw drive/turn sample into a motor command:
// deadband, response curve, then scale and inversion.
func ShapeAxis(raw float64, cfg MotionConfig) (float64, bool) {
	shaped, clamped := shapeUnit(raw, cfg)
	if shaped == 0 {
		return 0, clamped
	}
	return shaped * cfg.ScaleFactor * cfg.Invert, clamped
}

// ShapeDome converts a raw dome sample into the desired dome speed. The dome is
// not scaled by the speed factor; it is bounded to DomeLimit instead.
func ShapeDome(raw float64, cfg MotionConfig) (float64, bool) {
	shaped, clamped := shapeUnit(raw, cfg)
	if cfg.DomeLimit > 0 {
		shaped = math.Max(-cfg.DomeLimit, math.Min(cfg.DomeLimit, shaped))
	}
	return shaped, clamped
}

// slew moves previous toward desired by at most rate. It never overshoots, so a
// constant desired value is reached exactly and then held.
func slew(desired, previous, rate float64) float64 {
	switch {
	case desired > previous:
		return math.Min(previous+rate, desired)
	case desired < previous:
		return math.Max(previous-rate, desired)
	default:
		return previous
	}
}

// DomeSlew is the acceleration-limited dome speed. Target is set from axis events;
// Step advances Speed by one tick.
type DomeSlew struct {
	Speed  float64
	Target float64
}

// Step advances Speed one tick toward Target and reports whether it changed.
func (d *DomeSlew) Step(rate float64) (float64, bool) {
	next := slew(d.Target, d.Speed, rate)
	changed := next != d.Speed
	d.Speed = next
	return next, changed
}

// Reset zeroes both the target and the current speed.
func (d *DomeSlew) Reset() {
	d.Speed = 0
	d.Target = 0
}

// roundScale trims float drift from repeated +/- steps (0.35+0.05 -> 0.4).
func roundScale(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
