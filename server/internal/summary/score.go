package summary

import (
	"fmt"
	"math"
)

// Weights of the three score components. They must sum to 1.
type Weights struct {
	A         float64 // normalized metric A mean
	B         float64 // normalized metric B mean
	Stability float64 // 1 - normalized metric A spread
}

// DefaultWeights favour influence, then activity, then stability.
var DefaultWeights = Weights{A: 0.5, B: 0.3, Stability: 0.2}

// Validate reports whether w is usable.
func (w Weights) Validate() error {
	if w.A < 0 || w.B < 0 || w.Stability < 0 {
		return fmt.Errorf("summary: negative weight in %+v", w)
	}
	if sum := w.A + w.B + w.Stability; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("summary: weights sum to %g, want 1", sum)
	}
	return nil
}

// Factors are the normalized inputs of one project's score.
type Factors struct {
	NormA     float64
	NormB     float64
	Stability float64
}

// Score combines f under w, rounded to 4 decimal places.
func Score(f Factors, w Weights) float64 {
	return Round(w.A*f.NormA+w.B*f.NormB+w.Stability*f.Stability, 4)
}

// normalize divides v by peak, with 0 for a non-positive peak.
func normalize(v, peak float64) float64 {
	if peak <= 0 {
		return 0
	}
	return v / peak
}

// nonZero substitutes 1 for a zero peak so an all-zero column normalizes
// to 0 instead of dividing by zero.
func nonZero(peak float64) float64 {
	if peak == 0 {
		return 1
	}
	return peak
}
