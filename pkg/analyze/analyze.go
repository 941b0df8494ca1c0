// Package analyze finds the transitions in a worker-scaling curve.
package analyze

import "math"

// Analysis identifies key transition points in the performance curve.
type Analysis struct {
	Knee            Point   `json:"knee"`             // Maximum curvature
	LinearLimit     Point   `json:"linear_limit"`     // Last point before gains fall off the initial slope
	SaturationPoint Point   `json:"saturation_point"` // Where gains stop entirely
	Confidence      float64 `json:"confidence"`
}

type Detector struct {
	LinearThreshold float64 // Fraction of the initial slope that ends the linear region
	SatThreshold    float64 // Fraction of the initial slope that counts as flat
}

// DefaultDetector ends the linear region at half the initial slope and calls
// the curve saturated at 5% of it.
var DefaultDetector = Detector{LinearThreshold: 0.5, SatThreshold: 0.05}

// Analyze processes points ordered by X (load) and finds where the curve
// leaves its initial linear growth and where it plateaus. Zero points mean the
// transition was not reached.
func (d Detector) Analyze(points []Point) Analysis {
	a := Analysis{Confidence: CalculateConfidence(points)}
	if len(points) < 3 {
		return a
	}
	a.Knee = FindKnee(append([]Point(nil), points...))

	slope := func(i int) float64 {
		dx := points[i].X - points[i-1].X
		if dx == 0 {
			return 0
		}
		return (points[i].Y - points[i-1].Y) / dx
	}
	initialSlope := slope(1)
	if initialSlope <= 0 {
		return a
	}

	linearFound, satFound := false, false
	for i := 2; i < len(points); i++ {
		current := slope(i)
		if !linearFound && current < initialSlope*d.LinearThreshold {
			a.LinearLimit = points[i-1]
			linearFound = true
		}

		// Average with the previous slope so one noisy point does not end the search.
		avg := current
		if i >= 3 {
			avg = (current + slope(i-1)) / 2
		}
		if !satFound && avg < initialSlope*d.SatThreshold {
			a.SaturationPoint = points[i-1]
			satFound = true
		}
	}
	return a
}

// CalculateConfidence returns a value between 0 and 1 for how monotonic the
// curve is. Each drop in Y costs an equal share.
func CalculateConfidence(points []Point) float64 {
	if len(points) < 3 {
		return 0
	}
	violations := 0
	for i := 1; i < len(points); i++ {
		if points[i].Y < points[i-1].Y {
			violations++
		}
	}
	return math.Max(0, 1.0-float64(violations)/float64(len(points)))
}
