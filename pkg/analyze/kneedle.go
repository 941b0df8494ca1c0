package analyze

import (
	"sort"
)

// Point is one measurement of a scaling curve: X is the load applied (workers),
// Y what it bought (IOPS).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FindKnee returns the point of maximum curvature by the Kneedle method. It
// assumes a concave curve, rising and then flattening as the device saturates.
// points is sorted by X in place.
func FindKnee(points []Point) Point {
	if len(points) < 3 {
		if len(points) > 0 {
			return points[len(points)-1]
		}
		return Point{}
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].X < points[j].X
	})

	minX, maxX := points[0].X, points[len(points)-1].X
	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points {
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	if maxX == minX || maxY == minY {
		return points[len(points)-1]
	}

	// In normalized space the chord from first to last point is y = x; the
	// knee sits furthest above it.
	maxDist := -1.0
	var knee Point
	for _, p := range points {
		xNorm := (p.X - minX) / (maxX - minX)
		yNorm := (p.Y - minY) / (maxY - minY)
		if dist := yNorm - xNorm; dist > maxDist {
			maxDist = dist
			knee = p
		}
	}
	return knee
}
