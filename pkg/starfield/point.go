package starfield

import (
	"fmt"
	"math"
)

// A Point is one detected source: its flux-weighted centroid, total
// flux above background, the brightest pixel, and how many pixels it
// covered.
type Point struct {
	X, Y   float64
	Flux   float64
	Peak   float64
	Pixels int
}

func (p Point) Dist(q Point) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

func (p Point) String() string {
	return fmt.Sprintf("(%7.2f,%7.2f flux=%.3f n=%d)", p.X, p.Y, p.Flux, p.Pixels)
}

// A PointSet holds all the points detected in one frame, brightest
// first. It is never modified after the detector returns it.
type PointSet []Point

func (ps PointSet) String() string {
	str := fmt.Sprintf("PointSet[%d\n", len(ps))
	for i, p := range ps {
		str += fmt.Sprintf("  %3d %s\n", i, p)
	}
	return str + "]"
}

// Transformed maps every point through t, for comparing star fields
// across frames.
func (ps PointSet) Transformed(t Transform) PointSet {
	out := make(PointSet, len(ps))
	for i, p := range ps {
		out[i] = p
		out[i].X, out[i].Y = t.Apply(p.X, p.Y)
	}
	return out
}

// A Correspondence asserts that a point in the candidate frame and a
// point in the reference frame are the same star.
type Correspondence struct {
	Candidate      Point
	Reference      Point
	CandidateIndex int
	ReferenceIndex int
	Distance       float64
}
