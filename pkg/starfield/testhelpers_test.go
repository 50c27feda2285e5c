package starfield

import (
	"math"
	"time"

	"github.com/abworrall/starfield-align/pkg/emath"
)

var (
	// Pairwise at least 25px apart, all within 50px of (80,80).
	testStars = []Point{
		{X: 55, Y: 55, Peak: 1.0},
		{X: 85, Y: 50, Peak: 0.9},
		{X: 115, Y: 65, Peak: 0.8},
		{X: 50, Y: 88, Peak: 0.95},
		{X: 80.3, Y: 82.6, Peak: 0.7},
		{X: 112, Y: 100, Peak: 0.85},
		{X: 70.5, Y: 118.2, Peak: 0.6},
		{X: 100, Y: 125, Peak: 0.75},
	}
	testW, testH             = 160, 160
	testCenterX, testCenterY = 80.0, 80.0
	testEpoch                = time.Date(2015, 7, 13, 5, 0, 0, 0, time.UTC)
)

// starGrid renders gaussian blobs of the given sigma, with amplitude
// Peak, onto a w x h grid.
func starGrid(w, h int, stars []Point, sigma float64) emath.FloatGrid {
	g := emath.NewFloatGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.0
			for _, s := range stars {
				dx, dy := float64(x)-s.X, float64(y)-s.Y
				if dx*dx+dy*dy > 100*sigma*sigma {
					continue
				}
				v += s.Peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
			g.Set(x, y, emath.Clamp01(v))
		}
	}
	return g
}

func starFrame(name string, i int, stars []Point) *Frame {
	return NewFrame(name, testEpoch.Add(time.Duration(i)*time.Minute), starGrid(testW, testH, stars, 1.2))
}

func blankFrame(name string, i int) *Frame {
	return NewFrame(name, testEpoch.Add(time.Duration(i)*time.Minute), emath.NewFloatGrid(testW, testH))
}

// moved maps every star through t.
func moved(stars []Point, t Transform) []Point {
	out := make([]Point, len(stars))
	for i, s := range stars {
		out[i] = s
		out[i].X, out[i].Y = t.Apply(s.X, s.Y)
	}
	return out
}

// nearest returns the distance from p to the closest point in ps.
func nearest(p Point, ps PointSet) float64 {
	best := math.Inf(1)
	for _, q := range ps {
		if d := p.Dist(q); d < best {
			best = d
		}
	}
	return best
}

func testConfig() Config {
	cfg := NewConfig()
	cfg.Matcher.Radius = 14
	cfg.Pipeline.Workers = 3
	return cfg
}
