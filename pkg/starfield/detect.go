package starfield

import (
	"fmt"
	"image"
	"sort"

	"github.com/codahale/hdrhistogram"
	"gonum.org/v1/gonum/stat"

	"github.com/abworrall/starfield-align/pkg/emath"
)

const (
	ThresholdSigma    = "sigma"    // background + Sigma * stddev
	ThresholdFraction = "fraction" // level with only Fraction of pixels above it, plus Bias
)

type DetectorConfig struct {
	Threshold string  // ThresholdSigma or ThresholdFraction
	Sigma     float64 // multiple of the stddev above background
	UseMedian bool    // background is the median rather than the mean
	Fraction  float64 // for ThresholdFraction: fraction of pixels allowed above the level
	Bias      float64 // added to the fraction level, in [0,1] pixel units

	Smooth bool // 3x3 blur before thresholding, helps with noisy frames
	Dilate int  // grow the mask by this many pixels, so split regions of one star merge

	MinPixels int     // components smaller than this are noise / hot pixels
	MaxPixels int     // components bigger than this (e.g. the planet) are dropped; 0 disables
	MinFlux   float64 // components dimmer than this are dropped
	MaxStars  int     // keep just the brightest; 0 keeps all
	MinStars  int     // fewer than this fails the frame; 0 means any star will do
}

func NewDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Threshold: ThresholdSigma,
		Sigma:     3.0,
		Fraction:  0.025,
		Bias:      2.0 / 255.0,
		MinPixels: 2,
		MaxStars:  200,
	}
}

func (c DetectorConfig) Validate() error {
	switch c.Threshold {
	case ThresholdSigma, ThresholdFraction:
	default:
		return fmt.Errorf("detector: no threshold strategy named '%s'", c.Threshold)
	}
	if c.Threshold == ThresholdFraction && (c.Fraction <= 0 || c.Fraction >= 1) {
		return fmt.Errorf("detector: fraction %f not in (0,1)", c.Fraction)
	}
	if c.Dilate < 0 || c.MinPixels < 0 || c.MaxPixels < 0 || c.MaxStars < 0 || c.MinStars < 0 {
		return fmt.Errorf("detector: negative size limits")
	}
	if c.MaxStars > 0 && c.MinStars > c.MaxStars {
		return fmt.Errorf("detector: minstars %d above maxstars %d", c.MinStars, c.MaxStars)
	}
	return nil
}

// A Detector finds stars in a frame. It holds no state beyond its
// config, so one can be shared by many goroutines.
type Detector struct {
	DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{DetectorConfig: cfg}
}

// Detect returns the stars in the frame, brightest first. Finding
// nothing is not an error; the caller decides whether an empty
// PointSet matters (see Check). A frame that fails Validate has no
// stars.
func (d *Detector) Detect(f *Frame) PointSet {
	if f.Validate() != nil {
		return PointSet{}
	}
	return d.DetectGrid(f.Luminance())
}

func (d *Detector) DetectGrid(lum emath.FloatGrid) PointSet {
	if lum.Dx() == 0 || lum.Dy() == 0 {
		return PointSet{}
	}

	// A flat plane has nothing to find, and its stddev is rounding noise
	if min, max := lum.MinMax(); max-min < 1e-9 {
		return PointSet{}
	}

	work := lum
	if d.Smooth {
		work = lum.GaussianBlur()
	}

	thresh, background := d.Levels(&work)
	mask := thresholdMask(&work, thresh)
	if d.Dilate > 0 {
		mask = dilateMask(mask, work.Dx(), work.Dy(), d.Dilate)
	}

	points := PointSet{}
	for _, comp := range connectedComponents(mask, work.Dx(), work.Dy()) {
		if len(comp) < d.MinPixels {
			continue
		}
		if d.MaxPixels > 0 && len(comp) > d.MaxPixels {
			continue
		}
		p := centroid(&lum, comp, background)
		if p.Flux < d.MinFlux {
			continue
		}
		points = append(points, p)
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Flux != points[j].Flux {
			return points[i].Flux > points[j].Flux
		}
		if points[i].Y != points[j].Y {
			return points[i].Y < points[j].Y
		}
		return points[i].X < points[j].X
	})

	if d.MaxStars > 0 && len(points) > d.MaxStars {
		points = points[:d.MaxStars]
	}

	return points
}

// Check turns a detection result into an error if it has too few
// stars to work with.
func (d *Detector) Check(f *Frame, pts PointSet) error {
	if len(pts) == 0 {
		lum := f.Luminance()
		return fmt.Errorf("%w: no stars in %s, luminance %s", ErrEmptyDetection, f, lum.Stats())
	}
	if len(pts) < d.MinStars {
		return fmt.Errorf("%w: %d stars in %s, need %d", ErrTooFewStars, len(pts), f, d.MinStars)
	}
	return nil
}

// Levels returns the level a pixel must exceed to be part of a star,
// and the background level that gets subtracted when weighting
// centroids.
func (d *Detector) Levels(g *emath.FloatGrid) (float64, float64) {
	vals := g.Values()

	mean, std := stat.MeanStdDev(vals, nil)
	background := mean
	if d.UseMedian {
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		background = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}

	if d.Threshold == ThresholdFraction {
		return fractionLevel(vals, d.Fraction) + d.Bias, background
	}

	return background + d.Sigma*std, background
}

// fractionLevel finds the lowest level that has fewer than `fraction`
// of the pixels above it. Values are quantised to 16 bits; the
// histogram can't record zero, so everything is shifted up by one.
func fractionLevel(vals []float64, fraction float64) float64 {
	h := hdrhistogram.New(1, 0x10000, 3)
	for _, v := range vals {
		h.RecordValue(int64(emath.Clamp01(v)*float64(0xFFFF)) + 1)
	}

	level := h.ValueAtQuantile(100.0 * (1.0 - fraction))
	return float64(level-1) / float64(0xFFFF)
}

func thresholdMask(g *emath.FloatGrid, thresh float64) []bool {
	vals := g.Values()
	mask := make([]bool, len(vals))
	for i, v := range vals {
		mask[i] = v > thresh
	}
	return mask
}

// dilateMask grows the mask by a square structuring element of
// (2r+1)x(2r+1), done as a row pass then a column pass.
func dilateMask(mask []bool, w, h, r int) []bool {
	rows := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			for dx := -r; dx <= r; dx++ {
				if xx := x + dx; xx >= 0 && xx < w {
					rows[y*w+xx] = true
				}
			}
		}
	}

	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !rows[y*w+x] {
				continue
			}
			for dy := -r; dy <= r; dy++ {
				if yy := y + dy; yy >= 0 && yy < h {
					out[yy*w+x] = true
				}
			}
		}
	}
	return out
}

// connectedComponents floodfills the 8-connected regions of the mask,
// in raster order of their first pixel.
func connectedComponents(mask []bool, w, h int) [][]image.Point {
	seen := make([]bool, len(mask))
	comps := [][]image.Point{}

	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}

		comp := []image.Point{}
		toVisit := []int{start}
		seen[start] = true
		for len(toVisit) > 0 {
			i := toVisit[len(toVisit)-1]
			toVisit = toVisit[:len(toVisit)-1]
			p := image.Point{i % w, i / w}
			comp = append(comp, p)

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					x, y := p.X+dx, p.Y+dy
					if x < 0 || y < 0 || x >= w || y >= h {
						continue
					}
					if j := y*w + x; mask[j] && !seen[j] {
						seen[j] = true
						toVisit = append(toVisit, j)
					}
				}
			}
		}
		comps = append(comps, comp)
	}

	return comps
}

// centroid computes the intensity weighted centre of a component, with
// weights taken above background. If nothing is above background (can
// happen with dilated masks on flat frames) it falls back to the plain
// mean position.
func centroid(g *emath.FloatGrid, comp []image.Point, background float64) Point {
	p := Point{Pixels: len(comp)}
	sumX, sumY := 0.0, 0.0

	for _, c := range comp {
		v := g.Get(c.X, c.Y)
		if v > p.Peak {
			p.Peak = v
		}
		wt := v - background
		if wt <= 0 {
			continue
		}
		sumX += wt * float64(c.X)
		sumY += wt * float64(c.Y)
		p.Flux += wt
	}

	if p.Flux > 0 {
		p.X = sumX / p.Flux
		p.Y = sumY / p.Flux
		return p
	}

	for _, c := range comp {
		p.X += float64(c.X)
		p.Y += float64(c.Y)
	}
	p.X /= float64(len(comp))
	p.Y /= float64(len(comp))
	return p
}
