package starfield

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Debug renders. These are only written when Config.DebugDir is set,
// and are for eyeballing what the detector and estimator did.

// markerColor spreads colours round the hue wheel, so brightness rank
// is visible at a glance: the brightest stars are red, the dimmest
// towards blue.
func markerColor(rank, n int) colorful.Color {
	if n < 2 {
		return colorful.Hsv(0, 0.9, 1.0)
	}
	return colorful.Hsv(240.0*float64(rank)/float64(n-1), 0.9, 1.0)
}

// WriteStarOverlay draws a circle on every detected star, sized by
// its footprint.
func WriteStarOverlay(filename string, f *Frame, pts PointSet) error {
	lum := f.Luminance()
	if len(pts) == 0 {
		return lum.ToImg(fmt.Sprintf("%s: no stars, %s", f.Name, lum.Stats()), filename)
	}

	dc := gg.NewContextForImage(lum.ToGray())
	dc.SetLineWidth(1)

	for i, p := range pts {
		dc.SetColor(markerColor(i, len(pts)))
		dc.DrawCircle(p.X, p.Y, 3+math.Sqrt(float64(p.Pixels)))
		dc.Stroke()
	}

	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("%s: %d stars", f.Name, len(pts)), 10, 20)

	return dc.SavePNG(filename)
}

// WriteMatchOverlay draws the reference stars, and for each
// correspondence a line from where the transform puts the candidate
// star to the reference star it was paired with. Inliers are green,
// outliers red.
func WriteMatchOverlay(filename string, ref *Frame, refPts PointSet, corrs []Correspondence, t Transform, tol float64) error {
	lum := ref.Luminance()
	dc := gg.NewContextForImage(lum.ToGray())
	dc.SetLineWidth(1)

	dc.SetRGB(0.3, 0.5, 1)
	for _, p := range refPts {
		dc.DrawCircle(p.X, p.Y, 5)
		dc.Stroke()
	}

	inlier := colorful.Hsv(120, 0.9, 1.0)
	outlier := colorful.Hsv(0, 0.9, 1.0)
	for _, c := range corrs {
		x, y := t.Apply(c.Candidate.X, c.Candidate.Y)
		if residual(t, c) <= tol {
			dc.SetColor(inlier)
		} else {
			dc.SetColor(outlier)
		}
		dc.DrawLine(x, y, c.Reference.X, c.Reference.Y)
		dc.Stroke()
		dc.DrawCircle(x, y, 2)
		dc.Stroke()
	}

	dc.SetRGB(1, 1, 1)
	dc.DrawString(t.String(), 10, 20)

	return dc.SavePNG(filename)
}

func (a *Aligner) debugFilename(stem string, index int, name string) (string, error) {
	if err := os.MkdirAll(a.Config.DebugDir, 0755); err != nil {
		return "", fmt.Errorf("debugdir: %w", err)
	}
	base := filepath.Base(name)
	base = base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(a.Config.DebugDir, fmt.Sprintf("%04d-%s-%s.png", index, base, stem)), nil
}

// writeDebug is best effort; a failed debug render never fails a frame.
func (a *Aligner) writeDebug(task *frameTask, ref *frameTask, corrs []Correspondence) {
	if a.Config.DebugDir == "" {
		return
	}

	if fn, err := a.debugFilename("stars", task.index, task.name); err == nil {
		if err := WriteStarOverlay(fn, task.cropped, task.points); err != nil {
			a.log().Debug("star overlay failed", "frame", task.index, "error", err)
		}
	}

	if ref == nil || task.err != nil {
		return
	}
	if fn, err := a.debugFilename("match", task.index, task.name); err == nil {
		if err := WriteMatchOverlay(fn, ref.cropped, ref.points, corrs, task.transform, a.Config.Estimator.Tolerance); err != nil {
			a.log().Debug("match overlay failed", "frame", task.index, "error", err)
		}
	}
}
