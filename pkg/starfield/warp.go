package starfield

import (
	"github.com/abworrall/starfield-align/pkg/emath"
)

type ResamplerConfig struct {
	Background float64 // value for output pixels that map to outside the source frame
}

// A Resampler warps frames into the reference frame's coordinates.
type Resampler struct {
	ResamplerConfig
}

func NewResampler(cfg ResamplerConfig) *Resampler {
	return &Resampler{ResamplerConfig: cfg}
}

// Warp builds a w x h frame, where each output pixel is the source
// sampled (bilinearly) at the inverse-mapped position. The identity
// transform just copies pixels across.
func (r *Resampler) Warp(f *Frame, t Transform, w, h int) (*Frame, error) {
	out := &Frame{Name: f.Name, Timestamp: f.Timestamp}

	if t.IsIdentity(1e-12) {
		for i := range f.Channels {
			out.Channels = append(out.Channels, r.copyChannel(&f.Channels[i], w, h))
		}
		return out, nil
	}

	inv, err := t.Inverse()
	if err != nil {
		return nil, err
	}

	for i := range f.Channels {
		src := &f.Channels[i]
		dst := emath.NewFloatGrid(w, h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := inv.Apply(float64(x), float64(y))
				dst.Set(x, y, src.Bilinear(sx, sy, r.Background))
			}
		}
		out.Channels = append(out.Channels, dst)
	}

	return out, nil
}

func (r *Resampler) copyChannel(src *emath.FloatGrid, w, h int) emath.FloatGrid {
	dst := emath.NewFloatGrid(w, h)
	dst.Fill(r.Background)
	for y := 0; y < h && y < src.Dy(); y++ {
		for x := 0; x < w && x < src.Dx(); x++ {
			dst.Set(x, y, src.Get(x, y))
		}
	}
	return dst
}
