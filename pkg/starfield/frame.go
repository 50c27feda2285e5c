package starfield

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"golang.org/x/image/draw" // replace by "image/draw" at some point

	"github.com/abworrall/starfield-align/pkg/emath"
)

// A Frame is one exposure: one (gray) or three (RGB) channels of
// floats in [0.0, 1.0], plus when it was taken. Frames are not mutated
// once built; every stage that changes pixels makes a new one.
type Frame struct {
	Name      string
	Timestamp time.Time
	Channels  []emath.FloatGrid
}

func NewFrame(name string, ts time.Time, channels ...emath.FloatGrid) *Frame {
	return &Frame{Name: name, Timestamp: ts, Channels: channels}
}

// FrameFromImage converts a decoded image. Gray images give a single
// channel frame, anything else gives R,G,B channels.
func FrameFromImage(img image.Image, name string, ts time.Time) *Frame {
	b := img.Bounds()

	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		g := emath.NewFloatGrid(b.Dx(), b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v, _, _, _ := img.At(x, y).RGBA()
				g.Set(x-b.Min.X, y-b.Min.Y, float64(v)/float64(0xFFFF))
			}
		}
		return NewFrame(name, ts, g)
	}

	rgba := image.NewRGBA64(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	r := emath.NewFloatGrid(b.Dx(), b.Dy())
	g := emath.NewFloatGrid(b.Dx(), b.Dy())
	bl := emath.NewFloatGrid(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := rgba.RGBA64At(x, y)
			r.Set(x, y, float64(c.R)/float64(0xFFFF))
			g.Set(x, y, float64(c.G)/float64(0xFFFF))
			bl.Set(x, y, float64(c.B)/float64(0xFFFF))
		}
	}
	return NewFrame(name, ts, r, g, bl)
}

func (f *Frame) Dx() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return f.Channels[0].Dx()
}

func (f *Frame) Dy() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return f.Channels[0].Dy()
}

func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Dx(), f.Dy()) }

func (f *Frame) String() string {
	return fmt.Sprintf("%s[%dx%dx%d @%s]", f.Name, f.Dx(), f.Dy(), len(f.Channels), f.Timestamp.UTC().Format(time.RFC3339))
}

// Luminance returns the plane used for star detection. For anything
// but an RGB frame this is the first channel itself (callers must not
// write to it); RGB frames get the usual luma weighting.
func (f *Frame) Luminance() emath.FloatGrid {
	if len(f.Channels) == 0 {
		return emath.FloatGrid{}
	}
	if len(f.Channels) != 3 {
		return f.Channels[0]
	}

	lum := f.Channels[0].NewFromThis()
	rv, gv, bv := f.Channels[0].Values(), f.Channels[1].Values(), f.Channels[2].Values()
	out := lum.Values()
	for i := range out {
		out[i] = rv[i]*0.2989 + gv[i]*0.5870 + bv[i]*0.1140
	}
	return lum
}

// Validate checks that the frame has pixels, and that all its channels
// are the same size.
func (f *Frame) Validate() error {
	if len(f.Channels) == 0 {
		return fmt.Errorf("%w: %s has no channels", ErrEmptyFrame, f.Name)
	}
	w, h := f.Dx(), f.Dy()
	if w == 0 || h == 0 {
		return fmt.Errorf("%w: %s is %dx%d", ErrEmptyFrame, f.Name, w, h)
	}
	for i := range f.Channels {
		if f.Channels[i].Dx() != w || f.Channels[i].Dy() != h {
			return fmt.Errorf("%w: %s channel %d is %dx%d, not %dx%d", ErrEmptyFrame, f.Name, i,
				f.Channels[i].Dx(), f.Channels[i].Dy(), w, h)
		}
	}
	return nil
}

// Crop returns a new frame holding just the pixels inside r. An empty
// rectangle means "the whole frame". The rectangle must lie inside the
// frame, and the frame must pass Validate.
func (f *Frame) Crop(r image.Rectangle) (*Frame, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if r.Empty() {
		return f, nil
	}
	if !r.In(f.Bounds()) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrCropOutside, r, f.Bounds())
	}

	out := &Frame{Name: f.Name, Timestamp: f.Timestamp}
	for i := range f.Channels {
		out.Channels = append(out.Channels, f.Channels[i].SubGrid(r))
	}
	return out, nil
}

// Image renders the frame as a 16 bit image, for handing to encoders.
func (f *Frame) Image() image.Image {
	b := f.Bounds()

	if len(f.Channels) != 3 {
		img := image.NewGray16(b)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				img.SetGray16(x, y, color.Gray16{Y: to16(f.Channels[0].Get(x, y))})
			}
		}
		return img
	}

	img := image.NewRGBA64(b)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			img.SetRGBA64(x, y, color.RGBA64{
				R: to16(f.Channels[0].Get(x, y)),
				G: to16(f.Channels[1].Get(x, y)),
				B: to16(f.Channels[2].Get(x, y)),
				A: 0xFFFF,
			})
		}
	}
	return img
}

func to16(v float64) uint16 { return uint16(emath.Clamp01(v)*float64(0xFFFF) + 0.5) }
