package framesource

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"
)

var (
	testEpoch = time.Date(2015, 7, 13, 5, 0, 0, 0, time.UTC)

	// Pairwise well separated, within 45px of (64,64)
	testStars = [][3]float64{
		{40, 40, 1.0}, {70, 35, 0.9}, {95, 55, 0.8}, {38, 75, 0.95},
		{66, 68, 0.7}, {92, 88, 0.85}, {55, 100, 0.6},
	}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// starImage renders testStars, shifted by (dx,dy), as gaussian blobs.
func starImage(dx, dy float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			v := 0.0
			for _, s := range testStars {
				ddx, ddy := float64(x)-s[0]-dx, float64(y)-s[1]-dy
				v += s[2] * math.Exp(-(ddx*ddx+ddy*ddy)/(2*1.2*1.2))
			}
			v = math.Min(v, 1)
			img.SetGray16(x, y, color.Gray16{Y: uint16(v * 0xFFFF)})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, filename string, contents []byte) {
	t.Helper()
	if err := os.WriteFile(filename, contents, 0644); err != nil {
		t.Fatal(err)
	}
}
