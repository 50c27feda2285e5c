package framesource

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/tiff"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

// FilenameLayout is how frames are named on disk, both in the download
// cache and in the output dir; the timestamp can be recovered from it.
const FilenameLayout = "2006-01-02_150405_MST"

// IsImageFile is true for the extensions we know how to decode.
func IsImageFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff", ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// LoadFrame decodes an image file into a frame, and works out when it
// was taken.
func LoadFrame(filename string) (*starfield.Frame, error) {
	img, err := decodeImage(filename)
	if err != nil {
		return nil, err
	}

	ts, err := frameTimestamp(filename)
	if err != nil {
		return nil, err
	}

	return starfield.FrameFromImage(img, filepath.Base(filename), ts), nil
}

func decodeImage(filename string) (image.Image, error) {
	reader, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open '%s': %w", filename, err)
	}
	defer reader.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tif", ".tiff":
		img, err := tiff.Decode(reader)
		if err != nil {
			return nil, fmt.Errorf("tiff decode '%s': %w", filename, err)
		}
		return img, nil
	}

	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("decode '%s': %w", filename, err)
	}
	return img, nil
}

// frameTimestamp tries, in order: the EXIF DateTime, a timestamp in the
// filename (FilenameLayout), and the file's mtime.
func frameTimestamp(filename string) (time.Time, error) {
	if ts, ok := exifTimestamp(filename); ok {
		return ts, nil
	}

	if ts, ok := ParseFilenameTimestamp(filename); ok {
		return ts, nil
	}

	info, err := os.Stat(filename)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat '%s': %w", filename, err)
	}
	return info.ModTime().UTC(), nil
}

func exifTimestamp(filename string) (time.Time, bool) {
	reader, err := os.Open(filename)
	if err != nil {
		return time.Time{}, false
	}
	defer reader.Close()

	ex, err := exif.Decode(reader)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := ex.DateTime()
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

// ParseFilenameTimestamp pulls a FilenameLayout timestamp out of the
// base of the filename, ignoring the extension and any numeric "-NNNN"
// suffix the Writer added to keep names unique.
func ParseFilenameTimestamp(filename string) (time.Time, bool) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	ts, err := time.Parse(FilenameLayout, base)
	if err != nil {
		i := strings.LastIndex(base, "-")
		if i < 0 || !isDigits(base[i+1:]) {
			return time.Time{}, false
		}
		if ts, err = time.Parse(FilenameLayout, base[:i]); err != nil {
			return time.Time{}, false
		}
	}
	return ts.UTC(), true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TimestampFilename is the inverse of ParseFilenameTimestamp.
func TimestampFilename(ts time.Time, ext string) string {
	return ts.UTC().Format(FilenameLayout) + ext
}
