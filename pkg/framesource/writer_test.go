package framesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

func alignedDir(t *testing.T) *starfield.Result {
	t.Helper()
	res, err := starfield.NewAligner(starfield.NewConfig(), quietLogger()).AlignSource(context.Background(), NewDirSource(starDir(t, 3)), starfield.TimeRange{}, image.Rectangle{})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWriterWriteResult(t *testing.T) {
	res := alignedDir(t)
	cfg := starfield.NewConfig()

	for _, format := range []string{"", "png", "tiff"} {
		dir := filepath.Join(t.TempDir(), "out")
		w, err := NewWriter(dir, format)
		if err != nil {
			t.Fatal(err)
		}

		files, err := w.WriteResult(res, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != len(res.Frames) {
			t.Fatalf("%q: wrote %d files for %d frames", format, len(files), len(res.Frames))
		}

		for i, fn := range files {
			if _, ok := ParseFilenameTimestamp(fn); !ok {
				t.Errorf("%q: %s isn't named by timestamp", format, fn)
			}
			f, err := LoadFrame(fn)
			if err != nil {
				t.Fatalf("%q: reading back %s: %v", format, fn, err)
			}
			if f.Dx() != 128 || f.Dy() != 128 || !f.Timestamp.Equal(res.Frames[i].Timestamp) {
				t.Errorf("%q: read back %s", format, f)
			}
		}

		rep, err := LoadReport(filepath.Join(dir, ReportFilename))
		if err != nil {
			t.Fatal(err)
		}
		if len(rep.Aligned) != len(res.Frames) || len(rep.Skipped) != 1 {
			t.Errorf("%q: report has %d aligned, %d skipped", format, len(rep.Aligned), len(rep.Skipped))
		}
		if rep.Skipped[0].Reason != string(starfield.ReasonFetchFailure) || rep.Skipped[0].Error == "" {
			t.Errorf("%q: report skip %+v", format, rep.Skipped[0])
		}
		if rep.Aligned[1].File != filepath.Base(files[1]) || rep.Aligned[1].Inliers == 0 {
			t.Errorf("%q: report frame %+v", format, rep.Aligned[1])
		}
		if rep.Config.Estimator != cfg.Estimator {
			t.Errorf("%q: report config %+v", format, rep.Config.Estimator)
		}
	}
}

func TestNewWriterBadFormat(t *testing.T) {
	if _, err := NewWriter(t.TempDir(), "gif"); err == nil {
		t.Errorf("gif accepted")
	}
}

func TestLoadReportErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadReport(filepath.Join(dir, "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing report: %v", err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, []byte("aligned: {{"))
	if _, err := LoadReport(bad); err == nil {
		t.Errorf("garbled report parsed")
	}
}

func TestWriterStacks(t *testing.T) {
	res := alignedDir(t)
	cfg := starfield.NewConfig()

	tests := []struct {
		interval time.Duration
		want     [][]int
	}{
		{time.Minute, [][]int{{0, 1, 3}}},
		{30 * time.Second, [][]int{{0}, {1}, {3}}},
	}
	for _, tt := range tests {
		dir := filepath.Join(t.TempDir(), "stacked")
		w, err := NewWriter(dir, "png")
		if err != nil {
			t.Fatal(err)
		}
		cfg.Pipeline.StackInterval = tt.interval

		files, err := w.WriteResult(res, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != len(tt.want) {
			t.Fatalf("%s: wrote %d files, want %d", tt.interval, len(files), len(tt.want))
		}

		rep, err := LoadReport(filepath.Join(dir, ReportFilename))
		if err != nil {
			t.Fatal(err)
		}
		if len(rep.Stacks) != len(tt.want) || len(rep.Aligned) != len(res.Frames) {
			t.Fatalf("%s: report has %d stacks, %d aligned", tt.interval, len(rep.Stacks), len(rep.Aligned))
		}
		for i, st := range rep.Stacks {
			if !reflect.DeepEqual(st.Frames, tt.want[i]) || st.File != filepath.Base(files[i]) {
				t.Errorf("%s: stack %d is %+v", tt.interval, i, st)
			}
		}
		for _, rf := range rep.Aligned {
			if rf.File == "" {
				t.Errorf("%s: frame %d has no file", tt.interval, rf.Index)
			}
		}

		// The last frame's timestamp names the stack
		last := res.Frames[len(res.Frames)-1]
		f, err := LoadFrame(files[len(files)-1])
		if err != nil {
			t.Fatal(err)
		}
		if !f.Timestamp.Equal(last.Timestamp) || f.Dx() != 128 {
			t.Errorf("%s: read back %s", tt.interval, f)
		}
	}
}

func TestWriterUniqueNames(t *testing.T) {
	aligned := func(i int, ts time.Time) starfield.AlignedFrame {
		f := starfield.FrameFromImage(starImage(float64(i), 0), fmt.Sprintf("f%d", i), ts)
		return starfield.AlignedFrame{Index: i, Timestamp: ts, Frame: f, Transform: starfield.Identity(), Via: -1}
	}
	// Three frames inside the same second
	res := &starfield.Result{Frames: []starfield.AlignedFrame{
		aligned(0, testEpoch),
		aligned(1, testEpoch.Add(300*time.Millisecond)),
		aligned(2, testEpoch.Add(700*time.Millisecond)),
		aligned(3, testEpoch.Add(2*time.Second)),
	}}
	res.Reference = res.Frames[0]

	dir := t.TempDir()
	w, err := NewWriter(dir, "png")
	if err != nil {
		t.Fatal(err)
	}
	files, err := w.WriteResult(res, starfield.NewConfig())
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		"2015-07-13_050000_UTC.png",
		"2015-07-13_050000_UTC-0001.png",
		"2015-07-13_050000_UTC-0002.png",
		"2015-07-13_050002_UTC.png",
	}
	if len(files) != len(want) {
		t.Fatalf("wrote %v", files)
	}
	for i, fn := range files {
		if filepath.Base(fn) != want[i] {
			t.Errorf("file %d is %s, want %s", i, filepath.Base(fn), want[i])
		}
		if _, err := os.Stat(fn); err != nil {
			t.Errorf("file %d: %v", i, err)
		}
	}

	rep, err := LoadReport(filepath.Join(dir, ReportFilename))
	if err != nil {
		t.Fatal(err)
	}
	for i, rf := range rep.Aligned {
		if rf.File != want[i] {
			t.Errorf("report frame %d points at %s", i, rf.File)
		}
	}
}
