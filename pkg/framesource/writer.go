package framesource

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v2"

	"github.com/abworrall/starfield-align/pkg/starfield"
)

const ReportFilename = "report.yaml"

// A Writer saves aligned frames into a dir, named by timestamp so they
// sort into animation order.
type Writer struct {
	Dir    string
	Format string // "png" or "tiff"
}

func NewWriter(dir, format string) (*Writer, error) {
	switch format {
	case "png", "tiff":
	case "":
		format = "png"
	default:
		return nil, fmt.Errorf("no output format named '%s'", format)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("outdir: %w", err)
	}
	return &Writer{Dir: dir, Format: format}, nil
}

func (w *Writer) filename(ts time.Time, index int) string {
	ext := "." + w.Format
	if ts.IsZero() {
		return filepath.Join(w.Dir, fmt.Sprintf("frame-%04d%s", index, ext))
	}
	return filepath.Join(w.Dir, TimestampFilename(ts, ext))
}

// uniqueFilename adds the index to the name when an earlier frame in
// the same run already took it; timestamps only have 1s resolution.
func (w *Writer) uniqueFilename(ts time.Time, index int, used map[string]bool) string {
	fn := w.filename(ts, index)
	if used[fn] {
		ext := filepath.Ext(fn)
		fn = fmt.Sprintf("%s-%04d%s", strings.TrimSuffix(fn, ext), index, ext)
	}
	used[fn] = true
	return fn
}

// WriteFrame encodes one frame, and returns the file it went to.
func (w *Writer) WriteFrame(af starfield.AlignedFrame) (string, error) {
	filename := w.filename(af.Timestamp, af.Index)
	return filename, w.writeImage(filename, af.Frame)
}

func (w *Writer) writeImage(filename string, f *starfield.Frame) error {
	writer, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create '%s': %w", filename, err)
	}

	img := f.Image()
	if w.Format == "tiff" {
		err = tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate})
	} else {
		err = png.Encode(writer, img)
	}
	if err != nil {
		writer.Close()
		return fmt.Errorf("encode '%s': %w", filename, err)
	}

	return writer.Close()
}

// WriteResult writes every aligned frame, then the report. If
// cfg.Pipeline.StackInterval is set, frames that close together get
// averaged, and one file is written per stack instead.
func (w *Writer) WriteResult(res *starfield.Result, cfg starfield.Config) ([]string, error) {
	if cfg.Pipeline.StackInterval > 0 {
		return w.writeStacks(res, cfg)
	}

	used := map[string]bool{}
	files := []string{}
	for _, af := range res.Frames {
		fn := w.uniqueFilename(af.Timestamp, af.Index, used)
		if err := w.writeImage(fn, af.Frame); err != nil {
			return files, err
		}
		files = append(files, fn)
	}

	rep := NewReport(res, cfg, files)
	return files, rep.WriteFile(filepath.Join(w.Dir, ReportFilename))
}

func (w *Writer) writeStacks(res *starfield.Result, cfg starfield.Config) ([]string, error) {
	stacks, err := starfield.StackFrames(res.Frames, cfg.Pipeline.StackInterval)
	if err != nil {
		return nil, err
	}

	used := map[string]bool{}
	files := []string{}
	fileOf := map[int]string{} // AlignedFrame.Index -> stack file
	for _, st := range stacks {
		fn := w.uniqueFilename(st.Timestamp, st.Members[len(st.Members)-1], used)
		if err := w.writeImage(fn, st.Frame); err != nil {
			return files, err
		}
		files = append(files, fn)
		for _, idx := range st.Members {
			fileOf[idx] = fn
		}
	}

	frameFiles := make([]string, len(res.Frames))
	for i, af := range res.Frames {
		frameFiles[i] = fileOf[af.Index]
	}

	rep := NewReport(res, cfg, frameFiles)
	for i, st := range stacks {
		rep.Stacks = append(rep.Stacks, ReportStack{
			File:      filepath.Base(files[i]),
			Timestamp: st.Timestamp.UTC().Format(time.RFC3339),
			Frames:    st.Members,
		})
	}
	return files, rep.WriteFile(filepath.Join(w.Dir, ReportFilename))
}

// A Report lists what happened to every frame in a run, skipped ones
// included.
type Report struct {
	Generated string
	Reference string
	Cancelled bool
	Aligned   []ReportFrame
	Skipped   []ReportSkip
	Stacks    []ReportStack `yaml:",omitempty"`
	Config    starfield.Config
}

type ReportFrame struct {
	Index     int
	Name      string
	Timestamp string
	File      string
	Transform string
	Inliers   int
	RMS       float64
	Via       int `yaml:",omitempty"`
}

// A ReportStack is one averaged output file, and the frames in it.
type ReportStack struct {
	File      string
	Timestamp string
	Frames    []int
}

type ReportSkip struct {
	Index     int
	Name      string
	Timestamp string
	Reason    string
	Error     string
}

// NewReport builds the report; files, if given, line up with res.Frames.
func NewReport(res *starfield.Result, cfg starfield.Config, files []string) Report {
	rep := Report{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Reference: res.Reference.Frame.Name,
		Cancelled: res.Cancelled,
		Aligned:   []ReportFrame{},
		Skipped:   []ReportSkip{},
		Config:    cfg,
	}

	for i, af := range res.Frames {
		rf := ReportFrame{
			Index:     af.Index,
			Name:      af.Frame.Name,
			Timestamp: af.Timestamp.UTC().Format(time.RFC3339),
			Transform: af.Transform.String(),
			Inliers:   af.Transform.Inliers,
			RMS:       af.Transform.RMS,
		}
		if af.Via >= 0 {
			rf.Via = af.Via
		}
		if i < len(files) {
			rf.File = filepath.Base(files[i])
		}
		rep.Aligned = append(rep.Aligned, rf)
	}

	for _, s := range res.Skipped {
		rs := ReportSkip{
			Index:     s.Index,
			Name:      s.Name,
			Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
			Reason:    string(s.Reason),
		}
		if s.Err != nil {
			rs.Error = s.Err.Error()
		}
		rep.Skipped = append(rep.Skipped, rs)
	}

	return rep
}

func (r Report) AsYaml() (string, error) {
	b, err := yaml.Marshal(r)
	return string(b), err
}

func (r Report) WriteFile(filename string) error {
	str, err := r.AsYaml()
	if err != nil {
		return fmt.Errorf("report yaml: %w", err)
	}
	return os.WriteFile(filename, []byte(str), 0644)
}

// LoadReport reads a report back, e.g. to see which frames a previous
// run skipped.
func LoadReport(filename string) (Report, error) {
	r := Report{}
	contents, err := os.ReadFile(filename)
	if err != nil {
		return r, fmt.Errorf("read '%s': %w", filename, err)
	}
	if err := yaml.Unmarshal(contents, &r); err != nil {
		return r, fmt.Errorf("parse '%s': %w", filename, err)
	}
	return r, nil
}
