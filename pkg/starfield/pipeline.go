package starfield

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is where an Aligner is in a run.
type State int32

const (
	Idle State = iota
	ReferenceSelected
	Processing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ReferenceSelected:
		return "ReferenceSelected"
	case Processing:
		return "Processing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// An AlignedFrame is one output frame, in the reference frame's
// (cropped) coordinates.
type AlignedFrame struct {
	Index     int // position in temporal order
	Timestamp time.Time
	Frame     *Frame
	Transform Transform // candidate -> reference
	Points    PointSet  // stars as detected in the (cropped, unwarped) frame
	Via       int       // index of the frame it was chained through, or -1
}

// A Skip records a frame that is not in the output, and why.
type Skip struct {
	Index     int
	Name      string
	Timestamp time.Time
	Reason    Reason
	Err       error
}

func (s Skip) String() string {
	return fmt.Sprintf("skip %3d %s @%s: %s (%v)", s.Index, s.Name, s.Timestamp.UTC().Format(time.RFC3339), s.Reason, s.Err)
}

type Result struct {
	Reference AlignedFrame
	Frames    []AlignedFrame // temporal order, reference first
	Skipped   []Skip         // temporal order
	Cancelled bool
}

// An Aligner runs the whole registration: detect stars in the
// reference, then detect / match / estimate / warp every other frame
// on a pool of workers. One Aligner runs one alignment at a time.
type Aligner struct {
	Config Config
	Log    *slog.Logger // nil means slog.Default()

	state    atomic.Int32
	finished atomic.Int64
	total    atomic.Int64
}

func NewAligner(cfg Config, log *slog.Logger) *Aligner {
	return &Aligner{Config: cfg, Log: log}
}

func (a *Aligner) State() State { return State(a.state.Load()) }

// Progress reports how many frames have been processed, out of how
// many; safe to call while a run is going on.
func (a *Aligner) Progress() (int, int) {
	return int(a.finished.Load()), int(a.total.Load())
}

func (a *Aligner) setState(s State) { a.state.Store(int32(s)) }

func (a *Aligner) log() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

// frameTask is the per-frame record in the run's arena. Workers get a
// copy, fill in the outputs, and send it back to be merged by index.
type frameTask struct {
	// Inputs
	index    int
	name     string
	ts       time.Time
	raw      *Frame
	fetchErr error

	// Outputs
	cropped   *Frame
	points    PointSet
	transform Transform
	out       *Frame
	via       int
	err       error
}

func (t *frameTask) aligned() AlignedFrame {
	return AlignedFrame{
		Index:     t.index,
		Timestamp: t.ts,
		Frame:     t.out,
		Transform: t.transform,
		Points:    t.points,
		Via:       t.via,
	}
}

// Align registers the frames onto the first one (in time order). Frames
// that can't be aligned are skipped and listed in the result; only a
// problem with the reference frame makes the whole run fail.
func (a *Aligner) Align(ctx context.Context, frames []*Frame, crop image.Rectangle) (*Result, error) {
	acq := make([]Acquired, len(frames))
	for i, f := range frames {
		if f != nil {
			acq[i] = Acquired{Frame: f, Name: f.Name, Timestamp: f.Timestamp}
		}
	}
	return a.alignAcquired(ctx, acq, crop)
}

// AlignSource fetches the frames in the window from src, then aligns
// them. Frames the source failed to fetch are skipped like any other
// bad frame.
func (a *Aligner) AlignSource(ctx context.Context, src FrameSource, window TimeRange, crop image.Rectangle) (*Result, error) {
	a.setState(Idle)
	acq, err := src.Fetch(ctx, window)
	if err != nil {
		a.setState(Failed)
		return nil, fmt.Errorf("%w: fetch %s: %w", ErrNoReference, window, err)
	}
	return a.alignAcquired(ctx, acq, crop)
}

func (a *Aligner) alignAcquired(ctx context.Context, acq []Acquired, crop image.Rectangle) (*Result, error) {
	a.setState(Idle)
	a.finished.Store(0)
	a.total.Store(int64(len(acq)))

	if len(acq) == 0 {
		a.setState(Failed)
		return nil, ErrNoFrames
	}

	tasks := make([]frameTask, len(acq))
	for i, aq := range acq {
		tasks[i] = frameTask{name: aq.Name, ts: aq.Timestamp, raw: aq.Frame, fetchErr: aq.Err, via: -1}
		if aq.Frame == nil && aq.Err == nil {
			tasks[i].fetchErr = fmt.Errorf("%w: source gave no frame for %s", ErrFetchFailure, aq.Name)
		}
		if aq.Frame != nil && tasks[i].ts.IsZero() {
			tasks[i].ts = aq.Frame.Timestamp
		}
		if aq.Frame != nil && tasks[i].name == "" {
			tasks[i].name = aq.Frame.Name
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].ts.Before(tasks[j].ts) })
	for i := range tasks {
		tasks[i].index = i
	}

	ref := &tasks[0]
	if err := a.selectReference(ctx, ref, crop); err != nil {
		a.setState(Failed)
		return nil, err
	}
	a.finished.Add(1)
	a.setState(ReferenceSelected)
	a.log().Info("reference selected", "frame", ref.name, "stars", len(ref.points), "size", ref.cropped.Bounds().Size())

	a.setState(Processing)
	a.processConcurrently(ctx, tasks, crop)
	if a.Config.Pipeline.Chain && ctx.Err() == nil {
		a.retryChained(ctx, tasks)
	}

	res := &Result{Reference: ref.aligned()}
	for i := range tasks {
		t := &tasks[i]
		if t.err == nil {
			res.Frames = append(res.Frames, t.aligned())
			continue
		}
		skip := Skip{Index: t.index, Name: t.name, Timestamp: t.ts, Reason: Classify(t.err), Err: t.err}
		res.Skipped = append(res.Skipped, skip)
		if skip.Reason != ReasonCancelled {
			a.log().Warn("frame skipped", "frame", t.index, "name", t.name, "reason", skip.Reason, "error", t.err)
		}
	}

	a.setState(Done)

	if err := ctx.Err(); err != nil {
		res.Cancelled = true
		a.log().Info("alignment cancelled", "aligned", len(res.Frames), "skipped", len(res.Skipped))
		return res, fmt.Errorf("alignment cancelled after %d frames: %w", len(res.Frames), err)
	}

	a.log().Info("alignment done", "aligned", len(res.Frames), "skipped", len(res.Skipped))
	return res, nil
}

// selectReference crops and detects the reference frame. Any failure
// here is fatal for the run.
func (a *Aligner) selectReference(ctx context.Context, ref *frameTask, crop image.Rectangle) error {
	fail := func(cause error) error {
		return &FrameError{Index: ref.index, Name: ref.name, Timestamp: ref.ts, Err: fmt.Errorf("%w: %w", ErrNoReference, cause)}
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if ref.fetchErr != nil {
		return fail(asFetchFailure(ref.fetchErr))
	}

	cropped, err := ref.raw.Crop(crop)
	if err != nil {
		return fail(err)
	}
	ref.cropped = cropped

	det := NewDetector(a.Config.Detector)
	ref.points = det.Detect(cropped)
	if err := det.Check(cropped, ref.points); err != nil {
		return fail(err)
	}

	ref.transform = Identity()
	ref.out, err = NewResampler(a.Config.Resampler).Warp(cropped, ref.transform, cropped.Dx(), cropped.Dy())
	if err != nil {
		return fail(err)
	}

	a.writeDebug(ref, nil, nil)
	return nil
}

// processConcurrently runs every non-reference frame through the
// stages on a pool of goroutines. The reference task is only read.
func (a *Aligner) processConcurrently(ctx context.Context, tasks []frameTask, crop image.Rectangle) {
	todo := len(tasks) - 1
	if todo == 0 {
		return
	}

	var wg sync.WaitGroup
	jobsChan := make(chan frameTask, todo)
	resultsChan := make(chan frameTask, todo)
	ref := &tasks[0]

	nWorkers := a.Config.Pipeline.Workers
	if nWorkers <= 0 {
		nWorkers = runtime.GOMAXPROCS(0)
	}
	if nWorkers > todo {
		nWorkers = todo
	}

	for i := 0; i < nWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			det := NewDetector(a.Config.Detector)
			for job := range jobsChan {
				a.processFrame(ctx, det, ref, &job, crop)
				a.finished.Add(1)
				resultsChan <- job
			}
		}()
	}

	for i := 1; i < len(tasks); i++ {
		jobsChan <- tasks[i]
	}
	close(jobsChan)
	wg.Wait()
	close(resultsChan)

	for result := range resultsChan {
		tasks[result.index] = result
	}
}

// processFrame does detect, match, estimate and warp for one frame.
// Cancellation is checked between the stages, so a cancelled frame
// never produces partial output.
func (a *Aligner) processFrame(ctx context.Context, det *Detector, ref, task *frameTask, crop image.Rectangle) {
	start := time.Now()

	if task.err = ctx.Err(); task.err != nil {
		return
	}
	if task.fetchErr != nil {
		task.err = asFetchFailure(task.fetchErr)
		return
	}

	task.cropped, task.err = task.raw.Crop(crop)
	if task.err != nil {
		return
	}

	task.points = det.Detect(task.cropped)
	if task.err = det.Check(task.cropped, task.points); task.err != nil {
		a.writeDebug(task, nil, nil)
		return
	}

	if task.err = ctx.Err(); task.err != nil {
		return
	}

	corrs := NewMatcher(a.Config.Matcher).Match(task.points, ref.points)
	rng := rand.New(rand.NewSource(a.Config.Pipeline.Seed + int64(task.index)))
	task.transform, task.err = NewEstimator(a.Config.Estimator).Estimate(corrs, rng)
	if task.err != nil {
		task.err = fmt.Errorf("%d stars, %d matched: %w", len(task.points), len(corrs), task.err)
		a.writeDebug(task, nil, nil)
		return
	}
	a.writeDebug(task, ref, corrs)

	if task.err = ctx.Err(); task.err != nil {
		return
	}

	w, h := ref.cropped.Dx(), ref.cropped.Dy()
	task.out, task.err = NewResampler(a.Config.Resampler).Warp(task.cropped, task.transform, w, h)
	if task.err != nil {
		return
	}

	a.log().Debug("frame aligned", "frame", task.index, "name", task.name, "stars", len(task.points),
		"matched", len(corrs), "xform", task.transform.String(), "elapsed", time.Since(start))
}

// retryChained gives the frames the estimator could not align against
// the reference another go, against the most recent frames before
// them that did align. Their transform onto the reference is the
// composition of the two. It runs in time order, so a frame aligned
// this way can itself be chained through.
func (a *Aligner) retryChained(ctx context.Context, tasks []frameTask) {
	w, h := tasks[0].cropped.Dx(), tasks[0].cropped.Dy()
	matcher := NewMatcher(a.Config.Matcher)
	est := NewEstimator(a.Config.Estimator)

	for i := 1; i < len(tasks); i++ {
		task := &tasks[i]
		if !chainable(task.err) {
			continue
		}

		tried := 0
		for j := i - 1; j >= 1 && tried < a.Config.Pipeline.ChainRetries; j-- {
			if ctx.Err() != nil {
				return
			}
			prev := &tasks[j]
			if prev.err != nil {
				continue
			}
			tried++

			corrs := matcher.Match(task.points, prev.points)
			rng := rand.New(rand.NewSource(a.Config.Pipeline.Seed + int64(task.index)))
			step, err := est.Estimate(corrs, rng)
			if err != nil {
				continue
			}

			total := step.Then(prev.transform)
			total.Inliers, total.RMS = step.Inliers, step.RMS
			out, err := NewResampler(a.Config.Resampler).Warp(task.cropped, total, w, h)
			if err != nil {
				continue
			}

			a.log().Debug("frame aligned via chain", "frame", task.index, "via", prev.index, "xform", total.String())
			task.transform, task.out, task.via, task.err = total, out, prev.index, nil
			break
		}
	}
}

// chainable is true for the errors that another reference frame might
// get past: the estimator's.
func chainable(err error) bool {
	return errors.Is(err, ErrInsufficientCorrespondences) ||
		errors.Is(err, ErrDegenerateGeometry) ||
		errors.Is(err, ErrInsufficientConsensus)
}

func asFetchFailure(err error) error {
	if errors.Is(err, ErrFetchFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFetchFailure, err)
}
