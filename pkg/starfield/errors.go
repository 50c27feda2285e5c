package starfield

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// Estimator failures; all recoverable at frame granularity.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
	ErrDegenerateGeometry          = errors.New("degenerate geometry")
	ErrInsufficientConsensus       = errors.New("insufficient consensus")

	// The detector found no stars, or fewer than it was told to insist
	// on. Fatal only for the reference frame.
	ErrEmptyDetection = errors.New("empty detection")
	ErrTooFewStars    = errors.New("too few stars")

	// A frame with no channels, or channels that disagree on size.
	ErrEmptyFrame = errors.New("frame has no usable pixels")

	// Raised by frame sources; treated like a detection failure.
	ErrFetchFailure = errors.New("fetch failure")

	ErrNoReference = errors.New("no usable reference frame")
	ErrCropOutside = errors.New("crop rectangle outside frame")
	ErrNoFrames    = errors.New("no frames to align")
)

// A Reason is the short, stable name for why a frame was skipped; it
// is what ends up in run reports.
type Reason string

const (
	ReasonInsufficientCorrespondences Reason = "InsufficientCorrespondences"
	ReasonDegenerateGeometry          Reason = "DegenerateGeometry"
	ReasonInsufficientConsensus       Reason = "InsufficientConsensus"
	ReasonEmptyDetection              Reason = "EmptyDetection"
	ReasonTooFewStars                 Reason = "TooFewStars"
	ReasonEmptyFrame                  Reason = "EmptyFrame"
	ReasonFetchFailure                Reason = "FetchFailure"
	ReasonCropOutside                 Reason = "CropOutside"
	ReasonCancelled                   Reason = "Cancelled"
	ReasonUnknown                     Reason = "Unknown"
)

// Classify maps an error onto a Reason, using only the sentinel errors.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, ErrFetchFailure):
		return ReasonFetchFailure
	case errors.Is(err, ErrEmptyFrame):
		return ReasonEmptyFrame
	case errors.Is(err, ErrCropOutside):
		return ReasonCropOutside
	case errors.Is(err, ErrEmptyDetection):
		return ReasonEmptyDetection
	case errors.Is(err, ErrTooFewStars):
		return ReasonTooFewStars
	case errors.Is(err, ErrInsufficientCorrespondences):
		return ReasonInsufficientCorrespondences
	case errors.Is(err, ErrDegenerateGeometry):
		return ReasonDegenerateGeometry
	case errors.Is(err, ErrInsufficientConsensus):
		return ReasonInsufficientConsensus
	}
	return ReasonUnknown
}

// A FrameError ties an error to the frame it happened on. Index is the
// frame's position in temporal order.
type FrameError struct {
	Index     int
	Name      string
	Timestamp time.Time
	Err       error
}

func (fe *FrameError) Error() string {
	return fmt.Sprintf("frame %d (%s @%s): %v", fe.Index, fe.Name, fe.Timestamp.UTC().Format(time.RFC3339), fe.Err)
}

func (fe *FrameError) Unwrap() error { return fe.Err }
