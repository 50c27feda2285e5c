package starfield

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{nil, ReasonUnknown},
		{errors.New("who knows"), ReasonUnknown},
		{ErrEmptyDetection, ReasonEmptyDetection},
		{fmt.Errorf("12 stars, 1 matched: %w", ErrInsufficientCorrespondences), ReasonInsufficientCorrespondences},
		{fmt.Errorf("wrapped: %w", ErrDegenerateGeometry), ReasonDegenerateGeometry},
		{fmt.Errorf("wrapped: %w", ErrInsufficientConsensus), ReasonInsufficientConsensus},
		{fmt.Errorf("%w: %w", ErrFetchFailure, errors.New("404")), ReasonFetchFailure},
		{fmt.Errorf("bad crop: %w", ErrCropOutside), ReasonCropOutside},
		{fmt.Errorf("3 stars: %w", ErrTooFewStars), ReasonTooFewStars},
		{fmt.Errorf("x: %w", ErrEmptyFrame), ReasonEmptyFrame},
		{context.Canceled, ReasonCancelled},
		{fmt.Errorf("slow: %w", context.DeadlineExceeded), ReasonCancelled},
		{&FrameError{Index: 3, Err: ErrEmptyDetection}, ReasonEmptyDetection},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestFrameError(t *testing.T) {
	fe := &FrameError{Index: 7, Name: "20150713_050700.jpg", Timestamp: testEpoch, Err: fmt.Errorf("%w: %w", ErrNoReference, ErrEmptyDetection)}
	var err error = fe

	if !errors.Is(err, ErrNoReference) || !errors.Is(err, ErrEmptyDetection) {
		t.Errorf("FrameError doesn't unwrap: %v", err)
	}
	for _, want := range []string{"frame 7", "20150713_050700.jpg", "2015-07-13T05:00:00Z", "empty detection"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%q missing %q", err.Error(), want)
		}
	}
}
