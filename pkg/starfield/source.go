package starfield

import (
	"context"
	"fmt"
	"time"
)

// A TimeRange selects frames with From <= t < To. A zero bound is open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && !t.Before(tr.To) {
		return false
	}
	return true
}

func (tr TimeRange) String() string {
	f := func(t time.Time) string {
		if t.IsZero() {
			return "*"
		}
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("[%s, %s)", f(tr.From), f(tr.To))
}

// Acquired is one frame handed over by a FrameSource. If the frame
// could not be fetched, Frame is nil and Err says why; Name and
// Timestamp still identify it so the failure can be reported.
type Acquired struct {
	Frame     *Frame
	Name      string
	Timestamp time.Time
	Err       error
}

// A FrameSource yields the frames in a time range, in temporal order.
// Failures on individual frames go in Acquired.Err (wrapping
// ErrFetchFailure); a returned error means nothing could be listed.
type FrameSource interface {
	Fetch(ctx context.Context, window TimeRange) ([]Acquired, error)
}
