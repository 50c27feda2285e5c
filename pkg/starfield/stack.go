package starfield

import (
	"fmt"
	"time"

	"github.com/abworrall/starfield-align/pkg/emath"
)

// A Stack is the per-pixel average of aligned frames taken close
// together in time. It carries the timestamp of its last frame.
type Stack struct {
	Timestamp time.Time
	Frame     *Frame
	Members   []int // AlignedFrame.Index of each frame in the stack
}

// StackFrames walks the aligned frames in time order, and closes off a
// stack whenever the next frame is more than interval after the
// current one. An interval of zero gives one stack per frame. All the
// frames must be the same size, which they are when they came out of
// the same run.
func StackFrames(frames []AlignedFrame, interval time.Duration) ([]Stack, error) {
	stacks := []Stack{}

	var sums []emath.FloatGrid
	members := []int{}
	var name string

	flush := func(last AlignedFrame) {
		n := float64(len(members))
		for i := range sums {
			vals := sums[i].Values()
			for j := range vals {
				vals[j] /= n
			}
		}
		if len(members) > 1 {
			name = fmt.Sprintf("%s+%d", name, len(members)-1)
		}
		stacks = append(stacks, Stack{
			Timestamp: last.Timestamp,
			Frame:     NewFrame(name, last.Timestamp, sums...),
			Members:   members,
		})
		sums, members = nil, []int{}
	}

	for i, af := range frames {
		if af.Frame == nil {
			return nil, fmt.Errorf("stack: aligned frame %d has no pixels", af.Index)
		}
		if err := af.Frame.Validate(); err != nil {
			return nil, fmt.Errorf("stack: %w", err)
		}

		if sums == nil {
			name = af.Frame.Name
			for range af.Frame.Channels {
				sums = append(sums, emath.NewFloatGrid(af.Frame.Dx(), af.Frame.Dy()))
			}
		}
		if af.Frame.Dx() != sums[0].Dx() || af.Frame.Dy() != sums[0].Dy() {
			return nil, fmt.Errorf("stack: %s is not %dx%d", af.Frame, sums[0].Dx(), sums[0].Dy())
		}

		// A frame with a different channel count contributes its
		// luminance to every channel
		var lum emath.FloatGrid
		if len(af.Frame.Channels) != len(sums) {
			lum = af.Frame.Luminance()
		}
		for c := range sums {
			src := &lum
			if len(af.Frame.Channels) == len(sums) {
				src = &af.Frame.Channels[c]
			}
			dst, vals := sums[c].Values(), src.Values()
			for j := range dst {
				dst[j] += vals[j]
			}
		}
		members = append(members, af.Index)

		if i == len(frames)-1 || frames[i+1].Timestamp.Sub(af.Timestamp) > interval {
			flush(af)
		}
	}

	return stacks, nil
}
