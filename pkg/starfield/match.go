package starfield

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

type MatcherConfig struct {
	Radius  float64 // max distance (pixels) between a candidate and its reference star
	OffsetX float64 // prior shift added to candidates before searching, if the
	OffsetY float64 // frames are known to be roughly offset
}

func NewMatcherConfig() MatcherConfig {
	return MatcherConfig{Radius: 10.0}
}

func (c MatcherConfig) Validate() error {
	if c.Radius <= 0 {
		return fmt.Errorf("matcher: radius must be positive, not %f", c.Radius)
	}
	return nil
}

// A Matcher pairs up stars between a candidate frame and the
// reference, by nearest neighbour within a radius, using a kd-tree of
// the reference stars. It assumes the motion between the frames is
// small compared to the spacing of the stars; mismatches are left for
// the estimator to throw out.
type Matcher struct {
	MatcherConfig
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	return &Matcher{MatcherConfig: cfg}
}

// Match returns at most one correspondence per candidate point and per
// reference point, ordered by candidate index.
func (m *Matcher) Match(candidate, reference PointSet) []Correspondence {
	if len(candidate) == 0 || len(reference) == 0 {
		return []Correspondence{}
	}

	nodes := make(starNodes, len(reference))
	for i, r := range reference {
		nodes[i] = starNode{Point: r, index: i}
	}
	tree := kdtree.New(nodes, false)

	// Step 1: each candidate picks its nearest reference star
	picks := []Correspondence{}
	for ci, c := range candidate {
		shifted := c
		shifted.X += m.OffsetX
		shifted.Y += m.OffsetY

		// Node distances are squared
		keep := kdtree.NewDistKeeper(m.Radius * m.Radius)
		tree.NearestSet(keep, starNode{Point: shifted})

		best := -1
		bestDist := 0.0
		for _, cd := range keep.Heap {
			if cd.Comparable == nil {
				continue
			}
			ri := cd.Comparable.(starNode).index
			r := reference[ri]
			d := shifted.Dist(r)
			if d > m.Radius {
				continue
			}
			if best < 0 || d < bestDist || (d == bestDist && r.Flux > reference[best].Flux) ||
				(d == bestDist && r.Flux == reference[best].Flux && ri < best) {
				best, bestDist = ri, d
			}
		}

		if best >= 0 {
			picks = append(picks, Correspondence{
				Candidate:      c,
				Reference:      reference[best],
				CandidateIndex: ci,
				ReferenceIndex: best,
				Distance:       bestDist,
			})
		}
	}

	// Step 2: if several candidates picked the same reference star, the
	// closest one keeps it
	owner := map[int]int{} // reference index -> index into picks
	for i, p := range picks {
		j, exists := owner[p.ReferenceIndex]
		if !exists || p.Distance < picks[j].Distance {
			owner[p.ReferenceIndex] = i
		}
	}

	out := make([]Correspondence, 0, len(owner))
	for _, i := range owner {
		out = append(out, picks[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateIndex < out[j].CandidateIndex })

	return out
}

// starNode puts a reference star into the kd-tree, remembering where
// it was in the PointSet.
type starNode struct {
	Point
	index int
}

func (n starNode) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(starNode)
	if d == 0 {
		return n.X - q.X
	}
	return n.Y - q.Y
}

func (n starNode) Dims() int { return 2 }

func (n starNode) Distance(c kdtree.Comparable) float64 {
	q := c.(starNode)
	dx, dy := n.X-q.X, n.Y-q.Y
	return dx*dx + dy*dy
}

type starNodes []starNode

func (ns starNodes) Index(i int) kdtree.Comparable         { return ns[i] }
func (ns starNodes) Len() int                              { return len(ns) }
func (ns starNodes) Slice(start, end int) kdtree.Interface { return ns[start:end] }
func (ns starNodes) Pivot(d kdtree.Dim) int {
	return starPlane{starNodes: ns, dim: d}.Pivot()
}

// starPlane orders nodes along one dimension, for picking pivots.
type starPlane struct {
	starNodes
	dim kdtree.Dim
}

func (p starPlane) Less(i, j int) bool {
	return p.starNodes[i].Compare(p.starNodes[j], p.dim) < 0
}
func (p starPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100)) }
func (p starPlane) Slice(start, end int) kdtree.SortSlicer {
	p.starNodes = p.starNodes[start:end]
	return p
}
func (p starPlane) Swap(i, j int) {
	p.starNodes[i], p.starNodes[j] = p.starNodes[j], p.starNodes[i]
}
