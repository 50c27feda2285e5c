package starfield

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

type EstimatorConfig struct {
	Model      Model
	Trials     int     // number of random minimal samples tried; fixed, not adaptive
	Tolerance  float64 // residual (pixels) under which a correspondence is an inlier
	MinInliers int     // fewer inliers than this and we'd rather skip the frame
}

func NewEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Model:      ModelSimilarity,
		Trials:     500,
		Tolerance:  3.0,
		MinInliers: 4,
	}
}

func (c EstimatorConfig) Validate() error {
	if !c.Model.Valid() {
		return fmt.Errorf("estimator: no model named '%s'", c.Model)
	}
	if c.Trials < 1 {
		return fmt.Errorf("estimator: need at least one trial, not %d", c.Trials)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("estimator: tolerance must be positive, not %f", c.Tolerance)
	}
	if c.MinInliers < 0 {
		return fmt.Errorf("estimator: negative MinInliers")
	}
	return nil
}

// An Estimator finds the transform from candidate to reference
// coordinates by random sample consensus over the correspondences.
type Estimator struct {
	EstimatorConfig
}

func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{EstimatorConfig: cfg}
}

// Below these, points are treated as coincident / collinear.
const (
	minSpread        = 1e-6 // pixels^2
	minRelativeShape = 1e-6
)

// Estimate runs the consensus search, then refits on all the inliers
// of the winning trial. All randomness comes from rng, so the same
// seed and input always give the same transform.
func (e *Estimator) Estimate(corrs []Correspondence, rng *rand.Rand) (Transform, error) {
	k := e.Model.MinPairs()
	if len(corrs) < k {
		return Transform{}, fmt.Errorf("%w: have %d, %s needs %d", ErrInsufficientCorrespondences, len(corrs), e.Model, k)
	}

	if e.degenerate(corrs) {
		return Transform{}, fmt.Errorf("%w: %d correspondences too close to coincident/collinear", ErrDegenerateGeometry, len(corrs))
	}

	floor := e.MinInliers
	if floor < k {
		floor = k
	}

	sample := make([]Correspondence, k)
	idx := make([]int, k)
	bestCount := -1
	var best Transform

	for trial := 0; trial < e.Trials; trial++ {
		drawDistinct(rng, len(corrs), idx)
		for i, j := range idx {
			sample[i] = corrs[j]
		}
		if e.degenerate(sample) {
			continue
		}

		t, err := e.fit(sample)
		if err != nil {
			continue
		}
		if _, err := t.Inverse(); err != nil {
			continue
		}

		if n := countInliers(t, corrs, e.Tolerance); n > bestCount {
			bestCount, best = n, t
		}
	}

	if bestCount < 0 {
		return Transform{}, fmt.Errorf("%w: no usable sample in %d trials", ErrDegenerateGeometry, e.Trials)
	}
	if bestCount < floor {
		return Transform{}, fmt.Errorf("%w: best trial had %d inliers, need %d", ErrInsufficientConsensus, bestCount, floor)
	}

	inliers := inlierSet(best, corrs, e.Tolerance)
	final, err := e.fit(inliers)
	if err != nil {
		return Transform{}, fmt.Errorf("%w: refit over %d inliers: %v", ErrDegenerateGeometry, len(inliers), err)
	}
	if _, err := final.Inverse(); err != nil {
		return Transform{}, err
	}

	inliers = inlierSet(final, corrs, e.Tolerance)
	if len(inliers) < floor {
		return Transform{}, fmt.Errorf("%w: refit kept %d inliers, need %d", ErrInsufficientConsensus, len(inliers), floor)
	}
	final.Inliers = len(inliers)
	final.RMS = rms(final, inliers)

	return final, nil
}

// drawDistinct fills idx with distinct values from [0,n).
func drawDistinct(rng *rand.Rand, n int, idx []int) {
	for i := 0; i < len(idx); {
		idx[i] = rng.Intn(n)
		if !containsInt(idx[:i], idx[i]) {
			i++
		}
	}
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

func residual(t Transform, c Correspondence) float64 {
	x, y := t.Apply(c.Candidate.X, c.Candidate.Y)
	return math.Hypot(x-c.Reference.X, y-c.Reference.Y)
}

func countInliers(t Transform, corrs []Correspondence, tol float64) int {
	n := 0
	for _, c := range corrs {
		if residual(t, c) <= tol {
			n++
		}
	}
	return n
}

func inlierSet(t Transform, corrs []Correspondence, tol float64) []Correspondence {
	out := []Correspondence{}
	for _, c := range corrs {
		if residual(t, c) <= tol {
			out = append(out, c)
		}
	}
	return out
}

func rms(t Transform, corrs []Correspondence) float64 {
	sq := make([]float64, len(corrs))
	for i, c := range corrs {
		r := residual(t, c)
		sq[i] = r * r
	}
	return math.Sqrt(stat.Mean(sq, nil))
}

// degenerate is true if either side of the correspondences has its
// points all on top of each other, or (for affine) all on one line.
func (e *Estimator) degenerate(corrs []Correspondence) bool {
	cand := mat.NewDense(len(corrs), 2, nil)
	ref := mat.NewDense(len(corrs), 2, nil)
	for i, c := range corrs {
		cand.Set(i, 0, c.Candidate.X)
		cand.Set(i, 1, c.Candidate.Y)
		ref.Set(i, 0, c.Reference.X)
		ref.Set(i, 1, c.Reference.Y)
	}
	return degenerateShape(cand, e.Model == ModelAffine) || degenerateShape(ref, e.Model == ModelAffine)
}

// degenerateShape looks at the covariance of an n x 2 matrix of points;
// its trace is the spread, its determinant is zero for collinear points.
func degenerateShape(pts *mat.Dense, needArea bool) bool {
	if n, _ := pts.Dims(); n < 2 {
		return true
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, pts, nil)

	spread := cov.At(0, 0) + cov.At(1, 1)
	if spread < minSpread || math.IsNaN(spread) {
		return true
	}
	if needArea && mat.Det(&cov) < minRelativeShape*spread*spread {
		return true
	}
	return false
}

func (e *Estimator) fit(corrs []Correspondence) (Transform, error) {
	switch e.Model {
	case ModelRigid:
		return fitRigid(corrs)
	case ModelAffine:
		return fitAffine(corrs)
	default:
		return fitSimilarity(corrs)
	}
}

func centroids(corrs []Correspondence) (pcx, pcy, qcx, qcy float64) {
	for _, c := range corrs {
		pcx += c.Candidate.X
		pcy += c.Candidate.Y
		qcx += c.Reference.X
		qcy += c.Reference.Y
	}
	n := float64(len(corrs))
	return pcx / n, pcy / n, qcx / n, qcy / n
}

// fitSimilarity is the closed form least squares similarity: with the
// centred points treated as complex numbers, the linear part a+ib is
// sum(q * conj(p)) / sum(|p|^2).
func fitSimilarity(corrs []Correspondence) (Transform, error) {
	pcx, pcy, qcx, qcy := centroids(corrs)

	num1, num2, den := 0.0, 0.0, 0.0
	for _, c := range corrs {
		px, py := c.Candidate.X-pcx, c.Candidate.Y-pcy
		qx, qy := c.Reference.X-qcx, c.Reference.Y-qcy
		num1 += px*qx + py*qy
		num2 += px*qy - py*qx
		den += px*px + py*py
	}
	if den < minSpread {
		return Transform{}, fmt.Errorf("%w: candidate points coincident", ErrDegenerateGeometry)
	}

	a, b := num1/den, num2/den
	tx := qcx - (a*pcx - b*pcy)
	ty := qcy - (b*pcx + a*pcy)

	t := Transform{Model: ModelSimilarity}
	t.M[0], t.M[1], t.M[2] = a, -b, tx
	t.M[3], t.M[4], t.M[5] = b, a, ty
	return t, nil
}

// fitRigid is the Kabsch / Procrustes solution: the SVD of the cross
// covariance H = U S V' gives the rotation V U', with the sign of the
// last column flipped if that would be a reflection.
func fitRigid(corrs []Correspondence) (Transform, error) {
	pcx, pcy, qcx, qcy := centroids(corrs)

	h := mat.NewDense(2, 2, nil)
	for _, c := range corrs {
		px, py := c.Candidate.X-pcx, c.Candidate.Y-pcy
		qx, qy := c.Reference.X-qcx, c.Reference.Y-qcy
		h.Set(0, 0, h.At(0, 0)+px*qx)
		h.Set(0, 1, h.At(0, 1)+px*qy)
		h.Set(1, 0, h.At(1, 0)+py*qx)
		h.Set(1, 1, h.At(1, 1)+py*qy)
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Transform{}, fmt.Errorf("%w: SVD of cross covariance failed", ErrDegenerateGeometry)
	}
	if vals := svd.Values(nil); vals[0] < minSpread {
		return Transform{}, fmt.Errorf("%w: no spread in points", ErrDegenerateGeometry)
	}

	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		v.Set(0, 1, -v.At(0, 1))
		v.Set(1, 1, -v.At(1, 1))
		r.Mul(&v, u.T())
	}

	// Rebuild from the angle so M keeps the exact [a -b; b a] form.
	theta := math.Atan2(r.At(1, 0), r.At(0, 0))
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	tx := qcx - (cosT*pcx - sinT*pcy)
	ty := qcy - (sinT*pcx + cosT*pcy)

	t := Transform{Model: ModelRigid}
	t.M[0], t.M[1], t.M[2] = cosT, -sinT, tx
	t.M[3], t.M[4], t.M[5] = sinT, cosT, ty
	return t, nil
}

// fitAffine solves [x y 1] * X = [x' y'] in the least squares sense.
func fitAffine(corrs []Correspondence) (Transform, error) {
	a := mat.NewDense(len(corrs), 3, nil)
	b := mat.NewDense(len(corrs), 2, nil)
	for i, c := range corrs {
		a.Set(i, 0, c.Candidate.X)
		a.Set(i, 1, c.Candidate.Y)
		a.Set(i, 2, 1)
		b.Set(i, 0, c.Reference.X)
		b.Set(i, 1, c.Reference.Y)
	}

	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrDegenerateGeometry, err)
	}

	t := Transform{Model: ModelAffine}
	t.M[0], t.M[1], t.M[2] = x.At(0, 0), x.At(1, 0), x.At(2, 0)
	t.M[3], t.M[4], t.M[5] = x.At(0, 1), x.At(1, 1), x.At(2, 1)
	return t, nil
}
