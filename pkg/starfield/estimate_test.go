package starfield

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/abworrall/starfield-align/pkg/emath"
)

// syntheticCorrs applies truth to nIn random candidate points, then
// adds nOut pairs whose reference point is at least 60px away from
// where truth would put it.
func syntheticCorrs(truth Transform, nIn, nOut int, seed int64) []Correspondence {
	rng := rand.New(rand.NewSource(seed))
	corrs := []Correspondence{}
	for i := 0; i < nIn+nOut; i++ {
		c := Point{X: rng.Float64() * 500, Y: rng.Float64() * 400}
		r := c
		r.X, r.Y = truth.Apply(c.X, c.Y)
		if i >= nIn {
			theta := rng.Float64() * 2 * math.Pi
			dist := 60 + rng.Float64()*40
			r.X += dist * math.Cos(theta)
			r.Y += dist * math.Sin(theta)
		}
		corrs = append(corrs, Correspondence{Candidate: c, Reference: r, CandidateIndex: i, ReferenceIndex: i})
	}
	// Shuffle, so the outliers aren't all at the end
	rng.Shuffle(len(corrs), func(i, j int) { corrs[i], corrs[j] = corrs[j], corrs[i] })
	return corrs
}

func closeTo(a, b emath.Aff3, eps float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

func TestEstimateRecoversTransform(t *testing.T) {
	tests := []struct {
		name  string
		model Model
		truth Transform
	}{
		{"rigid", ModelRigid, NewRotationAbout(7, 250, 200).Then(NewSimilarity(1, 0, 12, -5))},
		{"similarity", ModelSimilarity, NewSimilarity(1.05, 7, 12, -5)},
		{"similarity-small", ModelSimilarity, NewSimilarity(0.98, -2.5, 0.5, 0.25)},
		{"affine", ModelAffine, Transform{Model: ModelAffine, M: emath.Aff3{1.02, 0.05, 3, -0.03, 0.98, 7}}},
	}

	for _, tt := range tests {
		for _, tol := range []float64{1, 3, 6} {
			cfg := NewEstimatorConfig()
			cfg.Model = tt.model
			cfg.Tolerance = tol

			corrs := syntheticCorrs(tt.truth, 18, 12, 99)
			got, err := NewEstimator(cfg).Estimate(corrs, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatalf("%s tol %.0f: %v", tt.name, tol, err)
			}
			if !closeTo(got.M, tt.truth.M, 1e-6) {
				t.Errorf("%s tol %.0f: got\n%swant\n%s", tt.name, tol, got.M, tt.truth.M)
			}
			if got.Inliers != 18 {
				t.Errorf("%s tol %.0f: %d inliers, want 18", tt.name, tol, got.Inliers)
			}
			if got.RMS > 1e-6 {
				t.Errorf("%s tol %.0f: rms %g", tt.name, tol, got.RMS)
			}
			if got.Model != tt.model {
				t.Errorf("%s: model %s", tt.name, got.Model)
			}
		}
	}
}

func TestEstimateWithNoise(t *testing.T) {
	truth := NewSimilarity(1.0, 4, -8, 3)
	corrs := syntheticCorrs(truth, 25, 10, 7)
	rng := rand.New(rand.NewSource(3))
	for i := range corrs {
		corrs[i].Reference.X += rng.NormFloat64() * 0.2
		corrs[i].Reference.Y += rng.NormFloat64() * 0.2
	}

	got, err := NewEstimator(NewEstimatorConfig()).Estimate(corrs, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got.RotationDeg()-4) > 0.1 || math.Abs(got.Scale()-1) > 0.005 {
		t.Errorf("got %s, want %s", got, truth)
	}
	tx, ty := got.Translation()
	if math.Abs(tx+8) > 1 || math.Abs(ty-3) > 1 {
		t.Errorf("translation (%f,%f), want (-8,3)", tx, ty)
	}
	if got.Inliers < 25 || got.RMS > 0.6 {
		t.Errorf("inliers %d rms %f", got.Inliers, got.RMS)
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	corrs := syntheticCorrs(NewSimilarity(1.01, 12, 5, 5), 10, 8, 5)
	for _, model := range []Model{ModelRigid, ModelSimilarity, ModelAffine} {
		cfg := NewEstimatorConfig()
		cfg.Model = model
		cfg.Tolerance = 20
		e := NewEstimator(cfg)

		a, errA := e.Estimate(corrs, rand.New(rand.NewSource(42)))
		b, errB := e.Estimate(corrs, rand.New(rand.NewSource(42)))
		if errA != nil || errB != nil {
			t.Fatalf("%s: %v / %v", model, errA, errB)
		}
		if a != b {
			t.Errorf("%s: same seed gave different results:\n%s\n%s", model, a, b)
		}
	}
}

func TestEstimateInsufficientCorrespondences(t *testing.T) {
	corrs := syntheticCorrs(NewSimilarity(1, 5, 1, 1), 3, 0, 1)

	tests := []struct {
		model Model
		n     int
	}{
		{ModelSimilarity, 0},
		{ModelSimilarity, 1},
		{ModelRigid, 1},
		{ModelAffine, 2},
	}
	for _, tt := range tests {
		cfg := NewEstimatorConfig()
		cfg.Model = tt.model
		_, err := NewEstimator(cfg).Estimate(corrs[:tt.n], rand.New(rand.NewSource(1)))
		if !errors.Is(err, ErrInsufficientCorrespondences) {
			t.Errorf("%s with %d pairs: got %v, want ErrInsufficientCorrespondences", tt.model, tt.n, err)
		}
	}
}

func TestEstimateDegenerateGeometry(t *testing.T) {
	line := []Correspondence{}
	for i := 0; i < 3; i++ {
		p := Point{X: float64(10 * i), Y: float64(10 * i)}
		q := Point{X: p.X + 5, Y: p.Y - 2}
		line = append(line, Correspondence{Candidate: p, Reference: q})
	}
	cfg := NewEstimatorConfig()
	cfg.Model = ModelAffine
	cfg.MinInliers = 3
	if _, err := NewEstimator(cfg).Estimate(line, rand.New(rand.NewSource(1))); !errors.Is(err, ErrDegenerateGeometry) {
		t.Errorf("collinear affine: got %v, want ErrDegenerateGeometry", err)
	}

	same := []Correspondence{}
	for i := 0; i < 5; i++ {
		same = append(same, Correspondence{Candidate: Point{X: 7, Y: 7}, Reference: Point{X: float64(i), Y: 3}})
	}
	for _, model := range []Model{ModelRigid, ModelSimilarity, ModelAffine} {
		cfg := NewEstimatorConfig()
		cfg.Model = model
		if _, err := NewEstimator(cfg).Estimate(same, rand.New(rand.NewSource(1))); !errors.Is(err, ErrDegenerateGeometry) {
			t.Errorf("%s, coincident candidates: got %v, want ErrDegenerateGeometry", model, err)
		}
	}
}

func TestEstimateInsufficientConsensus(t *testing.T) {
	corrs := syntheticCorrs(NewSimilarity(1, 3, 2, 2), 3, 0, 11)
	cfg := NewEstimatorConfig()
	cfg.MinInliers = 4
	if _, err := NewEstimator(cfg).Estimate(corrs, rand.New(rand.NewSource(1))); !errors.Is(err, ErrInsufficientConsensus) {
		t.Errorf("3 good pairs, MinInliers 4: got %v, want ErrInsufficientConsensus", err)
	}

	cfg.MinInliers = 3
	if _, err := NewEstimator(cfg).Estimate(corrs, rand.New(rand.NewSource(1))); err != nil {
		t.Errorf("3 good pairs, MinInliers 3: %v", err)
	}

	// Mostly outliers: nothing gets a consensus of 6
	corrs = syntheticCorrs(NewSimilarity(1, 3, 2, 2), 4, 20, 12)
	cfg.MinInliers = 6
	if _, err := NewEstimator(cfg).Estimate(corrs, rand.New(rand.NewSource(1))); !errors.Is(err, ErrInsufficientConsensus) {
		t.Errorf("4 good pairs in 24, MinInliers 6: got %v, want ErrInsufficientConsensus", err)
	}
}

func TestEstimatedTransformIsInvertible(t *testing.T) {
	corrs := syntheticCorrs(NewSimilarity(1.1, -20, 30, 40), 12, 4, 8)
	for _, model := range []Model{ModelRigid, ModelSimilarity, ModelAffine} {
		cfg := NewEstimatorConfig()
		cfg.Model = model
		cfg.Tolerance = 50
		got, err := NewEstimator(cfg).Estimate(corrs, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("%s: %v", model, err)
		}
		if _, err := got.Inverse(); err != nil {
			t.Errorf("%s: estimate not invertible: %v", model, err)
		}
	}
}
