package starfield

import (
	"fmt"
	"math"

	"github.com/abworrall/starfield-align/pkg/emath"
)

// A Model is the family of transforms the estimator fits.
type Model string

const (
	ModelRigid      Model = "rigid"      // rotation + translation
	ModelSimilarity Model = "similarity" // rotation + uniform scale + translation
	ModelAffine     Model = "affine"     // general 2x2 linear part + translation
)

// MinPairs is how many correspondences fully determine the model.
func (m Model) MinPairs() int {
	switch m {
	case ModelAffine:
		return 3
	default:
		return 2
	}
}

func (m Model) Valid() bool {
	switch m {
	case ModelRigid, ModelSimilarity, ModelAffine:
		return true
	}
	return false
}

// generality orders models so composing two transforms keeps the
// wider family.
func (m Model) generality() int {
	switch m {
	case ModelRigid:
		return 0
	case ModelSimilarity:
		return 1
	}
	return 2
}

// A Transform maps candidate frame coordinates onto reference frame
// coordinates. Rigid and similarity transforms keep M in the form
//
//	[ a -b tx ]
//	[ b  a ty ]
//
// which is what the analytic inverse relies on.
type Transform struct {
	Model   Model
	M       emath.Aff3
	Inliers int     // correspondences that agreed with M
	RMS     float64 // residual over those inliers, in pixels
}

// Identity is the transform of the reference frame onto itself.
func Identity() Transform {
	return Transform{Model: ModelSimilarity, M: emath.Identity()}
}

// NewSimilarity builds the transform that scales by s and rotates by
// thetaDeg about the origin, then translates by (tx,ty).
func NewSimilarity(s, thetaDeg, tx, ty float64) Transform {
	// Rightmost first: scale, then rotate, then translate
	return Transform{
		Model: ModelSimilarity,
		M:     emath.Identity().Translate(tx, ty).Rotate(thetaDeg).Scale(s),
	}
}

// NewRotationAbout rotates by thetaDeg around (cx,cy), the motion the
// spacecraft's roll produces in a frame.
func NewRotationAbout(thetaDeg, cx, cy float64) Transform {
	return Transform{Model: ModelRigid, M: emath.RotateAbout(thetaDeg, cx, cy)}
}

func (t Transform) Apply(x, y float64) (float64, float64) { return t.M.Apply(x, y) }

// Scale is the uniform scale factor; for affine transforms it is the
// square root of the area change.
func (t Transform) Scale() float64 {
	if t.Model == ModelAffine {
		return math.Sqrt(math.Abs(t.M.Det()))
	}
	return math.Hypot(t.M[0], t.M[3])
}

func (t Transform) RotationDeg() float64 {
	return math.Atan2(t.M[3], t.M[0]) * 180.0 / math.Pi
}

func (t Transform) Translation() (float64, float64) { return t.M[2], t.M[5] }

// Inverse maps reference coordinates back into the candidate frame. It
// is computed from the closed form parameters; an affine transform
// whose linear part is singular gives ErrDegenerateGeometry.
func (t Transform) Inverse() (Transform, error) {
	inv := Transform{Model: t.Model, Inliers: t.Inliers, RMS: t.RMS}

	if t.Model == ModelAffine {
		m, ok := t.M.Invert()
		if !ok {
			return Transform{}, fmt.Errorf("%w: affine transform not invertible\n%s", ErrDegenerateGeometry, t.M)
		}
		inv.M = m
		return inv, nil
	}

	// Inverse of [a -b; b a] is [a b; -b a] / (a^2+b^2)
	a, b := t.M[0], t.M[3]
	s2 := a*a + b*b
	if s2 < 1e-12 || math.IsNaN(s2) || math.IsInf(s2, 0) {
		return Transform{}, fmt.Errorf("%w: zero scale", ErrDegenerateGeometry)
	}
	ia, ib := a/s2, -b/s2
	tx, ty := t.M[2], t.M[5]
	inv.M = emath.Aff3{
		ia, -ib, -(ia*tx - ib*ty),
		ib, ia, -(ib*tx + ia*ty),
	}
	return inv, nil
}

// Then returns the transform that applies t first, then u.
func (t Transform) Then(u Transform) Transform {
	model := t.Model
	if u.Model.generality() > model.generality() {
		model = u.Model
	}
	return Transform{Model: model, M: u.M.Mult(t.M)}
}

func (t Transform) IsIdentity(eps float64) bool { return t.M.IsIdentity(eps) }

func (t Transform) String() string {
	tx, ty := t.Translation()
	str := fmt.Sprintf("Xform[%s (%7.2f,%7.2f) %6.3fdeg x%.4f", t.Model, tx, ty, t.RotationDeg(), t.Scale())
	if t.Inliers > 0 {
		str += fmt.Sprintf(", %d inliers, rms:%.3f", t.Inliers, t.RMS)
	}
	return str + "]"
}
