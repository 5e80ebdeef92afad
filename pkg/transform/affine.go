// Package transform provides the 3D affine transformation that places a label
// volume in world (viewer) space.
package transform

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a transformation cannot be inverted.
var ErrSingular = errors.New("transform: matrix is singular")

// Affine3D is a 3D affine transformation stored as a homogeneous 4x4 matrix.
// The zero value is not usable; start from Identity.
type Affine3D struct {
	m *mat.Dense
}

// Identity returns the identity transformation.
func Identity() Affine3D {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Affine3D{m: m}
}

// Scale returns a transformation scaling each axis independently, for
// example by the physical voxel size.
func Scale(sx, sy, sz float64) Affine3D {
	a := Identity()
	a.m.Set(0, 0, sx)
	a.m.Set(1, 1, sy)
	a.m.Set(2, 2, sz)
	return a
}

// Translation returns a pure translation.
func Translation(tx, ty, tz float64) Affine3D {
	a := Identity()
	a.m.Set(0, 3, tx)
	a.m.Set(1, 3, ty)
	a.m.Set(2, 3, tz)
	return a
}

// FromRowMajor builds a transformation from the top three rows of the
// matrix, as written by viewers that store 12 values.
func FromRowMajor(values []float64) (Affine3D, error) {
	if len(values) != 12 {
		return Affine3D{}, fmt.Errorf("transform: need 12 values, got %d", len(values))
	}
	a := Identity()
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a.m.Set(r, c, values[r*4+c])
		}
	}
	return a, nil
}

// RowMajor returns the top three rows of the matrix.
func (a Affine3D) RowMajor() []float64 {
	out := make([]float64, 0, 12)
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			out = append(out, a.m.At(r, c))
		}
	}
	return out
}

// Concatenate returns the transformation that first applies other, then a.
func (a Affine3D) Concatenate(other Affine3D) Affine3D {
	var out mat.Dense
	out.Mul(a.m, other.m)
	return Affine3D{m: &out}
}

// Inverse returns the inverse transformation.
func (a Affine3D) Inverse() (Affine3D, error) {
	var out mat.Dense
	if err := out.Inverse(a.m); err != nil {
		return Affine3D{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	return Affine3D{m: &out}, nil
}

// Apply maps a point through the transformation.
func (a Affine3D) Apply(x, y, z float64) (float64, float64, float64) {
	in := mat.NewVecDense(4, []float64{x, y, z, 1})
	var out mat.VecDense
	out.MulVec(a.m, in)
	return out.AtVec(0), out.AtVec(1), out.AtVec(2)
}

// Equal reports whether both transformations are element-wise within tol.
func (a Affine3D) Equal(other Affine3D, tol float64) bool {
	return mat.EqualApprox(a.m, other.m, tol)
}

func (a Affine3D) String() string {
	return fmt.Sprintf("%v", mat.Formatted(a.m.Slice(0, 3, 0, 4), mat.Squeeze()))
}
