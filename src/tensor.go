package flow

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// tensor is the engine's dense row-major buffer - internal only
type tensor struct {
	data  []float64
	shape []int
}

func newTensor(shape ...int) *tensor {
	return &tensor{
		data:  make([]float64, shapeSize(shape)),
		shape: append([]int(nil), shape...),
	}
}

// wrapTensor reuses data as the backing slice; len(data) must match shape
func wrapTensor(data []float64, shape ...int) *tensor {
	return &tensor{data: data, shape: append([]int(nil), shape...)}
}

func shapeSize(shape []int) int {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return size
}

func (t *tensor) size() int {
	return len(t.data)
}

// rows treats the tensor as [size/cols, cols]
func (t *tensor) rows(cols int) int {
	if cols == 0 {
		return 0
	}
	return len(t.data) / cols
}

func (t *tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func (t *tensor) zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

func (t *tensor) clone() *tensor {
	nt := newTensor(t.shape...)
	copy(nt.data, t.data)
	return nt
}

// matmul computes out = a[m,k] @ b[k,n]
func matmul(a, b, out *tensor, m, k, n int) {
	for i := 0; i < m; i++ {
		row := out.data[i*n : (i+1)*n]
		for j := range row {
			row[j] = 0
		}
		for l := 0; l < k; l++ {
			av := a.data[i*k+l]
			if av == 0 {
				continue
			}
			floats.AddScaled(row, av, b.data[l*n:(l+1)*n])
		}
	}
}

// matmulTransA accumulates out[k,n] += a[m,k]^T @ b[m,n]
func matmulTransA(a, b, out *tensor, m, k, n int) {
	for i := 0; i < m; i++ {
		brow := b.data[i*n : (i+1)*n]
		for l := 0; l < k; l++ {
			av := a.data[i*k+l]
			if av == 0 {
				continue
			}
			floats.AddScaled(out.data[l*n:(l+1)*n], av, brow)
		}
	}
}

// matmulTransB computes out[m,k] = a[m,n] @ b[k,n]^T
func matmulTransB(a, b, out *tensor, m, n, k int) {
	for i := 0; i < m; i++ {
		arow := a.data[i*n : (i+1)*n]
		for j := 0; j < k; j++ {
			out.data[i*k+j] = floats.Dot(arow, b.data[j*n:(j+1)*n])
		}
	}
}

func addRowVec(a *tensor, v []float64) {
	cols := len(v)
	for r := 0; r < a.rows(cols); r++ {
		floats.Add(a.data[r*cols:(r+1)*cols], v)
	}
}

// sumRows accumulates the column sums of a[rows, len(out)] into out
func sumRows(a *tensor, out []float64) {
	cols := len(out)
	for r := 0; r < a.rows(cols); r++ {
		floats.Add(out, a.data[r*cols:(r+1)*cols])
	}
}

func mulScalar(a *tensor, s float64) {
	floats.Scale(s, a.data)
}

func clipValues(a *tensor, min, max float64) {
	for i, v := range a.data {
		if v < min {
			a.data[i] = min
		} else if v > max {
			a.data[i] = max
		}
	}
}

func l2Norm(a *tensor) float64 {
	if len(a.data) == 0 {
		return 0
	}
	return floats.Norm(a.data, 2)
}

func hasNonFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
