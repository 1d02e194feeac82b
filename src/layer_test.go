package flow

import (
	"math"
	"math/rand"
	"testing"

	"gotest.tools/v3/assert"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor {
	t := newTensor(shape...)
	t.fillRandNorm(0, 1, rng)
	return t
}

// checkGradients compares backward against central differences of
// L = sum(forward(x) * r) for a handful of input and parameter entries
func checkGradients(t *testing.T, l Layer, inputShape []int, batch int) {
	t.Helper()
	checkGradientsMode(t, l, inputShape, batch, true)
}

// checkGradientsMode runs the check with forward in the given mode
func checkGradientsMode(t *testing.T, l Layer, inputShape []int, batch int, training bool) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	assert.NilError(t, l.build(inputShape, rng))

	x := randomTensor(rng, append([]int{batch}, inputShape...)...)
	out, err := l.forward(x, training)
	assert.NilError(t, err)
	r := randomTensor(rng, out.shape...)

	gradIn, err := l.backward(r)
	assert.NilError(t, err)
	gradIn = gradIn.clone()
	var paramGrads []*tensor
	for _, g := range l.gradients() {
		paramGrads = append(paramGrads, g.clone())
	}

	objective := func() float64 {
		y, err := l.forward(x, training)
		assert.NilError(t, err)
		sum := 0.0
		for i, v := range y.data {
			sum += v * r.data[i]
		}
		return sum
	}
	numeric := func(data []float64, i int) float64 {
		const h = 1e-5
		orig := data[i]
		data[i] = orig + h
		plus := objective()
		data[i] = orig - h
		minus := objective()
		data[i] = orig
		return (plus - minus) / (2 * h)
	}
	near := func(what string, i int, got, want float64) {
		tol := 1e-4 * math.Max(1, math.Abs(want))
		assert.Assert(t, math.Abs(got-want) <= tol, "%s[%d]: analytic %g, numeric %g", what, i, got, want)
	}

	for k := 0; k < 12; k++ {
		i := rng.Intn(x.size())
		near("input", i, gradIn.data[i], numeric(x.data, i))
	}
	for p, param := range l.parameters() {
		for k := 0; k < 6; k++ {
			i := rng.Intn(param.size())
			near(l.name()+" param", i, paramGrads[p].data[i], numeric(param.data, i))
		}
	}
}

func TestDenseGradients(t *testing.T) {
	l := Dense(4).
		WithActivation(Sigmoid()).
		WithInitializer(XavierUniform(1.0)).
		WithBiasInitializer(Constant(0.1)).
		WithBias(true).
		Build()
	checkGradients(t, l, []int{5}, 3)
}

func TestConv2DGradients(t *testing.T) {
	for _, tc := range []struct {
		name    string
		padding string
		stride  int
	}{
		{"same-stride1", "same", 1},
		{"same-stride2", "same", 2},
		{"valid-stride1", "valid", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := Conv2D(3, [2]int{3, 3}).
				WithStride(tc.stride, tc.stride).
				WithPadding(tc.padding).
				WithActivation(Linear()).
				WithInitializer(HeNormal(1.0)).
				WithBiasInitializer(Zeros()).
				WithBias(true).
				Build()
			checkGradients(t, l, []int{5, 5, 2}, 2)
		})
	}
}

func TestBatchNormGradients(t *testing.T) {
	checkGradients(t, BatchNorm(1e-3, 0.99).Build(), []int{3, 3, 4}, 2)
	checkGradients(t, BatchNorm(1e-3, 0.99).Build(), []int{6}, 5)
}

func TestBatchNormInferenceGradients(t *testing.T) {
	bn := BatchNorm(1e-3, 0.5).Build().(*BatchNormLayer)
	assert.NilError(t, bn.build([]int{3}, rand.New(rand.NewSource(1))))
	copy(bn.runningMean.data, []float64{0.5, -1, 2})
	copy(bn.runningVar.data, []float64{4, 0.25, 1})
	copy(bn.gamma.data, []float64{1.5, -0.5, 2})

	x := wrapTensor([]float64{1, 2, 3, -1, 0, 4}, 2, 3)
	_, err := bn.forward(x, false)
	assert.NilError(t, err)
	dy := wrapTensor([]float64{1, 1, 1, 2, -1, 0.5}, 2, 3)
	dx, err := bn.backward(dy)
	assert.NilError(t, err)

	for i, g := range dy.data {
		j := i % 3
		want := g * bn.gamma.data[j] / math.Sqrt(bn.runningVar.data[j]+1e-3)
		assert.Assert(t, math.Abs(dx.data[i]-want) < 1e-12, "dx[%d] = %g, want %g", i, dx.data[i], want)
	}
}

func TestBatchNormInferenceGradientsNumeric(t *testing.T) {
	checkGradientsMode(t, BatchNorm(1e-3, 0.99).Build(), []int{2, 2, 3}, 3, false)
}

func TestPoolingGradients(t *testing.T) {
	checkGradients(t, MaxPool2D([2]int{2, 2}).Build(), []int{4, 4, 2}, 2)
	checkGradients(t, MaxPool2D([2]int{3, 3}).WithStride(2, 2).WithPadding("same").Build(), []int{5, 5, 2}, 2)
	checkGradients(t, AvgPool2D([2]int{2, 2}).WithPadding("same").Build(), []int{5, 5, 2}, 2)
	checkGradients(t, GlobalAvgPool2D().Build(), []int{3, 4, 2}, 3)
}

func TestResidualGradients(t *testing.T) {
	conv := func(filters, k, stride int) Layer {
		return Conv2D(filters, [2]int{k, k}).
			WithStride(stride, stride).
			WithPadding("same").
			WithActivation(Linear()).
			WithInitializer(HeNormal(1.0)).
			WithBias(false).
			Build()
	}
	l := Residual(
		conv(4, 3, 2),
		BatchNorm(1e-3, 0.99).Build(),
		Activate(ReLU()).Build(),
		conv(4, 3, 1),
	).
		WithShortcut(conv(4, 1, 2)).
		WithActivation(Linear()).
		Build()
	checkGradients(t, l, []int{4, 4, 2}, 2)
}

func TestResidualShapeMismatch(t *testing.T) {
	l := Residual(
		Conv2D(4, [2]int{3, 3}).
			WithPadding("same").
			WithActivation(Linear()).
			WithInitializer(HeNormal(1.0)).
			Build(),
	).WithActivation(ReLU()).Build()

	err := l.build([]int{4, 4, 2}, rand.New(rand.NewSource(1)))
	assert.Assert(t, err != nil)
	fe, ok := err.(*FlowError)
	assert.Assert(t, ok, "expected *FlowError, got %T", err)
	assert.Equal(t, fe.ErrorType, "shape mismatch")
}

func TestBatchNormInferenceUsesRunningStats(t *testing.T) {
	bn := BatchNorm(1e-3, 0.0).Build().(*BatchNormLayer)
	assert.NilError(t, bn.build([]int{1}, rand.New(rand.NewSource(1))))

	x := wrapTensor([]float64{1, 3}, 2, 1)
	_, err := bn.forward(x, true)
	assert.NilError(t, err)
	// momentum 0 copies the batch statistics
	assert.Equal(t, bn.runningMean.data[0], 2.0)
	assert.Equal(t, bn.runningVar.data[0], 1.0)

	out, err := bn.forward(wrapTensor([]float64{2}, 1, 1), false)
	assert.NilError(t, err)
	assert.Assert(t, math.Abs(out.data[0]) < 1e-12)
}

func TestDropoutInference(t *testing.T) {
	d := Dropout(0.5).WithSeed(3).Build()
	assert.NilError(t, d.build([]int{8}, rand.New(rand.NewSource(1))))

	x := randomTensor(rand.New(rand.NewSource(2)), 4, 8)
	out, err := d.forward(x, false)
	assert.NilError(t, err)
	assert.DeepEqual(t, out.data, x.data)

	out, err = d.forward(x, true)
	assert.NilError(t, err)
	zeros := 0
	for i, v := range out.data {
		if v == 0 {
			zeros++
			continue
		}
		assert.Assert(t, math.Abs(v-2*x.data[i]) < 1e-12)
	}
	assert.Assert(t, zeros > 0)
}

func TestDenseRejectsImageInput(t *testing.T) {
	_, err := NewNetwork(NetworkConfig{Seed: 1}).
		AddLayer(Dense(2).
			WithActivation(Linear()).
			WithInitializer(XavierUniform(1.0)).
			Build()).
		Build([]int{4, 4, 3})
	assert.ErrorContains(t, err, "shape mismatch")
	fe, ok := err.(*FlowError)
	assert.Assert(t, ok)
	assert.Equal(t, fe.LayerIndex, 0)
	assert.Equal(t, fe.LayerName, "dense")
}
