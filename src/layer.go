package flow

import (
	"math"
	"math/rand"
)

// Layer is the base interface for all layers. Shapes passed to build and
// returned by outputShape are per-sample; tensors carry a leading batch axis.
type Layer interface {
	build(inputShape []int, rng *rand.Rand) error
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	parameters() []*tensor
	gradients() []*tensor
	outputShape() []int
	name() string
}

// stateful layers own non-trainable tensors (running statistics) that are
// saved and cloned together with the parameters
type stateful interface {
	state() []*tensor
}

func layerState(l Layer) []*tensor {
	if s, ok := l.(stateful); ok {
		return s.state()
	}
	return nil
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [fanIn, units]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	fanIn       int
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return shapeError("Dense", -1, "build", inputShape, "[features] - add Flatten before Dense")
	}
	if d.units <= 0 {
		return errorf("Dense units must be > 0, got %d", d.units)
	}
	if d.initializer == nil {
		return errorf("Dense requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errorf("Dense requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errorf("Dense with bias requires bias initializer - use WithBiasInitializer()")
	}

	d.fanIn = inputShape[0]
	d.weights = newTensor(d.fanIn, d.units)
	d.initializer.initialize(d.weights, d.fanIn, d.units, rng)
	d.gradW = newTensor(d.fanIn, d.units)

	if d.useBias {
		d.bias = newTensor(d.units)
		d.biasInit.initialize(d.bias, d.fanIn, d.units, rng)
		d.gradB = newTensor(d.units)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, errorf("Dense not built - call Build() first")
	}
	if len(input.shape) != 2 || input.shape[1] != d.fanIn {
		return nil, shapeError("Dense", -1, "forward", input.shape, "[batch, fanIn]")
	}
	batchSize := input.shape[0]

	d.input = input
	d.preAct = newTensor(batchSize, d.units)

	// Y = X @ W + b
	matmul(input, d.weights, d.preAct, batchSize, d.fanIn, d.units)
	if d.useBias {
		addRowVec(d.preAct, d.bias.data)
	}

	output := newTensor(batchSize, d.units)
	d.activation.forward(d.preAct, output)
	return output, nil
}

func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errorf("Dense backward called before forward")
	}
	batchSize := d.input.shape[0]

	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// dL/dW = X^T @ dL/dY; the loss gradient already carries the batch mean
	d.gradW.zero()
	matmulTransA(d.input, gradPreAct, d.gradW, batchSize, d.fanIn, d.units)

	if d.useBias {
		d.gradB.zero()
		sumRows(gradPreAct, d.gradB.data)
	}

	// dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights, gradInput, batchSize, d.units, d.fanIn)
	return gradInput, nil
}

func (d *DenseLayer) parameters() []*tensor {
	if d.useBias {
		return []*tensor{d.weights, d.bias}
	}
	return []*tensor{d.weights}
}

func (d *DenseLayer) gradients() []*tensor {
	if d.useBias {
		return []*tensor{d.gradW, d.gradB}
	}
	return []*tensor{d.gradW}
}

func (d *DenseLayer) outputShape() []int { return []int{d.units} }
func (d *DenseLayer) name() string       { return "dense" }

// DropoutLayer - randomly zeros elements during training (inverted dropout)
type DropoutLayer struct {
	rate       float64
	seed       int64
	mask       *tensor
	rng        *rand.Rand
	inputShape []int
}

type DropoutBuilder struct {
	layer *DropoutLayer
}

func Dropout(rate float64) *DropoutBuilder {
	return &DropoutBuilder{
		layer: &DropoutLayer{
			rate: rate,
		},
	}
}

// WithSeed gives the layer its own random stream instead of the network's
func (b *DropoutBuilder) WithSeed(seed int64) *DropoutBuilder {
	b.layer.seed = seed
	return b
}

func (b *DropoutBuilder) Build() Layer {
	return b.layer
}

func (d *DropoutLayer) build(inputShape []int, rng *rand.Rand) error {
	if d.rate < 0 || d.rate >= 1 {
		return errorf("dropout rate must be in [0, 1), got %f", d.rate)
	}
	d.rng = rng
	if d.seed != 0 {
		d.rng = rand.New(rand.NewSource(d.seed))
	}
	d.inputShape = inputShape
	return nil
}

func (d *DropoutLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return input, nil
	}

	output := newTensor(input.shape...)
	d.mask = newTensor(input.shape...)

	scale := 1.0 / (1.0 - d.rate)
	for i, v := range input.data {
		if d.rng.Float64() >= d.rate {
			d.mask.data[i] = scale
			output.data[i] = v * scale
		}
	}
	return output, nil
}

func (d *DropoutLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	gradInput := newTensor(gradOutput.shape...)
	for i, g := range gradOutput.data {
		gradInput.data[i] = g * d.mask.data[i]
	}
	return gradInput, nil
}

func (d *DropoutLayer) parameters() []*tensor { return nil }
func (d *DropoutLayer) gradients() []*tensor  { return nil }
func (d *DropoutLayer) outputShape() []int    { return d.inputShape }
func (d *DropoutLayer) name() string          { return "dropout" }

// FlattenLayer - flattens input to 1D (per sample)
type FlattenLayer struct {
	inputShape []int
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errorf("Flatten requires non-empty input shape")
	}
	f.inputShape = inputShape
	return nil
}

// forward shares the input buffer; only the shape changes
func (f *FlattenLayer) forward(input *tensor, training bool) (*tensor, error) {
	return wrapTensor(input.data, input.shape[0], shapeSize(f.inputShape)), nil
}

func (f *FlattenLayer) backward(gradOutput *tensor) (*tensor, error) {
	shape := append([]int{gradOutput.shape[0]}, f.inputShape...)
	return wrapTensor(gradOutput.data, shape...), nil
}

func (f *FlattenLayer) parameters() []*tensor { return nil }
func (f *FlattenLayer) gradients() []*tensor  { return nil }
func (f *FlattenLayer) outputShape() []int    { return []int{shapeSize(f.inputShape)} }
func (f *FlattenLayer) name() string          { return "flatten" }

// BatchNormLayer normalizes over every axis but the last, so it serves both
// dense activations [batch, features] and feature maps [batch, H, W, C]
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64
	gamma       *tensor
	beta        *tensor
	runningMean *tensor
	runningVar  *tensor
	gradGamma   *tensor
	gradBeta    *tensor
	normalized  *tensor
	invStd      []float64
	inputShape  []int
	features    int
	built       bool
	// last forward used running statistics
	inference bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errorf("BatchNorm requires non-empty input shape")
	}
	if bn.epsilon <= 0 {
		return errorf("BatchNorm epsilon must be > 0, got %g", bn.epsilon)
	}
	if bn.momentum < 0 || bn.momentum >= 1 {
		return errorf("BatchNorm momentum must be in [0, 1), got %g", bn.momentum)
	}
	bn.inputShape = inputShape
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = newTensor(bn.features)
	bn.gamma.fill(1.0)
	bn.beta = newTensor(bn.features)

	bn.runningMean = newTensor(bn.features)
	bn.runningVar = newTensor(bn.features)
	bn.runningVar.fill(1.0)

	bn.gradGamma = newTensor(bn.features)
	bn.gradBeta = newTensor(bn.features)
	bn.invStd = make([]float64, bn.features)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !bn.built {
		return nil, errorf("BatchNorm not built")
	}
	f := bn.features
	rows := input.rows(f)
	mean := make([]float64, f)
	variance := make([]float64, f)
	bn.inference = !training

	if training {
		for r := 0; r < rows; r++ {
			for j, v := range input.data[r*f : (r+1)*f] {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for r := 0; r < rows; r++ {
			for j, v := range input.data[r*f : (r+1)*f] {
				diff := v - mean[j]
				variance[j] += diff * diff
			}
		}
		for j := range variance {
			variance[j] /= float64(rows)
			bn.runningMean.data[j] = bn.momentum*bn.runningMean.data[j] + (1-bn.momentum)*mean[j]
			bn.runningVar.data[j] = bn.momentum*bn.runningVar.data[j] + (1-bn.momentum)*variance[j]
		}
	} else {
		copy(mean, bn.runningMean.data)
		copy(variance, bn.runningVar.data)
	}

	for j := range bn.invStd {
		bn.invStd[j] = 1.0 / math.Sqrt(variance[j]+bn.epsilon)
	}

	bn.normalized = newTensor(input.shape...)
	output := newTensor(input.shape...)
	for r := 0; r < rows; r++ {
		base := r * f
		for j := 0; j < f; j++ {
			xHat := (input.data[base+j] - mean[j]) * bn.invStd[j]
			bn.normalized.data[base+j] = xHat
			output.data[base+j] = bn.gamma.data[j]*xHat + bn.beta.data[j]
		}
	}
	return output, nil
}

// backward uses the compact form
// dx = invStd/N * (N*dxHat - sum(dxHat) - xHat*sum(dxHat*xHat))
// after a training forward. After an inference forward the statistics are
// constants and dx = dy * gamma * invStd.
func (bn *BatchNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if bn.normalized == nil {
		return nil, errorf("BatchNorm backward called before forward")
	}
	f := bn.features
	rows := gradOutput.rows(f)
	n := float64(rows)

	bn.gradGamma.zero()
	bn.gradBeta.zero()
	if bn.inference {
		return bn.backwardInference(gradOutput), nil
	}
	sumDxHat := make([]float64, f)
	sumDxHatXHat := make([]float64, f)

	for r := 0; r < rows; r++ {
		base := r * f
		for j := 0; j < f; j++ {
			g := gradOutput.data[base+j]
			xHat := bn.normalized.data[base+j]
			bn.gradGamma.data[j] += g * xHat
			bn.gradBeta.data[j] += g
			dxHat := g * bn.gamma.data[j]
			sumDxHat[j] += dxHat
			sumDxHatXHat[j] += dxHat * xHat
		}
	}

	gradInput := newTensor(gradOutput.shape...)
	for r := 0; r < rows; r++ {
		base := r * f
		for j := 0; j < f; j++ {
			dxHat := gradOutput.data[base+j] * bn.gamma.data[j]
			xHat := bn.normalized.data[base+j]
			gradInput.data[base+j] = bn.invStd[j] / n * (n*dxHat - sumDxHat[j] - xHat*sumDxHatXHat[j])
		}
	}
	return gradInput, nil
}

func (bn *BatchNormLayer) backwardInference(gradOutput *tensor) *tensor {
	f := bn.features
	gradInput := newTensor(gradOutput.shape...)
	for r := 0; r < gradOutput.rows(f); r++ {
		base := r * f
		for j := 0; j < f; j++ {
			g := gradOutput.data[base+j]
			bn.gradGamma.data[j] += g * bn.normalized.data[base+j]
			bn.gradBeta.data[j] += g
			gradInput.data[base+j] = g * bn.gamma.data[j] * bn.invStd[j]
		}
	}
	return gradInput
}

func (bn *BatchNormLayer) parameters() []*tensor {
	return []*tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) gradients() []*tensor {
	return []*tensor{bn.gradGamma, bn.gradBeta}
}

func (bn *BatchNormLayer) state() []*tensor {
	return []*tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }
