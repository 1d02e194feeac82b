package flow

import (
	"math"
	"math/rand"
)

// Activation represents an element-wise activation function
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = math.Max(v, 0)
	}
}

func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// SigmoidActivation squashes to (0, 1); used by the binary head
type SigmoidActivation struct{}

func Sigmoid() Activation { return &SigmoidActivation{} }

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1.0 / (1.0 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1.0 + e)
}

func (s *SigmoidActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = sigmoid(v)
	}
}

func (s *SigmoidActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		sig := sigmoid(v)
		gradIn.data[i] = gradOut.data[i] * sig * (1 - sig)
	}
}

func (s *SigmoidActivation) name() string { return "sigmoid" }

// LinearActivation - identity
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }

// ActivationLayer applies an activation on its own, so conv -> batch norm -> relu
// can be expressed as three layers
type ActivationLayer struct {
	activation Activation
	input      *tensor
	inputShape []int
}

type ActivationBuilder struct {
	layer *ActivationLayer
}

func Activate(act Activation) *ActivationBuilder {
	return &ActivationBuilder{layer: &ActivationLayer{activation: act}}
}

func (b *ActivationBuilder) Build() Layer {
	return b.layer
}

func (a *ActivationLayer) build(inputShape []int, rng *rand.Rand) error {
	if a.activation == nil {
		return errorf("ActivationLayer requires an activation")
	}
	a.inputShape = inputShape
	return nil
}

func (a *ActivationLayer) forward(input *tensor, training bool) (*tensor, error) {
	a.input = input
	out := newTensor(input.shape...)
	a.activation.forward(input, out)
	return out, nil
}

func (a *ActivationLayer) backward(gradOutput *tensor) (*tensor, error) {
	if a.input == nil {
		return nil, errorf("ActivationLayer backward called before forward")
	}
	gradInput := newTensor(gradOutput.shape...)
	a.activation.backward(a.input, gradOutput, gradInput)
	return gradInput, nil
}

func (a *ActivationLayer) parameters() []*tensor { return nil }
func (a *ActivationLayer) gradients() []*tensor  { return nil }
func (a *ActivationLayer) outputShape() []int    { return a.inputShape }
func (a *ActivationLayer) name() string          { return "activation_" + a.activation.name() }
