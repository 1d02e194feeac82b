package flow

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// ResidualLayer computes act(main(x) + shortcut(x)). An empty shortcut is
// the identity, which requires main to preserve the input shape.
type ResidualLayer struct {
	main       []Layer
	shortcut   []Layer
	activation Activation
	sum        *tensor
	inputShape []int
	outShape   []int
	built      bool
}

type ResidualBuilder struct {
	layer *ResidualLayer
}

func Residual(main ...Layer) *ResidualBuilder {
	return &ResidualBuilder{layer: &ResidualLayer{main: main}}
}

// WithShortcut sets a projection path (typically 1x1 conv + batch norm)
func (b *ResidualBuilder) WithShortcut(layers ...Layer) *ResidualBuilder {
	b.layer.shortcut = layers
	return b
}

func (b *ResidualBuilder) WithActivation(act Activation) *ResidualBuilder {
	b.layer.activation = act
	return b
}

func (b *ResidualBuilder) Build() Layer {
	return b.layer
}

func buildChain(layers []Layer, inputShape []int, rng *rand.Rand) ([]int, error) {
	shape := inputShape
	for i, l := range layers {
		if err := l.build(shape, rng); err != nil {
			return nil, errorf("residual sub-layer %d (%s): %v", i, l.name(), err)
		}
		shape = l.outputShape()
	}
	return shape, nil
}

func (r *ResidualLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(r.main) == 0 {
		return errorf("Residual requires at least one main-path layer")
	}
	if r.activation == nil {
		return errorf("Residual requires activation - use WithActivation()")
	}
	mainShape, err := buildChain(r.main, inputShape, rng)
	if err != nil {
		return err
	}
	shortShape, err := buildChain(r.shortcut, inputShape, rng)
	if err != nil {
		return err
	}
	if !sameShape(mainShape, shortShape) {
		return &FlowError{
			Component:    "Residual",
			ErrorType:    "shape mismatch",
			LayerIndex:   -1,
			Phase:        "build",
			ExpectedInfo: "main and shortcut paths must produce the same shape",
			Cause:        fmt.Sprintf("main %v, shortcut %v", mainShape, shortShape),
		}
	}
	r.inputShape = inputShape
	r.outShape = mainShape
	r.built = true
	return nil
}

func (r *ResidualLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !r.built {
		return nil, errorf("Residual not built")
	}
	mainOut := input
	for _, l := range r.main {
		var err error
		if mainOut, err = l.forward(mainOut, training); err != nil {
			return nil, err
		}
	}
	shortOut := input
	for _, l := range r.shortcut {
		var err error
		if shortOut, err = l.forward(shortOut, training); err != nil {
			return nil, err
		}
	}

	r.sum = newTensor(mainOut.shape...)
	floats.AddTo(r.sum.data, mainOut.data, shortOut.data)

	output := newTensor(r.sum.shape...)
	r.activation.forward(r.sum, output)
	return output, nil
}

func (r *ResidualLayer) backward(gradOutput *tensor) (*tensor, error) {
	if r.sum == nil {
		return nil, errorf("Residual backward called before forward")
	}
	gradSum := newTensor(gradOutput.shape...)
	r.activation.backward(r.sum, gradOutput, gradSum)

	gradMain := gradSum
	for i := len(r.main) - 1; i >= 0; i-- {
		var err error
		if gradMain, err = r.main[i].backward(gradMain); err != nil {
			return nil, err
		}
	}
	gradShort := gradSum
	for i := len(r.shortcut) - 1; i >= 0; i-- {
		var err error
		if gradShort, err = r.shortcut[i].backward(gradShort); err != nil {
			return nil, err
		}
	}

	gradInput := newTensor(gradMain.shape...)
	floats.AddTo(gradInput.data, gradMain.data, gradShort.data)
	return gradInput, nil
}

func (r *ResidualLayer) sublayers() []Layer {
	return append(append([]Layer(nil), r.main...), r.shortcut...)
}

func (r *ResidualLayer) parameters() []*tensor {
	var params []*tensor
	for _, l := range r.sublayers() {
		params = append(params, l.parameters()...)
	}
	return params
}

func (r *ResidualLayer) gradients() []*tensor {
	var grads []*tensor
	for _, l := range r.sublayers() {
		grads = append(grads, l.gradients()...)
	}
	return grads
}

func (r *ResidualLayer) state() []*tensor {
	var st []*tensor
	for _, l := range r.sublayers() {
		st = append(st, layerState(l)...)
	}
	return st
}

func (r *ResidualLayer) outputShape() []int { return r.outShape }
func (r *ResidualLayer) name() string       { return "residual" }
