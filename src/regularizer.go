package flow

import "gonum.org/v1/gonum/floats"

// Regularizer penalizes weights; it is applied to every trainable tensor
type Regularizer interface {
	loss(weights *tensor) float64
	gradient(weights *tensor, grad *tensor)
	name() string
}

// L2Regularizer - Ridge regularization
type L2Regularizer struct {
	Lambda float64
}

func L2(lambda float64) Regularizer {
	return &L2Regularizer{Lambda: lambda}
}

func (l *L2Regularizer) loss(weights *tensor) float64 {
	return 0.5 * l.Lambda * floats.Dot(weights.data, weights.data)
}

func (l *L2Regularizer) gradient(weights *tensor, grad *tensor) {
	floats.AddScaled(grad.data, l.Lambda, weights.data)
}

func (l *L2Regularizer) name() string { return "l2" }

// NoRegularizer - explicit opt-out
type NoRegularizer struct{}

func NoReg() Regularizer { return &NoRegularizer{} }

func (n *NoRegularizer) loss(weights *tensor) float64           { return 0 }
func (n *NoRegularizer) gradient(weights *tensor, grad *tensor) {}
func (n *NoRegularizer) name() string                           { return "none" }
