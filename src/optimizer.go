package flow

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates network parameters. init is called again whenever the
// set of trainable parameters changes (freezing, unfreezing).
type Optimizer interface {
	init(params []*tensor)
	step(params []*tensor, grads []*tensor)
	validate() error
	name() string
}

// SGDOptimizer - Stochastic Gradient Descent with optional momentum
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
	velocities  []*tensor
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
}

func (s *SGDOptimizer) validate() error {
	if s.LR <= 0 {
		return errorf("SGD LR must be > 0, got %g", s.LR)
	}
	if s.Momentum < 0 || s.Momentum >= 1 {
		return errorf("SGD Momentum must be in [0, 1), got %g", s.Momentum)
	}
	return nil
}

func (s *SGDOptimizer) init(params []*tensor) {
	s.velocities = make([]*tensor, len(params))
	for i, p := range params {
		s.velocities[i] = newTensor(p.shape...)
	}
}

func (s *SGDOptimizer) step(params []*tensor, grads []*tensor) {
	if len(s.velocities) != len(params) {
		s.init(params)
	}
	parallelFor(len(params), func(_, i int) {
		s.update(params[i].data, grads[i].data, s.velocities[i].data)
	})
}

// update consumes g as scratch
func (s *SGDOptimizer) update(p, g, v []float64) {
	if s.WeightDecay != 0 {
		floats.AddScaled(g, s.WeightDecay, p)
	}
	if s.Momentum == 0 {
		floats.AddScaled(p, -s.LR, g)
		return
	}
	floats.Scale(s.Momentum, v)
	floats.Add(v, g)
	if s.Nesterov {
		floats.AddScaled(g, s.Momentum, v)
		floats.AddScaled(p, -s.LR, g)
		return
	}
	floats.AddScaled(p, -s.LR, v)
}

func (s *SGDOptimizer) name() string { return "sgd" }

// AdamOptimizer - Adaptive Moment Estimation
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
	m           []*tensor
	v           []*tensor
	vMax        []*tensor
	t           int
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	AMSGrad     bool
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
		AMSGrad:     config.AMSGrad,
	}
}

func (a *AdamOptimizer) validate() error {
	if a.LR <= 0 {
		return errorf("Adam LR must be > 0, got %g", a.LR)
	}
	if a.Beta1 < 0 || a.Beta1 >= 1 {
		return errorf("Adam Beta1 must be in [0, 1), got %g", a.Beta1)
	}
	if a.Beta2 < 0 || a.Beta2 >= 1 {
		return errorf("Adam Beta2 must be in [0, 1), got %g", a.Beta2)
	}
	if a.Epsilon <= 0 {
		return errorf("Adam Epsilon must be > 0, got %g", a.Epsilon)
	}
	return nil
}

func (a *AdamOptimizer) init(params []*tensor) {
	a.m = make([]*tensor, len(params))
	a.v = make([]*tensor, len(params))
	a.vMax = nil
	if a.AMSGrad {
		a.vMax = make([]*tensor, len(params))
	}
	for i, p := range params {
		a.m[i] = newTensor(p.shape...)
		a.v[i] = newTensor(p.shape...)
		if a.AMSGrad {
			a.vMax[i] = newTensor(p.shape...)
		}
	}
	a.t = 0
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	if len(a.m) != len(params) {
		a.init(params)
	}
	a.t++
	lr := a.LR * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t))) / (1 - math.Pow(a.Beta1, float64(a.t)))
	eps := a.Epsilon * math.Sqrt(1-math.Pow(a.Beta2, float64(a.t)))
	parallelFor(len(params), func(_, i int) {
		var vMax []float64
		if a.AMSGrad {
			vMax = a.vMax[i].data
		}
		a.update(params[i].data, grads[i].data, a.m[i].data, a.v[i].data, vMax, lr, eps)
	})
}

// update applies one bias-corrected step folded into lr and eps, so that
// p -= lr*m/(sqrt(v)+eps) equals the textbook mHat/(sqrt(vHat)+Epsilon) form
func (a *AdamOptimizer) update(p, g, m, v, vMax []float64, lr, eps float64) {
	for j, grad := range g {
		if a.WeightDecay != 0 {
			grad += a.WeightDecay * p[j]
		}
		m[j] = a.Beta1*m[j] + (1-a.Beta1)*grad
		v[j] = a.Beta2*v[j] + (1-a.Beta2)*grad*grad
		denom := v[j]
		if vMax != nil {
			if denom > vMax[j] {
				vMax[j] = denom
			}
			denom = vMax[j]
		}
		p[j] -= lr * m[j] / (math.Sqrt(denom) + eps)
	}
}

func (a *AdamOptimizer) name() string { return "adam" }
