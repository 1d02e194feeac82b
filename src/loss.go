package flow

import "math"

// Loss computes loss and gradients. compute returns the reduced loss of one
// batch; Fit weights batches by their sample count when averaging an epoch.
type Loss interface {
	compute(pred, target *tensor) float64
	gradient(pred, target *tensor, gradOut *tensor)
	name() string
}

func reduce(sum float64, n int, reduction string) float64 {
	if reduction == "mean" && n > 0 {
		return sum / float64(n)
	}
	return sum
}

func reductionScale(n int, reduction string) float64 {
	if reduction == "mean" && n > 0 {
		return 1.0 / float64(n)
	}
	return 1.0
}

// MSELoss - Mean Squared Error
type MSELoss struct {
	Reduction string // "mean" or "sum"
}

type MSEConfig struct {
	Reduction string
}

func MSE(config MSEConfig) Loss {
	return &MSELoss{Reduction: config.Reduction}
}

func (m *MSELoss) compute(pred, target *tensor) float64 {
	sum := 0.0
	for i := range pred.data {
		diff := pred.data[i] - target.data[i]
		sum += diff * diff
	}
	return reduce(sum, len(pred.data), m.Reduction)
}

func (m *MSELoss) gradient(pred, target *tensor, gradOut *tensor) {
	scale := 2.0 * reductionScale(len(pred.data), m.Reduction)
	for i := range pred.data {
		gradOut.data[i] = scale * (pred.data[i] - target.data[i])
	}
}

func (m *MSELoss) name() string { return "mse" }

// MAELoss - Mean Absolute Error, the default regression objective
type MAELoss struct {
	Reduction string
}

type MAEConfig struct {
	Reduction string
}

func MAE(config MAEConfig) Loss {
	return &MAELoss{Reduction: config.Reduction}
}

func (m *MAELoss) compute(pred, target *tensor) float64 {
	sum := 0.0
	for i := range pred.data {
		sum += math.Abs(pred.data[i] - target.data[i])
	}
	return reduce(sum, len(pred.data), m.Reduction)
}

func (m *MAELoss) gradient(pred, target *tensor, gradOut *tensor) {
	scale := reductionScale(len(pred.data), m.Reduction)
	for i := range pred.data {
		switch {
		case pred.data[i] > target.data[i]:
			gradOut.data[i] = scale
		case pred.data[i] < target.data[i]:
			gradOut.data[i] = -scale
		default:
			gradOut.data[i] = 0
		}
	}
}

func (m *MAELoss) name() string { return "mae" }

// HuberLoss - Smooth L1 Loss
type HuberLoss struct {
	Delta     float64
	Reduction string
}

type HuberConfig struct {
	Delta     float64
	Reduction string
}

func Huber(config HuberConfig) Loss {
	return &HuberLoss{Delta: config.Delta, Reduction: config.Reduction}
}

func (h *HuberLoss) compute(pred, target *tensor) float64 {
	sum := 0.0
	for i := range pred.data {
		diff := math.Abs(pred.data[i] - target.data[i])
		if diff <= h.Delta {
			sum += 0.5 * diff * diff
		} else {
			sum += h.Delta*diff - 0.5*h.Delta*h.Delta
		}
	}
	return reduce(sum, len(pred.data), h.Reduction)
}

func (h *HuberLoss) gradient(pred, target *tensor, gradOut *tensor) {
	scale := reductionScale(len(pred.data), h.Reduction)
	for i := range pred.data {
		diff := pred.data[i] - target.data[i]
		switch {
		case diff > h.Delta:
			gradOut.data[i] = scale * h.Delta
		case diff < -h.Delta:
			gradOut.data[i] = -scale * h.Delta
		default:
			gradOut.data[i] = scale * diff
		}
	}
}

func (h *HuberLoss) name() string { return "huber" }

// BinaryCrossEntropyLoss expects probabilities (sigmoid output) and 0/1 targets
type BinaryCrossEntropyLoss struct {
	Reduction string
}

type BinaryCrossEntropyConfig struct {
	Reduction string
}

func BinaryCrossEntropy(config BinaryCrossEntropyConfig) Loss {
	return &BinaryCrossEntropyLoss{Reduction: config.Reduction}
}

func (b *BinaryCrossEntropyLoss) compute(pred, target *tensor) float64 {
	const eps = 1e-15
	sum := 0.0
	for i := range pred.data {
		p := math.Max(math.Min(pred.data[i], 1-eps), eps)
		t := target.data[i]
		sum -= t*math.Log(p) + (1-t)*math.Log(1-p)
	}
	return reduce(sum, len(pred.data), b.Reduction)
}

func (b *BinaryCrossEntropyLoss) gradient(pred, target *tensor, gradOut *tensor) {
	const eps = 1e-7
	scale := reductionScale(len(pred.data), b.Reduction)
	for i := range pred.data {
		p := math.Max(math.Min(pred.data[i], 1-eps), eps)
		t := target.data[i]
		// (p - t) / (p * (1 - p)), denominator clamped
		denom := math.Max(p*(1-p), eps)
		gradOut.data[i] = scale * (p - t) / denom
	}
}

func (b *BinaryCrossEntropyLoss) name() string { return "binary_cross_entropy" }
