package flow

import "math"

// Metric computes evaluation metrics. update may be called once per batch;
// result is the per-element average over everything seen since reset.
type Metric interface {
	reset()
	update(pred, target *tensor)
	result() float64
	name() string
}

// AccuracyMetric - binary accuracy with a 0.5 threshold on probabilities
type AccuracyMetric struct {
	correct int
	total   int
}

func Accuracy() Metric {
	return &AccuracyMetric{}
}

func (a *AccuracyMetric) reset() {
	a.correct = 0
	a.total = 0
}

func (a *AccuracyMetric) update(pred, target *tensor) {
	for i := range pred.data {
		predClass := 0.0
		if pred.data[i] >= 0.5 {
			predClass = 1
		}
		if predClass == math.Round(target.data[i]) {
			a.correct++
		}
		a.total++
	}
}

func (a *AccuracyMetric) result() float64 {
	if a.total == 0 {
		return 0
	}
	return float64(a.correct) / float64(a.total)
}

func (a *AccuracyMetric) name() string { return "accuracy" }

// MeanSquaredErrorMetric
type MeanSquaredErrorMetric struct {
	sum   float64
	count int
}

func MeanSquaredError() Metric {
	return &MeanSquaredErrorMetric{}
}

func (m *MeanSquaredErrorMetric) reset() {
	m.sum = 0
	m.count = 0
}

func (m *MeanSquaredErrorMetric) update(pred, target *tensor) {
	for i := range pred.data {
		diff := pred.data[i] - target.data[i]
		m.sum += diff * diff
		m.count++
	}
}

func (m *MeanSquaredErrorMetric) result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *MeanSquaredErrorMetric) name() string { return "mse" }

// MeanAbsoluteErrorMetric
type MeanAbsoluteErrorMetric struct {
	sum   float64
	count int
}

func MeanAbsoluteError() Metric {
	return &MeanAbsoluteErrorMetric{}
}

func (m *MeanAbsoluteErrorMetric) reset() {
	m.sum = 0
	m.count = 0
}

func (m *MeanAbsoluteErrorMetric) update(pred, target *tensor) {
	for i := range pred.data {
		m.sum += math.Abs(pred.data[i] - target.data[i])
		m.count++
	}
}

func (m *MeanAbsoluteErrorMetric) result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *MeanAbsoluteErrorMetric) name() string { return "mae" }
