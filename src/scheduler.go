package flow

import (
	"math"

	"k8s.io/klog/v2"
)

// Scheduler maps an epoch to a learning rate given the compiled base rate
type Scheduler interface {
	rate(epoch int, baseLR float64) float64
	name() string
}

// ConstantScheduler - no change to learning rate
type ConstantScheduler struct{}

func ConstantLR() Scheduler { return &ConstantScheduler{} }

func (c *ConstantScheduler) rate(epoch int, baseLR float64) float64 { return baseLR }
func (c *ConstantScheduler) name() string                            { return "constant" }

// StepDecayScheduler - drops LR by Gamma every StepSize epochs
type StepDecayScheduler struct {
	StepSize int
	Gamma    float64
}

type StepDecayConfig struct {
	StepSize int
	Gamma    float64
}

func StepDecay(config StepDecayConfig) Scheduler {
	return &StepDecayScheduler{
		StepSize: config.StepSize,
		Gamma:    config.Gamma,
	}
}

func (s *StepDecayScheduler) rate(epoch int, baseLR float64) float64 {
	if s.StepSize <= 0 {
		return baseLR
	}
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepDecayScheduler) name() string { return "step_decay" }

// ExponentialDecayScheduler - multiplies LR by Gamma each epoch
type ExponentialDecayScheduler struct {
	Gamma float64
}

type ExponentialDecayConfig struct {
	Gamma float64
}

func ExponentialDecay(config ExponentialDecayConfig) Scheduler {
	return &ExponentialDecayScheduler{Gamma: config.Gamma}
}

func (e *ExponentialDecayScheduler) rate(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(e.Gamma, float64(epoch))
}

func (e *ExponentialDecayScheduler) name() string { return "exponential_decay" }

// CosineAnnealingScheduler anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingScheduler struct {
	TMax   int
	EtaMin float64
}

type CosineAnnealingConfig struct {
	TMax   int
	EtaMin float64
}

func CosineAnnealing(config CosineAnnealingConfig) Scheduler {
	return &CosineAnnealingScheduler{
		TMax:   config.TMax,
		EtaMin: config.EtaMin,
	}
}

func (c *CosineAnnealingScheduler) rate(epoch int, baseLR float64) float64 {
	if c.TMax <= 0 || epoch >= c.TMax {
		return c.EtaMin
	}
	return c.EtaMin + 0.5*(baseLR-c.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(c.TMax)))
}

func (c *CosineAnnealingScheduler) name() string { return "cosine_annealing" }

// rateAdjustable optimizers expose their learning rate to schedules
type rateAdjustable interface {
	learningRate() float64
	setLearningRate(lr float64)
}

func (s *SGDOptimizer) learningRate() float64       { return s.LR }
func (s *SGDOptimizer) setLearningRate(lr float64)  { s.LR = lr }
func (a *AdamOptimizer) learningRate() float64      { return a.LR }
func (a *AdamOptimizer) setLearningRate(lr float64) { a.LR = lr }

// networkAware callbacks are handed the network before training starts
type networkAware interface {
	attach(n *Network)
}

// LRSchedulerCallback sets the optimizer's learning rate at the start of
// every epoch and restores the base rate when training ends
type LRSchedulerCallback struct {
	baseCallback
	Scheduler Scheduler
	opt       rateAdjustable
	baseLR    float64
}

func LRSchedule(s Scheduler) Callback {
	return &LRSchedulerCallback{Scheduler: s}
}

func (l *LRSchedulerCallback) attach(n *Network) {
	l.opt, _ = n.optimizer.(rateAdjustable)
}

func (l *LRSchedulerCallback) onTrainBegin(logs map[string]float64) {
	if l.opt == nil {
		klog.Warningf("learning rate schedule %s ignored: optimizer has no adjustable rate", l.Scheduler.name())
		return
	}
	l.baseLR = l.opt.learningRate()
}

func (l *LRSchedulerCallback) onEpochBegin(epoch int, logs map[string]float64) {
	if l.opt == nil {
		return
	}
	lr := l.Scheduler.rate(epoch, l.baseLR)
	l.opt.setLearningRate(lr)
	logs["lr"] = lr
}

func (l *LRSchedulerCallback) onTrainEnd(logs map[string]float64) {
	if l.opt != nil {
		l.opt.setLearningRate(l.baseLR)
	}
}

func (l *LRSchedulerCallback) name() string { return "lr_scheduler" }
