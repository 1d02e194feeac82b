// Package trainer fits a model on a training stream, validating on a
// held-out stream after every epoch.
package trainer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"transferflow/dataset"
	"transferflow/model"
	flow "transferflow/src"
)

// EpochRecord summarizes one epoch. Metric is the model's first metric
// (mae for regression, accuracy for binary); the Val fields are zero when no
// validation stream was given.
type EpochRecord struct {
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	Metric       float64       `json:"metric"`
	ValLoss      float64       `json:"val_loss"`
	ValMetric    float64       `json:"val_metric"`
	MetricName   string        `json:"metric_name"`
	LearningRate float64       `json:"learning_rate"`
	Duration     time.Duration `json:"duration"`
}

// Result is the outcome of a completed run. The input model is untouched;
// Model holds the trained copy.
type Result struct {
	Model   *model.Model
	History []EpochRecord
	// StoppedEarly is set when early stopping ended the run before Epochs
	StoppedEarly bool
}

type options struct {
	onEpoch func(EpochRecord) error
}

// Option customizes a Train call
type Option func(*options)

// OnEpoch registers fn to receive every record as soon as its epoch ends.
// An error from fn halts training.
func OnEpoch(fn func(EpochRecord) error) Option {
	return func(o *options) { o.onEpoch = fn }
}

// Train runs cfg.Epochs passes over train on a clone of m, evaluating on test
// after each when test is non-nil
func Train(ctx context.Context, m *model.Model, train, test *dataset.Stream, cfg Config, opts ...Option) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("trainer: nil model")
	}
	if train == nil {
		return nil, errors.New("trainer: nil training stream")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	trained, err := m.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "trainer: clone model")
	}
	if err := trained.SetGradientClip(cfg.GradientClipNorm); err != nil {
		return nil, err
	}

	metric := ""
	if names := trained.MetricNames(); len(names) > 0 {
		metric = names[0]
	}
	result := &Result{Model: trained}
	start := time.Now()
	record := flow.EpochFunc(func(epoch int, logs map[string]float64) error {
		now := time.Now()
		r := EpochRecord{
			Epoch:        epoch + 1,
			Loss:         logs["loss"],
			Metric:       logs[metric],
			ValLoss:      logs["val_loss"],
			ValMetric:    logs["val_"+metric],
			MetricName:   metric,
			LearningRate: logs["lr"],
			Duration:     now.Sub(start),
		}
		start = now
		if r.LearningRate == 0 {
			r.LearningRate = trained.Config().LearningRate
		}
		result.History = append(result.History, r)
		if o.onEpoch != nil {
			return o.onEpoch(r)
		}
		return nil
	})

	callbacks := []flow.Callback{
		flow.PrintProgress(flow.PrintProgressConfig{PrintEvery: 1}),
	}
	if s := scheduler(cfg); s != nil {
		callbacks = append(callbacks, flow.LRSchedule(s))
	}
	callbacks = append(callbacks, record)
	if cfg.Patience > 0 {
		monitor := "loss"
		if test != nil {
			monitor = "val_loss"
		}
		callbacks = append(callbacks, flow.EarlyStopping(flow.EarlyStoppingConfig{
			Monitor:  monitor,
			Patience: cfg.Patience,
			Mode:     "min",
		}))
	}

	var val flow.BatchSource
	if test != nil {
		val = model.StreamSource(test)
	}
	klog.Infof("trainer: %d epochs, %d training and %d validation samples", cfg.Epochs, train.Samples(), samples(test))
	fit, err := trained.Network().Fit(ctx, model.StreamSource(train), val, flow.FitConfig{
		Epochs:          cfg.Epochs,
		StepsPerEpoch:   cfg.StepsPerEpoch,
		ValidationSteps: cfg.ValidationSteps,
		CheckNumerics:   cfg.CheckNumerics,
	}, callbacks)
	if err != nil {
		return nil, errors.Wrapf(err, "trainer: epoch %d", len(result.History)+1)
	}
	result.StoppedEarly = fit.Epochs < cfg.Epochs
	return result, nil
}

func samples(s *dataset.Stream) int {
	if s == nil {
		return 0
	}
	return s.Samples()
}

func scheduler(cfg Config) flow.Scheduler {
	switch cfg.Schedule {
	case ScheduleStep:
		return flow.StepDecay(flow.StepDecayConfig{StepSize: cfg.StepSize, Gamma: cfg.Gamma})
	case ScheduleExponential:
		return flow.ExponentialDecay(flow.ExponentialDecayConfig{Gamma: cfg.Gamma})
	case ScheduleCosine:
		return flow.CosineAnnealing(flow.CosineAnnealingConfig{TMax: cfg.Epochs, EtaMin: cfg.MinRate})
	}
	return nil
}
