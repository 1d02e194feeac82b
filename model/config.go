package model

import (
	"github.com/pkg/errors"

	"transferflow/dataset"
)

// Feature extractors accepted by Config.Backbone
const (
	ResNet50 = "resnet50"
	ResNet18 = "resnet18"
	Tiny     = "tiny"
)

// Regression objectives accepted by Config.Loss; the metric follows the loss
const (
	LossMAE   = "mae"
	LossMSE   = "mse"
	LossHuber = "huber"
)

// Optimizers accepted by Config.Optimizer
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config describes the architecture and optimizer of a model
type Config struct {
	Backbone    string  `yaml:"backbone"`
	Resolution  int     `yaml:"resolution"`
	HiddenUnits int     `yaml:"hidden_units"`
	DropoutRate float64 `yaml:"dropout_rate"`
	// LabelMode picks the head: linear output with Loss for regression,
	// sigmoid output with binary cross-entropy for binary
	LabelMode dataset.LabelMode `yaml:"label_mode"`
	Loss      string            `yaml:"loss"`
	// HuberDelta is where the huber loss turns from quadratic to linear
	HuberDelta float64 `yaml:"huber_delta"`
	// Weights is an optional JSON (or .json.xz) file holding pretrained
	// backbone tensors; empty means random initialization
	Weights        string  `yaml:"weights"`
	FreezeBackbone bool    `yaml:"freeze_backbone"`
	LearningRate   float64 `yaml:"learning_rate"`
	Seed           int64   `yaml:"seed"`

	Optimizer string `yaml:"optimizer"`
	// Momentum and Nesterov apply to sgd, AMSGrad to adam
	Momentum float64 `yaml:"momentum"`
	Nesterov bool    `yaml:"nesterov"`
	AMSGrad  bool    `yaml:"amsgrad"`
	// WeightDecay is added to every gradient by the optimizer
	WeightDecay float64 `yaml:"weight_decay"`
	// L2 adds 0.5*L2*|w|^2 per trainable tensor to the reported loss
	L2 float64 `yaml:"l2"`
}

// DefaultConfig is a ResNet-50 regressor over 224x224 RGB images
func DefaultConfig() Config {
	return Config{
		Backbone:     ResNet50,
		Resolution:   224,
		HiddenUnits:  256,
		DropoutRate:  0.5,
		LabelMode:    dataset.Regression,
		Loss:         LossMAE,
		HuberDelta:   1,
		LearningRate: 1e-4,
		Seed:         42,
		Optimizer:    OptimizerAdam,
	}
}

// InputShape is the per-sample image shape [R, R, 3]
func (c Config) InputShape() []int {
	return []int{c.Resolution, c.Resolution, dataset.Channels}
}

func (c Config) Validate() error {
	if _, ok := backbones[c.Backbone]; !ok {
		return errors.Errorf("model: unknown backbone %q", c.Backbone)
	}
	switch {
	case c.Resolution <= 0:
		return errors.Errorf("model: resolution must be > 0, got %d", c.Resolution)
	case c.HiddenUnits <= 0:
		return errors.Errorf("model: hidden units must be > 0, got %d", c.HiddenUnits)
	case c.DropoutRate < 0 || c.DropoutRate >= 1:
		return errors.Errorf("model: dropout rate must be in [0, 1), got %g", c.DropoutRate)
	case c.LearningRate <= 0:
		return errors.Errorf("model: learning rate must be > 0, got %g", c.LearningRate)
	case c.Momentum < 0 || c.Momentum >= 1:
		return errors.Errorf("model: momentum must be in [0, 1), got %g", c.Momentum)
	case c.WeightDecay < 0:
		return errors.Errorf("model: weight decay must be >= 0, got %g", c.WeightDecay)
	case c.L2 < 0:
		return errors.Errorf("model: l2 must be >= 0, got %g", c.L2)
	}
	if c.LabelMode != dataset.Regression && c.LabelMode != dataset.Binary {
		return errors.Errorf("model: unknown label mode %q", c.LabelMode)
	}
	switch c.Loss {
	case LossMAE:
	case LossMSE, LossHuber:
		if c.LabelMode == dataset.Binary {
			return errors.Errorf("model: loss %q needs regression labels; binary mode uses binary cross-entropy", c.Loss)
		}
		if c.Loss == LossHuber && c.HuberDelta <= 0 {
			return errors.Errorf("model: huber delta must be > 0, got %g", c.HuberDelta)
		}
	default:
		return errors.Errorf("model: unknown loss %q", c.Loss)
	}
	switch c.Optimizer {
	case OptimizerAdam:
		if c.Momentum != 0 || c.Nesterov {
			return errors.New("model: momentum and nesterov need optimizer sgd")
		}
	case OptimizerSGD:
		if c.AMSGrad {
			return errors.New("model: amsgrad needs optimizer adam")
		}
		if c.Nesterov && c.Momentum == 0 {
			return errors.New("model: nesterov needs momentum > 0")
		}
	default:
		return errors.Errorf("model: unknown optimizer %q", c.Optimizer)
	}
	return nil
}
