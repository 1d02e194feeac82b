package trainer

import (
	"github.com/pkg/errors"
)

// Learning rate schedules accepted by Config.Schedule
const (
	ScheduleConstant    = "constant"
	ScheduleStep        = "step"
	ScheduleExponential = "exponential"
	ScheduleCosine      = "cosine"
)

// Config controls the training loop. Zero StepsPerEpoch and ValidationSteps
// mean one full pass of the stream; larger values restart it as needed.
type Config struct {
	Epochs          int  `yaml:"epochs"`
	StepsPerEpoch   int  `yaml:"steps_per_epoch"`
	ValidationSteps int  `yaml:"validation_steps"`
	CheckNumerics   bool `yaml:"check_numerics"`
	// GradientClipNorm clips the global gradient norm; 0 disables clipping
	GradientClipNorm float64 `yaml:"gradient_clip_norm"`

	Schedule string `yaml:"schedule"`
	// StepSize and Gamma parameterize the step and exponential schedules
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	// MinRate is the floor of the cosine schedule
	MinRate float64 `yaml:"min_rate"`

	// Patience stops training after that many epochs without improvement
	// of the validation loss; 0 disables early stopping
	Patience int `yaml:"patience"`
}

// DefaultConfig trains for 20 full passes at a constant learning rate
func DefaultConfig() Config {
	return Config{
		Epochs:   20,
		Schedule: ScheduleConstant,
		StepSize: 10,
		Gamma:    0.5,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Epochs < 0:
		return errors.Errorf("trainer: epochs must be >= 0, got %d", c.Epochs)
	case c.StepsPerEpoch < 0:
		return errors.Errorf("trainer: steps per epoch must be >= 0, got %d", c.StepsPerEpoch)
	case c.ValidationSteps < 0:
		return errors.Errorf("trainer: validation steps must be >= 0, got %d", c.ValidationSteps)
	case c.GradientClipNorm < 0:
		return errors.Errorf("trainer: gradient clip norm must be >= 0, got %g", c.GradientClipNorm)
	case c.Patience < 0:
		return errors.Errorf("trainer: patience must be >= 0, got %d", c.Patience)
	}
	switch c.Schedule {
	case "", ScheduleConstant, ScheduleCosine:
	case ScheduleStep:
		if c.StepSize <= 0 || c.Gamma <= 0 {
			return errors.New("trainer: step schedule needs step_size > 0 and gamma > 0")
		}
	case ScheduleExponential:
		if c.Gamma <= 0 {
			return errors.New("trainer: exponential schedule needs gamma > 0")
		}
	default:
		return errors.Errorf("trainer: unknown schedule %q", c.Schedule)
	}
	return nil
}
