package flow

// TrainConfig holds in-memory training configuration - ALL fields required
type TrainConfig struct {
	Epochs          int
	BatchSize       int
	Shuffle         bool
	ValidationSplit float64
	CheckNumerics   bool
}

// FitConfig holds streamed training configuration.
// Zero StepsPerEpoch/ValidationSteps mean one full pass of the source.
type FitConfig struct {
	Epochs          int
	StepsPerEpoch   int
	ValidationSteps int
	CheckNumerics   bool // fail with a FlowError on NaN/Inf loss
}

// CompileConfig holds model compilation settings - ALL fields required
type CompileConfig struct {
	Optimizer    Optimizer
	Loss         Loss
	Metrics      []Metric
	Regularizer  Regularizer
	GradientClip GradientClipConfig
}

// GradientClipConfig for gradient clipping
type GradientClipConfig struct {
	Mode     string // "norm", "value", or "none"
	MaxNorm  float64
	MaxValue float64
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed int64
}

// ValidateTrainConfig checks all required fields are set
func ValidateTrainConfig(cfg TrainConfig) error {
	if cfg.Epochs < 0 {
		return errorf("Epochs must be >= 0, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return errorf("BatchSize must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.ValidationSplit < 0 || cfg.ValidationSplit >= 1 {
		return errorf("ValidationSplit must be in [0, 1), got %f", cfg.ValidationSplit)
	}
	return nil
}

// ValidateFitConfig checks epoch and step counts
func ValidateFitConfig(cfg FitConfig) error {
	if cfg.Epochs < 0 {
		return errorf("Epochs must be >= 0, got %d", cfg.Epochs)
	}
	if cfg.StepsPerEpoch < 0 {
		return errorf("StepsPerEpoch must be >= 0, got %d", cfg.StepsPerEpoch)
	}
	if cfg.ValidationSteps < 0 {
		return errorf("ValidationSteps must be >= 0, got %d", cfg.ValidationSteps)
	}
	return nil
}

// ValidateCompileConfig checks all required fields are set
func ValidateCompileConfig(cfg CompileConfig) error {
	if cfg.Optimizer == nil {
		return errorf("Optimizer is required")
	}
	if cfg.Loss == nil {
		return errorf("Loss is required")
	}
	if cfg.Regularizer == nil {
		return errorf("Regularizer is required - use NoReg() if not needed")
	}
	switch cfg.GradientClip.Mode {
	case "none":
	case "norm":
		if cfg.GradientClip.MaxNorm <= 0 {
			return errorf("GradientClip.MaxNorm must be > 0 in norm mode")
		}
	case "value":
		if cfg.GradientClip.MaxValue <= 0 {
			return errorf("GradientClip.MaxValue must be > 0 in value mode")
		}
	case "":
		return errorf("GradientClip.Mode is required - use 'none' if not needed")
	default:
		return errorf("unknown GradientClip.Mode %q", cfg.GradientClip.Mode)
	}
	return nil
}
