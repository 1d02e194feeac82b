package dataset

import (
	"github.com/pkg/errors"
)

// LabelMode selects how a sample's scalar label is derived
type LabelMode string

const (
	// Regression reads the label from the numeric class directory name, or
	// from the Labels CSV when one is configured
	Regression LabelMode = "regression"
	// Binary requires exactly two class directories; the label is the index
	// of the class in sorted order (0 or 1)
	Binary LabelMode = "binary"
)

// Subset names one side of the train/validation split
type Subset string

const (
	Training   Subset = "training"
	Validation Subset = "validation"
)

// Interpolation kernels accepted by Config.Interpolation
const (
	Nearest    = "nearest"
	Bilinear   = "bilinear"
	CatmullRom = "catmullrom"
)

// Config controls scanning, splitting, decoding and batching
type Config struct {
	Resolution      int       `yaml:"resolution"`
	BatchSize       int       `yaml:"batch_size"`
	Rescale         float64   `yaml:"rescale"`
	ValidationSplit float64   `yaml:"validation_split"`
	LabelMode       LabelMode `yaml:"label_mode"`
	Interpolation   string    `yaml:"interpolation"`
	Shuffle         bool      `yaml:"shuffle"`
	Seed            int64     `yaml:"seed"`
	// Workers bounds parallel decoding within a batch; 0 uses every CPU
	Workers int `yaml:"workers"`
	// Prefetch is how many decoded batches may wait ahead of the consumer
	Prefetch int `yaml:"prefetch"`
	// Labels is an optional CSV of path,value rows relative to the root
	Labels string `yaml:"labels"`
}

// DefaultConfig returns 224px images in batches of 32, rescaled to [0,1],
// with a fifth of each class held out for validation
func DefaultConfig() Config {
	return Config{
		Resolution:      224,
		BatchSize:       32,
		Rescale:         1.0 / 255,
		ValidationSplit: 0.2,
		LabelMode:       Regression,
		Interpolation:   Nearest,
		Shuffle:         true,
		Seed:            42,
		Workers:         0,
		Prefetch:        2,
	}
}

// Validate reports the first invalid field
func (c Config) Validate() error {
	switch {
	case c.Resolution <= 0:
		return errors.Errorf("dataset: resolution must be > 0, got %d", c.Resolution)
	case c.BatchSize <= 0:
		return errors.Errorf("dataset: batch size must be > 0, got %d", c.BatchSize)
	case c.Rescale <= 0:
		return errors.Errorf("dataset: rescale must be > 0, got %g", c.Rescale)
	case c.ValidationSplit < 0 || c.ValidationSplit >= 1:
		return errors.Errorf("dataset: validation split must be in [0, 1), got %g", c.ValidationSplit)
	case c.Workers < 0:
		return errors.Errorf("dataset: workers must be >= 0, got %d", c.Workers)
	case c.Prefetch < 0:
		return errors.Errorf("dataset: prefetch must be >= 0, got %d", c.Prefetch)
	}
	switch c.LabelMode {
	case Regression:
	case Binary:
		if c.Labels != "" {
			return errors.New("dataset: a labels file only applies to regression mode")
		}
	default:
		return errors.Errorf("dataset: unknown label mode %q", c.LabelMode)
	}
	if _, ok := interpolators[c.Interpolation]; !ok {
		return errors.Errorf("dataset: unknown interpolation %q", c.Interpolation)
	}
	return nil
}
