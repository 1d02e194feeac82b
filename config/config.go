// Package config reads and writes the YAML file that drives a training run.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"transferflow/dataset"
	"transferflow/model"
	"transferflow/trainer"
)

// File is the on-disk configuration of one run
type File struct {
	// Data is the image root, root/<class>/<images>
	Data string `yaml:"data"`
	// WeightsOut receives the trained model; empty skips saving
	WeightsOut string `yaml:"weights_out"`
	// History is a SQLite database collecting per-epoch records
	History string `yaml:"history"`

	Dataset dataset.Config `yaml:"dataset"`
	Model   model.Config   `yaml:"model"`
	Trainer trainer.Config `yaml:"trainer"`
}

// Default is the ResNet-50 regression recipe: 224px images, batches of 32,
// a 20% validation split, Adam at 1e-4 for 20 epochs
func Default() File {
	return File{
		Dataset: dataset.DefaultConfig(),
		Model:   model.DefaultConfig(),
		Trainer: trainer.DefaultConfig(),
	}
}

// Validate checks every stage and their agreement on shared settings
func (f File) Validate() error {
	if err := f.Dataset.Validate(); err != nil {
		return err
	}
	if err := f.Model.Validate(); err != nil {
		return err
	}
	if err := f.Trainer.Validate(); err != nil {
		return err
	}
	if f.Dataset.Resolution != f.Model.Resolution {
		return errors.Errorf("config: dataset resolution %d differs from model resolution %d", f.Dataset.Resolution, f.Model.Resolution)
	}
	if f.Dataset.LabelMode != f.Model.LabelMode {
		return errors.Errorf("config: dataset label mode %q differs from model label mode %q", f.Dataset.LabelMode, f.Model.LabelMode)
	}
	return nil
}

// Decode reads YAML over the defaults; unknown keys are errors
func Decode(r io.Reader) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return File{}, errors.Wrap(err, "config: decode")
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Load reads and validates the file at path
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Wrap(err, "config")
	}
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return File{}, errors.Wrap(err, path)
	}
	return f, nil
}

// Encode renders f as YAML
func (f File) Encode() ([]byte, error) {
	return yaml.Marshal(f)
}

// Save writes f to path
func (f File) Save(path string) error {
	data, err := f.Encode()
	if err != nil {
		return errors.Wrap(err, "config: encode")
	}
	return os.WriteFile(path, data, 0o644)
}
