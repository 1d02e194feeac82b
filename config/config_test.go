package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"transferflow/dataset"
	"transferflow/model"
)

func TestDefaultMatchesRecipe(t *testing.T) {
	f := Default()
	assert.NilError(t, f.Validate())
	assert.Equal(t, f.Dataset.Resolution, 224)
	assert.Equal(t, f.Dataset.BatchSize, 32)
	assert.Equal(t, f.Dataset.ValidationSplit, 0.2)
	assert.Equal(t, f.Dataset.Rescale, 1.0/255)
	assert.Equal(t, f.Model.Backbone, model.ResNet50)
	assert.Equal(t, f.Model.HiddenUnits, 256)
	assert.Equal(t, f.Model.DropoutRate, 0.5)
	assert.Equal(t, f.Model.LearningRate, 1e-4)
	assert.Equal(t, f.Trainer.Epochs, 20)
}

func TestRoundTrip(t *testing.T) {
	f := Default()
	f.Data = "/data/faces"
	f.History = "runs.db"
	f.Dataset.Resolution = 64
	f.Model.Resolution = 64
	f.Model.Backbone = model.ResNet18
	f.Model.FreezeBackbone = true
	f.Trainer.Epochs = 3
	f.Trainer.Schedule = "cosine"

	path := filepath.Join(t.TempDir(), "run.yaml")
	assert.NilError(t, f.Save(path))
	got, err := Load(path)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, f)
}

func TestModelTrainingOptions(t *testing.T) {
	f, err := Decode(strings.NewReader(`
model:
  loss: huber
  huber_delta: 0.5
  optimizer: sgd
  momentum: 0.9
  nesterov: true
  weight_decay: 0.0001
  l2: 0.001
`))
	assert.NilError(t, err)
	assert.Equal(t, f.Model.Loss, model.LossHuber)
	assert.Equal(t, f.Model.HuberDelta, 0.5)
	assert.Equal(t, f.Model.Optimizer, model.OptimizerSGD)
	assert.Equal(t, f.Model.Momentum, 0.9)
	assert.Assert(t, f.Model.Nesterov)
	assert.Equal(t, f.Model.L2, 0.001)

	_, err = Decode(strings.NewReader("model:\n  loss: mse\n  label_mode: binary\ndataset:\n  label_mode: binary\n"))
	assert.ErrorContains(t, err, "binary cross-entropy")

	f, err = Decode(strings.NewReader("dataset:\n  validation_split: 0\n"))
	assert.NilError(t, err)
	assert.Equal(t, f.Dataset.ValidationSplit, 0.0)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	f, err := Decode(strings.NewReader(`
data: ./images
trainer:
  epochs: 5
`))
	assert.NilError(t, err)
	assert.Equal(t, f.Data, "./images")
	assert.Equal(t, f.Trainer.Epochs, 5)
	assert.Equal(t, f.Dataset.BatchSize, 32)
	assert.Equal(t, f.Model.Backbone, model.ResNet50)

	f, err = Decode(strings.NewReader(""))
	assert.NilError(t, err)
	assert.DeepEqual(t, f, Default())
}

func TestUnknownFieldRejected(t *testing.T) {
	_, err := Decode(strings.NewReader("model:\n  backbone: tiny\n  layers: 3\n"))
	assert.ErrorContains(t, err, "layers")
}

func TestMismatchedStages(t *testing.T) {
	_, err := Decode(strings.NewReader("dataset:\n  resolution: 32\n"))
	assert.ErrorContains(t, err, "resolution")

	_, err = Decode(strings.NewReader("dataset:\n  label_mode: binary\n"))
	assert.ErrorContains(t, err, "label mode")

	f, err := Decode(strings.NewReader("dataset:\n  label_mode: binary\nmodel:\n  label_mode: binary\n"))
	assert.NilError(t, err)
	assert.Equal(t, f.Model.LabelMode, dataset.Binary)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Assert(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}
