package model

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"

	"transferflow/dataset"
	flow "transferflow/src"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.Backbone = Tiny
	cfg.Resolution = 8
	cfg.HiddenUnits = 4
	return cfg
}

func randomImages(n, res int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n*res*res*dataset.Channels)
	for i := range out {
		out[i] = rng.Float64()
	}
	return out
}

func TestArchitectureIsDeterministic(t *testing.T) {
	a, err := New(tinyConfig())
	assert.NilError(t, err)
	b, err := New(tinyConfig())
	assert.NilError(t, err)

	assert.DeepEqual(t, a.Layers(), b.Layers())
	assert.Equal(t, a.LossName(), b.LossName())
	assert.DeepEqual(t, a.MetricNames(), b.MetricNames())
	assert.DeepEqual(t, a.Weights(), b.Weights())

	assert.DeepEqual(t, a.Layers(), []string{
		"conv2d", "batch_norm", "activation_relu",
		"residual", "residual",
		"global_avg_pool2d", "flatten", "dense", "dropout", "dense",
	})
	assert.Equal(t, a.BackboneLayers(), 5)
	assert.DeepEqual(t, a.InputShape(), []int{8, 8, 3})
	assert.DeepEqual(t, a.Network().OutputShape(), []int{1})
}

func TestHeadFollowsLabelMode(t *testing.T) {
	m, err := New(tinyConfig())
	assert.NilError(t, err)
	assert.Equal(t, m.LossName(), "mae")
	assert.DeepEqual(t, m.MetricNames(), []string{"mae"})

	cfg := tinyConfig()
	cfg.LabelMode = dataset.Binary
	m, err = New(cfg)
	assert.NilError(t, err)
	assert.Equal(t, m.LossName(), "binary_cross_entropy")
	assert.DeepEqual(t, m.MetricNames(), []string{"accuracy"})

	out, err := m.Predict(randomImages(3, 8, 1), 3)
	assert.NilError(t, err)
	assert.Equal(t, len(out), 3)
	for _, p := range out {
		assert.Assert(t, p > 0 && p < 1)
	}
}

func TestBackboneDepths(t *testing.T) {
	// stem (conv, bn, relu, pool) plus one residual layer per block
	assert.Equal(t, len(resnet50()), 4+3+4+6+3)
	assert.Equal(t, len(resnet18()), 4+2+2+2+2)
	assert.Equal(t, len(tiny()), 3+2)
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := New(tinyConfig())
	assert.NilError(t, err)
	c, err := m.Clone()
	assert.NilError(t, err)
	assert.DeepEqual(t, c.Weights(), m.Weights())

	before := m.Weights()
	w := c.Weights()
	w.Layers[0].Params[0][0] += 1
	assert.NilError(t, c.SetWeights(w))
	assert.DeepEqual(t, m.Weights(), before)
	assert.Assert(t, !reflect.DeepEqual(c.Weights(), before))
}

func TestLoadBackboneWeights(t *testing.T) {
	donor, err := New(tinyConfig())
	assert.NilError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.json.xz")
	all := donor.Weights()
	assert.NilError(t, flow.SaveWeights(path, &flow.Weights{Layers: all.Layers[:donor.BackboneLayers()]}))

	cfg := tinyConfig()
	cfg.Seed = 99
	cfg.Weights = path
	cfg.FreezeBackbone = true
	m, err := New(cfg)
	assert.NilError(t, err)

	got := m.Weights()
	n := m.BackboneLayers()
	assert.DeepEqual(t, got.Layers[:n], all.Layers[:n])
	assert.Assert(t, !reflect.DeepEqual(got.Layers[n:], all.Layers[n:]))
	assert.DeepEqual(t, m.Network().FrozenLayers(), []int{0, 1, 2, 3, 4})
	assert.Assert(t, m.Network().TrainableParameters() < m.Network().TotalParameters())
}

func TestLoadWeightsErrors(t *testing.T) {
	cfg := tinyConfig()
	cfg.Weights = filepath.Join(t.TempDir(), "missing.json")
	_, err := New(cfg)
	assert.Assert(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	other := tinyConfig()
	other.HiddenUnits = 3
	donor, err := New(other)
	assert.NilError(t, err)
	path := filepath.Join(t.TempDir(), "partial.json")
	assert.NilError(t, flow.SaveWeights(path, &flow.Weights{Layers: donor.Weights().Layers[:2]}))
	cfg.Weights = path
	_, err = New(cfg)
	assert.ErrorContains(t, err, "backbone has 5")
}

func TestSaveLoadRestoresPredictions(t *testing.T) {
	m, err := New(tinyConfig())
	assert.NilError(t, err)
	images := randomImages(2, 8, 3)
	want, err := m.Predict(images, 2)
	assert.NilError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	assert.NilError(t, m.Save(path))

	cfg := tinyConfig()
	cfg.Seed = 5
	other, err := New(cfg)
	assert.NilError(t, err)
	assert.NilError(t, other.Load(path))
	got, err := other.Predict(images, 2)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestInvalidConfig(t *testing.T) {
	cfg := tinyConfig()
	cfg.Backbone = "vgg16"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "unknown backbone")

	cfg = tinyConfig()
	cfg.DropoutRate = 1
	_, err = New(cfg)
	assert.ErrorContains(t, err, "dropout")

	cfg = tinyConfig()
	cfg.LabelMode = "multiclass"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "label mode")

	cfg = tinyConfig()
	cfg.Loss = "hinge"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "unknown loss")

	cfg = tinyConfig()
	cfg.Loss = LossMSE
	cfg.LabelMode = dataset.Binary
	_, err = New(cfg)
	assert.ErrorContains(t, err, "binary cross-entropy")

	cfg = tinyConfig()
	cfg.Loss = LossHuber
	cfg.HuberDelta = 0
	_, err = New(cfg)
	assert.ErrorContains(t, err, "huber delta")

	cfg = tinyConfig()
	cfg.Optimizer = "rmsprop"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "unknown optimizer")

	cfg = tinyConfig()
	cfg.Nesterov = true
	_, err = New(cfg)
	assert.ErrorContains(t, err, "optimizer sgd")

	cfg = tinyConfig()
	cfg.Optimizer = OptimizerSGD
	cfg.Nesterov = true
	_, err = New(cfg)
	assert.ErrorContains(t, err, "momentum > 0")

	cfg = tinyConfig()
	cfg.Optimizer = OptimizerSGD
	cfg.AMSGrad = true
	_, err = New(cfg)
	assert.ErrorContains(t, err, "optimizer adam")

	cfg = tinyConfig()
	cfg.L2 = -1
	_, err = New(cfg)
	assert.ErrorContains(t, err, "l2")

	cfg = tinyConfig()
	cfg.WeightDecay = -1
	_, err = New(cfg)
	assert.ErrorContains(t, err, "weight decay")
}

func TestRegressionLossSelectsMetric(t *testing.T) {
	for _, tc := range []struct {
		loss, lossName, metric string
	}{
		{LossMAE, "mae", "mae"},
		{LossMSE, "mse", "mse"},
		{LossHuber, "huber", "mae"},
	} {
		cfg := tinyConfig()
		cfg.Loss = tc.loss
		m, err := New(cfg)
		assert.NilError(t, err)
		assert.Equal(t, m.LossName(), tc.lossName)
		assert.DeepEqual(t, m.MetricNames(), []string{tc.metric})
	}
}

// trainOnce runs one epoch over four random images and returns the head's
// output layer weights before and after
func trainOnce(t *testing.T, cfg Config) (before, after [][]float64, loss float64) {
	t.Helper()
	m, err := New(cfg)
	assert.NilError(t, err)
	last := len(m.Layers()) - 1
	before = m.Weights().Layers[last].Params

	images := randomImages(4, 8, 11)
	per := 8 * 8 * dataset.Channels
	var inputs, targets [][]float64
	for i := 0; i < 4; i++ {
		inputs = append(inputs, images[i*per:(i+1)*per])
		targets = append(targets, []float64{float64(i % 2)})
	}
	res, err := m.Network().Train(inputs, targets, flow.TrainConfig{Epochs: 1, BatchSize: 4}, nil)
	assert.NilError(t, err)
	return before, m.Weights().Layers[last].Params, res.FinalLoss
}

func TestOptimizerOptionsTrain(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"adam":         func(c *Config) {},
		"adam amsgrad": func(c *Config) { c.AMSGrad = true; c.WeightDecay = 1e-3 },
		"sgd":          func(c *Config) { c.Optimizer = OptimizerSGD; c.LearningRate = 0.01 },
		"sgd nesterov": func(c *Config) {
			c.Optimizer = OptimizerSGD
			c.LearningRate = 0.01
			c.Momentum = 0.9
			c.Nesterov = true
			c.WeightDecay = 1e-4
		},
		"huber l2": func(c *Config) { c.Loss = LossHuber; c.L2 = 1e-3 },
	} {
		cfg := tinyConfig()
		cfg.DropoutRate = 0
		mutate(&cfg)
		before, after, loss := trainOnce(t, cfg)
		assert.Assert(t, !reflect.DeepEqual(before, after), "%s: head unchanged", name)
		assert.Assert(t, !math.IsNaN(loss) && !math.IsInf(loss, 0), "%s: loss %g", name, loss)
	}
}

func TestL2RaisesReportedLoss(t *testing.T) {
	cfg := tinyConfig()
	cfg.DropoutRate = 0
	_, _, plain := trainOnce(t, cfg)
	cfg.L2 = 0.1
	_, _, penalized := trainOnce(t, cfg)
	assert.Assert(t, penalized > plain, "l2 %g, plain %g", penalized, plain)
}

func TestSummaryMentionsBackbone(t *testing.T) {
	cfg := tinyConfig()
	cfg.FreezeBackbone = true
	m, err := New(cfg)
	assert.NilError(t, err)
	s := m.Summary()
	for _, want := range []string{"Backbone: tiny (5 layers, frozen)", "Loss: mae", "(frozen)"} {
		assert.Assert(t, strings.Contains(s, want), "summary lacks %q:\n%s", want, s)
	}
}
