// Package model assembles a pretrained-style residual feature extractor and
// a small dense head into a compiled network.
package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"transferflow/dataset"
	flow "transferflow/src"
)

// Model is a compiled network plus the config it was built from
type Model struct {
	cfg      Config
	net      *flow.Network
	backbone int // leading layers that form the feature extractor
	clipNorm float64
}

// New builds and compiles a model, loading backbone weights when configured
func New(cfg Config) (*Model, error) {
	m, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Weights == "" {
		klog.Warningf("model: %s backbone has random weights; set weights to a pretrained file for transfer learning", cfg.Backbone)
		return m, nil
	}
	if err := m.loadBackbone(cfg.Weights); err != nil {
		return nil, err
	}
	return m, nil
}

func build(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	extractor := backbones[cfg.Backbone]()
	b := flow.NewNetwork(flow.NetworkConfig{Seed: cfg.Seed})
	for _, l := range extractor {
		b.AddLayer(l)
	}
	for _, l := range head(cfg) {
		b.AddLayer(l)
	}
	net, err := b.Build(cfg.InputShape())
	if err != nil {
		return nil, errors.Wrapf(err, "model: build %s", cfg.Backbone)
	}

	m := &Model{cfg: cfg, net: net, backbone: len(extractor)}
	if cfg.FreezeBackbone {
		if err := net.FreezeTo(m.backbone); err != nil {
			return nil, err
		}
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

func head(cfg Config) []flow.Layer {
	out := flow.Linear()
	if cfg.LabelMode == dataset.Binary {
		out = flow.Sigmoid()
	}
	return []flow.Layer{
		flow.GlobalAvgPool2D().Build(),
		flow.Flatten().Build(),
		flow.Dense(cfg.HiddenUnits).
			WithActivation(flow.ReLU()).
			WithInitializer(flow.XavierUniform(1.0)).
			WithBiasInitializer(flow.Zeros()).
			WithBias(true).
			Build(),
		flow.Dropout(cfg.DropoutRate).WithSeed(cfg.Seed).Build(),
		flow.Dense(1).
			WithActivation(out).
			WithInitializer(flow.XavierUniform(1.0)).
			WithBiasInitializer(flow.Zeros()).
			WithBias(true).
			Build(),
	}
}

func (m *Model) compile() error {
	loss, metric := m.objective()
	reg := flow.NoReg()
	if m.cfg.L2 > 0 {
		reg = flow.L2(m.cfg.L2)
	}
	clip := flow.GradientClipConfig{Mode: "none"}
	if m.clipNorm > 0 {
		clip = flow.GradientClipConfig{Mode: "norm", MaxNorm: m.clipNorm}
	}
	return m.net.Compile(flow.CompileConfig{
		Optimizer:    m.optimizer(),
		Loss:         loss,
		Metrics:      []flow.Metric{metric},
		Regularizer:  reg,
		GradientClip: clip,
	})
}

func (m *Model) objective() (flow.Loss, flow.Metric) {
	if m.cfg.LabelMode == dataset.Binary {
		return flow.BinaryCrossEntropy(flow.BinaryCrossEntropyConfig{Reduction: "mean"}), flow.Accuracy()
	}
	switch m.cfg.Loss {
	case LossMSE:
		return flow.MSE(flow.MSEConfig{Reduction: "mean"}), flow.MeanSquaredError()
	case LossHuber:
		return flow.Huber(flow.HuberConfig{Delta: m.cfg.HuberDelta, Reduction: "mean"}), flow.MeanAbsoluteError()
	}
	return flow.MAE(flow.MAEConfig{Reduction: "mean"}), flow.MeanAbsoluteError()
}

func (m *Model) optimizer() flow.Optimizer {
	if m.cfg.Optimizer == OptimizerSGD {
		return flow.SGD(flow.SGDConfig{
			LR:          m.cfg.LearningRate,
			Momentum:    m.cfg.Momentum,
			WeightDecay: m.cfg.WeightDecay,
			Nesterov:    m.cfg.Nesterov,
		})
	}
	return flow.Adam(flow.AdamConfig{
		LR:          m.cfg.LearningRate,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-7,
		WeightDecay: m.cfg.WeightDecay,
		AMSGrad:     m.cfg.AMSGrad,
	})
}

// SetGradientClip recompiles with global-norm clipping at maxNorm; 0 disables
// clipping. Optimizer state starts over.
func (m *Model) SetGradientClip(maxNorm float64) error {
	if maxNorm < 0 {
		return errors.Errorf("model: gradient clip norm must be >= 0, got %g", maxNorm)
	}
	m.clipNorm = maxNorm
	return m.compile()
}

// loadBackbone accepts either a backbone-only file or a full model file
func (m *Model) loadBackbone(path string) error {
	w, err := flow.LoadWeights(path)
	if err != nil {
		return errors.Wrap(err, "model: load weights")
	}
	switch len(w.Layers) {
	case m.backbone:
		err = m.net.SetLayerWeights(0, w.Layers)
	case len(m.net.LayerNames()):
		err = m.net.SetWeights(w)
	default:
		err = errors.Errorf("%s holds %d layers, %s backbone has %d", path, len(w.Layers), m.cfg.Backbone, m.backbone)
	}
	if err != nil {
		return errors.Wrap(err, "model: load weights")
	}
	klog.Infof("model: loaded %d layers from %s", len(w.Layers), path)
	return nil
}

// Clone returns an independent model with the same architecture and a copy
// of every weight
func (m *Model) Clone() (*Model, error) {
	c, err := build(m.cfg)
	if err != nil {
		return nil, err
	}
	if err := c.net.SetWeights(m.net.Weights()); err != nil {
		return nil, errors.Wrap(err, "model: clone")
	}
	if m.clipNorm > 0 {
		if err := c.SetGradientClip(m.clipNorm); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (m *Model) Config() Config         { return m.cfg }
func (m *Model) Network() *flow.Network { return m.net }
func (m *Model) Layers() []string       { return m.net.LayerNames() }
func (m *Model) LossName() string       { return m.net.LossName() }
func (m *Model) MetricNames() []string  { return m.net.MetricNames() }
func (m *Model) InputShape() []int      { return m.net.InputShape() }
func (m *Model) BackboneLayers() int    { return m.backbone }

// Weights returns a deep copy of every layer's tensors
func (m *Model) Weights() *flow.Weights { return m.net.Weights() }

func (m *Model) SetWeights(w *flow.Weights) error {
	return m.net.SetWeights(w)
}

// Predict returns one output per image; images holds n samples in NHWC order
func (m *Model) Predict(images []float64, n int) ([]float64, error) {
	return m.net.PredictBatch(images, n)
}

// Evaluate returns loss and metric over steps batches of s (0 = one pass)
func (m *Model) Evaluate(ctx context.Context, s *dataset.Stream, steps int) (map[string]float64, error) {
	return m.net.Evaluate(ctx, StreamSource(s), steps)
}

// Save writes every layer's weights; a .xz suffix compresses them
func (m *Model) Save(path string) error {
	return m.net.Save(path)
}

// Load restores weights written by Save
func (m *Model) Load(path string) error {
	return m.net.Load(path)
}

func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backbone: %s (%d layers", m.cfg.Backbone, m.backbone)
	if m.cfg.FreezeBackbone {
		b.WriteString(", frozen")
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "Loss: %s  Metrics: %s\n", m.LossName(), strings.Join(m.MetricNames(), ", "))
	b.WriteString(m.net.Summary())
	return b.String()
}
