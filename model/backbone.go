package model

import (
	flow "transferflow/src"
)

const (
	bnEpsilon  = 1.001e-5
	bnMomentum = 0.99
)

// backbones maps a name to a constructor returning the feature extractor as
// a flat list of top-level layers, head removed
var backbones = map[string]func() []flow.Layer{
	ResNet50: resnet50,
	ResNet18: resnet18,
	Tiny:     tiny,
}

func conv(filters, kernel, stride int) flow.Layer {
	return flow.Conv2D(filters, [2]int{kernel, kernel}).
		WithStride(stride, stride).
		WithPadding("same").
		WithActivation(flow.Linear()).
		WithInitializer(flow.HeNormal(1.0)).
		WithBias(false).
		Build()
}

func bn() flow.Layer {
	return flow.BatchNorm(bnEpsilon, bnMomentum).Build()
}

func relu() flow.Layer {
	return flow.Activate(flow.ReLU()).Build()
}

func stem(filters, kernel, stride int, pool bool) []flow.Layer {
	layers := []flow.Layer{conv(filters, kernel, stride), bn(), relu()}
	if pool {
		layers = append(layers, flow.MaxPool2D([2]int{3, 3}).WithStride(2, 2).WithPadding("same").Build())
	}
	return layers
}

// bottleneck is 1x1 reduce, 3x3, 1x1 expand to 4*filters
func bottleneck(filters, stride int, project bool) flow.Layer {
	b := flow.Residual(
		conv(filters, 1, stride), bn(), relu(),
		conv(filters, 3, 1), bn(), relu(),
		conv(4*filters, 1, 1), bn(),
	).WithActivation(flow.ReLU())
	if project {
		b = b.WithShortcut(conv(4*filters, 1, stride), bn())
	}
	return b.Build()
}

// basic is two 3x3 convolutions
func basic(filters, stride int, project bool) flow.Layer {
	b := flow.Residual(
		conv(filters, 3, stride), bn(), relu(),
		conv(filters, 3, 1), bn(),
	).WithActivation(flow.ReLU())
	if project {
		b = b.WithShortcut(conv(filters, 1, stride), bn())
	}
	return b.Build()
}

type stage struct {
	filters, blocks, stride int
}

func stack(layers []flow.Layer, stages []stage, block func(filters, stride int, project bool) flow.Layer, alwaysProject bool) []flow.Layer {
	for si, s := range stages {
		for b := 0; b < s.blocks; b++ {
			stride := 1
			if b == 0 {
				stride = s.stride
			}
			project := b == 0 && (alwaysProject || s.stride != 1 || si > 0)
			layers = append(layers, block(s.filters, stride, project))
		}
	}
	return layers
}

func resnet50() []flow.Layer {
	return stack(stem(64, 7, 2, true), []stage{
		{64, 3, 1},
		{128, 4, 2},
		{256, 6, 2},
		{512, 3, 2},
	}, bottleneck, true)
}

func resnet18() []flow.Layer {
	return stack(stem(64, 7, 2, true), []stage{
		{64, 2, 1},
		{128, 2, 2},
		{256, 2, 2},
		{512, 2, 2},
	}, basic, false)
}

func tiny() []flow.Layer {
	return stack(stem(8, 3, 1, false), []stage{
		{8, 1, 1},
		{16, 1, 2},
	}, basic, false)
}
