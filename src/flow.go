// Package flow is the neural network engine behind transferflow.
//
// It keeps Flow's power-user API: explicit configuration and no hidden
// defaults. Networks are sequential stacks of layers built with fluent
// builders, compiled with an optimizer, a loss and metrics, and trained
// either on in-memory rows (Train) or on streamed batches (Fit).
//
// Basic usage:
//
//	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: 42}).
//		AddLayer(flow.Conv2D(8, [2]int{3, 3}).
//			WithPadding("same").
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.HeNormal(1.0)).
//			WithBias(false).
//			Build()).
//		AddLayer(flow.BatchNorm(1e-3, 0.99).Build()).
//		AddLayer(flow.Activate(flow.ReLU()).Build()).
//		AddLayer(flow.GlobalAvgPool2D().Build()).
//		AddLayer(flow.Dense(1).
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.XavierUniform(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{32, 32, 3})
//
//	err = net.Compile(flow.CompileConfig{
//		Optimizer: flow.Adam(flow.AdamConfig{
//			LR:      1e-4,
//			Beta1:   0.9,
//			Beta2:   0.999,
//			Epsilon: 1e-7,
//		}),
//		Loss:         flow.MAE(flow.MAEConfig{Reduction: "mean"}),
//		Metrics:      []flow.Metric{flow.MeanAbsoluteError()},
//		Regularizer:  flow.NoReg(),
//		GradientClip: flow.GradientClipConfig{Mode: "none"},
//	})
//
//	result, err := net.Fit(ctx, trainSource, valSource, flow.FitConfig{
//		Epochs: 20,
//	}, []flow.Callback{
//		flow.PrintProgress(flow.PrintProgressConfig{PrintEvery: 1}),
//	})
package flow

// Version of the engine
const Version = "1.1.0"
