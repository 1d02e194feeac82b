package flow

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
)

// Network is the main neural network container
type Network struct {
	layers      []Layer
	optimizer   Optimizer
	loss        Loss
	metrics     []Metric
	regularizer Regularizer
	gradClip    GradientClipConfig
	compiled    bool
	built       bool
	rng         *rand.Rand
	inputShape  []int
	frozenState *frozenState
	// parameter tensors the optimizer state was sized for
	optimizerFor []*tensor
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers: make([]Layer, 0),
			rng:    rand.New(rand.NewSource(config.Seed)),
		},
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errorf("layer %d is nil", len(n.network.layers))
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure. inputShape is per-sample, e.g.
// [H, W, C] for images.
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errorf("network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errorf("inputShape must be specified")
	}
	for _, d := range inputShape {
		if d <= 0 {
			return nil, shapeError("Network", -1, "build", inputShape, "all dimensions > 0")
		}
	}

	n.network.inputShape = append([]int(nil), inputShape...)

	currentShape := n.network.inputShape
	for i, layer := range n.network.layers {
		if err := layer.build(currentShape, n.network.rng); err != nil {
			if fe, ok := err.(*FlowError); ok {
				fe.LayerIndex = i
				fe.LayerName = layer.name()
				return nil, fe
			}
			return nil, errorf("layer %d (%s): %v", i, layer.name(), err)
		}
		currentShape = layer.outputShape()
	}

	n.network.built = true
	return n.network, nil
}

// Compile configures optimizer, loss, and metrics
func (n *Network) Compile(config CompileConfig) error {
	if !n.built {
		return errorf("network must be built before compiling")
	}
	if err := ValidateCompileConfig(config); err != nil {
		return err
	}
	if err := config.Optimizer.validate(); err != nil {
		return err
	}

	n.optimizer = config.Optimizer
	n.loss = config.Loss
	n.metrics = config.Metrics
	n.regularizer = config.Regularizer
	n.gradClip = config.GradientClip
	n.optimizerFor = nil
	n.compiled = true
	return nil
}

// InputShape returns the per-sample input shape
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// OutputShape returns the per-sample output shape
func (n *Network) OutputShape() []int {
	return append([]int(nil), n.layers[len(n.layers)-1].outputShape()...)
}

// LayerNames lists layer names in order
func (n *Network) LayerNames() []string {
	names := make([]string, len(n.layers))
	for i, l := range n.layers {
		names[i] = l.name()
	}
	return names
}

// LossName returns the compiled loss name, or "" before Compile
func (n *Network) LossName() string {
	if n.loss == nil {
		return ""
	}
	return n.loss.name()
}

// MetricNames returns the compiled metric names in order
func (n *Network) MetricNames() []string {
	names := make([]string, len(n.metrics))
	for i, m := range n.metrics {
		names[i] = m.name()
	}
	return names
}

func (n *Network) forward(input *tensor, training, check bool) (*tensor, error) {
	output := input
	for i, layer := range n.layers {
		var err error
		output, err = layer.forward(output, training && !n.IsFrozen(i))
		if err != nil {
			if fe, ok := err.(*FlowError); ok {
				fe.LayerIndex = i
				fe.LayerName = layer.name()
			}
			return nil, err
		}
		if check {
			if err := checkFinite(output, "Network", i, "forward"); err != nil {
				err.(*FlowError).LayerName = layer.name()
				return nil, err
			}
		}
	}
	return output, nil
}

func (n *Network) backward(gradOutput *tensor, check bool) error {
	stop := n.firstTrainable()
	for i := len(n.layers) - 1; i >= stop; i-- {
		var err error
		gradOutput, err = n.layers[i].backward(gradOutput)
		if err != nil {
			return err
		}
		if check {
			if err := checkFinite(gradOutput, "Network", i, "backward"); err != nil {
				err.(*FlowError).LayerName = n.layers[i].name()
				return err
			}
		}
	}
	return nil
}

func (n *Network) clipGradients(grads []*tensor) {
	switch n.gradClip.Mode {
	case "norm":
		total := 0.0
		for _, g := range grads {
			norm := l2Norm(g)
			total += norm * norm
		}
		total = math.Sqrt(total)
		if total > n.gradClip.MaxNorm {
			scale := n.gradClip.MaxNorm / total
			for _, g := range grads {
				mulScalar(g, scale)
			}
		}
	case "value":
		for _, g := range grads {
			clipValues(g, -n.gradClip.MaxValue, n.gradClip.MaxValue)
		}
	}
}

func sameTensors(a, b []*tensor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// trainStep runs one forward/backward/update on a batch and returns its loss
func (n *Network) trainStep(x, y *tensor, check bool) (float64, error) {
	output, err := n.forward(x, true, check)
	if err != nil {
		return 0, err
	}
	if !sameShape(output.shape, y.shape) {
		return 0, shapeError("Network", -1, "loss", y.shape, fmt.Sprintf("targets shaped like output %v", output.shape))
	}

	params, grads := n.trainableParamsAndGrads()

	loss := n.loss.compute(output, y)
	for _, p := range params {
		loss += n.regularizer.loss(p)
	}
	if check && (math.IsNaN(loss) || math.IsInf(loss, 0)) {
		return 0, &FlowError{
			Component:  "Network",
			ErrorType:  "NaN detected",
			LayerIndex: -1,
			Phase:      "loss",
			OutputInfo: scanTensor(output),
			Cause:      fmt.Sprintf("loss %s=%v", n.loss.name(), loss),
		}
	}

	for _, m := range n.metrics {
		m.update(output, y)
	}

	gradOutput := newTensor(output.shape...)
	n.loss.gradient(output, y, gradOutput)
	if err := n.backward(gradOutput, check); err != nil {
		return 0, err
	}

	if len(params) == 0 {
		return loss, nil
	}
	for j, p := range params {
		n.regularizer.gradient(p, grads[j])
	}
	n.clipGradients(grads)

	if !sameTensors(n.optimizerFor, params) {
		n.optimizer.init(params)
		n.optimizerFor = params
	}
	n.optimizer.step(params, grads)
	return loss, nil
}

// batchTensors validates a batch against the network shapes and wraps it
func (n *Network) batchTensors(b Batch, needTargets bool) (x, y *tensor, err error) {
	if b.Size <= 0 {
		return nil, nil, errorf("batch size must be > 0, got %d", b.Size)
	}
	per := shapeSize(n.inputShape)
	if len(b.Inputs) != b.Size*per {
		return nil, nil, &FlowError{
			Component:    "Network",
			ErrorType:    "shape mismatch",
			LayerIndex:   -1,
			Phase:        "input",
			ExpectedInfo: fmt.Sprintf("%d samples of shape %v (%d values)", b.Size, n.inputShape, b.Size*per),
			Cause:        fmt.Sprintf("got %d input values", len(b.Inputs)),
		}
	}
	x = wrapTensor(b.Inputs, append([]int{b.Size}, n.inputShape...)...)
	if !needTargets {
		return x, nil, nil
	}
	outShape := n.OutputShape()
	if len(b.Targets) != b.Size*shapeSize(outShape) {
		return nil, nil, &FlowError{
			Component:    "Network",
			ErrorType:    "shape mismatch",
			LayerIndex:   -1,
			Phase:        "input",
			ExpectedInfo: fmt.Sprintf("%d targets of shape %v", b.Size, outShape),
			Cause:        fmt.Sprintf("got %d target values", len(b.Targets)),
		}
	}
	y = wrapTensor(b.Targets, append([]int{b.Size}, outShape...)...)
	return x, y, nil
}

// stepper yields batches from a source, reopening it when a fixed number of
// steps outlasts one pass
type stepper struct {
	ctx    context.Context
	source BatchSource
	it     BatchIterator
	steps  int // 0 means a single pass
	taken  int
	fresh  bool
}

func newStepper(ctx context.Context, source BatchSource, steps int) *stepper {
	return &stepper{ctx: ctx, source: source, steps: steps}
}

func (s *stepper) next() (Batch, error) {
	if s.steps > 0 && s.taken >= s.steps {
		return Batch{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return Batch{}, err
	}
	for {
		if s.it == nil {
			it, err := s.source.Batches(s.ctx)
			if err != nil {
				return Batch{}, err
			}
			s.it = it
			s.fresh = true
		}
		b, err := s.it.Next()
		if err == nil {
			s.taken++
			s.fresh = false
			return b, nil
		}
		if err != io.EOF {
			return Batch{}, err
		}
		wasFresh := s.fresh
		if cerr := s.it.Close(); cerr != nil {
			return Batch{}, cerr
		}
		s.it = nil
		if s.steps == 0 {
			return Batch{}, io.EOF
		}
		if wasFresh {
			return Batch{}, errorf("batch source is empty")
		}
	}
}

func (s *stepper) close() error {
	if s.it == nil {
		return nil
	}
	err := s.it.Close()
	s.it = nil
	return err
}

// TrainResult holds training output
type TrainResult struct {
	History      map[string][]float64
	Epochs       int // epochs actually run
	FinalLoss    float64
	FinalMetrics map[string]float64
}

// Fit trains on a streamed source, evaluating val after every epoch when it
// is non-nil. Epoch loss and metrics are averaged per sample, so a short
// final batch weighs less than a full one.
func (n *Network) Fit(ctx context.Context, train, val BatchSource, config FitConfig, callbacks []Callback) (*TrainResult, error) {
	if !n.compiled {
		return nil, errorf("network must be compiled before training")
	}
	if err := ValidateFitConfig(config); err != nil {
		return nil, err
	}
	if train == nil {
		return nil, errorf("no training source provided")
	}

	result := &TrainResult{
		History:      make(map[string][]float64),
		FinalMetrics: make(map[string]float64),
	}
	logs := make(map[string]float64)

	for _, cb := range callbacks {
		if a, ok := cb.(networkAware); ok {
			a.attach(n)
		}
		cb.onTrainBegin(logs)
	}

	for epoch := 0; epoch < config.Epochs; epoch++ {
		for _, cb := range callbacks {
			cb.onEpochBegin(epoch, logs)
		}
		for _, m := range n.metrics {
			m.reset()
		}

		weighted, samples, err := n.fitEpoch(ctx, train, config, logs, callbacks)
		if err != nil {
			return nil, err
		}
		logs["loss"] = weighted / float64(samples)
		for _, m := range n.metrics {
			logs[m.name()] = m.result()
		}

		if val != nil {
			scores, err := n.Evaluate(ctx, val, config.ValidationSteps)
			if err != nil {
				return nil, err
			}
			for k, v := range scores {
				logs["val_"+k] = v
			}
		}

		for k, v := range logs {
			if k == "batch_loss" {
				continue
			}
			result.History[k] = append(result.History[k], v)
		}
		result.Epochs = epoch + 1

		stop := false
		for _, cb := range callbacks {
			s, err := cb.onEpochEnd(epoch, logs)
			if err != nil {
				return nil, err
			}
			stop = stop || s
		}
		if stop {
			break
		}
	}

	for _, cb := range callbacks {
		cb.onTrainEnd(logs)
	}

	result.FinalLoss = logs["loss"]
	for _, m := range n.metrics {
		result.FinalMetrics[m.name()] = logs[m.name()]
	}
	return result, nil
}

func (n *Network) fitEpoch(ctx context.Context, train BatchSource, config FitConfig, logs map[string]float64, callbacks []Callback) (float64, int, error) {
	st := newStepper(ctx, train, config.StepsPerEpoch)
	defer st.close()

	weighted := 0.0
	samples := 0
	for step := 0; ; step++ {
		b, err := st.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		x, y, err := n.batchTensors(b, true)
		if err != nil {
			return 0, 0, err
		}
		loss, err := n.trainStep(x, y, config.CheckNumerics)
		if err != nil {
			return 0, 0, err
		}
		weighted += loss * float64(b.Size)
		samples += b.Size

		logs["batch_loss"] = loss
		for _, cb := range callbacks {
			cb.onBatchEnd(step, logs)
		}
	}
	if samples == 0 {
		return 0, 0, errorf("training source produced no batches")
	}
	return weighted, samples, st.close()
}

// Evaluate runs inference over steps batches of source (0 = one full pass)
// and returns the sample-weighted loss and metrics
func (n *Network) Evaluate(ctx context.Context, source BatchSource, steps int) (map[string]float64, error) {
	if !n.compiled {
		return nil, errorf("network must be compiled before evaluation")
	}
	st := newStepper(ctx, source, steps)
	defer st.close()

	for _, m := range n.metrics {
		m.reset()
	}
	weighted := 0.0
	samples := 0
	for {
		b, err := st.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		x, y, err := n.batchTensors(b, true)
		if err != nil {
			return nil, err
		}
		output, err := n.forward(x, false, false)
		if err != nil {
			return nil, err
		}
		weighted += n.loss.compute(output, y) * float64(b.Size)
		samples += b.Size
		for _, m := range n.metrics {
			m.update(output, y)
		}
	}
	if samples == 0 {
		return nil, errorf("evaluation source produced no batches")
	}

	results := map[string]float64{"loss": weighted / float64(samples)}
	for _, m := range n.metrics {
		results[m.name()] = m.result()
	}
	return results, st.close()
}

// Train trains on in-memory rows. It is a thin wrapper over Fit for small
// problems that fit in memory.
func (n *Network) Train(inputs [][]float64, targets [][]float64, config TrainConfig, callbacks []Callback) (*TrainResult, error) {
	if !n.compiled {
		return nil, errorf("network must be compiled before training")
	}
	if err := ValidateTrainConfig(config); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errorf("no training data provided")
	}
	if len(inputs) != len(targets) {
		return nil, errorf("inputs and targets must have same length")
	}

	x, err := toTensor(inputs, n.inputShape)
	if err != nil {
		return nil, err
	}
	y, err := toTensor(targets, n.OutputShape())
	if err != nil {
		return nil, err
	}

	trainX, trainY, valX, valY := splitRows(x, y, config.ValidationSplit)
	if trainX.shape[0] == 0 {
		return nil, errorf("validation split leaves no training rows")
	}
	train := &tensorSource{x: trainX, y: trainY, batchSize: config.BatchSize}
	if config.Shuffle {
		train.rng = n.rng
	}
	var val BatchSource
	if valX != nil {
		val = &tensorSource{x: valX, y: valY, batchSize: config.BatchSize}
	}
	return n.Fit(context.Background(), train, val, FitConfig{
		Epochs:        config.Epochs,
		CheckNumerics: config.CheckNumerics,
	}, callbacks)
}

// Predict runs inference on rows shaped like the network input
func (n *Network) Predict(inputs [][]float64) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	x, err := toTensor(inputs, n.inputShape)
	if err != nil {
		return nil, err
	}
	output, err := n.forward(x, false, false)
	if err != nil {
		return nil, err
	}

	outputDim := output.size() / len(inputs)
	result := make([][]float64, len(inputs))
	for i := range result {
		result[i] = append([]float64(nil), output.data[i*outputDim:(i+1)*outputDim]...)
	}
	return result, nil
}

// PredictBatch runs inference on count samples packed row-major in data
func (n *Network) PredictBatch(data []float64, count int) ([]float64, error) {
	x, _, err := n.batchTensors(Batch{Inputs: data, Size: count}, false)
	if err != nil {
		return nil, err
	}
	output, err := n.forward(x, false, false)
	if err != nil {
		return nil, err
	}
	return output.data, nil
}

// Summary prints network architecture
func (n *Network) Summary() string {
	var b strings.Builder
	b.WriteString("Flow Network Summary\n")
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Input: %v\n", n.inputShape)

	total := 0
	for i, layer := range n.layers {
		params := paramCount(layer)
		total += params
		frozen := ""
		if n.IsFrozen(i) {
			frozen = " (frozen)"
		}
		fmt.Fprintf(&b, "Layer %d: %-18s %-14v %d params%s\n", i+1, layer.name(), layer.outputShape(), params, frozen)
	}
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Total parameters: %d\n", total)
	fmt.Fprintf(&b, "Trainable parameters: %d\n", n.TrainableParameters())
	return b.String()
}
