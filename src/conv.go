package flow

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Conv2DLayer - 2D convolution over NHWC tensors
type Conv2DLayer struct {
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string // "valid" or "same"
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [kernelH, kernelW, inChannels, outChannels]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int // [H, W, C]
	outH, outW  int
	padTop      int
	padLeft     int
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

// windowGeometry returns output size and leading padding for a sliding window
func windowGeometry(inputH, inputW int, kernel, stride [2]int, padding string) (outH, outW, padTop, padLeft int, err error) {
	if stride[0] <= 0 || stride[1] <= 0 {
		return 0, 0, 0, 0, errorf("stride must be > 0, got %v", stride)
	}
	if kernel[0] <= 0 || kernel[1] <= 0 {
		return 0, 0, 0, 0, errorf("kernel size must be > 0, got %v", kernel)
	}
	switch padding {
	case "same":
		outH = (inputH + stride[0] - 1) / stride[0]
		outW = (inputW + stride[1] - 1) / stride[1]
		padTop = maxInt((outH-1)*stride[0]+kernel[0]-inputH, 0) / 2
		padLeft = maxInt((outW-1)*stride[1]+kernel[1]-inputW, 0) / 2
	case "valid":
		if inputH < kernel[0] || inputW < kernel[1] {
			return 0, 0, 0, 0, errorf("window %v larger than input %dx%d", kernel, inputH, inputW)
		}
		outH = (inputH-kernel[0])/stride[0] + 1
		outW = (inputW-kernel[1])/stride[1] + 1
	default:
		return 0, 0, 0, 0, errorf("unknown padding %q - use 'valid' or 'same'", padding)
	}
	return outH, outW, padTop, padLeft, nil
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return shapeError("Conv2D", -1, "build", inputShape, "[H, W, C]")
	}
	if c.filters <= 0 {
		return errorf("Conv2D filters must be > 0, got %d", c.filters)
	}
	if c.initializer == nil {
		return errorf("Conv2D requires initializer - use WithInitializer()")
	}
	if c.activation == nil {
		return errorf("Conv2D requires activation - use WithActivation()")
	}
	if c.useBias && c.biasInit == nil {
		return errorf("Conv2D with bias requires bias initializer - use WithBiasInitializer()")
	}

	var err error
	c.outH, c.outW, c.padTop, c.padLeft, err = windowGeometry(inputShape[0], inputShape[1], c.kernelSize, c.stride, c.padding)
	if err != nil {
		return err
	}

	c.inputShape = inputShape
	inChannels := inputShape[2]

	c.weights = newTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)
	c.gradW = newTensor(c.weights.shape...)

	if c.useBias {
		c.bias = newTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
		c.gradB = newTensor(c.filters)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, errorf("Conv2D not built")
	}
	if len(input.shape) != 4 || !sameShape(input.shape[1:], c.inputShape) {
		return nil, shapeError("Conv2D", -1, "forward", input.shape, "[batch, H, W, C]")
	}

	batchSize := input.shape[0]
	inputH, inputW, inChannels := c.inputShape[0], c.inputShape[1], c.inputShape[2]
	kH, kW := c.kernelSize[0], c.kernelSize[1]
	filters := c.filters

	c.input = input
	c.preAct = newTensor(batchSize, c.outH, c.outW, filters)

	inSample := inputH * inputW * inChannels
	outSample := c.outH * c.outW * filters

	parallelFor(batchSize, func(_, b int) {
		in := input.data[b*inSample : (b+1)*inSample]
		out := c.preAct.data[b*outSample : (b+1)*outSample]
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				dst := out[(oh*c.outW+ow)*filters : (oh*c.outW+ow+1)*filters]
				if c.useBias {
					copy(dst, c.bias.data)
				}
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - c.padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - c.padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						px := in[(ih*inputW+iw)*inChannels : (ih*inputW+iw+1)*inChannels]
						wBase := (kh*kW + kw) * inChannels * filters
						for ic, v := range px {
							if v == 0 {
								continue
							}
							floats.AddScaled(dst, v, c.weights.data[wBase+ic*filters:wBase+(ic+1)*filters])
						}
					}
				}
			}
		}
	})

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if c.input == nil {
		return nil, errorf("Conv2D backward called before forward")
	}
	batchSize := c.input.shape[0]
	inputH, inputW, inChannels := c.inputShape[0], c.inputShape[1], c.inputShape[2]
	kH, kW := c.kernelSize[0], c.kernelSize[1]
	filters := c.filters

	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	inSample := inputH * inputW * inChannels
	outSample := c.outH * c.outW * filters

	// one weight-gradient buffer per worker, reduced afterwards
	workers := workerCount(batchSize)
	partial := make([][]float64, workers)
	for w := range partial {
		partial[w] = make([]float64, c.gradW.size())
	}

	gradInput := newTensor(c.input.shape...)
	parallelFor(batchSize, func(worker, b int) {
		gw := partial[worker]
		in := c.input.data[b*inSample : (b+1)*inSample]
		gin := gradInput.data[b*inSample : (b+1)*inSample]
		gout := gradPreAct.data[b*outSample : (b+1)*outSample]
		for oh := 0; oh < c.outH; oh++ {
			for ow := 0; ow < c.outW; ow++ {
				g := gout[(oh*c.outW+ow)*filters : (oh*c.outW+ow+1)*filters]
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - c.padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - c.padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						pxBase := (ih*inputW + iw) * inChannels
						wBase := (kh*kW + kw) * inChannels * filters
						for ic := 0; ic < inChannels; ic++ {
							wRow := c.weights.data[wBase+ic*filters : wBase+(ic+1)*filters]
							gin[pxBase+ic] += floats.Dot(wRow, g)
							if v := in[pxBase+ic]; v != 0 {
								floats.AddScaled(gw[wBase+ic*filters:wBase+(ic+1)*filters], v, g)
							}
						}
					}
				}
			}
		}
	})

	c.gradW.zero()
	for _, gw := range partial {
		floats.Add(c.gradW.data, gw)
	}

	if c.useBias {
		c.gradB.zero()
		sumRows(gradPreAct, c.gradB.data)
	}
	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*tensor {
	if c.useBias {
		return []*tensor{c.weights, c.bias}
	}
	return []*tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*tensor {
	if c.useBias {
		return []*tensor{c.gradW, c.gradB}
	}
	return []*tensor{c.gradW}
}

func (c *Conv2DLayer) outputShape() []int {
	return []int{c.outH, c.outW, c.filters}
}

func (c *Conv2DLayer) name() string { return "conv2d" }

// MaxPool2DLayer - max pooling; padded cells never win
type MaxPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	padding    string
	inputShape []int
	outH, outW int
	padTop     int
	padLeft    int
	argmax     []int // flat input index chosen for each output cell
	batchSize  int
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize,
			padding:  "valid",
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) WithPadding(padding string) *MaxPool2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (p *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return shapeError("MaxPool2D", -1, "build", inputShape, "[H, W, C]")
	}
	var err error
	p.outH, p.outW, p.padTop, p.padLeft, err = windowGeometry(inputShape[0], inputShape[1], p.poolSize, p.stride, p.padding)
	if err != nil {
		return err
	}
	p.inputShape = inputShape
	return nil
}

func (p *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || !sameShape(input.shape[1:], p.inputShape) {
		return nil, shapeError("MaxPool2D", -1, "forward", input.shape, "[batch, H, W, C]")
	}
	batchSize := input.shape[0]
	inputH, inputW, channels := p.inputShape[0], p.inputShape[1], p.inputShape[2]

	output := newTensor(batchSize, p.outH, p.outW, channels)
	p.argmax = make([]int, output.size())
	p.batchSize = batchSize

	inSample := inputH * inputW * channels
	outSample := p.outH * p.outW * channels

	parallelFor(batchSize, func(_, b int) {
		for oh := 0; oh < p.outH; oh++ {
			for ow := 0; ow < p.outW; ow++ {
				for ch := 0; ch < channels; ch++ {
					best := math.Inf(-1)
					bestIdx := -1
					for kh := 0; kh < p.poolSize[0]; kh++ {
						ih := oh*p.stride[0] + kh - p.padTop
						if ih < 0 || ih >= inputH {
							continue
						}
						for kw := 0; kw < p.poolSize[1]; kw++ {
							iw := ow*p.stride[1] + kw - p.padLeft
							if iw < 0 || iw >= inputW {
								continue
							}
							idx := b*inSample + (ih*inputW+iw)*channels + ch
							if v := input.data[idx]; bestIdx < 0 || v > best {
								best = v
								bestIdx = idx
							}
						}
					}
					outIdx := b*outSample + (oh*p.outW+ow)*channels + ch
					output.data[outIdx] = best
					p.argmax[outIdx] = bestIdx
				}
			}
		}
	})
	return output, nil
}

func (p *MaxPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if p.argmax == nil {
		return nil, errorf("MaxPool2D backward called before forward")
	}
	gradInput := newTensor(append([]int{p.batchSize}, p.inputShape...)...)
	for i, g := range gradOutput.data {
		if idx := p.argmax[i]; idx >= 0 {
			gradInput.data[idx] += g
		}
	}
	return gradInput, nil
}

func (p *MaxPool2DLayer) parameters() []*tensor { return nil }
func (p *MaxPool2DLayer) gradients() []*tensor  { return nil }
func (p *MaxPool2DLayer) outputShape() []int {
	return []int{p.outH, p.outW, p.inputShape[2]}
}
func (p *MaxPool2DLayer) name() string { return "max_pool2d" }

// AvgPool2DLayer - average pooling over the cells inside the input
type AvgPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	padding    string
	inputShape []int
	outH, outW int
	padTop     int
	padLeft    int
	batchSize  int
}

type AvgPool2DBuilder struct {
	layer *AvgPool2DLayer
}

func AvgPool2D(poolSize [2]int) *AvgPool2DBuilder {
	return &AvgPool2DBuilder{
		layer: &AvgPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize,
			padding:  "valid",
		},
	}
}

func (b *AvgPool2DBuilder) WithStride(strideH, strideW int) *AvgPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *AvgPool2DBuilder) WithPadding(padding string) *AvgPool2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *AvgPool2DBuilder) Build() Layer {
	return b.layer
}

func (p *AvgPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return shapeError("AvgPool2D", -1, "build", inputShape, "[H, W, C]")
	}
	var err error
	p.outH, p.outW, p.padTop, p.padLeft, err = windowGeometry(inputShape[0], inputShape[1], p.poolSize, p.stride, p.padding)
	if err != nil {
		return err
	}
	p.inputShape = inputShape
	return nil
}

// visit calls fn for every in-bounds input cell of window (oh, ow) and
// returns how many there were
func (p *AvgPool2DLayer) visit(oh, ow int, fn func(ih, iw int)) int {
	count := 0
	for kh := 0; kh < p.poolSize[0]; kh++ {
		ih := oh*p.stride[0] + kh - p.padTop
		if ih < 0 || ih >= p.inputShape[0] {
			continue
		}
		for kw := 0; kw < p.poolSize[1]; kw++ {
			iw := ow*p.stride[1] + kw - p.padLeft
			if iw < 0 || iw >= p.inputShape[1] {
				continue
			}
			fn(ih, iw)
			count++
		}
	}
	return count
}

func (p *AvgPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || !sameShape(input.shape[1:], p.inputShape) {
		return nil, shapeError("AvgPool2D", -1, "forward", input.shape, "[batch, H, W, C]")
	}
	batchSize := input.shape[0]
	inputW, channels := p.inputShape[1], p.inputShape[2]
	p.batchSize = batchSize

	output := newTensor(batchSize, p.outH, p.outW, channels)
	inSample := p.inputShape[0] * inputW * channels
	outSample := p.outH * p.outW * channels

	parallelFor(batchSize, func(_, b int) {
		for oh := 0; oh < p.outH; oh++ {
			for ow := 0; ow < p.outW; ow++ {
				dst := output.data[b*outSample+(oh*p.outW+ow)*channels : b*outSample+(oh*p.outW+ow+1)*channels]
				n := p.visit(oh, ow, func(ih, iw int) {
					base := b*inSample + (ih*inputW+iw)*channels
					floats.Add(dst, input.data[base:base+channels])
				})
				if n > 0 {
					floats.Scale(1.0/float64(n), dst)
				}
			}
		}
	})
	return output, nil
}

func (p *AvgPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if p.batchSize == 0 {
		return nil, errorf("AvgPool2D backward called before forward")
	}
	inputW, channels := p.inputShape[1], p.inputShape[2]
	gradInput := newTensor(append([]int{p.batchSize}, p.inputShape...)...)
	inSample := p.inputShape[0] * inputW * channels
	outSample := p.outH * p.outW * channels

	parallelFor(p.batchSize, func(_, b int) {
		for oh := 0; oh < p.outH; oh++ {
			for ow := 0; ow < p.outW; ow++ {
				g := gradOutput.data[b*outSample+(oh*p.outW+ow)*channels : b*outSample+(oh*p.outW+ow+1)*channels]
				n := p.visit(oh, ow, func(int, int) {})
				if n == 0 {
					continue
				}
				scale := 1.0 / float64(n)
				p.visit(oh, ow, func(ih, iw int) {
					base := b*inSample + (ih*inputW+iw)*channels
					floats.AddScaled(gradInput.data[base:base+channels], scale, g)
				})
			}
		}
	})
	return gradInput, nil
}

func (p *AvgPool2DLayer) parameters() []*tensor { return nil }
func (p *AvgPool2DLayer) gradients() []*tensor  { return nil }
func (p *AvgPool2DLayer) outputShape() []int {
	return []int{p.outH, p.outW, p.inputShape[2]}
}
func (p *AvgPool2DLayer) name() string { return "avg_pool2d" }

// GlobalAvgPool2DLayer reduces [H, W, C] feature maps to [C]
type GlobalAvgPool2DLayer struct {
	inputShape []int
	batchSize  int
}

type GlobalAvgPool2DBuilder struct {
	layer *GlobalAvgPool2DLayer
}

func GlobalAvgPool2D() *GlobalAvgPool2DBuilder {
	return &GlobalAvgPool2DBuilder{layer: &GlobalAvgPool2DLayer{}}
}

func (b *GlobalAvgPool2DBuilder) Build() Layer {
	return b.layer
}

func (g *GlobalAvgPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return shapeError("GlobalAvgPool2D", -1, "build", inputShape, "[H, W, C]")
	}
	g.inputShape = inputShape
	return nil
}

func (g *GlobalAvgPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if len(input.shape) != 4 || !sameShape(input.shape[1:], g.inputShape) {
		return nil, shapeError("GlobalAvgPool2D", -1, "forward", input.shape, "[batch, H, W, C]")
	}
	batchSize := input.shape[0]
	channels := g.inputShape[2]
	spatial := g.inputShape[0] * g.inputShape[1]
	g.batchSize = batchSize

	output := newTensor(batchSize, channels)
	for b := 0; b < batchSize; b++ {
		dst := output.data[b*channels : (b+1)*channels]
		sumRows(wrapTensor(input.data[b*spatial*channels:(b+1)*spatial*channels], spatial, channels), dst)
		floats.Scale(1.0/float64(spatial), dst)
	}
	return output, nil
}

func (g *GlobalAvgPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if g.batchSize == 0 {
		return nil, errorf("GlobalAvgPool2D backward called before forward")
	}
	channels := g.inputShape[2]
	spatial := g.inputShape[0] * g.inputShape[1]
	scale := 1.0 / float64(spatial)

	gradInput := newTensor(append([]int{g.batchSize}, g.inputShape...)...)
	for b := 0; b < g.batchSize; b++ {
		src := gradOutput.data[b*channels : (b+1)*channels]
		for s := 0; s < spatial; s++ {
			base := (b*spatial + s) * channels
			floats.AddScaled(gradInput.data[base:base+channels], scale, src)
		}
	}
	return gradInput, nil
}

func (g *GlobalAvgPool2DLayer) parameters() []*tensor { return nil }
func (g *GlobalAvgPool2DLayer) gradients() []*tensor  { return nil }
func (g *GlobalAvgPool2DLayer) outputShape() []int    { return []int{g.inputShape[2]} }
func (g *GlobalAvgPool2DLayer) name() string          { return "global_avg_pool2d" }
