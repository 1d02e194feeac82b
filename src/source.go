package flow

import (
	"context"
	"io"
	"math/rand"
)

// Batch is one step of training data. Inputs hold Size samples packed
// row-major in the network's input shape; Targets hold Size rows shaped like
// the network output.
type Batch struct {
	Inputs  []float64
	Targets []float64
	Size    int
}

// BatchIterator walks one pass of a source. Next returns io.EOF at the end
// of the pass.
type BatchIterator interface {
	Next() (Batch, error)
	Close() error
}

// BatchSource opens passes over a dataset. Every call starts a new pass.
type BatchSource interface {
	Batches(ctx context.Context) (BatchIterator, error)
}

// tensorSource serves in-memory tensors, reshuffled each pass when rng is set
type tensorSource struct {
	x, y      *tensor
	batchSize int
	rng       *rand.Rand
}

// RowSource wraps in-memory rows as a BatchSource. Rows are served in order;
// the slices are not copied.
func RowSource(inputs, targets [][]float64, inputShape []int, batchSize int) (BatchSource, error) {
	if len(inputs) != len(targets) {
		return nil, errorf("inputs and targets must have same length")
	}
	if batchSize <= 0 {
		return nil, errorf("batch size must be > 0, got %d", batchSize)
	}
	if len(inputs) == 0 {
		return nil, errorf("no rows provided")
	}
	x, err := toTensor(inputs, inputShape)
	if err != nil {
		return nil, err
	}
	y, err := toTensor(targets, []int{len(targets[0])})
	if err != nil {
		return nil, err
	}
	return &tensorSource{x: x, y: y, batchSize: batchSize}, nil
}

func (s *tensorSource) Batches(ctx context.Context) (BatchIterator, error) {
	if s.rng != nil {
		shuffleRows(s.x, s.y, s.rng)
	}
	return &tensorIterator{ctx: ctx, src: s}, nil
}

type tensorIterator struct {
	ctx  context.Context
	src  *tensorSource
	next int
}

func (it *tensorIterator) Next() (Batch, error) {
	if err := it.ctx.Err(); err != nil {
		return Batch{}, err
	}
	total := it.src.x.shape[0]
	if it.next >= total {
		return Batch{}, io.EOF
	}
	bx := sliceRows(it.src.x, it.next, it.src.batchSize)
	by := sliceRows(it.src.y, it.next, it.src.batchSize)
	it.next += bx.shape[0]
	return Batch{Inputs: bx.data, Targets: by.data, Size: bx.shape[0]}, nil
}

func (it *tensorIterator) Close() error { return nil }
