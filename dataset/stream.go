package dataset

import (
	"context"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Stream is a restartable, finite-per-pass source of image batches for one
// side of the split
type Stream struct {
	root    string
	subset  Subset
	cfg     Config
	classes []string
	samples []Sample
	passes  atomic.Int64
}

// Load scans root, labels every image and keeps the requested subset.
// All resource and label errors surface here, before any batch is decoded.
func Load(root string, subset Subset, cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if subset != Training && subset != Validation {
		return nil, errors.Errorf("dataset: unknown subset %q", subset)
	}
	classes, files, err := scan(root)
	if err != nil {
		return nil, err
	}
	labeled, err := label(root, classes, files, cfg)
	if err != nil {
		return nil, err
	}
	samples := split(labeled, cfg, subset)
	if len(samples) == 0 {
		return nil, errors.Wrapf(ErrEmptySubset, "%s: %s subset of %d images", root, subset, len(labeled))
	}
	klog.V(1).Infof("dataset: %s %s: %d images in %d classes", root, subset, len(samples), len(classes))
	return &Stream{
		root:    root,
		subset:  subset,
		cfg:     cfg,
		classes: classes,
		samples: samples,
	}, nil
}

// LoadTrain loads the training side of the split
func LoadTrain(root string, cfg Config) (*Stream, error) {
	return Load(root, Training, cfg)
}

// LoadTest loads the held-out validation side of the split
func LoadTest(root string, cfg Config) (*Stream, error) {
	return Load(root, Validation, cfg)
}

// Len is the number of batches in one pass
func (s *Stream) Len() int {
	return (len(s.samples) + s.cfg.BatchSize - 1) / s.cfg.BatchSize
}

func (s *Stream) Samples() int      { return len(s.samples) }
func (s *Stream) Subset() Subset    { return s.subset }
func (s *Stream) Config() Config    { return s.cfg }
func (s *Stream) Classes() []string { return append([]string(nil), s.classes...) }

func (s *Stream) Paths() []string {
	out := make([]string, len(s.samples))
	for i, smp := range s.samples {
		out[i] = smp.Path
	}
	return out
}

func (s *Stream) Labels() []float64 {
	out := make([]float64, len(s.samples))
	for i, smp := range s.samples {
		out[i] = smp.Label
	}
	return out
}

// Batch is a decoded group of samples in NHWC order
type Batch struct {
	Images     []float64
	Labels     []float64
	Paths      []string
	Size       int
	Resolution int
}

// Shape returns the image tensor shape [n, R, R, 3]
func (b *Batch) Shape() []int {
	return []int{b.Size, b.Resolution, b.Resolution, Channels}
}

type result struct {
	batch *Batch
	err   error
}

// Iterator yields the batches of one pass
type Iterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	out    chan result
	done   bool
	once   sync.Once
}

// Iterate starts a new pass. Batches are decoded ahead of the consumer on a
// background goroutine until the pass ends, an error occurs, ctx is
// cancelled or Close is called.
func (s *Stream) Iterate(ctx context.Context) *Iterator {
	pass := s.passes.Add(1) - 1
	order := make([]int, len(s.samples))
	for i := range order {
		order[i] = i
	}
	if s.cfg.Shuffle {
		rng := rand.New(rand.NewSource(s.cfg.Seed + pass))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	ctx, cancel := context.WithCancel(ctx)
	it := &Iterator{
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan result, s.cfg.Prefetch),
	}
	go s.produce(ctx, order, it.out)
	return it
}

func (s *Stream) produce(ctx context.Context, order []int, out chan<- result) {
	defer close(out)
	bs := s.cfg.BatchSize
	for start := 0; start < len(order); start += bs {
		end := start + bs
		if end > len(order) {
			end = len(order)
		}
		b, err := s.decodeBatch(ctx, order[start:end])
		select {
		case out <- result{b, err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Stream) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return runtime.NumCPU()
}

func (s *Stream) decodeBatch(ctx context.Context, idx []int) (*Batch, error) {
	res := s.cfg.Resolution
	per := res * res * Channels
	b := &Batch{
		Images:     make([]float64, len(idx)*per),
		Labels:     make([]float64, len(idx)),
		Paths:      make([]string, len(idx)),
		Size:       len(idx),
		Resolution: res,
	}
	interp := interpolators[s.cfg.Interpolation]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, si := range idx {
		smp := s.samples[si]
		b.Labels[i] = smp.Label
		b.Paths[i] = smp.Path
		dst := b.Images[i*per : (i+1)*per]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return decodeInto(dst, smp.Path, res, s.cfg.Rescale, interp)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

// Next returns the next batch, io.EOF after the last one, or the error that
// ended the pass
func (it *Iterator) Next() (*Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	select {
	case r, ok := <-it.out:
		if !ok {
			it.done = true
			if err := it.ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if r.err != nil {
			it.done = true
			return nil, r.err
		}
		return r.batch, nil
	case <-it.ctx.Done():
		it.done = true
		return nil, it.ctx.Err()
	}
}

// Close stops prefetching and waits for the producer to exit
func (it *Iterator) Close() error {
	it.once.Do(func() {
		it.cancel()
		for range it.out {
		}
		it.done = true
	})
	return nil
}
