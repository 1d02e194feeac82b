package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	assert.NilError(t, err)
	defer f.Close()
	assert.NilError(t, png.Encode(f, img))
}

// makeTree writes counts[i] images into root/<classes[i]>/
func makeTree(t *testing.T, classes []string, counts []int) string {
	t.Helper()
	root := t.TempDir()
	for ci, class := range classes {
		for i := 0; i < counts[ci]; i++ {
			shade := uint8(40*ci + i)
			writePNG(t, filepath.Join(root, class, fmt.Sprintf("img%02d.png", i)), 6+i%3, 5, color.RGBA{shade, 255, 0, 255})
		}
	}
	return root
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Resolution = 4
	cfg.BatchSize = 3
	cfg.Workers = 2
	return cfg
}

func drain(t *testing.T, s *Stream) []*Batch {
	t.Helper()
	it := s.Iterate(context.Background())
	defer it.Close()
	var out []*Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			return out
		}
		assert.NilError(t, err)
		out = append(out, b)
	}
}

func TestSplitIsDisjointAndComplete(t *testing.T) {
	root := makeTree(t, []string{"10", "20", "35"}, []int{5, 7, 4})
	cfg := testConfig()

	train, err := LoadTrain(root, cfg)
	assert.NilError(t, err)
	test, err := LoadTest(root, cfg)
	assert.NilError(t, err)

	assert.Equal(t, train.Samples()+test.Samples(), 16)
	// floor(0.2*5) + floor(0.2*7) + floor(0.2*4)
	assert.Equal(t, test.Samples(), 2)

	seen := map[string]bool{}
	for _, p := range train.Paths() {
		seen[p] = true
	}
	for _, p := range test.Paths() {
		assert.Assert(t, !seen[p], "%s in both subsets", p)
	}
	assert.DeepEqual(t, train.Classes(), []string{"10", "20", "35"})
}

func TestSplitIsDeterministic(t *testing.T) {
	root := makeTree(t, []string{"1", "2"}, []int{10, 10})
	cfg := testConfig()
	cfg.ValidationSplit = 0.3

	a, err := LoadTest(root, cfg)
	assert.NilError(t, err)
	b, err := LoadTest(root, cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, a.Paths(), b.Paths())

	cfg.Seed = 7
	c, err := LoadTest(root, cfg)
	assert.NilError(t, err)
	assert.Equal(t, c.Samples(), a.Samples())
}

func TestBatchesHaveExpectedShapeAndRange(t *testing.T) {
	root := makeTree(t, []string{"3", "8"}, []int{4, 4})
	cfg := testConfig()
	cfg.ValidationSplit = 0
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)
	assert.Equal(t, s.Len(), 3)

	batches := drain(t, s)
	assert.Equal(t, len(batches), 3)
	total := 0
	for _, b := range batches {
		assert.Assert(t, b.Size >= 1 && b.Size <= cfg.BatchSize)
		assert.DeepEqual(t, b.Shape(), []int{b.Size, 4, 4, 3})
		assert.Equal(t, len(b.Images), b.Size*4*4*3)
		assert.Equal(t, len(b.Labels), b.Size)
		for _, v := range b.Images {
			assert.Assert(t, v >= 0 && v <= 1, "pixel %g out of range", v)
		}
		for i, l := range b.Labels {
			want := 3.0
			if filepath.Base(filepath.Dir(b.Paths[i])) == "8" {
				want = 8
			}
			assert.Equal(t, l, want)
		}
		total += b.Size
	}
	assert.Equal(t, total, 8)
	assert.Equal(t, batches[len(batches)-1].Size, 2)
}

func TestPixelsAreRescaled(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "1", "a.png"), 3, 3, color.RGBA{255, 0, 51, 255})
	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.Resolution = 2
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)

	b := drain(t, s)[0]
	for i, want := range []float64{1, 0, 0.2} {
		assert.Assert(t, math.Abs(b.Images[i]-want) < 1e-9, "channel %d: %g", i, b.Images[i])
	}
}

func TestTranslucentPixelsKeepColor(t *testing.T) {
	root := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{200, 100, 50, 128})
		}
	}
	path := filepath.Join(root, "1", "a.png")
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	assert.NilError(t, err)
	assert.NilError(t, png.Encode(f, img))
	assert.NilError(t, f.Close())

	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.Resolution = 2
	cfg.Interpolation = Bilinear
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)

	b := drain(t, s)[0]
	for i, want := range []float64{200, 100, 50} {
		want /= 255
		assert.Assert(t, math.Abs(b.Images[i]-want) < 2.0/255, "channel %d: %g, want %g", i, b.Images[i], want)
	}
}

func TestShuffleChangesOrderPerPass(t *testing.T) {
	root := makeTree(t, []string{"1", "2", "3"}, []int{6, 6, 6})
	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.BatchSize = 18
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)

	first := drain(t, s)[0].Paths
	second := drain(t, s)[0].Paths
	assert.Assert(t, fmt.Sprint(first) != fmt.Sprint(second))

	a := append([]string(nil), first...)
	b := append([]string(nil), second...)
	sort.Strings(a)
	sort.Strings(b)
	assert.DeepEqual(t, a, b)

	cfg.Shuffle = false
	s, err = LoadTrain(root, cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, drain(t, s)[0].Paths, s.Paths())
}

func TestMissingDirectory(t *testing.T) {
	_, err := LoadTrain(filepath.Join(t.TempDir(), "nope"), testConfig())
	assert.Assert(t, errors.Is(err, ErrNotFound), "got %v", err)

	empty := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(empty, "1"), 0o755))
	_, err = LoadTrain(empty, testConfig())
	assert.Assert(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestEmptyValidationSubset(t *testing.T) {
	root := makeTree(t, []string{"1"}, []int{3})
	_, err := LoadTest(root, testConfig())
	assert.Assert(t, errors.Is(err, ErrEmptySubset), "got %v", err)
	assert.Assert(t, !errors.Is(err, ErrNotFound))

	cfg := testConfig()
	cfg.ValidationSplit = 0
	_, err = LoadTest(root, cfg)
	assert.Assert(t, errors.Is(err, ErrEmptySubset), "got %v", err)
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)
	assert.Equal(t, s.Samples(), 3)
}

func TestBinaryLabels(t *testing.T) {
	root := makeTree(t, []string{"dogs", "cats"}, []int{3, 3})
	cfg := testConfig()
	cfg.LabelMode = Binary
	cfg.ValidationSplit = 0
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)
	for i, p := range s.Paths() {
		want := 0.0
		if filepath.Base(filepath.Dir(p)) == "dogs" {
			want = 1
		}
		assert.Equal(t, s.Labels()[i], want)
	}

	three := makeTree(t, []string{"a", "b", "c"}, []int{2, 2, 2})
	_, err = LoadTrain(three, cfg)
	assert.Assert(t, errors.Is(err, ErrLabels), "got %v", err)
}

func TestNonNumericClassNeedsLabels(t *testing.T) {
	root := makeTree(t, []string{"low", "high"}, []int{2, 2})
	_, err := LoadTrain(root, testConfig())
	assert.Assert(t, errors.Is(err, ErrLabels), "got %v", err)
}

func TestLabelsFile(t *testing.T) {
	root := makeTree(t, []string{"x"}, []int{3})
	csv := filepath.Join(t.TempDir(), "labels.csv")
	assert.NilError(t, os.WriteFile(csv, []byte("path,value\nx/img00.png,1.5\nx/img01.png, 2.5\nx/img02.png,-3\n"), 0o644))

	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.Labels = csv
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)
	assert.DeepEqual(t, s.Labels(), []float64{1.5, 2.5, -3})

	assert.NilError(t, os.WriteFile(csv, []byte("x/img00.png,1\n"), 0o644))
	_, err = LoadTrain(root, cfg)
	assert.Assert(t, errors.Is(err, ErrLabels), "got %v", err)
}

func TestDecodeErrorEndsPass(t *testing.T) {
	root := makeTree(t, []string{"1"}, []int{2})
	assert.NilError(t, os.WriteFile(filepath.Join(root, "1", "broken.png"), []byte("not a png"), 0o644))
	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.Shuffle = false
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)

	it := s.Iterate(context.Background())
	defer it.Close()
	_, err = it.Next()
	assert.ErrorContains(t, err, "broken.png")
	_, err = it.Next()
	assert.Equal(t, err, io.EOF)
}

func TestIterateCancelled(t *testing.T) {
	root := makeTree(t, []string{"1"}, []int{6})
	cfg := testConfig()
	cfg.ValidationSplit = 0
	cfg.BatchSize = 1
	s, err := LoadTrain(root, cfg)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	it := s.Iterate(ctx)
	_, err = it.Next()
	assert.NilError(t, err)
	cancel()
	for err == nil {
		_, err = it.Next()
	}
	assert.Assert(t, err == context.Canceled || err == io.EOF, "got %v", err)
	assert.NilError(t, it.Close())
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NilError(t, cfg.Validate())

	cfg.ValidationSplit = 1
	assert.ErrorContains(t, cfg.Validate(), "validation split")

	cfg = DefaultConfig()
	cfg.Interpolation = "lanczos"
	assert.ErrorContains(t, cfg.Validate(), "interpolation")

	cfg = DefaultConfig()
	cfg.LabelMode = Binary
	cfg.Labels = "labels.csv"
	assert.ErrorContains(t, cfg.Validate(), "regression")
}

func TestCanvasPoolReusesBySide(t *testing.T) {
	p := newCanvasPool()
	a := p.Get(8)
	assert.Equal(t, a.Bounds().Dx(), 8)
	p.Put(a)
	b := p.Get(4)
	assert.Equal(t, b.Bounds().Dx(), 4)
	p.Put(b)
}
