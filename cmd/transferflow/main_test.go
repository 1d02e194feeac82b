package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"transferflow/config"
	"transferflow/dataset"
	"transferflow/history"
	"transferflow/model"
)

// writeImages puts n images under root/<class>/ for each class
func writeImages(t *testing.T, classes []string, n int) string {
	t.Helper()
	root := t.TempDir()
	for ci, class := range classes {
		dir := filepath.Join(root, class)
		assert.NilError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 9, 9))
			for y := 0; y < 9; y++ {
				for x := 0; x < 9; x++ {
					img.SetRGBA(x, y, color.RGBA{uint8(90 * ci), uint8(30 * i), uint8(x + y), 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d.png", i)))
			assert.NilError(t, err)
			assert.NilError(t, png.Encode(f, img))
			assert.NilError(t, f.Close())
		}
	}
	return root
}

func tinyConfig(root string) config.File {
	cfg := config.Default()
	cfg.Data = root
	cfg.Dataset.Resolution = 8
	cfg.Dataset.BatchSize = 4
	cfg.Dataset.Workers = 2
	cfg.Model.Backbone = model.Tiny
	cfg.Model.Resolution = 8
	cfg.Model.HiddenUnits = 4
	cfg.Trainer.Epochs = 1
	return cfg
}

func TestLoadStreamsWithoutValidation(t *testing.T) {
	root := writeImages(t, []string{"1", "2"}, 3)
	cfg := tinyConfig(root)
	cfg.Dataset.ValidationSplit = 0
	assert.NilError(t, cfg.Validate())

	train, test, err := loadStreams(root, cfg.Dataset)
	assert.NilError(t, err)
	assert.Assert(t, test == nil)
	assert.Equal(t, train.Samples(), 6)
}

func TestLoadStreamsTinyTree(t *testing.T) {
	// floor(0.2 * 2) leaves no validation images
	root := writeImages(t, []string{"1", "2"}, 1)
	cfg := tinyConfig(root)
	assert.Equal(t, cfg.Dataset.ValidationSplit, 0.2)

	train, test, err := loadStreams(root, cfg.Dataset)
	assert.NilError(t, err)
	assert.Assert(t, test == nil)
	assert.Equal(t, train.Samples(), 2)
}

func TestLoadStreamsMissingRoot(t *testing.T) {
	_, _, err := loadStreams(filepath.Join(t.TempDir(), "nope"), tinyConfig("").Dataset)
	assert.ErrorIs(t, err, dataset.ErrNotFound)
}

func TestRunWithoutValidation(t *testing.T) {
	root := writeImages(t, []string{"1", "2"}, 3)
	cfg := tinyConfig(root)
	cfg.Dataset.ValidationSplit = 0
	dir := t.TempDir()
	cfg.WeightsOut = filepath.Join(dir, "model.json")
	cfg.History = filepath.Join(dir, "runs.db")
	assert.NilError(t, cfg.Validate())
	rendered, err := cfg.Encode()
	assert.NilError(t, err)

	ctx := context.Background()
	assert.NilError(t, run(ctx, cfg, string(rendered)))

	_, err = os.Stat(cfg.WeightsOut)
	assert.NilError(t, err)
	store, err := history.Open(ctx, cfg.History)
	assert.NilError(t, err)
	defer store.Close()
	runs, err := store.Runs(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(runs), 1)
	records, err := store.Records(ctx, runs[0].ID)
	assert.NilError(t, err)
	assert.Equal(t, len(records), 1)
}
