package history

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"transferflow/trainer"
)

func TestAppendAndReadInOrder(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "runs.db"))
	assert.NilError(t, err)
	defer s.Close()

	first, err := s.BeginRun(ctx, "trainer:\n  epochs: 3\n")
	assert.NilError(t, err)
	second, err := s.BeginRun(ctx, "trainer:\n  epochs: 1\n")
	assert.NilError(t, err)
	assert.Assert(t, second > first)

	want := []trainer.EpochRecord{
		{Epoch: 1, Loss: 4.5, Metric: 4.5, ValLoss: 5, ValMetric: 5, MetricName: "mae", LearningRate: 1e-4, Duration: 1500 * time.Millisecond},
		{Epoch: 2, Loss: 3.25, Metric: 3.25, ValLoss: 4, ValMetric: 4, MetricName: "mae", LearningRate: 1e-4, Duration: time.Second},
		{Epoch: 3, Loss: 2, Metric: 2, ValLoss: 3.5, ValMetric: 3.5, MetricName: "mae", LearningRate: 5e-5, Duration: 2 * time.Second},
	}
	// out of order on purpose
	for _, i := range []int{2, 0, 1} {
		assert.NilError(t, s.Append(ctx, first, want[i]))
	}
	assert.NilError(t, s.Append(ctx, second, want[0]))

	got, err := s.Records(ctx, first)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)

	got, err = s.Records(ctx, second)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 1)

	runs, err := s.Runs(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(runs), 2)
	assert.Equal(t, runs[0].Config, "trainer:\n  epochs: 3\n")
}

func TestDuplicateEpochRejected(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "runs.db"))
	assert.NilError(t, err)
	defer s.Close()

	run, err := s.BeginRun(ctx, "")
	assert.NilError(t, err)
	assert.NilError(t, s.Append(ctx, run, trainer.EpochRecord{Epoch: 1}))
	assert.ErrorContains(t, s.Append(ctx, run, trainer.EpochRecord{Epoch: 1}), "epoch 1")
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(ctx, path)
	assert.NilError(t, err)
	run, err := s.BeginRun(ctx, "x")
	assert.NilError(t, err)
	assert.NilError(t, s.Append(ctx, run, trainer.EpochRecord{Epoch: 1, Loss: 0.5}))
	assert.NilError(t, s.Close())

	s, err = Open(ctx, path)
	assert.NilError(t, err)
	defer s.Close()
	got, err := s.Records(ctx, run)
	assert.NilError(t, err)
	assert.Equal(t, got[0].Loss, 0.5)
}

func TestNaNLossRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "runs.db"))
	assert.NilError(t, err)
	defer s.Close()

	run, err := s.BeginRun(ctx, "")
	assert.NilError(t, err)
	diverged := trainer.EpochRecord{
		Epoch: 1, Loss: math.NaN(), Metric: math.NaN(), ValLoss: math.Inf(1), ValMetric: 2.5,
		MetricName: "mae", LearningRate: 1e-3,
	}
	assert.NilError(t, s.Append(ctx, run, diverged))

	got, err := s.Records(ctx, run)
	assert.NilError(t, err)
	assert.Equal(t, len(got), 1)
	assert.Assert(t, math.IsNaN(got[0].Loss))
	assert.Assert(t, math.IsNaN(got[0].Metric))
	assert.Assert(t, math.IsInf(got[0].ValLoss, 1))
	assert.Equal(t, got[0].ValMetric, 2.5)
	assert.Equal(t, got[0].LearningRate, 1e-3)
}
