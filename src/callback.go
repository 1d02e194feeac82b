package flow

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// Callback is called during training at various points
type Callback interface {
	onTrainBegin(logs map[string]float64)
	onTrainEnd(logs map[string]float64)
	onEpochBegin(epoch int, logs map[string]float64)
	// onEpochEnd returns stop=true to end training after this epoch, or an
	// error to abort it
	onEpochEnd(epoch int, logs map[string]float64) (stop bool, err error)
	onBatchEnd(batch int, logs map[string]float64)
	name() string
}

// baseCallback gives no-op hooks to embedders
type baseCallback struct{}

func (baseCallback) onTrainBegin(logs map[string]float64)            {}
func (baseCallback) onTrainEnd(logs map[string]float64)              {}
func (baseCallback) onEpochBegin(epoch int, logs map[string]float64) {}
func (baseCallback) onEpochEnd(epoch int, logs map[string]float64) (bool, error) {
	return false, nil
}
func (baseCallback) onBatchEnd(batch int, logs map[string]float64) {}

// EarlyStoppingCallback stops training when metric stops improving
type EarlyStoppingCallback struct {
	baseCallback
	Monitor      string
	MinDelta     float64
	Patience     int
	Mode         string // "min" or "max"
	bestValue    float64
	wait         int
	stoppedEpoch int
}

type EarlyStoppingConfig struct {
	Monitor  string
	MinDelta float64
	Patience int
	Mode     string
}

func EarlyStopping(config EarlyStoppingConfig) Callback {
	e := &EarlyStoppingCallback{
		Monitor:      config.Monitor,
		MinDelta:     config.MinDelta,
		Patience:     config.Patience,
		Mode:         config.Mode,
		stoppedEpoch: -1,
	}
	e.onTrainBegin(nil)
	return e
}

func (e *EarlyStoppingCallback) onTrainBegin(logs map[string]float64) {
	e.wait = 0
	e.stoppedEpoch = -1
	if e.Mode == "max" {
		e.bestValue = math.Inf(-1)
	} else {
		e.bestValue = math.Inf(1)
	}
}

func (e *EarlyStoppingCallback) onEpochEnd(epoch int, logs map[string]float64) (bool, error) {
	current, ok := logs[e.Monitor]
	if !ok {
		return false, nil
	}

	var improved bool
	if e.Mode == "max" {
		improved = current > e.bestValue+e.MinDelta
	} else {
		improved = current < e.bestValue-e.MinDelta
	}

	if improved {
		e.bestValue = current
		e.wait = 0
		return false, nil
	}
	e.wait++
	if e.wait >= e.Patience {
		e.stoppedEpoch = epoch
		klog.V(1).Infof("early stopping at epoch %d: %s did not improve for %d epochs", epoch+1, e.Monitor, e.wait)
		return true, nil
	}
	return false, nil
}

// StoppedEpoch is the 0-indexed epoch training stopped at, or -1
func (e *EarlyStoppingCallback) StoppedEpoch() int { return e.stoppedEpoch }

func (e *EarlyStoppingCallback) name() string { return "early_stopping" }

// PrintProgressCallback logs training progress through klog
type PrintProgressCallback struct {
	baseCallback
	PrintEvery int
}

type PrintProgressConfig struct {
	PrintEvery int
}

func PrintProgress(config PrintProgressConfig) Callback {
	every := config.PrintEvery
	if every <= 0 {
		every = 1
	}
	return &PrintProgressCallback{PrintEvery: every}
}

func (p *PrintProgressCallback) onTrainBegin(logs map[string]float64) {
	klog.Info("training started")
}

func (p *PrintProgressCallback) onTrainEnd(logs map[string]float64) {
	klog.Infof("training complete: %s", FormatLogs(logs))
}

func (p *PrintProgressCallback) onEpochEnd(epoch int, logs map[string]float64) (bool, error) {
	if (epoch+1)%p.PrintEvery == 0 {
		klog.Infof("epoch %d: %s", epoch+1, FormatLogs(logs))
	}
	return false, nil
}

func (p *PrintProgressCallback) onBatchEnd(batch int, logs map[string]float64) {
	klog.V(2).Infof("batch %d: loss=%.4f", batch+1, logs["batch_loss"])
}

func (p *PrintProgressCallback) name() string { return "print_progress" }

// FormatLogs renders logs as sorted key=value pairs
func FormatLogs(logs map[string]float64) string {
	keys := make([]string, 0, len(logs))
	for k := range logs {
		if k == "batch_loss" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, logs[k])
	}
	return strings.Join(parts, " ")
}

// EpochFuncCallback adapts a plain function to the epoch-end hook. Returning
// an error aborts training with that error.
type EpochFuncCallback struct {
	baseCallback
	fn func(epoch int, logs map[string]float64) error
}

func EpochFunc(fn func(epoch int, logs map[string]float64) error) Callback {
	return &EpochFuncCallback{fn: fn}
}

func (e *EpochFuncCallback) onEpochEnd(epoch int, logs map[string]float64) (bool, error) {
	snapshot := make(map[string]float64, len(logs))
	for k, v := range logs {
		if k != "batch_loss" {
			snapshot[k] = v
		}
	}
	return false, e.fn(epoch, snapshot)
}

func (e *EpochFuncCallback) name() string { return "epoch_func" }
