// Package system inspects the host to size decode workers and batches.
package system

import (
	"context"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/klog/v2"

	"transferflow/dataset"
)

// Host describes the machine a run executes on
type Host struct {
	CPU           string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
	TotalMemory   uint64
	FreeMemory    uint64
}

// Probe reads CPU features and current memory availability
func Probe(ctx context.Context) (Host, error) {
	h := Host{
		CPU:           cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if h.LogicalCores <= 0 {
		h.LogicalCores = runtime.NumCPU()
	}
	if h.PhysicalCores <= 0 {
		h.PhysicalCores = h.LogicalCores
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return h, errors.Wrap(err, "system: memory")
	}
	h.TotalMemory = vm.Total
	h.FreeMemory = vm.Available
	return h, nil
}

func (h Host) String() string {
	return fmt.Sprintf("%s, %d cores (%d threads), avx2=%t avx512=%t, %s free of %s",
		h.CPU, h.PhysicalCores, h.LogicalCores, h.AVX2, h.AVX512, formatBytes(h.FreeMemory), formatBytes(h.TotalMemory))
}

// DecodeWorkers picks the decode parallelism: requested when set, otherwise
// one per logical core
func (h Host) DecodeWorkers(requested int) int {
	if requested > 0 {
		return requested
	}
	if h.LogicalCores > 0 {
		return h.LogicalCores
	}
	return 1
}

// KernelWorkers is the goroutine count for convolution kernels, one per
// physical core
func (h Host) KernelWorkers() int {
	if h.PhysicalCores > 0 {
		return h.PhysicalCores
	}
	return 1
}

// BatchBytes estimates the memory held by decoded batches in flight: the
// prefetch queue, the batch being decoded and the one being trained on
func BatchBytes(cfg dataset.Config) uint64 {
	per := uint64(cfg.Resolution) * uint64(cfg.Resolution) * dataset.Channels * 8
	return per * uint64(cfg.BatchSize) * uint64(cfg.Prefetch+2)
}

// CheckBatch warns when in-flight batches would take more than a quarter of
// free memory and reports whether they fit
func (h Host) CheckBatch(cfg dataset.Config) bool {
	need := BatchBytes(cfg)
	if h.FreeMemory == 0 || need <= h.FreeMemory/4 {
		return true
	}
	klog.Warningf("system: %d batches of %d at %dpx need %s, %s free; lower batch_size, prefetch or resolution",
		cfg.Prefetch+2, cfg.BatchSize, cfg.Resolution, formatBytes(need), formatBytes(h.FreeMemory))
	return false
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
