package flow

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Workers bounds the goroutines used by convolution kernels.
// Zero means runtime.NumCPU().
var Workers = 0

func workerCount(n int) int {
	w := Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	if w < 1 {
		w = 1
	}
	return w
}

// parallelFor runs body(worker, i) for i in [0, n). Each worker index is
// used by exactly one goroutine, so body may own per-worker scratch space.
func parallelFor(n int, body func(worker, i int)) {
	workers := workerCount(n)
	if workers == 1 {
		for i := 0; i < n; i++ {
			body(0, i)
		}
		return
	}

	var next int64 = -1
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(worker int) {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&next, 1))
				if i >= n {
					return
				}
				body(worker, i)
			}
		}(w)
	}
	wg.Wait()
}
