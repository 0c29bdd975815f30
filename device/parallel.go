package device

import (
	"runtime"
	"sync"
)

// ParallelFor splits [0, n) into at most workers contiguous chunks and runs
// fn on each chunk in its own goroutine. Work smaller than minParallel runs
// inline on the caller's goroutine.
func ParallelFor(workers, minParallel, n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers == 1 || n < minParallel {
		fn(0, n)
		return
	}
	if workers > n {
		workers = n
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
