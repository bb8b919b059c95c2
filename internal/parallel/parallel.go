// Package parallel splits elementwise vector work into disjoint contiguous
// ranges and runs them on a bounded pool of goroutines.
package parallel

import (
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// Config controls parallel execution.
type Config struct {
	NumWorkers   int // Upper bound on concurrently running ranges.
	MinChunkSize int // Minimum elements per range.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{
		NumWorkers:   runtime.NumCPU(),
		MinChunkSize: 256,
	}
}

// Ranges returns the [lo, hi) bounds ForRange would use for n elements.
func Ranges(n int, cfg Config) [][2]int {
	if n <= 0 {
		return nil
	}
	workers := max(cfg.NumWorkers, 1)
	chunk := max((n+workers-1)/workers, cfg.MinChunkSize, 1)
	out := make([][2]int, 0, (n+chunk-1)/chunk)
	for lo := 0; lo < n; lo += chunk {
		out = append(out, [2]int{lo, min(lo+chunk, n)})
	}
	return out
}

// ForRange calls fn once per range covering [0, n) and returns after every
// call has finished. Calls never share an index, so fn may write to its own
// range of a shared slice without locking. Small inputs run inline.
func ForRange(n int, cfg Config, fn func(lo, hi int)) {
	ranges := Ranges(n, cfg)
	if len(ranges) <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return
	}

	p := pool.New().WithMaxGoroutines(max(cfg.NumWorkers, 1))
	for _, r := range ranges {
		lo, hi := r[0], r[1]
		p.Go(func() {
			fn(lo, hi)
		})
	}
	p.Wait()
}
