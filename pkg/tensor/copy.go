package tensor

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultConcurrentThreshold is the copy size above which chunks are copied in parallel
	DefaultConcurrentThreshold = 4 * 1024 * 1024
	minChunkSize               = 256 * 1024
)

// Copier copies tensor bytes, splitting large copies across goroutines.
// Concurrent calls are safe as long as their destinations do not overlap.
type Copier struct {
	// Threshold is the minimum size copied in parallel; zero disables parallel copies
	Threshold int
	// Workers bounds the goroutines used by one copy; zero means GOMAXPROCS
	Workers int
}

// DefaultCopier is used by Copy
var DefaultCopier = &Copier{Threshold: DefaultConcurrentThreshold}

// Copy copies src into dst using DefaultCopier
func Copy(dst, src []byte) error {
	return DefaultCopier.Copy(dst, src)
}

// Copy copies src into dst. Both slices must have the same length.
func (c *Copier) Copy(dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("copy length mismatch: dst %d bytes, src %d bytes", len(dst), len(src))
	}

	n := len(src)
	if c == nil || c.Threshold <= 0 || n < c.Threshold {
		copy(dst, src)
		return nil
	}

	workers := c.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunk := (n + workers - 1) / workers
	if chunk < minChunkSize {
		chunk = minChunkSize
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		d, s := dst[start:end], src[start:end]
		g.Go(func() error {
			copy(d, s)
			return nil
		})
	}
	return g.Wait()
}
