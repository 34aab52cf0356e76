package envelopefs

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel block sealing and opening
type ParallelConfig struct {
	// Enabled enables parallel block processing
	Enabled bool `yaml:"enabled"`

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int `yaml:"max_workers"`

	// MinBlocksForParallel is the minimum number of blocks to use parallel processing
	// Below this threshold, sequential processing is used
	MinBlocksForParallel int `yaml:"min_blocks"`

	// BatchBlocks bounds how many blocks a streaming encode or decode holds
	// in memory at once
	BatchBlocks int `yaml:"batch_blocks"`
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if p.BatchBlocks < 0 {
		return errors.New("parallel batch size cannot be negative")
	}
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return errors.New("parallel min blocks threshold must be at least 1")
	}
	if p.MinBlocksForParallel > 1000 {
		return errors.New("parallel min blocks threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 4,
		BatchBlocks:          64,
	}
}

func (p ParallelConfig) batchBlocks() int {
	if p.BatchBlocks <= 0 {
		return 64
	}
	return p.BatchBlocks
}

// forEachBlock runs fn for every index in [0, n), in parallel when the
// configuration allows it. The first error wins; a panicking worker is
// reported as an error.
func (p ParallelConfig) forEachBlock(n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	if !p.Enabled || n < p.MinBlocksForParallel {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	workers := p.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in block worker: %v", r)
				}
			}()
			return fn(i)
		})
	}
	return g.Wait()
}
