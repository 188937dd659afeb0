package worker

import (
	"context"
	"sync"
)

// Pool runs a fixed batch of tasks with bounded concurrency, adapted from
// the teacher's queue-consuming worker pool into an in-memory fan-out
// helper: spec.md §4.6 step 5 clamps time-series bucket execution to
// clamp(ceil(buckets/10), 1, 5) concurrent workers rather than draining a
// persistent queue, so there is no Queue/JobProcessor to dequeue from —
// just a bounded number of buckets in flight at once.
type Pool struct {
	workers int
}

// NewPool returns a Pool bounded to workers concurrent tasks (at least 1).
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{workers: workers}
}

// Run calls fn once for every index in [0,n), running at most p.workers
// calls concurrently. The context passed to fn is cancelled as soon as any
// call returns an error, so siblings already in flight can abandon early;
// Run itself waits for every started call to return before reporting the
// first error seen.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, i); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}
