package parallel

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Each calls fn for every index in [0, n) on at most limit workers. Workers
// claim the next index from a shared atomic cursor, so every index is
// claimed by exactly one worker. A done context stops further claims, the
// claimed calls are waited for. Each returns the number of claimed indices.
//
//	parallel.Each(ctx, len(tasks), 8, func(ctx context.Context, i int) {
//		handle(ctx, tasks[i])
//	})
func Each(ctx context.Context, n, limit int, fn func(ctx context.Context, i int)) int {
	if n <= 0 {
		return 0
	}
	workers := max(1, min(limit, n))

	var cursor atomic.Int64
	var claimed atomic.Int64
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for ctx.Err() == nil {
				i := int(cursor.Add(1) - 1)
				if i >= n {
					return nil
				}
				claimed.Add(1)
				fn(ctx, i)
			}
			return nil
		})
	}
	_ = g.Wait() // workers do not return an error
	return int(claimed.Load())
}
