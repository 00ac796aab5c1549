package concurrency

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunIndexed runs fn once per item in items, concurrently, each gated by
// sem. Results are written back indexed by original input position
// (spec.md §4.2's "result list is indexed by original input position"
// invariant) regardless of completion order. The first error returned by
// any fn cancels ctx for the rest and is returned; results for items that
// never ran are left at their zero value.
func RunIndexed[T any, R any](ctx context.Context, sem *Semaphore, items []T, fn func(ctx context.Context, idx int, item T) (R, error)) ([]R, error) {
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)

	for idx, item := range items {
		idx, item := idx, item
		g.Go(func() error {
			if err := sem.Acquire(gctx); err != nil {
				return err
			}
			defer sem.Release()

			r, err := fn(gctx, idx, item)
			if err != nil {
				return err
			}
			results[idx] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
