package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every element with at most limit goroutines in
// flight. The context passed to action is cancelled on the first error, which
// is returned once every started goroutine has finished. A limit below one
// means no limit.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(context.Context, int, T) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		group.SetLimit(limit)
	}

	for idx, value := range items {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			return action(groupCtx, idx, value)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for idx := 0; idx < len(items); idx += size {
		end := min(idx+size, len(items))
		out = append(out, items[idx:end])
	}
	return out
}
