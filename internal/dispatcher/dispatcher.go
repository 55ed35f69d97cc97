// Package dispatcher fans a bounded batch of work out over a capped number
// of goroutines.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Dispatcher runs per-item work with at most Limit calls in flight.
type Dispatcher struct {
	limit int
}

// New creates a Dispatcher. limit <= 0 means one goroutine per item.
func New(limit int) *Dispatcher {
	return &Dispatcher{limit: limit}
}

// Each calls fn for every index in [0,n). Item-level failures must be
// absorbed inside fn; an error returned from fn is fatal, stops scheduling
// further items and is returned once in-flight calls finish.
func (d *Dispatcher) Each(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	limit := d.limit
	if limit <= 0 || limit > n {
		limit = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		idx := i
		g.Go(func() error {
			return fn(gctx, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatch canceled: %w", err)
	}
	return nil
}
