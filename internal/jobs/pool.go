// Package jobs holds the batch passes an external scheduler triggers:
// score recompute and snapshot recording.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/warmth-engine/internal/warmth"
)

// Options bounds a batch pass.
type Options struct {
	PageSize    int
	Concurrency int
	RowTimeout  time.Duration
	// Epsilon is the score change below which a row with an unchanged band
	// is left alone.
	Epsilon float64
}

// DefaultOptions returns the batch defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:    500,
		Concurrency: 8,
		RowTimeout:  5 * time.Second,
		Epsilon:     1e-9,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.RowTimeout <= 0 {
		o.RowTimeout = d.RowTimeout
	}
	if o.Epsilon <= 0 {
		o.Epsilon = d.Epsilon
	}
	return o
}

// walk pages through every state and runs row on each through a bounded
// pool. Cancellation is honored between pages; rows already started finish
// under their own timeout.
func walk(ctx context.Context, repo warmth.Repository, opts Options, row func(ctx context.Context, st warmth.State)) error {
	pool := make(chan struct{}, opts.Concurrency)
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := repo.ListWarmthStatesPage(ctx, cursor, opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("list warmth states after %q: %w", cursor, err)
		}

		var wg sync.WaitGroup
		for _, st := range page {
			wg.Add(1)
			go func(st warmth.State) {
				defer wg.Done()
				pool <- struct{}{}
				defer func() { <-pool }()

				rowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.RowTimeout)
				defer cancel()
				row(rowCtx, st)
			}(st)
		}
		wg.Wait()

		if next == "" {
			return nil
		}
		cursor = next
	}
}
