package algo

import (
	"context"
	"fmt"

	"github.com/samcharles93/squeeze/internal/graph"
)

// Callback receives epoch boundaries from a training loop.
type Callback interface {
	OnEpochBegin(ctx context.Context, run Run) error
	OnEpochEnd(ctx context.Context, run Run) error
}

var (
	_ Callback = (*PrunerCallback)(nil)
	_ Callback = (*SLBScheduler)(nil)
)

// StepFunc performs one epoch of training. Training itself happens outside
// this module; a nil StepFunc only drives the callbacks.
type StepFunc func(ctx context.Context, run Run) error

// Schedule drives epochs 1..total, calling every callback around step in
// registration order. The first error stops the schedule.
func Schedule(ctx context.Context, net *graph.Network, total int, step StepFunc, callbacks ...Callback) error {
	if total <= 0 {
		return fmt.Errorf("%w: total epochs must be > 0, got %d", ErrInvalidConfig, total)
	}
	for epoch := 1; epoch <= total; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		run := Run{Epoch: epoch, TotalEpochs: total, Network: net}
		for _, cb := range callbacks {
			if err := cb.OnEpochBegin(ctx, run); err != nil {
				return fmt.Errorf("epoch %d begin: %w", epoch, err)
			}
		}
		if step != nil {
			if err := step(ctx, run); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(ctx, run); err != nil {
				return fmt.Errorf("epoch %d end: %w", epoch, err)
			}
		}
	}
	return nil
}
