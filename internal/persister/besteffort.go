package persister

import (
	"context"

	"github.com/fyrsmithlabs/scratchsync/internal/logging"
	"go.uber.org/zap"
)

// BestEffort is an operation whose failure is logged and never returned.
type BestEffort[T any] func(ctx context.Context) (T, error)

// Run executes the operation. ok is false when it failed; the failure has
// already been logged at Warn under name.
func (op BestEffort[T]) Run(ctx context.Context, logger *logging.Logger, name string) (result T, ok bool) {
	result, err := op(ctx)
	if err != nil {
		logger.Warn(ctx, "best-effort operation failed", zap.String("operation", name), zap.Error(err))
		var zero T
		return zero, false
	}
	return result, true
}
