// Package gate bounds the number of renders in flight. Interactive requests
// and batch workers draw permits from the same pool, so the engine never
// exceeds the configured render concurrency regardless of load source.
package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Gate struct {
	permits chan struct{}
	size    int
	logger  *zap.Logger
}

func New(size int, logger *zap.Logger) (*Gate, error) {
	if size < 1 {
		return nil, fmt.Errorf("gate size must be positive, got %d", size)
	}

	permits := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		permits <- struct{}{}
	}

	return &Gate{
		permits: permits,
		size:    size,
		logger:  logger,
	}, nil
}

// Acquire blocks until a permit is available or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.permits:
		return nil
	default:
	}

	g.logger.Debug("All render permits busy, queuing",
		zap.Int("capacity", g.size))

	select {
	case <-g.permits:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for render permit: %w", ctx.Err())
	}
}

// TryAcquire takes a permit without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case <-g.permits:
		return true
	default:
		return false
	}
}

// Release returns a permit to the pool. Must be called exactly once per
// successful Acquire or TryAcquire.
func (g *Gate) Release() {
	select {
	case g.permits <- struct{}{}:
	default:
		// More releases than acquires indicates a bookkeeping bug
		g.logger.Error("Render permit released without matching acquire")
	}
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	return g.size - len(g.permits)
}

// Capacity returns the total permit count.
func (g *Gate) Capacity() int {
	return g.size
}
