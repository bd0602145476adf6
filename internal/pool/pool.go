// Package pool bounds the number of simultaneous expensive render calls a
// single process may have in flight. It is constructed once in main and
// injected; cross-process dedup is the store's conditional transition, not
// the pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAcquireTimeout is returned when a waiter's deadline elapses before a
// slot frees up.
var ErrAcquireTimeout = errors.New("render pool: timed out waiting for a slot")

// RenderPool serializes access to a fixed number of render slots. Waiters
// are served in FIFO order.
type RenderPool struct {
	sem   *semaphore.Weighted
	limit int
}

// New creates a pool with the given slot limit (minimum 1).
func New(limit int) *RenderPool {
	if limit < 1 {
		limit = 1
	}
	return &RenderPool{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Limit returns the configured slot count.
func (p *RenderPool) Limit() int { return p.limit }

// Execute runs fn once a slot is available. If no slot frees up within
// acquireTimeout the call fails with ErrAcquireTimeout and fn never runs.
// Cancellation of ctx while waiting propagates the context error.
func (p *RenderPool) Execute(ctx context.Context, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w (limit %d, waited %s)", ErrAcquireTimeout, p.limit, acquireTimeout)
		}
		return err
	}
	defer p.sem.Release(1)

	return fn(ctx)
}
