package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BulkheadConfig defines the configuration for a bulkhead
type BulkheadConfig struct {
	// MaxConcurrentCalls is the maximum number of concurrent calls
	MaxConcurrentCalls int64
	// AcquireTimeout is how long a call may wait for a slot
	AcquireTimeout time.Duration
}

// BulkheadMetrics contains metrics for a bulkhead
type BulkheadMetrics struct {
	// CompletedCalls is the number of calls that ran
	CompletedCalls uint64
	// RejectedCalls is the number of calls refused because the caller gave up
	RejectedCalls uint64
	// TimedOutCalls is the number of calls refused after AcquireTimeout
	TimedOutCalls uint64
	// ActiveCalls is the current number of running calls
	ActiveCalls int64
	// MaxConcurrentCallsObserved is the highest ActiveCalls seen
	MaxConcurrentCallsObserved int64
}

// Bulkhead limits concurrent calls with a weighted semaphore
type Bulkhead struct {
	name      string
	config    BulkheadConfig
	semaphore *semaphore.Weighted
	metrics   BulkheadMetrics
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewBulkhead creates a new bulkhead. A nil logger disables logging.
func NewBulkhead(name string, config BulkheadConfig, logger *zap.Logger) *Bulkhead {
	if config.MaxConcurrentCalls < 1 {
		config.MaxConcurrentCalls = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bulkhead{
		name:      name,
		config:    config,
		semaphore: semaphore.NewWeighted(config.MaxConcurrentCalls),
		logger:    logger,
	}
}

// Capacity returns the configured concurrency limit
func (b *Bulkhead) Capacity() int64 {
	return b.config.MaxConcurrentCalls
}

// Metrics returns a snapshot of the bulkhead metrics
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	acquireCtx := ctx
	if b.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.config.AcquireTimeout)
		defer cancel()
	}

	err := b.semaphore.Acquire(acquireCtx, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.metrics.ActiveCalls++
		if b.metrics.ActiveCalls > b.metrics.MaxConcurrentCallsObserved {
			b.metrics.MaxConcurrentCallsObserved = b.metrics.ActiveCalls
		}
		return nil
	}

	// The caller's own context ending is a rejection, our timeout is a time out
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		b.metrics.TimedOutCalls++
		b.logger.Warn("Bulkhead timed out waiting for permission",
			zap.String("bulkhead", b.name),
			zap.Duration("timeout", b.config.AcquireTimeout))
		return ErrBulkheadFull
	}

	b.metrics.RejectedCalls++
	b.logger.Debug("Bulkhead rejected call",
		zap.String("bulkhead", b.name),
		zap.Error(err))
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func (b *Bulkhead) release() {
	b.mu.Lock()
	b.metrics.ActiveCalls--
	b.metrics.CompletedCalls++
	b.mu.Unlock()

	b.semaphore.Release(1)
}

// Execute runs f once a slot is free. It returns ErrBulkheadFull when no
// slot frees up within AcquireTimeout, or the context error if ctx ends first.
func (b *Bulkhead) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	return f(ctx)
}
