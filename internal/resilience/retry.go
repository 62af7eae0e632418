package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExponentialBackoffConfig defines the configuration for exponential backoff
type ExponentialBackoffConfig struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps a single delay
	MaxDelay time.Duration
	// MaxRetries is the maximum number of retries after the first attempt
	MaxRetries uint32
	// Multiplier is the growth factor between retries
	Multiplier float64
	// Jitter randomises each delay by +/-20%
	Jitter bool
	// MaxDuration bounds the total time spent, zero means unbounded
	MaxDuration time.Duration
}

// DefaultExponentialBackoffConfig returns the default exponential backoff configuration
func DefaultExponentialBackoffConfig() ExponentialBackoffConfig {
	return ExponentialBackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxRetries:   3,
		Multiplier:   2.0,
		Jitter:       true,
		MaxDuration:  30 * time.Second,
	}
}

// RetryMetrics contains metrics for a retry policy
type RetryMetrics struct {
	// Operations is the number of Execute calls
	Operations uint64
	// TotalRetryAttempts is the total number of retry attempts
	TotalRetryAttempts uint64
	// SuccessfulRetries counts operations that succeeded after at least one retry
	SuccessfulRetries uint64
	// FailedOperations counts operations that ultimately failed
	FailedOperations uint64
	// MaxRetriesObserved is the maximum number of retries observed for a single operation
	MaxRetriesObserved uint32
}

// RetryPolicy implements the retry pattern with exponential backoff
type RetryPolicy struct {
	name    string
	config  ExponentialBackoffConfig
	metrics RetryMetrics
	mu      sync.Mutex
	logger  *zap.Logger
	rand    *rand.Rand
}

// NewRetryPolicy creates a new retry policy. A nil logger disables logging.
func NewRetryPolicy(name string, config ExponentialBackoffConfig, logger *zap.Logger) *RetryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}

	return &RetryPolicy{
		name:   name,
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Metrics returns a snapshot of the policy metrics
func (p *RetryPolicy) Metrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// delay returns the wait before retry number attempt (1-based)
func (p *RetryPolicy) delay(attempt uint32) time.Duration {
	base := float64(p.config.InitialDelay) * math.Pow(p.config.Multiplier, float64(attempt-1))
	if p.config.MaxDelay > 0 {
		base = math.Min(base, float64(p.config.MaxDelay))
	}

	if p.config.Jitter {
		p.mu.Lock()
		base *= 0.8 + p.rand.Float64()*0.4
		p.mu.Unlock()
	}
	return time.Duration(base)
}

// Execute runs f until it succeeds, returns a non-retryable error, the
// retry budget is exhausted or ctx is done. When retries or time run out the
// error wraps ErrMaxRetriesReached or ErrMaxDurationReached along with the
// last error from f.
func (p *RetryPolicy) Execute(ctx context.Context, f func(ctx context.Context) error) error {
	start := time.Now()
	var attempt uint32

	p.mu.Lock()
	p.metrics.Operations++
	p.mu.Unlock()

	for {
		err := f(ctx)
		if err == nil {
			if attempt > 0 {
				p.mu.Lock()
				p.metrics.SuccessfulRetries++
				p.mu.Unlock()

				p.logger.Debug("Retry policy succeeded",
					zap.String("policy", p.name),
					zap.Uint32("attempts", attempt+1))
			}
			return nil
		}

		if !IsRetryable(err) {
			p.fail()
			p.logger.Warn("Retry policy encountered non-retryable error",
				zap.String("policy", p.name),
				zap.Error(err))
			return err
		}

		if attempt >= p.config.MaxRetries {
			p.fail()
			p.logger.Warn("Retry policy exceeded maximum retries",
				zap.String("policy", p.name),
				zap.Uint32("max_retries", p.config.MaxRetries),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrMaxRetriesReached, err)
		}

		attempt++
		wait := p.delay(attempt)

		if p.config.MaxDuration > 0 && time.Since(start)+wait > p.config.MaxDuration {
			p.fail()
			p.logger.Warn("Retry policy exceeded maximum duration",
				zap.String("policy", p.name),
				zap.Duration("max_duration", p.config.MaxDuration),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrMaxDurationReached, err)
		}

		p.mu.Lock()
		p.metrics.TotalRetryAttempts++
		if attempt > p.metrics.MaxRetriesObserved {
			p.metrics.MaxRetriesObserved = attempt
		}
		p.mu.Unlock()

		p.logger.Debug("Retry policy failed attempt, retrying",
			zap.String("policy", p.name),
			zap.Uint32("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.fail()
			return ctx.Err()
		}
	}
}

func (p *RetryPolicy) fail() {
	p.mu.Lock()
	p.metrics.FailedOperations++
	p.mu.Unlock()
}
