package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/vcs"
)

// RetryConfig configures exponential backoff for publisher calls.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the retry policy used for publisher calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	return backoff.WithContext(b, ctx)
}

// CircuitBreakerRegistry hands out one circuit breaker per publisher kind.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logger.Named("breaker"),
	}
}

// Get returns the breaker for name, creating it on first use. The breaker
// opens after five consecutive failures and probes again after 30s.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation and rejected input say nothing about the remote's health.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				vcs.IsPermanent(err)
		},
	})
	r.breakers[name] = cb
	return cb
}

// callWithRetry runs op through the breaker, retrying transient failures.
func callWithRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, op func() (T, error)) (T, error) {
	var out T
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res, err := cb.Execute(func() (interface{}, error) {
			return op()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
				ctx.Err() != nil || vcs.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res.(T)
		return nil
	}
	err := backoff.Retry(operation, cfg.backoff(ctx))
	return out, err
}

// ResilientPublisher decorates a publisher with retries and a circuit breaker.
type ResilientPublisher struct {
	inner vcs.Publisher
	cb    *gobreaker.CircuitBreaker
	retry RetryConfig
}

// NewResilientPublisher wraps inner.
func NewResilientPublisher(inner vcs.Publisher, cb *gobreaker.CircuitBreaker, retry RetryConfig) *ResilientPublisher {
	return &ResilientPublisher{inner: inner, cb: cb, retry: retry}
}

func (p *ResilientPublisher) CreateBranch(ctx context.Context, name string) error {
	_, err := callWithRetry(ctx, p.cb, p.retry, func() (struct{}, error) {
		return struct{}{}, p.inner.CreateBranch(ctx, name)
	})
	return err
}

func (p *ResilientPublisher) Commit(ctx context.Context, branch string, files []vcs.File, message string) (vcs.CommitRef, error) {
	return callWithRetry(ctx, p.cb, p.retry, func() (vcs.CommitRef, error) {
		return p.inner.Commit(ctx, branch, files, message)
	})
}

func (p *ResilientPublisher) OpenRequest(ctx context.Context, branch, title, body string) (vcs.RequestRef, error) {
	return callWithRetry(ctx, p.cb, p.retry, func() (vcs.RequestRef, error) {
		return p.inner.OpenRequest(ctx, branch, title, body)
	})
}
