package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy int

const (
	RetryNone RetryStrategy = iota
	RetryFixed
	RetryLinear
	RetryExponential
)

func (s RetryStrategy) String() string {
	switch s {
	case RetryFixed:
		return config.RetryFixed
	case RetryLinear:
		return config.RetryLinear
	case RetryExponential:
		return config.RetryExponential
	default:
		return config.RetryNone
	}
}

// ParseRetryStrategy converts a config strategy name.
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch s {
	case config.RetryNone:
		return RetryNone, nil
	case config.RetryFixed:
		return RetryFixed, nil
	case config.RetryLinear:
		return RetryLinear, nil
	case config.RetryExponential:
		return RetryExponential, nil
	}
	return RetryNone, fmt.Errorf("unknown retry strategy %q", s)
}

// RetryPolicy configures the FallbackHandler.
type RetryPolicy struct {
	Strategy      RetryStrategy
	MaxAttempts   int           // Total attempts including the first
	BaseDelay     time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Cap; 0 means uncapped
	Multiplier    float64       // Exponential growth factor (default 2.0)
	RetryTimeouts bool
}

// PolicyFromConfig builds a RetryPolicy from the retry section of the config.
func PolicyFromConfig(cfg config.RetryConfig) (RetryPolicy, error) {
	strategy, err := ParseRetryStrategy(cfg.Strategy)
	if err != nil {
		return RetryPolicy{}, err
	}
	policy := RetryPolicy{
		Strategy:      strategy,
		MaxAttempts:   cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay.Std(),
		MaxDelay:      cfg.MaxDelay.Std(),
		Multiplier:    cfg.Multiplier,
		RetryTimeouts: cfg.RetryTimeouts,
	}
	if err := policy.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return policy, nil
}

// Validate rejects policies whose delays could not grow: linear and
// exponential need a positive base delay.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Strategy {
	case RetryLinear, RetryExponential:
		if p.BaseDelay <= 0 {
			return fmt.Errorf("%s retry needs a positive base delay, got %s", p.Strategy, p.BaseDelay)
		}
	}
	return nil
}

// Decision is the FallbackHandler's verdict on a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// FallbackHandler decides whether a failed attempt is retried and after how
// long. It holds no per-task state; the attempt number travels with the task.
type FallbackHandler struct {
	mu     sync.RWMutex
	policy RetryPolicy
}

// NewFallbackHandler creates a handler for policy.
func NewFallbackHandler(policy RetryPolicy) *FallbackHandler {
	return &FallbackHandler{policy: policy}
}

// SetPolicy replaces the policy for future decisions.
func (h *FallbackHandler) SetPolicy(policy RetryPolicy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy = policy
}

// Policy returns the current policy.
func (h *FallbackHandler) Policy() RetryPolicy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy
}

// Decide returns whether attempt (1-based) that failed with kind should be
// retried. Cancellation and dependency failure are never retried.
func (h *FallbackHandler) Decide(attempt int, kind scheduler.ErrorKind) Decision {
	p := h.Policy()

	switch kind {
	case scheduler.ErrorKindCancelled, scheduler.ErrorKindDependencyFailed, scheduler.ErrorKindNone:
		return Decision{}
	case scheduler.ErrorKindTimeout:
		if !p.RetryTimeouts {
			return Decision{}
		}
	}
	if p.Strategy == RetryNone || attempt >= p.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.delay(attempt)}
}

// delay returns the wait after the given failed attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case RetryFixed:
		d = p.BaseDelay
	case RetryLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case RetryExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.BaseDelay
		b.Multiplier = p.Multiplier
		if b.Multiplier <= 1 {
			b.Multiplier = 2.0
		}
		b.RandomizationFactor = 0
		b.MaxInterval = p.MaxDelay
		if b.MaxInterval <= 0 {
			b.MaxInterval = time.Duration(1<<63 - 1)
		}
		b.MaxElapsedTime = 0
		b.Reset()
		for i := 0; i < attempt; i++ {
			d = b.NextBackOff()
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// CircuitBreakerRegistry manages per-kind circuit breakers.
type CircuitBreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[scheduler.TaskKind]*gobreaker.CircuitBreaker
	threshold uint32
	cooldown  time.Duration
	logger    zerolog.Logger
}

// NewCircuitBreakerRegistry creates a registry whose breakers trip after
// threshold consecutive failures and probe again after cooldown.
func NewCircuitBreakerRegistry(threshold int, cooldown time.Duration, logger zerolog.Logger) *CircuitBreakerRegistry {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreakerRegistry{
		breakers:  make(map[scheduler.TaskKind]*gobreaker.CircuitBreaker),
		threshold: uint32(threshold),
		cooldown:  cooldown,
		logger:    logger,
	}
}

// Get returns the circuit breaker for the given kind.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(kind scheduler.TaskKind) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind.String(),
		MaxRequests: 1, // One probe in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn().Str("kind", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Timeouts and cancellation say nothing about the executor's health
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[kind] = cb
	return cb
}

// State returns the state of the breaker for kind without creating one.
func (r *CircuitBreakerRegistry) State(kind scheduler.TaskKind) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[kind]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// breakerExecutor routes every call through the breaker of the task's kind.
type breakerExecutor[O any] struct {
	inner    scheduler.Executor[O]
	breakers *CircuitBreakerRegistry
}

func (e breakerExecutor[O]) Execute(ctx context.Context, task scheduler.Task) (O, error) {
	result, err := e.breakers.Get(task.Kind).Execute(func() (interface{}, error) {
		return e.inner.Execute(ctx, task)
	})
	out, _ := result.(O)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, fmt.Errorf("%s executor unavailable: %w", task.Kind, err)
	}
	return out, err
}
