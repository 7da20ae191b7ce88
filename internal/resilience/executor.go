package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Operation is the unit of work the executor protects. It must honor ctx
// cancellation; the executor derives per-attempt deadlines from it.
type Operation func(ctx context.Context) (any, error)

// Options tune a single Execute call. Endpoint selects the policy bundle;
// an empty endpoint uses the defaults bundle under the operation name.
type Options struct {
	Operation string
	Endpoint  string

	DisableRetry     bool
	DisableBreaker   bool
	DisableRateLimit bool

	// Fallback, when non-nil, substitutes for the result after all
	// recovery is exhausted. The outcome then reports success with the
	// original error attached for diagnostics.
	Fallback any

	// Retryable overrides the default transient-error classification.
	Retryable func(error) bool

	// Observability hooks. Never control flow.
	OnCircuitOpen func(endpoint string)
	OnRateLimited func(endpoint string)
	OnFallback    func(endpoint string, err error)
}

// Metadata identifies an outcome for uniform observability.
type Metadata struct {
	Operation string    `json:"operation"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the structured result of one Execute call. It lives for the
// call only and is never cached.
type Outcome struct {
	Success                 bool          `json:"success"`
	Result                  any           `json:"result,omitempty"`
	Err                     error         `json:"-"`
	FallbackUsed            bool          `json:"fallback_used"`
	CircuitBreakerTriggered bool          `json:"circuit_breaker_triggered"`
	RateLimitTriggered      bool          `json:"rate_limit_triggered"`
	TotalDuration           time.Duration `json:"total_duration"`
	Metadata                Metadata      `json:"metadata"`
}

// Executor wraps outbound calls with rate limiting, circuit breaking,
// retry with backoff, per-attempt timeouts, and fallback substitution.
// Breaker and limiter state is shared per endpoint across all goroutines
// in the process.
type Executor struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (e *Executor) policyFor(endpoint string) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cfg.Endpoints[endpoint]; ok {
		return p
	}
	return e.cfg.Defaults
}

// breaker returns the shared circuit breaker for an endpoint, creating it
// on first use.
func (e *Executor) breaker(endpoint string, p BreakerPolicy) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // single half-open trial closes the circuit
		Interval:    p.MonitoringWindow,
		Timeout:     p.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < p.MinThroughput {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= p.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[endpoint] = cb
	return cb
}

// limiter returns the shared rate limiter for an endpoint. The window
// quota maps onto a token bucket refilling at MaxRequests per Window with
// a burst of MaxRequests.
func (e *Executor) limiter(endpoint string, p RateLimitPolicy) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.limiters[endpoint]; ok {
		return l
	}
	window := p.Window
	if window <= 0 {
		window = time.Minute
	}
	l := rate.NewLimiter(rate.Limit(float64(p.MaxRequests)/window.Seconds()), p.MaxRequests)
	e.limiters[endpoint] = l
	return l
}

// Execute runs op under the endpoint's policy bundle, composing, outer to
// inner: rate limiter admission, circuit breaker gate, retry loop with
// exponential backoff and jitter, per-attempt timeout. A configured
// fallback absorbs any terminal failure, including rate-limit and
// circuit-open rejections.
func (e *Executor) Execute(ctx context.Context, op Operation, opts Options) Outcome {
	start := time.Now()
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = opts.Operation
	}
	out := Outcome{
		Metadata: Metadata{Operation: opts.Operation, Endpoint: endpoint, Timestamp: start},
	}
	policy := e.policyFor(endpoint)

	// Rate limiter admission check.
	if !opts.DisableRateLimit && policy.RateLimit.MaxRequests > 0 {
		if !e.limiter(endpoint, policy.RateLimit).Allow() {
			out.RateLimitTriggered = true
			if opts.OnRateLimited != nil {
				opts.OnRateLimited(endpoint)
			}
			return e.finish(out, fmt.Errorf("%w: endpoint %s", ErrRateLimited, endpoint), opts, start)
		}
	}

	var cb *gobreaker.CircuitBreaker
	if !opts.DisableBreaker {
		cb = e.breaker(endpoint, policy.Breaker)
		if cb.State() == gobreaker.StateOpen {
			out.CircuitBreakerTriggered = true
			if opts.OnCircuitOpen != nil {
				opts.OnCircuitOpen(endpoint)
			}
			return e.finish(out, fmt.Errorf("%w: endpoint %s", ErrCircuitOpen, endpoint), opts, start)
		}
	}

	retryable := opts.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	attempts := 1
	if !opts.DisableRetry && policy.Retry.MaxAttempts > 1 {
		attempts = policy.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(policy.Retry, attempt-1)
			select {
			case <-ctx.Done():
				return e.finish(out, ctx.Err(), opts, start)
			case <-time.After(delay):
			}
		}

		result, err := e.attempt(ctx, op, policy.Timeout, cb)
		if err == nil {
			out.Success = true
			out.Result = result
			out.TotalDuration = time.Since(start)
			return out
		}
		lastErr = err

		// The breaker opened mid-loop; stop immediately rather than
		// retrying against it.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			out.CircuitBreakerTriggered = true
			if opts.OnCircuitOpen != nil {
				opts.OnCircuitOpen(endpoint)
			}
			lastErr = fmt.Errorf("%w: endpoint %s", ErrCircuitOpen, endpoint)
			break
		}
		if !retryable(err) {
			break
		}
		e.logger.Debug("retrying operation",
			"operation", opts.Operation, "endpoint", endpoint, "attempt", attempt, "err", err)
	}

	return e.finish(out, lastErr, opts, start)
}

// attempt runs op once, bounded by the per-attempt timeout and recorded by
// the breaker when one is active.
func (e *Executor) attempt(ctx context.Context, op Operation, timeout time.Duration, cb *gobreaker.CircuitBreaker) (any, error) {
	call := func() (any, error) {
		if timeout > 0 {
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return op(actx)
		}
		return op(ctx)
	}
	if cb != nil {
		return cb.Execute(call)
	}
	return call()
}

// finish applies fallback substitution and stamps the duration. When a
// fallback is present the outcome reports success with the original error
// attached; otherwise the failure surfaces as-is.
func (e *Executor) finish(out Outcome, err error, opts Options, start time.Time) Outcome {
	if opts.Fallback != nil {
		if opts.OnFallback != nil {
			opts.OnFallback(out.Metadata.Endpoint, err)
		}
		out.Success = true
		out.Result = opts.Fallback
		out.FallbackUsed = true
		out.Err = err
	} else {
		out.Success = false
		out.Err = err
	}
	out.TotalDuration = time.Since(start)
	return out
}

// backoffDelay computes the wait before retry n (1-indexed):
// base * multiplier^(n-1) capped at max, plus proportional jitter.
func backoffDelay(p RetryPolicy, n int) time.Duration {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		d += rand.Float64() * p.JitterFactor * d //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Endpoint presets
// ──────────────────────────────────────────────────

// ExecuteNanoBananaOperation runs op under the AI provider's policy
// bundle.
func (e *Executor) ExecuteNanoBananaOperation(ctx context.Context, name string, op Operation, fallback any) Outcome {
	return e.Execute(ctx, op, Options{
		Operation: name,
		Endpoint:  EndpointNanoBanana,
		Fallback:  fallback,
	})
}

// ExecuteDatabaseOperation runs op under the database bundle. Rate
// limiting is off: the database is not a shared external quota.
func (e *Executor) ExecuteDatabaseOperation(ctx context.Context, name string, op Operation) Outcome {
	return e.Execute(ctx, op, Options{
		Operation:        name,
		Endpoint:         EndpointDatabase,
		DisableRateLimit: true,
	})
}

// ExecuteStorageOperation runs op under the blob storage bundle.
func (e *Executor) ExecuteStorageOperation(ctx context.Context, name string, op Operation, fallback any) Outcome {
	return e.Execute(ctx, op, Options{
		Operation: name,
		Endpoint:  EndpointStorage,
		Fallback:  fallback,
	})
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// Health summarizes breaker and limiter state across all endpoints seen so
// far.
type Health struct {
	Healthy         bool     `json:"healthy"`
	OpenCircuits    []string `json:"open_circuits,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SystemHealth inspects every live breaker and limiter. Any open circuit
// marks the system unhealthy.
func (e *Executor) SystemHealth() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{Healthy: true}
	for name, cb := range e.breakers {
		switch cb.State() {
		case gobreaker.StateOpen:
			h.Healthy = false
			h.OpenCircuits = append(h.OpenCircuits, name)
			h.Recommendations = append(h.Recommendations,
				fmt.Sprintf("circuit %s is open, investigate the %s dependency", name, name))
		case gobreaker.StateHalfOpen:
			h.Recommendations = append(h.Recommendations,
				fmt.Sprintf("circuit %s is half-open, recovery trial in progress", name))
		}
	}
	for name, l := range e.limiters {
		if l.Tokens() < 1 {
			h.Recommendations = append(h.Recommendations,
				fmt.Sprintf("rate limit for %s is saturated, callers are being rejected", name))
		}
	}
	return h
}

// ResetAll discards every breaker and limiter. New state is built lazily
// on the next call, starting closed and full.
func (e *Executor) ResetAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakers = make(map[string]*gobreaker.CircuitBreaker)
	e.limiters = make(map[string]*rate.Limiter)
}

// UpdateConfig hot-swaps the policy configuration and rebuilds derived
// state so new policies take effect without a restart.
func (e *Executor) UpdateConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.ResetAll()
}
