package resilience

import "time"

// Well-known endpoint names. A policy bundle is keyed by the dependency it
// protects, not by the caller.
const (
	EndpointNanoBanana = "nanobanana"
	EndpointDatabase   = "database"
	EndpointStorage    = "storage"
)

// RetryPolicy controls the retry loop. Delay for attempt n is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay, plus up to
// JitterFactor of that value in random jitter.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// BreakerPolicy controls the per-endpoint circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold is the failure ratio within the monitoring window
	// at which the circuit opens.
	FailureThreshold float64

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open trial call.
	ResetTimeout time.Duration

	// MonitoringWindow is the rolling interval over which failures are
	// counted.
	MonitoringWindow time.Duration

	// MinThroughput prevents the circuit opening on too few samples.
	MinThroughput uint32
}

// RateLimitPolicy caps calls per window. MaxRequests <= 0 disables the
// limiter for the endpoint.
type RateLimitPolicy struct {
	Window      time.Duration
	MaxRequests int
}

// Policy is one endpoint's full resilience bundle.
type Policy struct {
	Retry     RetryPolicy
	Breaker   BreakerPolicy
	RateLimit RateLimitPolicy

	// Timeout bounds each individual attempt. Zero means no per-attempt
	// deadline beyond the caller's context.
	Timeout time.Duration
}

// Config maps endpoint names to policy bundles. Defaults applies to any
// endpoint without an entry of its own.
type Config struct {
	Defaults  Policy
	Endpoints map[string]Policy
}

// DefaultConfig mirrors the behavior of the external dependencies this
// system talks to: the provider is slow and quota-bound, the database is
// fast and unmetered, storage sits in between.
func DefaultConfig() Config {
	return Config{
		Defaults: Policy{
			Retry: RetryPolicy{
				MaxAttempts:  3,
				BaseDelay:    500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2,
				JitterFactor: 0.2,
			},
			Breaker: BreakerPolicy{
				FailureThreshold: 0.5,
				ResetTimeout:     30 * time.Second,
				MonitoringWindow: time.Minute,
				MinThroughput:    5,
			},
			RateLimit: RateLimitPolicy{Window: time.Minute, MaxRequests: 60},
			Timeout:   30 * time.Second,
		},
		Endpoints: map[string]Policy{
			EndpointNanoBanana: {
				Retry: RetryPolicy{
					MaxAttempts:  4,
					BaseDelay:    time.Second,
					MaxDelay:     30 * time.Second,
					Multiplier:   2,
					JitterFactor: 0.3,
				},
				Breaker: BreakerPolicy{
					FailureThreshold: 0.5,
					ResetTimeout:     time.Minute,
					MonitoringWindow: time.Minute,
					MinThroughput:    5,
				},
				RateLimit: RateLimitPolicy{Window: time.Minute, MaxRequests: 30},
				Timeout:   2 * time.Minute,
			},
			EndpointDatabase: {
				Retry: RetryPolicy{
					MaxAttempts:  3,
					BaseDelay:    100 * time.Millisecond,
					MaxDelay:     2 * time.Second,
					Multiplier:   2,
					JitterFactor: 0.2,
				},
				Breaker: BreakerPolicy{
					FailureThreshold: 0.6,
					ResetTimeout:     15 * time.Second,
					MonitoringWindow: 30 * time.Second,
					MinThroughput:    10,
				},
				// The database is not a shared external quota.
				RateLimit: RateLimitPolicy{},
				Timeout:   5 * time.Second,
			},
			EndpointStorage: {
				Retry: RetryPolicy{
					MaxAttempts:  3,
					BaseDelay:    250 * time.Millisecond,
					MaxDelay:     5 * time.Second,
					Multiplier:   2,
					JitterFactor: 0.2,
				},
				Breaker: BreakerPolicy{
					FailureThreshold: 0.5,
					ResetTimeout:     30 * time.Second,
					MonitoringWindow: time.Minute,
					MinThroughput:    5,
				},
				RateLimit: RateLimitPolicy{Window: time.Minute, MaxRequests: 120},
				Timeout:   time.Minute,
			},
		},
	}
}
