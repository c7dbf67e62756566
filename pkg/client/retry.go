package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/omielabs/omie-nfe-extractor/pkg/health"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "omie_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Backoff scaling applied on top of the policy by health tier.
const (
	// aggressiveFactor multiplies the base delay in TierAggressive.
	aggressiveFactor = 4

	// ExtremeDelayCeiling is the hard cap on any single backoff wait once
	// the monitor reaches TierExtreme.
	ExtremeDelayCeiling = 60 * time.Second
)

// RetryPolicy makes retry behavior a visible parameter of the client rather
// than hidden control flow.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth (before tier scaling).
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor between attempts.
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used against the production API.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// DelayFor computes the deterministic backoff before retry number attempt
// (1-based), scaled by the monitor's current tier. Degraded tiers multiply
// the delay and clamp it to ExtremeDelayCeiling, so a long unstable stretch
// cannot park a worker forever and escalating tiers never shorten a wait.
func DelayFor(policy RetryPolicy, attempt int, tier health.Tier) time.Duration {
	delay := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}

	switch tier {
	case health.TierAggressive, health.TierExtreme:
		delay *= aggressiveFactor
		if delay > ExtremeDelayCeiling {
			delay = ExtremeDelayCeiling
		}
	}
	return delay
}

// callWithRetry executes fn until it succeeds, fails permanently, or the
// attempt budget is spent. Transient failures wait out an exponential
// backoff with ±20% jitter, scaled by the health monitor's current tier.
// The monitor's counters are left at their last-recorded values on
// exhaustion so the caller can act on them.
func callWithRetry(ctx context.Context, logger zerolog.Logger, policy RetryPolicy, monitor *health.Monitor, method string, fn func() error) error {
	var lastErr error
	class := ErrorClassServer

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("method", method).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			class = apiErr.Class
			if !apiErr.Class.Retryable() {
				return err
			}
		}

		if attempt >= policy.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(string(class)).Inc()

		delay := DelayFor(policy, attempt, monitor.Tier())
		// ±20% jitter to avoid synchronized retry storms across workers.
		jittered := time.Duration(float64(delay) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(class)).Observe(jittered.Seconds())

		logger.Warn().
			Str("method", method).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", jittered).
			Err(err).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jittered):
		}
	}

	retryExhaustedTotal.WithLabelValues(string(class)).Inc()
	logger.Warn().
		Str("method", method).
		Str("error_class", string(class)).
		Int("max_attempts", policy.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, policy.MaxAttempts, lastErr)
}
