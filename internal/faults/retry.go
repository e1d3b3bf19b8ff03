package faults

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBackoffFactor       float64 = 1.0
	defaultJitterFactor        float64 = 0.1
	defaultMaxDelay                    = 60 * time.Second
	rateLimitBackoffFactor     float64 = 2.0
	rateLimitMaxDelay                  = 300 * time.Second
	serviceUnavailableMaxDelay         = 600 * time.Second

	// minDelay floors every computed backoff so a tiny factor cannot
	// produce a busy-loop retry.
	minDelay = 100 * time.Millisecond
)

// RetryStrategy describes how a retryable fault should be retried.
// BackoffFactor is in seconds; JitterFactor is a fraction in [0, 1).
type RetryStrategy struct {
	MaxRetries    int
	BackoffFactor float64
	MaxDelay      time.Duration
	JitterFactor  float64
}

// Delay computes the backoff before the given attempt (1-based):
//
//	delay = factor · 2^(attempt−1) · (1 + U(−jitter, +jitter))
//
// clamped to [100ms, MaxDelay]. With JitterFactor zero the result is
// deterministic, which keeps retry schedules reproducible in tests.
func (s RetryStrategy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	seconds := s.BackoffFactor * math.Pow(2, float64(attempt-1))

	if s.JitterFactor > 0 {
		// #nosec G404 -- jitter spreads retry storms, not cryptography.
		seconds *= 1 + (rand.Float64()*2-1)*s.JitterFactor
	}

	delay := time.Duration(seconds * float64(time.Second))

	if delay < minDelay {
		return minDelay
	}

	if s.MaxDelay > 0 && delay > s.MaxDelay {
		return s.MaxDelay
	}

	return delay
}
