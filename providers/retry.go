package providers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/malwarebo/unlockd/config"
	"github.com/malwarebo/unlockd/monitoring"
	"github.com/malwarebo/unlockd/utils"
	"github.com/sirupsen/logrus"
)

// CircuitRecorder is the circuit-breaker surface the retry wrapper reports
// into. Implemented by services.CircuitGate.
type CircuitRecorder interface {
	AssertProviderAvailable(ctx context.Context, providerKey string) error
	RecordProviderSuccess(ctx context.Context, providerKey string) error
	RecordProviderFailure(ctx context.Context, providerKey, message string) error
}

type RetryOptions struct {
	ProviderKey    string
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseDelay      time.Duration

	// IsRetryable decides whether a failed attempt is worth another try.
	// Defaults to utils.IsRetryableError: timeouts and rate-limit-shaped
	// errors only.
	IsRetryable func(error) bool
}

func DefaultRetryOptions(providerKey string) RetryOptions {
	return RetryOptions{
		ProviderKey:    providerKey,
		MaxAttempts:    3,
		AttemptTimeout: 60 * time.Second,
		BaseDelay:      500 * time.Millisecond,
	}
}

// RunWithProviderRetry wraps one logical upstream call: a per-attempt
// timeout, a bounded attempt budget, linear backoff with jitter, and circuit
// reporting on every attempt outcome. Non-retryable errors propagate on first
// occurrence; an open circuit rejects without consuming attempts.
func RunWithProviderRetry(ctx context.Context, gate CircuitRecorder, opts RetryOptions, task func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 60 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = utils.IsRetryableError
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(opts.BaseDelay, attempt)):
			}
		}

		if err := gate.AssertProviderAvailable(ctx, opts.ProviderKey); err != nil {
			monitoring.RecordProviderAttempt(opts.ProviderKey, "rejected")
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
		err := task(attemptCtx)
		cancel()

		// Circuit bookkeeping must never override the task outcome: a
		// recording failure is logged and the attempt result stands.
		if err == nil {
			monitoring.RecordProviderAttempt(opts.ProviderKey, "success")
			if recordErr := gate.RecordProviderSuccess(ctx, opts.ProviderKey); recordErr != nil {
				logRecordingError(opts.ProviderKey, "success", recordErr)
			}
			return nil
		}

		monitoring.RecordProviderAttempt(opts.ProviderKey, "failure")
		if recordErr := gate.RecordProviderFailure(ctx, opts.ProviderKey, err.Error()); recordErr != nil {
			logRecordingError(opts.ProviderKey, "failure", recordErr)
		}

		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("provider call failed after %d attempts: %w", opts.MaxAttempts, lastErr)
}

func logRecordingError(providerKey, outcome string, err error) {
	config.GetLogger().WithFields(logrus.Fields{
		"provider_key": providerKey,
		"outcome":      outcome,
		"error":        err.Error(),
	}).Warn("failed to record provider attempt outcome against circuit")
}

// backoffDelay is linear in the attempt number with up to 50% jitter on top.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(attempt-1)
	jitter := time.Duration(rand.Float64() * float64(delay) * 0.5)
	return delay + jitter
}
