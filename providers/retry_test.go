package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubGate struct {
	assertErr  error
	successErr error
	failureErr error
	successes  int
	failures   int
}

func (g *stubGate) AssertProviderAvailable(ctx context.Context, providerKey string) error {
	return g.assertErr
}

func (g *stubGate) RecordProviderSuccess(ctx context.Context, providerKey string) error {
	g.successes++
	return g.successErr
}

func (g *stubGate) RecordProviderFailure(ctx context.Context, providerKey, message string) error {
	g.failures++
	return g.failureErr
}

func testRetryOptions() RetryOptions {
	return RetryOptions{
		ProviderKey:    "test",
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		BaseDelay:      time.Millisecond,
	}
}

func TestRunWithProviderRetry_SucceedsFirstAttempt(t *testing.T) {
	gate := &stubGate{}
	calls := 0

	err := RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithProviderRetry() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("task calls = %d, want 1", calls)
	}
	if gate.successes != 1 {
		t.Errorf("recorded successes = %d, want 1", gate.successes)
	}
}

func TestRunWithProviderRetry_RetryableErrorExhaustsAttempts(t *testing.T) {
	gate := &stubGate{}
	calls := 0

	err := RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("request timed out")
	})
	if err == nil {
		t.Fatalf("RunWithProviderRetry() error = nil, want exhaustion error")
	}
	if calls != 3 {
		t.Errorf("task calls = %d, want 3", calls)
	}
	if gate.failures != 3 {
		t.Errorf("recorded failures = %d, want 3", gate.failures)
	}
}

func TestRunWithProviderRetry_NonRetryableFailsImmediately(t *testing.T) {
	gate := &stubGate{}
	calls := 0
	fatal := errors.New("invalid api key")

	err := RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("RunWithProviderRetry() error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("task calls = %d, want 1", calls)
	}
	if gate.failures != 1 {
		t.Errorf("recorded failures = %d, want 1", gate.failures)
	}
}

func TestRunWithProviderRetry_OpenCircuitRejectsWithoutCalling(t *testing.T) {
	rejection := errors.New("provider degraded")
	gate := &stubGate{assertErr: rejection}
	calls := 0

	err := RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, rejection) {
		t.Fatalf("RunWithProviderRetry() error = %v, want %v", err, rejection)
	}
	if calls != 0 {
		t.Errorf("task calls = %d, want 0 when circuit rejects", calls)
	}
}

func TestRunWithProviderRetry_RecordingErrorKeepsTaskOutcome(t *testing.T) {
	gate := &stubGate{successErr: errors.New("circuit store down")}

	err := RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RunWithProviderRetry() error = %v, want nil despite recording failure", err)
	}

	gate = &stubGate{failureErr: errors.New("circuit store down")}
	fatal := errors.New("invalid api key")
	err = RunWithProviderRetry(context.Background(), gate, testRetryOptions(), func(ctx context.Context) error {
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("RunWithProviderRetry() error = %v, want task error %v", err, fatal)
	}
	if gate.failures != 1 {
		t.Errorf("recorded failures = %d, want 1", gate.failures)
	}
}

func TestRunWithProviderRetry_CustomRetryPredicate(t *testing.T) {
	gate := &stubGate{}
	opts := testRetryOptions()
	opts.IsRetryable = func(error) bool { return false }
	calls := 0

	err := RunWithProviderRetry(context.Background(), gate, opts, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("request timed out")
	})
	if err == nil {
		t.Fatalf("RunWithProviderRetry() error = nil, want error")
	}
	if calls != 1 {
		t.Errorf("task calls = %d, want 1 with non-retryable predicate", calls)
	}
}
