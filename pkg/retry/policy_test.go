package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/proto"
	"agentrpc/pkg/rpcerrors"
)

// fastConfig keeps test backoff negligible.
var fastConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  time.Millisecond,
	MaxDelay:      5 * time.Millisecond,
	BackoffFactor: 2.0,
	Jitter:        false,
}

func flakyOp(failures int, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= failures {
			return rpcerrors.New(rpcerrors.ErrorTypeNetwork, "connection refused")
		}
		return nil
	}
}

// =============================================================================
// ShouldRetry classifier tests
// =============================================================================

func TestShouldRetry_NilError(t *testing.T) {
	if ShouldRetry(nil) {
		t.Error("Expected false for nil error")
	}
}

func TestShouldRetry_ContextCanceled(t *testing.T) {
	if ShouldRetry(context.Canceled) {
		t.Error("Expected false for context.Canceled")
	}
	wrapped := fmt.Errorf("attempt failed: %w", context.Canceled)
	if ShouldRetry(wrapped) {
		t.Error("Expected false for wrapped context.Canceled")
	}
}

func TestShouldRetry_DeadlineExceeded(t *testing.T) {
	// Per-attempt deadlines are retryable; the parent context may still be
	// valid.
	if !ShouldRetry(context.DeadlineExceeded) {
		t.Error("Expected true for context.DeadlineExceeded")
	}
}

func TestShouldRetry_CircuitError(t *testing.T) {
	err := &circuit.Error{Name: "k", State: circuit.Open}
	if ShouldRetry(err) {
		t.Error("Expected false for circuit breaker error")
	}
	wrapped := fmt.Errorf("call failed: %w", err)
	if ShouldRetry(wrapped) {
		t.Error("Expected false for wrapped circuit breaker error")
	}
}

func TestShouldRetry_ErrorKinds(t *testing.T) {
	cases := []struct {
		err  *rpcerrors.Error
		want bool
	}{
		{rpcerrors.New(rpcerrors.ErrorTypeTimeout, "deadline"), true},
		{rpcerrors.New(rpcerrors.ErrorTypeNetwork, "refused"), true},
		{rpcerrors.New(rpcerrors.ErrorTypeValidation, "bad payload"), false},
		{rpcerrors.NewWithCode(rpcerrors.ErrorTypeProtocol, proto.CodeInternalError, "internal"), true},
		{rpcerrors.NewWithCode(rpcerrors.ErrorTypeProtocol, -32050, "server overloaded"), true},
		{rpcerrors.NewWithCode(rpcerrors.ErrorTypeProtocol, proto.CodeMethodNotFound, "no such method"), false},
		{rpcerrors.NewWithCode(rpcerrors.ErrorTypeProtocol, proto.CodeInvalidParams, "bad params"), false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.err); got != tc.want {
			t.Errorf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestShouldRetry_UnclassifiedError(t *testing.T) {
	if ShouldRetry(errors.New("something odd")) {
		t.Error("Expected false for unclassified errors")
	}
}

// =============================================================================
// Delay calculation
// =============================================================================

func TestDelay_ExponentialBackoffWithCap(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	// 1s * 2^0, 2^1, 2^2, then capped.
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second} {
		if got := p.Delay(i); got != want {
			t.Errorf("Delay(%d) = %v, want %v", i, got, want)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}, nil)

	// Jitter scales the base delay by a uniform factor in [0.5, 1.0).
	for i := 0; i < 100; i++ {
		got := p.Delay(0)
		if got < 500*time.Millisecond || got > time.Second {
			t.Fatalf("jittered delay %v outside [0.5s, 1s]", got)
		}
	}
}

// =============================================================================
// Execute loop
// =============================================================================

func TestExecute_SucceedsAfterKFailures(t *testing.T) {
	p := NewPolicy(fastConfig, nil)
	calls := 0

	if err := p.Execute(context.Background(), flakyOp(2, &calls)); err != nil {
		t.Fatalf("expected success with max_attempts > k, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected k+1 = 3 invocations, got %d", calls)
	}
}

func TestExecute_ExhaustsAttempts(t *testing.T) {
	p := NewPolicy(fastConfig, nil)
	calls := 0

	err := p.Execute(context.Background(), flakyOp(5, &calls))
	if err == nil {
		t.Fatal("expected final failure with max_attempts <= k")
	}
	if calls != fastConfig.MaxAttempts {
		t.Errorf("expected %d invocations, got %d", fastConfig.MaxAttempts, calls)
	}
	if rpcerrors.TypeOf(err) != rpcerrors.ErrorTypeNetwork {
		t.Errorf("expected the final failure surfaced unchanged, got %v", err)
	}
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	p := NewPolicy(fastConfig, nil)
	calls := 0

	err := p.Execute(context.Background(), func(context.Context) error {
		calls++
		return rpcerrors.New(rpcerrors.ErrorTypeValidation, "bad payload")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single attempt for non-retryable errors, got %d", calls)
	}
}

func TestExecute_ContextCancelDuringBackoff(t *testing.T) {
	p := NewPolicy(Config{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		Jitter:        false,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := p.Execute(ctx, flakyOp(5, &calls))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation surfaced, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no attempts after cancellation, got %d", calls)
	}
}

// =============================================================================
// Breaker integration
// =============================================================================

func TestExecuteWithBreaker_OpenCircuitShortCircuits(t *testing.T) {
	// Force the breaker open, then confirm the retry loop neither invokes
	// the op nor retries the denial.
	b := circuit.New("k", circuit.Config{FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil)
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	p := NewPolicy(fastConfig, nil)
	calls := 0
	err := p.ExecuteWithBreaker(context.Background(), b, func(context.Context) error {
		calls++
		return nil
	})

	var cerr *circuit.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected circuit error, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected zero invocations through an open breaker, got %d", calls)
	}
}

func TestExecuteWithBreaker_MidLoopOpenStops(t *testing.T) {
	// Threshold 2: the first two failing attempts trip the breaker, so the
	// third admission is denied and the loop stops with the denial, not
	// the earlier transient error.
	b := circuit.New("k", circuit.Config{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil)
	p := NewPolicy(fastConfig, nil)
	calls := 0

	err := p.ExecuteWithBreaker(context.Background(), b, func(context.Context) error {
		calls++
		return rpcerrors.New(rpcerrors.ErrorTypeNetwork, "refused")
	})

	var cerr *circuit.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected circuit error after breaker tripped mid-loop, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 invocations before the breaker opened, got %d", calls)
	}
}

func TestExecuteWithBreaker_RecordsSuccess(t *testing.T) {
	b := circuit.New("k", circuit.Config{FailureThreshold: 2, OpenTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil)
	p := NewPolicy(fastConfig, nil)
	calls := 0

	if err := p.ExecuteWithBreaker(context.Background(), b, flakyOp(1, &calls)); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if got := b.GetState(); got != circuit.Closed {
		t.Errorf("expected breaker Closed after recovery, got %s", got)
	}
}
