package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestExpBackoffSequence(t *testing.T) {
	base := time.Second
	max := 30 * time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		if got := ExpBackoff(i+1, base, max); got != expected {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, expected)
		}
	}
}

func TestRetryPolicyEventualSuccess(t *testing.T) {
	calls := 0
	policy := NewRetryPolicy(3, time.Millisecond)
	err := policy.Do(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	rl := RateLimitError{Provider: "gateway"}
	cb.OnError(rl)
	if !cb.Allow() {
		t.Fatalf("breaker must stay closed below threshold")
	}
	cb.OnError(rl)
	if cb.Allow() {
		t.Fatalf("breaker must open at threshold")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("success must reset the breaker")
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("plain failure"))
	if !cb.Allow() {
		t.Fatalf("non rate-limit errors must not open the breaker")
	}
}
