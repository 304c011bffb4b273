package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errUpstream = NewTransientError(errors.New("upstream 503"), 503)

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: threshold, Cooldown: time.Minute})
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func(context.Context) error { return errUpstream })
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		_ = fail(b)
	}
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	err := b.Execute(context.Background(), func(context.Context) error {
		t.Error("fn must not run while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	_ = fail(b)
	_ = fail(b)
	if b.Failures() != 2 {
		t.Fatalf("expected 2 failures, got %d", b.Failures())
	}

	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Failures() != 0 || b.State() != CircuitClosed {
		t.Errorf("expected reset to closed, got %d failures state %s", b.Failures(), b.State())
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = b.Execute(context.Background(), func(context.Context) error {
		return Permanent(errors.New("message not found"))
	})
	if b.State() != CircuitClosed {
		t.Errorf("permanent error opened the circuit")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := newTestBreaker(1)
	_ = fail(b)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open")
	}

	*now = now.Add(2 * time.Minute)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// failed probe reopens
	_ = fail(b)
	if b.State() != CircuitOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}

	*now = now.Add(2 * time.Minute)
	if err := b.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestExecuteVal_Breaker(t *testing.T) {
	b, _ := newTestBreaker(2)
	v, err := ExecuteVal(context.Background(), b, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("got %q, %v", v, err)
	}

	_ = fail(b)
	_ = fail(b)
	v, err = ExecuteVal(context.Background(), b, func(context.Context) (string, error) {
		return "unreachable", nil
	})
	if !errors.Is(err, ErrCircuitOpen) || v != "" {
		t.Errorf("expected zero value and ErrCircuitOpen, got %q, %v", v, err)
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d: got %q want %q", int(s), s.String(), want)
		}
	}
}

func TestFromBreakerConfig(t *testing.T) {
	cfg := FromBreakerConfig("anthropic", 0, 0)
	if cfg.Threshold != 5 || cfg.Cooldown != 30*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	cfg = FromBreakerConfig("anthropic", 2, time.Second)
	if cfg.Threshold != 2 || cfg.Cooldown != time.Second || cfg.Name != "anthropic" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}
