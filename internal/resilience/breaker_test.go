package resilience

import (
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Now()
	b := NewBreaker("dep", BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
		HalfOpenRequests: 1,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %q, want closed", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %q, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker allowed a call")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	b.RecordFailure()

	if b.Allow() {
		t.Fatal("open breaker allowed a call before reset timeout")
	}

	*now = now.Add(61 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %q, want half_open", b.State())
	}

	// Only one probe admitted.
	if !b.Allow() {
		t.Fatal("half-open breaker rejected the probe")
	}
	if b.Allow() {
		t.Error("half-open breaker admitted a second probe")
	}
}

func TestBreaker_SingleSuccessCloses(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %q, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker rejected a call")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(1, time.Minute)
	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	if !b.Allow() {
		t.Fatal("probe rejected")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %q, want open after half-open failure", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %q, want closed: success must reset the streak", b.State())
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := testBreaker(1, time.Minute)
	boom := errors.New("boom")

	if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Do() on open circuit = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	a := set.Get("anthropic")
	if set.Get("anthropic") != a {
		t.Error("Get returned a different breaker for the same id")
	}

	a.RecordFailure()
	set.Get("openai").RecordSuccess()

	states := set.States()
	if states["anthropic"] != StateOpen {
		t.Errorf("anthropic state = %q, want open", states["anthropic"])
	}
	if states["openai"] != StateClosed {
		t.Errorf("openai state = %q, want closed", states["openai"])
	}
}
