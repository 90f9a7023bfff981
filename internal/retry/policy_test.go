package retry

import (
	"testing"
	"time"

	"github.com/stratalog/audit-relay/internal/config"
)

func TestDelayMonotonicUpToCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, Jitter: 0, MaxAttempts: 10}

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > time.Minute {
			t.Fatalf("delay %v exceeds cap at attempt %d", d, attempt)
		}
		prev = d
	}

	// Deep into the schedule the cap must hold exactly.
	if d := p.Delay(30); d != time.Minute {
		t.Errorf("capped delay = %v, want %v", d, time.Minute)
	}
}

func TestDelayDoubles(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Hour, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Hour, Jitter: 500 * time.Millisecond}

	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		if d < time.Second || d >= time.Second+500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [1s, 1.5s)", d)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 3}

	if p.Exhausted(2) {
		t.Error("attempt 2 of 3 should not be exhausted")
	}
	if !p.Exhausted(3) {
		t.Error("attempt 3 of 3 should be exhausted")
	}
	if !p.Exhausted(4) {
		t.Error("beyond max should be exhausted")
	}
}

func TestFromDestinationDefaults(t *testing.T) {
	p := FromDestination(config.Destination{Name: "siem", Kind: "http", URL: "https://x"})

	if p.Base != DefaultBase || p.Cap != DefaultCap || p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("defaults not applied: %+v", p)
	}
	if p.Jitter != DefaultJitter {
		t.Errorf("unset jitter = %v, want %v", p.Jitter, DefaultJitter)
	}
}

func TestFromDestinationOverrides(t *testing.T) {
	jitter := 0.5
	p := FromDestination(config.Destination{
		BackoffBaseSeconds: 1,
		BackoffCapSeconds:  30,
		JitterSeconds:      &jitter,
		MaxAttempts:        3,
	})

	if p.Base != time.Second || p.Cap != 30*time.Second || p.Jitter != 500*time.Millisecond || p.MaxAttempts != 3 {
		t.Errorf("overrides not applied: %+v", p)
	}
}

func TestFromDestinationExplicitZeroJitter(t *testing.T) {
	zero := 0.0
	p := FromDestination(config.Destination{JitterSeconds: &zero})

	if p.Jitter != 0 {
		t.Errorf("explicit zero jitter = %v, want 0", p.Jitter)
	}
}

func TestNextAttemptAt(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Cap: time.Minute, Jitter: 0}
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if got := p.NextAttemptAt(now, 1); !got.Equal(now.Add(2 * time.Second)) {
		t.Errorf("NextAttemptAt = %v, want %v", got, now.Add(2*time.Second))
	}
}
