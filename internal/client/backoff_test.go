package client

import (
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}

	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestNextBackoffDelay_Jitter(t *testing.T) {
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(1))

	for attempt := 1; attempt <= 8; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got >= base*3/2 {
			t.Errorf("attempt %d: %s outside jitter window of %s", attempt, got, base)
		}
	}
}

func TestNextBackoffDelay_JitterNeverExceedsMax(t *testing.T) {
	cfg := DefaultBackoff()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		if got := NextBackoffDelay(cfg, 10, rng); got > cfg.MaxDelay {
			t.Fatalf("delay %s above max %s", got, cfg.MaxDelay)
		}
	}
}

func TestNextBackoffDelay_Degenerate(t *testing.T) {
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Errorf("expected zero delay, got %s", got)
	}
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 0.5}
	if got := NextBackoffDelay(cfg, 4, nil); got != 100*time.Millisecond {
		t.Errorf("expected multiplier floored at 1, got %s", got)
	}
	if got := NextBackoffDelay(cfg, 0, nil); got != 100*time.Millisecond {
		t.Errorf("expected attempt floored at 1, got %s", got)
	}
}
