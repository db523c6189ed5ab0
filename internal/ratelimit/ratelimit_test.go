package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/clock"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{}, nil)
	for i := 0; i < 1000; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d = %v, want nil", i, err)
		}
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3}, clk)

	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("Allow #%d = %v", i, err)
		}
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Allow after burst = %v, want ErrRateLimited", err)
	}

	clk.Advance(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Errorf("Allow after refill = %v, want nil", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Allow after one-token refill = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_ClientsIndependent(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	l := NewLimiter(Config{RequestsPerMinute: 1}, clk)

	if err := l.Allow("a"); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("a should be limited")
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b limited by a's usage: %v", err)
	}
}

func TestLimiter_EvictsIdleClients(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	l := NewLimiter(Config{RequestsPerMinute: 10}, clk)

	_ = l.Allow("a")
	_ = l.Allow("b")
	if got := l.Clients(); got != 2 {
		t.Fatalf("Clients = %d, want 2", got)
	}

	clk.Advance(idleEviction)
	_ = l.Allow("c")
	if got := l.Clients(); got != 1 {
		t.Errorf("Clients after idle sweep = %d, want 1", got)
	}
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	if err := l.Allow("a"); err != nil {
		t.Errorf("nil limiter Allow = %v", err)
	}
}
