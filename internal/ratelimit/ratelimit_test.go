package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/crucible/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.SetClock(clk.now)
	return l, clk
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("team"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
	if l.Remaining("team") != -1 {
		t.Errorf("expected -1 remaining for unlimited limiter")
	}
}

func TestAllow_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("a"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	err := l.Allow("a")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAllow_Refill(t *testing.T) {
	l, clk := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("a"); err == nil {
		t.Fatal("expected rejection before refill")
	}
	clk.advance(time.Second)
	if err := l.Allow("a"); err != nil {
		t.Fatalf("expected token after one second: %v", err)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("key b should have its own bucket: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l, clk := newTestLimiter(Config{RequestsPerMinute: 60})
	_ = l.Allow("old")
	clk.advance(10 * time.Minute)
	_ = l.Allow("fresh")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Fatalf("pruned %d buckets, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}
}
