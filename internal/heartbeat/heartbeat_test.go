package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int
	err     error
}

func (f *fakeStore) MarkStale(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.count, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestCheckOnce_Cutoff(t *testing.T) {
	store := &fakeStore{count: 2}
	c := NewChecker(store, time.Second, 5*time.Minute, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	n, err := c.CheckOnce(context.Background())
	if err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	want := fixed.Add(-5 * time.Minute)
	if !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}

func TestCheckOnce_Error(t *testing.T) {
	boom := errors.New("db down")
	c := NewChecker(&fakeStore{err: boom}, 0, 0, nil)
	if _, err := c.CheckOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestNewChecker_Defaults(t *testing.T) {
	c := NewChecker(&fakeStore{}, 0, -1, nil)
	if c.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", c.interval, DefaultInterval)
	}
	if c.staleThreshold != DefaultStaleThreshold {
		t.Errorf("stale threshold = %v, want %v", c.staleThreshold, DefaultStaleThreshold)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStaleChecker(ctx, store, 10*time.Millisecond, time.Minute, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop after cancel")
	}
	if store.calls() == 0 {
		t.Error("checker never ran")
	}
}
