package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/domain"
)

func transitioned() Transitioned {
	return Transitioned{
		ExperimentID: uuid.New(),
		From:         domain.StatusDraft,
		To:           domain.StatusRunning,
		Timestamp:    time.Now(),
	}
}

func TestPublish_DeliversInOrder(t *testing.T) {
	bus := NewBus(nil, nil)
	var got []string
	bus.Subscribe(TopicTransitioned, "first", func(ctx context.Context, ev Event) error {
		got = append(got, "first")
		return nil
	})
	bus.Subscribe(TopicTransitioned, "second", func(ctx context.Context, ev Event) error {
		got = append(got, "second")
		return nil
	})
	bus.Subscribe(TopicAutoPauseFailed, "other", func(ctx context.Context, ev Event) error {
		got = append(got, "other")
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), transitioned()))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestPublish_IsolatesFailures(t *testing.T) {
	bus := NewBus(nil, nil)
	var reached bool
	bus.Subscribe(TopicTransitioned, "errors", func(ctx context.Context, ev Event) error {
		return errors.New("downstream unavailable")
	})
	bus.Subscribe(TopicTransitioned, "panics", func(ctx context.Context, ev Event) error {
		panic("nil map")
	})
	bus.Subscribe(TopicTransitioned, "healthy", func(ctx context.Context, ev Event) error {
		reached = true
		return nil
	})

	err := bus.Publish(context.Background(), transitioned())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "errors: downstream unavailable")
	assert.Contains(t, err.Error(), "panics: panic: nil map")
	assert.True(t, reached, "healthy subscriber must still run")
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(nil, nil)
	calls := 0
	unsub := bus.Subscribe(TopicTransitioned, "counter", func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), transitioned()))
	unsub()
	unsub()
	require.NoError(t, bus.Publish(context.Background(), transitioned()))
	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.Subscribers(TopicTransitioned))
}

func TestPublish_ReentrantHandler(t *testing.T) {
	bus := NewBus(nil, nil)
	var seen []domain.ExperimentStatus
	bus.Subscribe(TopicTransitioned, "reactor", func(ctx context.Context, ev Event) error {
		tr := ev.(Transitioned)
		seen = append(seen, tr.To)
		if tr.To == domain.StatusRunning {
			return bus.Publish(ctx, Transitioned{ExperimentID: tr.ExperimentID, From: tr.To, To: domain.StatusPaused})
		}
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), transitioned()))
	assert.Equal(t, []domain.ExperimentStatus{domain.StatusRunning, domain.StatusPaused}, seen)
}

func TestPublish_Concurrent(t *testing.T) {
	bus := NewBus(nil, nil)
	var mu sync.Mutex
	count := 0
	bus.Subscribe(TopicTransitioned, "counter", func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), transitioned())
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}
