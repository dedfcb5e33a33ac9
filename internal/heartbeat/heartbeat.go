// Package heartbeat tracks agent liveness.
// Agents report in through agents.Registry.Heartbeat; RunStaleChecker runs in
// the server process and moves agents that stopped reporting to offline.
package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// Defaults used when the config leaves the checker unset.
const (
	DefaultInterval       = 30 * time.Second
	DefaultStaleThreshold = 2 * time.Minute
)

// Store marks agents whose last heartbeat is older than cutoff.
type Store interface {
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Checker marks silent agents offline.
type Checker struct {
	store          Store
	interval       time.Duration
	staleThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewChecker creates a Checker. Zero durations fall back to the defaults.
func NewChecker(store Store, interval, staleThreshold time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		store:          store,
		interval:       interval,
		staleThreshold: staleThreshold,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// CheckOnce runs a single pass and returns how many agents went offline.
func (c *Checker) CheckOnce(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.staleThreshold)
	count, err := c.store.MarkStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		c.logger.WarnContext(ctx, "agents marked offline",
			slog.Int("count", count),
			slog.Time("cutoff", cutoff),
		)
	}
	return count, nil
}

// Run checks on every tick. Blocks until ctx is canceled.
func (c *Checker) Run(ctx context.Context) {
	c.logger.Debug("heartbeat stale checker started",
		slog.String("interval", c.interval.String()),
		slog.String("stale_threshold", c.staleThreshold.String()),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("heartbeat stale checker stopped")
			return
		case <-ticker.C:
			if _, err := c.CheckOnce(ctx); err != nil {
				c.logger.ErrorContext(ctx, "stale check failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunStaleChecker builds a Checker and runs it until ctx is canceled.
func RunStaleChecker(ctx context.Context, store Store, interval, staleThreshold time.Duration, logger *slog.Logger) {
	NewChecker(store, interval, staleThreshold, logger).Run(ctx)
}
