// Package sweeper runs the periodic housekeeping pass: it releases
// reservations whose TTL passed without settlement, purges expired
// idempotency responses and drops idle rate limiter buckets.
//
// The pass is idempotent. Running it twice, or from two processes against
// the same database, releases each reservation once.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/ratelimit"
)

// DefaultSchedule runs a pass every minute.
const DefaultSchedule = "@every 1m"

// DefaultLimiterIdle is how long a rate limiter bucket may sit unused
// before it is dropped.
const DefaultLimiterIdle = 10 * time.Minute

// ReservationReleaser releases expired reservations. ledger.Store satisfies it.
type ReservationReleaser interface {
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}

// ResponsePurger deletes expired idempotency responses. gateway.ResponseStore satisfies it.
type ResponsePurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Config tunes the sweep schedule.
type Config struct {
	Schedule    string        // robfig/cron spec; DefaultSchedule when empty.
	LimiterIdle time.Duration // DefaultLimiterIdle when zero.
}

// Deps are the collaborators a pass touches. Limiter, Collector, Metrics
// and Logger may be nil.
type Deps struct {
	Reservations ReservationReleaser
	Responses    ResponsePurger
	Limiter      *ratelimit.Limiter
	Collector    *observability.MetricsCollector
	Metrics      *Metrics
	Logger       *slog.Logger
	Clock        func() time.Time
}

// Result counts what one pass removed.
type Result struct {
	Reservations int
	Responses    int
	LimiterKeys  int
}

// Sweeper owns the schedule and the pass.
type Sweeper struct {
	deps     Deps
	idle     time.Duration
	spec     string
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// New validates the schedule and builds a Sweeper.
func New(cfg Config, d Deps) (*Sweeper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", spec, err)
	}

	idle := cfg.LimiterIdle
	if idle <= 0 {
		idle = DefaultLimiterIdle
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := d.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{deps: d, idle: idle, spec: spec, schedule: sched, logger: logger, now: now}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "sweeper started", slog.String("schedule", s.spec))

		for {
			current := s.now()
			timer := time.NewTimer(s.schedule.Next(current).Sub(current))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("sweeper stopped")
				return
			case <-timer.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.ErrorContext(ctx, "sweep pass failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return cancel
}

// RunOnce performs a single pass. Every step runs even if an earlier one
// fails; the errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	now := s.now()

	var res Result
	var errs []error

	if s.deps.Reservations != nil {
		n, err := s.deps.Reservations.ReleaseExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("releasing expired reservations: %w", err))
		}
		res.Reservations = n
	}
	if s.deps.Responses != nil {
		n, err := s.deps.Responses.PurgeExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("purging idempotency responses: %w", err))
		}
		res.Responses = n
	}
	res.LimiterKeys = s.deps.Limiter.Prune(s.idle)

	s.deps.Collector.RecordSweep(res.Reservations, res.Responses)
	if m := s.deps.Metrics; m != nil {
		m.PassesTotal.Inc()
		m.LimiterPruned.Add(float64(res.LimiterKeys))
		m.PassDuration.Observe(time.Since(start).Seconds())
		if len(errs) > 0 {
			m.PassFailures.Inc()
		}
	}

	level := slog.LevelDebug
	if res.Reservations > 0 || res.Responses > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "sweep pass complete",
		slog.Int("reservations_released", res.Reservations),
		slog.Int("responses_purged", res.Responses),
		slog.Int("limiter_keys_pruned", res.LimiterKeys),
		slog.Duration("duration", time.Since(start)),
	)
	return res, errors.Join(errs...)
}
