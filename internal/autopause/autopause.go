// Package autopause pauses experiments whose budget is breached. It reacts
// to Transitioned events instead of being called by the state machine, so
// the pause is itself an ordinary transition that other reactors observe.
package autopause

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/events"
	"github.com/jkaninda/crucible/internal/observability"
)

// Actor is recorded on transitions made by the controller.
const Actor = "autopause"

// ReasonPrefix starts every auto-pause reason.
const ReasonPrefix = "Auto-paused: "

// Checker reports an experiment's budget standing.
type Checker interface {
	Check(ctx context.Context, experimentID uuid.UUID) (budget.Standing, error)
}

// Transitioner applies experiment transitions.
type Transitioner interface {
	Transition(ctx context.Context, id uuid.UUID, to domain.ExperimentStatus, reason, actor string) (*domain.Experiment, error)
}

// Controller is the auto-pause reactor.
type Controller struct {
	checker Checker
	machine Transitioner
	bus     events.Publisher
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// New creates a Controller. bus may be nil, in which case failures are only
// logged and counted.
func New(checker Checker, machine Transitioner, bus events.Publisher, logger *slog.Logger, metrics *observability.MetricsCollector) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{checker: checker, machine: machine, bus: bus, logger: logger, metrics: metrics}
}

// Subscribe registers the controller on bus and returns the unsubscribe func.
func (c *Controller) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.TopicTransitioned, Actor, c.Handle)
}

// Handle is the bus handler. It never returns an error: every failure is
// logged here and never reaches the publishing transition.
func (c *Controller) Handle(ctx context.Context, ev events.Event) error {
	tr, ok := ev.(events.Transitioned)
	if !ok {
		return nil
	}
	// Terminal and paused targets are no-ops; this is what stops the
	// Paused event we cause from looping back.
	if tr.To.IsTerminal() || tr.To == domain.StatusPaused {
		return nil
	}

	standing, err := c.checker.Check(ctx, tr.ExperimentID)
	if err != nil {
		c.fail(ctx, tr.ExperimentID, "budget check failed", err)
		return nil
	}
	if standing.OK {
		return nil
	}

	reason := ReasonPrefix + standing.Reason
	_, err = c.machine.Transition(ctx, tr.ExperimentID, domain.StatusPaused, reason, Actor)
	switch {
	case err == nil:
		c.metrics.RecordAutoPause(true)
		c.logger.WarnContext(ctx, "experiment auto-paused",
			slog.String("experiment_id", tr.ExperimentID.String()),
			slog.String("reason", reason),
			slog.Float64("pct_used", standing.PctUsed),
		)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStatusConflict):
		// Another actor moved the experiment first.
		c.logger.InfoContext(ctx, "auto-pause skipped",
			slog.String("experiment_id", tr.ExperimentID.String()),
			slog.String("error", err.Error()),
		)
	default:
		c.fail(ctx, tr.ExperimentID, reason, err)
	}
	return nil
}

// fail leaves the experiment breached but active, which must be visible to
// operators.
func (c *Controller) fail(ctx context.Context, id uuid.UUID, reason string, err error) {
	c.metrics.RecordAutoPause(false)
	c.logger.ErrorContext(ctx, "auto-pause failed",
		slog.String("experiment_id", id.String()),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, events.AutoPauseFailed{
		ExperimentID: id,
		Reason:       reason,
		Error:        err.Error(),
		Timestamp:    time.Now().UTC(),
	})
}
