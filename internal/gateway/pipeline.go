package gateway

import (
	"context"
	"time"

	"github.com/jkaninda/crucible/internal/domain"
)

// Call carries one request through the pipeline. Stages fill in the fields
// they own; later stages read what earlier ones set.
type Call struct {
	Request domain.AIRequest
	// Key is the idempotency key, set by the Idempotency stage.
	Key string
	// Estimate is the pre-authorized credit amount.
	Estimate int64
	// Reservation is the budget hold taken by Preauthorize, nil when the
	// stage is not installed.
	Reservation *domain.Reservation
	// PricingKnown is false when the price table had no entry for the
	// provider and model.
	PricingKnown bool
	Started      time.Time
}

// Handler processes a call and produces a response.
type Handler func(ctx context.Context, call *Call) (*domain.AIResponse, error)

// Middleware wraps a Handler. A middleware may short-circuit by returning
// without calling next.
type Middleware func(next Handler) Handler

// Chain composes middlewares around final. The first middleware is the
// outermost and sees the request first.
func Chain(final Handler, mws ...Middleware) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
