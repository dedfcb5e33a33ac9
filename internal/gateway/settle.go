package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/pricing"
)

// Preauthorize estimates the call's worst-case cost and reserves it against
// every level of the request scope. A denial returns domain.ErrBudgetExceeded
// and the provider is never invoked. If a later stage fails the reservation
// is released.
//
// A price table miss is a configuration gap: it is logged and counted, and
// the call proceeds with an estimate of 0.
func Preauthorize(calc *pricing.Calculator, guard *budget.Guard, logger *slog.Logger, metrics *observability.MetricsCollector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			req := &call.Request
			est, err := calc.EstimateCost(req.Provider, req.Model, req.MaxTokens)
			switch {
			case errors.Is(err, domain.ErrUnknownPricing):
				metrics.RecordUnknownPricing(req.Provider, req.Model)
				call.PricingKnown = false
				est = 0
			case err != nil:
				return nil, err
			default:
				call.PricingKnown = true
			}
			call.Estimate = est

			res, err := guard.Preauthorize(ctx, req.Scope, est)
			if err != nil {
				return nil, err
			}
			call.Reservation = res

			resp, err := next(ctx, call)
			if err != nil {
				if rerr := guard.Release(context.WithoutCancel(ctx), res.ID); rerr != nil {
					logger.WarnContext(ctx, "releasing reservation failed",
						slog.String("reservation_id", res.ID.String()),
						slog.String("error", rerr.Error()),
					)
				}
				return nil, err
			}
			return resp, nil
		}
	}
}

// Settle prices the actual usage and debits it to the request scope,
// consuming the reservation in the same ledger write. When the debit is
// rejected the response is still returned, marked Shortfall, and the owed
// credits are flagged through the ledger.
func Settle(calc *pricing.Calculator, led *ledger.Ledger, guard *budget.Guard, logger *slog.Logger, metrics *observability.MetricsCollector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			resp, err := next(ctx, call)
			if err != nil {
				return nil, err
			}

			req := &call.Request
			cost, cerr := calc.CalculateCost(req.Provider, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			resp.PricingKnown = cerr == nil
			if cerr != nil {
				metrics.RecordUnknownPricing(req.Provider, req.Model)
				cost = 0
			}
			resp.Usage.CostCredits = cost

			// Settlement outlives the caller's context.
			sctx := context.WithoutCancel(ctx)

			var resID *uuid.UUID
			if call.Reservation != nil {
				id := call.Reservation.ID
				resID = &id
			}

			release := func() {
				if resID == nil {
					return
				}
				if rerr := guard.Release(sctx, *resID); rerr != nil {
					logger.WarnContext(ctx, "releasing reservation failed",
						slog.String("reservation_id", resID.String()),
						slog.String("error", rerr.Error()),
					)
				}
			}

			if cost == 0 {
				release()
				return resp, nil
			}

			_, err = led.Record(sctx, ledger.RecordRequest{
				Scope:  req.Scope,
				Type:   domain.EntryDebit,
				Amount: cost,
				Metadata: map[string]any{
					"response_id":   resp.ID.String(),
					"provider":      resp.Provider,
					"model":         resp.Model,
					"input_tokens":  resp.Usage.InputTokens,
					"output_tokens": resp.Usage.OutputTokens,
					"purpose":       req.Purpose,
					"idempotency":   call.Key,
				},
				ReservationID: resID,
			})
			if err == nil {
				return resp, nil
			}

			release()
			resp.Shortfall = true
			// FlagShortfall logs its own persistence failures.
			_ = led.FlagShortfall(sctx, &domain.Shortfall{
				Scope:          req.Scope,
				Credits:        cost,
				Reason:         err.Error(),
				IdempotencyKey: call.Key,
				Provider:       resp.Provider,
				Model:          resp.Model,
			})
			return resp, nil
		}
	}
}
