package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/ratelimit"
)

// RateLimit rejects calls once the team's token bucket is empty.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.MetricsCollector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			team := call.Request.Scope.TeamID.String()
			if err := limiter.Allow(team); err != nil {
				metrics.RecordBudgetDenial("rate_limit")
				logger.WarnContext(ctx, "gateway rate limited",
					slog.String("team_id", team),
				)
				return nil, err
			}
			return next(ctx, call)
		}
	}
}

// Instrument wraps the call in a span and records request, latency and
// token metrics. Cached replays do not count tokens.
func Instrument(tracer *observability.TracerSetup, logger *slog.Logger, metrics *observability.MetricsCollector) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			req := &call.Request
			ctx, span := tracer.StartSpan(ctx, "gateway.complete",
				attribute.String("ai.provider", req.Provider),
				attribute.String("ai.model", req.Model),
				attribute.String("crucible.team_id", req.Scope.TeamID.String()),
				attribute.String("crucible.experiment_id", req.ExperimentID()),
				attribute.String("crucible.purpose", req.Purpose),
			)
			start := time.Now()

			resp, err := next(ctx, call)

			elapsed := time.Since(start)
			outcome := outcomeOf(resp, err)
			if resp != nil {
				span.SetAttributes(
					attribute.Int("ai.input_tokens", resp.Usage.InputTokens),
					attribute.Int("ai.output_tokens", resp.Usage.OutputTokens),
					attribute.Int64("ai.cost_credits", resp.Usage.CostCredits),
					attribute.Bool("ai.cached", resp.Cached),
				)
			}
			span.SetAttributes(attribute.String("crucible.outcome", outcome))
			observability.EndSpan(span, err)

			metrics.RecordGatewayRequest(req.Provider, req.Model, outcome, elapsed)
			if err != nil {
				logger.WarnContext(ctx, "ai call failed",
					slog.String("provider", req.Provider),
					slog.String("model", req.Model),
					slog.String("team_id", req.Scope.TeamID.String()),
					slog.String("outcome", outcome),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			if !resp.Cached {
				metrics.RecordTokens(req.Provider, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}
			logger.InfoContext(ctx, "ai call completed",
				slog.String("response_id", resp.ID.String()),
				slog.String("provider", resp.Provider),
				slog.String("model", resp.Model),
				slog.String("team_id", req.Scope.TeamID.String()),
				slog.String("experiment_id", req.ExperimentID()),
				slog.Int64("cost_credits", resp.Usage.CostCredits),
				slog.Bool("cached", resp.Cached),
				slog.Duration("elapsed", elapsed),
			)
			return resp, nil
		}
	}
}

// outcomeOf maps a pipeline result to a metrics label.
func outcomeOf(resp *domain.AIResponse, err error) string {
	switch {
	case err == nil && resp.Cached:
		return "cached"
	case err == nil && resp.Shortfall:
		return "shortfall"
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, domain.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, domain.ErrExperimentNotActive):
		return "experiment_not_active"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, domain.ErrProviderError):
		return "provider_error"
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidScope):
		return "invalid_request"
	default:
		return "error"
	}
}
