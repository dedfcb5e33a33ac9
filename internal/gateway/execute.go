package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/llm"
)

// Execute is the terminal handler: it invokes the provider once under
// timeout. A deadline becomes domain.ErrProviderTimeout and every other
// failure domain.ErrProviderError. There are no retries.
func Execute(providers *llm.Registry, timeout time.Duration, now func() time.Time) Handler {
	return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
		req := &call.Request
		p, ok := providers.Get(req.Provider)
		if !ok {
			return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidRequest, req.Provider)
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := now()
		out, err := p.Complete(cctx, &llm.Request{
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			Prompt:       req.UserPrompt,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
			JSONMode:     len(req.Schema) > 0,
		})
		latency := now().Sub(start)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s/%s after %s", domain.ErrProviderTimeout, req.Provider, req.Model, latency.Round(time.Millisecond))
			}
			return nil, fmt.Errorf("%w: %s/%s: %w", domain.ErrProviderError, req.Provider, req.Model, err)
		}

		model := out.Model
		if model == "" {
			model = req.Model
		}
		return &domain.AIResponse{
			ID:      uuid.New(),
			Content: out.Content,
			Usage: domain.Usage{
				InputTokens:  out.Usage.InputTokens,
				OutputTokens: out.Usage.OutputTokens,
			},
			Provider: p.Name(),
			Model:    model,
			Latency:  latency,
		}, nil
	}
}
