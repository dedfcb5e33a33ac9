// Package gateway is the metered AI gateway. Every paid model call passes
// through an ordered middleware chain that de-duplicates, pre-authorizes
// budget, invokes the provider, settles actual usage into the ledger and
// caches the result.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/crucible/internal/budget"
	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/ledger"
	"github.com/jkaninda/crucible/internal/llm"
	"github.com/jkaninda/crucible/internal/observability"
	"github.com/jkaninda/crucible/internal/pricing"
	"github.com/jkaninda/crucible/internal/ratelimit"
)

const (
	// DefaultMaxTokens applies when a request leaves MaxTokens unset, so
	// the estimate and the provider call agree on the worst case.
	DefaultMaxTokens = 1024

	defaultProviderTimeout = 60 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
)

// Deps are the collaborators the pipeline is built from. Limiter, Tracer,
// Metrics and Logger may be nil.
type Deps struct {
	Providers *llm.Registry
	Pricing   *pricing.Calculator
	Guard     *budget.Guard
	Ledger    *ledger.Ledger
	Responses ResponseStore
	Limiter   *ratelimit.Limiter
	Tracer    *observability.TracerSetup
	Metrics   *observability.MetricsCollector
	Logger    *slog.Logger
}

// Options tune the pipeline.
type Options struct {
	ProviderTimeout time.Duration
	IdempotencyTTL  time.Duration
	// Extra middlewares run after Instrument and before Idempotency.
	Extra []Middleware
	Clock func() time.Time
}

// Gateway is the entry point for AI calls.
type Gateway struct {
	handler   Handler
	providers *llm.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// New assembles the pipeline:
//
//	RateLimit → Instrument → [Extra] → Idempotency → CacheWrite →
//	StructuredOutput → Preauthorize → Settle → Execute
func New(d Deps, opts Options) *Gateway {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	ttl := opts.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}

	mws := []Middleware{
		RateLimit(d.Limiter, logger, d.Metrics),
		Instrument(d.Tracer, logger, d.Metrics),
	}
	mws = append(mws, opts.Extra...)
	mws = append(mws,
		Idempotency(d.Responses, now, logger, d.Metrics),
		CacheWrite(d.Responses, ttl, now, logger),
		StructuredOutput(logger),
		Preauthorize(d.Pricing, d.Guard, logger, d.Metrics),
		Settle(d.Pricing, d.Ledger, d.Guard, logger, d.Metrics),
	)

	return &Gateway{
		handler:   Chain(Execute(d.Providers, timeout, now), mws...),
		providers: d.Providers,
		logger:    logger,
		now:       now,
	}
}

// Complete routes one AI request through the pipeline.
func (g *Gateway) Complete(ctx context.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	if err := g.validate(&req); err != nil {
		return nil, err
	}
	return g.handler(ctx, &Call{Request: req, Started: g.now()})
}

// Providers lists the registered provider names.
func (g *Gateway) Providers() []string { return g.providers.Names() }

func (g *Gateway) validate(req *domain.AIRequest) error {
	if err := req.Scope.Validate(); err != nil {
		return err
	}
	if req.Provider == "" || req.Model == "" {
		return fmt.Errorf("%w: provider and model are required", domain.ErrInvalidRequest)
	}
	if _, ok := g.providers.Get(req.Provider); !ok {
		return fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidRequest, req.Provider)
	}
	if req.UserPrompt == "" {
		return fmt.Errorf("%w: user_prompt is required", domain.ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", domain.ErrInvalidRequest)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if len(req.Schema) > 0 {
		if _, err := compileSchema(req.Schema); err != nil {
			return err
		}
	}
	return nil
}
