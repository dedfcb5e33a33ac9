// Package pricing converts token counts into credits using a per-provider,
// per-model price table.
//
// Prices are credits per 1000 tokens. Internally they are held as integer
// micro-credits so that rounding up each component never overcharges because
// of floating point error.
package pricing

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/jkaninda/crucible/internal/domain"
)

const (
	// DefaultMultiplier is the reservation headroom applied to estimates.
	DefaultMultiplier = 1.5
	// DefaultNominalInputTokens is the input size assumed before the real
	// prompt is tokenized by the provider.
	DefaultNominalInputTokens = 1000

	microPerCredit = 1_000_000
	tokensPerUnit  = 1000
)

// Price is the cost of 1000 tokens in credits.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Table maps provider -> model -> price.
type Table map[string]map[string]Price

type microPrice struct {
	input  int64
	output int64
}

// Options tune estimation.
type Options struct {
	Multiplier         float64
	NominalInputTokens int
}

// Calculator is safe for concurrent use. The table can be replaced at runtime.
type Calculator struct {
	mu      sync.RWMutex
	prices  map[string]microPrice
	mult    float64
	nominal int
	logger  *slog.Logger
}

// NewCalculator builds a Calculator from a price table.
func NewCalculator(table Table, opts Options, logger *slog.Logger) (*Calculator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Calculator{
		mult:    opts.Multiplier,
		nominal: opts.NominalInputTokens,
		logger:  logger,
	}
	if c.mult <= 0 {
		c.mult = DefaultMultiplier
	}
	if c.nominal <= 0 {
		c.nominal = DefaultNominalInputTokens
	}
	if err := c.SetTable(table); err != nil {
		return nil, err
	}
	return c, nil
}

// SetTable replaces the price table.
func (c *Calculator) SetTable(table Table) error {
	prices := make(map[string]microPrice)
	for provider, models := range table {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 {
				return fmt.Errorf("negative price for %s/%s", provider, model)
			}
			prices[key(provider, model)] = microPrice{
				input:  int64(math.Round(p.Input * microPerCredit)),
				output: int64(math.Round(p.Output * microPerCredit)),
			}
		}
	}
	c.mu.Lock()
	c.prices = prices
	c.mu.Unlock()
	return nil
}

// Multiplier returns the reservation multiplier in effect.
func (c *Calculator) Multiplier() float64 { return c.mult }

// Lookup returns the configured price for provider/model.
func (c *Calculator) Lookup(provider, model string) (Price, bool) {
	p, ok := c.lookup(provider, model)
	if !ok {
		return Price{}, false
	}
	return Price{
		Input:  float64(p.input) / microPerCredit,
		Output: float64(p.output) / microPerCredit,
	}, true
}

// CalculateCost returns the credits owed for a completed call:
// ceil(in/1000 * inputPrice) + ceil(out/1000 * outputPrice).
//
// A table miss returns 0 together with domain.ErrUnknownPricing. The zero is
// usable as a cost, the error tells the caller it is not a free call.
func (c *Calculator) CalculateCost(provider, model string, inputTokens, outputTokens int) (int64, error) {
	p, ok := c.lookup(provider, model)
	if !ok {
		c.logger.Warn("pricing missing for model, cost resolves to 0",
			slog.String("provider", provider),
			slog.String("model", model),
		)
		return 0, fmt.Errorf("%w: %s/%s", domain.ErrUnknownPricing, provider, model)
	}
	return component(inputTokens, p.input) + component(outputTokens, p.output), nil
}

// EstimateCost returns a worst-case pre-flight estimate: the nominal input
// size plus maxTokens of output, scaled by the reservation multiplier.
func (c *Calculator) EstimateCost(provider, model string, maxTokens int) (int64, error) {
	base, err := c.CalculateCost(provider, model, c.nominal, maxTokens)
	if err != nil {
		return 0, err
	}
	return applyMultiplier(base, c.mult), nil
}

func (c *Calculator) lookup(provider, model string) (microPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[key(provider, model)]
	return p, ok
}

// component computes ceil(tokens * price / 1000) in integer arithmetic.
func component(tokens int, microPer1K int64) int64 {
	if tokens <= 0 || microPer1K == 0 {
		return 0
	}
	num := int64(tokens) * microPer1K
	den := int64(tokensPerUnit * microPerCredit)
	return (num + den - 1) / den
}

func applyMultiplier(base int64, mult float64) int64 {
	if base == 0 {
		return 0
	}
	// Round the product to 1e-9 first so 1.5 * 6 lands on 9, not 9.000000001.
	v := math.Round(float64(base)*mult*1e9) / 1e9
	return int64(math.Ceil(v))
}

func key(provider, model string) string {
	return strings.ToLower(provider) + "/" + model
}
