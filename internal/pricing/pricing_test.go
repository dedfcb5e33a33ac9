package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/crucible/internal/domain"
)

func testTable() Table {
	return Table{
		"anthropic": {
			"claude-x": {Input: 3, Output: 15},
		},
		"openai": {
			"gpt-mini": {Input: 0.15, Output: 0.6},
			"free":     {Input: 0, Output: 0},
		},
	}
}

func newCalc(t *testing.T, opts Options) *Calculator {
	t.Helper()
	c, err := NewCalculator(testTable(), opts, nil)
	require.NoError(t, err)
	return c
}

func TestCalculateCost(t *testing.T) {
	c := newCalc(t, Options{})

	tests := []struct {
		name     string
		provider string
		model    string
		in, out  int
		want     int64
	}{
		{"rounds each component up", "anthropic", "claude-x", 1200, 300, 9},
		{"exact thousand does not over-round", "anthropic", "claude-x", 1000, 1000, 18},
		{"small fractional price", "openai", "gpt-mini", 10, 10, 2},
		{"zero tokens", "anthropic", "claude-x", 0, 0, 0},
		{"provider case-insensitive", "Anthropic", "claude-x", 1000, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CalculateCost(tt.provider, tt.model, tt.in, tt.out)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateCost_UnknownPricingDistinguishableFromFree(t *testing.T) {
	c := newCalc(t, Options{})

	free, err := c.CalculateCost("openai", "free", 5000, 5000)
	require.NoError(t, err)
	assert.Zero(t, free)

	unknown, err := c.CalculateCost("openai", "nope", 5000, 5000)
	assert.Zero(t, unknown)
	assert.ErrorIs(t, err, domain.ErrUnknownPricing)
}

func TestEstimateCost(t *testing.T) {
	c := newCalc(t, Options{})
	// nominal 1000 in -> 3, 2000 out -> 30, (33) * 1.5 = 49.5 -> 50
	got, err := c.EstimateCost("anthropic", "claude-x", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)

	c = newCalc(t, Options{Multiplier: 1.0, NominalInputTokens: 2000})
	got, err = c.EstimateCost("anthropic", "claude-x", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(21), got)

	_, err = c.EstimateCost("gemini", "x", 100)
	assert.ErrorIs(t, err, domain.ErrUnknownPricing)
}

func TestSetTableRejectsNegativePrices(t *testing.T) {
	_, err := NewCalculator(Table{"a": {"b": {Input: -1}}}, Options{}, nil)
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	c := newCalc(t, Options{})
	p, ok := c.Lookup("openai", "gpt-mini")
	require.True(t, ok)
	assert.InDelta(t, 0.15, p.Input, 1e-9)
	_, ok = c.Lookup("openai", "missing")
	assert.False(t, ok)
}
