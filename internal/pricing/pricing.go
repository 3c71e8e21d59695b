// Package pricing converts token usage into USD cost.
package pricing

import (
	"strings"

	"github.com/relayops/claude-relay/internal/config"
)

// Rate holds per-model prices in USD per 1K tokens.
type Rate struct {
	Input      float64 // Prompt tokens.
	Output     float64 // Completion tokens.
	CacheWrite float64 // Cache creation tokens.
	CacheRead  float64 // Cache read tokens.
}

// Usage is the token breakdown of one request.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// defaultRates covers current claude models. Cache rates follow the
// published 1.25x write / 0.1x read multipliers on the input price.
var defaultRates = map[string]Rate{
	"claude-opus-4":     {Input: 0.015, Output: 0.075, CacheWrite: 0.01875, CacheRead: 0.0015},
	"claude-sonnet-4":   {Input: 0.003, Output: 0.015, CacheWrite: 0.00375, CacheRead: 0.0003},
	"claude-3-7-sonnet": {Input: 0.003, Output: 0.015, CacheWrite: 0.00375, CacheRead: 0.0003},
	"claude-3-5-sonnet": {Input: 0.003, Output: 0.015, CacheWrite: 0.00375, CacheRead: 0.0003},
	"claude-3-5-haiku":  {Input: 0.0008, Output: 0.004, CacheWrite: 0.001, CacheRead: 0.00008},
	"claude-3-opus":     {Input: 0.015, Output: 0.075, CacheWrite: 0.01875, CacheRead: 0.0015},
	"claude-3-haiku":    {Input: 0.00025, Output: 0.00125, CacheWrite: 0.0003125, CacheRead: 0.000025},
}

// fallbackRate prices unknown models conservatively at sonnet rates.
var fallbackRate = Rate{Input: 0.003, Output: 0.015, CacheWrite: 0.00375, CacheRead: 0.0003}

// Table resolves model names to rates.
type Table struct {
	rates    map[string]Rate
	fallback Rate
}

// NewTable builds the pricing table, applying config overrides on top of
// the built-in rates.
func NewTable(overrides map[string]config.ModelPriceConfig) *Table {
	rates := make(map[string]Rate, len(defaultRates)+len(overrides))
	for model, rate := range defaultRates {
		rates[model] = rate
	}
	for model, row := range overrides {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		rate := Rate{Input: row.Input, Output: row.Output, CacheWrite: row.CacheWrite, CacheRead: row.CacheRead}
		if rate.CacheWrite == 0 {
			rate.CacheWrite = rate.Input * 1.25
		}
		if rate.CacheRead == 0 {
			rate.CacheRead = rate.Input * 0.1
		}
		rates[model] = rate
	}
	return &Table{rates: rates, fallback: fallbackRate}
}

// Lookup resolves a model to its rate: exact match, then longest prefix,
// then the fallback.
func (t *Table) Lookup(model string) Rate {
	if t == nil {
		return fallbackRate
	}
	model = strings.ToLower(strings.TrimSpace(model))
	if rate, ok := t.rates[model]; ok {
		return rate
	}

	bestLen := 0
	best := t.fallback
	for prefix, rate := range t.rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = rate
		}
	}
	return best
}

// Cost computes the USD cost of a request.
func (t *Table) Cost(model string, usage Usage) float64 {
	rate := t.Lookup(model)
	cost := float64(usage.InputTokens) / 1000 * rate.Input
	cost += float64(usage.OutputTokens) / 1000 * rate.Output
	cost += float64(usage.CacheCreationTokens) / 1000 * rate.CacheWrite
	cost += float64(usage.CacheReadTokens) / 1000 * rate.CacheRead
	return cost
}
