// Package cost estimates LLM spend from token usage.
package cost

import (
	"strings"
	"sync"
)

// Rates holds per-provider pricing, keyed by model name.
type Rates struct {
	OpenAI    map[string]ModelRate `yaml:"openai" mapstructure:"openai"`
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Usage is the token consumption of one or more calls.
type Usage struct {
	Input      int `json:"input_tokens"`
	Output     int `json:"output_tokens"`
	CacheWrite int `json:"cache_write_tokens"`
	CacheRead  int `json:"cache_read_tokens"`
}

func (u Usage) add(o Usage) Usage {
	return Usage{
		Input:      u.Input + o.Input,
		Output:     u.Output + o.Output,
		CacheWrite: u.CacheWrite + o.CacheWrite,
		CacheRead:  u.CacheRead + o.CacheRead,
	}
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate looks up a model's pricing. Dated snapshots such as
// "gpt-4o-mini-2024-07-18" fall back to the longest priced prefix.
func (c *Calculator) Rate(provider, model string) (ModelRate, bool) {
	var table map[string]ModelRate
	switch provider {
	case "openai":
		table = c.rates.OpenAI
	case "anthropic":
		table = c.rates.Anthropic
	}
	if r, ok := table[model]; ok {
		return r, true
	}
	best, found := "", false
	for name := range table {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	return table[best], found
}

// Estimate returns the USD cost of u. Unknown models cost 0.
func (c *Calculator) Estimate(provider, model string, u Usage) float64 {
	rate, ok := c.Rate(provider, model)
	if !ok {
		return 0
	}
	inCost := (float64(u.Input) / 1e6) * rate.Input
	outCost := (float64(u.Output) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheRead) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		OpenAI: map[string]ModelRate{
			"gpt-4o-mini":  {Input: 0.15, Output: 0.60, CacheReadMul: 0.5},
			"gpt-4o":       {Input: 2.50, Output: 10.00, CacheReadMul: 0.5},
			"gpt-4.1-mini": {Input: 0.40, Output: 1.60, CacheReadMul: 0.25},
			"gpt-4.1":      {Input: 2.00, Output: 8.00, CacheReadMul: 0.25},
		},
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
	}
}

// Ledger accumulates usage and estimated spend across concurrent calls.
type Ledger struct {
	calc *Calculator

	mu    sync.Mutex
	calls int
	usage Usage
	usd   float64
}

// NewLedger creates a Ledger priced by calc.
func NewLedger(calc *Calculator) *Ledger {
	return &Ledger{calc: calc}
}

// Add records one call and returns its estimated cost. A nil Ledger
// ignores the call.
func (l *Ledger) Add(provider, model string, u Usage) float64 {
	if l == nil {
		return 0
	}
	usd := l.calc.Estimate(provider, model, u)
	l.mu.Lock()
	l.calls++
	l.usage = l.usage.add(u)
	l.usd += usd
	l.mu.Unlock()
	return usd
}

// Totals returns the accumulated call count, usage and spend.
func (l *Ledger) Totals() (calls int, usage Usage, usd float64) {
	if l == nil {
		return 0, Usage{}, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.usage, l.usd
}
