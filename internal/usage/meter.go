// Package usage accounts for tokens, cost and time spent per refinement
// session.
package usage

import "aaarefine/internal/llm"

// Pricing holds per-million-token prices in USD.
type Pricing struct {
	InputPerMillion       float64 `yaml:"input_per_million" json:"input_per_million"`
	CachedInputPerMillion float64 `yaml:"cached_input_per_million" json:"cached_input_per_million"`
	OutputPerMillion      float64 `yaml:"output_per_million" json:"output_per_million"`
}

// DefaultPricing is the o4-mini price list.
func DefaultPricing() Pricing {
	return Pricing{
		InputPerMillion:       1.100,
		CachedInputPerMillion: 0.275,
		OutputPerMillion:      4.400,
	}
}

// Cost prices one reply. Cached prompt tokens are billed at the cached rate
// and excluded from the regular input count.
func (p Pricing) Cost(r *llm.Reply) float64 {
	cached := r.CachedTokens
	if cached > r.PromptTokens {
		cached = r.PromptTokens
	}
	regular := r.PromptTokens - cached

	return (float64(regular)*p.InputPerMillion +
		float64(cached)*p.CachedInputPerMillion +
		float64(r.CompletionTokens)*p.OutputPerMillion) / 1_000_000
}

// Meter accumulates the usage of one session. It is owned by a single
// session and is not safe for concurrent use.
type Meter struct {
	pricing Pricing
	calls   int
	tokens  int
	cost    float64
}

// NewMeter returns an empty meter.
func NewMeter(p Pricing) *Meter {
	return &Meter{pricing: p}
}

// Add records one successful gateway reply.
func (m *Meter) Add(r *llm.Reply) {
	if r == nil {
		return
	}
	m.calls++
	m.tokens += r.TotalTokens()
	m.cost += m.pricing.Cost(r)
}

// Calls is the number of replies recorded.
func (m *Meter) Calls() int { return m.calls }

// Tokens is the total number of tokens recorded.
func (m *Meter) Tokens() int { return m.tokens }

// Cost is the total cost recorded, in USD.
func (m *Meter) Cost() float64 { return m.cost }
