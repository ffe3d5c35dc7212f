package runner

import (
	"strings"

	"github.com/relayhq/relay/pkg/models"
)

const tokensPerMillion = 1_000_000

// Pricing holds per-million-token rates in USD for one model family.
type Pricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

// Published Anthropic API rates. Prefix-matched on the model ID so dated
// snapshots (claude-sonnet-4-20250514) resolve to their family.
var pricingTable = []struct {
	prefix string
	rates  Pricing
}{
	{"claude-opus-4", Pricing{Input: 15, Output: 75, CacheRead: 1.50, CacheWrite: 18.75}},
	{"claude-sonnet-4", Pricing{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
	{"claude-3-7-sonnet", Pricing{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
	{"claude-3-5-haiku", Pricing{Input: 0.80, Output: 4, CacheRead: 0.08, CacheWrite: 1}},
	{"claude-3-5-sonnet", Pricing{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
}

// defaultPricing covers unrecognized models at sonnet-class rates.
var defaultPricing = Pricing{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}

// PricingFor resolves the rate card for a model ID.
func PricingFor(model string) Pricing {
	for _, entry := range pricingTable {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.rates
		}
	}
	return defaultPricing
}

// Estimate computes the USD cost of a usage report under these rates.
func (p Pricing) Estimate(u *models.TokenUsage) float64 {
	if u == nil {
		return 0
	}
	return float64(u.InputTokens)/tokensPerMillion*p.Input +
		float64(u.OutputTokens)/tokensPerMillion*p.Output +
		float64(u.CacheReadTokens)/tokensPerMillion*p.CacheRead +
		float64(u.CacheCreationTokens)/tokensPerMillion*p.CacheWrite
}
