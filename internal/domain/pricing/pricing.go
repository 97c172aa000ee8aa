// Package pricing holds the fixed-point price constants and the pre-flight
// cost estimate. All values are in the payment token's smallest unit.
package pricing

// MicroUnit is one whole token unit (6 decimal places, USDC-style).
const MicroUnit int64 = 1_000_000

const (
	// DefaultCallPrice is the flat per-call price used when an exact cost
	// cannot be computed.
	DefaultCallPrice int64 = 250_000

	// DefaultPricePerToken is the settlement price per generated token.
	DefaultPricePerToken int64 = 150

	// DefaultPriceMultiplier is the pessimism factor applied to pre-flight
	// estimates. Estimates advise, they never block.
	DefaultPriceMultiplier int64 = 2

	// DefaultMaxTokensPerCall bounds the per-call token estimate.
	DefaultMaxTokensPerCall int64 = 4096
)

// Presets are the budget caps surfaced to the UI, ascending.
var Presets = []int64{
	1 * MicroUnit,
	5 * MicroUnit,
	10 * MicroUnit,
	25 * MicroUnit,
	50 * MicroUnit,
}

// Schedule holds the configurable pricing knobs for one deployment.
type Schedule struct {
	PricePerToken    int64
	PriceMultiplier  int64
	MaxTokensPerCall int64
}

// DefaultSchedule returns the built-in price schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		PricePerToken:    DefaultPricePerToken,
		PriceMultiplier:  DefaultPriceMultiplier,
		MaxTokensPerCall: DefaultMaxTokensPerCall,
	}
}

// EstimateCallCost returns the conservative upper-bound cost of a single call.
func (s Schedule) EstimateCallCost() int64 {
	return s.PricePerToken * s.PriceMultiplier * s.MaxTokensPerCall
}

// TokenCost returns the exact settlement cost for a reported token count.
func (s Schedule) TokenCost(totalTokens int) int64 {
	if totalTokens <= 0 {
		return 0
	}
	return int64(totalTokens) * s.PricePerToken
}
