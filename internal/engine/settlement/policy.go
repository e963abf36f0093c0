// internal/engine/settlement/policy.go
package settlement

// SlashPolicy decides what fraction of a losing endorser's stake is
// forfeited. Implementations must stay within [0, 1] and may never slash
// more than the bid amount.
type SlashPolicy interface {
	// Rate returns the slash fraction for an expert with the given
	// reputation score (normalized to [0, 1]).
	Rate(reputation float64) float64
}

// ReputationWeighted slashes low-reputation experts harder. The rate is
// base * (1 - reputation), clamped to [0, max]. A perfect-reputation expert
// loses nothing beyond the opportunity cost of the locked stake.
type ReputationWeighted struct {
	// Base is the slash fraction applied at reputation zero.
	Base float64
	// Max caps the fraction regardless of reputation.
	Max float64
}

func (p ReputationWeighted) Rate(reputation float64) float64 {
	if reputation < 0 {
		reputation = 0
	}
	if reputation > 1 {
		reputation = 1
	}
	rate := p.Base * (1 - reputation)
	if rate < 0 {
		rate = 0
	}
	if rate > p.Max {
		rate = p.Max
	}
	return rate
}

// FlatRate slashes every loser the same fraction, ignoring reputation.
type FlatRate struct {
	Fraction float64
}

func (p FlatRate) Rate(float64) float64 {
	if p.Fraction < 0 {
		return 0
	}
	if p.Fraction > 1 {
		return 1
	}
	return p.Fraction
}
