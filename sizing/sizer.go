// Package sizing converts a signal and available capital into a bet size.
// Size is a pure function; the method is picked by strategy configuration.
package sizing

import (
	"fmt"
	"sort"

	"github.com/rustyeddy/copytrader/market"
)

type Method string

const (
	MethodFixed      Method = "FIXED"
	MethodKelly      Method = "KELLY"
	MethodEdgeScaled Method = "EDGE_SCALED"
	MethodConviction Method = "CONVICTION"
	MethodTiered     Method = "TIERED"
)

// Tier maps a signal-size band to a discrete bet. Bands are matched from
// the largest Min downward.
type Tier struct {
	Min market.Cash `json:"min" yaml:"min"`
	Bet market.Cash `json:"bet" yaml:"bet"`
}

type Config struct {
	Method         Method      `json:"method" yaml:"method"`
	FixedBet       market.Cash `json:"fixed_bet" yaml:"fixed_bet"`
	KellyFraction  float64     `json:"kelly_fraction" yaml:"kelly_fraction"`
	EdgeMultiplier market.Cash `json:"edge_multiplier" yaml:"edge_multiplier"`
	ConvictionBase market.Cash `json:"conviction_base" yaml:"conviction_base"`
	Tiers          []Tier      `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	MinBet         market.Cash `json:"min_bet" yaml:"min_bet"`
	MaxBet         market.Cash `json:"max_bet" yaml:"max_bet"`
}

func (c Config) Validate() error {
	switch c.Method {
	case MethodFixed:
		if c.FixedBet <= 0 {
			return fmt.Errorf("fixed_bet must be positive")
		}
	case MethodKelly:
		if c.KellyFraction <= 0 || c.KellyFraction > 1 {
			return fmt.Errorf("kelly_fraction must be in (0, 1]")
		}
	case MethodEdgeScaled:
		if c.EdgeMultiplier <= 0 {
			return fmt.Errorf("edge_multiplier must be positive")
		}
	case MethodConviction:
		if c.ConvictionBase <= 0 {
			return fmt.Errorf("conviction_base must be positive")
		}
	case MethodTiered:
		if len(c.Tiers) == 0 {
			return fmt.Errorf("tiers must not be empty")
		}
	default:
		return fmt.Errorf("unknown sizing method %q", c.Method)
	}
	if c.MinBet < 0 {
		return fmt.Errorf("min_bet must not be negative")
	}
	if c.MaxBet <= 0 || c.MaxBet < c.MinBet {
		return fmt.Errorf("max_bet must be positive and >= min_bet")
	}
	return nil
}

// Size returns the bet amount for sig, clamped to [MinBet, MaxBet] and then
// to available cash. Zero means "do not trade" and is a valid outcome, not
// an error.
func Size(sig market.Signal, c Config, available market.Cash) market.Cash {
	var raw market.Cash

	switch c.Method {
	case MethodFixed:
		raw = c.FixedBet
	case MethodKelly:
		raw = kelly(sig, c, available)
	case MethodEdgeScaled:
		raw = c.EdgeMultiplier * (sig.WinProbability - sig.Price)
	case MethodConviction:
		raw = c.ConvictionBase * sig.ConvictionRatio
	case MethodTiered:
		raw = tiered(sig, c.Tiers)
	}

	return clamp(raw, c, available)
}

// kelly computes the full Kelly stake for a binary-outcome entry priced at
// sig.Price, then applies the configured fractional multiplier. f* =
// (p*b - q)/b with b = (1-price)/price; a non-positive edge sizes to zero.
func kelly(sig market.Signal, c Config, available market.Cash) market.Cash {
	p := sig.WinProbability
	price := sig.Price
	if price <= 0 || price >= 1 || p <= 0 || p >= 1 {
		return 0
	}

	b := (1 - price) / price
	f := (p*b - (1 - p)) / b
	if f <= 0 {
		return 0
	}
	return available * f * c.KellyFraction
}

func tiered(sig market.Signal, tiers []Tier) market.Cash {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })

	for _, t := range sorted {
		if sig.Size >= t.Min {
			return t.Bet
		}
	}
	return 0
}

func clamp(raw market.Cash, c Config, available market.Cash) market.Cash {
	if raw <= 0 {
		return 0
	}
	amount := raw
	if amount > c.MaxBet {
		amount = c.MaxBet
	}
	if amount > available {
		amount = available
	}
	if amount < c.MinBet {
		return 0
	}
	return amount
}
