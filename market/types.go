package market

import "time"

// Cash is an amount in the account currency.
type Cash = float64

// Price is a market price. For binary-outcome markets this is the
// probability-priced entry in (0, 1).
type Price = float64

// Probability is an estimated win probability in [0, 1].
type Probability = float64

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is one copyable trade event delivered by the signal source.
type Signal struct {
	TraderID        string
	MarketID        string
	Side            Side
	Price           Price
	Size            Cash
	WinProbability  Probability
	ConvictionRatio float64 // trade size relative to the trader's historical average
	Time            time.Time
}
