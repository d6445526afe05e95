// Package gateway defines the execution-gateway contract. The real venue
// integration is an external collaborator; Sim is enough to exercise the
// pipeline end to end.
package gateway

import (
	"context"

	"github.com/rustyeddy/copytrader/market"
)

type Request struct {
	StrategyID string
	OrderID    string
	Side       market.Side
	Price      market.Price
	Size       market.Cash
}

type Fill struct {
	ExecutedPrice market.Price
	ExecutedSize  market.Cash
	ExternalID    string
}

// Rejection is a terminal gateway refusal. It is recorded on the order,
// not retried at the same price.
type Rejection struct {
	ReasonCode string
}

func (r Rejection) Error() string {
	return "gateway rejected order: " + r.ReasonCode
}

type Gateway interface {
	Place(ctx context.Context, req Request) (Fill, error)
}
