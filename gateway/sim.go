package gateway

import (
	"context"
	"sync"

	"github.com/rustyeddy/copytrader/market"
	"github.com/rustyeddy/copytrader/pkg/id"
)

// Sim fills orders at the requested price. FillRatio below 1 produces
// partial fills; FailNext queues a one-shot rejection.
type Sim struct {
	mu        sync.Mutex
	fillRatio float64
	nextErr   error
	placed    int
}

func NewSim() *Sim {
	return &Sim{fillRatio: 1.0}
}

// SetFillRatio sets the portion of each order that fills, in (0, 1].
func (s *Sim) SetFillRatio(r float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r > 0 && r <= 1 {
		s.fillRatio = r
	}
}

// FailNext makes the next Place return a Rejection with the given reason.
func (s *Sim) FailNext(reasonCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = Rejection{ReasonCode: reasonCode}
}

// Placed reports how many orders reached the venue.
func (s *Sim) Placed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placed
}

func (s *Sim) Place(ctx context.Context, req Request) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextErr != nil {
		err := s.nextErr
		s.nextErr = nil
		return Fill{}, err
	}

	s.placed++
	return Fill{
		ExecutedPrice: req.Price,
		ExecutedSize:  market.Cash(req.Size * s.fillRatio),
		ExternalID:    "sim-" + id.New(),
	}, nil
}
