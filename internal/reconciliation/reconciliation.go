// Package reconciliation verifies fund conservation: the custody account
// must hold exactly the escrow of every live offer.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/fairbroker/fairbroker/internal/broker"
	"github.com/fairbroker/fairbroker/internal/ledger"
)

// maxOffers bounds a single reconciliation sweep. Live offers are deleted
// on settlement so the working set stays small.
const maxOffers = 10000

// OfferLister lists live offers. Satisfied by *broker.Service.
type OfferLister interface {
	List(ctx context.Context, q broker.Query, limit int) ([]*broker.Offer, error)
}

// BalanceReader reads account balances. Satisfied by *ledger.Ledger.
type BalanceReader interface {
	GetBalance(ctx context.Context, account string) (*ledger.Balance, error)
}

// Result holds the outcome of a custody reconciliation check.
type Result struct {
	Match          bool   `json:"match"`
	CustodyBalance uint64 `json:"custodyBalance"`
	ExpectedEscrow uint64 `json:"expectedEscrow"`
	Diff           int64  `json:"diff"` // custody - expected
	LiveOffers     int    `json:"liveOffers"`
	EscrowedOffers int    `json:"escrowedOffers"`
}

// Service checks the custody balance against the escrow implied by the
// current offer set.
type Service struct {
	offers         OfferLister
	balances       BalanceReader
	custodyAccount string
}

// NewService creates a reconciliation service.
func NewService(offers OfferLister, balances BalanceReader, custodyAccount string) *Service {
	return &Service{
		offers:         offers,
		balances:       balances,
		custodyAccount: custodyAccount,
	}
}

// CheckCustody compares the custody account balance against the sum of
// escrowed amounts across live offers. Sell offers escrow from creation;
// buy offers only once matched. Escrow moves in whole units, so any
// nonzero difference is a defect.
func (s *Service) CheckCustody(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	offers, err := s.offers.List(ctx, broker.Query{}, maxOffers)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}

	var expected uint64
	escrowed := 0
	for _, o := range offers {
		if o.Direction == broker.DirectionSell || o.Matched() {
			expected += o.AssetAmount
			escrowed++
		}
	}

	bal, err := s.balances.GetBalance(ctx, s.custodyAccount)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to read custody balance: %w", err)
	}

	diff := int64(bal.Available) - int64(expected)
	reconcileCustodyDiff.Set(float64(diff))
	reconcileEscrowedOffers.Set(float64(escrowed))

	return &Result{
		Match:          diff == 0,
		CustodyBalance: bal.Available,
		ExpectedEscrow: expected,
		Diff:           diff,
		LiveOffers:     len(offers),
		EscrowedOffers: escrowed,
	}, nil
}
