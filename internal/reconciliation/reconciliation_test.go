package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fairbroker/fairbroker/internal/broker"
	"github.com/fairbroker/fairbroker/internal/ledger"
)

type mockOffers struct {
	offers []*broker.Offer
	err    error
}

func (m *mockOffers) List(_ context.Context, _ broker.Query, _ int) ([]*broker.Offer, error) {
	return m.offers, m.err
}

type mockBalances struct {
	available uint64
	err       error
}

func (m *mockBalances) GetBalance(_ context.Context, account string) (*ledger.Balance, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &ledger.Balance{Account: account, Available: m.available}, nil
}

func strPtr(s string) *string { return &s }

func sellOffer(id, amount uint64) *broker.Offer {
	return &broker.Offer{ID: id, Creator: "alice", AssetAmount: amount, Direction: broker.DirectionSell}
}

func buyOffer(id, amount uint64, counterparty string) *broker.Offer {
	o := &broker.Offer{ID: id, Creator: "alice", AssetAmount: amount, Direction: broker.DirectionBuy}
	if counterparty != "" {
		o.Counterparty = strPtr(counterparty)
	}
	return o
}

func TestCheckCustody_Match(t *testing.T) {
	// Sell 300 (escrowed at create) + matched buy 200 (escrowed at accept) = 500
	offers := &mockOffers{offers: []*broker.Offer{
		sellOffer(1, 300),
		buyOffer(2, 200, "bob"),
	}}
	balances := &mockBalances{available: 500}

	svc := NewService(offers, balances, "custody")
	result, err := svc.CheckCustody(context.Background())
	if err != nil {
		t.Fatalf("CheckCustody failed: %v", err)
	}

	if !result.Match {
		t.Errorf("expected match: custody=%d expected=%d diff=%d",
			result.CustodyBalance, result.ExpectedEscrow, result.Diff)
	}
	if result.EscrowedOffers != 2 {
		t.Errorf("expected 2 escrowed offers, got %d", result.EscrowedOffers)
	}
}

func TestCheckCustody_UnmatchedBuyNotEscrowed(t *testing.T) {
	// An open buy offer holds nothing in custody yet
	offers := &mockOffers{offers: []*broker.Offer{
		buyOffer(1, 1000, ""),
	}}
	balances := &mockBalances{available: 0}

	svc := NewService(offers, balances, "custody")
	result, err := svc.CheckCustody(context.Background())
	if err != nil {
		t.Fatalf("CheckCustody failed: %v", err)
	}

	if !result.Match {
		t.Errorf("expected match with empty custody, got diff %d", result.Diff)
	}
	if result.LiveOffers != 1 || result.EscrowedOffers != 0 {
		t.Errorf("expected 1 live / 0 escrowed, got %d / %d", result.LiveOffers, result.EscrowedOffers)
	}
}

func TestCheckCustody_CustodyShort(t *testing.T) {
	offers := &mockOffers{offers: []*broker.Offer{sellOffer(1, 500)}}
	balances := &mockBalances{available: 450}

	svc := NewService(offers, balances, "custody")
	result, err := svc.CheckCustody(context.Background())
	if err != nil {
		t.Fatalf("CheckCustody failed: %v", err)
	}

	if result.Match {
		t.Error("expected mismatch when custody is short")
	}
	if result.Diff != -50 {
		t.Errorf("expected diff -50, got %d", result.Diff)
	}
}

func TestCheckCustody_CustodyExcess(t *testing.T) {
	offers := &mockOffers{offers: []*broker.Offer{sellOffer(1, 500)}}
	balances := &mockBalances{available: 600}

	svc := NewService(offers, balances, "custody")
	result, err := svc.CheckCustody(context.Background())
	if err != nil {
		t.Fatalf("CheckCustody failed: %v", err)
	}

	if result.Match {
		t.Error("expected mismatch when custody holds excess funds")
	}
	if result.Diff != 100 {
		t.Errorf("expected diff 100, got %d", result.Diff)
	}
}

func TestCheckCustody_ListError(t *testing.T) {
	offers := &mockOffers{err: errors.New("store down")}
	balances := &mockBalances{available: 0}

	svc := NewService(offers, balances, "custody")
	if _, err := svc.CheckCustody(context.Background()); err == nil {
		t.Error("expected error when offer listing fails")
	}
}

func TestCheckCustody_BalanceError(t *testing.T) {
	offers := &mockOffers{offers: nil}
	balances := &mockBalances{err: errors.New("store down")}

	svc := NewService(offers, balances, "custody")
	if _, err := svc.CheckCustody(context.Background()); err == nil {
		t.Error("expected error when balance read fails")
	}
}

func TestTimer_StartStop(t *testing.T) {
	offers := &mockOffers{offers: nil}
	balances := &mockBalances{available: 0}
	svc := NewService(offers, balances, "custody")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	timer := NewTimer(svc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}
