// Package ledger tracks asset balances for broker identities.
//
// Flow:
//  1. A deposit is observed on-chain and credited to the depositor
//  2. The broker moves funds between identities and the pooled custodial
//     account as offers escrow and settle
//  3. Every movement leaves a pair of history entries
//
// Amounts are base units of the asset (no decimals).
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fairbroker/fairbroker/internal/logging"
	"github.com/fairbroker/fairbroker/internal/metrics"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Entry represents one side of a ledger movement.
type Entry struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Type      string    `json:"type"` // deposit, transfer_in, transfer_out
	Amount    uint64    `json:"amount"`
	TxHash    string    `json:"txHash,omitempty"`
	Reference string    `json:"reference,omitempty"` // offer reference, deposit note
	CreatedAt time.Time `json:"createdAt"`
}

// Balance represents an identity's balance.
type Balance struct {
	Account   string    `json:"account"`
	Available uint64    `json:"available"`
	TotalIn   uint64    `json:"totalIn"`
	TotalOut  uint64    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and history.
//
// Transfer debits and credits in one atomic step; a failed transfer leaves
// both balances untouched.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	Credit(ctx context.Context, account string, amount uint64, txHash, reference string) error
	Transfer(ctx context.Context, from, to string, amount uint64, reference string) error
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages identity balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an identity's current balance. Unknown identities have
// a zero balance, not an error.
func (l *Ledger) GetBalance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(account))
}

// Deposit credits an identity's balance (called when a deposit is detected
// on-chain, or by the admin funding endpoint). The tx hash dedupes repeated
// observations of the same transfer.
func (l *Ledger) Deposit(ctx context.Context, account string, amount uint64, txHash string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	if txHash != "" {
		exists, err := l.store.HasDeposit(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateDeposit
		}
	}

	if err := l.store.Credit(ctx, strings.ToLower(account), amount, txHash, "deposit"); err != nil {
		return err
	}
	metrics.DepositsTotal.Inc()
	return nil
}

// Transfer moves funds between two identities. A transfer to self checks
// the balance but moves nothing.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount uint64, reference string) error {
	if amount == 0 {
		return ErrInvalidAmount
	}

	from = strings.ToLower(from)
	to = strings.ToLower(to)

	if from == to {
		bal, err := l.store.GetBalance(ctx, from)
		if err != nil {
			return err
		}
		if bal.Available < amount {
			return ErrInsufficientBalance
		}
		logging.L(ctx).Warn("self transfer is a no-op",
			slog.String("account", from),
			slog.Uint64("amount", amount),
			slog.String("reference", reference))
		return nil
	}

	if err := l.store.Transfer(ctx, from, to, amount, reference); err != nil {
		return err
	}
	metrics.CustodyTransfersTotal.Inc()
	return nil
}

// GetHistory returns ledger entries for an identity, newest first.
func (l *Ledger) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, strings.ToLower(account), limit)
}
