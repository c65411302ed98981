package watcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/fairbroker/fairbroker/internal/circuitbreaker"
)

type recordedDeposit struct {
	account string
	amount  uint64
	txHash  string
}

type mockCreditor struct {
	deposits []recordedDeposit
	err      error
}

func (m *mockCreditor) Deposit(_ context.Context, account string, amount uint64, txHash string) error {
	if m.err != nil {
		return m.err
	}
	m.deposits = append(m.deposits, recordedDeposit{account, amount, txHash})
	return nil
}

type mockChecker struct {
	registered map[string]bool
}

func (m *mockChecker) IsRegistered(_ context.Context, address string) bool {
	return m.registered[address]
}

func newTestWatcher(creditor DepositCreditor, checker IdentityChecker) *Watcher {
	return &Watcher{
		config:    DefaultConfig(),
		creditor:  creditor,
		checker:   checker,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		breaker:   circuitbreaker.New(5, time.Minute),
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func transferLog(from common.Address, to common.Address, amount *big.Int, txHash string) types.Log {
	return types.Log{
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:   common.LeftPadBytes(amount.Bytes(), 32),
		TxHash: common.HexToHash(txHash),
	}
}

var (
	sender = common.HexToAddress("0xAbCd000000000000000000000000000000000001")
	vault  = common.HexToAddress("0x1234000000000000000000000000000000000002")
)

// ---------------------------------------------------------------------------
// processTransfer tests
// ---------------------------------------------------------------------------

func TestProcessTransfer_CreditsSender(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	vLog := transferLog(sender, vault, big.NewInt(2500), "0xaa")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}

	if len(creditor.deposits) != 1 {
		t.Fatalf("Expected 1 deposit, got %d", len(creditor.deposits))
	}
	d := creditor.deposits[0]
	if d.account != "0xabcd000000000000000000000000000000000001" {
		t.Errorf("Expected lowercase sender address, got %q", d.account)
	}
	if d.amount != 2500 {
		t.Errorf("Expected amount 2500, got %d", d.amount)
	}
	if d.txHash != vLog.TxHash.Hex() {
		t.Errorf("Expected txHash %q, got %q", vLog.TxHash.Hex(), d.txHash)
	}
}

func TestProcessTransfer_DedupesTxHash(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	vLog := transferLog(sender, vault, big.NewInt(100), "0xbb")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() second call error: %v", err)
	}

	if len(creditor.deposits) != 1 {
		t.Errorf("Expected 1 deposit after duplicate, got %d", len(creditor.deposits))
	}
}

func TestProcessTransfer_RetriesAfterCreditFailure(t *testing.T) {
	creditor := &mockCreditor{err: errors.New("db down")}
	w := newTestWatcher(creditor, nil)

	vLog := transferLog(sender, vault, big.NewInt(100), "0xcc")
	if err := w.processTransfer(context.Background(), vLog); err == nil {
		t.Fatal("Expected error when creditor fails")
	}

	// The failed tx must not stay marked as processed
	creditor.err = nil
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() retry error: %v", err)
	}
	if len(creditor.deposits) != 1 {
		t.Errorf("Expected 1 deposit after retry, got %d", len(creditor.deposits))
	}
}

func TestProcessTransfer_SkipsZeroAmount(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	vLog := transferLog(sender, vault, big.NewInt(0), "0xdd")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}
	if len(creditor.deposits) != 0 {
		t.Errorf("Expected no deposits for zero amount, got %d", len(creditor.deposits))
	}
}

func TestProcessTransfer_SkipsOverflowAmount(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	huge := new(big.Int).Lsh(big.NewInt(1), 80)
	vLog := transferLog(sender, vault, huge, "0xee")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}
	if len(creditor.deposits) != 0 {
		t.Errorf("Expected no deposits for overflow amount, got %d", len(creditor.deposits))
	}

	// Oversized transfers are final, not retried
	w.mu.Lock()
	marked := w.processed[vLog.TxHash.Hex()]
	w.mu.Unlock()
	if !marked {
		t.Error("Expected overflow tx to stay marked as processed")
	}
}

func TestProcessTransfer_SkipsUnregisteredSender(t *testing.T) {
	creditor := &mockCreditor{}
	checker := &mockChecker{registered: map[string]bool{}}
	w := newTestWatcher(creditor, checker)

	vLog := transferLog(sender, vault, big.NewInt(500), "0xff")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}
	if len(creditor.deposits) != 0 {
		t.Errorf("Expected no deposits for unregistered sender, got %d", len(creditor.deposits))
	}

	// Registration may happen after the deposit, so the tx is retryable
	checker.registered["0xabcd000000000000000000000000000000000001"] = true
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() after registration error: %v", err)
	}
	if len(creditor.deposits) != 1 {
		t.Errorf("Expected 1 deposit after registration, got %d", len(creditor.deposits))
	}
}

func TestProcessTransfer_InvalidLog(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	vLog := types.Log{Topics: []common.Hash{transferEventSig}, TxHash: common.HexToHash("0x01")}
	if err := w.processTransfer(context.Background(), vLog); err == nil {
		t.Fatal("Expected error for log with missing topics")
	}
}

func TestProcessTransfer_NotifyCallback(t *testing.T) {
	creditor := &mockCreditor{}
	w := newTestWatcher(creditor, nil)

	var notified []recordedDeposit
	w.WithNotify(func(account string, amount uint64, txHash string) {
		notified = append(notified, recordedDeposit{account, amount, txHash})
	})

	vLog := transferLog(sender, vault, big.NewInt(750), "0x0a")
	if err := w.processTransfer(context.Background(), vLog); err != nil {
		t.Fatalf("processTransfer() error: %v", err)
	}

	if len(notified) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notified))
	}
	if notified[0].amount != 750 {
		t.Errorf("Expected notified amount 750, got %d", notified[0].amount)
	}
}

// ---------------------------------------------------------------------------
// Config tests
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PollInterval == 0 {
		t.Error("Expected non-zero poll interval")
	}
	if cfg.StartBlock != 0 {
		t.Errorf("Expected start block 0, got %d", cfg.StartBlock)
	}
}
