//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fairbroker/fairbroker/internal/testutil"
)

func TestPostgresLedger_CreditAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "alice", 500, "0xtx1", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Credit(ctx, "alice", 250, "0xtx2", "deposit"); err != nil {
		t.Fatalf("Second credit failed: %v", err)
	}

	bal, err := store.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != 750 || bal.TotalIn != 750 {
		t.Errorf("Expected 750 available/in, got %d/%d", bal.Available, bal.TotalIn)
	}

	// Unknown accounts read as zero
	bal, err = store.GetBalance(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetBalance for unknown account failed: %v", err)
	}
	if bal.Available != 0 {
		t.Errorf("Expected zero balance, got %d", bal.Available)
	}

	exists, err := store.HasDeposit(ctx, "0xtx1")
	if err != nil || !exists {
		t.Errorf("Expected deposit 0xtx1 recorded, got %v/%v", exists, err)
	}
	exists, _ = store.HasDeposit(ctx, "0xother")
	if exists {
		t.Error("Expected unknown tx hash to be absent")
	}
}

func TestPostgresLedger_Transfer(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "alice", 300, "0xtx1", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	if err := store.Transfer(ctx, "alice", "custody", 100, "offer_1"); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	alice, _ := store.GetBalance(ctx, "alice")
	custody, _ := store.GetBalance(ctx, "custody")
	if alice.Available != 200 || custody.Available != 100 {
		t.Errorf("Expected 200/100, got %d/%d", alice.Available, custody.Available)
	}
	if alice.TotalOut != 100 || custody.TotalIn != 100 {
		t.Errorf("Expected totals 100/100, got %d/%d", alice.TotalOut, custody.TotalIn)
	}

	// Overdraft rolls the whole transfer back
	if err := store.Transfer(ctx, "alice", "custody", 1000, "offer_2"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
	alice, _ = store.GetBalance(ctx, "alice")
	custody, _ = store.GetBalance(ctx, "custody")
	if alice.Available != 200 || custody.Available != 100 {
		t.Errorf("Expected balances unchanged after failed transfer, got %d/%d",
			alice.Available, custody.Available)
	}

	history, err := store.GetHistory(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 entries (deposit + transfer_out), got %d", len(history))
	}
	if history[0].Type != "transfer_out" || history[0].Reference != "offer_1" {
		t.Errorf("Expected newest entry transfer_out/offer_1, got %s/%s",
			history[0].Type, history[0].Reference)
	}
}

func TestPostgresLedger_ConcurrentTransfers(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Credit(ctx, "alice", 100, "0xtx1", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Credit(ctx, "bob", 100, "0xtx2", "deposit"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	// Opposing transfers between the same pair must not deadlock, and the
	// total supply must be conserved whatever interleaving happens.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Transfer(ctx, "alice", "bob", 10, "ping")
		}()
		go func() {
			defer wg.Done()
			store.Transfer(ctx, "bob", "alice", 10, "pong")
		}()
	}
	wg.Wait()

	alice, _ := store.GetBalance(ctx, "alice")
	bob, _ := store.GetBalance(ctx, "bob")
	if alice.Available+bob.Available != 200 {
		t.Errorf("Fund conservation violated: %d + %d != 200", alice.Available, bob.Available)
	}
}
