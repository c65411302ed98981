package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
)

const custodyAddr = "custody"

// mockCustody tracks balances so tests can assert fund conservation.
type mockCustody struct {
	mu       sync.Mutex
	balances map[string]uint64
	moves    []move
}

type move struct {
	from, to  string
	amount    uint64
	reference string
}

func newMockCustody(balances map[string]uint64) *mockCustody {
	if balances == nil {
		balances = make(map[string]uint64)
	}
	return &mockCustody{balances: balances}
}

func (m *mockCustody) MoveAsset(ctx context.Context, from, to string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[from] < amount {
		return ErrInsufficientFunds
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	m.moves = append(m.moves, move{from, to, amount, reference})
	return nil
}

func (m *mockCustody) balance(account string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

func (m *mockCustody) totalSupply() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, b := range m.balances {
		total += b
	}
	return total
}

// failingCustody returns an error on every transfer.
type failingCustody struct {
	err   error
	calls int
}

func (f *failingCustody) MoveAsset(ctx context.Context, from, to string, amount uint64, reference string) error {
	f.calls++
	return f.err
}

// mockEmitter captures notifications in order.
type mockEmitter struct {
	mu     sync.Mutex
	events []EventType
}

func (m *mockEmitter) OfferEvent(ctx context.Context, typ EventType, offer *Offer, actor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, typ)
}

func newTestService(balances map[string]uint64) (*Service, *mockCustody) {
	custody := newMockCustody(balances)
	svc := NewService(NewMemoryStore(), custody, custodyAddr, "admin")
	return svc, custody
}

func TestBroker_SellHappyPath(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 1000, "bob": 500})
	emitter := &mockEmitter{}
	svc.WithEvents(emitter)
	ctx := context.Background()

	supplyBefore := custody.totalSupply()

	offer, err := svc.Create(ctx, "alice", "arby", 100, 250, DirectionSell)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if offer.ID == 0 {
		t.Error("Expected non-zero offer id")
	}
	if custody.balance("alice") != 900 {
		t.Errorf("Expected alice escrowed down to 900, got %d", custody.balance("alice"))
	}
	if custody.balance(custodyAddr) != 100 {
		t.Errorf("Expected 100 in custody, got %d", custody.balance(custodyAddr))
	}

	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	got, _ := svc.Get(ctx, offer.ID)
	if !got.Matched() || *got.Counterparty != "bob" {
		t.Fatalf("Expected offer matched to bob, got %+v", got)
	}
	// Sell offers already escrowed at creation; accept moves nothing.
	if custody.balance("bob") != 500 {
		t.Errorf("Expected bob untouched at 500, got %d", custody.balance("bob"))
	}

	// One mark does not settle
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Creator Complete failed: %v", err)
	}
	got, _ = svc.Get(ctx, offer.ID)
	if !got.CreatorMarked || got.CounterpartyMarked {
		t.Errorf("Expected only creator marked, got %+v", got)
	}
	if custody.balance(custodyAddr) != 100 {
		t.Error("Expected funds still in custody after single mark")
	}

	// Second mark settles to the counterparty (the non-supplier on a sell)
	if _, err := svc.Complete(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Counterparty Complete failed: %v", err)
	}
	if custody.balance("bob") != 600 {
		t.Errorf("Expected bob to receive escrow (600), got %d", custody.balance("bob"))
	}
	if custody.balance(custodyAddr) != 0 {
		t.Errorf("Expected custody drained, got %d", custody.balance(custodyAddr))
	}
	if _, err := svc.Get(ctx, offer.ID); err != ErrOfferNotFound {
		t.Errorf("Expected settled offer removed, got %v", err)
	}

	if custody.totalSupply() != supplyBefore {
		t.Errorf("Fund conservation violated: %d != %d", custody.totalSupply(), supplyBefore)
	}

	want := []EventType{EventOfferCreated, EventOfferAccepted, EventCompletionMarked, EventCompletionMarked, EventFundsReleased}
	if len(emitter.events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(emitter.events), emitter.events)
	}
	for i, typ := range want {
		if emitter.events[i] != typ {
			t.Errorf("Event %d: expected %s, got %s", i, typ, emitter.events[i])
		}
	}
}

func TestBroker_BuyDirection(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 100, "bob": 300})
	ctx := context.Background()

	// Buy offer: nothing escrowed at creation
	offer, err := svc.Create(ctx, "alice", "arby", 200, 50, DirectionBuy)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if custody.balance(custodyAddr) != 0 {
		t.Error("Expected no escrow at creation for a buy offer")
	}

	// Acceptance escrows from the counterparty
	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if custody.balance("bob") != 100 {
		t.Errorf("Expected bob escrowed down to 100, got %d", custody.balance("bob"))
	}
	if custody.balance(custodyAddr) != 200 {
		t.Errorf("Expected 200 in custody, got %d", custody.balance(custodyAddr))
	}

	// Settlement pays the creator (the non-supplier on a buy)
	if _, err := svc.Complete(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if custody.balance("alice") != 300 {
		t.Errorf("Expected alice to receive escrow (300), got %d", custody.balance("alice"))
	}
}

func TestBroker_BuyAcceptInsufficientFunds(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 100, "bob": 50})
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 200, 0, DirectionBuy)

	_, err := svc.Accept(ctx, "bob", offer.ID)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Failed accept leaves the offer open and funds untouched
	got, _ := svc.Get(ctx, offer.ID)
	if got.Matched() {
		t.Error("Expected offer still open after failed escrow")
	}
	if custody.balance("bob") != 50 {
		t.Errorf("Expected bob untouched, got %d", custody.balance("bob"))
	}
}

func TestBroker_CreateValidation(t *testing.T) {
	svc, _ := newTestService(map[string]uint64{"alice": 10})
	ctx := context.Background()

	if _, err := svc.Create(ctx, "alice", "arby", 0, 10, DirectionSell); err != ErrInvalidAmount {
		t.Errorf("Expected ErrInvalidAmount for zero amount, got %v", err)
	}
	if _, err := svc.Create(ctx, "alice", "arby", 5, 10, Direction("sideways")); err == nil {
		t.Error("Expected error for unknown direction")
	}
	if _, err := svc.Create(ctx, "alice", "arby", 100, 10, DirectionSell); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBroker_IdentityNormalization(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 100})
	ctx := context.Background()

	offer, err := svc.Create(ctx, "ALICE", "ArBy", 40, 0, DirectionSell)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if offer.Creator != "alice" || offer.Arbiter != "arby" {
		t.Errorf("Expected lowercased identities, got %s / %s", offer.Creator, offer.Arbiter)
	}
	if custody.balance("alice") != 60 {
		t.Errorf("Expected escrow from lowercased account, got balance %d", custody.balance("alice"))
	}

	// Mixed-case creator can still cancel
	if err := svc.Cancel(ctx, "Alice", offer.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if custody.balance("alice") != 100 {
		t.Errorf("Expected refund to 100, got %d", custody.balance("alice"))
	}
}

func TestBroker_MonotonicIDs(t *testing.T) {
	svc, _ := newTestService(map[string]uint64{"alice": 1000})
	ctx := context.Background()

	first, _ := svc.Create(ctx, "alice", "arby", 10, 0, DirectionSell)
	if err := svc.Cancel(ctx, "alice", first.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	second, _ := svc.Create(ctx, "alice", "arby", 10, 0, DirectionSell)
	if second.ID <= first.ID {
		t.Errorf("Expected id after removal to keep increasing: %d then %d", first.ID, second.ID)
	}
}

func TestBroker_Cancel(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 100, "bob": 100})
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 60, 0, DirectionSell)

	// Only the creator may cancel
	if err := svc.Cancel(ctx, "bob", offer.ID); err != ErrNotAuthorized {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}

	if err := svc.Cancel(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if custody.balance("alice") != 100 {
		t.Errorf("Expected full refund, got %d", custody.balance("alice"))
	}
	if _, err := svc.Get(ctx, offer.ID); err != ErrOfferNotFound {
		t.Errorf("Expected cancelled offer removed, got %v", err)
	}

	// Matched offers cannot be cancelled
	offer, _ = svc.Create(ctx, "alice", "arby", 30, 0, DirectionSell)
	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := svc.Cancel(ctx, "alice", offer.ID); err != ErrAlreadyMatched {
		t.Errorf("Expected ErrAlreadyMatched, got %v", err)
	}
}

func TestBroker_CancelBuyOfferMovesNoFunds(t *testing.T) {
	svc, custody := newTestService(map[string]uint64{"alice": 100})
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 500, 0, DirectionBuy)
	if err := svc.Cancel(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(custody.moves) != 0 {
		t.Errorf("Expected no transfers for unescrowed offer, got %d", len(custody.moves))
	}
}

func TestBroker_DoubleAccept(t *testing.T) {
	svc, _ := newTestService(map[string]uint64{"alice": 100})
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 50, 0, DirectionSell)
	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("First Accept failed: %v", err)
	}
	if _, err := svc.Accept(ctx, "carol", offer.ID); err != ErrAlreadyMatched {
		t.Errorf("Expected ErrAlreadyMatched, got %v", err)
	}
}

func TestBroker_CompleteErrors(t *testing.T) {
	svc, _ := newTestService(map[string]uint64{"alice": 100})
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 50, 0, DirectionSell)

	// Unmatched offers cannot be completed
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != ErrNotMatched {
		t.Errorf("Expected ErrNotMatched, got %v", err)
	}

	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// Strangers are not participants
	if _, err := svc.Complete(ctx, "carol", offer.ID); err != ErrNotAParticipant {
		t.Errorf("Expected ErrNotAParticipant, got %v", err)
	}

	// Same side cannot mark twice
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != ErrAlreadyMarkedComplete {
		t.Errorf("Expected ErrAlreadyMarkedComplete, got %v", err)
	}

	// Unknown offer
	if _, err := svc.Complete(ctx, "alice", 9999); err != ErrOfferNotFound {
		t.Errorf("Expected ErrOfferNotFound, got %v", err)
	}
}

func TestBroker_CreateStoreFailureReversesEscrow(t *testing.T) {
	custody := newMockCustody(map[string]uint64{"alice": 100})
	store := &failingStore{Store: NewMemoryStore(), createErr: errors.New("db down")}
	svc := NewService(store, custody, custodyAddr, "admin")

	_, err := svc.Create(context.Background(), "alice", "arby", 40, 0, DirectionSell)
	if err == nil {
		t.Fatal("Expected Create to fail")
	}
	if custody.balance("alice") != 100 {
		t.Errorf("Expected escrow reversed after store failure, got %d", custody.balance("alice"))
	}
	if custody.balance(custodyAddr) != 0 {
		t.Errorf("Expected custody empty after compensation, got %d", custody.balance(custodyAddr))
	}
}

func TestBroker_CompleteReleaseFailureKeepsOffer(t *testing.T) {
	store := NewMemoryStore()
	custody := newMockCustody(map[string]uint64{"alice": 100})
	svc := NewService(store, custody, custodyAddr, "admin")
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 50, 0, DirectionSell)
	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Swap in a custody that refuses the release
	svc.custody = &failingCustody{err: errors.New("node unreachable")}
	if _, err := svc.Complete(ctx, "bob", offer.ID); err == nil {
		t.Fatal("Expected Complete to fail when release fails")
	}

	// Offer survives so settlement can be retried; the second mark is not
	// persisted, so retrying Complete re-attempts the release.
	got, err := svc.Get(ctx, offer.ID)
	if err != nil {
		t.Fatalf("Expected offer to survive failed release: %v", err)
	}
	if got.CounterpartyMarked {
		t.Error("Expected second mark not persisted when release fails")
	}
}

func TestBroker_NotInitialized(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	if _, err := svc.Create(ctx, "alice", "arby", 10, 0, DirectionSell); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
	if _, err := svc.Accept(ctx, "bob", 1); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}

	empty := &Service{}
	if _, err := empty.Complete(ctx, "alice", 1); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
	if err := empty.Cancel(ctx, "alice", 1); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestBroker_List(t *testing.T) {
	svc, _ := newTestService(map[string]uint64{"alice": 1000, "bob": 1000})
	ctx := context.Background()

	a1, _ := svc.Create(ctx, "alice", "arby", 10, 0, DirectionSell)
	a2, _ := svc.Create(ctx, "alice", "arby", 20, 0, DirectionBuy)
	b1, _ := svc.Create(ctx, "bob", "arby", 30, 0, DirectionSell)
	if _, err := svc.Accept(ctx, "bob", a1.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	all, err := svc.List(ctx, Query{}, 50)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 offers, got %d", len(all))
	}

	alices, _ := svc.List(ctx, Query{Creator: "alice"}, 50)
	if len(alices) != 2 {
		t.Errorf("Expected 2 offers by alice, got %d", len(alices))
	}

	open, _ := svc.List(ctx, Query{OpenOnly: true}, 50)
	if len(open) != 2 {
		t.Errorf("Expected 2 open offers, got %d", len(open))
	}
	for _, o := range open {
		if o.ID == a1.ID {
			t.Error("Matched offer should not appear in open listing")
		}
	}

	buys, _ := svc.List(ctx, Query{Direction: DirectionBuy}, 50)
	if len(buys) != 1 || buys[0].ID != a2.ID {
		t.Errorf("Expected only the buy offer, got %v", buys)
	}

	sells, _ := svc.List(ctx, Query{Creator: "bob", Direction: DirectionSell}, 50)
	if len(sells) != 1 || sells[0].ID != b1.ID {
		t.Errorf("Expected bob's sell offer, got %v", sells)
	}

	limited, _ := svc.List(ctx, Query{}, 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit respected, got %d", len(limited))
	}
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	Store
	createErr error
	deleteErr error
	deletes   int
}

func (f *failingStore) Create(ctx context.Context, offer *Offer) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, offer)
}

func (f *failingStore) Delete(ctx context.Context, id uint64) error {
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.Delete(ctx, id)
}

func TestBroker_RemoveSettledRetries(t *testing.T) {
	store := &failingStore{Store: NewMemoryStore(), deleteErr: errors.New("transient")}
	custody := newMockCustody(map[string]uint64{"alice": 100})
	svc := NewService(store, custody, custodyAddr, "admin")
	ctx := context.Background()

	offer, _ := svc.Create(ctx, "alice", "arby", 50, 0, DirectionSell)
	if _, err := svc.Accept(ctx, "bob", offer.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := svc.Complete(ctx, "alice", offer.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	_, err := svc.Complete(ctx, "bob", offer.ID)
	if err == nil {
		t.Fatal("Expected Complete to report removal failure")
	}
	if store.deletes != 2 {
		t.Errorf("Expected delete to be retried once (2 calls), got %d", store.deletes)
	}
	// Funds were still released; conservation holds even in the failure path
	if custody.balance("bob") != 50 {
		t.Errorf("Expected release to bob before removal failure, got %d", custody.balance("bob"))
	}
}
