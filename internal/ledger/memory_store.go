package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fairbroker/fairbroker/internal/idgen"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  map[string][]*Entry
	deposits map[string]bool // tx hash dedupe
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make(map[string][]*Entry),
		deposits: make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) balance(account string) *Balance {
	bal, ok := m.balances[account]
	if !ok {
		bal = &Balance{Account: account}
		m.balances[account] = bal
	}
	return bal
}

func (m *MemoryStore) record(account, typ string, amount uint64, txHash, reference string) {
	entry := &Entry{
		ID:        idgen.WithPrefix("ent_"),
		Account:   account,
		Type:      typ,
		Amount:    amount,
		TxHash:    txHash,
		Reference: reference,
		CreatedAt: time.Now(),
	}
	m.entries[account] = append(m.entries[account], entry)
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[account]
	if !ok {
		return &Balance{Account: account}, nil
	}
	c := *bal
	return &c, nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, amount uint64, txHash, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(account)
	bal.Available += amount
	bal.TotalIn += amount
	bal.UpdatedAt = time.Now()

	if txHash != "" {
		m.deposits[txHash] = true
	}
	m.record(account, "deposit", amount, txHash, reference)
	return nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.balance(from)
	if src.Available < amount {
		return ErrInsufficientBalance
	}
	dst := m.balance(to)

	now := time.Now()
	src.Available -= amount
	src.TotalOut += amount
	src.UpdatedAt = now
	dst.Available += amount
	dst.TotalIn += amount
	dst.UpdatedAt = now

	m.record(from, "transfer_out", amount, "", reference)
	m.record(to, "transfer_in", amount, "", reference)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.entries[account]
	result := make([]*Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		c := *entries[i]
		result = append(result, &c)
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}

// TotalSupply sums every balance. Test helper for conservation checks.
func (m *MemoryStore) TotalSupply() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, bal := range m.balances {
		total += bal.Available
	}
	return total
}
