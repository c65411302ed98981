package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and testing.
//
// It keeps the offer map and a per-creator id index, and both are updated
// together so the index always mirrors the offer set.
type MemoryStore struct {
	mu       sync.RWMutex
	offers   map[uint64]*Offer
	creators map[string][]uint64
	nextID   uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:   make(map[uint64]*Offer),
		creators: make(map[string][]uint64),
	}
}

var _ Store = (*MemoryStore)(nil)

// NextID allocates offer ids starting at 1. nextID holds the last id handed
// out, matching the Postgres sequence, so every live offer id is <= nextID.
func (m *MemoryStore) NextID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) Create(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.offers[offer.ID]; exists {
		return fmt.Errorf("offer %d already exists", offer.ID)
	}

	m.offers[offer.ID] = copyOffer(offer)
	m.creators[offer.Creator] = append(m.creators[offer.Creator], offer.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(offer), nil
}

func (m *MemoryStore) Update(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.ID]; !ok {
		return ErrOfferNotFound
	}
	m.offers[offer.ID] = copyOffer(offer)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}

	delete(m.offers, id)

	ids := m.creators[offer.Creator]
	for i, oid := range ids {
		if oid == id {
			m.creators[offer.Creator] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.creators[offer.Creator]) == 0 {
		delete(m.creators, offer.Creator)
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []uint64
	if q.Creator != "" {
		candidates = append(candidates, m.creators[q.Creator]...)
	} else {
		for id := range m.offers {
			candidates = append(candidates, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	result := make([]*Offer, 0, limit)
	for _, id := range candidates {
		offer, ok := m.offers[id]
		if !ok {
			continue
		}
		if !matchQuery(offer, q) {
			continue
		}
		result = append(result, copyOffer(offer))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func matchQuery(o *Offer, q Query) bool {
	if q.Creator != "" && o.Creator != q.Creator {
		return false
	}
	if q.Direction != "" && o.Direction != q.Direction {
		return false
	}
	if q.OpenOnly && o.Matched() {
		return false
	}
	if q.DisputedOnly && !o.DisputeOpened {
		return false
	}
	return true
}

func copyOffer(o *Offer) *Offer {
	c := *o
	if o.Counterparty != nil {
		cp := *o.Counterparty
		c.Counterparty = &cp
	}
	return &c
}

// checkIndex verifies that the creator index exactly mirrors the offer map.
// Test helper.
func (m *MemoryStore) checkIndex() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	indexed := 0
	for creator, ids := range m.creators {
		for _, id := range ids {
			offer, ok := m.offers[id]
			if !ok {
				return fmt.Errorf("index entry %s/%d has no offer", creator, id)
			}
			if offer.Creator != creator {
				return fmt.Errorf("offer %d indexed under %s but created by %s", id, creator, offer.Creator)
			}
			indexed++
		}
	}
	if indexed != len(m.offers) {
		return fmt.Errorf("index covers %d offers, store has %d", indexed, len(m.offers))
	}
	return nil
}
