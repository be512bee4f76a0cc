package deal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals    map[int64]*Deal
	disputes map[int64]*Dispute
	filings  map[int64]*PendingFiling // keyed by user ID
	nextDeal int64
	nextDisp int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:    make(map[int64]*Deal),
		disputes: make(map[int64]*Dispute),
		filings:  make(map[int64]*PendingFiling),
	}
}

func (m *MemoryStore) CreateDeal(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDeal++
	d.ID = m.nextDeal
	d.Version = 1
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDeal(ctx context.Context, id int64) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *d
	return &cp, nil
}

// UpdateDeal is compare-and-swap on the row version.
func (m *MemoryStore) UpdateDeal(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deals[d.ID]
	if !ok {
		return ErrDealNotFound
	}
	if stored.Version != d.Version {
		return ErrConflict
	}
	d.Version++
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRecent(ctx context.Context, beforeID int64, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Deal, 0, len(m.deals))
	for _, d := range m.deals {
		if beforeID > 0 && d.ID >= beforeID {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, beforeID int64, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status != status {
			continue
		}
		if beforeID > 0 && d.ID >= beforeID {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID int64, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.BuyerID == userID || (d.SellerID != UnboundSeller && d.SellerID == userID) {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAutoFinalisable(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status == StatusFunded && d.AutoFinaliseAt != nil && !d.AutoFinaliseAt.After(before) {
			cp := *d
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAwaitingFunds(ctx context.Context, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Status == StatusAwaitFunds && d.PayAddress != "" {
			cp := *d
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, d := range m.deals {
		counts[d.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.DealID == d.DealID && existing.Status == DisputeOpen {
			return ErrDuplicateDispute
		}
	}

	m.nextDisp++
	d.ID = m.nextDisp
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOpenDispute(ctx context.Context, dealID int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.DealID == dealID && d.Status == DisputeOpen {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDisputes(ctx context.Context, dealID int64) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.DealID == dealID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) PutPendingFiling(ctx context.Context, f *PendingFiling) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *f
	m.filings[f.UserID] = &cp
	return nil
}

// TakePendingFiling consumes the slot; a nil result means no slot existed.
func (m *MemoryStore) TakePendingFiling(ctx context.Context, userID int64) (*PendingFiling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.filings[userID]
	if !ok {
		return nil, nil
	}
	delete(m.filings, userID)
	cp := *f
	return &cp, nil
}

func (m *MemoryStore) PurgeExpiredFilings(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for userID, f := range m.filings {
		if f.ExpiresAt.Before(before) {
			delete(m.filings, userID)
			purged++
		}
	}
	return purged, nil
}

var _ Store = (*MemoryStore)(nil)
