package sale

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/xmrescrow/internal/pagination"
)

// MemoryStore is an in-memory sale store for development and tests.
type MemoryStore struct {
	sales map[string]*Sale
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory sale store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sales: make(map[string]*Sale),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sales {
		if existing.EscrowAccountIndex == s.EscrowAccountIndex && !existing.State.IsTerminal() {
			return ErrAccountInUse
		}
	}
	m.sales[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sales[id]
	if !ok {
		return nil, ErrSaleNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sales[s.ID]
	if !ok {
		return ErrSaleNotFound
	}
	if stored.Version != s.Version {
		return ErrConflict
	}
	s.Version++
	m.sales[s.ID] = s.Clone()
	return nil
}

// ListByState returns sales in any of the given states, oldest first,
// resuming after the cursor.
func (m *MemoryStore) ListByState(ctx context.Context, after *pagination.Cursor, limit int, states ...State) ([]*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var result []*Sale
	for _, s := range m.sales {
		if want[s.State] && !after.Before(s.CreatedAt, s.ID) {
			result = append(result, s.Clone())
		}
	}
	sortOldestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByItem(ctx context.Context, itemID string) ([]*Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Sale
	for _, s := range m.sales {
		if s.ItemID == itemID {
			result = append(result, s.Clone())
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sales[id]; !ok {
		return ErrSaleNotFound
	}
	delete(m.sales, id)
	return nil
}

func sortOldestFirst(sales []*Sale) {
	sort.Slice(sales, func(i, j int) bool {
		if sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].ID < sales[j].ID
		}
		return sales[i].CreatedAt.Before(sales[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
