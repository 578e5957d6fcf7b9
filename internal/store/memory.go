package store

import (
	"context"
	"sync"

	"github.com/punchamoorthee/refundops/internal/domain"
)

// MemoryStore keeps requests in creation order in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	order  []int64
	byID   map[int64]*domain.RefundRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[int64]*domain.RefundRequest)}
}

func (s *MemoryStore) Insert(_ context.Context, r *domain.RefundRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := r.Clone()
	c.ID = s.nextID
	s.byID[c.ID] = c
	s.order = append(s.order, c.ID)
	return c.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*domain.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id int64, fn func(r *domain.RefundRequest) error) (*domain.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	s.byID[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f domain.Filter) (domain.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := domain.Page{Items: []domain.RefundRequest{}, Offset: f.Offset, Limit: f.Limit}
	for _, id := range s.order {
		r := s.byID[id]
		if !f.Matches(r) {
			continue
		}
		page.Total++
		if page.Total <= f.Offset {
			continue
		}
		if f.Limit > 0 && len(page.Items) >= f.Limit {
			continue
		}
		page.Items = append(page.Items, *r.Clone())
	}
	return page, nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := domain.Stats{ByStatus: make(map[domain.Status]int)}
	for _, r := range s.byID {
		st.Total++
		st.ByStatus[r.Status]++
		st.TotalAmount += r.Amount
	}
	return st, nil
}
