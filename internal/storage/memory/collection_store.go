package memory

import (
	"context"
	"sort"
	"sync"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/storage"
)

// CollectionStore is an in-memory implementation of storage.CollectionStore.
type CollectionStore struct {
	mu   sync.RWMutex
	data map[uint64]*domain.Item // keyed by token id
}

// NewCollectionStore creates a new in-memory collection store.
func NewCollectionStore() *CollectionStore {
	return &CollectionStore{
		data: make(map[uint64]*domain.Item),
	}
}

// Commit upserts items as owned by owner.
func (s *CollectionStore) Commit(_ context.Context, owner domain.Account, items []*domain.Item) error {
	if owner == "" {
		return storage.ErrInvalidInput
	}
	for _, it := range items {
		if it == nil || it.ID == 0 {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range items {
		c := copyItem(it)
		c.Owner = owner
		s.data[it.ID] = c
	}
	return nil
}

// ListByOwner returns the items held by owner, ordered by token id ASC.
func (s *CollectionStore) ListByOwner(_ context.Context, owner domain.Account) ([]*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Item
	for _, it := range s.data {
		if it.Owner == owner {
			result = append(result, copyItem(it))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Get retrieves an item by token id. Returns ErrNotFound if not exists.
func (s *CollectionStore) Get(_ context.Context, tokenID uint64) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.data[tokenID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyItem(it), nil
}

// SetListing replaces the listing facet of an item; nil clears it.
func (s *CollectionStore) SetListing(_ context.Context, tokenID uint64, listing *domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.data[tokenID]
	if !ok {
		return storage.ErrNotFound
	}
	if listing == nil {
		it.Listing = nil
		return nil
	}
	l := *listing
	it.Listing = &l
	return nil
}

// Transfer moves an item to a new owner and clears its listing.
func (s *CollectionStore) Transfer(_ context.Context, tokenID uint64, to domain.Account) error {
	if to == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.data[tokenID]
	if !ok {
		return storage.ErrNotFound
	}
	it.Owner = to
	it.Listing = nil
	return nil
}

// copyItem returns a copy that shares no mutable state with it.
// Payload variants are value types.
func copyItem(it *domain.Item) *domain.Item {
	c := *it
	if it.Listing != nil {
		l := *it.Listing
		c.Listing = &l
	}
	return &c
}

var _ storage.CollectionStore = (*CollectionStore)(nil)
