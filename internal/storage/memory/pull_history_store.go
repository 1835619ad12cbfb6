package memory

import (
	"context"
	"sort"
	"sync"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/storage"
)

// PullHistoryStore is an in-memory implementation of storage.PullHistoryStore.
type PullHistoryStore struct {
	mu      sync.RWMutex
	records []domain.PullRecord
}

// NewPullHistoryStore creates a new in-memory pull history store.
func NewPullHistoryStore() *PullHistoryStore {
	return &PullHistoryStore{}
}

// Append adds records. The batch is rejected as a whole on invalid input.
func (s *PullHistoryStore) Append(_ context.Context, records []domain.PullRecord) error {
	for _, r := range records {
		if r.Account == "" || r.PullID == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

// RarityCounts returns how many items of each rarity account has pulled.
func (s *PullHistoryStore) RarityCounts(_ context.Context, account domain.Account) (map[int]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int]uint64)
	for _, r := range s.records {
		if r.Account == account {
			counts[r.Rarity]++
		}
	}
	return counts, nil
}

// Recent returns the latest records of account, newest first.
func (s *PullHistoryStore) Recent(_ context.Context, account domain.Account, limit int) ([]domain.PullRecord, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	var result []domain.PullRecord
	for _, r := range s.records {
		if r.Account == account {
			result = append(result, r)
		}
	}
	s.mu.RUnlock()

	// stable keeps append order for records of the same pull
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].PulledAt.After(result[j].PulledAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ storage.PullHistoryStore = (*PullHistoryStore)(nil)
