package storage

import (
	"context"

	"gacha-exchange/internal/domain"
)

// CollectionStore holds the revealed items of each account.
type CollectionStore interface {
	// Commit upserts items as owned by owner. Existing items are overwritten.
	Commit(ctx context.Context, owner domain.Account, items []*domain.Item) error

	// ListByOwner returns the items held by owner, ordered by token id ASC.
	ListByOwner(ctx context.Context, owner domain.Account) ([]*domain.Item, error)

	// Get retrieves an item by token id. Returns ErrNotFound if not exists.
	Get(ctx context.Context, tokenID uint64) (*domain.Item, error)

	// SetListing replaces the listing facet of an item; nil clears it.
	// Returns ErrNotFound if the item is unknown.
	SetListing(ctx context.Context, tokenID uint64, listing *domain.Listing) error

	// Transfer moves an item to a new owner and clears its listing.
	// Returns ErrNotFound if the item is unknown.
	Transfer(ctx context.Context, tokenID uint64, to domain.Account) error
}

// PullHistoryStore is an append-only log of revealed pulls.
type PullHistoryStore interface {
	// Append adds records. Returns ErrInvalidInput for records without account or pull id.
	Append(ctx context.Context, records []domain.PullRecord) error

	// RarityCounts returns how many items of each rarity account has pulled.
	RarityCounts(ctx context.Context, account domain.Account) (map[int]uint64, error)

	// Recent returns the latest records of account, newest first.
	Recent(ctx context.Context, account domain.Account, limit int) ([]domain.PullRecord, error)
}
