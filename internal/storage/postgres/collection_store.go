package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
	"gacha-exchange/internal/storage"
)

// CollectionStore implements storage.CollectionStore using PostgreSQL.
type CollectionStore struct {
	pool *Pool
}

// NewCollectionStore creates a new CollectionStore.
func NewCollectionStore(pool *Pool) *CollectionStore {
	return &CollectionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CollectionStore = (*CollectionStore)(nil)

const selectItemColumns = `
	SELECT token_id, owner, name, rarity, image_url, kind, traits,
	       listing_active, listing_price::text, listing_seller
	FROM collection_items
`

// Commit upserts items as owned by owner, atomically.
func (s *CollectionStore) Commit(ctx context.Context, owner domain.Account, items []*domain.Item) (err error) {
	if owner == "" {
		return storage.ErrInvalidInput
	}
	if len(items) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observability.RecordDBQuery("postgres", "collection_commit", time.Since(start).Seconds(), err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO collection_items (
			token_id, owner, name, rarity, image_url, kind, traits,
			listing_active, listing_price, listing_seller, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9::text, '')::numeric, NULLIF($10, ''), now())
		ON CONFLICT (token_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			rarity = EXCLUDED.rarity,
			image_url = EXCLUDED.image_url,
			kind = EXCLUDED.kind,
			traits = EXCLUDED.traits,
			listing_active = EXCLUDED.listing_active,
			listing_price = EXCLUDED.listing_price,
			listing_seller = EXCLUDED.listing_seller,
			updated_at = now()
	`

	for _, it := range items {
		if it == nil || it.ID == 0 {
			return storage.ErrInvalidInput
		}
		kind, traits, err := storage.EncodePayload(it.Payload)
		if err != nil {
			return err
		}
		active, price, seller := listingColumns(it.Listing)

		_, err = tx.Exec(ctx, query,
			int64(it.ID),
			string(owner),
			it.Name,
			int16(it.Rarity),
			it.ImageURL,
			string(kind),
			traits,
			active,
			price,
			seller,
		)
		if err != nil {
			return fmt.Errorf("upsert collection item %d: %w", it.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListByOwner returns the items held by owner, ordered by token id ASC.
func (s *CollectionStore) ListByOwner(ctx context.Context, owner domain.Account) (items []*domain.Item, err error) {
	start := time.Now()
	defer func() { observability.RecordDBQuery("postgres", "collection_list", time.Since(start).Seconds(), err) }()

	rows, err := s.pool.Query(ctx, selectItemColumns+` WHERE owner = $1 ORDER BY token_id ASC`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("query collection items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection items: %w", err)
	}
	return items, nil
}

// Get retrieves an item by token id. Returns ErrNotFound if not exists.
func (s *CollectionStore) Get(ctx context.Context, tokenID uint64) (*domain.Item, error) {
	row := s.pool.QueryRow(ctx, selectItemColumns+` WHERE token_id = $1`, int64(tokenID))
	it, err := scanItem(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get collection item: %w", err)
	}
	return it, nil
}

// SetListing replaces the listing facet of an item; nil clears it.
func (s *CollectionStore) SetListing(ctx context.Context, tokenID uint64, listing *domain.Listing) error {
	active, price, seller := listingColumns(listing)
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_items
		SET listing_active = $2,
		    listing_price = NULLIF($3::text, '')::numeric,
		    listing_seller = NULLIF($4, ''),
		    updated_at = now()
		WHERE token_id = $1
	`, int64(tokenID), active, price, seller)
	if err != nil {
		return fmt.Errorf("set listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Transfer moves an item to a new owner and clears its listing.
func (s *CollectionStore) Transfer(ctx context.Context, tokenID uint64, to domain.Account) error {
	if to == "" {
		return storage.ErrInvalidInput
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_items
		SET owner = $2,
		    listing_active = FALSE,
		    listing_price = NULL,
		    listing_seller = NULL,
		    updated_at = now()
		WHERE token_id = $1
	`, int64(tokenID), string(to))
	if err != nil {
		return fmt.Errorf("transfer item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func listingColumns(l *domain.Listing) (bool, string, string) {
	if l == nil {
		return false, "", ""
	}
	return l.Active, l.Price, string(l.Seller)
}

func scanItem(row pgx.Row) (*domain.Item, error) {
	var (
		id       int64
		owner    string
		rarity   int16
		kind     string
		traits   []byte
		active   bool
		priceStr *string
		seller   *string
		it       domain.Item
	)
	err := row.Scan(&id, &owner, &it.Name, &rarity, &it.ImageURL, &kind, &traits, &active, &priceStr, &seller)
	if err != nil {
		return nil, err
	}

	payload, err := storage.DecodePayload(domain.ItemKind(kind), traits)
	if err != nil {
		return nil, err
	}

	it.ID = uint64(id)
	it.Owner = domain.Account(owner)
	it.Rarity = int(rarity)
	it.Payload = payload

	if active || priceStr != nil {
		l := &domain.Listing{Active: active}
		if priceStr != nil {
			d, err := decimal.NewFromString(*priceStr)
			if err != nil {
				return nil, fmt.Errorf("parse listing price: %w", err)
			}
			l.Price = d.String()
		}
		if seller != nil {
			l.Seller = domain.Account(*seller)
		}
		it.Listing = l
	}
	return &it, nil
}
