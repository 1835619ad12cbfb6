// Package exchange implements the collection and marketplace flows on top of
// the transaction orchestrator and the metadata resolver.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/metadata"
	"gacha-exchange/internal/storage"
)

// DefaultScanConcurrency bounds parallel listing reads.
const DefaultScanConcurrency = 8

// SortBy orders marketplace results.
type SortBy string

// Marketplace orderings
const (
	SortByPrice  SortBy = "price"  // ascending
	SortByRarity SortBy = "rarity" // descending
)

// ParseSortBy parses a sort key. An empty string means SortByPrice.
func ParseSortBy(s string) (SortBy, error) {
	switch SortBy(s) {
	case "", SortByPrice:
		return SortByPrice, nil
	case SortByRarity:
		return SortByRarity, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", s)
	}
}

// Executor submits operations. Implemented by txn.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, op domain.Operation, account domain.Account) (*domain.Receipt, error)
}

// ItemResolver turns identifiers into items. Implemented by metadata.Resolver.
type ItemResolver interface {
	Resolve(ctx context.Context, ids []domain.RawIdentifier) ([]*domain.Item, error)
}

// Service reads collections and listings from the contract and keeps the
// local collection store in step with confirmed trades.
type Service struct {
	executor   Executor
	reader     chain.TokenReader
	resolver   ItemResolver
	collection storage.CollectionStore
	logger     zerolog.Logger

	scanConcurrency int
}

// Options for creating Service.
type Options struct {
	// Required
	Executor   Executor
	Reader     chain.TokenReader
	Resolver   ItemResolver
	Collection storage.CollectionStore

	Logger          zerolog.Logger
	ScanConcurrency int
}

// New creates a new Service.
func New(opts Options) *Service {
	s := &Service{
		executor:        opts.Executor,
		reader:          opts.Reader,
		resolver:        opts.Resolver,
		collection:      opts.Collection,
		logger:          opts.Logger.With().Str("component", "exchange").Logger(),
		scanConcurrency: opts.ScanConcurrency,
	}
	if s.scanConcurrency <= 0 {
		s.scanConcurrency = DefaultScanConcurrency
	}
	return s
}

// Collection returns the items account holds on-chain, with their listings,
// and refreshes the local collection store. Items whose descriptor cannot be
// resolved are left out.
func (s *Service) Collection(ctx context.Context, account domain.Account) ([]*domain.Item, error) {
	ids, err := s.reader.TokensOfOwner(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("tokens of owner: %w", err)
	}

	items, err := s.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}

	listings := make([]*domain.Listing, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanConcurrency)
	for i, it := range items {
		i, id := i, it.ID
		g.Go(func() error {
			listed, err := s.reader.IsTokenListed(gctx, id)
			if err != nil {
				return fmt.Errorf("token %d listed: %w", id, err)
			}
			if !listed {
				return nil
			}
			info, err := s.reader.TokenListing(gctx, id)
			if err != nil {
				return fmt.Errorf("token %d listing: %w", id, err)
			}
			listings[i] = toListing(info)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, it := range items {
		it.Owner = account
		it.Listing = listings[i]
	}

	if len(items) > 0 {
		if err := s.collection.Commit(ctx, account, items); err != nil {
			return nil, fmt.Errorf("refresh collection: %w", err)
		}
	}
	return items, nil
}

// Marketplace returns every actively listed token, ordered by sortBy.
// Items whose descriptor cannot be resolved are left out.
func (s *Service) Marketplace(ctx context.Context, sortBy SortBy) ([]*domain.Item, error) {
	total, err := s.reader.ReadConstant(ctx, chain.ConstTotalSupply)
	if err != nil {
		return nil, fmt.Errorf("read total supply: %w", err)
	}
	if !total.IsUint64() {
		return nil, fmt.Errorf("total supply %s out of range", total)
	}
	n := total.Uint64()

	found := make([]*chain.ListingInfo, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanConcurrency)
	for id := uint64(1); id <= n; id++ {
		id := id
		g.Go(func() error {
			info, err := s.reader.TokenListing(gctx, id)
			if err != nil {
				return fmt.Errorf("token %d listing: %w", id, err)
			}
			if info.Active {
				found[id-1] = info
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ids []uint64
	listings := make(map[uint64]*chain.ListingInfo)
	for i, info := range found {
		if info != nil {
			id := uint64(i + 1)
			ids = append(ids, id)
			listings[id] = info
		}
	}

	items, err := s.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		info := listings[it.ID]
		it.Listing = toListing(info)
		it.Owner = info.Seller
	}

	SortItems(items, sortBy)
	s.logger.Debug().Uint64("scanned", n).Int("listed", len(items)).Msg("marketplace scan")
	return items, nil
}

// SortItems orders marketplace items in place. Ties keep token id order.
func SortItems(items []*domain.Item, sortBy SortBy) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch sortBy {
		case SortByRarity:
			if a.Rarity != b.Rarity {
				return a.Rarity > b.Rarity
			}
		default:
			if c := listingPrice(a).Cmp(listingPrice(b)); c != 0 {
				return c < 0
			}
		}
		return a.ID < b.ID
	})
}

func listingPrice(it *domain.Item) decimal.Decimal {
	if it.Listing == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(it.Listing.Price)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// List offers tokenID for sale at price (decimal ether).
func (s *Service) List(ctx context.Context, account domain.Account, tokenID uint64, price string) (*domain.Receipt, error) {
	wei, err := domain.ParseEther(price)
	if err != nil {
		return nil, err
	}
	receipt, err := s.executor.Execute(ctx, domain.List(tokenID, price), account)
	if err != nil {
		return nil, err
	}

	listing := &domain.Listing{Active: true, Price: domain.FormatEther(wei), Seller: account}
	s.updateStore(tokenID, "set listing", func(ctx context.Context) error {
		return s.collection.SetListing(ctx, tokenID, listing)
	})
	return receipt, nil
}

// Unlist withdraws the listing of tokenID.
func (s *Service) Unlist(ctx context.Context, account domain.Account, tokenID uint64) (*domain.Receipt, error) {
	receipt, err := s.executor.Execute(ctx, domain.Unlist(tokenID), account)
	if err != nil {
		return nil, err
	}
	s.updateStore(tokenID, "clear listing", func(ctx context.Context) error {
		return s.collection.SetListing(ctx, tokenID, nil)
	})
	return receipt, nil
}

// Buy purchases tokenID, attaching price (decimal ether). The bought item is
// moved to account in the collection store, fetching it first if unknown.
func (s *Service) Buy(ctx context.Context, account domain.Account, tokenID uint64, price string) (*domain.Receipt, error) {
	receipt, err := s.executor.Execute(ctx, domain.Buy(tokenID, price), account)
	if err != nil {
		return nil, err
	}
	s.updateStore(tokenID, "transfer", func(ctx context.Context) error {
		err := s.collection.Transfer(ctx, tokenID, account)
		if errors.Is(err, storage.ErrNotFound) {
			_, err = s.fetchAndCommit(ctx, account, tokenID)
		}
		return err
	})
	return receipt, nil
}

// Mint mints an uploaded descriptor directly and adds the new item to account's collection.
func (s *Service) Mint(ctx context.Context, account domain.Account, uri string, rarity uint8) (*domain.Item, error) {
	receipt, err := s.executor.Execute(ctx, domain.Mint(uri, rarity), account)
	if err != nil {
		return nil, err
	}
	if len(receipt.TokenIDs) != 1 {
		return nil, fmt.Errorf("mint receipt %s carries %d token ids", receipt.TxHash, len(receipt.TokenIDs))
	}
	return s.fetchAndCommit(context.WithoutCancel(ctx), account, receipt.TokenIDs[0])
}

func (s *Service) fetchAndCommit(ctx context.Context, account domain.Account, tokenID uint64) (*domain.Item, error) {
	ids, err := chain.IdentifyTokens(ctx, s.reader, []uint64{tokenID})
	if err != nil {
		return nil, fmt.Errorf("identify token: %w", err)
	}
	items, err := s.resolver.Resolve(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve item: %w", err)
	}
	it := items[0]
	it.Owner = account
	if err := s.collection.Commit(ctx, account, items); err != nil {
		return nil, fmt.Errorf("commit item: %w", err)
	}
	return it, nil
}

// updateStore applies a store change after a confirmed transaction. The chain
// is authoritative, so failures are logged and the next Collection call repairs them.
func (s *Service) updateStore(tokenID uint64, what string, fn func(context.Context) error) {
	err := fn(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		s.logger.Debug().Uint64("token", tokenID).Str("op", what).Msg("token not in local collection")
	default:
		s.logger.Warn().Err(err).Uint64("token", tokenID).Str("op", what).Msg("collection store update")
	}
}

// resolve identifies and resolves ids, dropping the ones that failed to resolve.
func (s *Service) resolve(ctx context.Context, ids []uint64) ([]*domain.Item, error) {
	if len(ids) == 0 {
		return []*domain.Item{}, nil
	}
	raw, err := chain.IdentifyTokens(ctx, s.reader, ids)
	if err != nil {
		return nil, fmt.Errorf("identify tokens: %w", err)
	}

	items, err := s.resolver.Resolve(ctx, raw)
	var batch *metadata.BatchError
	switch {
	case err == nil:
	case errors.As(err, &batch):
		s.logger.Warn().Err(err).Ints("indexes", batch.Indexes).Msg("skipping unresolved items")
	default:
		return nil, fmt.Errorf("resolve items: %w", err)
	}

	out := make([]*domain.Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func toListing(info *chain.ListingInfo) *domain.Listing {
	return &domain.Listing{
		Active: info.Active,
		Price:  domain.FormatEther(info.PriceWei),
		Seller: info.Seller,
	}
}
