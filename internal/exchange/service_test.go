package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/chain/stub"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/metadata"
	"gacha-exchange/internal/storage"
	"gacha-exchange/internal/storage/memory"
	"gacha-exchange/internal/txn"
)

const (
	alice = domain.Account("0x00000000000000000000000000000000000a11ce")
	bob   = domain.Account("0x0000000000000000000000000000000000000b0b")
)

func tokenCID(id uint64) string {
	h, err := multihash.Sum([]byte(fmt.Sprintf("token-%d", id)), multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, h).String()
}

type descriptorFetcher struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *descriptorFetcher) Fetch(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return nil, errors.New("gateway unavailable")
	}
	return []byte(`{"name":"Blade","image":"ipfs://` + id + `","attributes":[{"trait_type":"Category","value":"Sword"}]}`), nil
}

type fixture struct {
	gw         *stub.Gateway
	fetcher    *descriptorFetcher
	collection *memory.CollectionStore
	svc        *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gw := stub.NewGateway()
	gw.URIFor = func(id uint64) string { return metadata.IPFSScheme + tokenCID(id) }

	fetcher := &descriptorFetcher{fail: make(map[string]bool)}
	resolver, err := metadata.NewResolver(metadata.Options{Fetcher: fetcher, Logger: zerolog.Nop()})
	require.NoError(t, err)

	f := &fixture{gw: gw, fetcher: fetcher, collection: memory.NewCollectionStore()}
	f.svc = New(Options{
		Executor:   txn.New(txn.Options{Gateway: gw, Logger: zerolog.Nop()}),
		Reader:     gw,
		Resolver:   resolver,
		Collection: f.collection,
		Logger:     zerolog.Nop(),
	})
	return f
}

func ids(items []*domain.Item) []uint64 {
	out := make([]uint64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestParseSortBy(t *testing.T) {
	for in, want := range map[string]SortBy{"": SortByPrice, "price": SortByPrice, "rarity": SortByRarity} {
		got, err := ParseSortBy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSortBy("name")
	assert.Error(t, err)
}

func TestCollection_AttachesListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 0)
	f.gw.AddToken(bob, "", 1)
	f.gw.AddToken(alice, "", 4)

	_, err := f.svc.List(ctx, alice, 3, "0.05")
	require.NoError(t, err)

	items, err := f.svc.Collection(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids(items))

	assert.Nil(t, items[0].Listing)
	require.NotNil(t, items[1].Listing)
	assert.Equal(t, "0.05", items[1].Listing.Price)
	assert.Equal(t, alice, items[1].Listing.Seller)
	assert.Equal(t, 5, items[1].Rarity)
	assert.Equal(t, domain.KindGear, items[1].Kind())

	stored, err := f.collection.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, ids(stored))
}

func TestCollection_Empty(t *testing.T) {
	f := newFixture(t)
	items, err := f.svc.Collection(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCollection_SkipsUnresolvedItems(t *testing.T) {
	f := newFixture(t)
	f.gw.AddToken(alice, "", 0)
	f.gw.AddToken(alice, "", 0)
	f.fetcher.fail[tokenCID(1)] = true

	items, err := f.svc.Collection(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, ids(items))
}

func TestMarketplace_Sorting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 0) // 1
	f.gw.AddToken(bob, "", 4)   // 2
	f.gw.AddToken(bob, "", 3)   // 3, never listed
	f.gw.AddToken(alice, "", 2) // 4

	_, err := f.svc.List(ctx, alice, 1, "0.2")
	require.NoError(t, err)
	_, err = f.svc.List(ctx, bob, 2, "0.05")
	require.NoError(t, err)
	_, err = f.svc.List(ctx, alice, 4, "1.5")
	require.NoError(t, err)

	byPrice, err := f.svc.Marketplace(ctx, SortByPrice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 1, 4}, ids(byPrice))
	assert.Equal(t, "0.05", byPrice[0].Listing.Price)
	assert.Equal(t, bob, byPrice[0].Listing.Seller)
	assert.Equal(t, bob, byPrice[0].Owner)

	byRarity, err := f.svc.Marketplace(ctx, SortByRarity)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 4, 1}, ids(byRarity))
}

func TestMarketplace_NoTokens(t *testing.T) {
	f := newFixture(t)
	items, err := f.svc.Marketplace(context.Background(), SortByPrice)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSortItems_PriceTiesKeepIDOrder(t *testing.T) {
	items := []*domain.Item{
		{ID: 9, Listing: &domain.Listing{Price: "0.1"}},
		{ID: 3, Listing: &domain.Listing{Price: "0.10"}},
		{ID: 5, Listing: &domain.Listing{Price: "0.09"}},
	}
	SortItems(items, SortByPrice)
	assert.Equal(t, []uint64{5, 3, 9}, ids(items))
}

func TestList_UpdatesStoredItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 1)
	_, err := f.svc.Collection(ctx, alice)
	require.NoError(t, err)

	_, err = f.svc.List(ctx, alice, 1, "0.050")
	require.NoError(t, err)

	it, err := f.collection.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, it.Listing)
	assert.Equal(t, "0.05", it.Listing.Price)

	_, err = f.svc.Unlist(ctx, alice, 1)
	require.NoError(t, err)

	it, err = f.collection.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, it.Listing)

	listed, err := f.gw.IsTokenListed(ctx, 1)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestList_InvalidPrice(t *testing.T) {
	f := newFixture(t)
	f.gw.AddToken(alice, "", 0)

	_, err := f.svc.List(context.Background(), alice, 1, "-1")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, f.gw.Sent())
}

func TestBuy_TransfersStoredItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 2)
	_, err := f.svc.Collection(ctx, alice)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, alice, 1, "0.05")
	require.NoError(t, err)

	_, err = f.svc.Buy(ctx, bob, 1, "0.05")
	require.NoError(t, err)

	it, err := f.collection.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, it.Owner)
	assert.Nil(t, it.Listing)

	left, err := f.collection.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestBuy_UnknownItemIsFetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 3)
	_, err := f.svc.List(ctx, alice, 1, "0.05")
	require.NoError(t, err)

	_, err = f.collection.Get(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.Buy(ctx, bob, 1, "0.05")
	require.NoError(t, err)

	it, err := f.collection.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bob, it.Owner)
	assert.Equal(t, 4, it.Rarity)
}

func TestBuy_WrongPriceReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.AddToken(alice, "", 0)
	_, err := f.svc.Collection(ctx, alice)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, alice, 1, "0.05")
	require.NoError(t, err)

	_, err = f.svc.Buy(ctx, bob, 1, "0.04")
	assert.ErrorIs(t, err, chain.ErrReverted)

	it, err := f.collection.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, alice, it.Owner)
}

func TestMint_CommitsItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uri := metadata.IPFSScheme + tokenCID(99)

	it, err := f.svc.Mint(ctx, alice, uri, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), it.ID)
	assert.Equal(t, 5, it.Rarity)
	assert.Equal(t, alice, it.Owner)

	stored, err := f.collection.ListByOwner(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids(stored))

	sent := f.gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, 0, sent[0].Opts.Value.Cmp(txn.DefaultMintFee))
}

func TestMint_MaxSupply(t *testing.T) {
	f := newFixture(t)
	f.gw.Constants[chain.ConstMaxSupply] = big.NewInt(1)
	f.gw.AddToken(bob, "", 0)

	_, err := f.svc.Mint(context.Background(), alice, metadata.IPFSScheme+tokenCID(99), 0)
	assert.ErrorIs(t, err, txn.ErrMaxSupplyReached)
}
