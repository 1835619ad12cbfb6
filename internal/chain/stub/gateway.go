// Package stub provides an in-memory chain.Gateway for tests.
package stub

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
)

// ErrNotFound is returned when a token does not exist.
var ErrNotFound = errors.New("not found")

// Default stub parameters.
const (
	DefaultGasEstimate = 100_000
	MultiPullSize      = 10
)

// Token is a minted token held by the stub contract.
type Token struct {
	URI     string
	Rarity  uint8
	Owner   domain.Account
	Listing *chain.ListingInfo
}

// SentTx records a transaction accepted by Send.
type SentTx struct {
	Call chain.Call
	Opts chain.TxOpts
}

// Gateway implements chain.Gateway for testing.
type Gateway struct {
	mu sync.Mutex

	Constants map[string]*big.Int
	Tokens    map[uint64]*Token
	nonces    map[domain.Account]uint64
	pending   map[domain.Account]uint64

	// PullRarities is consumed in order by pulls; tokens default to rarity 0 when empty.
	PullRarities []uint8

	// URIFor returns the token URI assigned to a pulled token.
	URIFor func(tokenID uint64) string

	GasEstimate uint64
	Price       *big.Int

	// EstimateErr, when set, is returned by every EstimateGas call.
	EstimateErr error

	// BeforeSend runs outside the lock at the start of every Send.
	BeforeSend func(call chain.Call, opts chain.TxOpts)

	sendErrs     []sendFailure
	sent         []SentTx
	nonceErrors  int
	nextTokenID  uint64
	receiptCount int
}

type sendFailure struct {
	err          error
	consumeNonce bool
}

// NewGateway creates a stub gateway with 0.005/0.05 ether pull prices and a 1000 item cap.
func NewGateway() *Gateway {
	pullPrice, _ := domain.ParseEther("0.005")
	multiPrice, _ := domain.ParseEther("0.05")
	return &Gateway{
		Constants: map[string]*big.Int{
			chain.ConstPullPrice:      pullPrice,
			chain.ConstMultiPullPrice: multiPrice,
			chain.ConstMaxSupply:      big.NewInt(1000),
		},
		Tokens:      make(map[uint64]*Token),
		nonces:      make(map[domain.Account]uint64),
		pending:     make(map[domain.Account]uint64),
		URIFor:      func(id uint64) string { return fmt.Sprintf("ipfs://token-%d", id) },
		GasEstimate: DefaultGasEstimate,
		Price:       big.NewInt(1_000_000_000),
		nextTokenID: 1,
	}
}

// SetConfirmedNonce sets the on-chain transaction count of account.
func (g *Gateway) SetConfirmedNonce(account domain.Account, n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nonces[account] = n
}

// FailNextSend makes the next Send return err. When consumeNonce is set the
// transaction is treated as mined and reverted, so the account nonce advances.
func (g *Gateway) FailNextSend(err error, consumeNonce bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErrs = append(g.sendErrs, sendFailure{err: err, consumeNonce: consumeNonce})
}

// AddToken inserts a token directly, returning its id.
func (g *Gateway) AddToken(owner domain.Account, uri string, rarity uint8) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mintLocked(owner, uri, rarity)
}

// Sent returns a copy of all accepted transactions in acceptance order.
func (g *Gateway) Sent() []SentTx {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SentTx, len(g.sent))
	copy(out, g.sent)
	return out
}

// NonceErrors returns how many sends were refused for a wrong nonce.
func (g *Gateway) NonceErrors() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonceErrors
}

// ConfirmedNonce implements chain.NonceSource.
func (g *Gateway) ConfirmedNonce(_ context.Context, account domain.Account) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[account], nil
}

// SetPendingNonce makes PendingNonce report n for account, as if n minus the
// confirmed count transactions were still in the pool.
func (g *Gateway) SetPendingNonce(account domain.Account, n uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[account] = n
}

// PendingNonce implements chain.PendingNonceSource. It never reports less than the confirmed count.
func (g *Gateway) PendingNonce(_ context.Context, account domain.Account) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p := g.pending[account]; p > g.nonces[account] {
		return p, nil
	}
	return g.nonces[account], nil
}

// EstimateGas implements chain.Gateway.
func (g *Gateway) EstimateGas(_ context.Context, _ domain.Account, _ chain.Call) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.EstimateErr != nil {
		return 0, g.EstimateErr
	}
	return g.GasEstimate, nil
}

// GasPrice implements chain.Gateway.
func (g *Gateway) GasPrice(_ context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return new(big.Int).Set(g.Price), nil
}

// Send implements chain.Gateway. The nonce must equal the confirmed count.
func (g *Gateway) Send(ctx context.Context, call chain.Call, opts chain.TxOpts) (*domain.Receipt, error) {
	if g.BeforeSend != nil {
		g.BeforeSend(call, opts)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.sendErrs) > 0 {
		f := g.sendErrs[0]
		g.sendErrs = g.sendErrs[1:]
		if f.consumeNonce && opts.Nonce == g.nonces[opts.From] {
			g.nonces[opts.From]++
		}
		return nil, f.err
	}

	if opts.Nonce != g.nonces[opts.From] {
		g.nonceErrors++
		return nil, fmt.Errorf("%w: nonce %d, expected %d", chain.ErrNetwork, opts.Nonce, g.nonces[opts.From])
	}

	ids, err := g.applyLocked(call, opts)
	if err != nil {
		// reverted transactions are still mined
		g.nonces[opts.From]++
		return nil, err
	}

	g.nonces[opts.From]++
	g.sent = append(g.sent, SentTx{Call: call, Opts: opts})
	g.receiptCount++
	return &domain.Receipt{
		TxHash:      fmt.Sprintf("0x%064x", g.receiptCount),
		BlockNumber: uint64(g.receiptCount),
		GasUsed:     g.GasEstimate,
		Success:     true,
		TokenIDs:    ids,
	}, nil
}

func (g *Gateway) applyLocked(call chain.Call, opts chain.TxOpts) ([]uint64, error) {
	switch call.Method {
	case "pullGacha":
		return g.pullLocked(opts, chain.ConstPullPrice, 1)
	case "multiPullGacha":
		return g.pullLocked(opts, chain.ConstMultiPullPrice, MultiPullSize)
	case "mintCard":
		if uint64(len(g.Tokens)) >= g.Constants[chain.ConstMaxSupply].Uint64() {
			return nil, &chain.RevertError{Reason: "max supply reached"}
		}
		uri, _ := call.Args[0].(string)
		rarity, _ := call.Args[1].(uint8)
		return []uint64{g.mintLocked(opts.From, uri, rarity)}, nil
	case "listForSale":
		id := argID(call.Args)
		tok, ok := g.Tokens[id]
		if !ok || tok.Owner != opts.From {
			return nil, &chain.RevertError{Reason: "not token owner"}
		}
		price, _ := call.Args[1].(*big.Int)
		tok.Listing = &chain.ListingInfo{PriceWei: new(big.Int).Set(price), Seller: opts.From, Active: true}
		return []uint64{id}, nil
	case "cancelListing":
		id := argID(call.Args)
		tok, ok := g.Tokens[id]
		if !ok || tok.Listing == nil || !tok.Listing.Active || tok.Listing.Seller != opts.From {
			return nil, &chain.RevertError{Reason: "not listed by sender"}
		}
		tok.Listing = nil
		return []uint64{id}, nil
	case "buyListed":
		id := argID(call.Args)
		tok, ok := g.Tokens[id]
		if !ok || tok.Listing == nil || !tok.Listing.Active {
			return nil, &chain.RevertError{Reason: "token not listed"}
		}
		if opts.Value == nil || opts.Value.Cmp(tok.Listing.PriceWei) != 0 {
			return nil, &chain.RevertError{Reason: "incorrect price"}
		}
		tok.Owner = opts.From
		tok.Listing = nil
		return []uint64{id}, nil
	default:
		return nil, &chain.RevertError{Reason: "unknown method " + call.Method}
	}
}

func (g *Gateway) pullLocked(opts chain.TxOpts, priceName string, n int) ([]uint64, error) {
	if opts.Value == nil || opts.Value.Cmp(g.Constants[priceName]) != 0 {
		return nil, &chain.RevertError{Reason: "incorrect payment"}
	}
	ids := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		var rarity uint8
		if len(g.PullRarities) > 0 {
			rarity = g.PullRarities[0]
			g.PullRarities = g.PullRarities[1:]
		}
		ids = append(ids, g.mintLocked(opts.From, "", rarity))
	}
	return ids, nil
}

func (g *Gateway) mintLocked(owner domain.Account, uri string, rarity uint8) uint64 {
	id := g.nextTokenID
	g.nextTokenID++
	if uri == "" {
		uri = g.URIFor(id)
	}
	g.Tokens[id] = &Token{URI: uri, Rarity: rarity, Owner: owner}
	return id
}

func argID(args []interface{}) uint64 {
	if len(args) == 0 {
		return 0
	}
	if v, ok := args[0].(*big.Int); ok {
		return v.Uint64()
	}
	return 0
}

// ReadConstant implements chain.TokenReader.
func (g *Gateway) ReadConstant(_ context.Context, name string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name == chain.ConstTotalSupply {
		return big.NewInt(int64(len(g.Tokens))), nil
	}
	v, ok := g.Constants[name]
	if !ok {
		return nil, fmt.Errorf("constant %s: %w", name, ErrNotFound)
	}
	return new(big.Int).Set(v), nil
}

// TokenURI implements chain.TokenReader.
func (g *Gateway) TokenURI(_ context.Context, tokenID uint64) (string, error) {
	tok, err := g.token(tokenID)
	if err != nil {
		return "", err
	}
	return tok.URI, nil
}

// Rarity implements chain.TokenReader.
func (g *Gateway) Rarity(_ context.Context, tokenID uint64) (uint8, error) {
	tok, err := g.token(tokenID)
	if err != nil {
		return 0, err
	}
	return tok.Rarity, nil
}

// TokensOfOwner implements chain.TokenReader.
func (g *Gateway) TokensOfOwner(_ context.Context, account domain.Account) ([]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []uint64
	for id, tok := range g.Tokens {
		if tok.Owner == account {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// TokenListing implements chain.TokenReader. Unlisted tokens return an inactive record.
func (g *Gateway) TokenListing(_ context.Context, tokenID uint64) (*chain.ListingInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.Tokens[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	if tok.Listing == nil {
		return &chain.ListingInfo{PriceWei: big.NewInt(0)}, nil
	}
	l := *tok.Listing
	l.PriceWei = new(big.Int).Set(tok.Listing.PriceWei)
	return &l, nil
}

// IsTokenListed implements chain.TokenReader.
func (g *Gateway) IsTokenListed(_ context.Context, tokenID uint64) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.Tokens[tokenID]
	if !ok {
		return false, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	return tok.Listing != nil && tok.Listing.Active, nil
}

func (g *Gateway) token(id uint64) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tok, ok := g.Tokens[id]
	if !ok {
		return Token{}, fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	return *tok, nil
}

var _ chain.Gateway = (*Gateway)(nil)
