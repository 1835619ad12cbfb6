// Package chain defines the capability the client needs from the wallet and
// the collectible contract, and its go-ethereum binding.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"gacha-exchange/internal/domain"
)

// Gateway failures. Gateway implementations wrap one of these; none are retried here.
var (
	// ErrUserRejected is returned when the signer declined the transaction.
	ErrUserRejected = errors.New("transaction rejected by user")

	// ErrInsufficientFunds is returned when the account cannot cover value + gas.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrReverted is returned when the contract reverted, at estimation or execution.
	ErrReverted = errors.New("execution reverted")

	// ErrNetwork is returned for transport failures talking to the node.
	ErrNetwork = errors.New("network error")
)

// RevertError carries the revert reason reported by the node, if any.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return ErrReverted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrReverted.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrReverted) match.
func (e *RevertError) Is(target error) bool { return target == ErrReverted }

// Contract constants readable through ReadConstant.
const (
	ConstPullPrice      = "PULL_PRICE"
	ConstMultiPullPrice = "MULTI_PULL_PRICE"
	ConstMaxSupply      = "MAX_SUPPLY"
	ConstTotalSupply    = "totalSupply"
)

// Call is a packed contract invocation.
type Call struct {
	Method string
	Args   []interface{}
	Value  *big.Int // attached native currency, wei
	Event  string   // event decoded from the receipt
}

// TxOpts are the submission parameters of a mutating call.
type TxOpts struct {
	From     domain.Account
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Nonce    uint64
}

// ListingInfo is the raw on-chain listing of a token.
type ListingInfo struct {
	PriceWei *big.Int
	Seller   domain.Account
	Active   bool
}

// NonceSource reports the confirmed transaction count of an account.
type NonceSource interface {
	ConfirmedNonce(ctx context.Context, account domain.Account) (uint64, error)
}

// PendingNonceSource also counts transactions still waiting in the node's pool.
// A broadcast transaction whose receipt was abandoned is only visible here.
type PendingNonceSource interface {
	PendingNonce(ctx context.Context, account domain.Account) (uint64, error)
}

// TokenReader exposes the synchronous read calls of the contract.
type TokenReader interface {
	// ReadConstant reads a no-argument uint256 view (prices, caps, supply).
	ReadConstant(ctx context.Context, name string) (*big.Int, error)

	// TokenURI returns the content-addressed descriptor URI of a token.
	TokenURI(ctx context.Context, tokenID uint64) (string, error)

	// Rarity returns the 0-indexed contract rarity tier of a token.
	Rarity(ctx context.Context, tokenID uint64) (uint8, error)

	// TokensOfOwner returns the token ids held by account.
	TokensOfOwner(ctx context.Context, account domain.Account) ([]uint64, error)

	// TokenListing returns the listing record of a token.
	TokenListing(ctx context.Context, tokenID uint64) (*ListingInfo, error)

	// IsTokenListed reports whether a token has an active listing.
	IsTokenListed(ctx context.Context, tokenID uint64) (bool, error)
}

// Gateway is the wallet/contract capability consumed by the orchestrator.
type Gateway interface {
	NonceSource
	TokenReader

	// EstimateGas estimates the gas a call would use when sent from account.
	EstimateGas(ctx context.Context, from domain.Account, call Call) (uint64, error)

	// GasPrice returns the node's current gas price suggestion.
	GasPrice(ctx context.Context) (*big.Int, error)

	// Send broadcasts the call, waits until it is mined and decodes call.Event
	// into the receipt's token ids.
	Send(ctx context.Context, call Call, opts TxOpts) (*domain.Receipt, error)
}
