package domain

import (
	"errors"
	"fmt"
)

// Account is an opaque wallet address. It owns a nonce sequence.
type Account string

// OperationKind tags an Operation variant.
type OperationKind string

// Operation kinds
const (
	OpPull      OperationKind = "pull"
	OpMultiPull OperationKind = "multi_pull"
	OpMint      OperationKind = "mint"
	OpList      OperationKind = "list"
	OpUnlist    OperationKind = "unlist"
	OpBuy       OperationKind = "buy"
)

// Contract method names per operation kind.
var operationMethods = map[OperationKind]string{
	OpPull:      "pullGacha",
	OpMultiPull: "multiPullGacha",
	OpMint:      "mintCard",
	OpList:      "listForSale",
	OpUnlist:    "cancelListing",
	OpBuy:       "buyListed",
}

// Events decoded from the receipt per operation kind.
var operationEvents = map[OperationKind]string{
	OpPull:      "GachaPulled",
	OpMultiPull: "GachaPulled",
	OpMint:      "CardMinted",
	OpList:      "TokenListed",
	OpUnlist:    "ListingCancelled",
	OpBuy:       "TokenSold",
}

// ErrInvalidOperation is returned when an Operation is missing fields its kind requires.
var ErrInvalidOperation = errors.New("invalid operation")

// Operation is a single user intent to be submitted on-chain.
// Only the fields relevant to Kind are set.
type Operation struct {
	Kind OperationKind

	// TokenID is the target token for list, unlist and buy.
	TokenID uint64

	// Price is a decimal ether amount ("0.05") for list and buy.
	Price string

	// TokenURI and Rarity are the mint arguments. Rarity is 0-indexed (contract tier).
	TokenURI string
	Rarity   uint8
}

// Pull requests a single randomized mint.
func Pull() Operation { return Operation{Kind: OpPull} }

// MultiPull requests a ten-item randomized mint.
func MultiPull() Operation { return Operation{Kind: OpMultiPull} }

// Mint requests a direct mint of an already uploaded descriptor.
func Mint(tokenURI string, rarity uint8) Operation {
	return Operation{Kind: OpMint, TokenURI: tokenURI, Rarity: rarity}
}

// List offers a token for sale at price (decimal ether).
func List(tokenID uint64, price string) Operation {
	return Operation{Kind: OpList, TokenID: tokenID, Price: price}
}

// Unlist withdraws an active listing.
func Unlist(tokenID uint64) Operation {
	return Operation{Kind: OpUnlist, TokenID: tokenID}
}

// Buy purchases a listed token, attaching price (decimal ether) as value.
func Buy(tokenID uint64, price string) Operation {
	return Operation{Kind: OpBuy, TokenID: tokenID, Price: price}
}

// Method returns the contract method invoked for this operation.
func (o Operation) Method() string {
	return operationMethods[o.Kind]
}

// Event returns the name of the event carrying this operation's result.
func (o Operation) Event() string {
	return operationEvents[o.Kind]
}

// IsPull reports whether the operation is a randomized mint.
func (o Operation) IsPull() bool {
	return o.Kind == OpPull || o.Kind == OpMultiPull
}

// Validate checks that the fields required by Kind are present.
func (o Operation) Validate() error {
	if _, ok := operationMethods[o.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, o.Kind)
	}
	switch o.Kind {
	case OpMint:
		if o.TokenURI == "" {
			return fmt.Errorf("%w: mint requires a token uri", ErrInvalidOperation)
		}
	case OpList, OpBuy:
		if o.TokenID == 0 {
			return fmt.Errorf("%w: %s requires a token id", ErrInvalidOperation, o.Kind)
		}
		if o.Price == "" {
			return fmt.Errorf("%w: %s requires a price", ErrInvalidOperation, o.Kind)
		}
	case OpUnlist:
		if o.TokenID == 0 {
			return fmt.Errorf("%w: unlist requires a token id", ErrInvalidOperation)
		}
	}
	return nil
}

// Receipt is the decoded result of a confirmed submission.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
	TokenIDs    []uint64 // ordered as emitted by the event
}
