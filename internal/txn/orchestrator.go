// Package txn turns user operations into confirmed contract transactions.
// Flow: fee resolution → gas estimation → nonce acquisition → send → receipt
package txn

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/nonce"
	"gacha-exchange/internal/observability"
)

// Gas margins applied to estimates, as numerator/10.
const (
	pullMargin  = 12
	otherMargin = 11
)

// DefaultMintFee is the value attached to mintCard (0.001 ether).
var DefaultMintFee = big.NewInt(1_000_000_000_000_000)

const defaultResyncTimeout = 15 * time.Second

// Orchestrator submits operations for one or more accounts.
// For a given account, nonces reach the gateway strictly increasing in submission order.
type Orchestrator struct {
	gateway chain.Gateway
	nonces  *nonce.Sequencer
	mintFee *big.Int
	logger  zerolog.Logger

	resyncTimeout time.Duration

	mu    sync.Mutex
	lanes map[domain.Account]*sync.Mutex
}

// Options for creating Orchestrator.
type Options struct {
	// Required
	Gateway chain.Gateway

	// Nonces defaults to a sequencer backed by Gateway.
	Nonces *nonce.Sequencer

	// MintFee defaults to DefaultMintFee.
	MintFee *big.Int

	Logger        zerolog.Logger
	ResyncTimeout time.Duration
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		gateway:       opts.Gateway,
		nonces:        opts.Nonces,
		mintFee:       opts.MintFee,
		logger:        opts.Logger.With().Str("component", "txn").Logger(),
		resyncTimeout: opts.ResyncTimeout,
		lanes:         make(map[domain.Account]*sync.Mutex),
	}
	if o.nonces == nil {
		o.nonces = nonce.NewSequencer(opts.Gateway, opts.Logger)
	}
	if o.mintFee == nil {
		o.mintFee = DefaultMintFee
	}
	if o.resyncTimeout <= 0 {
		o.resyncTimeout = defaultResyncTimeout
	}
	return o
}

// Nonces returns the sequencer used by the orchestrator.
func (o *Orchestrator) Nonces() *nonce.Sequencer {
	return o.nonces
}

func (o *Orchestrator) lane(account domain.Account) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.lanes[account]
	if !ok {
		l = &sync.Mutex{}
		o.lanes[account] = l
	}
	return l
}

// Execute submits op from account and waits for the transaction to be mined.
// Any failure is returned as *Failure and leaves the account's nonce counter
// resynchronized with the chain.
func (o *Orchestrator) Execute(ctx context.Context, op domain.Operation, account domain.Account) (*domain.Receipt, error) {
	start := time.Now()
	receipt, err := o.execute(ctx, op, account)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		f := newFailure(op.Kind, err)
		observability.RecordTransaction(string(op.Kind), "failed", elapsed)
		o.logger.Error().
			Str("op", string(op.Kind)).
			Str("account", string(account)).
			Str("kind", f.Kind.Error()).
			Str("reason", f.Reason).
			Msg("operation failed")
		return nil, f
	}

	observability.RecordTransaction(string(op.Kind), "confirmed", elapsed)
	o.logger.Info().
		Str("op", string(op.Kind)).
		Str("account", string(account)).
		Str("tx", receipt.TxHash).
		Uint64("block", receipt.BlockNumber).
		Int("tokens", len(receipt.TokenIDs)).
		Msg("operation confirmed")
	return receipt, nil
}

func (o *Orchestrator) execute(ctx context.Context, op domain.Operation, account domain.Account) (*domain.Receipt, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	receipt, err := o.submit(ctx, op, account)
	if err != nil {
		o.resync(ctx, account)
		return nil, err
	}
	return receipt, nil
}

func (o *Orchestrator) submit(ctx context.Context, op domain.Operation, account domain.Account) (*domain.Receipt, error) {
	// Step 1: fee resolution
	call, err := o.prepare(ctx, op)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().Str("op", string(op.Kind)).Str("value", call.Value.String()).Msg("fee resolved")

	// Step 2: gas estimation with margin
	estimate, err := o.gateway.EstimateGas(ctx, account, call)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGasEstimationFailed, err)
	}
	observability.RecordGasEstimate(string(op.Kind), estimate)
	gasLimit := applyMargin(op.Kind, estimate)

	// Step 3: gas price
	gasPrice, err := o.gateway.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	// Steps 4-5: nonce and send, serialized per account
	lane := o.lane(account)
	lane.Lock()
	defer lane.Unlock()

	n, err := o.nonces.Next(ctx, account)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().
		Str("op", string(op.Kind)).
		Uint64("nonce", n).
		Uint64("gas", gasLimit).
		Msg("submitting")

	return o.gateway.Send(ctx, call, chain.TxOpts{
		From:     account,
		Value:    call.Value,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Nonce:    n,
	})
}

// prepare resolves the attached value and packs the contract arguments.
func (o *Orchestrator) prepare(ctx context.Context, op domain.Operation) (chain.Call, error) {
	call := chain.Call{Method: op.Method(), Event: op.Event(), Value: new(big.Int)}
	tokenID := new(big.Int).SetUint64(op.TokenID)

	switch op.Kind {
	case domain.OpPull, domain.OpMultiPull:
		name := chain.ConstPullPrice
		if op.Kind == domain.OpMultiPull {
			name = chain.ConstMultiPullPrice
		}
		price, err := o.gateway.ReadConstant(ctx, name)
		if err != nil {
			return call, fmt.Errorf("read %s: %w", name, err)
		}
		call.Value = price

	case domain.OpMint:
		if err := o.checkSupply(ctx); err != nil {
			return call, err
		}
		call.Value = new(big.Int).Set(o.mintFee)
		call.Args = []interface{}{op.TokenURI, op.Rarity}

	case domain.OpList:
		price, err := domain.ParseEther(op.Price)
		if err != nil {
			return call, err
		}
		call.Args = []interface{}{tokenID, price}

	case domain.OpUnlist:
		call.Args = []interface{}{tokenID}

	case domain.OpBuy:
		price, err := domain.ParseEther(op.Price)
		if err != nil {
			return call, err
		}
		call.Value = price
		call.Args = []interface{}{tokenID}
	}
	return call, nil
}

// checkSupply refuses to mint once totalSupply has reached MAX_SUPPLY.
func (o *Orchestrator) checkSupply(ctx context.Context) error {
	total, err := o.gateway.ReadConstant(ctx, chain.ConstTotalSupply)
	if err != nil {
		return fmt.Errorf("read %s: %w", chain.ConstTotalSupply, err)
	}
	limit, err := o.gateway.ReadConstant(ctx, chain.ConstMaxSupply)
	if err != nil {
		return fmt.Errorf("read %s: %w", chain.ConstMaxSupply, err)
	}
	if total.Cmp(limit) >= 0 {
		return fmt.Errorf("%w: %s of %s minted", ErrMaxSupplyReached, total, limit)
	}
	return nil
}

// resync realigns the account's nonce counter with the chain. It runs even when
// ctx is already cancelled, and waits for in-flight submissions on the lane.
func (o *Orchestrator) resync(ctx context.Context, account domain.Account) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.resyncTimeout)
	defer cancel()

	lane := o.lane(account)
	lane.Lock()
	defer lane.Unlock()

	if err := o.nonces.Resync(rctx, account); err != nil {
		o.logger.Error().Err(err).Str("account", string(account)).Msg("nonce resync failed")
	}
}

func applyMargin(kind domain.OperationKind, estimate uint64) uint64 {
	switch kind {
	case domain.OpPull, domain.OpMultiPull, domain.OpBuy:
		return estimate * pullMargin / 10
	default:
		return estimate * otherMargin / 10
	}
}
