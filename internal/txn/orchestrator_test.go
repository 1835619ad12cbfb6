package txn

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/chain/stub"
	"gacha-exchange/internal/domain"
)

const player = domain.Account("0x00000000000000000000000000000000000a11ce")
const buyer = domain.Account("0x0000000000000000000000000000000000000b0b")

func newTestOrchestrator(gw *stub.Gateway) *Orchestrator {
	return New(Options{Gateway: gw, Logger: zerolog.Nop()})
}

func TestExecute_ConcurrentNoncesStrictlyIncreasing(t *testing.T) {
	gw := stub.NewGateway()
	gw.SetConfirmedNonce(player, 12)

	var (
		mu     sync.Mutex
		nonces []uint64
	)
	gw.BeforeSend = func(_ chain.Call, opts chain.TxOpts) {
		mu.Lock()
		nonces = append(nonces, opts.Nonce)
		mu.Unlock()
	}

	o := newTestOrchestrator(gw)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Execute(ctx, domain.Pull(), player); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, nonces, n)
	for i := 1; i < len(nonces); i++ {
		assert.Greater(t, nonces[i], nonces[i-1], "nonce order at %d: %v", i, nonces)
	}
	assert.Equal(t, uint64(12), nonces[0])
	assert.Zero(t, gw.NonceErrors())
}

func TestExecute_PullReceipt(t *testing.T) {
	gw := stub.NewGateway()
	gw.PullRarities = []uint8{4}
	o := newTestOrchestrator(gw)

	receipt, err := o.Execute(context.Background(), domain.Pull(), player)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, []uint64{1}, receipt.TokenIDs)

	sent := gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "pullGacha", sent[0].Call.Method)
	assert.Equal(t, "GachaPulled", sent[0].Call.Event)
	assert.Equal(t, "5000000000000000", sent[0].Opts.Value.String())
}

func TestExecute_MultiPullReturnsOrderedIDs(t *testing.T) {
	gw := stub.NewGateway()
	o := newTestOrchestrator(gw)

	receipt, err := o.Execute(context.Background(), domain.MultiPull(), player)
	require.NoError(t, err)
	require.Len(t, receipt.TokenIDs, stub.MultiPullSize)
	for i, id := range receipt.TokenIDs {
		assert.Equal(t, uint64(i+1), id)
	}
	assert.Equal(t, "50000000000000000", gw.Sent()[0].Opts.Value.String())
}

func TestExecute_GasMargins(t *testing.T) {
	tests := []struct {
		name string
		op   func(gw *stub.Gateway) domain.Operation
		want uint64
	}{
		{"pull", func(*stub.Gateway) domain.Operation { return domain.Pull() }, 120_000},
		{"multi pull", func(*stub.Gateway) domain.Operation { return domain.MultiPull() }, 120_000},
		{"mint", func(*stub.Gateway) domain.Operation { return domain.Mint("ipfs://x", 2) }, 110_000},
		{"list", func(gw *stub.Gateway) domain.Operation {
			return domain.List(gw.AddToken(player, "ipfs://a", 0), "0.01")
		}, 110_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := stub.NewGateway()
			o := newTestOrchestrator(gw)

			_, err := o.Execute(context.Background(), tt.op(gw), player)
			require.NoError(t, err)
			sent := gw.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0].Opts.GasLimit)
		})
	}
}

func TestApplyMargin_Floors(t *testing.T) {
	assert.Equal(t, uint64(25), applyMargin(domain.OpBuy, 21))
	assert.Equal(t, uint64(23), applyMargin(domain.OpUnlist, 21))
}

func TestExecute_SendFailureResyncs(t *testing.T) {
	gw := stub.NewGateway()
	gw.SetConfirmedNonce(player, 3)
	o := newTestOrchestrator(gw)
	ctx := context.Background()

	gw.FailNextSend(chain.ErrNetwork, false)
	_, err := o.Execute(ctx, domain.Pull(), player)
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrNetwork))
	assert.True(t, Retryable(err))

	// the failed nonce was never mined, so it must be reused
	next, err := o.Nonces().Next(ctx, player)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
}

func TestExecute_RevertedTransactionAdvancesNonce(t *testing.T) {
	gw := stub.NewGateway()
	o := newTestOrchestrator(gw)
	ctx := context.Background()

	gw.FailNextSend(&chain.RevertError{Reason: "sold out"}, true)
	_, err := o.Execute(ctx, domain.Pull(), player)
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, chain.ErrReverted, f.Kind)
	assert.Equal(t, "sold out", f.Reason)
	assert.False(t, Retryable(err))

	_, err = o.Execute(ctx, domain.Pull(), player)
	require.NoError(t, err)
	assert.Zero(t, gw.NonceErrors())
}

func TestExecute_UserRejected(t *testing.T) {
	gw := stub.NewGateway()
	o := newTestOrchestrator(gw)

	gw.FailNextSend(chain.ErrUserRejected, false)
	_, err := o.Execute(context.Background(), domain.MultiPull(), player)
	assert.ErrorIs(t, err, chain.ErrUserRejected)
	assert.Empty(t, gw.Sent())
}

func TestExecute_CancelledContextStillResyncs(t *testing.T) {
	gw := stub.NewGateway()
	gw.SetConfirmedNonce(player, 8)
	o := newTestOrchestrator(gw)

	ctx, cancel := context.WithCancel(context.Background())
	gw.BeforeSend = func(chain.Call, chain.TxOpts) { cancel() }

	_, err := o.Execute(ctx, domain.Pull(), player)
	assert.ErrorIs(t, err, context.Canceled)

	gw.BeforeSend = nil
	receipt, err := o.Execute(context.Background(), domain.Pull(), player)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.TxHash)
	assert.Equal(t, uint64(8), gw.Sent()[0].Opts.Nonce)
}

func TestExecute_GasEstimationFailure(t *testing.T) {
	gw := stub.NewGateway()
	gw.EstimateErr = &chain.RevertError{Reason: "not token owner"}
	o := newTestOrchestrator(gw)

	_, err := o.Execute(context.Background(), domain.Unlist(4), player)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGasEstimationFailed)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ErrGasEstimationFailed, f.Kind)
	assert.Equal(t, "not token owner", f.Reason)
	assert.Equal(t, domain.OpUnlist, f.Op)
	assert.Empty(t, gw.Sent())
}

func TestExecute_MintMaxSupply(t *testing.T) {
	gw := stub.NewGateway()
	gw.Constants[chain.ConstMaxSupply] = big.NewInt(1)
	gw.AddToken(player, "ipfs://existing", 1)
	o := newTestOrchestrator(gw)

	_, err := o.Execute(context.Background(), domain.Mint("ipfs://new", 3), player)
	assert.ErrorIs(t, err, ErrMaxSupplyReached)
	assert.Empty(t, gw.Sent(), "no transaction may be sent after a failed pre-flight")
}

func TestExecute_MintAttachesFee(t *testing.T) {
	gw := stub.NewGateway()
	o := newTestOrchestrator(gw)

	receipt, err := o.Execute(context.Background(), domain.Mint("ipfs://card", 5), player)
	require.NoError(t, err)
	require.Len(t, receipt.TokenIDs, 1)

	tok := gw.Tokens[receipt.TokenIDs[0]]
	assert.Equal(t, "ipfs://card", tok.URI)
	assert.Equal(t, uint8(5), tok.Rarity)
	assert.Equal(t, DefaultMintFee.String(), gw.Sent()[0].Opts.Value.String())
}

func TestExecute_ListPriceRoundTrip(t *testing.T) {
	gw := stub.NewGateway()
	id := gw.AddToken(player, "ipfs://a", 2)
	o := newTestOrchestrator(gw)
	ctx := context.Background()

	_, err := o.Execute(ctx, domain.List(id, "0.05"), player)
	require.NoError(t, err)

	sent := gw.Sent()[0]
	assert.Equal(t, int64(0), sent.Opts.Value.Int64(), "list attaches no value")

	listing, err := gw.TokenListing(ctx, id)
	require.NoError(t, err)
	assert.True(t, listing.Active)
	assert.Equal(t, "50000000000000000", listing.PriceWei.String())
	assert.Equal(t, "0.05", domain.FormatEther(listing.PriceWei))
}

func TestExecute_BuyTransfersOwnership(t *testing.T) {
	gw := stub.NewGateway()
	id := gw.AddToken(player, "ipfs://a", 2)
	o := newTestOrchestrator(gw)
	ctx := context.Background()

	_, err := o.Execute(ctx, domain.List(id, "0.05"), player)
	require.NoError(t, err)

	_, err = o.Execute(ctx, domain.Buy(id, "0.05"), buyer)
	require.NoError(t, err)
	assert.Equal(t, buyer, gw.Tokens[id].Owner)

	listed, err := gw.IsTokenListed(ctx, id)
	require.NoError(t, err)
	assert.False(t, listed)
}

func TestExecute_InvalidOperation(t *testing.T) {
	gw := stub.NewGateway()
	o := newTestOrchestrator(gw)

	_, err := o.Execute(context.Background(), domain.List(0, "0.05"), player)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)

	_, err = o.Execute(context.Background(), domain.Buy(3, "-1"), player)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.Empty(t, gw.Sent())
}
