package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	playerAddr   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

// rpcError mimics the JSON-RPC errors returned by go-ethereum's rpc client.
type rpcError struct {
	code int
	msg  string
	data interface{}
}

func (e *rpcError) Error() string          { return e.msg }
func (e *rpcError) ErrorCode() int         { return e.code }
func (e *rpcError) ErrorData() interface{} { return e.data }

func newTestGateway(t *testing.T) *EthereumGateway {
	t.Helper()
	g, err := NewEthereumGateway(nil, contractAddr)
	require.NoError(t, err)
	return g
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"eip-1193 rejection", &rpcError{code: 4001, msg: "rejected"}, ErrUserRejected},
		{"signer denial", errors.New("MetaMask Tx Signature: User denied transaction signature."), ErrUserRejected},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ErrInsufficientFunds},
		{"revert", errors.New("execution reverted: Max supply reached"), ErrReverted},
		{"transport", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	assert.NoError(t, classify(nil))
	assert.Equal(t, context.Canceled, classify(context.Canceled))
	assert.ErrorIs(t, classify(fmt.Errorf("wait: %w", context.DeadlineExceeded)), context.DeadlineExceeded)
}

func TestClassify_RevertReason(t *testing.T) {
	err := classify(errors.New("execution reverted: Max supply reached"))
	var revert *RevertError
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, "Max supply reached", revert.Reason)

	// Error(string) selector followed by the abi-encoded reason
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	stringType := newTestGateway(t).abi.Methods["tokenURI"].Outputs
	encoded, perr := stringType.Pack("Incorrect payment")
	require.NoError(t, perr)
	data := hexutil.Encode(append(selector, encoded...))

	err = classify(&rpcError{code: 3, msg: "execution reverted", data: data})
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, "Incorrect payment", revert.Reason)
	assert.Equal(t, "execution reverted: Incorrect payment", revert.Error())
}

func TestDecodeTokenIDs_GachaPulled(t *testing.T) {
	g := newTestGateway(t)
	ev := g.abi.Events["GachaPulled"]

	data, err := ev.Inputs.NonIndexed().Pack([]*big.Int{big.NewInt(17), big.NewInt(18), big.NewInt(19)})
	require.NoError(t, err)

	logs := []*types.Log{
		// same event from another contract is ignored
		{Address: common.HexToAddress("0x01"), Topics: []common.Hash{ev.ID, common.BytesToHash(playerAddr.Bytes())}, Data: data},
		{Address: contractAddr, Topics: []common.Hash{ev.ID, common.BytesToHash(playerAddr.Bytes())}, Data: data},
		nil,
	}

	ids, err := g.decodeTokenIDs("GachaPulled", logs)
	require.NoError(t, err)
	assert.Equal(t, []uint64{17, 18, 19}, ids)
}

func TestDecodeTokenIDs_IndexedTokenID(t *testing.T) {
	g := newTestGateway(t)
	ev := g.abi.Events["CardMinted"]

	data, err := ev.Inputs.NonIndexed().Pack(uint8(4))
	require.NoError(t, err)
	logs := []*types.Log{{
		Address: contractAddr,
		Topics: []common.Hash{
			ev.ID,
			common.BytesToHash(playerAddr.Bytes()),
			common.BigToHash(big.NewInt(42)),
		},
		Data: data,
	}}

	ids, err := g.decodeTokenIDs("CardMinted", logs)
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, ids)
}

func TestDecodeTokenIDs_UnknownEvent(t *testing.T) {
	ids, err := newTestGateway(t).decodeTokenIDs("Transfer", []*types.Log{{Address: contractAddr}})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSend_UnknownSigner(t *testing.T) {
	_, err := newTestGateway(t).Send(context.Background(), Call{Method: "pullGacha"}, TxOpts{From: "0x00000000000000000000000000000000000a11ce"})
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestRevertError(t *testing.T) {
	assert.Equal(t, "execution reverted", (&RevertError{}).Error())
	assert.True(t, errors.Is(fmt.Errorf("send: %w", &RevertError{Reason: "x"}), ErrReverted))
}
