package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/observability"
)

// EIP-1193 "user rejected request" code, also used by external signers.
const codeUserRejected = 4001

// ErrUnknownAccount is returned by Send when no signer is configured for the sender.
var ErrUnknownAccount = errors.New("no signer for account")

// Backend is the node client the gateway talks to. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

var _ PendingNonceSource = (*EthereumGateway)(nil)

// EthereumGateway implements Gateway over a deployed GachaCollectible contract.
type EthereumGateway struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
	signers  map[common.Address]*bind.TransactOpts
	logger   zerolog.Logger
}

// GatewayOption configures EthereumGateway.
type GatewayOption func(*EthereumGateway)

// WithSigner registers a keyed transactor able to sign for opts.From.
func WithSigner(opts *bind.TransactOpts) GatewayOption {
	return func(g *EthereumGateway) {
		g.signers[opts.From] = opts
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger zerolog.Logger) GatewayOption {
	return func(g *EthereumGateway) {
		g.logger = logger.With().Str("component", "chain").Logger()
	}
}

// NewEthereumGateway binds the contract at address through backend.
func NewEthereumGateway(backend Backend, address common.Address, opts ...GatewayOption) (*EthereumGateway, error) {
	parsed, err := abi.JSON(strings.NewReader(GachaCollectibleABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	g := &EthereumGateway{
		backend:  backend,
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		signers:  make(map[common.Address]*bind.TransactOpts),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// DialConfig holds what Dial needs to reach the node and sign transactions.
type DialConfig struct {
	Endpoint   string
	Contract   string
	PrivateKey string // hex, optional; without it the gateway is read-only
	ChainID    int64  // 0 asks the node
	Logger     zerolog.Logger
}

// Dial connects to an Ethereum node and returns a gateway plus the client to close.
func Dial(ctx context.Context, cfg DialConfig) (*EthereumGateway, *ethclient.Client, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	client, err := ethclient.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Endpoint, err)
	}

	opts := []GatewayOption{WithLogger(cfg.Logger)}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("parse private key: %w", err)
		}
		chainID := big.NewInt(cfg.ChainID)
		if cfg.ChainID == 0 {
			chainID, err = client.ChainID(ctx)
			if err != nil {
				client.Close()
				return nil, nil, fmt.Errorf("get chain id: %w", err)
			}
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("create transactor: %w", err)
		}
		opts = append(opts, WithSigner(signer))
	}

	g, err := NewEthereumGateway(client, common.HexToAddress(cfg.Contract), opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return g, client, nil
}

// Accounts returns the accounts the gateway can sign for.
func (g *EthereumGateway) Accounts() []domain.Account {
	accounts := make([]domain.Account, 0, len(g.signers))
	for addr := range g.signers {
		accounts = append(accounts, domain.Account(addr.Hex()))
	}
	return accounts
}

// EstimateGas estimates the gas used by call when sent from account.
func (g *EthereumGateway) EstimateGas(ctx context.Context, from domain.Account, call Call) (uint64, error) {
	data, err := g.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	msg := ethereum.CallMsg{
		From:  common.HexToAddress(string(from)),
		To:    &g.address,
		Value: call.Value,
		Data:  data,
	}

	start := time.Now()
	gas, err := g.backend.EstimateGas(ctx, msg)
	observability.RecordRPCLatency("eth_estimateGas", time.Since(start).Seconds())
	if err != nil {
		return 0, classify(err)
	}
	return gas, nil
}

// GasPrice returns the node's gas price suggestion.
func (g *EthereumGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	price, err := g.backend.SuggestGasPrice(ctx)
	observability.RecordRPCLatency("eth_gasPrice", time.Since(start).Seconds())
	if err != nil {
		return nil, classify(err)
	}
	return price, nil
}

// ConfirmedNonce returns the transaction count of account at the latest block.
func (g *EthereumGateway) ConfirmedNonce(ctx context.Context, account domain.Account) (uint64, error) {
	start := time.Now()
	n, err := g.backend.NonceAt(ctx, common.HexToAddress(string(account)), nil)
	observability.RecordRPCLatency("eth_getTransactionCount", time.Since(start).Seconds())
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// PendingNonce returns the transaction count of account including the node's pending pool.
func (g *EthereumGateway) PendingNonce(ctx context.Context, account domain.Account) (uint64, error) {
	start := time.Now()
	n, err := g.backend.PendingNonceAt(ctx, common.HexToAddress(string(account)))
	observability.RecordRPCLatency("eth_getTransactionCount_pending", time.Since(start).Seconds())
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Send signs and broadcasts call, waits for it to be mined and decodes call.Event.
func (g *EthereumGateway) Send(ctx context.Context, call Call, opts TxOpts) (*domain.Receipt, error) {
	from := common.HexToAddress(string(opts.From))
	signer, ok := g.signers[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}

	txOpts := &bind.TransactOpts{
		From:     signer.From,
		Signer:   signer.Signer,
		Nonce:    new(big.Int).SetUint64(opts.Nonce),
		Value:    opts.Value,
		GasPrice: opts.GasPrice,
		GasLimit: opts.GasLimit,
		Context:  ctx,
	}

	start := time.Now()
	tx, err := g.contract.Transact(txOpts, call.Method, call.Args...)
	observability.RecordRPCLatency("eth_sendRawTransaction", time.Since(start).Seconds())
	if err != nil {
		return nil, classify(err)
	}
	g.logger.Debug().
		Str("method", call.Method).
		Str("tx", tx.Hash().Hex()).
		Uint64("nonce", opts.Nonce).
		Msg("transaction broadcast")

	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), classify(err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Reason: fmt.Sprintf("transaction %s failed in block %d", tx.Hash().Hex(), receipt.BlockNumber.Uint64())}
	}

	ids, err := g.decodeTokenIDs(call.Event, receipt.Logs)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", call.Event, err)
	}

	return &domain.Receipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Success:     true,
		TokenIDs:    ids,
	}, nil
}

// decodeTokenIDs collects token ids from every log of the named event emitted by the contract.
func (g *EthereumGateway) decodeTokenIDs(event string, logs []*types.Log) ([]uint64, error) {
	ev, ok := g.abi.Events[event]
	if !ok {
		return nil, nil
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	var ids []uint64
	for _, lg := range logs {
		if lg == nil || lg.Address != g.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		fields := make(map[string]interface{})
		if err := g.abi.UnpackIntoMap(fields, event, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		ids = append(ids, tokenIDsFromFields(fields)...)
	}
	return ids, nil
}

func tokenIDsFromFields(fields map[string]interface{}) []uint64 {
	if v, ok := fields["tokenIds"].([]*big.Int); ok {
		ids := make([]uint64, len(v))
		for i, id := range v {
			ids[i] = id.Uint64()
		}
		return ids
	}
	if v, ok := fields["tokenId"].(*big.Int); ok {
		return []uint64{v.Uint64()}
	}
	return nil
}

// call performs a read-only contract call.
func (g *EthereumGateway) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	start := time.Now()
	err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...)
	observability.RecordRPCLatency(method, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, classify(err))
	}
	return out, nil
}

// ReadConstant reads a no-argument uint256 view.
func (g *EthereumGateway) ReadConstant(ctx context.Context, name string) (*big.Int, error) {
	out, err := g.call(ctx, name)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// TokenURI returns the descriptor URI of a token.
func (g *EthereumGateway) TokenURI(ctx context.Context, tokenID uint64) (string, error) {
	out, err := g.call(ctx, "tokenURI", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return "", err
	}
	return out[0].(string), nil
}

// Rarity returns the 0-indexed rarity of a token.
func (g *EthereumGateway) Rarity(ctx context.Context, tokenID uint64) (uint8, error) {
	out, err := g.call(ctx, "getRarity", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// TokensOfOwner returns the token ids held by account.
func (g *EthereumGateway) TokensOfOwner(ctx context.Context, account domain.Account) ([]uint64, error) {
	out, err := g.call(ctx, "getTokensOfOwner", common.HexToAddress(string(account)))
	if err != nil {
		return nil, err
	}
	raw := out[0].([]*big.Int)
	ids := make([]uint64, len(raw))
	for i, id := range raw {
		ids[i] = id.Uint64()
	}
	return ids, nil
}

// TokenListing returns the listing record of a token.
func (g *EthereumGateway) TokenListing(ctx context.Context, tokenID uint64) (*ListingInfo, error) {
	out, err := g.call(ctx, "getTokenListing", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, err
	}
	return &ListingInfo{
		PriceWei: out[0].(*big.Int),
		Seller:   domain.Account(out[1].(common.Address).Hex()),
		Active:   out[2].(bool),
	}, nil
}

// IsTokenListed reports whether a token has an active listing.
func (g *EthereumGateway) IsTokenListed(ctx context.Context, tokenID uint64) (bool, error) {
	out, err := g.call(ctx, "isTokenListed", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// classify maps node and signer errors onto the gateway taxonomy.
// Context errors are returned untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user denied"),
		strings.Contains(msg, "rejected by user"),
		strings.Contains(msg, "request denied"):
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"):
		return &RevertError{Reason: revertReason(err)}
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// revertReason extracts the Error(string) reason from the rpc error data,
// falling back to the message suffix.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return msg[i+len("execution reverted: "):]
	}
	return ""
}

var _ Gateway = (*EthereumGateway)(nil)
