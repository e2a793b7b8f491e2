// Package chain connects the provider node to the router: an ethclient
// backed Client for real deployments and an in-process Local chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-oracle-router/internal/config"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
)

// Backend is the node surface the client needs. *ethclient.Client and the
// simulated backend's client both satisfy it.
type Backend interface {
	bind.ContractBackend
	ethereum.BlockNumberReader
	ethereum.TransactionReader
}

// Client wraps go-ethereum and the router ABI.
type Client struct {
	eth          Backend
	abi          *abi.ABI
	contract     *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
	providerKey  *ecdsa.PrivateKey
	from         common.Address
	maxGasPrice  *big.Int
	gasLimit     uint64
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := NewClientWithBackend(eth, cfg.Chain)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return c, nil
}

// NewClientWithBackend binds the router at cfg.RouterAddress on an existing
// backend.
func NewClientWithBackend(eth Backend, cfg config.ChainConfig) (*Client, error) {
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ProviderPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse provider private key: %w", err)
	}

	parsed, err := RouterMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	addr := common.HexToAddress(cfg.RouterAddress)

	c := &Client{
		eth:          eth,
		abi:          parsed,
		contract:     bind.NewBoundContract(addr, *parsed, eth, eth, eth),
		contractAddr: addr,
		chainID:      big.NewInt(cfg.ChainID),
		providerKey:  privKey,
		from:         crypto.PubkeyToAddress(privKey.PublicKey),
		gasLimit:     cfg.GasLimit,
	}
	if cfg.MaxGasPrice != "" {
		ceiling, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid MAX_GAS_PRICE %q", cfg.MaxGasPrice)
		}
		c.maxGasPrice = ceiling
	}
	return c, nil
}

func (c *Client) Close() {
	if cl, ok := c.eth.(interface{ Close() }); ok {
		cl.Close()
	}
}

// From returns the provider address transactions are sent from.
func (c *Client) From() common.Address { return c.from }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ContractAddress returns the router contract address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// transactOpts builds a *bind.TransactOpts signed by the provider key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.providerKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

func (c *Client) HeadHeight(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Salt reads the router's deployment salt.
func (c *Client) Salt(ctx context.Context) (common.Hash, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getSalt"); err != nil {
		return common.Hash{}, fmt.Errorf("getSalt: %w", err)
	}
	salt := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return common.Hash(salt), nil
}

// RequestLive reports whether the router still holds the request.
func (c *Client) RequestLive(ctx context.Context, id common.Hash) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDataRequestConsumer", id); err != nil {
		return false, fmt.Errorf("getDataRequestConsumer: %w", err)
	}
	consumer := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	return consumer != (common.Address{}), nil
}

// Events returns router events of one kind mined in [from, to].
func (c *Client) Events(ctx context.Context, kind oracle.EventKind, from, to uint64) ([]oracle.Event, error) {
	ev, ok := c.abi.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", kind)
	}
	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contractAddr},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter %s logs [%d, %d]: %w", kind, from, to, err)
	}
	out := make([]oracle.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		decoded, err := decodeLog(c.contract, kind, lg)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

// PrepareFulfillment signs a fulfillRequest transaction without sending it,
// so its hash can be recorded first. The gas price is the node's suggestion
// capped by the request limit and the configured maximum.
func (c *Client) PrepareFulfillment(ctx context.Context, call oracle.FulfillmentCall) (*oracle.Submission, error) {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return nil, fmt.Errorf("build tx opts: %w", err)
	}
	opts.NoSend = true
	opts.GasLimit = c.gasLimit

	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if len(call.Replaces) > 0 {
		prev := new(types.Transaction)
		if err := prev.UnmarshalBinary(call.Replaces); err == nil {
			opts.Nonce = new(big.Int).SetUint64(prev.Nonce())
			// replacement must outbid the stuck transaction by 10%
			bump := new(big.Int).Mul(prev.GasPrice(), big.NewInt(110))
			bump.Div(bump, big.NewInt(100)).Add(bump, common.Big1)
			if bump.Cmp(price) > 0 {
				price = bump
			}
		}
	}
	price = capPrice(price, call.GasPriceLimit, c.maxGasPrice)
	opts.GasPrice = price

	tx, err := c.contract.Transact(opts, "fulfillRequest", call.RequestID, call.RequestedData, call.Signature)
	if err != nil {
		return nil, fmt.Errorf("fulfillRequest tx: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	return &oracle.Submission{TxRef: tx.Hash(), GasPrice: price, Call: call, Raw: raw}, nil
}

// Broadcast sends a prepared transaction. Re-sending a known one is not an
// error.
func (c *Client) Broadcast(ctx context.Context, sub *oracle.Submission) error {
	if len(sub.Raw) == 0 {
		return errors.New("submission has no encoded transaction")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(sub.Raw); err != nil {
		return fmt.Errorf("decode tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(err.Error(), "already known") {
			return nil
		}
		return fmt.Errorf("send tx %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// Receipt returns the mined receipt for ref, or nil if it is not mined.
func (c *Client) Receipt(ctx context.Context, ref common.Hash) (*oracle.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, ref)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", ref.Hex(), err)
	}
	out := &oracle.Receipt{
		TxRef:   ref,
		Height:  r.BlockNumber.Uint64(),
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if !out.Success {
		out.Reason = "execution reverted"
	}
	return out, nil
}

func capPrice(price *big.Int, caps ...*big.Int) *big.Int {
	out := new(big.Int).Set(price)
	for _, c := range caps {
		if c != nil && out.Cmp(c) > 0 {
			out.Set(c)
		}
	}
	return out
}

// ── Log decoding ──────────────────────────────────────────────────────────

type dataRequestedLog struct {
	Consumer         common.Address
	Provider         common.Address
	Fee              *big.Int
	DataSpec         string
	RequestId        [32]byte
	GasPriceLimit    *big.Int
	ExpiresAt        *big.Int
	CallbackSelector [4]byte
	Nonce            *big.Int
}

type permissionLog struct {
	Consumer common.Address
	Provider common.Address
}

type requestFulfilledLog struct {
	Consumer      common.Address
	Provider      common.Address
	RequestId     [32]byte
	RequestedData *big.Int
	Fee           *big.Int
	GasUsed       *big.Int
}

type requestCancelledLog struct {
	Consumer  common.Address
	Provider  common.Address
	RequestId [32]byte
	Refund    *big.Int
}

func decodeLog(contract *bind.BoundContract, kind oracle.EventKind, lg types.Log) (oracle.Event, error) {
	ev := oracle.Event{Kind: kind, Height: lg.BlockNumber, TxRef: lg.TxHash, Index: lg.Index}
	var err error
	switch kind {
	case oracle.KindDataRequested:
		var out dataRequestedLog
		if err = contract.UnpackLog(&out, string(kind), lg); err == nil {
			ev.DataRequested = &oracle.DataRequested{
				Consumer:         out.Consumer,
				Provider:         out.Provider,
				Fee:              out.Fee,
				DataSpec:         out.DataSpec,
				RequestID:        out.RequestId,
				GasPriceLimit:    out.GasPriceLimit,
				ExpiresAt:        out.ExpiresAt.Uint64(),
				CallbackSelector: out.CallbackSelector,
				Nonce:            out.Nonce,
			}
		}
	case oracle.KindPermissionGranted, oracle.KindPermissionRevoked:
		var out permissionLog
		if err = contract.UnpackLog(&out, string(kind), lg); err == nil {
			ev.PermissionChanged = &oracle.PermissionChanged{Consumer: out.Consumer, Provider: out.Provider}
		}
	case oracle.KindRequestFulfilled:
		var out requestFulfilledLog
		if err = contract.UnpackLog(&out, string(kind), lg); err == nil {
			ev.RequestFulfilled = &oracle.RequestFulfilled{
				Consumer:      out.Consumer,
				Provider:      out.Provider,
				RequestID:     out.RequestId,
				RequestedData: out.RequestedData,
				Fee:           out.Fee,
				GasUsed:       out.GasUsed.Uint64(),
			}
		}
	case oracle.KindRequestCancelled:
		var out requestCancelledLog
		if err = contract.UnpackLog(&out, string(kind), lg); err == nil {
			ev.RequestCancelled = &oracle.RequestCancelled{
				Consumer:  out.Consumer,
				Provider:  out.Provider,
				RequestID: out.RequestId,
				Refund:    out.Refund,
			}
		}
	default:
		return ev, fmt.Errorf("unknown event %s", kind)
	}
	if err != nil {
		return ev, fmt.Errorf("unpack %s log %s/%d: %w", kind, lg.TxHash.Hex(), lg.Index, err)
	}
	return ev, nil
}
