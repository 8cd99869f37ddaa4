// Package chain provides EVM blockchain interaction for the payments service.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the JSON-RPC API the client depends on.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client signs, submits and tracks transactions on one EVM network.
type Client struct {
	backend      Backend
	chainID      *big.Int
	pollInterval time.Duration
}

// Config holds client configuration.
type Config struct {
	RPCURL       string
	ChainID      int64 // Base Sepolia: 84532, Base mainnet: 8453
	PollInterval time.Duration
	DialTimeout  time.Duration
}

// Dial connects to the RPC endpoint and verifies it serves the configured chain.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec, err := ethclient.DialContext(dctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	remote, err := ec.ChainID(dctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if cfg.ChainID != 0 && remote.Int64() != cfg.ChainID {
		ec.Close()
		return nil, fmt.Errorf("chain id mismatch: rpc serves %s, configured %d", remote, cfg.ChainID)
	}

	return NewClient(ec, remote, cfg.PollInterval), nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, chainID *big.Int, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		pollInterval: pollInterval,
	}
}

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call executes a read-only contract call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// Ping fetches the latest header to confirm the RPC endpoint is serving.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.backend.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("eth_getBlockByNumber: %w", err)
	}
	return nil
}

// Receipt returns the receipt for txHash. A transaction that is unknown or not yet
// mined yields (nil, nil).
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get receipt %s: %w", txHash.Hex(), err)
	}
	return receipt, nil
}

func isNotFoundError(err error) bool {
	return errors.Is(err, ethereum.NotFound) || (err != nil && err.Error() == ethereum.NotFound.Error())
}
