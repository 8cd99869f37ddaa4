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
)

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// gasLimitBufferPercent pads eth_estimateGas results.
const gasLimitBufferPercent = 20

var (
	// ErrConfirmationTimeout reports a transaction that was broadcast but not mined in time.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
	// ErrReverted reports a mined transaction with a failed receipt.
	ErrReverted = errors.New("transaction reverted")
)

// TxError ties a submission failure to the transaction hash that caused it.
type TxError struct {
	TxHash common.Hash
	Err    error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s: %v", e.TxHash.Hex(), e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// TxHashOf returns the hash attached to err by a submission, if any.
func TxHashOf(err error) (common.Hash, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.TxHash, true
	}
	return common.Hash{}, false
}

// Call is a state-changing contract invocation.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Submission is the result of a transaction accepted into the mempool.
type Submission struct {
	TxHash common.Hash
	Nonce  uint64
}

// Confirmation is the result of a mined, successful transaction.
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	Receipt     *types.Receipt
}

// SubmitAndReturn signs and broadcasts call, returning once the node accepts it.
func (c *Client) SubmitAndReturn(ctx context.Context, signer *Signer, call Call) (*Submission, error) {
	tx, err := c.send(ctx, signer, call)
	if err != nil {
		return nil, err
	}
	return &Submission{TxHash: tx.Hash(), Nonce: tx.Nonce()}, nil
}

// SubmitAndWait signs and broadcasts call, then blocks until it is mined or timeout
// elapses. A zero timeout uses DefaultTxWaitTimeout. A reverted receipt returns
// ErrReverted; an elapsed deadline returns ErrConfirmationTimeout. Both are wrapped
// in a TxError carrying the hash.
func (c *Client) SubmitAndWait(ctx context.Context, signer *Signer, call Call, timeout time.Duration) (*Confirmation, error) {
	tx, err := c.send(ctx, signer, call)
	if err != nil {
		return nil, err
	}
	return c.WaitConfirmed(ctx, tx.Hash(), timeout)
}

// WaitConfirmed waits for txHash and requires a successful receipt.
func (c *Client) WaitConfirmed(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Confirmation, error) {
	if timeout <= 0 {
		timeout = DefaultTxWaitTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := c.WaitMined(wctx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TxError{TxHash: txHash, Err: ErrConfirmationTimeout}
		}
		return nil, &TxError{TxHash: txHash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &TxError{TxHash: txHash, Err: ErrReverted}
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &Confirmation{TxHash: txHash, BlockNumber: block, Receipt: receipt}, nil
}

// WaitMined polls for a transaction receipt until it is available or ctx is done.
// A missing receipt is treated as transient and retried until the context deadline expires.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !isNotFoundError(err):
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// send builds, signs and broadcasts an EIP-1559 transaction (legacy on chains without a base fee).
func (c *Client) send(ctx context.Context, signer *Signer, call Call) (*types.Transaction, error) {
	if signer == nil || signer.key == nil {
		return nil, fmt.Errorf("signer is closed")
	}
	from := signer.Address()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: call.Data, Value: value})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * gasLimitBufferPercent / 100

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get head: %w", err)
	}

	var txData types.TxData
	if head.BaseFee != nil {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		txData = &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		}
	} else {
		price, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     call.Data,
		}
	}

	tx, err := types.SignNewTx(signer.key, types.LatestSignerForChainID(c.chainID), txData)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return tx, nil
}
