// Package dispatcher submits tips and escrow operations to the payment contracts.
//
// A Dispatcher is built once at startup and shared by every request. It holds
// the chain client and the parsed contract bindings, never signing material:
// each operation derives a signer from the caller's key-material blob, uses it
// for that call only, and zeroes it on return.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Asupkay/vibe-platform/internal/chain"
	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/logging"
	"github.com/Asupkay/vibe-platform/internal/metrics"
)

// DefaultFeeRate is the protocol fee reported alongside tips and escrow releases.
var DefaultFeeRate = decimal.RequireFromString("0.025")

// ChainClient is the subset of chain.Client the dispatcher depends on.
type ChainClient interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SubmitAndWait(ctx context.Context, signer *chain.Signer, call chain.Call, timeout time.Duration) (*chain.Confirmation, error)
	SubmitAndReturn(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Submission, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config wires a Dispatcher. A nil FeeRate means DefaultFeeRate; zero is a
// valid rate.
type Config struct {
	Chain               ChainClient
	PaymentContract     common.Address
	EscrowContract      common.Address
	Token               common.Address
	ConfirmationTimeout time.Duration
	FeeRate             *decimal.Decimal
	Logger              *logging.Logger
	Metrics             *metrics.Metrics
}

// Dispatcher performs contract operations. Safe for concurrent use.
type Dispatcher struct {
	chain   ChainClient
	abis    *bindings
	payment common.Address
	escrow  common.Address
	token   common.Address
	timeout time.Duration
	feeRate decimal.Decimal
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New validates cfg and builds a Dispatcher. Missing contract addresses are fatal.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Chain == nil {
		return nil, svcerrors.Configuration("chain client is required")
	}
	zero := common.Address{}
	if cfg.PaymentContract == zero || cfg.EscrowContract == zero || cfg.Token == zero {
		return nil, svcerrors.Configuration("payment, escrow and token contract addresses are required")
	}

	abis, err := loadBindings()
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConfirmationTimeout
	if timeout <= 0 {
		timeout = chain.DefaultTxWaitTimeout
	}
	feeRate := DefaultFeeRate
	if cfg.FeeRate != nil {
		feeRate = *cfg.FeeRate
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, svcerrors.Configuration("fee rate must be in [0, 1)")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default("dispatcher")
	}

	return &Dispatcher{
		chain:   cfg.Chain,
		abis:    abis,
		payment: cfg.PaymentContract,
		escrow:  cfg.EscrowContract,
		token:   cfg.Token,
		timeout: timeout,
		feeRate: feeRate,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// =============================================================================
// Operations
// =============================================================================

// Tip pays recipient through the payment contract and waits for the receipt.
func (d *Dispatcher) Tip(ctx context.Context, req TipRequest) (result *TipResult, err error) {
	start := time.Now()
	defer func() { d.observe("tip", start, err) }()

	units, err := chain.ToBaseUnits(req.Amount, chain.USDCDecimals)
	if err != nil {
		zeroBytes(req.KeyMaterial)
		return nil, svcerrors.Validation(err.Error())
	}

	signer, err := d.deriveSigner(ctx, req.From, req.KeyMaterial)
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	if err := d.ensureAllowance(ctx, signer, d.payment, units); err != nil {
		return nil, err
	}

	requestID := chain.NormalizeRequestID(req.RequestID)
	data, err := d.abis.payment.Pack("payForRequest", req.Recipient, units, ServiceTip, requestID)
	if err != nil {
		return nil, svcerrors.TransferFailed(fmt.Errorf("pack payForRequest: %w", err))
	}

	conf, err := d.chain.SubmitAndWait(ctx, signer, chain.Call{To: d.payment, Data: data}, d.timeout)
	if err != nil {
		return nil, svcerrors.TransferFailed(err)
	}

	result = &TipResult{
		TxHash:      conf.TxHash,
		Status:      TxConfirmed,
		BlockNumber: conf.BlockNumber,
		Amount:      req.Amount,
		Fee:         d.fee(req.Amount),
	}
	if ev, ok := d.parsePaymentMade(conf.Receipt); ok {
		result.Event = ev
	} else {
		d.logger.WithContext(ctx).WithField("tx_hash", conf.TxHash.Hex()).Warn("PaymentMade event not found in receipt")
	}

	d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"from":    req.From,
		"to":      req.To,
		"amount":  req.Amount.String(),
		"tx_hash": conf.TxHash.Hex(),
		"block":   conf.BlockNumber,
	}).Info("tip confirmed")
	return result, nil
}

// CreateEscrow locks funds in the escrow contract. It returns after the node accepts
// the transaction; the caller reconciles the final status later.
func (d *Dispatcher) CreateEscrow(ctx context.Context, req EscrowRequest) (result *EscrowResult, err error) {
	start := time.Now()
	defer func() { d.observe("create_escrow", start, err) }()

	units, err := chain.ToBaseUnits(req.Amount, chain.USDCDecimals)
	if err != nil {
		zeroBytes(req.KeyMaterial)
		return nil, svcerrors.Validation(err.Error())
	}

	signer, err := d.deriveSigner(ctx, req.From, req.KeyMaterial)
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	if err := d.ensureAllowance(ctx, signer, d.escrow, units); err != nil {
		return nil, err
	}

	escrowID := chain.NormalizeRequestID(req.EscrowID)
	data, err := d.abis.escrow.Pack("createEscrow", req.Expert, units, req.Description, ServiceExpertHelp, escrowID)
	if err != nil {
		return nil, svcerrors.EscrowCreationFailed(fmt.Errorf("pack createEscrow: %w", err))
	}

	sub, err := d.chain.SubmitAndReturn(ctx, signer, chain.Call{To: d.escrow, Data: data})
	if err != nil {
		return nil, svcerrors.EscrowCreationFailed(err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"from":      req.From,
		"to":        req.To,
		"amount":    req.Amount.String(),
		"escrow_id": escrowID.Hex(),
		"tx_hash":   sub.TxHash.Hex(),
	}).Info("escrow submitted")

	return &EscrowResult{TxHash: sub.TxHash, EscrowID: escrowID, Status: TxPending}, nil
}

// CompleteEscrow releases an escrow and waits for the receipt. The released amount
// comes from the completion event, never from the request.
func (d *Dispatcher) CompleteEscrow(ctx context.Context, req CompleteRequest) (result *CompleteResult, err error) {
	start := time.Now()
	defer func() { d.observe("complete_escrow", start, err) }()

	signer, err := d.deriveSigner(ctx, req.AskerHandle, req.KeyMaterial)
	if err != nil {
		return nil, err
	}
	defer signer.Close()

	escrowID := chain.NormalizeRequestID(req.EscrowID)
	data, err := d.abis.escrow.Pack("completeEscrow", escrowID)
	if err != nil {
		return nil, svcerrors.EscrowCompletionFailed(fmt.Errorf("pack completeEscrow: %w", err))
	}

	conf, err := d.chain.SubmitAndWait(ctx, signer, chain.Call{To: d.escrow, Data: data}, d.timeout)
	if err != nil {
		return nil, svcerrors.EscrowCompletionFailed(err)
	}

	result = &CompleteResult{
		TxHash:         conf.TxHash,
		Status:         TxConfirmed,
		BlockNumber:    conf.BlockNumber,
		AmountReleased: decimal.Zero,
	}
	if expert, amount, ok := d.parseEscrowReleased(conf.Receipt, escrowID); ok {
		result.Expert = expert
		result.AmountReleased = amount
	} else {
		d.logger.WithContext(ctx).WithField("tx_hash", conf.TxHash.Hex()).Warn("EscrowCompleted event not found in receipt")
	}
	result.Fee = d.fee(result.AmountReleased)

	d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"asker":     req.AskerHandle,
		"escrow_id": escrowID.Hex(),
		"released":  result.AmountReleased.String(),
		"tx_hash":   conf.TxHash.Hex(),
	}).Info("escrow completed")
	return result, nil
}

// GetTransactionStatus reports pending, confirmed or failed. Only RPC failures error.
func (d *Dispatcher) GetTransactionStatus(ctx context.Context, txHash common.Hash) (*TxStatusResult, error) {
	receipt, err := d.chain.Receipt(ctx, txHash)
	if err != nil {
		return nil, svcerrors.ChainUnavailable(err)
	}
	if receipt == nil {
		return &TxStatusResult{TxHash: txHash, Status: TxPending}, nil
	}

	out := &TxStatusResult{TxHash: txHash, Status: TxFailed, GasUsed: receipt.GasUsed}
	if receipt.Status == types.ReceiptStatusSuccessful {
		out.Status = TxConfirmed
	}
	if receipt.BlockNumber != nil {
		block := receipt.BlockNumber.Uint64()
		out.BlockNumber = &block
	}
	return out, nil
}

// GetEscrow reads the escrow record from the contract.
func (d *Dispatcher) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	id := chain.NormalizeRequestID(escrowID)
	data, err := d.abis.escrow.Pack("getEscrow", id)
	if err != nil {
		return nil, svcerrors.Internal("pack getEscrow", err)
	}
	out, err := d.chain.Call(ctx, d.escrow, data)
	if err != nil {
		return nil, svcerrors.ChainUnavailable(err)
	}

	var t escrowTuple
	if err := d.abis.escrow.UnpackIntoInterface(&t, "getEscrow", out); err != nil {
		return nil, svcerrors.Internal("unpack getEscrow", err)
	}
	if t.Asker == (common.Address{}) {
		return nil, svcerrors.NotFound("escrow")
	}

	return &Escrow{
		ID:        id,
		Asker:     t.Asker,
		Expert:    t.Expert,
		Amount:    chain.FromBaseUnits(t.Amount, chain.USDCDecimals),
		Question:  t.Question,
		Service:   t.Service,
		CreatedAt: time.Unix(t.CreatedAt.Int64(), 0).UTC(),
		Timeout:   time.Duration(t.Timeout.Int64()) * time.Second,
		State:     EscrowState(t.Status),
	}, nil
}

// BalanceOf returns the token balance of account.
func (d *Dispatcher) BalanceOf(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	units, err := d.readUint(ctx, d.token, "balanceOf", account)
	if err != nil {
		return decimal.Zero, svcerrors.ChainUnavailable(err)
	}
	return chain.FromBaseUnits(units, chain.USDCDecimals), nil
}

// =============================================================================
// Helpers
// =============================================================================

// ensureAllowance approves exactly required for spender when the current allowance
// is short, and waits for the approval to be mined.
func (d *Dispatcher) ensureAllowance(ctx context.Context, signer *chain.Signer, spender common.Address, required *big.Int) error {
	current, err := d.readUint(ctx, d.token, "allowance", signer.Address(), spender)
	if err != nil {
		return svcerrors.AllowanceApproval(err)
	}
	if current.Cmp(required) >= 0 {
		return nil
	}

	data, err := d.abis.token.Pack("approve", spender, required)
	if err != nil {
		return svcerrors.AllowanceApproval(fmt.Errorf("pack approve: %w", err))
	}

	d.metrics.RecordApproval(d.spenderLabel(spender))
	conf, err := d.chain.SubmitAndWait(ctx, signer, chain.Call{To: d.token, Data: data}, d.timeout)
	if err != nil {
		return svcerrors.AllowanceApproval(err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"owner":   signer.Address().Hex(),
		"spender": spender.Hex(),
		"amount":  required.String(),
		"tx_hash": conf.TxHash.Hex(),
	}).Info("allowance approved")
	return nil
}

func (d *Dispatcher) readUint(ctx context.Context, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	data, err := d.abis.token.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := d.chain.Call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	vals, err := d.abis.token.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

func (d *Dispatcher) deriveSigner(ctx context.Context, handle string, keyMaterial []byte) (*chain.Signer, error) {
	signer, err := chain.DeriveSigner(keyMaterial)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("handle", handle).Error("signer derivation failed")
		return nil, svcerrors.SignerDerivation(err)
	}
	return signer, nil
}

func (d *Dispatcher) fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(d.feeRate).Round(chain.USDCDecimals)
}

func (d *Dispatcher) spenderLabel(spender common.Address) string {
	switch spender {
	case d.payment:
		return "payment"
	case d.escrow:
		return "escrow"
	default:
		return "other"
	}
}

func (d *Dispatcher) observe(operation string, start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, chain.ErrConfirmationTimeout):
		outcome = "timeout"
	default:
		if se := svcerrors.GetServiceError(err); se != nil {
			outcome = string(se.Code)
		} else {
			outcome = "error"
		}
	}
	d.metrics.RecordChainOperation(operation, outcome, time.Since(start))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
