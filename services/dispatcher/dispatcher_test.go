package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Asupkay/vibe-platform/internal/chain"
	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/metrics"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	paymentAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	escrowAddr  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	tokenAddr   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	bobAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	signerAddr  = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
)

func keyBlob() []byte {
	return []byte(`{"privateKey":"` + testKey + `"}`)
}

// sentCall is one state-changing submission observed by fakeChain.
type sentCall struct {
	method string
	args   []interface{}
	wait   bool
}

// fakeChain decodes calldata with the real ABIs and simulates the contracts.
type fakeChain struct {
	mu         sync.Mutex
	abis       *bindings
	allowance  map[common.Address]*big.Int // by spender
	balance    *big.Int
	sent       []sentCall
	waits      int
	nextErr    map[string]error
	released   *big.Int
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
	escrow     *escrowTuple
	seq        int
}

func newFakeChain(t *testing.T) *fakeChain {
	abis, err := loadBindings()
	require.NoError(t, err)
	return &fakeChain{
		abis:      abis,
		allowance: map[common.Address]*big.Int{},
		balance:   big.NewInt(0),
		nextErr:   map[string]error{},
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

func (f *fakeChain) decode(to common.Address, data []byte) (string, []interface{}) {
	var parsed = f.abis.token
	switch to {
	case paymentAddr:
		parsed = f.abis.payment
	case escrowAddr:
		parsed = f.abis.escrow
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		panic(err)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		panic(err)
	}
	return m.Name, args
}

func (f *fakeChain) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, args := f.decode(to, data)
	if err := f.nextErr["call:"+method]; err != nil {
		return nil, err
	}
	switch method {
	case "allowance":
		v := f.allowance[args[1].(common.Address)]
		if v == nil {
			v = big.NewInt(0)
		}
		return f.abis.token.Methods["allowance"].Outputs.Pack(v)
	case "balanceOf":
		return f.abis.token.Methods["balanceOf"].Outputs.Pack(f.balance)
	case "getEscrow":
		e := f.escrow
		if e == nil {
			e = &escrowTuple{Amount: big.NewInt(0), CreatedAt: big.NewInt(0), Timeout: big.NewInt(0)}
		}
		return f.abis.escrow.Methods["getEscrow"].Outputs.Pack(e.Asker, e.Expert, e.Amount, e.Question, e.Service, e.CreatedAt, e.Timeout, e.Status)
	}
	return nil, fmt.Errorf("unexpected call %s", method)
}

func (f *fakeChain) record(signer *chain.Signer, call chain.Call, wait bool) (string, []interface{}, common.Hash, error) {
	method, args := f.decode(call.To, call.Data)
	f.sent = append(f.sent, sentCall{method: method, args: args, wait: wait})
	f.seq++
	hash := common.BigToHash(big.NewInt(int64(f.seq)))
	if err := f.nextErr[method]; err != nil {
		return method, args, hash, err
	}
	if signer.Address() != signerAddr {
		return method, args, hash, fmt.Errorf("unexpected signer %s", signer.Address().Hex())
	}
	return method, args, hash, nil
}

func (f *fakeChain) SubmitAndWait(ctx context.Context, signer *chain.Signer, call chain.Call, timeout time.Duration) (*chain.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	method, args, hash, err := f.record(signer, call, true)
	if err != nil {
		return nil, err
	}

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(500)}
	switch method {
	case "approve":
		f.allowance[args[0].(common.Address)] = args[1].(*big.Int)
	case "payForRequest":
		ev := f.abis.payment.Events["PaymentMade"]
		data, _ := ev.Inputs.NonIndexed().Pack(args[1], args[2], args[3])
		receipt.Logs = []*types.Log{{
			Address: paymentAddr,
			Topics:  []common.Hash{ev.ID, common.BytesToHash(signer.Address().Bytes()), common.BytesToHash(args[0].(common.Address).Bytes())},
			Data:    data,
		}}
	case "completeEscrow":
		if f.released != nil {
			ev := f.abis.escrow.Events["EscrowCompleted"]
			data, _ := ev.Inputs.NonIndexed().Pack(f.released)
			id := args[0].([32]byte)
			receipt.Logs = []*types.Log{{
				Address: escrowAddr,
				Topics:  []common.Hash{ev.ID, common.Hash(id), common.BytesToHash(bobAddr.Bytes())},
				Data:    data,
			}}
		}
	}
	return &chain.Confirmation{TxHash: hash, BlockNumber: 500, Receipt: receipt}, nil
}

func (f *fakeChain) SubmitAndReturn(ctx context.Context, signer *chain.Signer, call chain.Call) (*chain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _, hash, err := f.record(signer, call, false)
	if err != nil {
		return nil, err
	}
	return &chain.Submission{TxHash: hash}, nil
}

func (f *fakeChain) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipts[txHash], nil
}

func (f *fakeChain) methods() []string {
	out := make([]string, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.method)
	}
	return out
}

func newTestDispatcher(t *testing.T, fc *fakeChain) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Chain:           fc,
		PaymentContract: paymentAddr,
		EscrowContract:  escrowAddr,
		Token:           tokenAddr,
		Metrics:         metrics.New(),
	})
	require.NoError(t, err)
	return d
}

func usdc(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// Construction
// =============================================================================

func TestNewRequiresContracts(t *testing.T) {
	fc := newFakeChain(t)
	_, err := New(Config{Chain: fc, PaymentContract: paymentAddr, Token: tokenAddr})
	require.Error(t, err)
	assert.Equal(t, svcerrors.CodeConfiguration, svcerrors.GetServiceError(err).Code)

	_, err = New(Config{PaymentContract: paymentAddr, EscrowContract: escrowAddr, Token: tokenAddr})
	require.Error(t, err)
}

func TestNew_FeeRate(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[paymentAddr] = big.NewInt(100_000_000)
	base := Config{Chain: fc, PaymentContract: paymentAddr, EscrowContract: escrowAddr, Token: tokenAddr}

	zero := decimal.Zero
	cfg := base
	cfg.FeeRate = &zero
	d, err := New(cfg)
	require.NoError(t, err)
	res, err := d.Tip(context.Background(), TipRequest{
		From: "alice", To: "bob", Recipient: bobAddr,
		Amount: usdc("5"), RequestID: "req-0", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)
	assert.True(t, res.Fee.IsZero(), "fee = %s", res.Fee)

	for _, bad := range []string{"-0.01", "1"} {
		rate := usdc(bad)
		cfg.FeeRate = &rate
		_, err := New(cfg)
		require.Error(t, err, bad)
		assert.Equal(t, svcerrors.CodeConfiguration, svcerrors.GetServiceError(err).Code)
	}
}

// =============================================================================
// Tip
// =============================================================================

func TestTip_SufficientAllowanceSingleTransaction(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[paymentAddr] = big.NewInt(100_000_000)
	d := newTestDispatcher(t, fc)

	res, err := d.Tip(context.Background(), TipRequest{
		From: "alice", To: "bob", Recipient: bobAddr,
		Amount: usdc("5"), RequestID: "req-1", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"payForRequest"}, fc.methods())
	assert.Equal(t, 1, fc.waits)
	assert.Equal(t, TxConfirmed, res.Status)
	assert.Equal(t, uint64(500), res.BlockNumber)
	assert.True(t, res.Fee.Equal(usdc("0.125")), "fee = %s", res.Fee)

	args := fc.sent[0].args
	assert.Equal(t, bobAddr, args[0])
	assert.Equal(t, int64(5_000_000), args[1].(*big.Int).Int64())
	assert.Equal(t, ServiceTip, args[2])
	assert.Equal(t, crypto.Keccak256Hash([]byte("req-1")), common.Hash(args[3].([32]byte)))

	require.NotNil(t, res.Event)
	assert.Equal(t, signerAddr, res.Event.Payer)
	assert.Equal(t, bobAddr, res.Event.Recipient)
	assert.True(t, res.Event.Amount.Equal(usdc("5")))
	assert.Equal(t, ServiceTip, res.Event.Service)
}

func TestTip_InsufficientAllowanceApprovesExactAmount(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[paymentAddr] = big.NewInt(1_000_000)
	d := newTestDispatcher(t, fc)

	_, err := d.Tip(context.Background(), TipRequest{
		From: "alice", To: "bob", Recipient: bobAddr,
		Amount: usdc("2.5"), RequestID: "req-2", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"approve", "payForRequest"}, fc.methods())
	approve := fc.sent[0]
	assert.True(t, approve.wait, "approval must be mined before payment")
	assert.Equal(t, paymentAddr, approve.args[0])
	assert.Equal(t, int64(2_500_000), approve.args[1].(*big.Int).Int64())
}

func TestTip_ApprovalFailure(t *testing.T) {
	fc := newFakeChain(t)
	fc.nextErr["approve"] = errors.New("insufficient funds for gas")
	d := newTestDispatcher(t, fc)

	_, err := d.Tip(context.Background(), TipRequest{
		From: "alice", Recipient: bobAddr, Amount: usdc("1"), RequestID: "r", KeyMaterial: keyBlob(),
	})
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAllowanceApproval))
	assert.Equal(t, []string{"approve"}, fc.methods())
}

func TestTip_ConfirmationTimeoutIsDistinct(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[paymentAddr] = big.NewInt(10_000_000)
	fc.nextErr["payForRequest"] = &chain.TxError{TxHash: common.HexToHash("0xabc"), Err: chain.ErrConfirmationTimeout}
	d := newTestDispatcher(t, fc)

	_, err := d.Tip(context.Background(), TipRequest{
		From: "alice", Recipient: bobAddr, Amount: usdc("1"), RequestID: "r", KeyMaterial: keyBlob(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chain.ErrConfirmationTimeout))
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeTransferFailed))
	hash, ok := chain.TxHashOf(err)
	assert.True(t, ok)
	assert.Equal(t, common.HexToHash("0xabc"), hash)
}

func TestTip_InvalidKeyMaterial(t *testing.T) {
	fc := newFakeChain(t)
	d := newTestDispatcher(t, fc)
	blob := []byte(`{"mnemonic":"nope"}`)

	_, err := d.Tip(context.Background(), TipRequest{
		From: "alice", Recipient: bobAddr, Amount: usdc("1"), RequestID: "r", KeyMaterial: blob,
	})
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeSignerDerivation))
	assert.Empty(t, fc.sent)
	for _, b := range blob {
		require.Zero(t, b, "key material must be zeroed")
	}
}

func TestTip_RejectsExcessPrecision(t *testing.T) {
	fc := newFakeChain(t)
	d := newTestDispatcher(t, fc)
	blob := keyBlob()

	_, err := d.Tip(context.Background(), TipRequest{
		From: "alice", Recipient: bobAddr, Amount: usdc("1.0000001"), KeyMaterial: blob,
	})
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	assert.Empty(t, fc.sent)
	for _, b := range blob {
		require.Zero(t, b)
	}
}

// =============================================================================
// Escrow
// =============================================================================

func TestCreateEscrow_ReturnsPendingWithoutWaiting(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[escrowAddr] = big.NewInt(100_000_000)
	d := newTestDispatcher(t, fc)

	escrowID := crypto.Keccak256Hash([]byte("alicebob1700000000000")).Hex()
	res, err := d.CreateEscrow(context.Background(), EscrowRequest{
		From: "alice", To: "bob", Expert: bobAddr, Amount: usdc("50"),
		Description: "review my PR", EscrowID: escrowID, TimeoutHours: 48, KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, TxPending, res.Status)
	assert.Equal(t, escrowID, res.EscrowID.Hex())
	assert.Equal(t, 0, fc.waits)
	require.Equal(t, []string{"createEscrow"}, fc.methods())

	args := fc.sent[0].args
	assert.Equal(t, bobAddr, args[0])
	assert.Equal(t, int64(50_000_000), args[1].(*big.Int).Int64())
	assert.Equal(t, "review my PR", args[2])
	assert.Equal(t, ServiceExpertHelp, args[3])
}

func TestCreateEscrow_ApprovesAgainstEscrowContract(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[paymentAddr] = big.NewInt(1_000_000_000)
	d := newTestDispatcher(t, fc)

	_, err := d.CreateEscrow(context.Background(), EscrowRequest{
		From: "alice", Expert: bobAddr, Amount: usdc("5"), EscrowID: "e1", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"approve", "createEscrow"}, fc.methods())
	assert.Equal(t, escrowAddr, fc.sent[0].args[0])
	assert.Equal(t, 1, fc.waits)
}

func TestCreateEscrow_SubmissionFailure(t *testing.T) {
	fc := newFakeChain(t)
	fc.allowance[escrowAddr] = big.NewInt(100_000_000)
	fc.nextErr["createEscrow"] = errors.New("execution reverted")
	d := newTestDispatcher(t, fc)

	_, err := d.CreateEscrow(context.Background(), EscrowRequest{
		From: "alice", Expert: bobAddr, Amount: usdc("5"), EscrowID: "e1", KeyMaterial: keyBlob(),
	})
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeEscrowCreationFailed))
}

func TestCompleteEscrow_AmountFromEvent(t *testing.T) {
	fc := newFakeChain(t)
	fc.released = big.NewInt(48_750_000)
	d := newTestDispatcher(t, fc)

	res, err := d.CompleteEscrow(context.Background(), CompleteRequest{
		EscrowID: "e1", AskerHandle: "alice", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)

	assert.Equal(t, TxConfirmed, res.Status)
	assert.True(t, res.AmountReleased.Equal(usdc("48.75")), "released = %s", res.AmountReleased)
	assert.True(t, res.Fee.Equal(usdc("1.21875")), "fee = %s", res.Fee)
	assert.Equal(t, bobAddr, res.Expert)
	assert.Equal(t, 1, fc.waits)
}

func TestCompleteEscrow_MissingEventReleasesZero(t *testing.T) {
	fc := newFakeChain(t)
	d := newTestDispatcher(t, fc)

	res, err := d.CompleteEscrow(context.Background(), CompleteRequest{
		EscrowID: "e1", AskerHandle: "alice", KeyMaterial: keyBlob(),
	})
	require.NoError(t, err)
	assert.True(t, res.AmountReleased.IsZero())
}

func TestCompleteEscrow_Failure(t *testing.T) {
	fc := newFakeChain(t)
	fc.nextErr["completeEscrow"] = &chain.TxError{Err: chain.ErrReverted}
	d := newTestDispatcher(t, fc)

	_, err := d.CompleteEscrow(context.Background(), CompleteRequest{
		EscrowID: "e1", AskerHandle: "alice", KeyMaterial: keyBlob(),
	})
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeEscrowCompletionFailed))
	assert.True(t, errors.Is(err, chain.ErrReverted))
}

// =============================================================================
// Reads
// =============================================================================

func TestGetTransactionStatus(t *testing.T) {
	fc := newFakeChain(t)
	d := newTestDispatcher(t, fc)
	ctx := context.Background()

	ok := common.HexToHash("0x01")
	bad := common.HexToHash("0x02")
	fc.receipts[ok] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(77)}
	fc.receipts[bad] = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(78)}

	st, err := d.GetTransactionStatus(ctx, common.HexToHash("0x03"))
	require.NoError(t, err)
	assert.Equal(t, TxPending, st.Status)
	assert.Nil(t, st.BlockNumber)

	st, err = d.GetTransactionStatus(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, st.Status)
	require.NotNil(t, st.BlockNumber)
	assert.Equal(t, uint64(77), *st.BlockNumber)

	st, err = d.GetTransactionStatus(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, TxFailed, st.Status)

	fc.receiptErr = errors.New("503 from rpc")
	_, err = d.GetTransactionStatus(ctx, ok)
	require.Error(t, err)
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeChainUnavailable))
}

func TestGetEscrow(t *testing.T) {
	fc := newFakeChain(t)
	fc.escrow = &escrowTuple{
		Asker:     signerAddr,
		Expert:    bobAddr,
		Amount:    big.NewInt(50_000_000),
		Question:  "review my PR",
		Service:   ServiceExpertHelp,
		CreatedAt: big.NewInt(1_700_000_000),
		Timeout:   big.NewInt(48 * 3600),
		Status:    uint8(EscrowCompleted),
	}
	d := newTestDispatcher(t, fc)

	e, err := d.GetEscrow(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, bobAddr, e.Expert)
	assert.True(t, e.Amount.Equal(usdc("50")))
	assert.Equal(t, 48*time.Hour, e.Timeout)
	assert.Equal(t, "completed", e.State.String())

	fc.escrow = nil
	_, err = d.GetEscrow(context.Background(), "e2")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeNotFound))
}

func TestBalanceOf(t *testing.T) {
	fc := newFakeChain(t)
	fc.balance = big.NewInt(12_340_000)
	d := newTestDispatcher(t, fc)

	bal, err := d.BalanceOf(context.Background(), signerAddr)
	require.NoError(t, err)
	assert.True(t, bal.Equal(usdc("12.34")))
}
