package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const (
	hardhatMnemonic = "test test test test test test test test test test test junk"
	hardhatKey      = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddress  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

// fakeBackend is an in-memory Backend. Receipts become visible after
// minedAfter polls of TransactionReceipt.
type fakeBackend struct {
	mu         sync.Mutex
	chainID    *big.Int
	baseFee    *big.Int
	sent       []*types.Transaction
	polls      int
	minedAfter int
	status     uint64
	receiptErr error
	sendErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: big.NewInt(84532), baseFee: big.NewInt(1_000_000), status: types.ReceiptStatusSuccessful}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000), nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.minedAfter < 0 || f.polls <= f.minedAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: txHash, BlockNumber: big.NewInt(101)}, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(7).Bytes(), 32), nil
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := DeriveSigner([]byte(`{"privateKey":"` + hardhatKey + `"}`))
	if err != nil {
		t.Fatalf("DeriveSigner() error = %v", err)
	}
	return s
}

// =============================================================================
// Signer
// =============================================================================

func TestDeriveSigner_PrivateKey(t *testing.T) {
	blob := []byte(`{"privateKey":"` + hardhatKey + `"}`)
	s, err := DeriveSigner(blob)
	if err != nil {
		t.Fatalf("DeriveSigner() error = %v", err)
	}
	defer s.Close()

	if s.Address().Hex() != hardhatAddress {
		t.Errorf("address = %s, want %s", s.Address().Hex(), hardhatAddress)
	}
	for i, b := range blob {
		if b != 0 {
			t.Fatalf("blob byte %d not zeroed", i)
		}
	}
}

func TestDeriveSigner_Mnemonic(t *testing.T) {
	s, err := DeriveSigner([]byte(`{"seed":"` + hardhatMnemonic + `"}`))
	if err != nil {
		t.Fatalf("DeriveSigner() error = %v", err)
	}
	defer s.Close()

	if s.Address().Hex() != hardhatAddress {
		t.Errorf("address = %s, want %s", s.Address().Hex(), hardhatAddress)
	}
}

func TestDeriveSigner_MnemonicIsNormalized(t *testing.T) {
	// Fullwidth letters and extra whitespace fold to the same phrase under NFKD.
	phrase := "\uff54\uff45\uff53\uff54  " + strings.TrimPrefix(hardhatMnemonic, "test ")
	s, err := DeriveSigner([]byte(`{"seed":"` + phrase + `"}`))
	if err != nil {
		t.Fatalf("DeriveSigner() error = %v", err)
	}
	defer s.Close()

	if s.Address().Hex() != hardhatAddress {
		t.Errorf("address = %s, want %s", s.Address().Hex(), hardhatAddress)
	}
}

func TestDeriveSigner_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":     `seed=abc`,
		"empty":        `{}`,
		"bad key":      `{"privateKey":"0xzz"}`,
		"short seed":   `{"seed":"one two three"}`,
		"unknown word": `{"seed":"` + strings.Replace(hardhatMnemonic, "junk", "junkk", 1) + `"}`,
		"bad checksum": `{"seed":"` + strings.Repeat("abandon ", 11) + `abandon"}`,
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DeriveSigner([]byte(blob))
			if !errors.Is(err, ErrInvalidKeyMaterial) {
				t.Errorf("error = %v, want ErrInvalidKeyMaterial", err)
			}
		})
	}
}

func TestSignerClose(t *testing.T) {
	s := testSigner(t)
	key := s.key
	s.Close()
	s.Close()

	if s.key != nil {
		t.Error("key reference should be dropped")
	}
	if key.D.Sign() != 0 {
		t.Error("private scalar should be zeroed")
	}

	c := NewClient(newFakeBackend(), big.NewInt(84532), time.Millisecond)
	if _, err := c.SubmitAndReturn(context.Background(), s, Call{To: common.HexToAddress("0x1")}); err == nil {
		t.Error("closed signer should not submit")
	}
}

// =============================================================================
// Units and ids
// =============================================================================

func TestToBaseUnits(t *testing.T) {
	got, err := ToBaseUnits(decimal.RequireFromString("10.5"), USDCDecimals)
	if err != nil {
		t.Fatalf("ToBaseUnits() error = %v", err)
	}
	if got.Int64() != 10_500_000 {
		t.Errorf("ToBaseUnits(10.5) = %s, want 10500000", got)
	}

	for _, bad := range []string{"0", "-1", "0.0000001"} {
		if _, err := ToBaseUnits(decimal.RequireFromString(bad), USDCDecimals); err == nil {
			t.Errorf("ToBaseUnits(%s) should fail", bad)
		}
	}
}

func TestFromBaseUnits(t *testing.T) {
	got := FromBaseUnits(big.NewInt(9_750_000), USDCDecimals)
	if !got.Equal(decimal.RequireFromString("9.75")) {
		t.Errorf("FromBaseUnits = %s, want 9.75", got)
	}
	if !FromBaseUnits(nil, USDCDecimals).IsZero() {
		t.Error("nil units should be zero")
	}
}

func TestNormalizeRequestID(t *testing.T) {
	raw := "0x" + strings.Repeat("ab", 32)
	if got := NormalizeRequestID(raw); got.Hex() != raw {
		t.Errorf("bytes32 id changed: %s", got.Hex())
	}

	want := crypto.Keccak256Hash([]byte("tip_alice_bob_1"))
	if got := NormalizeRequestID("tip_alice_bob_1"); got != want {
		t.Errorf("NormalizeRequestID = %s, want %s", got.Hex(), want.Hex())
	}
	if NormalizeRequestID("x") != NormalizeRequestID("x") {
		t.Error("normalization must be deterministic")
	}

	// 66 chars with non-hex body falls back to hashing.
	odd := "0x" + strings.Repeat("zz", 32)
	if NormalizeRequestID(odd) != crypto.Keccak256Hash([]byte(odd)) {
		t.Error("invalid hex should be hashed")
	}
}

// =============================================================================
// Submission
// =============================================================================

func TestSubmitAndWait_Confirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.minedAfter = 2
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	conf, err := c.SubmitAndWait(context.Background(), s, Call{To: common.HexToAddress("0x1"), Data: []byte{1}}, time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if conf.BlockNumber != 101 {
		t.Errorf("BlockNumber = %d, want 101", conf.BlockNumber)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", tx.Type())
	}
	if tx.Gas() != 60_000 {
		t.Errorf("gas = %d, want 60000", tx.Gas())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), tx)
	if err != nil || from.Hex() != hardhatAddress {
		t.Errorf("sender = %s (%v), want %s", from.Hex(), err, hardhatAddress)
	}
	if conf.TxHash != tx.Hash() {
		t.Error("confirmation hash mismatch")
	}
}

func TestSubmitAndWait_LegacyWhenNoBaseFee(t *testing.T) {
	backend := newFakeBackend()
	backend.baseFee = nil
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	if _, err := c.SubmitAndWait(context.Background(), s, Call{To: common.HexToAddress("0x1")}, time.Second); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if backend.sent[0].Type() != types.LegacyTxType {
		t.Errorf("tx type = %d, want legacy", backend.sent[0].Type())
	}
}

func TestSubmitAndWait_Reverted(t *testing.T) {
	backend := newFakeBackend()
	backend.status = types.ReceiptStatusFailed
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	_, err := c.SubmitAndWait(context.Background(), s, Call{To: common.HexToAddress("0x1")}, time.Second)
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("error = %v, want ErrReverted", err)
	}
	if hash, ok := TxHashOf(err); !ok || hash != backend.sent[0].Hash() {
		t.Error("error should carry the tx hash")
	}
}

func TestSubmitAndWait_Timeout(t *testing.T) {
	backend := newFakeBackend()
	backend.minedAfter = -1
	c := NewClient(backend, big.NewInt(84532), 5*time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	_, err := c.SubmitAndWait(context.Background(), s, Call{To: common.HexToAddress("0x1")}, 30*time.Millisecond)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("error = %v, want ErrConfirmationTimeout", err)
	}
	if errors.Is(err, ErrReverted) {
		t.Error("timeout must be distinct from revert")
	}
	if _, ok := TxHashOf(err); !ok {
		t.Error("timeout should carry the tx hash")
	}
}

func TestSubmitAndWait_ReceiptRPCError(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptErr = errors.New("connection refused")
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	_, err := c.SubmitAndWait(context.Background(), s, Call{To: common.HexToAddress("0x1")}, time.Second)
	if err == nil || errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("error = %v, want RPC failure", err)
	}
}

func TestSubmitAndReturn_DoesNotPoll(t *testing.T) {
	backend := newFakeBackend()
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	sub, err := c.SubmitAndReturn(context.Background(), s, Call{To: common.HexToAddress("0x1")})
	if err != nil {
		t.Fatalf("SubmitAndReturn() error = %v", err)
	}
	if backend.polls != 0 {
		t.Errorf("polls = %d, want 0", backend.polls)
	}
	if sub.TxHash != backend.sent[0].Hash() {
		t.Error("submission hash mismatch")
	}
}

func TestSubmit_SendError(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("nonce too low")
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)
	s := testSigner(t)
	defer s.Close()

	if _, err := c.SubmitAndReturn(context.Background(), s, Call{To: common.HexToAddress("0x1")}); err == nil {
		t.Fatal("expected send error")
	}
}

func TestReceipt_NotFoundIsNil(t *testing.T) {
	backend := newFakeBackend()
	backend.minedAfter = -1
	c := NewClient(backend, big.NewInt(84532), time.Millisecond)

	r, err := c.Receipt(context.Background(), common.HexToHash("0x01"))
	if err != nil || r != nil {
		t.Errorf("Receipt() = %v, %v; want nil, nil", r, err)
	}

	backend.receiptErr = errors.New("boom")
	if _, err := c.Receipt(context.Background(), common.HexToHash("0x01")); err == nil {
		t.Error("expected RPC error")
	}
}

func TestCall(t *testing.T) {
	c := NewClient(newFakeBackend(), big.NewInt(84532), time.Millisecond)
	out, err := c.Call(context.Background(), common.HexToAddress("0x1"), nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if new(big.Int).SetBytes(out).Int64() != 7 {
		t.Errorf("Call() = %x", out)
	}
}

func TestPing(t *testing.T) {
	c := NewClient(newFakeBackend(), big.NewInt(84532), time.Millisecond)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
