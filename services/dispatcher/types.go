package dispatcher

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// EscrowState mirrors the contract's uint8 status.
type EscrowState uint8

const (
	EscrowActive EscrowState = iota
	EscrowCompleted
	EscrowDisputed
	EscrowAutoCompleted
)

func (s EscrowState) String() string {
	switch s {
	case EscrowActive:
		return "active"
	case EscrowCompleted:
		return "completed"
	case EscrowDisputed:
		return "disputed"
	case EscrowAutoCompleted:
		return "auto_completed"
	default:
		return "unknown"
	}
}

// TipRequest is an instant payment through the payment contract.
// KeyMaterial is consumed and zeroed by the call.
type TipRequest struct {
	From        string
	To          string
	Recipient   common.Address
	Amount      decimal.Decimal
	Message     string
	RequestID   string
	KeyMaterial []byte
}

// PaymentEvent is the decoded PaymentMade log.
type PaymentEvent struct {
	Payer     common.Address
	Recipient common.Address
	Amount    decimal.Decimal
	Service   string
	RequestID common.Hash
}

// TipResult is returned once the tip is mined.
type TipResult struct {
	TxHash      common.Hash
	Status      TxStatus
	BlockNumber uint64
	Amount      decimal.Decimal
	// Fee is informational; the contract deducts it.
	Fee   decimal.Decimal
	Event *PaymentEvent
}

// EscrowRequest locks funds for an expert.
type EscrowRequest struct {
	From         string
	To           string
	Expert       common.Address
	Amount       decimal.Decimal
	Description  string
	EscrowID     string
	TimeoutHours int
	KeyMaterial  []byte
}

// EscrowResult is returned as soon as the creation transaction is accepted.
type EscrowResult struct {
	TxHash   common.Hash
	EscrowID common.Hash
	Status   TxStatus
}

// CompleteRequest releases escrowed funds to the expert.
type CompleteRequest struct {
	EscrowID    string
	AskerHandle string
	KeyMaterial []byte
}

// CompleteResult is returned once the completion is mined.
type CompleteResult struct {
	TxHash         common.Hash
	Status         TxStatus
	BlockNumber    uint64
	AmountReleased decimal.Decimal
	Fee            decimal.Decimal
	Expert         common.Address
}

// TxStatusResult answers a status query.
type TxStatusResult struct {
	TxHash      common.Hash
	Status      TxStatus
	BlockNumber *uint64
	GasUsed     uint64
}

// Escrow is the on-chain escrow record.
type Escrow struct {
	ID        common.Hash
	Asker     common.Address
	Expert    common.Address
	Amount    decimal.Decimal
	Question  string
	Service   string
	CreatedAt time.Time
	Timeout   time.Duration
	State     EscrowState
}

// escrowTuple matches getEscrow's outputs for abi unpacking.
type escrowTuple struct {
	Asker     common.Address
	Expert    common.Address
	Amount    *big.Int
	Question  string
	Service   string
	CreatedAt *big.Int
	Timeout   *big.Int
	Status    uint8
}
