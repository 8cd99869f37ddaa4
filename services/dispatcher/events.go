package dispatcher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/Asupkay/vibe-platform/internal/chain"
)

// parsePaymentMade finds the PaymentMade log emitted by the payment contract.
func (d *Dispatcher) parsePaymentMade(receipt *types.Receipt) (*PaymentEvent, bool) {
	if receipt == nil {
		return nil, false
	}
	ev := d.abis.payment.Events["PaymentMade"]

	for _, lg := range receipt.Logs {
		if lg.Address != d.payment || len(lg.Topics) != 3 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 3 {
			continue
		}
		amount, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		service, _ := vals[1].(string)
		requestID, _ := vals[2].([32]byte)

		return &PaymentEvent{
			Payer:     common.BytesToAddress(lg.Topics[1].Bytes()),
			Recipient: common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:    chain.FromBaseUnits(amount, chain.USDCDecimals),
			Service:   service,
			RequestID: common.Hash(requestID),
		}, true
	}
	return nil, false
}

// parseEscrowReleased finds EscrowCompleted (or EscrowAutoCompleted) for escrowID.
func (d *Dispatcher) parseEscrowReleased(receipt *types.Receipt, escrowID common.Hash) (common.Address, decimal.Decimal, bool) {
	if receipt == nil {
		return common.Address{}, decimal.Zero, false
	}
	completed := d.abis.escrow.Events["EscrowCompleted"]
	auto := d.abis.escrow.Events["EscrowAutoCompleted"]

	for _, lg := range receipt.Logs {
		if lg.Address != d.escrow || len(lg.Topics) != 3 {
			continue
		}
		if lg.Topics[0] != completed.ID && lg.Topics[0] != auto.ID {
			continue
		}
		if lg.Topics[1] != escrowID {
			continue
		}
		vals, err := completed.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 1 {
			continue
		}
		amount, ok := vals[0].(*big.Int)
		if !ok {
			continue
		}
		return common.BytesToAddress(lg.Topics[2].Bytes()), chain.FromBaseUnits(amount, chain.USDCDecimals), true
	}
	return common.Address{}, decimal.Zero, false
}
