package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// USDCDecimals is the token precision of USDC.
const USDCDecimals = 6

// ToBaseUnits converts a human amount into integer token units. Amounts that are not
// positive or carry more precision than the token supports are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits converts integer token units into a human amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// NormalizeRequestID maps an arbitrary id onto a bytes32 value. A 0x-prefixed
// 64-hex-digit string is used verbatim; anything else is hashed with keccak256.
func NormalizeRequestID(id string) common.Hash {
	if len(id) == 66 && (id[:2] == "0x" || id[:2] == "0X") {
		if b, err := decodeHex(id); err == nil {
			return common.BytesToHash(b)
		}
	}
	return crypto.Keccak256Hash([]byte(id))
}
