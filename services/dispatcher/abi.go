package dispatcher

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Service strings recorded on-chain with each payment.
const (
	ServiceTip        = "tip"
	ServiceExpertHelp = "expert_help"
)

const erc20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const paymentABI = `[
  {"type":"function","name":"payForRequest","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"service","type":"string"},{"name":"requestId","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"PaymentMade","anonymous":false,"inputs":[{"name":"payer","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"service","type":"string","indexed":false},{"name":"requestId","type":"bytes32","indexed":false}]}
]`

const escrowABI = `[
  {"type":"function","name":"createEscrow","stateMutability":"nonpayable","inputs":[{"name":"expert","type":"address"},{"name":"amount","type":"uint256"},{"name":"question","type":"string"},{"name":"service","type":"string"},{"name":"escrowId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"completeEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"autoCompleteEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"disputeEscrow","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"asker","type":"address"},{"name":"expert","type":"address"},{"name":"amount","type":"uint256"},{"name":"question","type":"string"},{"name":"service","type":"string"},{"name":"createdAt","type":"uint256"},{"name":"timeout","type":"uint256"},{"name":"status","type":"uint8"}]},
  {"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"asker","type":"address","indexed":true},{"name":"expert","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"question","type":"string","indexed":false}]},
  {"type":"event","name":"EscrowCompleted","anonymous":false,"inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"expert","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowAutoCompleted","anonymous":false,"inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"expert","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"EscrowDisputed","anonymous":false,"inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"disputer","type":"address","indexed":true}]}
]`

// bindings holds the parsed contract interfaces. They are read-only after load.
type bindings struct {
	token   abi.ABI
	payment abi.ABI
	escrow  abi.ABI
}

func loadBindings() (*bindings, error) {
	token, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	payment, err := abi.JSON(strings.NewReader(paymentABI))
	if err != nil {
		return nil, fmt.Errorf("parse payment abi: %w", err)
	}
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	return &bindings{token: token, payment: payment, escrow: escrow}, nil
}
