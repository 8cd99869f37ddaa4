package paymentsmarble

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Asupkay/vibe-platform/internal/chain"
	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/internal/middleware"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
)

// writeError maps err onto the error envelope. A confirmation timeout becomes a
// 504 and any failure tied to a broadcast transaction carries its hash.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	se := svcerrors.GetServiceError(err)
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		se = svcerrors.Wrap(svcerrors.CodeConfirmationTimeout,
			"Transaction was broadcast but not confirmed in time", http.StatusGatewayTimeout, err)
	}
	if se == nil {
		se = svcerrors.Internal("Internal server error", err)
	}
	if hash, ok := chain.TxHashOf(err); ok {
		se = se.WithDetails("tx_hash", hash.Hex())
	}

	entry := s.Logger().WithContext(r.Context()).WithError(err).WithField("operation", op)
	if se.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	httputil.WriteServiceError(w, r, se)
}

// requireActor rejects callers acting for a handle other than their own.
func requireActor(r *http.Request, handle string) error {
	if !middleware.CanActAs(r.Context(), handle) {
		return svcerrors.Forbidden("cannot act on behalf of @" + handle)
	}
	return nil
}

// walletAddress resolves a user's registered wallet.
func (s *Service) walletAddress(ctx context.Context, handle string) (common.Address, error) {
	addr, err := s.ledger.WalletAddress(ctx, handle)
	if errors.Is(err, ledger.ErrNotFound) {
		return common.Address{}, svcerrors.NotFound("wallet for @" + handle)
	}
	if err != nil {
		return common.Address{}, svcerrors.Internal("resolve wallet", err)
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, svcerrors.Internal("resolve wallet", errors.New("stored wallet address is malformed"))
	}
	return common.HexToAddress(addr), nil
}

// keyMaterial loads the signing blob stored under key. The caller hands it to the
// dispatcher, which zeroes it.
func (s *Service) keyMaterial(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.keys.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, svcerrors.Configuration("wallet key material not found").WithDetails("key", key)
	}
	if err != nil {
		return nil, svcerrors.Unavailable("key store unavailable", err)
	}
	return blob, nil
}

// ensureBalance fails with InsufficientBalance when the on-chain balance is below amount.
func (s *Service) ensureBalance(ctx context.Context, addr common.Address, amount decimal.Decimal) error {
	balance, err := s.dispatcher.BalanceOf(ctx, addr)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return svcerrors.InsufficientBalance().
			WithDetails("balance", balance.StringFixed(2)).
			WithDetails("needed", amount.StringFixed(2))
	}
	return nil
}

// newRequestID returns 16 random bytes as hex.
func newRequestID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func trimAt(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}
