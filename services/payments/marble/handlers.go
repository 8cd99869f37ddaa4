package paymentsmarble

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
)

var minTipAmount = decimal.RequireFromString("0.01")

// =============================================================================
// Tips
// =============================================================================

// handleTip sends an instant tip and waits for it to be mined.
func (s *Service) handleTip(w http.ResponseWriter, r *http.Request) {
	var input TipInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	from, to := trimAt(input.From), trimAt(input.To)
	if from == "" || to == "" || input.Amount.IsZero() {
		httputil.BadRequest(w, "Missing required fields: from, to, amount")
		return
	}
	if input.Amount.LessThan(minTipAmount) || input.Amount.GreaterThan(maxTipAmount) {
		httputil.BadRequest(w, "Amount must be between $0.01 and $100")
		return
	}
	if strings.EqualFold(from, to) {
		httputil.BadRequest(w, "Cannot tip yourself")
		return
	}
	if err := requireActor(r, from); err != nil {
		s.writeError(w, r, "tip", err)
		return
	}

	decision, err := s.tipLimiter.Allow(ctx, from)
	if err != nil {
		s.writeError(w, r, "tip", err)
		return
	}
	decision.SetHeaders(w)
	if err := decision.Err("1h"); err != nil {
		s.writeError(w, r, "tip", err)
		return
	}

	fromAddr, err := s.walletAddress(ctx, from)
	if err != nil {
		s.writeError(w, r, "tip", err)
		return
	}
	toAddr, err := s.walletAddress(ctx, to)
	if err != nil {
		s.writeError(w, r, "tip", err)
		return
	}
	if err := s.ensureBalance(ctx, fromAddr, input.Amount); err != nil {
		s.writeError(w, r, "tip", err)
		return
	}

	keyMaterial, err := s.keyMaterial(ctx, kv.WalletKey(from))
	if err != nil {
		s.writeError(w, r, "tip", err)
		return
	}

	requestID := newRequestID()
	result, err := s.dispatcher.Tip(ctx, dispatcher.TipRequest{
		From:        from,
		To:          to,
		Recipient:   toAddr,
		Amount:      input.Amount,
		Message:     input.Message,
		RequestID:   requestID,
		KeyMaterial: keyMaterial,
	})
	if err != nil {
		s.writeError(w, r, "tip", err)
		return
	}
	s.stats.tips.Add(1)

	txHash := result.TxHash.Hex()
	net := input.Amount.Sub(result.Fee)
	confirmedAt := time.Now().UTC()
	sent := &ledger.WalletEvent{
		Handle:        from,
		EventType:     ledger.EventTipSent,
		WalletAddress: ledger.StrPtr(fromAddr.Hex()),
		Amount:        decimal.NewNullDecimal(input.Amount),
		TxHash:        &txHash,
		TxStatus:      ledger.StrPtr(ledger.StatusConfirmed),
		ConfirmedAt:   &confirmedAt,
		Metadata: ledger.Metadata{
			"to":        to,
			"message":   input.Message,
			"requestId": requestID,
			"fee":       result.Fee.String(),
			"contract":  contractPayments,
		},
	}
	received := &ledger.WalletEvent{
		Handle:        to,
		EventType:     ledger.EventTipReceived,
		WalletAddress: ledger.StrPtr(toAddr.Hex()),
		Amount:        decimal.NewNullDecimal(net),
		TxHash:        &txHash,
		TxStatus:      ledger.StrPtr(ledger.StatusConfirmed),
		ConfirmedAt:   &confirmedAt,
		Metadata: ledger.Metadata{
			"from":      from,
			"message":   input.Message,
			"requestId": requestID,
		},
	}
	// The transfer is final on chain; a ledger failure is logged, not reported.
	if err := s.ledger.RecordTip(ctx, sent, received); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("tx_hash", txHash).Error("tip confirmed but ledger write failed")
	}

	text := fmt.Sprintf("💰 @%s tipped you $%s!", from, input.Amount.String())
	if input.Message != "" {
		text += fmt.Sprintf(" %q", input.Message)
	}
	s.notifier.Notify(ctx, to, text+"\n\nCheck your wallet: vibe wallet")

	httputil.WriteJSON(w, http.StatusOK, TipResponse{
		Success:        true,
		TxHash:         txHash,
		Status:         string(result.Status),
		BlockNumber:    result.BlockNumber,
		Amount:         input.Amount,
		Fee:            result.Fee,
		NetToRecipient: net,
		Message:        fmt.Sprintf("Tipped @%s $%s!", to, input.Amount.String()),
	})
}

// =============================================================================
// Escrow
// =============================================================================

// handleCreateEscrow locks funds for an expert. It returns once the transaction is
// accepted; the reconciler confirms the ledger row later.
func (s *Service) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var input EscrowInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	from, to := trimAt(input.From), trimAt(input.To)
	description := strings.TrimSpace(input.Description)
	if from == "" || to == "" || input.Amount.IsZero() || description == "" {
		httputil.BadRequest(w, "Missing required fields: from, to, amount, description")
		return
	}
	if input.Amount.LessThan(minEscrowAmount) || input.Amount.GreaterThan(maxEscrowAmount) {
		httputil.BadRequest(w, "Amount must be between $5 and $10,000")
		return
	}
	timeoutHours := input.TimeoutHours
	if timeoutHours == 0 {
		timeoutHours = defaultEscrowTimeoutHours
	}
	if timeoutHours < 0 {
		httputil.BadRequest(w, "timeout_hours must be positive")
		return
	}
	if err := requireActor(r, from); err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}

	fromAddr, err := s.walletAddress(ctx, from)
	if err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}
	toAddr, err := s.walletAddress(ctx, to)
	if err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}
	if err := s.ensureBalance(ctx, fromAddr, input.Amount); err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}

	now := time.Now().UTC()
	escrowID := crypto.Keccak256Hash([]byte(from + to + strconv.FormatInt(now.UnixMilli(), 10))).Hex()

	keyMaterial, err := s.keyMaterial(ctx, kv.WalletKey(from))
	if err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}

	result, err := s.dispatcher.CreateEscrow(ctx, dispatcher.EscrowRequest{
		From:         from,
		To:           to,
		Expert:       toAddr,
		Amount:       input.Amount,
		Description:  description,
		EscrowID:     escrowID,
		TimeoutHours: timeoutHours,
		KeyMaterial:  keyMaterial,
	})
	if err != nil {
		s.writeError(w, r, "escrow", err)
		return
	}
	s.stats.escrows.Add(1)

	txHash := result.TxHash.Hex()
	expiresAt := now.Add(time.Duration(timeoutHours) * time.Hour)
	ev := &ledger.WalletEvent{
		Handle:        from,
		EventType:     ledger.EventEscrowCreated,
		WalletAddress: ledger.StrPtr(fromAddr.Hex()),
		Amount:        decimal.NewNullDecimal(input.Amount),
		TxHash:        &txHash,
		TxStatus:      ledger.StrPtr(ledger.StatusPending),
		Metadata: ledger.Metadata{
			"to":           to,
			"description":  description,
			"escrowId":     escrowID,
			"timeoutHours": timeoutHours,
			"expiresAt":    expiresAt.Format(time.RFC3339),
			"contract":     contractEscrow,
		},
	}
	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("tx_hash", txHash).Error("escrow submitted but ledger write failed")
	}

	s.notifier.Notify(ctx, to, fmt.Sprintf("💼 New Escrow from @%s\n\nAmount: $%s\nTask: %s\n\nYou have %d hours to complete.\nApproval releases funds.",
		from, input.Amount.String(), description, timeoutHours))

	httputil.WriteJSON(w, http.StatusOK, EscrowResponse{
		Success:  true,
		EscrowID: escrowID,
		TxHash:   txHash,
		Status:   string(result.Status),
		Amount:   input.Amount,
		Timeout:  expiresAt,
		Message:  fmt.Sprintf("Escrow created. @%s has %d hours to deliver.", to, timeoutHours),
	})
}

// handleCompleteEscrow releases an escrow created by the caller.
func (s *Service) handleCompleteEscrow(w http.ResponseWriter, r *http.Request) {
	var input CompleteInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	from := trimAt(input.From)
	escrowID := strings.TrimSpace(input.EscrowID)
	if escrowID == "" || from == "" {
		httputil.BadRequest(w, "Missing required fields: escrow_id, from")
		return
	}
	if err := requireActor(r, from); err != nil {
		s.writeError(w, r, "complete", err)
		return
	}

	created, err := s.ledger.FindEscrow(ctx, escrowID, from)
	if errors.Is(err, ledger.ErrNotFound) {
		httputil.NotFound(w, "Escrow not found or you are not the creator")
		return
	}
	if err != nil {
		s.writeError(w, r, "complete", err)
		return
	}
	if created.Metadata.Bool("completed") {
		httputil.BadRequest(w, "Escrow already completed")
		return
	}

	keyMaterial, err := s.keyMaterial(ctx, kv.WalletKey(from))
	if err != nil {
		s.writeError(w, r, "complete", err)
		return
	}

	result, err := s.dispatcher.CompleteEscrow(ctx, dispatcher.CompleteRequest{
		EscrowID:    escrowID,
		AskerHandle: from,
		KeyMaterial: keyMaterial,
	})
	if err != nil {
		s.writeError(w, r, "complete", err)
		return
	}
	s.stats.completions.Add(1)

	expert := created.Metadata.String("to")
	txHash := result.TxHash.Hex()
	confirmedAt := time.Now().UTC()
	completion := &ledger.WalletEvent{
		Handle:      expert,
		EventType:   ledger.EventEscrowCompleted,
		Amount:      decimal.NewNullDecimal(result.AmountReleased),
		TxHash:      &txHash,
		TxStatus:    ledger.StrPtr(ledger.StatusConfirmed),
		ConfirmedAt: &confirmedAt,
		Metadata: ledger.Metadata{
			"from":     from,
			"escrowId": escrowID,
			"fee":      result.Fee.String(),
		},
	}
	if result.Expert != (common.Address{}) {
		completion.WalletAddress = ledger.StrPtr(result.Expert.Hex())
	}
	if err := s.ledger.CompleteEscrow(ctx, escrowID, from, completion); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("tx_hash", txHash).Error("escrow released but ledger write failed")
	}

	if expert != "" {
		s.notifier.Notify(ctx, expert, fmt.Sprintf("✅ Escrow completed!\n\nYou received $%s from @%s\n\nCheck: vibe wallet",
			result.AmountReleased.String(), from))
	}

	httputil.WriteJSON(w, http.StatusOK, CompleteResponse{
		Success:        true,
		TxHash:         txHash,
		Status:         string(result.Status),
		AmountReleased: result.AmountReleased,
		Fee:            result.Fee,
		Message:        fmt.Sprintf("Funds released to @%s", expert),
	})
}

// =============================================================================
// Queries
// =============================================================================

// handleHistory pages through a user's wallet events, newest first.
func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	handle := trimAt(q.Get("handle"))
	if handle == "" {
		httputil.BadRequest(w, "Missing required parameter: handle")
		return
	}

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	var cursor *time.Time
	if raw := q.Get("cursor"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, r, "history", svcerrors.InvalidFormat("cursor", "RFC 3339 timestamp"))
			return
		}
		cursor = &t
	}

	events, hasMore, err := s.ledger.History(r.Context(), handle, limit, cursor)
	if err != nil {
		s.writeError(w, r, "history", svcerrors.Internal("Failed to fetch transaction history", err))
		return
	}

	resp := HistoryResponse{
		Success:      true,
		Handle:       handle,
		Transactions: make([]HistoryEntry, 0, len(events)),
		HasMore:      hasMore,
	}
	for i := range events {
		resp.Transactions = append(resp.Transactions, historyEntry(&events[i]))
	}
	if hasMore && len(events) > 0 {
		next := events[len(events)-1].CreatedAt
		resp.NextCursor = &next
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func historyEntry(ev *ledger.WalletEvent) HistoryEntry {
	e := HistoryEntry{
		ID:          ev.ID,
		Type:        ev.EventType,
		To:          ev.Metadata.String("to"),
		From:        ev.Metadata.String("from"),
		Message:     ev.Metadata.String("message"),
		Description: ev.Metadata.String("description"),
		TxHash:      ev.TxHash,
		Status:      ev.TxStatus,
		CreatedAt:   ev.CreatedAt,
		ConfirmedAt: ev.ConfirmedAt,
	}
	if ev.Amount.Valid {
		amount := ev.Amount.Decimal
		e.Amount = &amount
	}
	return e
}

// handleTxStatus reports the on-chain status of a transaction.
func (s *Service) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	if b, err := hexutil.Decode(raw); err != nil || len(b) != common.HashLength {
		s.writeError(w, r, "tx_status", svcerrors.InvalidFormat("hash", "0x-prefixed 32-byte hex"))
		return
	}

	status, err := s.dispatcher.GetTransactionStatus(r.Context(), common.HexToHash(raw))
	if err != nil {
		s.writeError(w, r, "tx_status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, TxStatusResponse{
		Success:     true,
		TxHash:      status.TxHash.Hex(),
		Status:      string(status.Status),
		BlockNumber: status.BlockNumber,
		GasUsed:     status.GasUsed,
	})
}
