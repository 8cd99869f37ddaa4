package paymentsmarble

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/internal/middleware"
	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
	"github.com/Asupkay/vibe-platform/services/session"
)

// =============================================================================
// Session keys
// =============================================================================

// handleSessionKey generates, revokes or refreshes an agent's session key.
func (s *Service) handleSessionKey(w http.ResponseWriter, r *http.Request) {
	var input SessionKeyInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	handle := session.CleanHandle(input.AgentHandle)
	if handle == "" || input.Action == "" {
		httputil.BadRequest(w, "Missing required fields: agent_handle, action")
		return
	}

	resp := SessionKeyResponse{Success: true, Action: input.Action, AgentHandle: handle}
	switch input.Action {
	case ActionGenerate:
		cred, err := s.authorizer.Generate(ctx, handle, input.ExpiresInHours, input.DailyBudget)
		if err != nil {
			s.writeError(w, r, "session_key", err)
			return
		}
		resp.SessionKey = cred.Token
		resp.ExpiresAt = &cred.ExpiresAt
		resp.DailyBudget = &cred.DailyBudget
		resp.Message = "Session key generated. Store it securely; it will not be shown again."

	case ActionRevoke:
		if err := s.authorizer.Revoke(ctx, handle); err != nil {
			s.writeError(w, r, "session_key", err)
			return
		}
		resp.Message = "Session key revoked"

	case ActionRefresh:
		expiresAt, err := s.authorizer.Refresh(ctx, handle, input.ExpiresInHours)
		if err != nil {
			s.writeError(w, r, "session_key", err)
			return
		}
		resp.ExpiresAt = &expiresAt
		resp.Message = "Session key refreshed"

	default:
		httputil.BadRequest(w, "Invalid action. Must be one of: generate, revoke, refresh")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Spending
// =============================================================================

func validSpendingType(t string) bool {
	switch t {
	case SpendTip, SpendServicePayment, SpendDataPurchase:
		return true
	}
	return false
}

// handleSpend executes an autonomous agent payment. Authorization, dispatch and
// the budget commit run under the agent's spend lock.
func (s *Service) handleSpend(w http.ResponseWriter, r *http.Request) {
	var input SpendInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	handle := session.CleanHandle(input.AgentHandle)
	if handle == "" || input.SpendingType == "" || input.Amount.IsZero() || input.SessionKey == "" {
		httputil.BadRequest(w, "Missing required fields: agent_handle, spending_type, amount, session_key")
		return
	}
	if input.RecipientHandle == "" && input.RecipientAddress == "" {
		httputil.BadRequest(w, "Must provide either recipient_handle or recipient_address")
		return
	}
	if !validSpendingType(input.SpendingType) {
		httputil.BadRequest(w, "Invalid spending_type. Must be one of: tip, service_payment, data_purchase")
		return
	}
	if !input.Amount.IsPositive() {
		httputil.BadRequest(w, "Amount must be positive")
		return
	}
	if input.RecipientAddress != "" && !common.IsHexAddress(input.RecipientAddress) {
		s.writeError(w, r, "spend", svcerrors.InvalidFormat("recipient_address", "0x-prefixed 20-byte hex"))
		return
	}

	var resp *SpendResponse
	err := s.authorizer.WithAccountLock(r.Context(), handle, func(ctx context.Context) error {
		var err error
		resp, err = s.spend(ctx, handle, &input)
		return err
	})
	if err != nil {
		s.writeError(w, r, "spend", err)
		return
	}
	s.stats.spends.Add(1)
	s.Metrics().RecordSpendDecision("approved")
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Service) spend(ctx context.Context, handle string, input *SpendInput) (*SpendResponse, error) {
	if _, err := s.authorizer.Authorize(ctx, handle, input.SessionKey, input.Amount); err != nil {
		s.Metrics().RecordSpendDecision(spendRejection(err))
		return nil, err
	}

	recipient := input.RecipientAddress
	if recipient == "" {
		addr, err := s.walletAddress(ctx, trimAt(input.RecipientHandle))
		if err != nil {
			if svcerrors.HasCode(err, svcerrors.CodeNotFound) {
				return nil, svcerrors.NotFound("recipient")
			}
			return nil, err
		}
		recipient = addr.Hex()
	}

	keyMaterial, err := s.keyMaterial(ctx, kv.AgentWalletKey(handle))
	if err != nil {
		return nil, err
	}

	var txHash *string
	status := ledger.StatusPending
	if input.SpendingType == SpendTip {
		message := "Autonomous agent tip"
		if m, ok := input.Metadata["message"].(string); ok && m != "" {
			message = m
		}
		to := trimAt(input.RecipientHandle)
		if to == "" {
			to = recipient
		}
		result, err := s.dispatcher.Tip(ctx, dispatcher.TipRequest{
			From:        handle,
			To:          to,
			Recipient:   common.HexToAddress(recipient),
			Amount:      input.Amount,
			Message:     message,
			RequestID:   newRequestID(),
			KeyMaterial: keyMaterial,
		})
		if err != nil {
			return nil, err
		}
		hash := result.TxHash.Hex()
		txHash = &hash
		status = ledger.StatusConfirmed
	} else {
		clear(keyMaterial)
	}

	t, err := s.authorizer.CommitSpend(ctx, handle, input.Amount)
	if err != nil {
		if txHash == nil {
			return nil, err
		}
		// The transfer is final; keep it in the ledger and tell the caller the
		// treasury is out of step with the chain.
		row := spendingRow(handle, input, recipient, txHash, status)
		row.Metadata["budget_committed"] = false
		if se := svcerrors.GetServiceError(err); se != nil {
			row.Metadata["commit_error"] = string(se.Code)
		}
		if lerr := s.ledger.InsertSpending(ctx, row); lerr != nil {
			s.Logger().WithContext(ctx).WithError(lerr).WithField("tx_hash", *txHash).Error("unsettled spend ledger write failed")
		}
		s.Logger().WithContext(ctx).WithError(err).WithField("agent", handle).WithField("tx_hash", *txHash).
			Error("agent tip confirmed but budget commit failed")
		s.Metrics().RecordSpendDecision("unsettled")
		return nil, svcerrors.SpendUnsettled(err).
			WithDetails("tx_hash", *txHash).
			WithDetails("spending_id", row.ID)
	}

	row := spendingRow(handle, input, recipient, txHash, status)
	if err := s.ledger.InsertSpending(ctx, row); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("agent", handle).Error("spend committed but ledger write failed")
	}

	s.Logger().WithContext(ctx).WithFields(map[string]interface{}{
		"agent":   handle,
		"type":    input.SpendingType,
		"amount":  input.Amount.String(),
		"balance": t.CurrentBalance.String(),
	}).Info("agent spend approved")

	return &SpendResponse{
		Success:              true,
		SpendingID:           row.ID,
		TxHash:               txHash,
		Status:               status,
		Amount:               input.Amount,
		NewBalance:           t.CurrentBalance,
		RemainingDailyBudget: t.DailyBudget.Sub(t.DailySpent),
	}, nil
}

func spendingRow(handle string, input *SpendInput, recipient string, txHash *string, status string) *ledger.Spending {
	md := make(ledger.Metadata, len(input.Metadata)+2)
	for k, v := range input.Metadata {
		md[k] = v
	}
	return &ledger.Spending{
		AgentHandle:      handle,
		SpendingType:     input.SpendingType,
		Amount:           input.Amount,
		RecipientHandle:  ledger.StrPtr(trimAt(input.RecipientHandle)),
		RecipientAddress: ledger.StrPtr(recipient),
		TxHash:           txHash,
		TxStatus:         status,
		ApprovedBy:       approvedBy(input.SessionKey),
		Metadata:         md,
	}
}

func spendRejection(err error) string {
	se := svcerrors.GetServiceError(err)
	if se == nil {
		return "error"
	}
	return strings.ToLower(string(se.Code))
}

func approvedBy(sessionKey string) string {
	if len(sessionKey) > approvedByPrefixLen {
		return sessionKey[:approvedByPrefixLen]
	}
	return sessionKey
}

// =============================================================================
// Treasury
// =============================================================================

// handleTreasury reports an agent's balances, budget and recent spending.
func (s *Service) handleTreasury(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle := session.CleanHandle(r.URL.Query().Get("agent_handle"))
	if handle == "" {
		httputil.BadRequest(w, "Missing required parameter: agent_handle")
		return
	}

	t, err := s.authorizer.Treasury(ctx, handle)
	if err != nil {
		s.writeError(w, r, "treasury", err)
		return
	}

	recent, err := s.ledger.RecentSpending(ctx, handle, recentSpendingLimit)
	if err != nil {
		s.writeError(w, r, "treasury", svcerrors.Internal("Failed to fetch treasury", err))
		return
	}
	earnings, err := s.ledger.RecentEarnings(ctx, handle, recentEarningsLimit)
	if err != nil {
		s.writeError(w, r, "treasury", svcerrors.Internal("Failed to fetch treasury", err))
		return
	}
	totals, err := s.ledger.EarningsByType(ctx, handle)
	if err != nil {
		s.writeError(w, r, "treasury", svcerrors.Internal("Failed to fetch treasury", err))
		return
	}

	now := s.authorizer.Now()
	httputil.WriteJSON(w, http.StatusOK, TreasuryResponse{
		Success:       true,
		AgentHandle:   handle,
		WalletAddress: t.WalletAddress,
		Balances: TreasuryBalances{
			Current:     t.CurrentBalance,
			TotalEarned: t.TotalEarned,
			TotalSpent:  t.TotalSpent,
		},
		Budget:            treasuryBudget(t, now),
		SessionKeyActive:  t.SessionActive(now),
		RecentSpending:    spendingEntries(recent),
		RecentEarnings:    earningEntries(earnings),
		EarningsBreakdown: earningBreakdown(totals),
	})
}

// treasuryBudget applies a due reset to the reported figures without persisting it.
func treasuryBudget(t *session.Treasury, now time.Time) TreasuryBudget {
	b := t.Budget()
	spent, resetsAt := b.Spent, b.ResetAt
	if !now.Before(b.ResetAt) {
		spent, resetsAt = decimal.Zero, session.NextReset(now)
	}
	return TreasuryBudget{
		DailyLimit:     b.DailyLimit,
		DailySpent:     spent,
		DailyRemaining: b.DailyLimit.Sub(spent),
		ResetsAt:       resetsAt,
	}
}

func spendingEntries(rows []ledger.Spending) []SpendingEntry {
	out := make([]SpendingEntry, 0, len(rows))
	for _, row := range rows {
		recipient := ""
		switch {
		case row.RecipientHandle != nil:
			recipient = "@" + *row.RecipientHandle
		case row.RecipientAddress != nil:
			recipient = *row.RecipientAddress
		}
		out = append(out, SpendingEntry{
			ID:        row.ID,
			Type:      row.SpendingType,
			Amount:    row.Amount,
			Recipient: recipient,
			TxHash:    row.TxHash,
			Status:    row.TxStatus,
			Metadata:  row.Metadata,
			CreatedAt: row.CreatedAt,
		})
	}
	return out
}

func earningEntries(rows []ledger.Earning) []EarningEntry {
	out := make([]EarningEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, EarningEntry{
			ID:        row.ID,
			Type:      row.EarningType,
			Amount:    row.Amount,
			Source:    row.SourceHandle,
			TxHash:    row.SourceTxHash,
			Metadata:  row.Metadata,
			CreatedAt: row.CreatedAt,
		})
	}
	return out
}

func earningBreakdown(totals []ledger.EarningTotal) []EarningBreakdown {
	out := make([]EarningBreakdown, 0, len(totals))
	for _, t := range totals {
		out = append(out, EarningBreakdown{Type: t.EarningType, Count: t.Count, Total: t.Total})
	}
	return out
}

// =============================================================================
// Earnings
// =============================================================================

func validEarningType(t string) bool {
	switch t {
	case ledger.EarningTip, ledger.EarningCommission, ledger.EarningServiceFee, ledger.EarningLiquidityReward:
		return true
	}
	return false
}

// handleEarn credits an agent's treasury and logs the earning. Only platform
// callers may credit.
func (s *Service) handleEarn(w http.ResponseWriter, r *http.Request) {
	var input EarnInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	handle := session.CleanHandle(input.AgentHandle)
	if handle == "" || input.EarningType == "" || input.Amount.IsZero() {
		httputil.BadRequest(w, "Missing required fields: agent_handle, earning_type, amount")
		return
	}
	if !input.Amount.IsPositive() {
		httputil.BadRequest(w, "Amount must be positive")
		return
	}
	if !validEarningType(input.EarningType) {
		httputil.BadRequest(w, "Invalid earning_type. Must be one of: tip, commission, service_fee, liquidity_reward")
		return
	}
	if !middleware.IsPlatformCaller(ctx) {
		s.writeError(w, r, "earn", svcerrors.Forbidden("crediting a treasury requires a service or admin token"))
		return
	}

	t, err := s.authorizer.Credit(ctx, handle, input.Amount)
	if err != nil {
		s.writeError(w, r, "earn", err)
		return
	}
	s.stats.earnings.Add(1)

	md := make(ledger.Metadata, len(input.Metadata))
	for k, v := range input.Metadata {
		md[k] = v
	}
	earning := &ledger.Earning{
		AgentHandle:  handle,
		EarningType:  input.EarningType,
		Amount:       input.Amount,
		SourceHandle: ledger.StrPtr(trimAt(input.SourceHandle)),
		SourceTxHash: ledger.StrPtr(strings.TrimSpace(input.SourceTxHash)),
		Metadata:     md,
	}
	// The credit is committed; a ledger failure is logged, not reported.
	if err := s.ledger.InsertEarning(ctx, earning); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("agent", handle).Error("treasury credited but earning write failed")
	}

	s.Logger().WithContext(ctx).WithFields(map[string]interface{}{
		"agent":   handle,
		"type":    input.EarningType,
		"amount":  input.Amount.String(),
		"balance": t.CurrentBalance.String(),
	}).Info("agent earning recorded")

	httputil.WriteJSON(w, http.StatusOK, EarnResponse{
		Success:     true,
		EarningID:   earning.ID,
		Amount:      input.Amount,
		EarningType: input.EarningType,
		NewBalance:  t.CurrentBalance,
		TotalEarned: t.TotalEarned,
	})
}
