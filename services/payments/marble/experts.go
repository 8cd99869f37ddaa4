package paymentsmarble

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/httputil"
	"github.com/Asupkay/vibe-platform/internal/kv"
	"github.com/Asupkay/vibe-platform/services/dispatcher"
	"github.com/Asupkay/vibe-platform/services/payments/ledger"
)

// matchWeights weighs the factors of an expert's match score.
type matchWeights struct {
	skills, availability, rating, price, completion float64
}

var (
	// askWeights picks the expert a question is escrowed to.
	askWeights = matchWeights{skills: 0.5, availability: 0.2, rating: 0.2, completion: 0.1}
	// rankWeights orders experts for a match query and also weighs price.
	rankWeights = matchWeights{skills: 0.4, availability: 0.2, rating: 0.2, price: 0.1, completion: 0.1}
)

// =============================================================================
// Registration
// =============================================================================

func validAvailability(a string) bool {
	switch a {
	case ledger.AvailabilityAvailable, ledger.AvailabilityBusy, ledger.AvailabilityOffline:
		return true
	}
	return false
}

// cleanSkills trims skills and drops blanks and case-insensitive duplicates.
func cleanSkills(skills []string) []string {
	seen := make(map[string]bool, len(skills))
	out := make([]string, 0, len(skills))
	for _, skill := range skills {
		skill = strings.TrimSpace(skill)
		key := strings.ToLower(skill)
		if skill == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, skill)
	}
	return out
}

// handleRegisterExpert creates or updates the caller's expert profile.
func (s *Service) handleRegisterExpert(w http.ResponseWriter, r *http.Request) {
	var input ExpertInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	handle := trimAt(input.Handle)
	if handle == "" {
		httputil.BadRequest(w, "Missing required field: handle")
		return
	}
	skills := cleanSkills(input.Skills)
	if len(skills) == 0 {
		httputil.BadRequest(w, "Must provide at least one skill")
		return
	}
	availability := input.Availability
	if availability == "" {
		availability = ledger.AvailabilityAvailable
	}
	if !validAvailability(availability) {
		httputil.BadRequest(w, "Invalid availability. Must be one of: available, busy, offline")
		return
	}
	minEscrow := minEscrowAmount
	if input.MinEscrow != nil {
		minEscrow = *input.MinEscrow
	}
	if minEscrow.LessThan(minEscrowAmount) || minEscrow.GreaterThan(maxEscrowAmount) {
		httputil.BadRequest(w, "min_escrow must be between $5 and $10,000")
		return
	}
	if input.HourlyRate != nil && !input.HourlyRate.IsPositive() {
		httputil.BadRequest(w, "hourly_rate must be positive")
		return
	}
	if err := requireActor(r, handle); err != nil {
		s.writeError(w, r, "expert_register", err)
		return
	}

	addr, err := s.walletAddress(ctx, handle)
	if err != nil {
		s.writeError(w, r, "expert_register", err)
		return
	}

	profile := &ledger.ExpertProfile{
		Handle:        handle,
		WalletAddress: addr.Hex(),
		Bio:           ledger.StrPtr(strings.TrimSpace(input.Bio)),
		Skills:        skills,
		MinEscrow:     minEscrow,
		Availability:  availability,
	}
	if input.HourlyRate != nil {
		profile.HourlyRate = decimal.NewNullDecimal(*input.HourlyRate)
	}
	created, err := s.ledger.SaveExpert(ctx, profile)
	if err != nil {
		s.writeError(w, r, "expert_register", svcerrors.Internal("Failed to register expert", err))
		return
	}

	action := "updated"
	if created {
		action = "created"
	}
	s.Logger().WithContext(ctx).WithFields(map[string]interface{}{
		"expert": handle,
		"action": action,
		"skills": strings.Join(profile.Skills, ", "),
	}).Info("expert registered")

	resp := ExpertResponse{
		Success:       true,
		Action:        action,
		ExpertHandle:  "@" + handle,
		Bio:           profile.Bio,
		Skills:        profile.Skills,
		MinEscrow:     profile.MinEscrow,
		Availability:  profile.Availability,
		Tier:          profile.Tier,
		Rating:        profile.RatingAvg,
		TotalSessions: profile.TotalSessions,
		CreatedAt:     profile.CreatedAt,
	}
	if profile.HourlyRate.Valid {
		rate := profile.HourlyRate.Decimal
		resp.HourlyRate = &rate
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Matching
// =============================================================================

// skillMatch is the fraction of skills that overlap a word of the question,
// in either direction.
func skillMatch(question string, skills []string) float64 {
	if len(skills) == 0 {
		return 0
	}
	var words []string
	for _, w := range strings.Fields(strings.ToLower(question)) {
		if w = strings.Trim(w, `?!.,:;()"'`); w != "" {
			words = append(words, w)
		}
	}
	matched := 0
	for _, skill := range skills {
		skill = strings.ToLower(strings.TrimSpace(skill))
		if skill == "" {
			continue
		}
		for _, w := range words {
			if strings.Contains(w, skill) || strings.Contains(skill, w) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(skills))
}

func availabilityScore(availability string) float64 {
	switch availability {
	case ledger.AvailabilityAvailable:
		return 1
	case ledger.AvailabilityBusy:
		return 0.5
	}
	return 0.1
}

// priceScore rates how comfortably budget covers the expert's rate. An unset
// budget fits everyone.
func priceScore(budget decimal.NullDecimal, rate decimal.Decimal) float64 {
	if !budget.Valid || budget.Decimal.IsZero() {
		return 1
	}
	switch b := budget.Decimal; {
	case b.GreaterThanOrEqual(rate.Mul(decimal.NewFromInt(2))):
		return 1
	case b.GreaterThanOrEqual(rate):
		return 0.8
	case b.GreaterThanOrEqual(rate.Mul(decimal.RequireFromString("0.75"))):
		return 0.6
	}
	return 0.3
}

func scoreReasons(question string, budget decimal.NullDecimal, e *ledger.ExpertProfile) MatchReasons {
	return MatchReasons{
		Skills:         skillMatch(question, e.Skills),
		Availability:   availabilityScore(e.Availability),
		Rating:         e.RatingAvg / 5,
		Price:          priceScore(budget, e.Rate()),
		CompletionRate: e.CompletionRate,
	}
}

func (r MatchReasons) score(w matchWeights) float64 {
	return r.Skills*w.skills +
		r.Availability*w.availability +
		r.Rating*w.rating +
		r.Price*w.price +
		r.CompletionRate*w.completion
}

// matchScore is the score a question's auto-match ranks experts by.
func matchScore(question string, e *ledger.ExpertProfile) float64 {
	return scoreReasons(question, decimal.NullDecimal{}, e).score(askWeights)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// bestExpert returns the highest scoring candidate other than asker. Ties keep
// the candidates' order.
func bestExpert(question, asker string, candidates []ledger.ExpertProfile) (*ledger.ExpertProfile, float64, bool) {
	var (
		best      *ledger.ExpertProfile
		bestScore float64
	)
	for i := range candidates {
		e := &candidates[i]
		if strings.EqualFold(e.Handle, asker) {
			continue
		}
		if score := matchScore(question, e); best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore, best != nil
}

// matchExpert resolves the preferred expert or picks the best available one
// whose minimum escrow fits budget.
func (s *Service) matchExpert(ctx context.Context, asker, question, preferred string, budget decimal.Decimal) (*ledger.ExpertProfile, float64, error) {
	if preferred != "" {
		if strings.EqualFold(preferred, asker) {
			return nil, 0, svcerrors.Validation("Cannot ask yourself")
		}
		e, err := s.ledger.GetExpert(ctx, preferred)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, 0, svcerrors.NotFound("expert @" + preferred)
		}
		if err != nil {
			return nil, 0, svcerrors.Internal("Failed to load expert", err)
		}
		return e, 1, nil
	}

	candidates, err := s.ledger.FindExperts(ctx, ledger.ExpertFilter{
		Availability: []string{ledger.AvailabilityAvailable},
		MaxMinEscrow: decimal.NewNullDecimal(budget),
	})
	if err != nil {
		return nil, 0, svcerrors.Internal("Failed to match expert", err)
	}
	e, score, ok := bestExpert(question, asker, candidates)
	if !ok {
		return nil, 0, svcerrors.New(svcerrors.CodeNotFound, "No experts available for this budget", http.StatusNotFound)
	}
	return e, score, nil
}

// handleMatch ranks the available and busy experts for a question without
// opening a session. When the asker is named the top match is recorded.
func (s *Service) handleMatch(w http.ResponseWriter, r *http.Request) {
	var input MatchInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	question := strings.TrimSpace(input.Question)
	if question == "" {
		httputil.BadRequest(w, "Missing required field: question")
		return
	}
	if input.Budget.Valid && input.Budget.Decimal.IsNegative() {
		httputil.BadRequest(w, "budget must not be negative")
		return
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultMatchLimit
	}
	if limit > maxMatchLimit {
		limit = maxMatchLimit
	}

	experts, err := s.ledger.FindExperts(ctx, ledger.ExpertFilter{
		Availability: []string{ledger.AvailabilityAvailable, ledger.AvailabilityBusy},
	})
	if err != nil {
		s.writeError(w, r, "match", svcerrors.Internal("Failed to match experts", err))
		return
	}
	if len(experts) == 0 {
		httputil.NotFound(w, "No registered experts found")
		return
	}

	type ranked struct {
		expert  *ledger.ExpertProfile
		reasons MatchReasons
		score   float64
	}
	all := make([]ranked, len(experts))
	for i := range experts {
		reasons := scoreReasons(question, input.Budget, &experts[i])
		all[i] = ranked{expert: &experts[i], reasons: reasons, score: reasons.score(rankWeights)}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	if len(all) > limit {
		all = all[:limit]
	}

	matches := make([]ExpertMatch, len(all))
	for i, m := range all {
		matches[i] = ExpertMatch{
			ExpertHandle: "@" + m.expert.Handle,
			MatchScore:   round2(m.score),
			Reasons: MatchReasons{
				Skills:         round2(m.reasons.Skills),
				Availability:   m.reasons.Availability,
				Rating:         round2(m.reasons.Rating),
				Price:          round2(m.reasons.Price),
				CompletionRate: round2(m.reasons.CompletionRate),
			},
			ExpertSkills:  m.expert.Skills,
			ExpertRating:  m.expert.RatingAvg,
			TotalSessions: m.expert.TotalSessions,
			MinEscrow:     m.expert.MinEscrow,
			Tier:          m.expert.Tier,
		}
		if m.expert.HourlyRate.Valid {
			rate := m.expert.HourlyRate.Decimal
			matches[i].HourlyRate = &rate
		}
	}

	if asker := trimAt(input.AskerHandle); asker != "" {
		s.recordMatch(ctx, asker, question, input, matches[0])
	}

	s.Logger().WithContext(ctx).WithField("matches", len(matches)).Debug("expert match")
	httputil.WriteJSON(w, http.StatusOK, MatchResponse{
		Success:         true,
		QuestionPreview: preview(question, 100),
		Matches:         matches,
		TotalExperts:    len(experts),
	})
}

// recordMatch stores the top match for analytics. Failures are logged only.
func (s *Service) recordMatch(ctx context.Context, asker, question string, input MatchInput, top ExpertMatch) {
	urgency := input.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	md := ledger.Metadata{"question": question, "urgency": urgency}
	if input.Budget.Valid {
		md["budget"] = input.Budget.Decimal.String()
	}
	m := &ledger.ExpertMatch{
		QuestionID:    "q_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + newRequestID()[:9],
		AskerHandle:   asker,
		MatchedExpert: strings.TrimPrefix(top.ExpertHandle, "@"),
		MatchScore:    top.MatchScore,
		MatchReason: ledger.Metadata{
			"skills":          top.Reasons.Skills,
			"availability":    top.Reasons.Availability,
			"rating":          top.Reasons.Rating,
			"price":           top.Reasons.Price,
			"completion_rate": top.Reasons.CompletionRate,
		},
		Metadata: md,
	}
	if err := s.ledger.RecordMatch(ctx, m); err != nil {
		s.Logger().WithContext(ctx).WithError(err).Warn("record expert match")
	}
}

// =============================================================================
// Sessions
// =============================================================================

// handleAsk matches a question to an expert and locks the asker's payment in
// escrow. The reconciler confirms the escrow row once it is mined.
func (s *Service) handleAsk(w http.ResponseWriter, r *http.Request) {
	var input AskInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	from := trimAt(input.From)
	question := strings.TrimSpace(input.Question)
	if from == "" || question == "" || input.Budget.IsZero() {
		httputil.BadRequest(w, "Missing required fields: from, question, budget")
		return
	}
	if input.Budget.LessThan(minEscrowAmount) {
		httputil.BadRequest(w, "Minimum budget is $5")
		return
	}
	if input.Budget.GreaterThan(maxEscrowAmount) {
		httputil.BadRequest(w, "Maximum budget is $10,000")
		return
	}
	if err := requireActor(r, from); err != nil {
		s.writeError(w, r, "ask", err)
		return
	}

	fromAddr, err := s.walletAddress(ctx, from)
	if err != nil {
		s.writeError(w, r, "ask", err)
		return
	}
	expert, score, err := s.matchExpert(ctx, from, question, trimAt(input.PreferredExpert), input.Budget)
	if err != nil {
		s.writeError(w, r, "ask", err)
		return
	}
	if !common.IsHexAddress(expert.WalletAddress) {
		s.writeError(w, r, "ask", svcerrors.Internal("resolve expert wallet", errors.New("stored wallet address is malformed")))
		return
	}

	amount := decimal.Min(input.Budget, expert.Rate())
	if amount.LessThan(minEscrowAmount) {
		amount = minEscrowAmount
	}
	if err := s.ensureBalance(ctx, fromAddr, amount); err != nil {
		s.writeError(w, r, "ask", err)
		return
	}

	keyMaterial, err := s.keyMaterial(ctx, kv.WalletKey(from))
	if err != nil {
		s.writeError(w, r, "ask", err)
		return
	}

	now := time.Now().UTC()
	sessionID := newSessionID()
	escrowID := crypto.Keccak256Hash([]byte(sessionID + "_" + strconv.FormatInt(now.UnixMilli(), 10))).Hex()
	description := preview(question, questionPreviewLen)

	result, err := s.dispatcher.CreateEscrow(ctx, dispatcher.EscrowRequest{
		From:         from,
		To:           expert.Handle,
		Expert:       common.HexToAddress(expert.WalletAddress),
		Amount:       amount,
		Description:  description,
		EscrowID:     escrowID,
		TimeoutHours: sessionTimeoutHours,
		KeyMaterial:  keyMaterial,
	})
	if err != nil {
		s.writeError(w, r, "ask", err)
		return
	}
	s.stats.escrows.Add(1)
	s.stats.sessions.Add(1)

	txHash := result.TxHash.Hex()
	expiresAt := now.Add(sessionTimeoutHours * time.Hour)
	ev := &ledger.WalletEvent{
		Handle:        from,
		EventType:     ledger.EventEscrowCreated,
		WalletAddress: ledger.StrPtr(fromAddr.Hex()),
		Amount:        decimal.NewNullDecimal(amount),
		TxHash:        &txHash,
		TxStatus:      ledger.StrPtr(ledger.StatusPending),
		Metadata: ledger.Metadata{
			"to":           expert.Handle,
			"description":  description,
			"escrowId":     escrowID,
			"sessionId":    sessionID,
			"timeoutHours": sessionTimeoutHours,
			"expiresAt":    expiresAt.Format(time.RFC3339),
			"contract":     contractEscrow,
		},
	}
	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("tx_hash", txHash).Error("escrow submitted but ledger write failed")
	}
	sess := &ledger.ExpertSession{
		SessionID:    sessionID,
		AskerHandle:  from,
		ExpertHandle: expert.Handle,
		Question:     question,
		EscrowID:     escrowID,
		EscrowAmount: amount,
		EscrowTxHash: &txHash,
		Status:       ledger.SessionPending,
		Metadata: ledger.Metadata{
			"budget":        input.Budget.String(),
			"matched_score": score,
		},
	}
	if err := s.ledger.InsertExpertSession(ctx, sess); err != nil {
		s.Logger().WithContext(ctx).WithError(err).WithField("session_id", sessionID).Error("escrow submitted but session write failed")
	}

	s.notifier.Notify(ctx, expert.Handle, fmt.Sprintf("💼 New Question from @%s\n\n%q\n\nEscrow: $%s\nRespond with: vibe ping answer %s",
		from, description, amount.String(), sessionID))

	s.Logger().WithContext(ctx).WithFields(map[string]interface{}{
		"session_id": sessionID,
		"asker":      from,
		"expert":     expert.Handle,
		"amount":     amount.String(),
	}).Info("expert session opened")

	httputil.WriteJSON(w, http.StatusOK, AskResponse{
		Success:      true,
		SessionID:    sessionID,
		ExpertHandle: "@" + expert.Handle,
		ExpertSkills: expert.Skills,
		EscrowID:     escrowID,
		EscrowAmount: amount,
		TxHash:       txHash,
		Status:       string(result.Status),
		TimeoutHours: sessionTimeoutHours,
		Message:      fmt.Sprintf("Question sent to @%s. Escrow of $%s created.", expert.Handle, amount.String()),
	})
}

// handleCompleteSession releases a session's escrow to the expert, records the
// rating and credits the expert's earnings.
func (s *Service) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	var input SessionCompleteInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	ctx := r.Context()

	from := trimAt(input.From)
	sessionID := strings.TrimSpace(input.SessionID)
	if sessionID == "" || from == "" {
		httputil.BadRequest(w, "Missing required fields: session_id, from")
		return
	}
	if input.Rating != nil && (*input.Rating < 1 || *input.Rating > 5) {
		httputil.BadRequest(w, "Rating must be between 1 and 5")
		return
	}
	if err := requireActor(r, from); err != nil {
		s.writeError(w, r, "session_complete", err)
		return
	}

	sess, err := s.ledger.FindExpertSession(ctx, sessionID, from)
	if errors.Is(err, ledger.ErrNotFound) {
		httputil.NotFound(w, "Session not found or you are not the asker")
		return
	}
	if err != nil {
		s.writeError(w, r, "session_complete", svcerrors.Internal("Failed to load session", err))
		return
	}
	if sess.Status == ledger.SessionCompleted {
		httputil.BadRequest(w, "Session already completed")
		return
	}
	// The escrow may have been released through /api/payments/complete.
	if created, err := s.ledger.FindEscrow(ctx, sess.EscrowID, from); err == nil && created.Metadata.Bool("completed") {
		httputil.BadRequest(w, "Session escrow already released")
		return
	}

	keyMaterial, err := s.keyMaterial(ctx, kv.WalletKey(from))
	if err != nil {
		s.writeError(w, r, "session_complete", err)
		return
	}

	result, err := s.dispatcher.CompleteEscrow(ctx, dispatcher.CompleteRequest{
		EscrowID:    sess.EscrowID,
		AskerHandle: from,
		KeyMaterial: keyMaterial,
	})
	if err != nil {
		s.writeError(w, r, "session_complete", err)
		return
	}
	s.stats.completions.Add(1)

	txHash := result.TxHash.Hex()
	log := s.Logger().WithContext(ctx).WithField("session_id", sessionID).WithField("tx_hash", txHash)

	// The release is final on chain; ledger and treasury failures are logged, not reported.
	confirmedAt := time.Now().UTC()
	completion := &ledger.WalletEvent{
		Handle:      sess.ExpertHandle,
		EventType:   ledger.EventEscrowCompleted,
		Amount:      decimal.NewNullDecimal(result.AmountReleased),
		TxHash:      &txHash,
		TxStatus:    ledger.StrPtr(ledger.StatusConfirmed),
		ConfirmedAt: &confirmedAt,
		Metadata: ledger.Metadata{
			"from":      from,
			"escrowId":  sess.EscrowID,
			"sessionId": sessionID,
			"fee":       result.Fee.String(),
		},
	}
	if result.Expert != (common.Address{}) {
		completion.WalletAddress = ledger.StrPtr(result.Expert.Hex())
	}
	if err := s.ledger.CompleteEscrow(ctx, sess.EscrowID, from, completion); err != nil {
		log.WithError(err).Error("session escrow released but ledger write failed")
	}

	md := ledger.Metadata{
		"session_id": sessionID,
		"question":   preview(sess.Question, 100),
	}
	if input.Rating != nil {
		md["rating"] = *input.Rating
	}
	earning := &ledger.Earning{
		AgentHandle:  sess.ExpertHandle,
		EarningType:  ledger.EarningServiceFee,
		Amount:       result.AmountReleased,
		SourceHandle: ledger.StrPtr(from),
		SourceTxHash: &txHash,
		Metadata:     md,
	}
	if err := s.ledger.CompleteExpertSession(ctx, sessionID, input.Rating, ledger.StrPtr(strings.TrimSpace(input.Review)), earning); err != nil {
		log.WithError(err).Error("session escrow released but session write failed")
	}

	if result.AmountReleased.IsPositive() {
		_, err := s.authorizer.Credit(ctx, sess.ExpertHandle, result.AmountReleased)
		switch {
		case svcerrors.HasCode(err, svcerrors.CodeTreasuryNotFound):
			log.Debug("expert has no agent treasury; skipping credit")
		case err != nil:
			log.WithError(err).Error("session escrow released but treasury credit failed")
		}
	}

	text := fmt.Sprintf("✅ Session completed!\n\nYou earned $%s from @%s", result.AmountReleased.String(), from)
	if input.Rating != nil {
		text += "\nRating: " + strings.Repeat("⭐", *input.Rating)
	}
	s.notifier.Notify(ctx, sess.ExpertHandle, text+"\n\nCheck: vibe wallet")

	httputil.WriteJSON(w, http.StatusOK, SessionCompleteResponse{
		Success:        true,
		SessionID:      sessionID,
		AmountReleased: result.AmountReleased,
		TxHash:         txHash,
		ExpertHandle:   "@" + sess.ExpertHandle,
		Rating:         input.Rating,
		Message:        fmt.Sprintf("Escrow released to @%s", sess.ExpertHandle),
	})
}

// newSessionID returns "sess_" followed by 8 random bytes as hex.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "sess_" + newRequestID()[:16]
	}
	return "sess_" + hex.EncodeToString(b[:])
}

// preview cuts s to at most n runes.
func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
