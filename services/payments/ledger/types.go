// Package ledger records payment activity in wallet_events and agent_spending,
// agent earnings and the expert marketplace's profiles and sessions.
package ledger

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("ledger: not found")

// Event types written to wallet_events.
const (
	EventTipSent         = "tip_sent"
	EventTipReceived     = "tip_received"
	EventEscrowCreated   = "escrow_created"
	EventEscrowCompleted = "escrow_completed"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Earning types written to agent_earnings.
const (
	EarningTip             = "tip"
	EarningCommission      = "commission"
	EarningServiceFee      = "service_fee"
	EarningLiquidityReward = "liquidity_reward"
)

// Expert availability and session statuses.
const (
	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityOffline   = "offline"
	SessionPending        = "pending"
	SessionCompleted      = "completed"
	defaultExpertTier     = "bronze"
)

// Metadata is a JSONB column. It is written as text; lib/pq would send []byte as bytea.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*m = out
	return nil
}

// String returns the string value at key or "".
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the bool value at key.
func (m Metadata) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Skills is a JSONB array of strings.
type Skills []string

func (s Skills) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Skills) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Skills{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("skills: unsupported type %T", src)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("skills: %w", err)
	}
	*s = out
	return nil
}

// WalletEvent is a wallet_events row.
type WalletEvent struct {
	ID            int64               `db:"id"`
	Handle        string              `db:"handle"`
	EventType     string              `db:"event_type"`
	WalletAddress *string             `db:"wallet_address"`
	Amount        decimal.NullDecimal `db:"amount"`
	TxHash        *string             `db:"transaction_hash"`
	TxStatus      *string             `db:"tx_status"`
	ConfirmedAt   *time.Time          `db:"tx_confirmation_time"`
	Metadata      Metadata            `db:"metadata"`
	CreatedAt     time.Time           `db:"created_at"`
}

// Spending is an agent_spending row.
type Spending struct {
	ID               int64           `db:"id"`
	AgentHandle      string          `db:"agent_handle"`
	SpendingType     string          `db:"spending_type"`
	Amount           decimal.Decimal `db:"amount"`
	RecipientHandle  *string         `db:"recipient_handle"`
	RecipientAddress *string         `db:"recipient_address"`
	TxHash           *string         `db:"tx_hash"`
	TxStatus         string          `db:"tx_status"`
	ApprovedBy       string          `db:"approved_by"`
	Metadata         Metadata        `db:"metadata"`
	CreatedAt        time.Time       `db:"created_at"`
}

// Earning is an agent_earnings row.
type Earning struct {
	ID           int64           `db:"id"`
	AgentHandle  string          `db:"agent_handle"`
	EarningType  string          `db:"earning_type"`
	Amount       decimal.Decimal `db:"amount"`
	SourceHandle *string         `db:"source_handle"`
	SourceTxHash *string         `db:"source_tx_hash"`
	Metadata     Metadata        `db:"metadata"`
	CreatedAt    time.Time       `db:"created_at"`
}

// EarningTotal aggregates an agent's earnings of one type.
type EarningTotal struct {
	EarningType string          `db:"earning_type"`
	Count       int64           `db:"count"`
	Total       decimal.Decimal `db:"total"`
}

// ExpertProfile is an expert_profiles row.
type ExpertProfile struct {
	Handle         string              `db:"handle"`
	WalletAddress  string              `db:"wallet_address"`
	Bio            *string             `db:"bio"`
	Skills         Skills              `db:"skills"`
	HourlyRate     decimal.NullDecimal `db:"hourly_rate"`
	MinEscrow      decimal.Decimal     `db:"min_escrow"`
	Availability   string              `db:"availability"`
	Tier           string              `db:"tier"`
	RatingAvg      float64             `db:"rating_avg"`
	RatingCount    int                 `db:"rating_count"`
	TotalSessions  int                 `db:"total_sessions"`
	TotalEarnings  decimal.Decimal     `db:"total_earnings"`
	CompletionRate float64             `db:"completion_rate"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

// Rate is what one session with the expert costs: the hourly rate when set,
// otherwise the minimum escrow.
func (e *ExpertProfile) Rate() decimal.Decimal {
	if e.HourlyRate.Valid && e.HourlyRate.Decimal.IsPositive() {
		return e.HourlyRate.Decimal
	}
	return e.MinEscrow
}

// RecordSession folds a completed session into the profile's statistics.
// A nil rating leaves the rating average untouched.
func (e *ExpertProfile) RecordSession(earned decimal.Decimal, rating *int) {
	e.TotalSessions++
	n := float64(e.TotalSessions)
	e.CompletionRate = (n-1)/n*e.CompletionRate + 1/n
	e.TotalEarnings = e.TotalEarnings.Add(earned)
	if rating != nil {
		e.RatingAvg = (e.RatingAvg*float64(e.RatingCount) + float64(*rating)) / float64(e.RatingCount+1)
		e.RatingCount++
	}
}

// ExpertFilter narrows FindExperts. Zero fields match every profile.
type ExpertFilter struct {
	Availability []string
	// MaxMinEscrow keeps experts whose min_escrow is at most this amount.
	MaxMinEscrow decimal.NullDecimal
}

// ExpertMatch is an expert_matches row: the top result of a match query.
type ExpertMatch struct {
	QuestionID    string   `db:"question_id"`
	AskerHandle   string   `db:"asker_handle"`
	MatchedExpert string   `db:"matched_expert"`
	MatchScore    float64  `db:"match_score"`
	MatchReason   Metadata `db:"match_reason"`
	Metadata      Metadata `db:"metadata"`
}

// ExpertSession is an expert_sessions row: one question answered under escrow.
type ExpertSession struct {
	SessionID    string          `db:"session_id"`
	AskerHandle  string          `db:"asker_handle"`
	ExpertHandle string          `db:"expert_handle"`
	Question     string          `db:"question"`
	EscrowID     string          `db:"escrow_id"`
	EscrowAmount decimal.Decimal `db:"escrow_amount"`
	EscrowTxHash *string         `db:"escrow_tx_hash"`
	Status       string          `db:"status"`
	Rating       *int            `db:"rating"`
	Review       *string         `db:"review"`
	Metadata     Metadata        `db:"metadata"`
	CreatedAt    time.Time       `db:"created_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
}

// Ledger is the persistence surface of the payment handlers.
type Ledger interface {
	// RecordTip writes the sender and recipient rows of a tip together.
	RecordTip(ctx context.Context, sent, received *WalletEvent) error
	InsertEvent(ctx context.Context, ev *WalletEvent) error
	// FindEscrow returns the escrow_created row for escrowID owned by handle.
	FindEscrow(ctx context.Context, escrowID, handle string) (*WalletEvent, error)
	// CompleteEscrow confirms the creation row, marks it completed and inserts the
	// recipient's completion row.
	CompleteEscrow(ctx context.Context, escrowID, handle string, completion *WalletEvent) error
	// History returns up to limit events older than cursor, newest first.
	History(ctx context.Context, handle string, limit int, cursor *time.Time) ([]WalletEvent, bool, error)
	PendingEscrows(ctx context.Context, limit int) ([]WalletEvent, error)
	SetEventStatus(ctx context.Context, id int64, status string) error
	InsertSpending(ctx context.Context, s *Spending) error
	RecentSpending(ctx context.Context, handle string, limit int) ([]Spending, error)
	// WalletAddress resolves a user's wallet from users.wallet_address.
	WalletAddress(ctx context.Context, handle string) (string, error)

	InsertEarning(ctx context.Context, e *Earning) error
	RecentEarnings(ctx context.Context, handle string, limit int) ([]Earning, error)
	EarningsByType(ctx context.Context, handle string) ([]EarningTotal, error)

	// SaveExpert creates or updates a profile and reports whether it was created.
	// On update a nil Bio or HourlyRate keeps the stored value and the wallet
	// address is left unchanged.
	SaveExpert(ctx context.Context, e *ExpertProfile) (bool, error)
	GetExpert(ctx context.Context, handle string) (*ExpertProfile, error)
	// FindExperts lists profiles matching f, best rated first.
	FindExperts(ctx context.Context, f ExpertFilter) ([]ExpertProfile, error)
	RecordMatch(ctx context.Context, m *ExpertMatch) error
	InsertExpertSession(ctx context.Context, sess *ExpertSession) error
	// FindExpertSession returns sessionID when asker opened it.
	FindExpertSession(ctx context.Context, sessionID, asker string) (*ExpertSession, error)
	// CompleteExpertSession marks a pending session completed. When the expert
	// has a profile it also folds the session into the profile's statistics and
	// inserts earning, all in one transaction.
	CompleteExpertSession(ctx context.Context, sessionID string, rating *int, review *string, earning *Earning) error
}

// StrPtr returns nil for "" and &s otherwise.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
