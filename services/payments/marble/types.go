package paymentsmarble

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var errMissingDependency = errors.New("payments: dispatcher, authorizer, ledger and kv store are required")

// Validation bounds.
var (
	maxTipAmount    = decimal.NewFromInt(100)
	minEscrowAmount = decimal.NewFromInt(5)
	maxEscrowAmount = decimal.NewFromInt(10000)
)

const (
	defaultEscrowTimeoutHours = 48
	defaultHistoryLimit       = 50
	maxHistoryLimit           = 100
	recentSpendingLimit       = 20
	recentEarningsLimit       = 20
	approvedByPrefixLen       = 10
	sessionTimeoutHours       = 48
	questionPreviewLen        = 200
	defaultMatchLimit         = 5
	maxMatchLimit             = 50

	contractPayments = "X402Micropayments"
	contractEscrow   = "VibeEscrow"
)

// Agent spending types.
const (
	SpendTip            = "tip"
	SpendServicePayment = "service_payment"
	SpendDataPurchase   = "data_purchase"
)

// Session key actions.
const (
	ActionGenerate = "generate"
	ActionRevoke   = "revoke"
	ActionRefresh  = "refresh"
)

// =============================================================================
// Payments
// =============================================================================

// TipInput is the body of POST /api/payments/tip.
type TipInput struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message,omitempty"`
}

// TipResponse reports a confirmed tip.
type TipResponse struct {
	Success        bool            `json:"success"`
	TxHash         string          `json:"tx_hash"`
	Status         string          `json:"status"`
	BlockNumber    uint64          `json:"block_number"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	NetToRecipient decimal.Decimal `json:"net_to_recipient"`
	Message        string          `json:"message"`
}

// EscrowInput is the body of POST /api/payments/escrow.
type EscrowInput struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	TimeoutHours int             `json:"timeout_hours,omitempty"`
}

// EscrowResponse reports a submitted escrow.
type EscrowResponse struct {
	Success  bool            `json:"success"`
	EscrowID string          `json:"escrow_id"`
	TxHash   string          `json:"tx_hash"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Timeout  time.Time       `json:"timeout"`
	Message  string          `json:"message"`
}

// CompleteInput is the body of POST /api/payments/complete.
type CompleteInput struct {
	EscrowID string `json:"escrow_id"`
	From     string `json:"from"`
}

// CompleteResponse reports a released escrow.
type CompleteResponse struct {
	Success        bool            `json:"success"`
	TxHash         string          `json:"tx_hash"`
	Status         string          `json:"status"`
	AmountReleased decimal.Decimal `json:"amount_released"`
	Fee            decimal.Decimal `json:"fee"`
	Message        string          `json:"message"`
}

// HistoryEntry is one wallet event in GET /api/payments/history.
type HistoryEntry struct {
	ID          int64            `json:"id"`
	Type        string           `json:"type"`
	Amount      *decimal.Decimal `json:"amount"`
	To          string           `json:"to,omitempty"`
	From        string           `json:"from,omitempty"`
	Message     string           `json:"message,omitempty"`
	Description string           `json:"description,omitempty"`
	TxHash      *string          `json:"tx_hash"`
	Status      *string          `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ConfirmedAt *time.Time       `json:"confirmed_at"`
}

// HistoryResponse is a page of wallet events, newest first.
type HistoryResponse struct {
	Success      bool           `json:"success"`
	Handle       string         `json:"handle"`
	Transactions []HistoryEntry `json:"transactions"`
	HasMore      bool           `json:"has_more"`
	NextCursor   *time.Time     `json:"next_cursor"`
}

// TxStatusResponse answers GET /api/payments/tx/{hash}.
type TxStatusResponse struct {
	Success     bool    `json:"success"`
	TxHash      string  `json:"tx_hash"`
	Status      string  `json:"status"`
	BlockNumber *uint64 `json:"block_number"`
	GasUsed     uint64  `json:"gas_used,omitempty"`
}

// =============================================================================
// Agent wallets
// =============================================================================

// SessionKeyInput is the body of POST /api/agents/wallet/session-key.
type SessionKeyInput struct {
	AgentHandle    string           `json:"agent_handle"`
	Action         string           `json:"action"`
	ExpiresInHours int              `json:"expires_in_hours,omitempty"`
	DailyBudget    *decimal.Decimal `json:"daily_budget,omitempty"`
}

// SessionKeyResponse carries a new credential or the outcome of revoke/refresh.
type SessionKeyResponse struct {
	Success     bool             `json:"success"`
	Action      string           `json:"action"`
	AgentHandle string           `json:"agent_handle"`
	SessionKey  string           `json:"session_key,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	DailyBudget *decimal.Decimal `json:"daily_budget,omitempty"`
	Message     string           `json:"message"`
}

// SpendInput is the body of POST /api/agents/wallet/spend.
type SpendInput struct {
	AgentHandle      string                 `json:"agent_handle"`
	SpendingType     string                 `json:"spending_type"`
	Amount           decimal.Decimal        `json:"amount"`
	RecipientHandle  string                 `json:"recipient_handle,omitempty"`
	RecipientAddress string                 `json:"recipient_address,omitempty"`
	SessionKey       string                 `json:"session_key"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// SpendResponse reports an authorized agent spend.
type SpendResponse struct {
	Success              bool            `json:"success"`
	SpendingID           int64           `json:"spending_id"`
	TxHash               *string         `json:"tx_hash"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	NewBalance           decimal.Decimal `json:"new_balance"`
	RemainingDailyBudget decimal.Decimal `json:"remaining_daily_budget"`
}

// TreasuryBalances summarizes an agent's funds.
type TreasuryBalances struct {
	Current     decimal.Decimal `json:"current"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	TotalSpent  decimal.Decimal `json:"total_spent"`
}

// TreasuryBudget reports the daily budget with the lazy reset applied.
type TreasuryBudget struct {
	DailyLimit     decimal.Decimal `json:"daily_limit"`
	DailySpent     decimal.Decimal `json:"daily_spent"`
	DailyRemaining decimal.Decimal `json:"daily_remaining"`
	ResetsAt       time.Time       `json:"resets_at"`
}

// SpendingEntry is one agent_spending row.
type SpendingEntry struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Amount    decimal.Decimal        `json:"amount"`
	Recipient string                 `json:"recipient"`
	TxHash    *string                `json:"tx_hash"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// EarningEntry is one agent_earnings row.
type EarningEntry struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Amount    decimal.Decimal        `json:"amount"`
	Source    *string                `json:"source"`
	TxHash    *string                `json:"tx_hash"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// EarningBreakdown totals one earning type.
type EarningBreakdown struct {
	Type  string          `json:"type"`
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// TreasuryResponse answers GET /api/agents/wallet/treasury.
type TreasuryResponse struct {
	Success           bool               `json:"success"`
	AgentHandle       string             `json:"agent_handle"`
	WalletAddress     *string            `json:"wallet_address"`
	Balances          TreasuryBalances   `json:"balances"`
	Budget            TreasuryBudget     `json:"budget"`
	SessionKeyActive  bool               `json:"session_key_active"`
	RecentSpending    []SpendingEntry    `json:"recent_spending"`
	RecentEarnings    []EarningEntry     `json:"recent_earnings"`
	EarningsBreakdown []EarningBreakdown `json:"earnings_breakdown"`
}

// EarnInput is the body of POST /api/agents/wallet/earn.
type EarnInput struct {
	AgentHandle  string                 `json:"agent_handle"`
	EarningType  string                 `json:"earning_type"`
	Amount       decimal.Decimal        `json:"amount"`
	SourceHandle string                 `json:"source_handle,omitempty"`
	SourceTxHash string                 `json:"source_tx_hash,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// EarnResponse reports a credited earning.
type EarnResponse struct {
	Success     bool            `json:"success"`
	EarningID   int64           `json:"earning_id"`
	Amount      decimal.Decimal `json:"amount"`
	EarningType string          `json:"earning_type"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	TotalEarned decimal.Decimal `json:"total_earned"`
}

// =============================================================================
// Expert sessions
// =============================================================================

// ExpertInput is the body of POST /api/ping/expert/register.
type ExpertInput struct {
	Handle       string           `json:"handle"`
	Bio          string           `json:"bio,omitempty"`
	Skills       []string         `json:"skills"`
	HourlyRate   *decimal.Decimal `json:"hourly_rate,omitempty"`
	MinEscrow    *decimal.Decimal `json:"min_escrow,omitempty"`
	Availability string           `json:"availability,omitempty"`
}

// ExpertResponse reports a created or updated expert profile.
type ExpertResponse struct {
	Success       bool             `json:"success"`
	Action        string           `json:"action"`
	ExpertHandle  string           `json:"expert_handle"`
	Bio           *string          `json:"bio"`
	Skills        []string         `json:"skills"`
	HourlyRate    *decimal.Decimal `json:"hourly_rate"`
	MinEscrow     decimal.Decimal  `json:"min_escrow"`
	Availability  string           `json:"availability"`
	Tier          string           `json:"tier"`
	Rating        float64          `json:"rating"`
	TotalSessions int              `json:"total_sessions"`
	CreatedAt     time.Time        `json:"created_at"`
}

// AskInput is the body of POST /api/ping/ask.
type AskInput struct {
	From            string          `json:"from"`
	Question        string          `json:"question"`
	Budget          decimal.Decimal `json:"budget"`
	PreferredExpert string          `json:"preferred_expert,omitempty"`
}

// AskResponse reports the matched expert and the escrow backing the session.
type AskResponse struct {
	Success      bool            `json:"success"`
	SessionID    string          `json:"session_id"`
	ExpertHandle string          `json:"expert_handle"`
	ExpertSkills []string        `json:"expert_skills"`
	EscrowID     string          `json:"escrow_id"`
	EscrowAmount decimal.Decimal `json:"escrow_amount"`
	TxHash       string          `json:"tx_hash"`
	Status       string          `json:"status"`
	TimeoutHours int             `json:"timeout_hours"`
	Message      string          `json:"message"`
}

// SessionCompleteInput is the body of POST /api/ping/complete.
type SessionCompleteInput struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	Rating    *int   `json:"rating,omitempty"`
	Review    string `json:"review,omitempty"`
}

// SessionCompleteResponse reports a released session escrow.
type SessionCompleteResponse struct {
	Success        bool            `json:"success"`
	SessionID      string          `json:"session_id"`
	AmountReleased decimal.Decimal `json:"amount_released"`
	TxHash         string          `json:"tx_hash"`
	ExpertHandle   string          `json:"expert_handle"`
	Rating         *int            `json:"rating"`
	Message        string          `json:"message"`
}

// MatchInput is the body of POST /api/ping/match.
type MatchInput struct {
	Question    string              `json:"question"`
	Budget      decimal.NullDecimal `json:"budget"`
	Urgency     string              `json:"urgency,omitempty"`
	AskerHandle string              `json:"asker_handle,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// MatchReasons are the per-factor scores behind a match, each in [0, 1].
type MatchReasons struct {
	Skills         float64 `json:"skills"`
	Availability   float64 `json:"availability"`
	Rating         float64 `json:"rating"`
	Price          float64 `json:"price"`
	CompletionRate float64 `json:"completion_rate"`
}

// ExpertMatch is one ranked expert in a MatchResponse.
type ExpertMatch struct {
	ExpertHandle  string           `json:"expert_handle"`
	MatchScore    float64          `json:"match_score"`
	Reasons       MatchReasons     `json:"reasons"`
	ExpertSkills  []string         `json:"expert_skills"`
	ExpertRating  float64          `json:"expert_rating"`
	TotalSessions int              `json:"total_sessions"`
	MinEscrow     decimal.Decimal  `json:"min_escrow"`
	HourlyRate    *decimal.Decimal `json:"hourly_rate"`
	Tier          string           `json:"tier"`
}

// MatchResponse ranks the experts who could take a question.
type MatchResponse struct {
	Success         bool          `json:"success"`
	QuestionPreview string        `json:"question_preview"`
	Matches         []ExpertMatch `json:"matches"`
	TotalExperts    int           `json:"total_experts"`
}
