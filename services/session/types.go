package session

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains why a presented credential was rejected.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonMissingCredential Reason = "missing_credential"
	ReasonExpired           Reason = "expired"
	ReasonMismatch          Reason = "mismatch"
)

// Validation is the outcome of ValidateSession.
type Validation struct {
	Valid  bool
	Reason Reason
}

// Budget is the rolling daily spending state of an account.
type Budget struct {
	DailyLimit decimal.Decimal
	Spent      decimal.Decimal
	ResetAt    time.Time
}

// BudgetCheck is the outcome of CheckBudget. Available may be negative.
type BudgetCheck struct {
	Allowed    bool
	Available  decimal.Decimal
	NeedsReset bool
}

// Treasury is an agent's economic record as stored in agent_treasuries.
type Treasury struct {
	Handle              string          `db:"agent_handle"`
	WalletAddress       *string         `db:"wallet_address"`
	SessionKey          *string         `db:"session_key"`
	SessionKeyExpiresAt *time.Time      `db:"session_key_expires_at"`
	DailyBudget         decimal.Decimal `db:"daily_budget"`
	DailySpent          decimal.Decimal `db:"daily_spent"`
	BudgetResetAt       *time.Time      `db:"budget_reset_at"`
	CurrentBalance      decimal.Decimal `db:"current_balance"`
	TotalEarned         decimal.Decimal `db:"total_earned"`
	TotalSpent          decimal.Decimal `db:"total_spent"`
	UpdatedAt           *time.Time      `db:"updated_at"`
}

// Budget projects the treasury's budget fields. A missing reset time is due immediately.
func (t *Treasury) Budget() Budget {
	b := Budget{DailyLimit: t.DailyBudget, Spent: t.DailySpent}
	if t.BudgetResetAt != nil {
		b.ResetAt = *t.BudgetResetAt
	}
	return b
}

// SessionActive reports whether a credential is set and unexpired at now.
func (t *Treasury) SessionActive(now time.Time) bool {
	return t.SessionKey != nil && *t.SessionKey != "" &&
		t.SessionKeyExpiresAt != nil && now.Before(*t.SessionKeyExpiresAt)
}

// Credential is a freshly issued session key.
type Credential struct {
	Handle      string
	Token       string
	ExpiresAt   time.Time
	DailyBudget decimal.Decimal
}

// Authorization is a passed pre-dispatch check.
type Authorization struct {
	Treasury *Treasury
	Check    BudgetCheck
}
