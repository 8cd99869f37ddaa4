// Package session gates autonomous agent spending behind session credentials
// and a rolling daily budget.
//
// A spend is checked (Authorize), executed by the caller, then committed
// (CommitSpend). The commit re-evaluates the budget against the freshly locked
// treasury row and fails closed, so a concurrent spend can never push daily
// spending past the limit. WithAccountLock serializes the whole sequence per
// agent when a Locker is configured.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
	"github.com/Asupkay/vibe-platform/internal/logging"
)

const (
	// CredentialPrefix marks session keys.
	CredentialPrefix = "sk_"
	credentialBytes  = 32

	// DefaultExpiryHours applies when generate/refresh omit a duration.
	DefaultExpiryHours = 24
	maxExpiryHours     = 24 * 30

	// A tip may wait for an allowance approval and then for the payment itself,
	// each bounded by the dispatcher's confirmation timeout.
	confirmationWaits       = 2
	lockMargin              = time.Minute
	defaultConfirmationWait = 2 * time.Minute
)

// SpendLockTTL returns the spend lock lifetime that outlasts a dispatched tip
// whose confirmations are each bounded by confirmationTimeout.
func SpendLockTTL(confirmationTimeout time.Duration) time.Duration {
	if confirmationTimeout <= 0 {
		confirmationTimeout = defaultConfirmationWait
	}
	return confirmationWaits*confirmationTimeout + lockMargin
}

// Store persists treasuries. UpdateTreasury must run fn atomically with respect
// to other updates of the same handle and persist the mutated record only when
// fn returns nil.
type Store interface {
	GetTreasury(ctx context.Context, handle string) (*Treasury, error)
	UpdateTreasury(ctx context.Context, handle string, fn func(*Treasury) error) (*Treasury, error)
}

// Locker provides a per-key mutual exclusion section.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Authorizer implements credential lifecycle and spend authorization.
type Authorizer struct {
	store   Store
	locker  Locker
	lockTTL time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// Option customizes an Authorizer.
type Option func(*Authorizer)

// WithLocker serializes spends per account.
func WithLocker(l Locker) Option { return func(a *Authorizer) { a.locker = l } }

// WithLockTTL sets how long a spend lock is held before it lapses. Use
// SpendLockTTL to derive it from the dispatcher's confirmation timeout.
func WithLockTTL(ttl time.Duration) Option { return func(a *Authorizer) { a.lockTTL = ttl } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Authorizer) { a.now = now } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(a *Authorizer) { a.logger = l } }

// NewAuthorizer creates an Authorizer over store.
func NewAuthorizer(store Store, opts ...Option) *Authorizer {
	a := &Authorizer{
		store:   store,
		lockTTL: SpendLockTTL(0),
		logger:  logging.Default("session"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// =============================================================================
// Pure checks
// =============================================================================

// ValidateSession checks a presented credential against the stored one.
// The comparison is constant time.
func ValidateSession(stored, presented string, expiresAt *time.Time, now time.Time) Validation {
	if stored == "" || presented == "" || expiresAt == nil {
		return Validation{Reason: ReasonMissingCredential}
	}
	if !now.Before(*expiresAt) {
		return Validation{Reason: ReasonExpired}
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return Validation{Reason: ReasonMismatch}
	}
	return Validation{Valid: true}
}

// CheckBudget evaluates a spend against b without mutating it. When the reset time
// has passed the check runs against a hypothetical post-reset state.
func CheckBudget(b Budget, amount decimal.Decimal, now time.Time) BudgetCheck {
	if !now.Before(b.ResetAt) {
		return BudgetCheck{
			Allowed:    amount.LessThanOrEqual(b.DailyLimit),
			Available:  b.DailyLimit.Sub(amount),
			NeedsReset: true,
		}
	}
	available := b.DailyLimit.Sub(b.Spent).Sub(amount)
	return BudgetCheck{
		Allowed:   !available.IsNegative(),
		Available: available,
	}
}

// NextReset returns the first UTC midnight strictly after now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CleanHandle strips a leading @ and surrounding space.
func CleanHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// =============================================================================
// Credential lifecycle
// =============================================================================

// Generate issues a new credential, replacing any existing one. A non-nil
// dailyBudget also replaces the daily limit.
func (a *Authorizer) Generate(ctx context.Context, handle string, expiresInHours int, dailyBudget *decimal.Decimal) (*Credential, error) {
	handle = CleanHandle(handle)
	hours, err := expiryHours(expiresInHours)
	if err != nil {
		return nil, err
	}
	if dailyBudget != nil && dailyBudget.IsNegative() {
		return nil, svcerrors.Validation("daily_budget must not be negative")
	}

	token, err := newCredential()
	if err != nil {
		return nil, svcerrors.Internal("generate session key", err)
	}
	expiresAt := a.now().Add(time.Duration(hours) * time.Hour).UTC()

	t, err := a.store.UpdateTreasury(ctx, handle, func(t *Treasury) error {
		t.SessionKey = &token
		t.SessionKeyExpiresAt = &expiresAt
		if dailyBudget != nil {
			t.DailyBudget = *dailyBudget
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithContext(ctx).WithField("handle", handle).WithField("expires_at", expiresAt).Info("session key generated")
	return &Credential{Handle: handle, Token: token, ExpiresAt: expiresAt, DailyBudget: t.DailyBudget}, nil
}

// Revoke clears the credential. Revoking an account without one succeeds.
func (a *Authorizer) Revoke(ctx context.Context, handle string) error {
	handle = CleanHandle(handle)
	_, err := a.store.UpdateTreasury(ctx, handle, func(t *Treasury) error {
		t.SessionKey = nil
		t.SessionKeyExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.WithContext(ctx).WithField("handle", handle).Info("session key revoked")
	return nil
}

// Refresh extends the expiry of the existing credential. The token is unchanged.
func (a *Authorizer) Refresh(ctx context.Context, handle string, expiresInHours int) (time.Time, error) {
	handle = CleanHandle(handle)
	hours, err := expiryHours(expiresInHours)
	if err != nil {
		return time.Time{}, err
	}
	expiresAt := a.now().Add(time.Duration(hours) * time.Hour).UTC()

	_, err = a.store.UpdateTreasury(ctx, handle, func(t *Treasury) error {
		if t.SessionKey == nil || *t.SessionKey == "" {
			return svcerrors.NoActiveCredential()
		}
		t.SessionKeyExpiresAt = &expiresAt
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

// =============================================================================
// Spend authorization
// =============================================================================

// WithAccountLock runs fn while holding the account's spend lock. Without a
// Locker fn runs unguarded and CommitSpend remains the only serialization point.
func (a *Authorizer) WithAccountLock(ctx context.Context, handle string, fn func(context.Context) error) error {
	if a.locker == nil {
		return fn(ctx)
	}
	unlock, err := a.locker.Lock(ctx, "agent:spend:"+CleanHandle(handle), a.lockTTL)
	if err != nil {
		return svcerrors.Unavailable("account is busy", err)
	}
	defer unlock()
	return fn(ctx)
}

// Authorize validates the presented credential, the daily budget and the balance.
// It does not mutate state.
func (a *Authorizer) Authorize(ctx context.Context, handle, presented string, amount decimal.Decimal) (*Authorization, error) {
	handle = CleanHandle(handle)
	if !amount.IsPositive() {
		return nil, svcerrors.Validation("amount must be positive")
	}

	t, err := a.store.GetTreasury(ctx, handle)
	if err != nil {
		return nil, err
	}
	now := a.now()

	if v := ValidateSession(deref(t.SessionKey), presented, t.SessionKeyExpiresAt, now); !v.Valid {
		a.logger.LogSecurityEvent(ctx, "session_key_rejected", map[string]interface{}{
			"handle": handle,
			"reason": string(v.Reason),
		})
		return nil, validationError(v.Reason)
	}

	check := CheckBudget(t.Budget(), amount, now)
	if !check.Allowed {
		return nil, budgetError(t, amount, check)
	}

	if t.CurrentBalance.LessThan(amount) {
		return nil, svcerrors.InsufficientBalance().
			WithDetails("current_balance", t.CurrentBalance.String()).
			WithDetails("requested", amount.String())
	}

	return &Authorization{Treasury: t, Check: check}, nil
}

// CommitSpend debits amount from the budget and balance. The budget and balance
// are re-checked against the locked record; a violation fails closed with no
// mutation.
func (a *Authorizer) CommitSpend(ctx context.Context, handle string, amount decimal.Decimal) (*Treasury, error) {
	handle = CleanHandle(handle)
	now := a.now()

	t, err := a.store.UpdateTreasury(ctx, handle, func(t *Treasury) error {
		check := CheckBudget(t.Budget(), amount, now)
		if !check.Allowed {
			return budgetError(t, amount, check)
		}
		if t.CurrentBalance.LessThan(amount) {
			return svcerrors.InsufficientBalance().
				WithDetails("current_balance", t.CurrentBalance.String()).
				WithDetails("requested", amount.String())
		}

		if check.NeedsReset {
			reset := NextReset(now)
			t.DailySpent = amount
			t.BudgetResetAt = &reset
		} else {
			t.DailySpent = t.DailySpent.Add(amount)
		}
		t.CurrentBalance = t.CurrentBalance.Sub(amount)
		t.TotalSpent = t.TotalSpent.Add(amount)
		return nil
	})
	if err != nil {
		a.logger.WithContext(ctx).WithError(err).WithField("handle", handle).Error("spend commit rejected")
		return nil, err
	}
	return t, nil
}

// Credit adds an earning to the treasury's balance and lifetime earnings. It
// leaves the daily budget untouched.
func (a *Authorizer) Credit(ctx context.Context, handle string, amount decimal.Decimal) (*Treasury, error) {
	handle = CleanHandle(handle)
	if !amount.IsPositive() {
		return nil, svcerrors.Validation("amount must be positive")
	}
	t, err := a.store.UpdateTreasury(ctx, handle, func(t *Treasury) error {
		t.CurrentBalance = t.CurrentBalance.Add(amount)
		t.TotalEarned = t.TotalEarned.Add(amount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"handle":  handle,
		"amount":  amount.String(),
		"balance": t.CurrentBalance.String(),
	}).Info("treasury credited")
	return t, nil
}

// Treasury returns the stored record for handle.
func (a *Authorizer) Treasury(ctx context.Context, handle string) (*Treasury, error) {
	return a.store.GetTreasury(ctx, CleanHandle(handle))
}

// Now returns the authorizer clock's current time.
func (a *Authorizer) Now() time.Time {
	return a.now()
}

func budgetError(t *Treasury, amount decimal.Decimal, check BudgetCheck) *svcerrors.ServiceError {
	spent := t.DailySpent
	if check.NeedsReset {
		spent = decimal.Zero
	}
	return svcerrors.BudgetExceeded().
		WithDetails("daily_budget", t.DailyBudget.String()).
		WithDetails("daily_spent", spent.String()).
		WithDetails("requested", amount.String()).
		WithDetails("available", check.Available.String())
}

func validationError(r Reason) *svcerrors.ServiceError {
	switch r {
	case ReasonExpired:
		return svcerrors.CredentialExpired()
	case ReasonMismatch:
		return svcerrors.CredentialMismatch()
	default:
		return svcerrors.MissingCredential()
	}
}

func expiryHours(h int) (int, error) {
	if h == 0 {
		return DefaultExpiryHours, nil
	}
	if h < 0 || h > maxExpiryHours {
		return 0, svcerrors.Validation(fmt.Sprintf("expires_in_hours must be between 1 and %d", maxExpiryHours))
	}
	return h, nil
}

func newCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return CredentialPrefix + hex.EncodeToString(buf), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
