package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
)

const treasuryColumns = `agent_handle, wallet_address, session_key, session_key_expires_at,
	daily_budget, daily_spent, budget_reset_at, current_balance, total_earned, total_spent, updated_at`

// PostgresStore reads and writes agent_treasuries.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetTreasury(ctx context.Context, handle string) (*Treasury, error) {
	var t Treasury
	err := s.db.GetContext(ctx, &t, `SELECT `+treasuryColumns+` FROM agent_treasuries WHERE agent_handle = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerrors.TreasuryNotFound(handle)
	}
	if err != nil {
		return nil, fmt.Errorf("get treasury %s: %w", handle, err)
	}
	return &t, nil
}

// UpdateTreasury locks the row with SELECT ... FOR UPDATE, applies fn and writes
// the result inside one transaction.
func (s *PostgresStore) UpdateTreasury(ctx context.Context, handle string, fn func(*Treasury) error) (*Treasury, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var t Treasury
	err = tx.GetContext(ctx, &t, `SELECT `+treasuryColumns+` FROM agent_treasuries WHERE agent_handle = $1 FOR UPDATE`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, svcerrors.TreasuryNotFound(handle)
	}
	if err != nil {
		return nil, fmt.Errorf("lock treasury %s: %w", handle, err)
	}

	if err := fn(&t); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agent_treasuries SET
			session_key = $2,
			session_key_expires_at = $3,
			daily_budget = $4,
			daily_spent = $5,
			budget_reset_at = $6,
			current_balance = $7,
			total_spent = $8,
			total_earned = $9,
			updated_at = NOW()
		WHERE agent_handle = $1`,
		handle, t.SessionKey, t.SessionKeyExpiresAt, t.DailyBudget, t.DailySpent,
		t.BudgetResetAt, t.CurrentBalance, t.TotalSpent, t.TotalEarned)
	if err != nil {
		return nil, fmt.Errorf("update treasury %s: %w", handle, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &t, nil
}
