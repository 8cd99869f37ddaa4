package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const eventColumns = `id, handle, event_type, wallet_address, amount, transaction_hash,
	tx_status, tx_confirmation_time, metadata, created_at`

const spendingColumns = `id, agent_handle, spending_type, amount, recipient_handle, recipient_address,
	tx_hash, tx_status, approved_by, metadata, created_at`

const earningColumns = `id, agent_handle, earning_type, amount, source_handle, source_tx_hash,
	metadata, created_at`

const expertColumns = `handle, wallet_address, bio, skills, hourly_rate, min_escrow, availability,
	COALESCE(tier, 'bronze') AS tier, COALESCE(rating_avg, 0) AS rating_avg,
	COALESCE(rating_count, 0) AS rating_count, COALESCE(total_sessions, 0) AS total_sessions,
	COALESCE(total_earnings, 0) AS total_earnings, COALESCE(completion_rate, 0) AS completion_rate,
	created_at, updated_at`

const sessionColumns = `session_id, asker_handle, expert_handle, question, escrow_id, escrow_amount,
	escrow_tx_hash, status, rating, review, metadata, created_at, completed_at`

// Postgres implements Ledger with sqlx over lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// Connect opens and pings a Postgres database.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

func insertEvent(ctx context.Context, q queryer, ev *WalletEvent) error {
	if ev.Metadata == nil {
		ev.Metadata = Metadata{}
	}
	row := q.QueryRowxContext(ctx, `
		INSERT INTO wallet_events (
			handle, event_type, wallet_address, amount, transaction_hash,
			tx_status, tx_confirmation_time, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		ev.Handle, ev.EventType, ev.WalletAddress, ev.Amount, ev.TxHash,
		ev.TxStatus, ev.ConfirmedAt, ev.Metadata)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("insert %s event: %w", ev.EventType, err)
	}
	return nil
}

func (p *Postgres) InsertEvent(ctx context.Context, ev *WalletEvent) error {
	return insertEvent(ctx, p.db, ev)
}

func (p *Postgres) RecordTip(ctx context.Context, sent, received *WalletEvent) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEvent(ctx, tx, sent); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, received); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) FindEscrow(ctx context.Context, escrowID, handle string) (*WalletEvent, error) {
	var ev WalletEvent
	err := p.db.GetContext(ctx, &ev, `
		SELECT `+eventColumns+` FROM wallet_events
		WHERE metadata->>'escrowId' = $1 AND handle = $2 AND event_type = 'escrow_created'
		ORDER BY created_at DESC LIMIT 1`, escrowID, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find escrow: %w", err)
	}
	return &ev, nil
}

func (p *Postgres) CompleteEscrow(ctx context.Context, escrowID, handle string, completion *WalletEvent) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE wallet_events
		SET tx_status = 'confirmed',
			tx_confirmation_time = NOW(),
			metadata = jsonb_set(metadata, '{completed}', 'true')
		WHERE metadata->>'escrowId' = $1 AND handle = $2 AND event_type = 'escrow_created'`,
		escrowID, handle)
	if err != nil {
		return fmt.Errorf("mark escrow completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := insertEvent(ctx, tx, completion); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) History(ctx context.Context, handle string, limit int, cursor *time.Time) ([]WalletEvent, bool, error) {
	var (
		events []WalletEvent
		err    error
	)
	if cursor != nil {
		err = p.db.SelectContext(ctx, &events, `
			SELECT `+eventColumns+` FROM wallet_events
			WHERE handle = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3`, handle, *cursor, limit+1)
	} else {
		err = p.db.SelectContext(ctx, &events, `
			SELECT `+eventColumns+` FROM wallet_events
			WHERE handle = $1
			ORDER BY created_at DESC LIMIT $2`, handle, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("history: %w", err)
	}
	if len(events) > limit {
		return events[:limit], true, nil
	}
	return events, false, nil
}

func (p *Postgres) PendingEscrows(ctx context.Context, limit int) ([]WalletEvent, error) {
	var events []WalletEvent
	err := p.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM wallet_events
		WHERE event_type = 'escrow_created' AND tx_status = 'pending' AND transaction_hash IS NOT NULL
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending escrows: %w", err)
	}
	return events, nil
}

func (p *Postgres) SetEventStatus(ctx context.Context, id int64, status string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE wallet_events
		SET tx_status = $2,
			tx_confirmation_time = CASE WHEN $3 THEN NOW() ELSE tx_confirmation_time END
		WHERE id = $1`, id, status, status == StatusConfirmed)
	if err != nil {
		return fmt.Errorf("set event %d status: %w", id, err)
	}
	return nil
}

func (p *Postgres) InsertSpending(ctx context.Context, s *Spending) error {
	if s.Metadata == nil {
		s.Metadata = Metadata{}
	}
	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO agent_spending (
			agent_handle, spending_type, amount, recipient_handle, recipient_address,
			tx_hash, tx_status, approved_by, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		s.AgentHandle, s.SpendingType, s.Amount, s.RecipientHandle, s.RecipientAddress,
		s.TxHash, s.TxStatus, s.ApprovedBy, s.Metadata)
	if err := row.Scan(&s.ID, &s.CreatedAt); err != nil {
		return fmt.Errorf("insert spending: %w", err)
	}
	return nil
}

func (p *Postgres) RecentSpending(ctx context.Context, handle string, limit int) ([]Spending, error) {
	var out []Spending
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+spendingColumns+` FROM agent_spending
		WHERE agent_handle = $1
		ORDER BY created_at DESC LIMIT $2`, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("recent spending: %w", err)
	}
	return out, nil
}

func (p *Postgres) WalletAddress(ctx context.Context, handle string) (string, error) {
	var addr sql.NullString
	err := p.db.GetContext(ctx, &addr, `SELECT wallet_address FROM users WHERE username = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("wallet address: %w", err)
	}
	if !addr.Valid || addr.String == "" {
		return "", ErrNotFound
	}
	return addr.String, nil
}

func insertEarning(ctx context.Context, q queryer, e *Earning) error {
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	row := q.QueryRowxContext(ctx, `
		INSERT INTO agent_earnings (
			agent_handle, earning_type, amount, source_handle, source_tx_hash, metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.AgentHandle, e.EarningType, e.Amount, e.SourceHandle, e.SourceTxHash, e.Metadata)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert earning: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEarning(ctx context.Context, e *Earning) error {
	return insertEarning(ctx, p.db, e)
}

func (p *Postgres) RecentEarnings(ctx context.Context, handle string, limit int) ([]Earning, error) {
	var out []Earning
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+earningColumns+` FROM agent_earnings
		WHERE agent_handle = $1
		ORDER BY created_at DESC LIMIT $2`, handle, limit)
	if err != nil {
		return nil, fmt.Errorf("recent earnings: %w", err)
	}
	return out, nil
}

func (p *Postgres) EarningsByType(ctx context.Context, handle string) ([]EarningTotal, error) {
	var out []EarningTotal
	err := p.db.SelectContext(ctx, &out, `
		SELECT earning_type, COUNT(*) AS count, SUM(amount) AS total
		FROM agent_earnings
		WHERE agent_handle = $1
		GROUP BY earning_type
		ORDER BY earning_type`, handle)
	if err != nil {
		return nil, fmt.Errorf("earnings by type: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveExpert(ctx context.Context, e *ExpertProfile) (bool, error) {
	var saved struct {
		ExpertProfile
		Inserted bool `db:"inserted"`
	}
	// xmax is zero only for a freshly inserted row.
	err := p.db.GetContext(ctx, &saved, `
		INSERT INTO expert_profiles (
			handle, wallet_address, bio, skills, hourly_rate, min_escrow, availability
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (handle) DO UPDATE SET
			bio = COALESCE(EXCLUDED.bio, expert_profiles.bio),
			skills = EXCLUDED.skills,
			hourly_rate = COALESCE(EXCLUDED.hourly_rate, expert_profiles.hourly_rate),
			min_escrow = EXCLUDED.min_escrow,
			availability = EXCLUDED.availability,
			updated_at = NOW()
		RETURNING `+expertColumns+`, (xmax = 0) AS inserted`,
		e.Handle, e.WalletAddress, e.Bio, e.Skills, e.HourlyRate, e.MinEscrow, e.Availability)
	if err != nil {
		return false, fmt.Errorf("save expert: %w", err)
	}
	*e = saved.ExpertProfile
	return saved.Inserted, nil
}

func (p *Postgres) GetExpert(ctx context.Context, handle string) (*ExpertProfile, error) {
	var e ExpertProfile
	err := p.db.GetContext(ctx, &e, `SELECT `+expertColumns+` FROM expert_profiles WHERE handle = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get expert: %w", err)
	}
	return &e, nil
}

func (p *Postgres) FindExperts(ctx context.Context, f ExpertFilter) ([]ExpertProfile, error) {
	var availability any
	if len(f.Availability) > 0 {
		availability = pq.Array(f.Availability)
	}
	var out []ExpertProfile
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+expertColumns+` FROM expert_profiles
		WHERE ($1::text[] IS NULL OR availability = ANY($1::text[]))
		  AND ($2::numeric IS NULL OR min_escrow <= $2)
		ORDER BY rating_avg DESC NULLS LAST, total_sessions DESC, handle`, availability, f.MaxMinEscrow)
	if err != nil {
		return nil, fmt.Errorf("find experts: %w", err)
	}
	return out, nil
}

func (p *Postgres) RecordMatch(ctx context.Context, m *ExpertMatch) error {
	if m.MatchReason == nil {
		m.MatchReason = Metadata{}
	}
	if m.Metadata == nil {
		m.Metadata = Metadata{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO expert_matches (question_id, asker_handle, matched_expert, match_score, match_reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.QuestionID, m.AskerHandle, m.MatchedExpert, m.MatchScore, m.MatchReason, m.Metadata)
	if err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	return nil
}

func (p *Postgres) InsertExpertSession(ctx context.Context, sess *ExpertSession) error {
	if sess.Metadata == nil {
		sess.Metadata = Metadata{}
	}
	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO expert_sessions (
			session_id, asker_handle, expert_handle, question, escrow_id,
			escrow_amount, escrow_tx_hash, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		sess.SessionID, sess.AskerHandle, sess.ExpertHandle, sess.Question, sess.EscrowID,
		sess.EscrowAmount, sess.EscrowTxHash, sess.Status, sess.Metadata)
	if err := row.Scan(&sess.CreatedAt); err != nil {
		return fmt.Errorf("insert expert session: %w", err)
	}
	return nil
}

func (p *Postgres) FindExpertSession(ctx context.Context, sessionID, asker string) (*ExpertSession, error) {
	var sess ExpertSession
	err := p.db.GetContext(ctx, &sess, `
		SELECT `+sessionColumns+` FROM expert_sessions
		WHERE session_id = $1 AND asker_handle = $2`, sessionID, asker)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find expert session: %w", err)
	}
	return &sess, nil
}

func (p *Postgres) CompleteExpertSession(ctx context.Context, sessionID string, rating *int, review *string, earning *Earning) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE expert_sessions
		SET status = 'completed', completed_at = NOW(), rating = $2, review = $3
		WHERE session_id = $1 AND status <> 'completed'`,
		sessionID, rating, review)
	if err != nil {
		return fmt.Errorf("complete expert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var expert ExpertProfile
	err = tx.GetContext(ctx, &expert, `
		SELECT `+expertColumns+` FROM expert_profiles
		WHERE handle = $1 FOR UPDATE`, earning.AgentHandle)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("load expert: %w", err)
	}

	expert.RecordSession(earning.Amount, rating)
	if _, err := tx.ExecContext(ctx, `
		UPDATE expert_profiles
		SET total_sessions = $2, total_earnings = $3, completion_rate = $4,
			rating_avg = $5, rating_count = $6, updated_at = NOW()
		WHERE handle = $1`,
		expert.Handle, expert.TotalSessions, expert.TotalEarnings, expert.CompletionRate,
		expert.RatingAvg, expert.RatingCount); err != nil {
		return fmt.Errorf("update expert stats: %w", err)
	}

	if err := insertEarning(ctx, tx, earning); err != nil {
		return err
	}
	return tx.Commit()
}

var _ Ledger = (*Postgres)(nil)
