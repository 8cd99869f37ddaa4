package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 10, 15, 30, 0, 0, time.UTC)

var eventCols = []string{
	"id", "handle", "event_type", "wallet_address", "amount", "transaction_hash",
	"tx_status", "tx_confirmation_time", "metadata", "created_at",
}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestMetadata_ValueScan(t *testing.T) {
	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"escrowId":"0xabc","completed":true}`)))
	assert.Equal(t, "0xabc", m.String("escrowId"))
	assert.True(t, m.Bool("completed"))
	assert.Equal(t, "", m.String("missing"))

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	assert.Error(t, m.Scan(42))
}

func TestPostgres_RecordTip(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO wallet_events`).
		WithArgs("alice", EventTipSent, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, t0))
	mock.ExpectQuery(`INSERT INTO wallet_events`).
		WithArgs("bob", EventTipReceived, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, t0))
	mock.ExpectCommit()

	sent := &WalletEvent{Handle: "alice", EventType: EventTipSent, Amount: amount("5")}
	recv := &WalletEvent{Handle: "bob", EventType: EventTipReceived, Amount: amount("4.875")}
	require.NoError(t, p.RecordTip(context.Background(), sent, recv))

	assert.Equal(t, int64(1), sent.ID)
	assert.Equal(t, int64(2), recv.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindEscrow(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(`metadata->>'escrowId' = \$1 AND handle = \$2`).
		WithArgs("0xe1", "alice").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow(
			7, "alice", EventEscrowCreated, nil, "20", "0xtx", StatusPending, nil,
			[]byte(`{"escrowId":"0xe1","to":"bob"}`), t0,
		))

	ev, err := p.FindEscrow(context.Background(), "0xe1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", ev.Metadata.String("to"))
	assert.False(t, ev.Metadata.Bool("completed"))
	assert.True(t, ev.Amount.Decimal.Equal(decimal.RequireFromString("20")))

	mock.ExpectQuery(`FROM wallet_events`).WithArgs("0xe2", "alice").WillReturnRows(sqlmock.NewRows(eventCols))
	_, err = p.FindEscrow(context.Background(), "0xe2", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_CompleteEscrow(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE wallet_events\s+SET tx_status = 'confirmed'`).
		WithArgs("0xe1", "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO wallet_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, t0))
	mock.ExpectCommit()

	done := &WalletEvent{Handle: "bob", EventType: EventEscrowCompleted, Amount: amount("19.5")}
	require.NoError(t, p.CompleteEscrow(context.Background(), "0xe1", "alice", done))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteEscrowMissing(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE wallet_events`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.CompleteEscrow(context.Background(), "0xe1", "alice", &WalletEvent{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_HistoryPaginates(t *testing.T) {
	p, mock := newMock(t)

	rows := sqlmock.NewRows(eventCols)
	for i := 0; i < 3; i++ {
		rows.AddRow(10-i, "alice", EventTipSent, nil, "1", "0xtx", StatusConfirmed, nil, []byte(`{}`), t0.Add(-time.Duration(i)*time.Minute))
	}
	cursor := t0.Add(time.Hour)
	mock.ExpectQuery(`created_at < \$2`).WithArgs("alice", cursor, 3).WillReturnRows(rows)

	events, more, err := p.History(context.Background(), "alice", 2, &cursor)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Len(t, events, 2)
	assert.Equal(t, int64(10), events[0].ID)
}

func TestPostgres_WalletAddress(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectQuery(`SELECT wallet_address FROM users`).WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_address"}).AddRow("0xB0B"))
	addr, err := p.WalletAddress(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "0xB0B", addr)

	mock.ExpectQuery(`SELECT wallet_address FROM users`).WithArgs("carol").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_address"}).AddRow(nil))
	_, err = p.WalletAddress(context.Background(), "carol")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`SELECT wallet_address FROM users`).WithArgs("dave").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_address"}))
	_, err = p.WalletAddress(context.Background(), "dave")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_SetEventStatus(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(`UPDATE wallet_events`).WithArgs(int64(7), StatusConfirmed, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SetEventStatus(context.Background(), 7, StatusConfirmed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertSpending(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO agent_spending`).
		WithArgs("vibebot", "tip", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), StatusConfirmed, "sk_0123456", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(3, t0))

	s := &Spending{
		AgentHandle: "vibebot", SpendingType: "tip", Amount: decimal.RequireFromString("2"),
		RecipientHandle: StrPtr("alice"), TxStatus: StatusConfirmed, ApprovedBy: "sk_0123456",
	}
	require.NoError(t, p.InsertSpending(context.Background(), s))
	assert.Equal(t, int64(3), s.ID)
	assert.NotNil(t, s.Metadata)
}

func TestMemory_EscrowLifecycle(t *testing.T) {
	m := NewMemory()
	m.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	pending := StatusPending
	created := &WalletEvent{
		Handle: "alice", EventType: EventEscrowCreated, Amount: amount("20"),
		TxHash: StrPtr("0xtx"), TxStatus: &pending,
		Metadata: Metadata{"escrowId": "0xe1", "to": "bob"},
	}
	require.NoError(t, m.InsertEvent(ctx, created))

	list, err := m.PendingEscrows(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = m.FindEscrow(ctx, "0xe1", "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.CompleteEscrow(ctx, "0xe1", "alice", &WalletEvent{Handle: "bob", EventType: EventEscrowCompleted}))

	ev, err := m.FindEscrow(ctx, "0xe1", "alice")
	require.NoError(t, err)
	assert.True(t, ev.Metadata.Bool("completed"))
	assert.Equal(t, StatusConfirmed, *ev.TxStatus)

	list, _ = m.PendingEscrows(ctx, 10)
	assert.Empty(t, list)
}

func TestMemory_History(t *testing.T) {
	m := NewMemory()
	now := t0
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.InsertEvent(ctx, &WalletEvent{Handle: "alice", EventType: EventTipSent}))
		now = now.Add(time.Minute)
	}
	require.NoError(t, m.InsertEvent(ctx, &WalletEvent{Handle: "bob", EventType: EventTipReceived}))

	page, more, err := m.History(ctx, "alice", 2, nil)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].ID)

	cursor := page[1].CreatedAt
	page, more, _ = m.History(ctx, "alice", 10, &cursor)
	assert.False(t, more)
	assert.Len(t, page, 3)
}

var expertCols = []string{
	"handle", "wallet_address", "bio", "skills", "hourly_rate", "min_escrow", "availability",
	"tier", "rating_avg", "rating_count", "total_sessions", "total_earnings", "completion_rate",
	"created_at", "updated_at",
}

func intPtr(n int) *int { return &n }

func TestSkills_ValueScan(t *testing.T) {
	v, err := Skills(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	v, err = Skills{"go", "solidity"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["go","solidity"]`, v)

	var s Skills
	require.NoError(t, s.Scan([]byte(`["websocket","auth"]`)))
	assert.Equal(t, Skills{"websocket", "auth"}, s)
	require.NoError(t, s.Scan(nil))
	assert.Empty(t, s)
	assert.Error(t, s.Scan(`{"not":"a list"}`))
}

func TestExpertProfile_RecordSession(t *testing.T) {
	e := &ExpertProfile{
		RatingAvg: 4, RatingCount: 2, TotalSessions: 3, CompletionRate: 0.5,
		TotalEarnings: decimal.RequireFromString("100"),
	}

	e.RecordSession(decimal.RequireFromString("48.75"), intPtr(5))
	assert.Equal(t, 4, e.TotalSessions)
	assert.InDelta(t, 0.625, e.CompletionRate, 1e-9)
	assert.InDelta(t, 13.0/3, e.RatingAvg, 1e-9)
	assert.Equal(t, 3, e.RatingCount)
	assert.True(t, e.TotalEarnings.Equal(decimal.RequireFromString("148.75")))

	e.RecordSession(decimal.RequireFromString("10"), nil)
	assert.Equal(t, 3, e.RatingCount, "unrated sessions leave the rating alone")
	assert.InDelta(t, 13.0/3, e.RatingAvg, 1e-9)
	assert.InDelta(t, 0.7, e.CompletionRate, 1e-9)
}

func TestExpertProfile_Rate(t *testing.T) {
	e := &ExpertProfile{MinEscrow: decimal.RequireFromString("25")}
	assert.True(t, e.Rate().Equal(decimal.RequireFromString("25")))

	e.HourlyRate = amount("150")
	assert.True(t, e.Rate().Equal(decimal.RequireFromString("150")))
}

func TestPostgres_InsertEarning(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`INSERT INTO agent_earnings`).
		WithArgs("vibebot", EarningCommission, sqlmock.AnyArg(), "alice", "0xabc", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, t0))

	e := &Earning{
		AgentHandle: "vibebot", EarningType: EarningCommission, Amount: decimal.RequireFromString("0.25"),
		SourceHandle: StrPtr("alice"), SourceTxHash: StrPtr("0xabc"),
	}
	require.NoError(t, p.InsertEarning(context.Background(), e))
	assert.Equal(t, int64(11), e.ID)
	assert.Equal(t, t0, e.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_EarningsByType(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`GROUP BY earning_type`).WithArgs("vibebot").
		WillReturnRows(sqlmock.NewRows([]string{"earning_type", "count", "total"}).
			AddRow(EarningCommission, 3, "0.75").
			AddRow(EarningTip, 1, "2"))

	totals, err := p.EarningsByType(context.Background(), "vibebot")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, EarningCommission, totals[0].EarningType)
	assert.Equal(t, int64(3), totals[0].Count)
	assert.True(t, totals[0].Total.Equal(decimal.RequireFromString("0.75")))
}

func TestPostgres_SaveExpert(t *testing.T) {
	p, mock := newMock(t)
	cols := append(append([]string(nil), expertCols...), "inserted")
	mock.ExpectQuery(`INSERT INTO expert_profiles[\s\S]+ON CONFLICT \(handle\) DO UPDATE`).
		WithArgs("alice", "0xA11CE", nil, `["solidity","go"]`, nil, sqlmock.AnyArg(), AvailabilityAvailable).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"alice", "0xA11CE", "Contract auditor", []byte(`["solidity","go"]`), "150", "5", AvailabilityAvailable,
			"bronze", 4.5, 2, 3, "120", 1.0, t0, t0, false,
		))

	e := &ExpertProfile{
		Handle: "alice", WalletAddress: "0xA11CE", Skills: Skills{"solidity", "go"},
		MinEscrow: decimal.RequireFromString("5"), Availability: AvailabilityAvailable,
	}
	created, err := p.SaveExpert(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, e.Bio)
	assert.Equal(t, "Contract auditor", *e.Bio, "update keeps the stored bio")
	assert.True(t, e.HourlyRate.Decimal.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, 3, e.TotalSessions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetExpertMissing(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`FROM expert_profiles WHERE handle = \$1`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(expertCols))
	_, err := p.GetExpert(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_FindExperts(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`FROM expert_profiles\s+WHERE \(\$1::text\[\] IS NULL`).
		WithArgs(sqlmock.AnyArg(), "50").
		WillReturnRows(sqlmock.NewRows(expertCols).AddRow(
			"alice", "0xA11CE", nil, []byte(`["go"]`), nil, "5", AvailabilityBusy,
			"bronze", 4.0, 1, 1, "20", 1.0, t0, t0,
		))

	list, err := p.FindExperts(context.Background(), ExpertFilter{
		Availability: []string{AvailabilityAvailable, AvailabilityBusy},
		MaxMinEscrow: decimal.NewNullDecimal(decimal.RequireFromString("50")),
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, Skills{"go"}, list[0].Skills)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindExpertsUnfiltered(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectQuery(`FROM expert_profiles`).WithArgs(nil, nil).
		WillReturnRows(sqlmock.NewRows(expertCols))

	list, err := p.FindExperts(context.Background(), ExpertFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecordMatch(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(`INSERT INTO expert_matches`).
		WithArgs("q_1", "bob", "alice", 0.82, `{"skills":1}`, `{}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := p.RecordMatch(context.Background(), &ExpertMatch{
		QuestionID: "q_1", AskerHandle: "bob", MatchedExpert: "alice", MatchScore: 0.82,
		MatchReason: Metadata{"skills": 1},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteExpertSession(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE expert_sessions`).
		WithArgs("sess_01", int64(5), "Great answer").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM expert_profiles\s+WHERE handle = \$1 FOR UPDATE`).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(expertCols).AddRow(
			"alice", "0xA11CE", nil, []byte(`["go"]`), nil, "5", AvailabilityAvailable,
			"bronze", 4.0, 1, 1, "20", 1.0, t0, t0,
		))
	mock.ExpectExec(`UPDATE expert_profiles`).
		WithArgs("alice", 2, sqlmock.AnyArg(), 1.0, 4.5, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO agent_earnings`).
		WithArgs("alice", EarningServiceFee, sqlmock.AnyArg(), "bob", "0xc0de", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(4, t0))
	mock.ExpectCommit()

	earning := &Earning{
		AgentHandle: "alice", EarningType: EarningServiceFee, Amount: decimal.RequireFromString("48.75"),
		SourceHandle: StrPtr("bob"), SourceTxHash: StrPtr("0xc0de"),
	}
	review := "Great answer"
	require.NoError(t, p.CompleteExpertSession(context.Background(), "sess_01", intPtr(5), &review, earning))
	assert.Equal(t, int64(4), earning.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteExpertSessionWithoutProfile(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE expert_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM expert_profiles`).WithArgs("alice").WillReturnRows(sqlmock.NewRows(expertCols))
	mock.ExpectCommit()

	earning := &Earning{AgentHandle: "alice", EarningType: EarningServiceFee, Amount: decimal.RequireFromString("1")}
	require.NoError(t, p.CompleteExpertSession(context.Background(), "sess_01", nil, nil, earning))
	assert.Zero(t, earning.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteExpertSessionAlreadyDone(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE expert_sessions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.CompleteExpertSession(context.Background(), "sess_01", nil, nil, &Earning{AgentHandle: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemory_Earnings(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, e := range []Earning{
		{AgentHandle: "vibebot", EarningType: EarningTip, Amount: decimal.RequireFromString("2")},
		{AgentHandle: "vibebot", EarningType: EarningCommission, Amount: decimal.RequireFromString("0.25")},
		{AgentHandle: "vibebot", EarningType: EarningCommission, Amount: decimal.RequireFromString("0.5")},
		{AgentHandle: "other", EarningType: EarningTip, Amount: decimal.RequireFromString("9")},
	} {
		e := e
		require.NoError(t, m.InsertEarning(ctx, &e))
	}

	recent, err := m.RecentEarnings(ctx, "vibebot", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "0.5", recent[0].Amount.String())

	totals, err := m.EarningsByType(ctx, "vibebot")
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, EarningTip, totals[0].EarningType)
	assert.Equal(t, int64(2), totals[1].Count)
	assert.Equal(t, "0.75", totals[1].Total.String())
}

func TestMemory_ExpertMarketplace(t *testing.T) {
	m := NewMemory()
	m.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	bio := "Go and WebSockets"
	alice := &ExpertProfile{
		Handle: "alice", WalletAddress: "0xA11CE", Bio: &bio, Skills: Skills{"go"},
		MinEscrow: decimal.RequireFromString("5"), Availability: AvailabilityAvailable,
	}
	created, err := m.SaveExpert(ctx, alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bronze", alice.Tier)

	pricey := &ExpertProfile{
		Handle: "carol", WalletAddress: "0xCA401", Skills: Skills{"rust"},
		MinEscrow: decimal.RequireFromString("100"), Availability: AvailabilityAvailable,
	}
	_, err = m.SaveExpert(ctx, pricey)
	require.NoError(t, err)

	update := &ExpertProfile{
		Handle: "alice", Skills: Skills{"go", "websocket"},
		MinEscrow: decimal.RequireFromString("10"), Availability: AvailabilityAvailable,
	}
	created, err = m.SaveExpert(ctx, update)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, update.Bio)
	assert.Equal(t, bio, *update.Bio)
	assert.Equal(t, "0xA11CE", update.WalletAddress)

	list, err := m.FindExperts(ctx, ExpertFilter{
		Availability: []string{AvailabilityAvailable},
		MaxMinEscrow: decimal.NewNullDecimal(decimal.RequireFromString("50")),
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Handle)

	list, err = m.FindExperts(ctx, ExpertFilter{Availability: []string{"offline"}})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, m.RecordMatch(ctx, &ExpertMatch{QuestionID: "q_1", AskerHandle: "bob", MatchedExpert: "alice", MatchScore: 0.9}))
	require.Len(t, m.Matches(), 1)

	require.NoError(t, m.InsertExpertSession(ctx, &ExpertSession{
		SessionID: "sess_01", AskerHandle: "bob", ExpertHandle: "alice",
		EscrowID: "0xe1", EscrowAmount: decimal.RequireFromString("10"), Status: SessionPending,
	}))
	_, err = m.FindExpertSession(ctx, "sess_01", "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	earning := &Earning{AgentHandle: "alice", EarningType: EarningServiceFee, Amount: decimal.RequireFromString("9.75")}
	require.NoError(t, m.CompleteExpertSession(ctx, "sess_01", intPtr(4), nil, earning))
	assert.ErrorIs(t, m.CompleteExpertSession(ctx, "sess_01", nil, nil, &Earning{}), ErrNotFound)

	sess, err := m.FindExpertSession(ctx, "sess_01", "bob")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, sess.Status)
	require.NotNil(t, sess.CompletedAt)

	profile, err := m.GetExpert(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.TotalSessions)
	assert.Equal(t, 4.0, profile.RatingAvg)
	assert.Equal(t, "9.75", profile.TotalEarnings.String())
	assert.Len(t, m.Earnings(), 1)
}
