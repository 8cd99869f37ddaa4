package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Ledger. It backs tests and local runs without a database.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	events   []WalletEvent
	spending []Spending
	earnings []Earning
	wallets  map[string]string
	experts  map[string]ExpertProfile
	sessions map[string]ExpertSession
	matches  []ExpertMatch
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		wallets:  make(map[string]string),
		experts:  make(map[string]ExpertProfile),
		sessions: make(map[string]ExpertSession),
	}
}

// SetClock overrides time.Now for created_at stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetWallet registers a users.wallet_address entry.
func (m *Memory) SetWallet(handle, address string) {
	m.mu.Lock()
	m.wallets[handle] = address
	m.mu.Unlock()
}

// Events returns a copy of every stored event.
func (m *Memory) Events() []WalletEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WalletEvent, len(m.events))
	for i := range m.events {
		out[i] = cloneEvent(m.events[i])
	}
	return out
}

// Spending returns a copy of every stored spending row.
func (m *Memory) Spending() []Spending {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spending(nil), m.spending...)
}

// Earnings returns a copy of every stored earning.
func (m *Memory) Earnings() []Earning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Earning(nil), m.earnings...)
}

func (m *Memory) insertLocked(ev *WalletEvent) {
	m.nextID++
	ev.ID = m.nextID
	ev.CreatedAt = m.now().UTC()
	if ev.Metadata == nil {
		ev.Metadata = Metadata{}
	}
	m.events = append(m.events, cloneEvent(*ev))
}

func (m *Memory) RecordTip(ctx context.Context, sent, received *WalletEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(sent)
	m.insertLocked(received)
	return nil
}

func (m *Memory) InsertEvent(ctx context.Context, ev *WalletEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(ev)
	return nil
}

func (m *Memory) FindEscrow(ctx context.Context, escrowID, handle string) (*WalletEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.EventType == EventEscrowCreated && ev.Handle == handle && ev.Metadata.String("escrowId") == escrowID {
			cp := cloneEvent(ev)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CompleteEscrow(ctx context.Context, escrowID, handle string, completion *WalletEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.events {
		ev := &m.events[i]
		if ev.EventType != EventEscrowCreated || ev.Handle != handle || ev.Metadata.String("escrowId") != escrowID {
			continue
		}
		status := StatusConfirmed
		now := m.now().UTC()
		ev.TxStatus = &status
		ev.ConfirmedAt = &now
		ev.Metadata["completed"] = true
		found = true
	}
	if !found {
		return ErrNotFound
	}
	m.insertLocked(completion)
	return nil
}

func (m *Memory) History(ctx context.Context, handle string, limit int, cursor *time.Time) ([]WalletEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []WalletEvent
	for _, ev := range m.events {
		if ev.Handle != handle {
			continue
		}
		if cursor != nil && !ev.CreatedAt.Before(*cursor) {
			continue
		}
		matched = append(matched, cloneEvent(ev))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		return matched[:limit], true, nil
	}
	return matched, false, nil
}

func (m *Memory) PendingEscrows(ctx context.Context, limit int) ([]WalletEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WalletEvent
	for _, ev := range m.events {
		if ev.EventType != EventEscrowCreated || ev.TxHash == nil || ev.TxStatus == nil || *ev.TxStatus != StatusPending {
			continue
		}
		out = append(out, cloneEvent(ev))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SetEventStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].ID != id {
			continue
		}
		s := status
		m.events[i].TxStatus = &s
		if status == StatusConfirmed {
			now := m.now().UTC()
			m.events[i].ConfirmedAt = &now
		}
		return nil
	}
	return ErrNotFound
}

func (m *Memory) InsertSpending(ctx context.Context, s *Spending) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	s.CreatedAt = m.now().UTC()
	m.spending = append(m.spending, *s)
	return nil
}

func (m *Memory) RecentSpending(ctx context.Context, handle string, limit int) ([]Spending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Spending
	for i := len(m.spending) - 1; i >= 0 && len(out) < limit; i-- {
		if m.spending[i].AgentHandle == handle {
			out = append(out, m.spending[i])
		}
	}
	return out, nil
}

func (m *Memory) WalletAddress(ctx context.Context, handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := strings.TrimSpace(m.wallets[handle])
	if addr == "" {
		return "", ErrNotFound
	}
	return addr, nil
}

func (m *Memory) InsertEarning(ctx context.Context, e *Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertEarningLocked(e)
	return nil
}

func (m *Memory) insertEarningLocked(e *Earning) {
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = m.now().UTC()
	if e.Metadata == nil {
		e.Metadata = Metadata{}
	}
	m.earnings = append(m.earnings, *e)
}

func (m *Memory) RecentEarnings(ctx context.Context, handle string, limit int) ([]Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Earning
	for i := len(m.earnings) - 1; i >= 0 && len(out) < limit; i-- {
		if m.earnings[i].AgentHandle == handle {
			out = append(out, m.earnings[i])
		}
	}
	return out, nil
}

func (m *Memory) EarningsByType(ctx context.Context, handle string) ([]EarningTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	index := make(map[string]int)
	var out []EarningTotal
	for _, e := range m.earnings {
		if e.AgentHandle != handle {
			continue
		}
		i, ok := index[e.EarningType]
		if !ok {
			i = len(out)
			index[e.EarningType] = i
			out = append(out, EarningTotal{EarningType: e.EarningType})
		}
		out[i].Count++
		out[i].Total = out[i].Total.Add(e.Amount)
	}
	return out, nil
}

func (m *Memory) SaveExpert(ctx context.Context, e *ExpertProfile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	stored, ok := m.experts[e.Handle]
	if !ok {
		if e.Tier == "" {
			e.Tier = defaultExpertTier
		}
		e.CreatedAt, e.UpdatedAt = now, now
		m.experts[e.Handle] = cloneExpert(*e)
		return true, nil
	}
	if e.Bio != nil {
		stored.Bio = e.Bio
	}
	if e.HourlyRate.Valid {
		stored.HourlyRate = e.HourlyRate
	}
	stored.Skills = e.Skills
	stored.MinEscrow = e.MinEscrow
	stored.Availability = e.Availability
	stored.UpdatedAt = now
	m.experts[e.Handle] = cloneExpert(stored)
	*e = cloneExpert(stored)
	return false, nil
}

func (m *Memory) GetExpert(ctx context.Context, handle string) (*ExpertProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experts[handle]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneExpert(e)
	return &cp, nil
}

func (m *Memory) FindExperts(ctx context.Context, f ExpertFilter) ([]ExpertProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExpertProfile
	for _, e := range m.experts {
		if len(f.Availability) > 0 && !slices.Contains(f.Availability, e.Availability) {
			continue
		}
		if f.MaxMinEscrow.Valid && e.MinEscrow.GreaterThan(f.MaxMinEscrow.Decimal) {
			continue
		}
		out = append(out, cloneExpert(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RatingAvg != out[j].RatingAvg {
			return out[i].RatingAvg > out[j].RatingAvg
		}
		if out[i].TotalSessions != out[j].TotalSessions {
			return out[i].TotalSessions > out[j].TotalSessions
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

func (m *Memory) RecordMatch(ctx context.Context, match *ExpertMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches = append(m.matches, *match)
	return nil
}

// Matches returns a copy of every recorded match.
func (m *Memory) Matches() []ExpertMatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExpertMatch(nil), m.matches...)
}

func (m *Memory) InsertExpertSession(ctx context.Context, sess *ExpertSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.SessionID]; ok {
		return fmt.Errorf("insert expert session: duplicate session_id %s", sess.SessionID)
	}
	sess.CreatedAt = m.now().UTC()
	if sess.Metadata == nil {
		sess.Metadata = Metadata{}
	}
	m.sessions[sess.SessionID] = *sess
	return nil
}

func (m *Memory) FindExpertSession(ctx context.Context, sessionID, asker string) (*ExpertSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.AskerHandle != asker {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (m *Memory) CompleteExpertSession(ctx context.Context, sessionID string, rating *int, review *string, earning *Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Status == SessionCompleted {
		return ErrNotFound
	}
	now := m.now().UTC()
	sess.Status = SessionCompleted
	sess.CompletedAt = &now
	sess.Rating = rating
	sess.Review = review
	m.sessions[sessionID] = sess

	expert, ok := m.experts[sess.ExpertHandle]
	if !ok {
		return nil
	}
	expert.RecordSession(earning.Amount, rating)
	expert.UpdatedAt = now
	m.experts[sess.ExpertHandle] = expert
	m.insertEarningLocked(earning)
	return nil
}

func cloneExpert(e ExpertProfile) ExpertProfile {
	e.Skills = append(Skills(nil), e.Skills...)
	return e
}

func cloneEvent(ev WalletEvent) WalletEvent {
	md := make(Metadata, len(ev.Metadata))
	for k, v := range ev.Metadata {
		md[k] = v
	}
	ev.Metadata = md
	return ev
}

var _ Ledger = (*Memory)(nil)
