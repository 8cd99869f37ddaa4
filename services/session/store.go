package session

import (
	"context"
	"sync"

	svcerrors "github.com/Asupkay/vibe-platform/internal/errors"
)

// MemoryStore is an in-process Store, used in tests and local runs.
type MemoryStore struct {
	mu         sync.Mutex
	treasuries map[string]*Treasury
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{treasuries: make(map[string]*Treasury)}
}

// Put inserts or replaces a treasury.
func (s *MemoryStore) Put(t *Treasury) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneTreasury(t)
	s.treasuries[t.Handle] = cp
}

func (s *MemoryStore) GetTreasury(ctx context.Context, handle string) (*Treasury, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.treasuries[handle]
	if !ok {
		return nil, svcerrors.TreasuryNotFound(handle)
	}
	return cloneTreasury(t), nil
}

func (s *MemoryStore) UpdateTreasury(ctx context.Context, handle string, fn func(*Treasury) error) (*Treasury, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.treasuries[handle]
	if !ok {
		return nil, svcerrors.TreasuryNotFound(handle)
	}

	working := cloneTreasury(t)
	if err := fn(working); err != nil {
		return nil, err
	}
	s.treasuries[handle] = working
	return cloneTreasury(working), nil
}

func cloneTreasury(t *Treasury) *Treasury {
	cp := *t
	if t.WalletAddress != nil {
		v := *t.WalletAddress
		cp.WalletAddress = &v
	}
	if t.SessionKey != nil {
		v := *t.SessionKey
		cp.SessionKey = &v
	}
	if t.SessionKeyExpiresAt != nil {
		v := *t.SessionKeyExpiresAt
		cp.SessionKeyExpiresAt = &v
	}
	if t.BudgetResetAt != nil {
		v := *t.BudgetResetAt
		cp.BudgetResetAt = &v
	}
	if t.UpdatedAt != nil {
		v := *t.UpdatedAt
		cp.UpdatedAt = &v
	}
	return &cp
}
