package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and the
// STORE_DRIVER=memory development mode with the same atomicity semantics
// the Postgres implementation gets from transactions and constraints.
type Memory struct {
	mu        sync.Mutex
	snapshots map[int64]*domain.BalanceSnapshot
	entries   []*domain.LedgerEntry
	byKey     map[string]*domain.LedgerEntry
	tokens    map[string]*domain.SpeedToken
	sessions  map[string]*domain.RewardSession
	adItems   []memAdItem
}

type memAdItem struct {
	item             domain.AdItem
	sponsored        bool
	sponsorExpiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[int64]*domain.BalanceSnapshot),
		byKey:     make(map[string]*domain.LedgerEntry),
		tokens:    make(map[string]*domain.SpeedToken),
		sessions:  make(map[string]*domain.RewardSession),
	}
}

// AddAdItem seeds sponsor inventory. Dev/test helper, not part of Store.
func (m *Memory) AddAdItem(item domain.AdItem, sponsored bool, sponsorExpiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adItems = append(m.adItems, memAdItem{item: item, sponsored: sponsored, sponsorExpiresAt: sponsorExpiresAt})
}

func (m *Memory) ApplyCredit(ctx context.Context, entry *domain.LedgerEntry) (bool, *domain.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byKey[entry.IdempotencyKey]; dup {
		snap, ok := m.snapshots[entry.UserID]
		if !ok {
			return false, nil, domain.ErrUserNotFound
		}
		return false, copySnapshot(snap), nil
	}

	snap, ok := m.snapshots[entry.UserID]
	if !ok {
		return false, nil, domain.ErrUserNotFound
	}

	stored := copyEntry(entry)
	m.entries = append(m.entries, stored)
	m.byKey[stored.IdempotencyKey] = stored

	snap.Coins += entry.DeltaCoins
	snap.Lives += entry.DeltaLives
	if snap.Lives < 0 {
		snap.Lives = 0
	}
	return true, copySnapshot(snap), nil
}

func (m *Memory) EnsureSnapshot(ctx context.Context, userID, maxLives int64, now time.Time) (*domain.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap, ok := m.snapshots[userID]; ok {
		return copySnapshot(snap), nil
	}
	snap := &domain.BalanceSnapshot{
		UserID:      userID,
		Lives:       maxLives,
		MaxLives:    maxLives,
		LastRegenAt: now,
	}
	m.snapshots[userID] = snap
	return copySnapshot(snap), nil
}

func (m *Memory) GetSnapshot(ctx context.Context, userID int64) (*domain.BalanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return copySnapshot(snap), nil
}

func (m *Memory) ApplyRegen(ctx context.Context, userID, lives int64, regenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	if lives > snap.Lives {
		snap.Lives = lives
	}
	if regenAt.After(snap.LastRegenAt) {
		snap.LastRegenAt = regenAt
	}
	return nil
}

func (m *Memory) RecentEntries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, *copyEntry(m.entries[i]))
		}
	}
	return out, nil
}

func (m *Memory) InsertToken(ctx context.Context, t *domain.SpeedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.ID] = copyToken(t)
	return nil
}

func (m *Memory) ActiveToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.UserID == userID && t.Active(now) {
			return copyToken(t), nil
		}
	}
	return nil, nil
}

func (m *Memory) ActivateNextToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tokens {
		if t.UserID == userID && t.Active(now) {
			return nil, &domain.ActiveTokenError{
				TokenID:          t.ID,
				RemainingMinutes: t.RemainingMinutes(now),
			}
		}
	}

	var candidates []*domain.SpeedToken
	for _, t := range m.tokens {
		if t.UserID == userID && t.UsedAt == nil {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoUnusedTokens
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].GrantedAt.Equal(candidates[j].GrantedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].GrantedAt.Before(candidates[j].GrantedAt)
	})

	t := candidates[0]
	used := now
	expires := now.Add(time.Duration(t.DurationMinutes) * time.Minute)
	t.UsedAt = &used
	t.ExpiresAt = &expires
	return copyToken(t), nil
}

func (m *Memory) CountGrantedTokens(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertSession(ctx context.Context, s *domain.RewardSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*domain.RewardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *Memory) CompleteSession(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Status != domain.SessionPending {
		return false, nil
	}
	s.Status = domain.SessionCompleted
	done := at
	s.CompletedAt = &done
	return true, nil
}

func (m *Memory) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.Status == domain.SessionPending && s.CreatedAt.Before(cutoff) {
			s.Status = domain.SessionExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListEligibleAdItems(ctx context.Context, minCount int, now time.Time) ([]domain.AdItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AdItem
	for _, it := range m.adItems {
		if it.sponsored && it.sponsorExpiresAt.After(now) {
			out = append(out, it.item)
			if len(out) >= minCount {
				break
			}
		}
	}
	return out, nil
}

// Copies keep callers from mutating store state through returned pointers.

func copySnapshot(s *domain.BalanceSnapshot) *domain.BalanceSnapshot {
	c := *s
	return &c
}

func copyEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyToken(t *domain.SpeedToken) *domain.SpeedToken {
	c := *t
	if t.UsedAt != nil {
		u := *t.UsedAt
		c.UsedAt = &u
	}
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

func copySession(s *domain.RewardSession) *domain.RewardSession {
	c := *s
	c.ReservedItemIDs = append([]string(nil), s.ReservedItemIDs...)
	if s.CompletedAt != nil {
		done := *s.CompletedAt
		c.CompletedAt = &done
	}
	return &c
}
