// Package store owns persistence and the atomicity guarantees the engine
// relies on: the uniqueness constraint on idempotency keys, the CAS update
// for token activation, and the conditional session completion. Services
// above this interface never compose their own transactions.
package store

import (
	"context"
	"time"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
)

type Store interface {
	// ApplyCredit inserts the entry and adjusts the user's snapshot in a
	// single atomic step. When the idempotency key already exists it makes
	// no change and returns applied=false with the current snapshot; that
	// is the successful no-op path, not an error. Lives are floored at
	// zero but deliberately not capped at max_lives here.
	ApplyCredit(ctx context.Context, entry *domain.LedgerEntry) (applied bool, snap *domain.BalanceSnapshot, err error)

	// EnsureSnapshot returns the user's snapshot, creating one with a full
	// set of lives when the user has no economy state yet.
	EnsureSnapshot(ctx context.Context, userID, maxLives int64, now time.Time) (*domain.BalanceSnapshot, error)

	GetSnapshot(ctx context.Context, userID int64) (*domain.BalanceSnapshot, error)

	// ApplyRegen materializes accrued regeneration. Both fields move only
	// forward (monotonic clamp), which makes the catch-up idempotent and
	// safe to race from concurrent reads.
	ApplyRegen(ctx context.Context, userID, lives int64, regenAt time.Time) error

	// RecentEntries lists the user's newest ledger entries, newest first.
	RecentEntries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error)

	InsertToken(ctx context.Context, t *domain.SpeedToken) error

	// ActiveToken returns the user's currently running token, or nil when
	// none is active at now.
	ActiveToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error)

	// ActivateNextToken activates the user's oldest GRANTED token (FIFO by
	// granted_at) at now, setting expires_at from the token's duration.
	// The whole step runs serialized per user so two concurrent calls can
	// never leave two tokens active. Returns *domain.ActiveTokenError while
	// another token is running and domain.ErrNoUnusedTokens on an empty
	// inventory.
	ActivateNextToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error)

	CountGrantedTokens(ctx context.Context, userID int64) (int, error)

	InsertSession(ctx context.Context, s *domain.RewardSession) error

	GetSession(ctx context.Context, id string) (*domain.RewardSession, error)

	// CompleteSession transitions PENDING -> COMPLETED. Returns false when
	// the session was not PENDING, leaving terminal states untouched.
	CompleteSession(ctx context.Context, id string, at time.Time) (bool, error)

	// ExpireStaleSessions transitions every PENDING session created before
	// cutoff to EXPIRED and reports how many moved.
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// ListEligibleAdItems returns up to minCount currently sponsored,
	// non-expired inventory items.
	ListEligibleAdItems(ctx context.Context, minCount int, now time.Time) ([]domain.AdItem, error)
}
