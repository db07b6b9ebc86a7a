// Package balance computes the externally visible snapshot: cached
// aggregate plus regeneration math, the active speed token, and a server
// clock reference so clients can render countdowns without trusting their
// own clocks.
package balance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/ledger"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

// DefaultRegenInterval is the time one life takes to come back.
const DefaultRegenInterval = 30 * time.Minute

// View is the balance read model response.
type View struct {
	Coins              int64              `json:"coins"`
	Lives              int64              `json:"lives"`
	MaxLives           int64              `json:"max_lives"`
	NextLifeAt         *time.Time         `json:"next_life_at,omitempty"`
	ActiveToken        *domain.SpeedToken `json:"active_token,omitempty"`
	ServerTime         time.Time          `json:"server_time"`
	ClientOffsetMillis *int64             `json:"client_offset_ms,omitempty"`
}

type ReadModel struct {
	store         store.Store
	log           *zap.SugaredLogger
	regenInterval time.Duration
	now           func() time.Time
}

func NewReadModel(st store.Store, log *zap.SugaredLogger, regenInterval time.Duration) *ReadModel {
	if regenInterval <= 0 {
		regenInterval = DefaultRegenInterval
	}
	return &ReadModel{store: st, log: log, regenInterval: regenInterval, now: time.Now}
}

// GetBalance combines the cached snapshot with accrued regeneration and
// the active token. clientTS, when supplied, yields a server-vs-client
// offset estimate. The regeneration catch-up write is opportunistic: the
// view is served from the computed values even if it fails.
func (m *ReadModel) GetBalance(ctx context.Context, userID int64, clientTS *time.Time) (*View, error) {
	now := m.now().UTC()

	snap, err := m.store.EnsureSnapshot(ctx, userID, ledger.DefaultMaxLives, now)
	if err != nil {
		return nil, err
	}

	lives, regenAt, nextLife := Regenerate(snap, m.regenInterval, now)
	if lives != snap.Lives || regenAt.After(snap.LastRegenAt) {
		if err := m.store.ApplyRegen(ctx, userID, lives, regenAt); err != nil {
			m.log.Warnw("regen catch-up failed", "user_id", userID, "err", err)
		}
	}

	view := &View{
		Coins:      snap.Coins,
		Lives:      lives,
		MaxLives:   snap.MaxLives,
		NextLifeAt: nextLife,
		ServerTime: now,
	}

	if clientTS != nil {
		offset := now.Sub(*clientTS).Milliseconds()
		view.ClientOffsetMillis = &offset
	}

	active, err := m.store.ActiveToken(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	view.ActiveToken = active

	return view, nil
}

// Regenerate applies elapsed whole regeneration intervals to the snapshot.
// It only fills the gap between current lives and the cap: bonus lives
// above max_lives are preserved, never reduced. The returned regenAt is
// where accrual accounting resumes; nextLife is nil at or above the cap.
func Regenerate(snap *domain.BalanceSnapshot, interval time.Duration, now time.Time) (lives int64, regenAt time.Time, nextLife *time.Time) {
	lives = snap.Lives
	regenAt = snap.LastRegenAt

	if lives >= snap.MaxLives {
		// Nothing accrues; keep the anchor current so a later drop below
		// cap does not backfill lives from stale elapsed time.
		return lives, now, nil
	}

	elapsed := now.Sub(snap.LastRegenAt)
	if elapsed > 0 {
		gained := int64(elapsed / interval)
		if gap := snap.MaxLives - lives; gained > gap {
			gained = gap
		}
		if gained > 0 {
			lives += gained
			if lives >= snap.MaxLives {
				regenAt = now
			} else {
				regenAt = snap.LastRegenAt.Add(time.Duration(gained) * interval)
			}
		}
	}

	if lives < snap.MaxLives {
		t := regenAt.Add(interval)
		nextLife = &t
	}
	return lives, regenAt, nextLife
}
