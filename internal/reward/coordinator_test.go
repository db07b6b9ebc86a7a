package reward

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/ledger"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

func newCoordinator(t *testing.T, adItems int) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	for i := 0; i < adItems; i++ {
		mem.AddAdItem(domain.AdItem{
			ID:       fmt.Sprintf("item-%d", i+1),
			Platform: "youtube",
			EmbedRef: "embed/item",
		}, true, time.Now().Add(24*time.Hour))
	}
	credits := ledger.NewService(mem, zap.NewNop().Sugar())
	return NewCoordinator(mem, credits, zap.NewNop().Sugar(), DefaultSessionTTL), mem
}

func TestStart_RequiredWatchCounts(t *testing.T) {
	tests := []struct {
		event domain.EventType
		want  int
	}{
		{domain.EventDailyGift, 1},
		{domain.EventEndGame, 1},
		{domain.EventRefill, 2},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			c, _ := newCoordinator(t, 3)
			s, err := c.Start(context.Background(), 1, tt.event, 100)
			if err != nil {
				t.Fatalf("start failed: %v", err)
			}
			if s.RequiredWatchCount != tt.want {
				t.Fatalf("required watch count = %d, want %d", s.RequiredWatchCount, tt.want)
			}
			if len(s.ReservedItemIDs) != tt.want {
				t.Fatalf("reserved %d items, want %d", len(s.ReservedItemIDs), tt.want)
			}
			if s.Status != domain.SessionPending {
				t.Fatalf("status = %s, want PENDING", s.Status)
			}
		})
	}
}

func TestStart_UnknownEventType(t *testing.T) {
	c, _ := newCoordinator(t, 3)

	_, err := c.Start(context.Background(), 1, domain.EventType("bogus"), 100)
	var vErr *domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestStart_InsufficientInventory(t *testing.T) {
	// Refill requires two reserved items; only one is eligible.
	c, mem := newCoordinator(t, 1)
	ctx := context.Background()

	_, err := c.Start(ctx, 1, domain.EventRefill, 0)
	if !errors.Is(err, domain.ErrNoItemsAvailable) {
		t.Fatalf("expected ErrNoItemsAvailable, got %v", err)
	}

	// Nothing was persisted: a sweep over all time finds no sessions.
	n, err := mem.ExpireStaleSessions(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("found %d persisted sessions, want 0", n)
	}
}

func TestStart_ExpiredSponsorNotEligible(t *testing.T) {
	mem := store.NewMemory()
	mem.AddAdItem(domain.AdItem{ID: "stale", Platform: "youtube", EmbedRef: "embed/stale"}, true, time.Now().Add(-time.Hour))
	mem.AddAdItem(domain.AdItem{ID: "unsponsored", Platform: "youtube", EmbedRef: "embed/x"}, false, time.Now().Add(time.Hour))
	credits := ledger.NewService(mem, zap.NewNop().Sugar())
	c := NewCoordinator(mem, credits, zap.NewNop().Sugar(), DefaultSessionTTL)

	_, err := c.Start(context.Background(), 1, domain.EventEndGame, 100)
	if !errors.Is(err, domain.ErrNoItemsAvailable) {
		t.Fatalf("expected ErrNoItemsAvailable, got %v", err)
	}
}

func TestComplete_InsufficientWatched(t *testing.T) {
	c, mem := newCoordinator(t, 3)
	ctx := context.Background()

	s, err := c.Start(ctx, 1, domain.EventEndGame, 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = c.Complete(ctx, 1, s.ID, nil)
	var watchedErr *domain.InsufficientWatchedError
	if !errors.As(err, &watchedErr) {
		t.Fatalf("expected InsufficientWatchedError, got %v", err)
	}
	if watchedErr.Required != 1 {
		t.Fatalf("required = %d, want 1", watchedErr.Required)
	}

	// The session stays PENDING so the client can retry after watching more.
	got, err := mem.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if got.Status != domain.SessionPending {
		t.Fatalf("status = %s, want PENDING", got.Status)
	}
}

func TestComplete_DoublesOriginalRewardOnce(t *testing.T) {
	c, mem := newCoordinator(t, 3)
	ctx := context.Background()

	s, err := c.Start(ctx, 1, domain.EventEndGame, 150)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	res, err := c.Complete(ctx, 1, s.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if res.CoinsDelta != 300 {
		t.Fatalf("coins delta = %d, want 300", res.CoinsDelta)
	}
	if !res.Credit.Applied {
		t.Fatal("first completion should apply the credit")
	}

	// Retried completion: same deltas, credited exactly once.
	res, err = c.Complete(ctx, 1, s.ID, []string{"item-1"})
	if err != nil {
		t.Fatalf("retried complete failed: %v", err)
	}
	if res.Credit.Applied {
		t.Fatal("retried completion must be a credit no-op")
	}
	if res.CoinsDelta != 300 {
		t.Fatalf("retried coins delta = %d, want 300", res.CoinsDelta)
	}

	snap, err := mem.GetSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	if snap.Coins != 300 {
		t.Fatalf("coins = %d, want 300 (credited once)", snap.Coins)
	}
}

func TestComplete_RefillBundle(t *testing.T) {
	c, mem := newCoordinator(t, 3)
	ctx := context.Background()

	s, err := c.Start(ctx, 1, domain.EventRefill, 0)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	res, err := c.Complete(ctx, 1, s.ID, []string{"item-1", "item-2"})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if res.CoinsDelta != 500 || res.LivesDelta != 5 {
		t.Fatalf("deltas = %d/%d, want 500/5", res.CoinsDelta, res.LivesDelta)
	}

	snap, err := mem.GetSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	if snap.Coins != 500 {
		t.Fatalf("coins = %d, want 500", snap.Coins)
	}
	// Bonus lives on top of the full starting set; no cap clamp on credit.
	if snap.Lives != ledger.DefaultMaxLives+5 {
		t.Fatalf("lives = %d, want %d", snap.Lives, ledger.DefaultMaxLives+5)
	}
}

func TestComplete_WrongUser(t *testing.T) {
	c, _ := newCoordinator(t, 3)
	ctx := context.Background()

	s, err := c.Start(ctx, 1, domain.EventEndGame, 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err = c.Complete(ctx, 2, s.ID, []string{"item-1"})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestComplete_UnknownSession(t *testing.T) {
	c, _ := newCoordinator(t, 3)

	_, err := c.Complete(context.Background(), 1, "no-such-session", []string{"item-1"})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweep_ExpiresStaleSessions(t *testing.T) {
	c, mem := newCoordinator(t, 3)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base.Add(-25 * time.Hour) }
	stale, err := c.Start(ctx, 1, domain.EventEndGame, 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c.now = func() time.Time { return base.Add(-time.Hour) }
	fresh, err := c.Start(ctx, 1, domain.EventDailyGift, 50)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	c.now = func() time.Time { return base }
	n, err := c.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}

	// The sweep is idempotent.
	n, err = c.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep moved %d sessions, want 0", n)
	}

	// An expired session can never be completed, valid evidence or not.
	_, err = c.Complete(ctx, 1, stale.ID, []string{"item-1"})
	if !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	snap, err := mem.GetSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("snapshot read failed: %v", err)
	}
	if snap.Coins != 0 {
		t.Fatalf("coins = %d, want 0 (expired session must not credit)", snap.Coins)
	}

	// The fresh session still completes normally.
	if _, err := c.Complete(ctx, 1, fresh.ID, []string{"item-1"}); err != nil {
		t.Fatalf("fresh completion failed: %v", err)
	}
}

func TestSessionMonotonicity(t *testing.T) {
	c, mem := newCoordinator(t, 3)
	ctx := context.Background()

	s, err := c.Start(ctx, 1, domain.EventEndGame, 100)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := c.Complete(ctx, 1, s.ID, []string{"item-1"}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A sweep whose cutoff passes the session must not touch a COMPLETED
	// session: terminal states never move.
	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := c.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	got, err := mem.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if got.Status != domain.SessionCompleted {
		t.Fatalf("status = %s, want COMPLETED (terminal)", got.Status)
	}
}
