package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(store.NewMemory(), zap.NewNop().Sugar())
}

func TestGrant_Validation(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name     string
		userID   int64
		duration int
		source   domain.CreditSource
	}{
		{name: "zero user", userID: 0, duration: 15, source: domain.SourcePurchase},
		{name: "zero duration", userID: 1, duration: 0, source: domain.SourcePurchase},
		{name: "negative duration", userID: 1, duration: -5, source: domain.SourcePurchase},
		{name: "empty source", userID: 1, duration: 15, source: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Grant(context.Background(), tt.userID, tt.duration, tt.source)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestActivate_SuccessThenCollision(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	if _, err := r.Grant(ctx, 1, 15, domain.SourcePurchase); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	res, err := r.Activate(ctx, 1)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if res.Token.UsedAt == nil || !res.Token.UsedAt.Equal(base) {
		t.Fatalf("used_at = %v, want %v", res.Token.UsedAt, base)
	}
	want := base.Add(15 * time.Minute)
	if res.Token.ExpiresAt == nil || !res.Token.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", res.Token.ExpiresAt, want)
	}
	if res.RemainingUnused != 0 {
		t.Fatalf("remaining unused = %d, want 0", res.RemainingUnused)
	}

	// Immediate second activation collides with the running token.
	_, err = r.Activate(ctx, 1)
	var activeErr *domain.ActiveTokenError
	if !errors.As(err, &activeErr) {
		t.Fatalf("expected ActiveTokenError, got %v", err)
	}
	if activeErr.RemainingMinutes != 15 {
		t.Fatalf("remaining minutes = %d, want 15", activeErr.RemainingMinutes)
	}
}

func TestActivate_NoTokens(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Activate(context.Background(), 1)
	if !errors.Is(err, domain.ErrNoUnusedTokens) {
		t.Fatalf("expected ErrNoUnusedTokens, got %v", err)
	}
}

func TestActivate_FIFO(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	r.now = func() time.Time { return base.Add(-2 * time.Hour) }
	oldest, err := r.Grant(ctx, 1, 10, domain.SourcePurchase)
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	r.now = func() time.Time { return base.Add(-1 * time.Hour) }
	if _, err := r.Grant(ctx, 1, 30, domain.SourcePurchase); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	r.now = func() time.Time { return base }
	res, err := r.Activate(ctx, 1)
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if res.Token.ID != oldest.ID {
		t.Fatalf("activated token %s, want oldest %s", res.Token.ID, oldest.ID)
	}
	if res.RemainingUnused != 1 {
		t.Fatalf("remaining unused = %d, want 1", res.RemainingUnused)
	}
}

func TestActivate_AfterExpiry(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	if _, err := r.Grant(ctx, 1, 15, domain.SourcePurchase); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := r.Grant(ctx, 1, 20, domain.SourcePurchase); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := r.Activate(ctx, 1); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	// No write happens at expiry; lapsed time alone frees the slot.
	r.now = func() time.Time { return base.Add(16 * time.Minute) }
	res, err := r.Activate(ctx, 1)
	if err != nil {
		t.Fatalf("activate after expiry failed: %v", err)
	}
	if res.Token.DurationMinutes != 20 {
		t.Fatalf("activated duration = %d, want 20", res.Token.DurationMinutes)
	}
}

func TestActivate_ConcurrentSingleWinner(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := r.Grant(ctx, 1, 15, domain.SourcePurchase); err != nil {
			t.Fatalf("grant failed: %v", err)
		}
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan *ActivationResult, workers)

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			res, err := r.Activate(ctx, 1)
			if err == nil {
				wins <- res
				return
			}
			var activeErr *domain.ActiveTokenError
			if !errors.As(err, &activeErr) && !errors.Is(err, domain.ErrNoUnusedTokens) {
				t.Errorf("unexpected activation error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	var results []*ActivationResult
	for res := range wins {
		results = append(results, res)
	}
	if len(results) != 1 {
		t.Fatalf("%d activations succeeded, want exactly 1", len(results))
	}

	// Exclusivity: the only active token is the winner's.
	active, err := r.Active(ctx, 1)
	if err != nil {
		t.Fatalf("active lookup failed: %v", err)
	}
	if active == nil || active.ID != results[0].Token.ID {
		t.Fatal("winner's token should be the single active token")
	}
}

func TestRemainingMinutes_RoundsUp(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	used := now.Add(-10 * time.Minute)
	expires := now.Add(30 * time.Second)
	tok := &domain.SpeedToken{UsedAt: &used, ExpiresAt: &expires}

	if got := tok.RemainingMinutes(now); got != 1 {
		t.Fatalf("remaining minutes = %d, want 1", got)
	}
	if !tok.Active(now) {
		t.Fatal("token should still be active")
	}
	if tok.Active(now.Add(time.Minute)) {
		t.Fatal("token should be expired one minute later")
	}
}
