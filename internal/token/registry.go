// Package token tracks the grant -> activation -> expiry lifecycle of
// speed tokens. Collisions are enforced at activation, not at grant:
// multiple unused tokens may coexist as inventory, but at most one token
// per user may be active at any instant.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

var tokenActivations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reward_engine_token_activations_total",
	Help: "Speed token activation attempts, labeled by outcome",
}, []string{"outcome"})

// ActivationResult reports the token that went active and how many unused
// tokens remain in the user's inventory.
type ActivationResult struct {
	Token           *domain.SpeedToken `json:"token"`
	RemainingUnused int                `json:"remaining_unused"`
}

type Registry struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewRegistry(st store.Store, log *zap.SugaredLogger) *Registry {
	return &Registry{store: st, log: log, now: time.Now}
}

// Grant creates a token in GRANTED state. No collision check happens here.
func (r *Registry) Grant(ctx context.Context, userID int64, durationMinutes int, source domain.CreditSource) (*domain.SpeedToken, error) {
	if userID <= 0 {
		return nil, domain.Validation("user_id", "must be positive")
	}
	if durationMinutes <= 0 {
		return nil, domain.Validation("duration_minutes", "must be positive")
	}
	if source == "" {
		return nil, domain.Validation("source", "must not be empty")
	}

	t := &domain.SpeedToken{
		ID:              uuid.NewString(),
		UserID:          userID,
		DurationMinutes: durationMinutes,
		Source:          source,
		GrantedAt:       r.now().UTC(),
	}
	if err := r.store.InsertToken(ctx, t); err != nil {
		return nil, err
	}
	r.log.Infow("speed token granted", "user_id", userID, "token_id", t.ID, "duration_minutes", durationMinutes)
	return t, nil
}

// Activate consumes the user's oldest unused token. It refuses with the
// remaining minutes while another token is still running. The store runs
// the collision check and the conditional update serialized per user, so
// two concurrent calls can never leave two tokens active.
func (r *Registry) Activate(ctx context.Context, userID int64) (*ActivationResult, error) {
	if userID <= 0 {
		return nil, domain.Validation("user_id", "must be positive")
	}

	now := r.now().UTC()
	activated, err := r.store.ActivateNextToken(ctx, userID, now)
	if err != nil {
		var activeErr *domain.ActiveTokenError
		switch {
		case errors.As(err, &activeErr):
			tokenActivations.WithLabelValues("collision").Inc()
		case errors.Is(err, domain.ErrNoUnusedTokens):
			tokenActivations.WithLabelValues("no_tokens").Inc()
		}
		return nil, err
	}

	remaining, err := r.store.CountGrantedTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	tokenActivations.WithLabelValues("activated").Inc()
	r.log.Infow("speed token activated",
		"user_id", userID,
		"token_id", activated.ID,
		"expires_at", activated.ExpiresAt,
		"remaining_unused", remaining,
	)
	return &ActivationResult{Token: activated, RemainingUnused: remaining}, nil
}

// Active returns the user's currently running token, or nil. Expiry is
// computed lazily against the clock; no write happens here.
func (r *Registry) Active(ctx context.Context, userID int64) (*domain.SpeedToken, error) {
	return r.store.ActiveToken(ctx, userID, r.now().UTC())
}
