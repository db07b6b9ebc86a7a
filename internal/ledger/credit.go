// Package ledger is the single choke point for balance changes. Every
// coin or life that moves in the economy moves through Credit, keyed by a
// caller-deterministic idempotency key so retries collapse to a no-op.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

// MaxAbsDelta is the sanity ceiling on a single credit. Anything larger
// is a caller bug, not a legitimate reward.
const MaxAbsDelta = 1_000_000

// DefaultMaxLives seeds the snapshot of a user the engine has never seen.
const DefaultMaxLives = 5

var (
	creditsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_credits_applied_total",
		Help: "Ledger entries written, labeled by source",
	}, []string{"source"})

	creditsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_credits_replayed_total",
		Help: "Credit calls that hit an existing idempotency key",
	}, []string{"source"})
)

// Request carries one credit. IdempotencyKey must derive from a stable
// identifier of the triggering event (payment ref, session id), never a
// fresh random value, or retries become indistinguishable from new events.
type Request struct {
	UserID         int64
	DeltaCoins     int64
	DeltaLives     int64
	Source         domain.CreditSource
	IdempotencyKey string
	CorrelationID  string
	Metadata       map[string]string
}

type Service struct {
	store store.Store
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewService(st store.Store, log *zap.SugaredLogger) *Service {
	return &Service{store: st, log: log, now: time.Now}
}

// Credit applies the deltas exactly once per idempotency key. A duplicate
// key returns Applied=false with the current snapshot; callers must treat
// that as success, since the original call already had effect.
func (s *Service) Credit(ctx context.Context, req Request) (*domain.CreditResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if _, err := s.store.EnsureSnapshot(ctx, req.UserID, DefaultMaxLives, now); err != nil {
		return nil, err
	}

	entry := &domain.LedgerEntry{
		ID:             ksuid.New().String(),
		UserID:         req.UserID,
		DeltaCoins:     req.DeltaCoins,
		DeltaLives:     req.DeltaLives,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  req.CorrelationID,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	applied, snap, err := s.store.ApplyCredit(ctx, entry)
	if err != nil {
		return nil, err
	}

	if applied {
		creditsApplied.WithLabelValues(string(req.Source)).Inc()
		s.log.Infow("credit applied",
			"user_id", req.UserID,
			"source", req.Source,
			"delta_coins", req.DeltaCoins,
			"delta_lives", req.DeltaLives,
			"key", req.IdempotencyKey,
		)
	} else {
		creditsReplayed.WithLabelValues(string(req.Source)).Inc()
		s.log.Debugw("credit replayed", "user_id", req.UserID, "key", req.IdempotencyKey)
	}
	return &domain.CreditResult{Applied: applied, Snapshot: snap}, nil
}

// CreditPurchase consumes a verified payment fact, reusing its payment
// reference as the idempotency key.
func (s *Service) CreditPurchase(ctx context.Context, fact domain.PaymentFact) (*domain.CreditResult, error) {
	if strings.TrimSpace(fact.PaymentRef) == "" {
		return nil, domain.Validation("payment_ref", "must not be empty")
	}
	return s.Credit(ctx, Request{
		UserID:         fact.UserID,
		DeltaCoins:     fact.Coins,
		DeltaLives:     fact.Lives,
		Source:         domain.SourcePurchase,
		IdempotencyKey: fact.PaymentRef,
		Metadata:       fact.Metadata,
	})
}

// RecentEntries lists the user's newest ledger entries for history views.
func (s *Service) RecentEntries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.RecentEntries(ctx, userID, limit)
}

func validate(req Request) error {
	if req.UserID <= 0 {
		return domain.Validation("user_id", "must be positive")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.Validation("idempotency_key", "must not be empty")
	}
	if req.DeltaCoins == 0 && req.DeltaLives == 0 {
		return domain.Validation("deltas", "at least one of coins or lives must be non-zero")
	}
	if req.DeltaCoins > MaxAbsDelta || req.DeltaCoins < -MaxAbsDelta {
		return domain.Validation("delta_coins", "exceeds sanity ceiling")
	}
	if req.DeltaLives > MaxAbsDelta || req.DeltaLives < -MaxAbsDelta {
		return domain.Validation("delta_lives", "exceeds sanity ceiling")
	}
	if req.Source == "" {
		return domain.Validation("source", "must not be empty")
	}
	return nil
}
