// Package reward orchestrates the two-phase ad-gated reward flow: Start
// reserves sponsor inventory and persists a PENDING session; Complete
// validates watch evidence and credits through the ledger, keyed by the
// session id so arbitrarily retried completions pay out exactly once.
package reward

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
	"github.com/himatecorp2025/dingleup-engine/internal/ledger"
	"github.com/himatecorp2025/dingleup-engine/internal/store"
)

// DefaultSessionTTL bounds how long a PENDING session can be completed.
const DefaultSessionTTL = 24 * time.Hour

var (
	sessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_sessions_started_total",
		Help: "Reward sessions opened, labeled by event type",
	}, []string{"event_type"})

	sessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_engine_sessions_completed_total",
		Help: "Reward sessions completed, labeled by event type",
	}, []string{"event_type"})

	sessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_engine_sessions_expired_total",
		Help: "PENDING sessions expired by the TTL sweep",
	})
)

// payout is data, not control flow: each event type either doubles the
// original reward or credits a fixed bundle.
type payout struct {
	doubleOriginal bool
	coins          int64
	lives          int64
	source         domain.CreditSource
}

var payouts = map[domain.EventType]payout{
	domain.EventDailyGift: {doubleOriginal: true, source: domain.SourceDailyGift},
	domain.EventEndGame:   {doubleOriginal: true, source: domain.SourceRewardSession},
	domain.EventRefill:    {coins: 500, lives: 5, source: domain.SourceRefill},
}

func (p payout) deltas(original int64) (coins, lives int64) {
	if p.doubleOriginal {
		return original * 2, 0
	}
	return p.coins, p.lives
}

// requiredWatchCount: refill gates on two reserved items, everything else
// on one.
func requiredWatchCount(event domain.EventType) int {
	if event == domain.EventRefill {
		return 2
	}
	return 1
}

// CompleteResult reports the credited deltas alongside the underlying
// credit outcome (Applied=false on a replayed completion).
type CompleteResult struct {
	CoinsDelta int64                `json:"coins_delta"`
	LivesDelta int64                `json:"lives_delta"`
	Credit     *domain.CreditResult `json:"credit"`
}

type Coordinator struct {
	store   store.Store
	credits *ledger.Service
	log     *zap.SugaredLogger
	ttl     time.Duration
	now     func() time.Time
}

func NewCoordinator(st store.Store, credits *ledger.Service, log *zap.SugaredLogger, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Coordinator{store: st, credits: credits, log: log, ttl: ttl, now: time.Now}
}

// Start reserves eligible sponsor inventory and persists a PENDING session.
// When fewer items are available than the event requires, nothing is
// persisted and ErrNoItemsAvailable is returned.
func (c *Coordinator) Start(ctx context.Context, userID int64, event domain.EventType, originalReward int64) (*domain.RewardSession, error) {
	if userID <= 0 {
		return nil, domain.Validation("user_id", "must be positive")
	}
	rule, known := payouts[event]
	if !known {
		return nil, domain.Validation("event_type", "unknown event type")
	}
	if originalReward < 0 {
		return nil, domain.Validation("original_reward", "must not be negative")
	}
	if rule.doubleOriginal && originalReward == 0 {
		return nil, domain.Validation("original_reward", "must be positive for this event type")
	}
	if originalReward > ledger.MaxAbsDelta/2 {
		return nil, domain.Validation("original_reward", "exceeds sanity ceiling")
	}

	now := c.now().UTC()
	required := requiredWatchCount(event)

	items, err := c.store.ListEligibleAdItems(ctx, required, now)
	if err != nil {
		return nil, err
	}
	if len(items) < required {
		return nil, domain.ErrNoItemsAvailable
	}

	reserved := make([]string, 0, required)
	for _, it := range items[:required] {
		reserved = append(reserved, it.ID)
	}

	s := &domain.RewardSession{
		ID:                 uuid.NewString(),
		UserID:             userID,
		EventType:          event,
		RequiredWatchCount: required,
		ReservedItemIDs:    reserved,
		OriginalReward:     originalReward,
		Status:             domain.SessionPending,
		CreatedAt:          now,
	}
	if err := c.store.InsertSession(ctx, s); err != nil {
		return nil, err
	}

	sessionsStarted.WithLabelValues(string(event)).Inc()
	c.log.Infow("reward session started",
		"user_id", userID,
		"session_id", s.ID,
		"event_type", event,
		"reserved_items", reserved,
	)
	return s, nil
}

// Complete validates watch evidence and credits the reward. The session id
// is the idempotency key, so completing an already-COMPLETED session runs
// the credit as a no-op and returns the same deltas. EXPIRED sessions can
// never be completed, no matter what evidence is presented.
func (c *Coordinator) Complete(ctx context.Context, userID int64, sessionID string, watchedItemIDs []string) (*CompleteResult, error) {
	s, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		// Do not leak other users' sessions.
		return nil, domain.ErrSessionNotFound
	}

	if s.Status == domain.SessionExpired {
		return nil, domain.ErrSessionExpired
	}

	if s.Status == domain.SessionPending {
		if len(watchedItemIDs) < s.RequiredWatchCount {
			return nil, &domain.InsufficientWatchedError{
				Required: s.RequiredWatchCount,
				Watched:  len(watchedItemIDs),
			}
		}
	}

	rule := payouts[s.EventType]
	coins, lives := rule.deltas(s.OriginalReward)

	res, err := c.credits.Credit(ctx, ledger.Request{
		UserID:         s.UserID,
		DeltaCoins:     coins,
		DeltaLives:     lives,
		Source:         rule.source,
		IdempotencyKey: s.ID,
		CorrelationID:  s.ID,
		Metadata:       map[string]string{"event_type": string(s.EventType)},
	})
	if err != nil {
		return nil, err
	}

	// A false return means another completion already flipped the row;
	// the credit above was a no-op then, so both callers converge.
	if moved, err := c.store.CompleteSession(ctx, s.ID, c.now().UTC()); err != nil {
		return nil, err
	} else if moved {
		sessionsCompleted.WithLabelValues(string(s.EventType)).Inc()
		c.log.Infow("reward session completed",
			"user_id", s.UserID,
			"session_id", s.ID,
			"coins_delta", coins,
			"lives_delta", lives,
		)
	}

	return &CompleteResult{CoinsDelta: coins, LivesDelta: lives, Credit: res}, nil
}

// SweepExpired moves stale PENDING sessions to EXPIRED. It is an explicit,
// idempotent maintenance operation so the hot read path never pays for it.
func (c *Coordinator) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.ttl)
	n, err := c.store.ExpireStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		sessionsSwept.Add(float64(n))
		c.log.Infow("expired stale reward sessions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
