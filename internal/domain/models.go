package domain

import "time"

// CreditSource identifies the business reason a ledger entry exists.
type CreditSource string

const (
	SourceRewardSession CreditSource = "reward_session"
	SourcePurchase      CreditSource = "purchase"
	SourceDailyGift     CreditSource = "daily_gift"
	SourceRefill        CreditSource = "refill"
	SourceAdmin         CreditSource = "admin"
)

// EventType distinguishes the contexts that open an ad-gated reward session.
type EventType string

const (
	EventDailyGift EventType = "daily_gift"
	EventEndGame   EventType = "end_game"
	EventRefill    EventType = "refill"
)

// SessionStatus is the lifecycle state of a reward session. PENDING is the
// only non-terminal state.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// LedgerEntry is an immutable fact: one signed balance change for one user.
// The sum of all entries for a user, plus regeneration accrued since the
// snapshot's last_regen_at, equals the cached BalanceSnapshot at all times.
type LedgerEntry struct {
	ID             string            `json:"id"`
	UserID         int64             `json:"user_id"`
	DeltaCoins     int64             `json:"delta_coins"`
	DeltaLives     int64             `json:"delta_lives"`
	Source         CreditSource      `json:"source"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BalanceSnapshot is the per-user cached aggregate. Mutated only as the
// side effect of a successful credit or a regeneration catch-up, never
// directly by a client request.
type BalanceSnapshot struct {
	UserID      int64     `json:"user_id"`
	Coins       int64     `json:"coins"`
	Lives       int64     `json:"lives"`
	MaxLives    int64     `json:"max_lives"`
	LastRegenAt time.Time `json:"last_regen_at"`
}

// SpeedToken is a grant of a temporary gameplay multiplier. Lifecycle:
// GRANTED (UsedAt nil) -> ACTIVE (UsedAt set, ExpiresAt in the future) ->
// EXPIRED (ExpiresAt passed). Expiry happens purely by time passing; reads
// must treat an overdue token as expired without a write.
type SpeedToken struct {
	ID              string       `json:"id"`
	UserID          int64        `json:"user_id"`
	DurationMinutes int          `json:"duration_minutes"`
	Source          CreditSource `json:"source"`
	GrantedAt       time.Time    `json:"granted_at"`
	UsedAt          *time.Time   `json:"used_at,omitempty"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
}

// Active reports whether the token is activated and not yet expired at now.
func (t *SpeedToken) Active(now time.Time) bool {
	return t.UsedAt != nil && t.ExpiresAt != nil && t.ExpiresAt.After(now)
}

// RemainingMinutes is the whole minutes until expiry, rounded up so a token
// with thirty seconds left still reports 1.
func (t *SpeedToken) RemainingMinutes(now time.Time) int {
	if t.ExpiresAt == nil || !t.ExpiresAt.After(now) {
		return 0
	}
	rem := t.ExpiresAt.Sub(now)
	mins := int(rem / time.Minute)
	if rem%time.Minute > 0 {
		mins++
	}
	return mins
}

// RewardSession is a reserved, time-boxed claim ticket for an ad-gated
// reward. Its ID doubles as the idempotency key for the eventual credit,
// which is what makes Complete retry-safe.
type RewardSession struct {
	ID                 string        `json:"id"`
	UserID             int64         `json:"user_id"`
	EventType          EventType     `json:"event_type"`
	RequiredWatchCount int           `json:"required_watch_count"`
	ReservedItemIDs    []string      `json:"reserved_item_ids"`
	OriginalReward     int64         `json:"original_reward"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// AdItem is an eligible ad-inventory entry from the sponsor catalog.
// Read-only input to session creation; reservations are non-exclusive.
type AdItem struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	EmbedRef string `json:"embed_ref"`
}

// PaymentFact is the verified outcome of a purchase, consumed only after
// the payment collaborator confirms success. PaymentRef is reused as the
// idempotency key for the resulting credit.
type PaymentFact struct {
	PaymentRef string            `json:"payment_ref"`
	UserID     int64             `json:"user_id"`
	Coins      int64             `json:"coins"`
	Lives      int64             `json:"lives"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// CreditResult is returned by the idempotent credit operation. Applied is
// false when the idempotency key had already been written; that path is a
// successful no-op, not an error.
type CreditResult struct {
	Applied  bool             `json:"applied"`
	Snapshot *BalanceSnapshot `json:"snapshot"`
}
