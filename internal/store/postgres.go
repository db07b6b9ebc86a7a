package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/himatecorp2025/dingleup-engine/internal/domain"
)

const uniqueViolation = "23505"

// Postgres implements Store on a pgx connection pool. The idempotency
// guarantee rides on the unique constraint over ledger_entries.idempotency_key;
// token activation and session completion use conditional updates so
// concurrent requests resolve to exactly one winner.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (p *Postgres) Close() {
	p.db.Close()
}

func (p *Postgres) ApplyCredit(ctx context.Context, entry *domain.LedgerEntry) (bool, *domain.BalanceSnapshot, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, nil, unavailable("tx begin", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, delta_coins, delta_lives, source, idempotency_key, correlation_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.UserID, entry.DeltaCoins, entry.DeltaLives, entry.Source,
		entry.IdempotencyKey, entry.CorrelationID, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// First writer already won. Report the current snapshot as a no-op.
			snap, serr := p.GetSnapshot(ctx, entry.UserID)
			if serr != nil {
				return false, nil, serr
			}
			return false, snap, nil
		}
		return false, nil, unavailable("ledger insert", err)
	}

	var snap domain.BalanceSnapshot
	err = tx.QueryRow(ctx,
		`UPDATE balance_snapshots
		 SET coins = coins + $2, lives = GREATEST(0, lives + $3)
		 WHERE user_id = $1
		 RETURNING user_id, coins, lives, max_lives, last_regen_at`,
		entry.UserID, entry.DeltaCoins, entry.DeltaLives,
	).Scan(&snap.UserID, &snap.Coins, &snap.Lives, &snap.MaxLives, &snap.LastRegenAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil, domain.ErrUserNotFound
		}
		return false, nil, unavailable("snapshot update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, unavailable("tx commit", err)
	}
	return true, &snap, nil
}

func (p *Postgres) EnsureSnapshot(ctx context.Context, userID, maxLives int64, now time.Time) (*domain.BalanceSnapshot, error) {
	_, err := p.db.Exec(ctx,
		`INSERT INTO balance_snapshots (user_id, coins, lives, max_lives, last_regen_at)
		 VALUES ($1, 0, $2, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, maxLives, now,
	)
	if err != nil {
		return nil, unavailable("snapshot bootstrap", err)
	}
	return p.GetSnapshot(ctx, userID)
}

func (p *Postgres) GetSnapshot(ctx context.Context, userID int64) (*domain.BalanceSnapshot, error) {
	var snap domain.BalanceSnapshot
	err := p.db.QueryRow(ctx,
		`SELECT user_id, coins, lives, max_lives, last_regen_at FROM balance_snapshots WHERE user_id = $1`,
		userID,
	).Scan(&snap.UserID, &snap.Coins, &snap.Lives, &snap.MaxLives, &snap.LastRegenAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrUserNotFound
		}
		return nil, unavailable("snapshot select", err)
	}
	return &snap, nil
}

func (p *Postgres) ApplyRegen(ctx context.Context, userID, lives int64, regenAt time.Time) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE balance_snapshots
		 SET lives = GREATEST(lives, $2), last_regen_at = GREATEST(last_regen_at, $3)
		 WHERE user_id = $1`,
		userID, lives, regenAt,
	)
	if err != nil {
		return unavailable("regen catch-up", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (p *Postgres) RecentEntries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, user_id, delta_coins, delta_lives, source, idempotency_key,
		        COALESCE(correlation_id, ''), metadata, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, unavailable("entries select", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.DeltaCoins, &e.DeltaLives, &e.Source,
			&e.IdempotencyKey, &e.CorrelationID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, unavailable("entries scan", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) InsertToken(ctx context.Context, t *domain.SpeedToken) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO speed_tokens (id, user_id, duration_minutes, source, granted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.DurationMinutes, t.Source, t.GrantedAt,
	)
	if err != nil {
		return unavailable("token insert", err)
	}
	return nil
}

func (p *Postgres) ActiveToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error) {
	t, err := p.scanToken(p.db.QueryRow(ctx,
		`SELECT id, user_id, duration_minutes, source, granted_at, used_at, expires_at
		 FROM speed_tokens
		 WHERE user_id = $1 AND used_at IS NOT NULL AND expires_at > $2
		 ORDER BY expires_at DESC LIMIT 1`,
		userID, now,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, unavailable("active token select", err)
	}
	return t, nil
}

func (p *Postgres) ActivateNextToken(ctx context.Context, userID int64, now time.Time) (*domain.SpeedToken, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, unavailable("tx begin", err)
	}
	defer tx.Rollback(ctx)

	// Serialize activations per user for the rest of this transaction.
	// Requests are short, contention is rare, and this closes the gap
	// between the collision check and the update.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return nil, unavailable("activation lock", err)
	}

	active, err := p.scanToken(tx.QueryRow(ctx,
		`SELECT id, user_id, duration_minutes, source, granted_at, used_at, expires_at
		 FROM speed_tokens
		 WHERE user_id = $1 AND used_at IS NOT NULL AND expires_at > $2
		 ORDER BY expires_at DESC LIMIT 1`,
		userID, now,
	))
	if err != nil && err != pgx.ErrNoRows {
		return nil, unavailable("active token select", err)
	}
	if active != nil {
		return nil, &domain.ActiveTokenError{
			TokenID:          active.ID,
			RemainingMinutes: active.RemainingMinutes(now),
		}
	}

	candidate, err := p.scanToken(tx.QueryRow(ctx,
		`SELECT id, user_id, duration_minutes, source, granted_at, used_at, expires_at
		 FROM speed_tokens
		 WHERE user_id = $1 AND used_at IS NULL
		 ORDER BY granted_at ASC, id ASC LIMIT 1`,
		userID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNoUnusedTokens
		}
		return nil, unavailable("granted token select", err)
	}

	expires := now.Add(time.Duration(candidate.DurationMinutes) * time.Minute)
	tag, err := tx.Exec(ctx,
		`UPDATE speed_tokens SET used_at = $2, expires_at = $3 WHERE id = $1 AND used_at IS NULL`,
		candidate.ID, now, expires,
	)
	if err != nil {
		return nil, unavailable("token activate", err)
	}
	if tag.RowsAffected() != 1 {
		// Unreachable while the advisory lock is held; treat as conflict.
		return nil, domain.ErrNoUnusedTokens
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("tx commit", err)
	}

	candidate.UsedAt = &now
	candidate.ExpiresAt = &expires
	return candidate, nil
}

func (p *Postgres) CountGrantedTokens(ctx context.Context, userID int64) (int, error) {
	var n int
	err := p.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM speed_tokens WHERE user_id = $1 AND used_at IS NULL`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, unavailable("granted token count", err)
	}
	return n, nil
}

func (p *Postgres) InsertSession(ctx context.Context, s *domain.RewardSession) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO reward_sessions (id, user_id, event_type, required_watch_count, reserved_item_ids, original_reward, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.EventType, s.RequiredWatchCount, s.ReservedItemIDs, s.OriginalReward, s.Status, s.CreatedAt,
	)
	if err != nil {
		return unavailable("session insert", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*domain.RewardSession, error) {
	var s domain.RewardSession
	err := p.db.QueryRow(ctx,
		`SELECT id, user_id, event_type, required_watch_count, reserved_item_ids, original_reward, status, created_at, completed_at
		 FROM reward_sessions WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.UserID, &s.EventType, &s.RequiredWatchCount, &s.ReservedItemIDs,
		&s.OriginalReward, &s.Status, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrSessionNotFound
		}
		return nil, unavailable("session select", err)
	}
	return &s, nil
}

func (p *Postgres) CompleteSession(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE reward_sessions SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`,
		id, domain.SessionCompleted, at, domain.SessionPending,
	)
	if err != nil {
		return false, unavailable("session complete", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx,
		`UPDATE reward_sessions SET status = $1 WHERE status = $2 AND created_at < $3`,
		domain.SessionExpired, domain.SessionPending, cutoff,
	)
	if err != nil {
		return 0, unavailable("session sweep", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) ListEligibleAdItems(ctx context.Context, minCount int, now time.Time) ([]domain.AdItem, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, platform, embed_ref FROM ad_items
		 WHERE sponsored AND sponsor_expires_at > $1
		 ORDER BY sponsor_expires_at ASC LIMIT $2`,
		now, minCount,
	)
	if err != nil {
		return nil, unavailable("ad items select", err)
	}
	defer rows.Close()

	var items []domain.AdItem
	for rows.Next() {
		var it domain.AdItem
		if err := rows.Scan(&it.ID, &it.Platform, &it.EmbedRef); err != nil {
			return nil, unavailable("ad items scan", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (p *Postgres) scanToken(row pgx.Row) (*domain.SpeedToken, error) {
	var t domain.SpeedToken
	err := row.Scan(&t.ID, &t.UserID, &t.DurationMinutes, &t.Source, &t.GrantedAt, &t.UsedAt, &t.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// unavailable tags infrastructure failures as retryable while keeping the
// underlying cause readable in logs.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}
