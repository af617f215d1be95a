package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store implements store.Store on a pgx pool.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// matched runs a statement with RETURNING and reports whether a row came back.
func (s *Store) matched(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ===== Cooldowns =====

func (s *Store) ClaimIfExpired(ctx context.Context, key models.ClaimKey, now, cutoff time.Time, requestID string) (bool, error) {
	return s.matched(ctx, `
		INSERT INTO cooldowns (id, user_id, kind, scope, claimed_at, locked, request_id)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (id) DO UPDATE
		SET claimed_at = EXCLUDED.claimed_at, locked = TRUE, request_id = EXCLUDED.request_id, last_delta = NULL
		WHERE cooldowns.claimed_at IS NULL OR cooldowns.claimed_at < $7
		RETURNING 1
	`, key.ID(), key.UserID, string(key.Kind), key.Scope, now, requestID, cutoff)
}

func (s *Store) GetClaim(ctx context.Context, key models.ClaimKey) (*models.Claim, error) {
	var c models.Claim
	var kind string
	var claimedAt *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, kind, scope, claimed_at, locked, request_id, last_delta, pending, box_mapping, opened_at
		FROM cooldowns WHERE id = $1
	`, key.ID()).Scan(&c.ID, &c.UserID, &kind, &c.Scope, &claimedAt, &c.Locked, &c.RequestID, &c.LastDelta, &c.Pending, &c.BoxMapping, &c.OpenedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Kind = models.ActionKind(kind)
	if claimedAt != nil {
		c.ClaimedAt = claimedAt.UTC()
	}
	return &c, nil
}

func (s *Store) FinishClaim(ctx context.Context, key models.ClaimKey, delta int64) error {
	return s.execOne(ctx, `UPDATE cooldowns SET locked = FALSE, last_delta = $2 WHERE id = $1`, key.ID(), delta)
}

func (s *Store) ReleaseClaim(ctx context.Context, key models.ClaimKey) error {
	return s.execOne(ctx, `UPDATE cooldowns SET locked = FALSE WHERE id = $1`, key.ID())
}

func (s *Store) DeleteClaims(ctx context.Context, userID int64) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM cooldowns WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) SaveBoxMapping(ctx context.Context, userID int64, mapping map[string]models.BoxOutcome) error {
	return s.execOne(ctx, `
		UPDATE cooldowns SET box_mapping = $2, pending = TRUE, opened_at = NULL WHERE id = $1
	`, models.BoxKey(userID).ID(), mapping)
}

func (s *Store) ConsumeBoxToken(ctx context.Context, userID int64, token string, now time.Time) (models.BoxOutcome, bool, error) {
	var outcome string
	err := s.db.QueryRow(ctx, `
		UPDATE cooldowns c
		SET box_mapping = NULL, pending = FALSE, opened_at = $3
		FROM (SELECT id, box_mapping ->> $2 AS outcome FROM cooldowns WHERE id = $1 FOR UPDATE) old
		WHERE c.id = old.id AND old.outcome IS NOT NULL
		RETURNING old.outcome
	`, models.BoxKey(userID).ID(), token, now).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.BoxOutcome(outcome), true, nil
}

// ===== Balances =====

func (s *Store) IncrementBalance(ctx context.Context, inc models.BalanceIncrement) (int64, error) {
	var points int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO chat_balances (id, chat_id, user_id, points, display_name, last_action_kind, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET points = chat_balances.points + EXCLUDED.points,
		    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), chat_balances.display_name),
		    last_action_kind = COALESCE(NULLIF(EXCLUDED.last_action_kind, ''), chat_balances.last_action_kind),
		    updated_at = EXCLUDED.updated_at
		RETURNING points
	`, models.BalanceID(inc.ChatID, inc.UserID), inc.ChatID, inc.UserID, inc.Delta, inc.DisplayName, string(inc.LastAction), inc.At).Scan(&points)
	if err != nil {
		return 0, fmt.Errorf("increment balance: %w", err)
	}
	return points, nil
}

func (s *Store) SetBalance(ctx context.Context, rec models.ChatBalance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_balances (id, chat_id, user_id, points, display_name, last_action_kind, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET points = EXCLUDED.points, display_name = EXCLUDED.display_name,
		    last_action_kind = EXCLUDED.last_action_kind, updated_at = EXCLUDED.updated_at
	`, models.BalanceID(rec.ChatID, rec.UserID), rec.ChatID, rec.UserID, rec.Points, rec.DisplayName, string(rec.LastAction), rec.UpdatedAt)
	return err
}

const balanceColumns = `id, chat_id, user_id, points, display_name, last_action_kind, updated_at`

func scanBalance(row pgx.Row) (models.ChatBalance, error) {
	var b models.ChatBalance
	var last string
	err := row.Scan(&b.ID, &b.ChatID, &b.UserID, &b.Points, &b.DisplayName, &last, &b.UpdatedAt)
	b.LastAction = models.LastAction(last)
	return b, err
}

func (s *Store) GetBalance(ctx context.Context, chatID, userID int64) (*models.ChatBalance, error) {
	b, err := scanBalance(s.db.QueryRow(ctx, `SELECT `+balanceColumns+` FROM chat_balances WHERE id = $1`, models.BalanceID(chatID, userID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) UserBalances(ctx context.Context, userID int64) ([]models.ChatBalance, error) {
	rows, err := s.db.Query(ctx, `SELECT `+balanceColumns+` FROM chat_balances WHERE user_id = $1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.ChatBalance, 0)
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ChatRank(ctx context.Context, chatID, userID int64) (int64, int64, error) {
	var total, above int64
	var self *int64
	err := s.db.QueryRow(ctx, `
		WITH me AS (SELECT points FROM chat_balances WHERE id = $1)
		SELECT
			(SELECT COUNT(*) FROM chat_balances WHERE chat_id = $2),
			(SELECT points FROM me),
			(SELECT COUNT(*) FROM chat_balances b, me WHERE b.chat_id = $2 AND b.points > me.points)
	`, models.BalanceID(chatID, userID), chatID).Scan(&total, &self, &above)
	if err != nil {
		return 0, 0, err
	}
	if self == nil {
		return 0, total, nil
	}
	return above + 1, total, nil
}

func (s *Store) FoldBalances(ctx context.Context, reducer store.Reducer, limit int) ([]models.GlobalStat, error) {
	agg := "MAX(points)"
	if reducer == store.ReducerSum {
		agg = "SUM(points)::BIGINT"
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT user_id, `+agg+` AS best,
		       (ARRAY_AGG(display_name ORDER BY updated_at DESC))[1],
		       MAX(updated_at)
		FROM chat_balances
		GROUP BY user_id
		ORDER BY best DESC, user_id ASC
		LIMIT $1
	`, lim)
	if err != nil {
		return nil, err
	}
	return collectStats(rows)
}

func (s *Store) ChatStats(ctx context.Context) (models.ChatStats, error) {
	var st models.ChatStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(n), 0)::BIGINT, COALESCE(MAX(n), 0)
		FROM (SELECT chat_id, COUNT(*) AS n FROM chat_balances GROUP BY chat_id) per_chat
	`).Scan(&st.Chats, &st.Records, &st.MaxChatPlayers)
	return st, err
}

// ===== Promo codes =====

func (s *Store) CreatePromo(ctx context.Context, promo models.PromoCode) error {
	if promo.UsedBy == nil {
		promo.UsedBy = make(map[string]time.Time)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO promocodes (code, reward, max_uses, used_by, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, promo.Code, promo.Reward, promo.MaxUses, promo.UsedBy, promo.CreatedAt, promo.CreatedBy)
	if isUniqueViolation(err) {
		return store.ErrPromoExists
	}
	return err
}

const promoColumns = `code, reward, max_uses, used_by, created_at, created_by`

func scanPromo(row pgx.Row) (models.PromoCode, error) {
	var p models.PromoCode
	err := row.Scan(&p.Code, &p.Reward, &p.MaxUses, &p.UsedBy, &p.CreatedAt, &p.CreatedBy)
	if p.UsedBy == nil {
		p.UsedBy = make(map[string]time.Time)
	}
	return p, err
}

func (s *Store) GetPromo(ctx context.Context, code string) (*models.PromoCode, error) {
	p, err := scanPromo(s.db.QueryRow(ctx, `SELECT `+promoColumns+` FROM promocodes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// RedeemPromo relies on the row lock taken by UPDATE, so the filter is
// evaluated against the committed used_by of concurrent redemptions.
func (s *Store) RedeemPromo(ctx context.Context, code string, userID int64, now time.Time) (bool, error) {
	return s.matched(ctx, `
		UPDATE promocodes
		SET used_by = used_by || jsonb_build_object($2::TEXT, to_jsonb($3::TIMESTAMPTZ))
		WHERE code = $1
		  AND NOT (used_by ? $2::TEXT)
		  AND (max_uses = -1 OR (SELECT COUNT(*) FROM jsonb_object_keys(used_by)) < max_uses)
		RETURNING 1
	`, code, models.UserKey(userID), now)
}

func (s *Store) MarkPromoUsed(ctx context.Context, code string, userID int64, now time.Time) error {
	return s.execOne(ctx, `
		UPDATE promocodes SET used_by = used_by || jsonb_build_object($2::TEXT, to_jsonb($3::TIMESTAMPTZ)) WHERE code = $1
	`, code, models.UserKey(userID), now)
}

func (s *Store) UnmarkPromoUse(ctx context.Context, code string, userID int64) error {
	return s.execOne(ctx, `UPDATE promocodes SET used_by = used_by - $2::TEXT WHERE code = $1`, code, models.UserKey(userID))
}

func (s *Store) ListPromos(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := s.db.Query(ctx, `SELECT `+promoColumns+` FROM promocodes ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.PromoCode, 0)
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExhaustedPromos(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM promocodes
		WHERE max_uses <> -1 AND (SELECT COUNT(*) FROM jsonb_object_keys(used_by)) >= max_uses
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ===== Global aggregate =====

const upsertMax = `
	INSERT INTO global_stats (user_id, best_points, display_name, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id) DO UPDATE
	SET best_points = GREATEST(global_stats.best_points, EXCLUDED.best_points),
	    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), global_stats.display_name),
	    updated_at = EXCLUDED.updated_at
`

func (s *Store) MaxAggregate(ctx context.Context, userID, value int64, displayName string, now time.Time) error {
	_, err := s.db.Exec(ctx, upsertMax, userID, value, displayName, now)
	return err
}

func collectStats(rows pgx.Rows) ([]models.GlobalStat, error) {
	defer rows.Close()
	out := make([]models.GlobalStat, 0)
	for rows.Next() {
		var st models.GlobalStat
		if err := rows.Scan(&st.UserID, &st.BestPoints, &st.DisplayName, &st.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) TopAggregates(ctx context.Context, n int) ([]models.GlobalStat, error) {
	var lim *int
	if n > 0 {
		lim = &n
	}
	rows, err := s.db.Query(ctx, `
		SELECT user_id, best_points, display_name, updated_at
		FROM global_stats ORDER BY best_points DESC, user_id ASC LIMIT $1
	`, lim)
	if err != nil {
		return nil, err
	}
	return collectStats(rows)
}

func (s *Store) GetAggregate(ctx context.Context, userID int64) (*models.GlobalStat, error) {
	var st models.GlobalStat
	err := s.db.QueryRow(ctx, `
		SELECT user_id, best_points, display_name, updated_at FROM global_stats WHERE user_id = $1
	`, userID).Scan(&st.UserID, &st.BestPoints, &st.DisplayName, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) CountAggregates(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM global_stats`).Scan(&n)
	return n, err
}

func (s *Store) ClearAggregates(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM global_stats`)
	return err
}

func (s *Store) MergeAggregates(ctx context.Context, stats []models.GlobalStat) error {
	if len(stats) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range stats {
		batch.Queue(upsertMax, st.UserID, st.BestPoints, st.DisplayName, st.UpdatedAt)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

// ===== Migrations =====

func (s *Store) AcquireMigrationLock(ctx context.Context, now, staleBefore time.Time) (bool, error) {
	return s.matched(ctx, `
		INSERT INTO migrations (id, locked, locked_at) VALUES ($1, TRUE, $2)
		ON CONFLICT (id) DO UPDATE SET locked = TRUE, locked_at = EXCLUDED.locked_at
		WHERE migrations.locked = FALSE OR migrations.locked_at < $3
		RETURNING 1
	`, models.MigrationLockID, now, staleBefore)
}

func (s *Store) ReleaseMigrationLock(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE migrations SET locked = FALSE WHERE id = $1`, models.MigrationLockID)
	return err
}

func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRow(ctx, `SELECT version FROM migrations WHERE id = $1`, models.MigrationVersionID).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *Store) SetMigrationVersion(ctx context.Context, version int, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO migrations (id, version, migrated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, migrated_at = EXCLUDED.migrated_at
	`, models.MigrationVersionID, version, at)
	return err
}

// ===== Lifecycle =====

// EnsureIndexes creates the tables and indexes when missing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	logger.System("Esquema verificado", "PG")
	return nil
}

func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := s.db.Ping(ctx)
	return time.Since(start), err
}

func (s *Store) Close(context.Context) error {
	s.db.Close()
	logger.Warn("Pool de PostgreSQL cerrado", "PG")
	return nil
}
