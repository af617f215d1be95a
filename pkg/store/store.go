// Package store defines the persistence contract of the economy core.
// Every method is a single atomic operation on the backend; the engines build
// their guarantees on top of these primitives and nothing else.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// Collection names shared by the backends.
const (
	CollectionCooldowns   = "cooldowns"
	CollectionBalances    = "chat_balances"
	CollectionPromos      = "promocodes"
	CollectionGlobalStats = "global_stats"
	CollectionMigrations  = "migrations"
)

var (
	// ErrDuplicateKey is returned when a first write races another first write.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrFilterUnsupported is returned when the backend cannot evaluate the
	// conditional promo filter in a single operation.
	ErrFilterUnsupported = errors.New("store: conditional filter not supported")
	// ErrPromoExists is returned by CreatePromo for a taken code.
	ErrPromoExists = errors.New("store: promo code already exists")
	// ErrNotFound is returned by updates that target a missing row.
	ErrNotFound = errors.New("store: not found")
)

// Reducer folds many chat balances of one user into one value.
type Reducer string

const (
	ReducerMax Reducer = "max"
	ReducerSum Reducer = "sum"
)

// CooldownStore persists cooldown claims.
type CooldownStore interface {
	// ClaimIfExpired sets claimed_at=now, locked=true and the request id when the
	// row is missing or claimed_at < cutoff. It reports whether it matched.
	ClaimIfExpired(ctx context.Context, key models.ClaimKey, now, cutoff time.Time, requestID string) (bool, error)
	// GetClaim returns nil without error when the row does not exist.
	GetClaim(ctx context.Context, key models.ClaimKey) (*models.Claim, error)
	FinishClaim(ctx context.Context, key models.ClaimKey, delta int64) error
	ReleaseClaim(ctx context.Context, key models.ClaimKey) error
	DeleteClaims(ctx context.Context, userID int64) (int64, error)
	SaveBoxMapping(ctx context.Context, userID int64, mapping map[string]models.BoxOutcome) error
	// ConsumeBoxToken removes the whole box mapping when token is part of it and
	// returns the outcome behind the token.
	ConsumeBoxToken(ctx context.Context, userID int64, token string, now time.Time) (models.BoxOutcome, bool, error)
}

// BalanceStore persists per-chat balances.
type BalanceStore interface {
	// IncrementBalance upserts the row and returns the balance after the increment.
	IncrementBalance(ctx context.Context, inc models.BalanceIncrement) (int64, error)
	SetBalance(ctx context.Context, rec models.ChatBalance) error
	// GetBalance returns nil without error when the row does not exist.
	GetBalance(ctx context.Context, chatID, userID int64) (*models.ChatBalance, error)
	UserBalances(ctx context.Context, userID int64) ([]models.ChatBalance, error)
	// ChatRank returns the 1-based position of the user inside the chat and the
	// number of participants. Position is 0 when the user has no row.
	ChatRank(ctx context.Context, chatID, userID int64) (int64, int64, error)
	// FoldBalances groups every balance by user with the reducer, ordered by
	// value descending. limit <= 0 means no limit.
	FoldBalances(ctx context.Context, reducer Reducer, limit int) ([]models.GlobalStat, error)
	ChatStats(ctx context.Context) (models.ChatStats, error)
}

// PromoStore persists promo codes.
type PromoStore interface {
	CreatePromo(ctx context.Context, promo models.PromoCode) error
	// GetPromo returns nil without error when the code does not exist.
	GetPromo(ctx context.Context, code string) (*models.PromoCode, error)
	// RedeemPromo adds used_by[user]=now only when the code exists, the user is
	// not in used_by and the code is not exhausted. Backends that cannot
	// express the filter return ErrFilterUnsupported.
	RedeemPromo(ctx context.Context, code string, userID int64, now time.Time) (bool, error)
	MarkPromoUsed(ctx context.Context, code string, userID int64, now time.Time) error
	UnmarkPromoUse(ctx context.Context, code string, userID int64) error
	ListPromos(ctx context.Context) ([]models.PromoCode, error)
	DeleteExhaustedPromos(ctx context.Context) (int64, error)
}

// AggregateStore persists the derived leaderboard.
type AggregateStore interface {
	// MaxAggregate raises best_points to value when it is higher (or the row is
	// new) and always refreshes the display name.
	MaxAggregate(ctx context.Context, userID, value int64, displayName string, now time.Time) error
	TopAggregates(ctx context.Context, n int) ([]models.GlobalStat, error)
	GetAggregate(ctx context.Context, userID int64) (*models.GlobalStat, error)
	CountAggregates(ctx context.Context) (int64, error)
	ClearAggregates(ctx context.Context) error
	// MergeAggregates writes a batch with the same max semantics as MaxAggregate,
	// so rows raised by concurrent propagation are kept when higher.
	MergeAggregates(ctx context.Context, stats []models.GlobalStat) error
}

// MigrationStore persists the migration lock and version documents.
type MigrationStore interface {
	// AcquireMigrationLock takes the lock when it is free or was taken before staleBefore.
	AcquireMigrationLock(ctx context.Context, now, staleBefore time.Time) (bool, error)
	ReleaseMigrationLock(ctx context.Context) error
	MigrationVersion(ctx context.Context) (int, error)
	SetMigrationVersion(ctx context.Context, version int, at time.Time) error
}

// Store is the full backend used by the service.
type Store interface {
	CooldownStore
	BalanceStore
	PromoStore
	AggregateStore
	MigrationStore

	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) (time.Duration, error)
	Close(ctx context.Context) error
}
