// Package aggregate maintains the global leaderboard derived from chat balances.
//
// The canonical value of a user is the best balance across all chats. Updates
// are propagated asynchronously and may be lost; Rebuild recomputes the whole
// leaderboard from the balances.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

const (
	// RebuildBatchSize is the number of rows per insert during Rebuild.
	RebuildBatchSize = 100
	DefaultTopN      = 10
	MaxTopN          = 100
)

// Options tunes an Aggregator.
type Options struct {
	QueueSize int
	Workers   int
	Now       func() time.Time
}

// Aggregator owns the global_stats collection.
type Aggregator struct {
	balances store.BalanceStore
	stats    store.AggregateStore
	prop     *Propagator
	now      func() time.Time

	rebuildMu sync.Mutex
	stale     atomic.Bool
}

// New creates an Aggregator and starts its propagation workers.
func New(balances store.BalanceStore, stats store.AggregateStore, opts Options) *Aggregator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	a := &Aggregator{balances: balances, stats: stats, now: opts.Now}
	a.prop = NewPropagator(opts.QueueSize, opts.Workers, a.apply)
	return a
}

func (a *Aggregator) apply(ctx context.Context, job Job) error {
	return a.stats.MaxAggregate(ctx, job.UserID, job.Value, job.DisplayName, a.now())
}

// Propagate schedules a raise of the user's aggregate to chatBalance. It never
// blocks and never fails the caller; dropped jobs are logged and counted.
func (a *Aggregator) Propagate(userID, chatBalance int64, displayName string) {
	err := a.prop.Submit(Job{UserID: userID, Value: chatBalance, DisplayName: displayName})
	if err != nil {
		metrics.AggregateJobs.WithLabelValues("dropped").Inc()
		logger.WithFields(logger.Fields{"user": userID, "value": chatBalance}).
			Warn("Propagación descartada: "+err.Error(), "Aggregate")
	}
}

// QueueLen returns the number of pending propagation jobs.
func (a *Aggregator) QueueLen() int {
	return a.prop.Len()
}

// Close drains pending propagations.
func (a *Aggregator) Close(ctx context.Context) error {
	return a.prop.Close(ctx)
}

// Stale reports whether a rebuild is in progress.
func (a *Aggregator) Stale() bool {
	return a.stale.Load()
}

// TopN returns the n best users. While the aggregate is empty or being
// rebuilt the ranking is folded from the balances instead.
func (a *Aggregator) TopN(ctx context.Context, n int) ([]models.GlobalStat, error) {
	if n <= 0 {
		n = DefaultTopN
	}
	if n > MaxTopN {
		n = MaxTopN
	}

	if !a.stale.Load() {
		count, err := a.stats.CountAggregates(ctx)
		if err != nil {
			return nil, fmt.Errorf("count aggregates: %w", err)
		}
		if count > 0 {
			top, err := a.stats.TopAggregates(ctx, n)
			if err != nil {
				return nil, fmt.Errorf("top aggregates: %w", err)
			}
			return top, nil
		}
	}

	top, err := a.balances.FoldBalances(ctx, store.ReducerMax, n)
	if err != nil {
		return nil, fmt.Errorf("fold balances: %w", err)
	}
	return top, nil
}

// Rebuild replaces the aggregate with the max fold of all balances and
// returns the number of users written. Concurrent calls run one at a time.
func (a *Aggregator) Rebuild(ctx context.Context) (int, error) {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	a.stale.Store(true)
	defer a.stale.Store(false)

	start := time.Now()
	n, err := a.rebuild(ctx)
	if err != nil {
		metrics.AggregateRebuilds.WithLabelValues("failed").Inc()
		return n, err
	}
	metrics.AggregateRebuilds.WithLabelValues("ok").Inc()
	logger.Success(fmt.Sprintf("Agregado global reconstruido: %d usuarios en %v", n, time.Since(start)), "Aggregate")
	return n, nil
}

func (a *Aggregator) rebuild(ctx context.Context) (int, error) {
	rows, err := a.balances.FoldBalances(ctx, store.ReducerMax, 0)
	if err != nil {
		return 0, fmt.Errorf("fold balances: %w", err)
	}
	if err := a.stats.ClearAggregates(ctx); err != nil {
		return 0, fmt.Errorf("clear aggregates: %w", err)
	}

	now := a.now()
	written := 0
	for start := 0; start < len(rows); start += RebuildBatchSize {
		end := start + RebuildBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		for i := range batch {
			batch[i].UpdatedAt = now
		}
		if err := a.stats.MergeAggregates(ctx, batch); err != nil {
			return written, fmt.Errorf("write aggregates %d-%d: %w", start, end, err)
		}
		written += len(batch)
	}
	return written, nil
}

// SeedIfEmpty rebuilds only when the aggregate has no rows.
func (a *Aggregator) SeedIfEmpty(ctx context.Context) (int, error) {
	count, err := a.stats.CountAggregates(ctx)
	if err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	if count > 0 {
		return 0, nil
	}
	return a.Rebuild(ctx)
}

// Summary folds every chat balance of the user for the admin view.
func (a *Aggregator) Summary(ctx context.Context, userID int64) (models.UserSummary, error) {
	rows, err := a.balances.UserBalances(ctx, userID)
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("list balances of %d: %w", userID, err)
	}
	s := models.UserSummary{UserID: userID, Chats: int64(len(rows))}
	var latest time.Time
	for i, r := range rows {
		s.Total += r.Points
		if i == 0 || r.Points > s.Best {
			s.Best = r.Points
		}
		if i == 0 || r.UpdatedAt.After(latest) {
			latest = r.UpdatedAt
			s.DisplayName = r.DisplayName
		}
	}
	return s, nil
}

// Count returns the number of users on the leaderboard.
func (a *Aggregator) Count(ctx context.Context) (int64, error) {
	n, err := a.stats.CountAggregates(ctx)
	if err != nil {
		return 0, fmt.Errorf("count aggregates: %w", err)
	}
	return n, nil
}

// Best returns the user's leaderboard row, or nil.
func (a *Aggregator) Best(ctx context.Context, userID int64) (*models.GlobalStat, error) {
	st, err := a.stats.GetAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read aggregate of %d: %w", userID, err)
	}
	return st, nil
}
