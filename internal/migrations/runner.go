// Package migrations brings the store up to the current schema version once
// per deployment, guarded by a lock document shared by all instances.
package migrations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

// DefaultLockTTL is how long a held lock is honoured before it is taken over.
const DefaultLockTTL = 5 * time.Minute

// Migration is one versioned step.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context) error
}

// Outcome reports what a run did.
type Outcome struct {
	Skipped bool
	From    int
	Version int
	Applied []int
}

// Runner applies migrations in ascending version order.
type Runner struct {
	store      store.MigrationStore
	migrations []Migration
	lockTTL    time.Duration
	now        func() time.Time
}

// NewRunner sorts the migrations and rejects duplicate or non-positive versions.
func NewRunner(s store.MigrationStore, lockTTL time.Duration, now func() time.Time, migrations ...Migration) (*Runner, error) {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", m.Name)
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, fmt.Errorf("duplicate migration version %d", m.Version)
		}
		if m.Up == nil {
			return nil, fmt.Errorf("migration v%d has no Up step", m.Version)
		}
	}
	return &Runner{store: s, migrations: sorted, lockTTL: lockTTL, now: now}, nil
}

// Latest returns the highest registered version.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

// Run applies pending migrations. When another instance holds the lock the
// run is skipped without error. The lock is always released before a
// migration error is returned.
func (r *Runner) Run(ctx context.Context) (out Outcome, err error) {
	now := r.now()
	ok, err := r.store.AcquireMigrationLock(ctx, now, now.Add(-r.lockTTL))
	if err != nil {
		return out, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !ok {
		logger.Info("Migración en curso en otra instancia, omitiendo", "Migrations")
		out.Skipped = true
		version, verr := r.store.MigrationVersion(ctx)
		if verr != nil {
			logger.Warn(fmt.Sprintf("No se pudo leer la versión de migración: %v", verr), "Migrations")
		}
		out.Version = version
		return out, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := r.store.ReleaseMigrationLock(releaseCtx); rerr != nil {
			logger.Error(fmt.Sprintf("No se pudo liberar el lock de migración: %v", rerr), "Migrations")
			if err == nil {
				err = fmt.Errorf("release migration lock: %w", rerr)
			}
		}
	}()

	version, err := r.store.MigrationVersion(ctx)
	if err != nil {
		return out, fmt.Errorf("read migration version: %w", err)
	}
	out.From, out.Version = version, version

	for _, m := range r.migrations {
		if m.Version <= version {
			continue
		}
		logger.System(fmt.Sprintf("Aplicando migración v%d (%s)", m.Version, m.Name), "Migrations")
		start := time.Now()
		if err := m.Up(ctx); err != nil {
			logger.Critical(fmt.Sprintf("Migración v%d falló: %v", m.Version, err), "Migrations")
			return out, fmt.Errorf("migration v%d %s: %w", m.Version, m.Name, err)
		}
		if err := r.store.SetMigrationVersion(ctx, m.Version, r.now()); err != nil {
			return out, fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		out.Version = m.Version
		out.Applied = append(out.Applied, m.Version)
		logger.Success(fmt.Sprintf("Migración v%d completada en %v", m.Version, time.Since(start)), "Migrations")
	}

	metrics.MigrationVersion.Set(float64(out.Version))
	return out, nil
}
