package migrations

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/PancyStudios/DiggerBotGo/internal/aggregate"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

func newRunner(t *testing.T, s store.MigrationStore, ms ...Migration) *Runner {
	t.Helper()
	r, err := NewRunner(s, time.Minute, nil, ms...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRunAppliesDefaultHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.SetBalance(ctx, models.ChatBalance{ChatID: 1, UserID: 1, Points: 4})
	_ = s.SetBalance(ctx, models.ChatBalance{ChatID: 2, UserID: 1, Points: 9})

	agg := aggregate.New(s, s, aggregate.Options{})
	defer agg.Close(ctx)

	r := newRunner(t, s, Default(agg)...)
	out, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Applied, []int{1, 2, 3}) || out.Version != 3 {
		t.Errorf("Run() = %+v, want 1..3 applied", out)
	}

	got, _ := s.GetAggregate(ctx, 1)
	if got == nil || got.BestPoints != 9 {
		t.Errorf("aggregate after migration = %+v, want best 9", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.SetBalance(ctx, models.ChatBalance{ChatID: 1, UserID: 1, Points: 4})
	agg := aggregate.New(s, s, aggregate.Options{})
	defer agg.Close(ctx)

	r := newRunner(t, s, Default(agg)...)
	if _, err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	before := s.DataWrites()
	out, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Applied) != 0 || out.Version != 3 {
		t.Errorf("second Run() = %+v, want nothing applied", out)
	}
	if s.DataWrites() != before {
		t.Errorf("second Run() mutated data: %d writes", s.DataWrites()-before)
	}
}

func TestRunOnlyAppliesNewerVersions(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.SetMigrationVersion(ctx, 1, time.Now())

	var ran []int
	step := func(v int) Migration {
		return Migration{Version: v, Name: "step", Up: func(context.Context) error { ran = append(ran, v); return nil }}
	}
	r := newRunner(t, s, step(3), step(1), step(2))
	if _, err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ran, []int{2, 3}) {
		t.Errorf("ran = %v, want [2 3]", ran)
	}
}

func TestRunReleasesLockOnFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	boom := errors.New("boom")

	r := newRunner(t, s,
		Migration{Version: 1, Name: "ok", Up: func(context.Context) error { return nil }},
		Migration{Version: 2, Name: "bad", Up: func(context.Context) error { return boom }},
	)
	out, err := r.Run(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if out.Version != 1 {
		t.Errorf("version after failure = %d, want 1", out.Version)
	}
	if v, _ := s.MigrationVersion(ctx); v != 1 {
		t.Errorf("stored version = %d, want 1", v)
	}

	now := time.Now()
	if ok, _ := s.AcquireMigrationLock(ctx, now, now.Add(-time.Minute)); !ok {
		t.Error("lock should be released after a failed run")
	}
}

func TestConcurrentRunners(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	calls := 0
	step := func(v int) Migration {
		return Migration{Version: v, Name: "step", Up: func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			if v == 1 {
				once.Do(func() { close(entered) })
				<-proceed
			}
			return nil
		}}
	}
	a := newRunner(t, s, step(1), step(2), step(3))
	b := newRunner(t, s, step(1), step(2), step(3))

	var outA Outcome
	var errA error
	done := make(chan struct{})
	go func() {
		outA, errA = a.Run(ctx)
		close(done)
	}()

	<-entered
	outB, errB := b.Run(ctx)
	close(proceed)
	<-done

	if errA != nil || errB != nil {
		t.Fatalf("errors: a=%v b=%v", errA, errB)
	}
	if !outB.Skipped {
		t.Error("second runner should be skipped while the lock is held")
	}
	if !reflect.DeepEqual(outA.Applied, []int{1, 2, 3}) {
		t.Errorf("first runner applied %v, want [1 2 3]", outA.Applied)
	}
	if calls != 3 {
		t.Errorf("migration steps ran %d times, want 3", calls)
	}
	if v, _ := s.MigrationVersion(ctx); v != 3 {
		t.Errorf("final version = %d, want 3", v)
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	old := time.Now().Add(-10 * time.Minute)
	_, _ = s.AcquireMigrationLock(ctx, old, old.Add(-time.Minute))

	r := newRunner(t, s, Migration{Version: 1, Name: "one", Up: func(context.Context) error { return nil }})
	out, err := r.Run(ctx)
	if err != nil || out.Skipped {
		t.Fatalf("Run() = %+v, %v; want the stale lock to be taken over", out, err)
	}
}

type unreadableVersion struct {
	*store.MemoryStore
}

func (unreadableVersion) MigrationVersion(context.Context) (int, error) {
	return 0, errors.New("read timeout")
}

func TestSkippedRunToleratesUnreadableVersion(t *testing.T) {
	ctx := context.Background()
	s := unreadableVersion{store.NewMemoryStore()}
	now := time.Now()
	if ok, _ := s.AcquireMigrationLock(ctx, now, now.Add(-time.Minute)); !ok {
		t.Fatal("could not take the lock")
	}

	r := newRunner(t, s, Migration{Version: 1, Name: "one", Up: func(context.Context) error { return nil }})
	out, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Skipped || out.Version != 0 {
		t.Errorf("Run() = %+v, want skipped at version 0", out)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		ms   []Migration
	}{
		{"duplicate", []Migration{{Version: 1, Up: noop}, {Version: 1, Up: noop}}},
		{"zero version", []Migration{{Version: 0, Up: noop}}},
		{"missing step", []Migration{{Version: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(store.NewMemoryStore(), 0, nil, tt.ms...); err == nil {
				t.Error("NewRunner() should fail")
			}
		})
	}
}
