package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestClaimIfExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	key := models.DigKey(1, -100)
	cooldown := 4 * time.Hour

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"missing row is claimed", t0, true},
		{"inside cooldown", t0.Add(time.Hour), false},
		{"exactly at expiry", t0.Add(cooldown), false},
		{"after expiry", t0.Add(cooldown + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ClaimIfExpired(ctx, key, tt.now, tt.now.Add(-cooldown), "req")
			if err != nil {
				t.Fatalf("ClaimIfExpired() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ClaimIfExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaimIfExpiredIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	key := models.BoxKey(7)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.ClaimIfExpired(ctx, key, t0, t0.Add(-time.Hour), "")
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted = %d, want 1", granted)
	}
}

func TestInjectClaimConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.InjectClaimConflicts(1)

	key := models.DigKey(1, 1)
	if _, err := m.ClaimIfExpired(ctx, key, t0, t0, ""); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("first call error = %v, want ErrDuplicateKey", err)
	}
	if ok, err := m.ClaimIfExpired(ctx, key, t0, t0, ""); err != nil || !ok {
		t.Fatalf("second call = %v, %v; want granted", ok, err)
	}
}

func TestBoxTokenConsumedOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if _, err := m.ClaimIfExpired(ctx, models.BoxKey(9), t0, t0, ""); err != nil {
		t.Fatal(err)
	}
	mapping := map[string]models.BoxOutcome{"a": models.OutcomeWin, "b": models.OutcomeLose}
	if err := m.SaveBoxMapping(ctx, 9, mapping); err != nil {
		t.Fatal(err)
	}

	outcome, ok, err := m.ConsumeBoxToken(ctx, 9, "b", t0)
	if err != nil || !ok || outcome != models.OutcomeLose {
		t.Fatalf("ConsumeBoxToken() = %v, %v, %v; want lose", outcome, ok, err)
	}
	if _, ok, _ := m.ConsumeBoxToken(ctx, 9, "a", t0); ok {
		t.Error("second token of the same box should not open")
	}
}

func TestIncrementBalanceConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.IncrementBalance(ctx, models.BalanceIncrement{ChatID: -5, UserID: 3, Delta: 1, At: t0}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	b, _ := m.GetBalance(ctx, -5, 3)
	if b == nil || b.Points != n {
		t.Fatalf("balance = %+v, want %d points", b, n)
	}
}

func TestChatRank(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for user, pts := range map[int64]int64{1: 10, 2: 30, 3: 20} {
		_ = m.SetBalance(ctx, models.ChatBalance{ChatID: 1, UserID: user, Points: pts})
	}
	_ = m.SetBalance(ctx, models.ChatBalance{ChatID: 2, UserID: 1, Points: 999})

	pos, total, err := m.ChatRank(ctx, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 2 || total != 3 {
		t.Errorf("ChatRank() = %d/%d, want 2/3", pos, total)
	}
	if pos, _, _ := m.ChatRank(ctx, 1, 42); pos != 0 {
		t.Errorf("missing user position = %d, want 0", pos)
	}
}

func TestFold(t *testing.T) {
	rows := []models.ChatBalance{
		{ChatID: 1, UserID: 1, Points: 5, DisplayName: "old", UpdatedAt: t0},
		{ChatID: 2, UserID: 1, Points: -2, DisplayName: "new", UpdatedAt: t0.Add(time.Minute)},
		{ChatID: 1, UserID: 2, Points: -7, DisplayName: "neg", UpdatedAt: t0},
		{ChatID: 3, UserID: 2, Points: -3, UpdatedAt: t0.Add(-time.Minute)},
	}

	maxed := Fold(rows, ReducerMax, 0)
	if len(maxed) != 2 || maxed[0].UserID != 1 || maxed[0].BestPoints != 5 || maxed[1].BestPoints != -3 {
		t.Errorf("max fold = %+v", maxed)
	}
	if maxed[0].DisplayName != "new" {
		t.Errorf("display name = %q, want most recent", maxed[0].DisplayName)
	}

	summed := Fold(rows, ReducerSum, 1)
	if len(summed) != 1 || summed[0].UserID != 1 || summed[0].BestPoints != 3 {
		t.Errorf("sum fold = %+v", summed)
	}
}

func TestRedeemPromoConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreatePromo(ctx, models.PromoCode{Code: "X", Reward: 5, MaxUses: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreatePromo(ctx, models.PromoCode{Code: "X"}); !errors.Is(err, ErrPromoExists) {
		t.Errorf("duplicate CreatePromo() error = %v, want ErrPromoExists", err)
	}

	if ok, _ := m.RedeemPromo(ctx, "X", 1, t0); !ok {
		t.Fatal("first redemption should match")
	}
	if ok, _ := m.RedeemPromo(ctx, "X", 2, t0); ok {
		t.Error("exhausted code should not match")
	}

	removed, _ := m.DeleteExhaustedPromos(ctx)
	if removed != 1 {
		t.Errorf("DeleteExhaustedPromos() = %d, want 1", removed)
	}

	m.DisableConditionalRedeem()
	if _, err := m.RedeemPromo(ctx, "X", 3, t0); !errors.Is(err, ErrFilterUnsupported) {
		t.Errorf("error = %v, want ErrFilterUnsupported", err)
	}
}

func TestMaxAggregate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_ = m.MaxAggregate(ctx, 1, 10, "a", t0)
	_ = m.MaxAggregate(ctx, 1, 4, "b", t0)
	s, _ := m.GetAggregate(ctx, 1)
	if s.BestPoints != 10 || s.DisplayName != "b" {
		t.Errorf("aggregate = %+v, want 10 points with latest name", s)
	}

	_ = m.MaxAggregate(ctx, 2, -5, "neg", t0)
	top, _ := m.TopAggregates(ctx, 10)
	if len(top) != 2 || top[1].BestPoints != -5 {
		t.Errorf("TopAggregates() = %+v", top)
	}
}

func TestMigrationLock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if ok, _ := m.AcquireMigrationLock(ctx, t0, t0.Add(-5*time.Minute)); !ok {
		t.Fatal("free lock should be acquired")
	}
	if ok, _ := m.AcquireMigrationLock(ctx, t0.Add(time.Minute), t0.Add(-4*time.Minute)); ok {
		t.Error("held lock should not be acquired")
	}
	if ok, _ := m.AcquireMigrationLock(ctx, t0.Add(6*time.Minute), t0.Add(time.Minute)); !ok {
		t.Error("stale lock should be taken over")
	}
	_ = m.ReleaseMigrationLock(ctx)
	if ok, _ := m.AcquireMigrationLock(ctx, t0.Add(7*time.Minute), t0.Add(2*time.Minute)); !ok {
		t.Error("released lock should be acquired")
	}
}
