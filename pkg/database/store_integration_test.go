package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// newTestStore connects to DIGGER_TEST_MONGODB_URI and uses a throwaway database.
func newTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("DIGGER_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("DIGGER_TEST_MONGODB_URI not set")
	}
	ctx := context.Background()
	db := NewDatabase()
	name := fmt.Sprintf("digger_test_%d", time.Now().UnixNano())
	if err := db.Connect(ctx, uri, name); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Client().Database(name).Drop(context.Background())
		_ = db.Disconnect(context.Background())
	})
	s := NewMongoStore(db)
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestMongoClaimWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.DigKey(1, -100)
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	steps := []struct {
		now  time.Time
		want bool
	}{
		{t0, true},
		{t0.Add(time.Hour), false},
		{t0.Add(5 * time.Hour), true},
	}
	for i, st := range steps {
		got, err := s.ClaimIfExpired(ctx, key, st.now, st.now.Add(-4*time.Hour), "req")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != st.want {
			t.Errorf("step %d: ClaimIfExpired() = %v, want %v", i, got, st.want)
		}
	}
}

func TestMongoIncrementAndRedeem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if _, err := s.IncrementBalance(ctx, models.BalanceIncrement{ChatID: 1, UserID: 2, Delta: 2, At: now}); err != nil {
			t.Fatal(err)
		}
	}
	b, err := s.GetBalance(ctx, 1, 2)
	if err != nil || b == nil || b.Points != 6 {
		t.Fatalf("GetBalance() = %+v, %v; want 6 points", b, err)
	}

	if err := s.CreatePromo(ctx, models.PromoCode{Code: "ONE", Reward: 5, MaxUses: 1, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.RedeemPromo(ctx, "ONE", 1, now); err != nil || !ok {
		t.Fatalf("first redeem = %v, %v", ok, err)
	}
	if ok, _ := s.RedeemPromo(ctx, "ONE", 2, now); ok {
		t.Error("exhausted code redeemed twice")
	}
}
