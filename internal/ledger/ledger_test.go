package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

func TestConcurrentIncrements(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Increment(ctx, -10, 7, 1, "digger"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	b, err := l.Get(ctx, -10, 7)
	if err != nil {
		t.Fatal(err)
	}
	if b.Points != n {
		t.Errorf("Points = %d, want %d", b.Points, n)
	}
}

func TestIncrementReturnsNewBalance(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	steps := []struct {
		delta int64
		want  int64
	}{
		{3, 3},
		{-5, -2},
		{40, 38},
	}
	for _, s := range steps {
		got, err := l.Increment(ctx, 1, 2, s.delta, "name")
		if err != nil {
			t.Fatal(err)
		}
		if got != s.want {
			t.Errorf("Increment(%d) = %d, want %d", s.delta, got, s.want)
		}
	}
}

func TestInvalidIdentifiers(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := l.Increment(ctx, 0, 1, 1, ""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("chat 0: error = %v", err)
	}
	if _, err := l.Increment(ctx, 1, 0, 1, ""); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("user 0: error = %v", err)
	}
	if err := l.SetRecord(ctx, models.ChatBalance{ChatID: 1}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("SetRecord: error = %v", err)
	}
}

func TestSetRecordLastWriterWins(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	_, _ = l.Increment(ctx, 1, 2, 10, "a")
	if err := l.SetRecord(ctx, models.ChatBalance{ChatID: 1, UserID: 2, Points: 4, DisplayName: "b", LastAction: models.ActionSuper}); err != nil {
		t.Fatal(err)
	}
	b, _ := l.Get(ctx, 1, 2)
	if b.Points != 4 || b.DisplayName != "b" || b.LastAction != models.ActionSuper {
		t.Errorf("record = %+v", b)
	}
}

func TestGive(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := l.Give(ctx, 1, 2, 0); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero amount: error = %v", err)
	}
	if _, err := l.Give(ctx, 1, 2, 5); !errors.Is(err, ErrNotInChat) {
		t.Errorf("missing user: error = %v", err)
	}

	_, _ = l.Increment(ctx, 1, 2, 1, "p")
	c, err := l.Give(ctx, 1, 2, -4)
	if err != nil {
		t.Fatal(err)
	}
	if c.Balance != -3 {
		t.Errorf("Balance = %d, want -3", c.Balance)
	}
}

func TestGiveAll(t *testing.T) {
	l := New(store.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := l.GiveAll(ctx, 9, 5); !errors.Is(err, ErrNoBalances) {
		t.Errorf("no balances: error = %v", err)
	}

	_, _ = l.Increment(ctx, -1, 9, 1, "p")
	_, _ = l.Increment(ctx, -2, 9, 2, "p")
	_, _ = l.Increment(ctx, -2, 10, 2, "other")

	credits, err := l.GiveAll(ctx, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 2 {
		t.Fatalf("credits = %+v, want 2 chats", credits)
	}
	want := map[int64]int64{-1: 6, -2: 7}
	for _, c := range credits {
		if want[c.ChatID] != c.Balance {
			t.Errorf("chat %d balance = %d, want %d", c.ChatID, c.Balance, want[c.ChatID])
		}
	}
	if b, _ := l.Get(ctx, -2, 10); b.Points != 2 {
		t.Error("other users must not be credited")
	}
}

type flakyStore struct {
	*store.MemoryStore
	failures int
}

func (f *flakyStore) IncrementBalance(ctx context.Context, inc models.BalanceIncrement) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, store.ErrDuplicateKey
	}
	return f.MemoryStore.IncrementBalance(ctx, inc)
}

func TestIncrementRetriesFirstWriteRace(t *testing.T) {
	s := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	l := New(s, nil)

	got, err := l.Increment(context.Background(), 1, 1, 4, "")
	if err != nil || got != 4 {
		t.Fatalf("Increment() = %d, %v; want 4", got, err)
	}

	s.failures = 3
	if _, err := l.Increment(context.Background(), 1, 1, 4, ""); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("error = %v, want ErrDuplicateKey after exhausting retries", err)
	}
}

func TestIncrementRetryStopsOnCancel(t *testing.T) {
	s := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	l := New(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Increment(ctx, 1, 1, 4, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if b, _ := s.GetBalance(context.Background(), 1, 1); b != nil {
		t.Errorf("balance written after cancel: %+v", b)
	}
}
