// Package ledger applies atomic changes to per-chat point balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

var (
	ErrInvalidIdentifier = errors.New("ledger: invalid identifier")
	ErrZeroAmount        = errors.New("ledger: amount must not be zero")
	ErrNoBalances        = errors.New("ledger: user has no balances")
	ErrNotInChat         = errors.New("ledger: user has no balance in chat")
)

const maxAttempts = 3

// Ledger wraps the balance store.
type Ledger struct {
	store store.BalanceStore
	now   func() time.Time
}

// New creates a Ledger. now defaults to the UTC wall clock.
func New(s store.BalanceStore, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{store: s, now: now}
}

func validIDs(chatID, userID int64) error {
	if chatID == 0 || userID == 0 {
		return fmt.Errorf("%w: chat=%d user=%d", ErrInvalidIdentifier, chatID, userID)
	}
	return nil
}

// Increment adds delta to the balance in one atomic operation and returns the
// resulting balance. The row is created on first use.
func (l *Ledger) Increment(ctx context.Context, chatID, userID, delta int64, displayName string) (int64, error) {
	return l.Apply(ctx, models.BalanceIncrement{ChatID: chatID, UserID: userID, Delta: delta, DisplayName: displayName})
}

// Apply is Increment with the full set of fields, including the last action kind.
func (l *Ledger) Apply(ctx context.Context, inc models.BalanceIncrement) (int64, error) {
	if err := validIDs(inc.ChatID, inc.UserID); err != nil {
		return 0, err
	}
	inc.At = l.now()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var balance int64
		balance, err = l.store.IncrementBalance(ctx, inc)
		if err == nil {
			return balance, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) || attempt == maxAttempts {
			break
		}
		if serr := sleep(ctx, time.Duration(attempt)*10*time.Millisecond); serr != nil {
			return 0, serr
		}
	}
	return 0, fmt.Errorf("increment %d in chat %d: %w", inc.UserID, inc.ChatID, err)
}

// SetRecord replaces the stored record; the last writer wins.
func (l *Ledger) SetRecord(ctx context.Context, rec models.ChatBalance) error {
	if err := validIDs(rec.ChatID, rec.UserID); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = l.now()
	}
	if err := l.store.SetBalance(ctx, rec); err != nil {
		return fmt.Errorf("set record %d in chat %d: %w", rec.UserID, rec.ChatID, err)
	}
	return nil
}

// Get returns the user's record in the chat, or nil when there is none.
func (l *Ledger) Get(ctx context.Context, chatID, userID int64) (*models.ChatBalance, error) {
	if err := validIDs(chatID, userID); err != nil {
		return nil, err
	}
	b, err := l.store.GetBalance(ctx, chatID, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance %d in chat %d: %w", userID, chatID, err)
	}
	return b, nil
}

// Balances returns every chat record of the user.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]models.ChatBalance, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: user=0", ErrInvalidIdentifier)
	}
	rows, err := l.store.UserBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances of %d: %w", userID, err)
	}
	return rows, nil
}

// Rank returns the user's 1-based position in the chat and the chat size.
func (l *Ledger) Rank(ctx context.Context, chatID, userID int64) (int64, int64, error) {
	if err := validIDs(chatID, userID); err != nil {
		return 0, 0, err
	}
	pos, total, err := l.store.ChatRank(ctx, chatID, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("rank %d in chat %d: %w", userID, chatID, err)
	}
	return pos, total, nil
}

// Credit is one applied admin grant.
type Credit struct {
	ChatID      int64  `json:"chat_id"`
	Balance     int64  `json:"balance"`
	DisplayName string `json:"display_name"`
}

// Give grants delta to the user in chatID. The user must already play there.
func (l *Ledger) Give(ctx context.Context, chatID, userID, delta int64) (Credit, error) {
	if delta == 0 {
		return Credit{}, ErrZeroAmount
	}
	cur, err := l.Get(ctx, chatID, userID)
	if err != nil {
		return Credit{}, err
	}
	if cur == nil {
		return Credit{}, fmt.Errorf("%w: user=%d chat=%d", ErrNotInChat, userID, chatID)
	}
	bal, err := l.Increment(ctx, chatID, userID, delta, cur.DisplayName)
	if err != nil {
		return Credit{}, err
	}
	return Credit{ChatID: chatID, Balance: bal, DisplayName: cur.DisplayName}, nil
}

// GiveAll grants delta in every chat where the user has a record. Each chat is
// an independent increment; a failure stops the loop and returns what was applied.
func (l *Ledger) GiveAll(ctx context.Context, userID, delta int64) ([]Credit, error) {
	if delta == 0 {
		return nil, ErrZeroAmount
	}
	rows, err := l.Balances(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: user=%d", ErrNoBalances, userID)
	}

	credits := make([]Credit, 0, len(rows))
	for _, row := range rows {
		bal, err := l.Increment(ctx, row.ChatID, userID, delta, row.DisplayName)
		if err != nil {
			return credits, err
		}
		credits = append(credits, Credit{ChatID: row.ChatID, Balance: bal, DisplayName: row.DisplayName})
	}
	return credits, nil
}

// Stats summarises participation across chats.
func (l *Ledger) Stats(ctx context.Context) (models.ChatStats, error) {
	st, err := l.store.ChatStats(ctx)
	if err != nil {
		return models.ChatStats{}, fmt.Errorf("chat stats: %w", err)
	}
	return st, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
