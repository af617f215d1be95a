// Package cooldown implements the time-gated claim protocol for dig and box actions.
//
// A claim is granted by a single conditional update in the store that matches
// only a missing or expired row. A caller repeating its own request within the
// grace window is granted again so a timed-out request can be retried safely.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/keylock"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

var (
	ErrInvalidClaim      = errors.New("cooldown: invalid claim")
	ErrClaimContention   = errors.New("cooldown: claim contention")
	ErrDuplicateInFlight = errors.New("cooldown: duplicate request in flight")
)

// Clock returns the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the UTC wall clock.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Claim is one request for a cooldown-gated action.
type Claim struct {
	Key       models.ClaimKey
	Cooldown  time.Duration
	RequestID string
}

// Decision is the outcome of TryClaim. RetryAfter is zero when unknown.
type Decision struct {
	Granted    bool
	RetryAfter time.Duration
}

// Options tunes an Engine. Zero values take the defaults.
type Options struct {
	Grace   time.Duration
	Retries int
	Backoff time.Duration
	Clock   Clock
	Locks   *keylock.Manager
}

// Engine grants and settles cooldown claims.
type Engine struct {
	store   store.CooldownStore
	grace   time.Duration
	retries int
	backoff time.Duration
	clock   Clock
	locks   *keylock.Manager
}

// NewEngine creates an Engine on top of s.
func NewEngine(s store.CooldownStore, opts Options) *Engine {
	e := &Engine{
		store:   s,
		grace:   opts.Grace,
		retries: opts.Retries,
		backoff: opts.Backoff,
		clock:   opts.Clock,
		locks:   opts.Locks,
	}
	if e.grace == 0 {
		e.grace = 2 * time.Second
	}
	if e.retries <= 0 {
		e.retries = 3
	}
	if e.backoff <= 0 {
		e.backoff = 10 * time.Millisecond
	}
	if e.clock == nil {
		e.clock = SystemClock
	}
	if e.locks == nil {
		e.locks = keylock.New(keylock.DefaultShards)
	}
	return e
}

// Clock returns the engine clock.
func (e *Engine) Clock() Clock { return e.clock }

// Locks returns the in-process lock manager.
func (e *Engine) Locks() *keylock.Manager { return e.locks }

func validate(c Claim) error {
	if c.Key.UserID == 0 || c.Key.Kind == "" || c.Key.Scope == "" || c.Cooldown <= 0 {
		return fmt.Errorf("%w: %s cooldown=%s", ErrInvalidClaim, c.Key, c.Cooldown)
	}
	return nil
}

// TryClaim attempts to start a cooldown window for the claim's key.
func (e *Engine) TryClaim(ctx context.Context, c Claim) (Decision, error) {
	if err := validate(c); err != nil {
		return Decision{}, err
	}
	kind := string(c.Key.Kind)

	for attempt := 1; ; attempt++ {
		now := e.clock.Now()
		ok, err := e.store.ClaimIfExpired(ctx, c.Key, now, now.Add(-c.Cooldown), c.RequestID)
		if errors.Is(err, store.ErrDuplicateKey) {
			if attempt >= e.retries {
				metrics.ClaimsTotal.WithLabelValues(kind, "contention").Inc()
				logger.WithFields(logger.Fields{"key": c.Key.ID(), "attempts": attempt}).
					Error("Claim abandonado tras conflictos de clave duplicada", "Cooldown")
				return Decision{}, ErrClaimContention
			}
			metrics.ClaimRetries.Inc()
			if err := sleep(ctx, time.Duration(attempt)*e.backoff); err != nil {
				return Decision{}, err
			}
			continue
		}
		if err != nil {
			return Decision{}, fmt.Errorf("claim %s: %w", c.Key, err)
		}
		if ok {
			metrics.ClaimsTotal.WithLabelValues(kind, "granted").Inc()
			return Decision{Granted: true}, nil
		}
		return e.inspect(ctx, c, now)
	}
}

// inspect decides a non-matching claim from the stored row.
func (e *Engine) inspect(ctx context.Context, c Claim, now time.Time) (Decision, error) {
	kind := string(c.Key.Kind)
	cur, err := e.store.GetClaim(ctx, c.Key)
	if err != nil {
		return Decision{}, fmt.Errorf("read claim %s: %w", c.Key, err)
	}
	if cur == nil {
		metrics.ClaimsTotal.WithLabelValues(kind, "denied").Inc()
		return Decision{}, nil
	}

	// An empty id never identifies a caller, so it cannot match a claim.
	age := now.Sub(cur.ClaimedAt)
	if cur.Locked && abs(age) < e.grace && c.RequestID != "" && cur.RequestID == c.RequestID {
		metrics.ClaimsTotal.WithLabelValues(kind, "duplicate").Inc()
		return Decision{Granted: true}, nil
	}

	metrics.ClaimsTotal.WithLabelValues(kind, "denied").Inc()
	d := Decision{}
	if remaining := c.Cooldown - age; remaining > 0 {
		d.RetryAfter = remaining
	}
	return d, nil
}

// Finish marks the claim as settled and records the applied delta.
func (e *Engine) Finish(ctx context.Context, key models.ClaimKey, delta int64) error {
	if err := e.store.FinishClaim(ctx, key, delta); err != nil {
		return fmt.Errorf("finish claim %s: %w", key, err)
	}
	return nil
}

// Release clears the lock flag after a failed mutation. The window stays claimed.
func (e *Engine) Release(ctx context.Context, key models.ClaimKey) error {
	if err := e.store.ReleaseClaim(ctx, key); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

// Clear removes every cooldown of the user.
func (e *Engine) Clear(ctx context.Context, userID int64) (int64, error) {
	if userID == 0 {
		return 0, fmt.Errorf("%w: user id is zero", ErrInvalidClaim)
	}
	n, err := e.store.DeleteClaims(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("clear claims of %d: %w", userID, err)
	}
	return n, nil
}

// Get returns the stored row of key, or nil.
func (e *Engine) Get(ctx context.Context, key models.ClaimKey) (*models.Claim, error) {
	c, err := e.store.GetClaim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read claim %s: %w", key, err)
	}
	return c, nil
}

// Mutation is the work guarded by a claim. It returns the delta to record.
type Mutation func(ctx context.Context) (int64, error)

// Run executes claim, mutate and finish for one key. A concurrent Run on the
// same key in this process fails fast with ErrDuplicateInFlight. When mutate
// fails the claim is released and the mutation error returned.
func (e *Engine) Run(ctx context.Context, c Claim, mutate Mutation) (Decision, int64, error) {
	unlock, ok := e.locks.TryLock(c.Key.ID())
	if !ok {
		metrics.ClaimsTotal.WithLabelValues(string(c.Key.Kind), "in_flight").Inc()
		return Decision{}, 0, ErrDuplicateInFlight
	}
	defer unlock()

	d, err := e.TryClaim(ctx, c)
	if err != nil || !d.Granted {
		return d, 0, err
	}

	delta, err := mutate(ctx)
	if err != nil {
		metrics.Releases.Inc()
		if rerr := e.Release(ctx, c.Key); rerr != nil {
			logger.Error(fmt.Sprintf("No se pudo liberar %s: %v", c.Key, rerr), "Cooldown")
		}
		return d, 0, err
	}

	if err := e.Finish(ctx, c.Key, delta); err != nil {
		// The mutation is applied; a row left locked still expires by claimed_at.
		logger.Warn(err.Error(), "Cooldown")
	}
	return d, delta, nil
}

// SaveBoxMapping stores the hidden outcomes of a freshly claimed box.
func (e *Engine) SaveBoxMapping(ctx context.Context, userID int64, mapping map[string]models.BoxOutcome) error {
	if err := e.store.SaveBoxMapping(ctx, userID, mapping); err != nil {
		return fmt.Errorf("save box mapping of %d: %w", userID, err)
	}
	return nil
}

// OpenBox consumes the user's box with token. ok is false when the token is
// unknown or the box was already opened.
func (e *Engine) OpenBox(ctx context.Context, userID int64, token string) (models.BoxOutcome, bool, error) {
	outcome, ok, err := e.store.ConsumeBoxToken(ctx, userID, token, e.clock.Now())
	if err != nil {
		return "", false, fmt.Errorf("open box of %d: %w", userID, err)
	}
	return outcome, ok, nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
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
