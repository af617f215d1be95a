// Package promo redeems admin-created reward codes at most once per user and
// within the code's total use bound.
package promo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/metrics"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
)

// Kind classifies a redemption attempt.
type Kind string

const (
	KindSuccess     Kind = "success"
	KindNotFound    Kind = "not_found"
	KindAlreadyUsed Kind = "already_used"
	KindExhausted   Kind = "exhausted"
	KindInvalid     Kind = "invalid"
)

var (
	ErrCodeExists     = errors.New("promo: code already exists")
	ErrZeroAmount     = errors.New("promo: reward must not be zero")
	ErrInvalidMaxUses = errors.New("promo: max uses must be positive or -1")
	ErrNotFound       = errors.New("promo: code not found")
)

// Result is the outcome of Redeem. Reward is set only on success.
type Result struct {
	Kind   Kind  `json:"kind"`
	Reward int64 `json:"reward,omitempty"`
}

// Engine redeems and administers promo codes.
type Engine struct {
	store store.PromoStore
	now   func() time.Time
}

// New creates an Engine. now defaults to the UTC wall clock.
func New(s store.PromoStore, now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{store: s, now: now}
}

// Normalize trims the code; codes are case sensitive.
func Normalize(code string) string {
	return strings.TrimSpace(code)
}

// Redeem records the user's use of code. The conditional update is tried
// first; backends that cannot express it fall back to read-check-write.
func (e *Engine) Redeem(ctx context.Context, code string, userID int64) (Result, error) {
	code = Normalize(code)
	if code == "" || userID == 0 {
		metrics.PromoRedemptions.WithLabelValues(string(KindInvalid)).Inc()
		return Result{Kind: KindInvalid}, nil
	}

	ok, err := e.store.RedeemPromo(ctx, code, userID, e.now())
	if errors.Is(err, store.ErrFilterUnsupported) {
		metrics.PromoFallbacks.Inc()
		return e.redeemFallback(ctx, code, userID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("redeem %q: %w", code, err)
	}

	p, err := e.store.GetPromo(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("read promo %q: %w", code, err)
	}
	if ok {
		if p == nil {
			// Deleted between the update and the read; the use was recorded.
			return Result{}, fmt.Errorf("%w: %q vanished after redemption", ErrNotFound, code)
		}
		return e.result(Result{Kind: KindSuccess, Reward: p.Reward}), nil
	}
	return e.result(classify(p, userID)), nil
}

// redeemFallback is not atomic: two concurrent callers may both pass the
// checks before either write lands.
func (e *Engine) redeemFallback(ctx context.Context, code string, userID int64) (Result, error) {
	p, err := e.store.GetPromo(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("read promo %q: %w", code, err)
	}
	if r := classify(p, userID); r.Kind != KindSuccess {
		return e.result(r), nil
	}
	if err := e.store.MarkPromoUsed(ctx, code, userID, e.now()); err != nil {
		return Result{}, fmt.Errorf("mark promo %q used: %w", code, err)
	}
	return e.result(Result{Kind: KindSuccess, Reward: p.Reward}), nil
}

// classify explains why a redemption would not match. A code that would
// match is reported as success.
func classify(p *models.PromoCode, userID int64) Result {
	switch {
	case p == nil:
		return Result{Kind: KindNotFound}
	case p.HasUsed(userID):
		return Result{Kind: KindAlreadyUsed}
	case p.Exhausted():
		return Result{Kind: KindExhausted}
	default:
		return Result{Kind: KindSuccess, Reward: p.Reward}
	}
}

func (e *Engine) result(r Result) Result {
	metrics.PromoRedemptions.WithLabelValues(string(r.Kind)).Inc()
	return r
}

// Undo removes the user's use of code. Used when crediting the reward fails.
func (e *Engine) Undo(ctx context.Context, code string, userID int64) error {
	if err := e.store.UnmarkPromoUse(ctx, Normalize(code), userID); err != nil {
		return fmt.Errorf("undo promo %q for %d: %w", code, userID, err)
	}
	logger.Warn(fmt.Sprintf("Uso del código %s revertido para %d", code, userID), "Promo")
	return nil
}

// Create stores a new code. An empty code gets a random one.
func (e *Engine) Create(ctx context.Context, code string, reward int64, maxUses int, createdBy int64) (*models.PromoCode, error) {
	if reward == 0 {
		return nil, ErrZeroAmount
	}
	if maxUses == 0 || maxUses < models.UnlimitedUses {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxUses, maxUses)
	}
	code = Normalize(code)
	if code == "" {
		var err error
		if code, err = GenerateCode(); err != nil {
			return nil, err
		}
	}

	p := models.PromoCode{
		Code:      code,
		Reward:    reward,
		MaxUses:   maxUses,
		UsedBy:    map[string]time.Time{},
		CreatedAt: e.now(),
		CreatedBy: createdBy,
	}
	if err := e.store.CreatePromo(ctx, p); err != nil {
		if errors.Is(err, store.ErrPromoExists) {
			return nil, fmt.Errorf("%w: %q", ErrCodeExists, code)
		}
		return nil, fmt.Errorf("create promo %q: %w", code, err)
	}
	logger.Info(fmt.Sprintf("Código %s creado (recompensa %d, usos %d)", code, reward, maxUses), "Promo")
	return &p, nil
}

// Get returns the code or ErrNotFound.
func (e *Engine) Get(ctx context.Context, code string) (*models.PromoCode, error) {
	p, err := e.store.GetPromo(ctx, Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("read promo %q: %w", code, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, code)
	}
	return p, nil
}

// List returns every code.
func (e *Engine) List(ctx context.Context) ([]models.PromoCode, error) {
	codes, err := e.store.ListPromos(ctx)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	return codes, nil
}

// PurgeExhausted deletes finite codes with no uses left.
func (e *Engine) PurgeExhausted(ctx context.Context) (int64, error) {
	n, err := e.store.DeleteExhaustedPromos(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge promos: %w", err)
	}
	if n > 0 {
		logger.Info(fmt.Sprintf("%d códigos agotados eliminados", n), "Promo")
	}
	return n, nil
}

// GenerateCode returns a random code such as "DIG-1A2B3C4D5E6F".
func GenerateCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate promo code: %w", err)
	}
	return "DIG-" + strings.ToUpper(hex.EncodeToString(b)), nil
}
