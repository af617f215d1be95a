// Package game implements the player actions and admin operations on top of
// the cooldown, ledger, promo and aggregate engines.
package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PancyStudios/DiggerBotGo/internal/aggregate"
	"github.com/PancyStudios/DiggerBotGo/internal/cooldown"
	"github.com/PancyStudios/DiggerBotGo/internal/events"
	"github.com/PancyStudios/DiggerBotGo/internal/ledger"
	"github.com/PancyStudios/DiggerBotGo/internal/promo"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidPlayer = errors.New("game: invalid player")
	ErrInvalidToken  = errors.New("game: invalid box token")
)

// Player identifies who acts and where.
type Player struct {
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (p Player) validate(needChat bool) error {
	if p.UserID == 0 || (needChat && p.ChatID == 0) {
		return fmt.Errorf("%w: chat=%d user=%d", ErrInvalidPlayer, p.ChatID, p.UserID)
	}
	return nil
}

// TopCache holds recent leaderboard pages. Implementations may be stale by
// their own expiry.
type TopCache interface {
	GetTop(ctx context.Context, n int) ([]models.GlobalStat, bool, error)
	SetTop(ctx context.Context, n int, top []models.GlobalStat) error
	InvalidateTop(ctx context.Context) error
}

// Options configures a Service. TopCache is optional.
type Options struct {
	DigCooldown time.Duration
	BoxCooldown time.Duration
	Random      Random
	Events      events.Publisher
	TopCache    TopCache
}

// Service is the entry point for every game and admin operation.
type Service struct {
	cooldowns *cooldown.Engine
	ledger    *ledger.Ledger
	promos    *promo.Engine
	agg       *aggregate.Aggregator

	digCooldown time.Duration
	boxCooldown time.Duration
	rnd         Random
	events      events.Publisher
	top         TopCache
}

// New wires the engines into a Service.
func New(cd *cooldown.Engine, l *ledger.Ledger, p *promo.Engine, agg *aggregate.Aggregator, opts Options) *Service {
	s := &Service{
		cooldowns:   cd,
		ledger:      l,
		promos:      p,
		agg:         agg,
		digCooldown: opts.DigCooldown,
		boxCooldown: opts.BoxCooldown,
		rnd:         opts.Random,
		events:      opts.Events,
		top:         opts.TopCache,
	}
	if s.digCooldown <= 0 {
		s.digCooldown = 4 * time.Hour
	}
	if s.boxCooldown <= 0 {
		s.boxCooldown = 12 * time.Hour
	}
	if s.rnd == nil {
		s.rnd = globalRand{}
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

// credited propagates a new chat balance and announces it.
func (s *Service) credited(ctx context.Context, e events.Event, displayName string) {
	s.agg.Propagate(e.UserID, e.Balance, displayName)
	s.events.Publish(ctx, e)
}

// ===== Dig =====

// DigResult is the outcome of one dig. RetryAfter is set when denied.
type DigResult struct {
	Granted    bool              `json:"granted"`
	RetryAfter time.Duration     `json:"-"`
	Delta      int64             `json:"delta"`
	Outcome    models.LastAction `json:"outcome,omitempty"`
	Balance    int64             `json:"balance"`
}

// Dig runs one dig for the player in the chat, gated by the per-chat cooldown.
func (s *Service) Dig(ctx context.Context, p Player, requestID string) (DigResult, error) {
	if err := p.validate(true); err != nil {
		return DigResult{}, err
	}

	var res DigResult
	claim := cooldown.Claim{Key: models.DigKey(p.UserID, p.ChatID), Cooldown: s.digCooldown, RequestID: requestID}
	d, _, err := s.cooldowns.Run(ctx, claim, func(ctx context.Context) (int64, error) {
		cur, err := s.ledger.Get(ctx, p.ChatID, p.UserID)
		if err != nil {
			return 0, err
		}
		last := models.ActionNone
		if cur != nil && cur.LastAction != "" {
			last = cur.LastAction
		}
		delta, action := rollDig(s.rnd, cur == nil, last)

		bal, err := s.ledger.Apply(ctx, models.BalanceIncrement{
			ChatID:      p.ChatID,
			UserID:      p.UserID,
			Delta:       delta,
			DisplayName: p.DisplayName,
			LastAction:  action,
		})
		if err != nil {
			return 0, err
		}
		res = DigResult{Granted: true, Delta: delta, Outcome: action, Balance: bal}
		return delta, nil
	})
	if err != nil {
		return DigResult{}, err
	}
	if !d.Granted {
		return DigResult{RetryAfter: d.RetryAfter}, nil
	}

	logger.Debug(fmt.Sprintf("Dig %d@%d: %s %+d -> %d", p.UserID, p.ChatID, res.Outcome, res.Delta, res.Balance), "Game")
	s.credited(ctx, events.Event{
		Type:    events.TypeDig,
		ChatID:  p.ChatID,
		UserID:  p.UserID,
		Delta:   res.Delta,
		Balance: res.Balance,
		Detail:  string(res.Outcome),
	}, p.DisplayName)
	return res, nil
}

// ===== Box =====

// BoxSession is a started box: three opaque tokens, one of which gets opened.
type BoxSession struct {
	Granted    bool          `json:"granted"`
	RetryAfter time.Duration `json:"-"`
	Tokens     []string      `json:"tokens,omitempty"`
}

// StartBox claims the player's global box cooldown and deals three tokens.
// The cooldown starts now, not when the box is opened.
func (s *Service) StartBox(ctx context.Context, p Player, requestID string) (BoxSession, error) {
	if err := p.validate(false); err != nil {
		return BoxSession{}, err
	}

	var tokens []string
	claim := cooldown.Claim{Key: models.BoxKey(p.UserID), Cooldown: s.boxCooldown, RequestID: requestID}
	d, _, err := s.cooldowns.Run(ctx, claim, func(ctx context.Context) (int64, error) {
		outcomes := boxOutcomes(s.rnd)
		mapping := make(map[string]models.BoxOutcome, len(outcomes))
		tokens = make([]string, 0, len(outcomes))
		for _, o := range outcomes {
			tok := uuid.NewString()
			mapping[tok] = o
			tokens = append(tokens, tok)
		}
		return 0, s.cooldowns.SaveBoxMapping(ctx, p.UserID, mapping)
	})
	if err != nil {
		return BoxSession{}, err
	}
	if !d.Granted {
		return BoxSession{RetryAfter: d.RetryAfter}, nil
	}

	s.events.Publish(ctx, events.Event{Type: events.TypeBoxStart, ChatID: p.ChatID, UserID: p.UserID})
	return BoxSession{Granted: true, Tokens: tokens}, nil
}

// BoxResult is the outcome of opening a box.
type BoxResult struct {
	Opened  bool              `json:"opened"`
	Outcome models.BoxOutcome `json:"outcome,omitempty"`
	Delta   int64             `json:"delta"`
	Balance int64             `json:"balance"`
}

// OpenBox consumes the pending box with token and credits the chat the player
// opens it in. Opened is false when the token is unknown or already spent.
func (s *Service) OpenBox(ctx context.Context, p Player, token string) (BoxResult, error) {
	if err := p.validate(true); err != nil {
		return BoxResult{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return BoxResult{}, ErrInvalidToken
	}

	outcome, ok, err := s.cooldowns.OpenBox(ctx, p.UserID, token)
	if err != nil || !ok {
		return BoxResult{}, err
	}

	res := BoxResult{Opened: true, Outcome: outcome, Delta: boxLoot(s.rnd, outcome)}
	if res.Delta != 0 {
		bal, err := s.ledger.Apply(ctx, models.BalanceIncrement{
			ChatID:      p.ChatID,
			UserID:      p.UserID,
			Delta:       res.Delta,
			DisplayName: p.DisplayName,
		})
		if err != nil {
			// The box is already consumed; the reward cannot be retried.
			logger.Error(fmt.Sprintf("Recompensa de caja perdida para %d (%+d): %v", p.UserID, res.Delta, err), "Game")
			return res, fmt.Errorf("credit box of %d: %w", p.UserID, err)
		}
		res.Balance = bal
	} else {
		cur, err := s.ledger.Get(ctx, p.ChatID, p.UserID)
		if err != nil {
			return res, err
		}
		if cur != nil {
			res.Balance = cur.Points
		}
	}

	if err := s.cooldowns.Finish(ctx, models.BoxKey(p.UserID), res.Delta); err != nil {
		logger.Warn(err.Error(), "Game")
	}

	e := events.Event{
		Type:    events.TypeBoxOpen,
		ChatID:  p.ChatID,
		UserID:  p.UserID,
		Delta:   res.Delta,
		Balance: res.Balance,
		Detail:  string(outcome),
	}
	if res.Delta != 0 {
		s.credited(ctx, e, p.DisplayName)
	} else {
		s.events.Publish(ctx, e)
	}
	return res, nil
}

// ===== Promo codes =====

// PromoResult is a redemption with the resulting balance on success.
type PromoResult struct {
	promo.Result
	Balance int64 `json:"balance,omitempty"`
}

// RedeemPromo records the use and credits the reward in the player's chat.
// When crediting fails the use is undone so the player may retry.
func (s *Service) RedeemPromo(ctx context.Context, p Player, code string) (PromoResult, error) {
	if err := p.validate(true); err != nil {
		return PromoResult{}, err
	}

	r, err := s.promos.Redeem(ctx, code, p.UserID)
	if err != nil || r.Kind != promo.KindSuccess {
		return PromoResult{Result: r}, err
	}

	bal, err := s.ledger.Apply(ctx, models.BalanceIncrement{
		ChatID:      p.ChatID,
		UserID:      p.UserID,
		Delta:       r.Reward,
		DisplayName: p.DisplayName,
	})
	if err != nil {
		if uerr := s.promos.Undo(ctx, code, p.UserID); uerr != nil {
			logger.Error(uerr.Error(), "Game")
		}
		return PromoResult{}, fmt.Errorf("credit promo %q: %w", promo.Normalize(code), err)
	}

	s.credited(ctx, events.Event{
		Type:    events.TypePromo,
		ChatID:  p.ChatID,
		UserID:  p.UserID,
		Delta:   r.Reward,
		Balance: bal,
		Detail:  promo.Normalize(code),
	}, p.DisplayName)
	return PromoResult{Result: r, Balance: bal}, nil
}

// CreatePromo stores a new code; an empty code is generated.
func (s *Service) CreatePromo(ctx context.Context, code string, reward int64, maxUses int, createdBy int64) (*models.PromoCode, error) {
	return s.promos.Create(ctx, code, reward, maxUses, createdBy)
}

// ListPromos returns every code.
func (s *Service) ListPromos(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

// PurgePromos deletes exhausted codes.
func (s *Service) PurgePromos(ctx context.Context) (int64, error) {
	return s.promos.PurgeExhausted(ctx)
}

// ===== Admin =====

// Give grants delta to the user in one chat where they already play.
func (s *Service) Give(ctx context.Context, chatID, userID, delta int64) (ledger.Credit, error) {
	c, err := s.ledger.Give(ctx, chatID, userID, delta)
	if err != nil {
		return ledger.Credit{}, err
	}
	s.credited(ctx, events.Event{Type: events.TypeGive, ChatID: chatID, UserID: userID, Delta: delta, Balance: c.Balance}, c.DisplayName)
	return c, nil
}

// GiveAll grants delta in every chat of the user. The credits applied before
// a failure are returned with the error.
func (s *Service) GiveAll(ctx context.Context, userID, delta int64) ([]ledger.Credit, error) {
	credits, err := s.ledger.GiveAll(ctx, userID, delta)
	for _, c := range credits {
		s.credited(ctx, events.Event{Type: events.TypeGive, ChatID: c.ChatID, UserID: userID, Delta: delta, Balance: c.Balance}, c.DisplayName)
	}
	return credits, err
}

// ResetCooldowns removes every cooldown of the user, pending boxes included.
func (s *Service) ResetCooldowns(ctx context.Context, userID int64) (int64, error) {
	if userID == 0 {
		return 0, fmt.Errorf("%w: user=0", ErrInvalidPlayer)
	}
	n, err := s.cooldowns.Clear(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.events.Publish(ctx, events.Event{Type: events.TypeReset, UserID: userID, Detail: fmt.Sprintf("%d", n)})
	return n, nil
}

// Rebuild recomputes the leaderboard from the balances.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	n, err := s.agg.Rebuild(ctx)
	if err != nil {
		return 0, err
	}
	if s.top != nil {
		if err := s.top.InvalidateTop(ctx); err != nil {
			logger.Warn(err.Error(), "Game")
		}
	}
	s.events.Publish(ctx, events.Event{Type: events.TypeRebuild, Detail: fmt.Sprintf("%d", n)})
	return n, nil
}

// ===== Queries =====

// Profile is a player's view of one chat.
type Profile struct {
	Balance      *models.ChatBalance `json:"balance"`
	Position     int64               `json:"position"`
	Participants int64               `json:"participants"`
	Global       *models.GlobalStat  `json:"global,omitempty"`
	NextDig      time.Duration       `json:"-"`
}

// Profile reads the balance, rank, global best and dig cooldown concurrently.
func (s *Service) Profile(ctx context.Context, chatID, userID int64) (Profile, error) {
	if err := (Player{ChatID: chatID, UserID: userID}).validate(true); err != nil {
		return Profile{}, err
	}

	var out Profile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Balance, err = s.ledger.Get(gctx, chatID, userID)
		return err
	})
	g.Go(func() (err error) {
		out.Position, out.Participants, err = s.ledger.Rank(gctx, chatID, userID)
		return err
	})
	g.Go(func() (err error) {
		out.Global, err = s.agg.Best(gctx, userID)
		return err
	})
	g.Go(func() error {
		c, err := s.cooldowns.Get(gctx, models.DigKey(userID, chatID))
		if err != nil || c == nil || c.ClaimedAt.IsZero() {
			return err
		}
		if left := c.ClaimedAt.Add(s.digCooldown).Sub(s.cooldowns.Clock().Now()); left > 0 {
			out.NextDig = left
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// UserSummary folds the user's balances across chats.
func (s *Service) UserSummary(ctx context.Context, userID int64) (models.UserSummary, error) {
	return s.agg.Summary(ctx, userID)
}

// TopN returns the global leaderboard, from the cache when one is configured.
// Pages folded during a rebuild are not cached.
func (s *Service) TopN(ctx context.Context, n int) ([]models.GlobalStat, error) {
	switch {
	case n <= 0:
		n = aggregate.DefaultTopN
	case n > aggregate.MaxTopN:
		n = aggregate.MaxTopN
	}
	if s.top == nil {
		return s.agg.TopN(ctx, n)
	}

	if top, ok, err := s.top.GetTop(ctx, n); err != nil {
		logger.Warn(err.Error(), "Game")
	} else if ok {
		return top, nil
	}

	stale := s.agg.Stale()
	top, err := s.agg.TopN(ctx, n)
	if err != nil || stale {
		return top, err
	}
	if err := s.top.SetTop(ctx, n, top); err != nil {
		logger.Warn(err.Error(), "Game")
	}
	return top, nil
}

// Statistics summarises the economy.
func (s *Service) Statistics(ctx context.Context) (models.EconomyStats, error) {
	var out models.EconomyStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.ChatStats, err = s.ledger.Stats(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.LeaderboardUsers, err = s.agg.Count(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.EconomyStats{}, err
	}
	out.PendingPropagations = s.agg.QueueLen()
	out.LeaderboardStale = s.agg.Stale()
	return out, nil
}
