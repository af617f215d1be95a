package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// MemoryStore is an in-process Store guarded by a single mutex. It backs the
// "memory" driver and the engine tests.
type MemoryStore struct {
	mu         sync.RWMutex
	claims     map[string]*models.Claim
	balances   map[string]*models.ChatBalance
	promos     map[string]*models.PromoCode
	aggregates map[int64]*models.GlobalStat
	lock       *models.MigrationLock
	version    int

	claimConflicts int
	noConditional  bool
	dataWrites     atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:     make(map[string]*models.Claim),
		balances:   make(map[string]*models.ChatBalance),
		promos:     make(map[string]*models.PromoCode),
		aggregates: make(map[int64]*models.GlobalStat),
	}
}

// InjectClaimConflicts makes the next n ClaimIfExpired calls fail with
// ErrDuplicateKey, as if another instance won the first write.
func (m *MemoryStore) InjectClaimConflicts(n int) {
	m.mu.Lock()
	m.claimConflicts = n
	m.mu.Unlock()
}

// DisableConditionalRedeem makes RedeemPromo report ErrFilterUnsupported.
func (m *MemoryStore) DisableConditionalRedeem() {
	m.mu.Lock()
	m.noConditional = true
	m.mu.Unlock()
}

// DataWrites counts successful mutations outside the migrations collection.
func (m *MemoryStore) DataWrites() int64 {
	return m.dataWrites.Load()
}

func (m *MemoryStore) wrote() { m.dataWrites.Add(1) }

func copyClaim(c *models.Claim) *models.Claim {
	out := *c
	if c.LastDelta != nil {
		d := *c.LastDelta
		out.LastDelta = &d
	}
	if c.OpenedAt != nil {
		t := *c.OpenedAt
		out.OpenedAt = &t
	}
	if c.BoxMapping != nil {
		out.BoxMapping = make(map[string]models.BoxOutcome, len(c.BoxMapping))
		for k, v := range c.BoxMapping {
			out.BoxMapping[k] = v
		}
	}
	return &out
}

func copyPromo(p *models.PromoCode) *models.PromoCode {
	out := *p
	out.UsedBy = make(map[string]time.Time, len(p.UsedBy))
	for k, v := range p.UsedBy {
		out.UsedBy[k] = v
	}
	return &out
}

// ===== Cooldowns =====

func (m *MemoryStore) ClaimIfExpired(_ context.Context, key models.ClaimKey, now, cutoff time.Time, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimConflicts > 0 {
		m.claimConflicts--
		return false, ErrDuplicateKey
	}

	c, ok := m.claims[key.ID()]
	if !ok {
		fresh := models.NewClaim(key, now, requestID)
		m.claims[key.ID()] = &fresh
		m.wrote()
		return true, nil
	}
	if !c.ClaimedAt.IsZero() && !c.ClaimedAt.Before(cutoff) {
		return false, nil
	}
	c.ClaimedAt = now
	c.Locked = true
	c.RequestID = requestID
	c.LastDelta = nil
	m.wrote()
	return true, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, key models.ClaimKey) (*models.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.claims[key.ID()]; ok {
		return copyClaim(c), nil
	}
	return nil, nil
}

func (m *MemoryStore) FinishClaim(_ context.Context, key models.ClaimKey, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key.ID()]
	if !ok {
		return ErrNotFound
	}
	c.Locked = false
	c.LastDelta = &delta
	m.wrote()
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, key models.ClaimKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[key.ID()]
	if !ok {
		return ErrNotFound
	}
	c.Locked = false
	m.wrote()
	return nil
}

func (m *MemoryStore) DeleteClaims(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, c := range m.claims {
		if c.UserID == userID {
			delete(m.claims, id)
			removed++
		}
	}
	if removed > 0 {
		m.wrote()
	}
	return removed, nil
}

func (m *MemoryStore) SaveBoxMapping(_ context.Context, userID int64, mapping map[string]models.BoxOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[models.BoxKey(userID).ID()]
	if !ok {
		return ErrNotFound
	}
	c.BoxMapping = make(map[string]models.BoxOutcome, len(mapping))
	for k, v := range mapping {
		c.BoxMapping[k] = v
	}
	c.Pending = true
	c.OpenedAt = nil
	m.wrote()
	return nil
}

func (m *MemoryStore) ConsumeBoxToken(_ context.Context, userID int64, token string, now time.Time) (models.BoxOutcome, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[models.BoxKey(userID).ID()]
	if !ok {
		return "", false, nil
	}
	outcome, ok := c.BoxMapping[token]
	if !ok {
		return "", false, nil
	}
	c.BoxMapping = nil
	c.Pending = false
	c.OpenedAt = &now
	m.wrote()
	return outcome, true, nil
}

// ===== Balances =====

func (m *MemoryStore) IncrementBalance(_ context.Context, inc models.BalanceIncrement) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := models.BalanceID(inc.ChatID, inc.UserID)
	b, ok := m.balances[id]
	if !ok {
		b = &models.ChatBalance{ID: id, ChatID: inc.ChatID, UserID: inc.UserID}
		m.balances[id] = b
	}
	b.Points += inc.Delta
	if inc.DisplayName != "" {
		b.DisplayName = inc.DisplayName
	}
	if inc.LastAction != "" {
		b.LastAction = inc.LastAction
	}
	b.UpdatedAt = inc.At
	m.wrote()
	return b.Points, nil
}

func (m *MemoryStore) SetBalance(_ context.Context, rec models.ChatBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = models.BalanceID(rec.ChatID, rec.UserID)
	m.balances[rec.ID] = &rec
	m.wrote()
	return nil
}

func (m *MemoryStore) GetBalance(_ context.Context, chatID, userID int64) (*models.ChatBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.balances[models.BalanceID(chatID, userID)]; ok {
		out := *b
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) UserBalances(_ context.Context, userID int64) ([]models.ChatBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ChatBalance
	for _, b := range m.balances {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *MemoryStore) ChatRank(_ context.Context, chatID, userID int64) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	self, ok := m.balances[models.BalanceID(chatID, userID)]
	var total, above int64
	for _, b := range m.balances {
		if b.ChatID != chatID {
			continue
		}
		total++
		if ok && b.Points > self.Points {
			above++
		}
	}
	if !ok {
		return 0, total, nil
	}
	return above + 1, total, nil
}

func (m *MemoryStore) FoldBalances(_ context.Context, reducer Reducer, limit int) ([]models.GlobalStat, error) {
	m.mu.RLock()
	rows := make([]models.ChatBalance, 0, len(m.balances))
	for _, b := range m.balances {
		rows = append(rows, *b)
	}
	m.mu.RUnlock()
	return Fold(rows, reducer, limit), nil
}

func (m *MemoryStore) ChatStats(_ context.Context) (models.ChatStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perChat := make(map[int64]int64)
	for _, b := range m.balances {
		perChat[b.ChatID]++
	}
	stats := models.ChatStats{Chats: int64(len(perChat)), Records: int64(len(m.balances))}
	for _, n := range perChat {
		if n > stats.MaxChatPlayers {
			stats.MaxChatPlayers = n
		}
	}
	return stats, nil
}

// ===== Promo codes =====

func (m *MemoryStore) CreatePromo(_ context.Context, promo models.PromoCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.promos[promo.Code]; ok {
		return ErrPromoExists
	}
	if promo.UsedBy == nil {
		promo.UsedBy = make(map[string]time.Time)
	}
	m.promos[promo.Code] = copyPromo(&promo)
	m.wrote()
	return nil
}

func (m *MemoryStore) GetPromo(_ context.Context, code string) (*models.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.promos[code]; ok {
		return copyPromo(p), nil
	}
	return nil, nil
}

func (m *MemoryStore) RedeemPromo(_ context.Context, code string, userID int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.noConditional {
		return false, ErrFilterUnsupported
	}
	p, ok := m.promos[code]
	if !ok || p.HasUsed(userID) || p.Exhausted() {
		return false, nil
	}
	p.UsedBy[models.UserKey(userID)] = now
	m.wrote()
	return true, nil
}

func (m *MemoryStore) MarkPromoUsed(_ context.Context, code string, userID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promos[code]
	if !ok {
		return ErrNotFound
	}
	p.UsedBy[models.UserKey(userID)] = now
	m.wrote()
	return nil
}

func (m *MemoryStore) UnmarkPromoUse(_ context.Context, code string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.promos[code]
	if !ok {
		return ErrNotFound
	}
	delete(p.UsedBy, models.UserKey(userID))
	m.wrote()
	return nil
}

func (m *MemoryStore) ListPromos(_ context.Context) ([]models.PromoCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PromoCode, 0, len(m.promos))
	for _, p := range m.promos {
		out = append(out, *copyPromo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) DeleteExhaustedPromos(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for code, p := range m.promos {
		if p.Exhausted() {
			delete(m.promos, code)
			removed++
		}
	}
	if removed > 0 {
		m.wrote()
	}
	return removed, nil
}

// ===== Global aggregate =====

func (m *MemoryStore) MaxAggregate(_ context.Context, userID, value int64, displayName string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.aggregates[userID]
	if !ok {
		m.aggregates[userID] = &models.GlobalStat{UserID: userID, BestPoints: value, DisplayName: displayName, UpdatedAt: now}
		m.wrote()
		return nil
	}
	if value > s.BestPoints {
		s.BestPoints = value
	}
	if displayName != "" {
		s.DisplayName = displayName
	}
	s.UpdatedAt = now
	m.wrote()
	return nil
}

func (m *MemoryStore) TopAggregates(_ context.Context, n int) ([]models.GlobalStat, error) {
	m.mu.RLock()
	out := make([]models.GlobalStat, 0, len(m.aggregates))
	for _, s := range m.aggregates {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	SortStats(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemoryStore) GetAggregate(_ context.Context, userID int64) (*models.GlobalStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.aggregates[userID]; ok {
		out := *s
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) CountAggregates(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.aggregates)), nil
}

func (m *MemoryStore) ClearAggregates(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates = make(map[int64]*models.GlobalStat)
	m.wrote()
	return nil
}

func (m *MemoryStore) MergeAggregates(_ context.Context, stats []models.GlobalStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range stats {
		cur, ok := m.aggregates[s.UserID]
		if !ok {
			s := s
			m.aggregates[s.UserID] = &s
			continue
		}
		if s.BestPoints > cur.BestPoints {
			cur.BestPoints = s.BestPoints
		}
		if s.DisplayName != "" {
			cur.DisplayName = s.DisplayName
		}
		cur.UpdatedAt = s.UpdatedAt
	}
	if len(stats) > 0 {
		m.wrote()
	}
	return nil
}

// ===== Migrations =====

func (m *MemoryStore) AcquireMigrationLock(_ context.Context, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.Locked && !m.lock.LockedAt.Before(staleBefore) {
		return false, nil
	}
	m.lock = &models.MigrationLock{ID: models.MigrationLockID, Locked: true, LockedAt: now}
	return true, nil
}

func (m *MemoryStore) ReleaseMigrationLock(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil {
		m.lock.Locked = false
	}
	return nil
}

func (m *MemoryStore) MigrationVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *MemoryStore) SetMigrationVersion(_ context.Context, version int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	return nil
}

// ===== Lifecycle =====

func (m *MemoryStore) EnsureIndexes(context.Context) error { return nil }

func (m *MemoryStore) Ping(context.Context) (time.Duration, error) { return 0, nil }

func (m *MemoryStore) Close(context.Context) error { return nil }
