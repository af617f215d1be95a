package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PancyStudios/DiggerBotGo/internal/cooldown"
	"github.com/PancyStudios/DiggerBotGo/internal/game"
	"github.com/PancyStudios/DiggerBotGo/internal/ledger"
	"github.com/PancyStudios/DiggerBotGo/internal/promo"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/goccy/go-json"
)

type fakeGame struct {
	dig       game.DigResult
	redeem    game.PromoResult
	err       error
	lastGive  string
	requestID string
}

func (f *fakeGame) Dig(_ context.Context, _ game.Player, requestID string) (game.DigResult, error) {
	f.requestID = requestID
	return f.dig, f.err
}
func (f *fakeGame) StartBox(context.Context, game.Player, string) (game.BoxSession, error) {
	return game.BoxSession{Granted: true, Tokens: []string{"a", "b", "c"}}, f.err
}
func (f *fakeGame) OpenBox(_ context.Context, _ game.Player, token string) (game.BoxResult, error) {
	return game.BoxResult{Opened: token == "a", Outcome: models.OutcomeWin, Delta: 12, Balance: 12}, f.err
}
func (f *fakeGame) RedeemPromo(context.Context, game.Player, string) (game.PromoResult, error) {
	return f.redeem, f.err
}
func (f *fakeGame) Profile(context.Context, int64, int64) (game.Profile, error) {
	return game.Profile{Position: 1, Participants: 4, NextDig: 90 * time.Second}, f.err
}
func (f *fakeGame) TopN(context.Context, int) ([]models.GlobalStat, error) {
	return []models.GlobalStat{{UserID: 1, BestPoints: 10}}, f.err
}
func (f *fakeGame) Statistics(context.Context) (models.EconomyStats, error) {
	return models.EconomyStats{LeaderboardUsers: 3}, f.err
}
func (f *fakeGame) Give(_ context.Context, chatID, _, delta int64) (ledger.Credit, error) {
	f.lastGive = "one"
	return ledger.Credit{ChatID: chatID, Balance: delta}, f.err
}
func (f *fakeGame) GiveAll(context.Context, int64, int64) ([]ledger.Credit, error) {
	f.lastGive = "all"
	return nil, f.err
}
func (f *fakeGame) ResetCooldowns(context.Context, int64) (int64, error) { return 2, f.err }
func (f *fakeGame) CreatePromo(_ context.Context, code string, reward int64, maxUses int, _ int64) (*models.PromoCode, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.PromoCode{Code: code, Reward: reward, MaxUses: maxUses}, nil
}
func (f *fakeGame) ListPromos(context.Context) ([]models.PromoCode, error) { return nil, f.err }
func (f *fakeGame) PurgePromos(context.Context) (int64, error) { return 1, f.err }
func (f *fakeGame) Rebuild(context.Context) (int, error) { return 5, f.err }
func (f *fakeGame) UserSummary(_ context.Context, userID int64) (models.UserSummary, error) {
	return models.UserSummary{UserID: userID}, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) (time.Duration, error) { return time.Millisecond, p.err }

func newTestServer(g *fakeGame, hash string, pingErr error) *Server {
	s := NewServer(Options{})
	SetupAPIRoutes(s, &API{
		Game:           g,
		Store:          fakePinger{err: pingErr},
		Driver:         "memory",
		BrokerOnline:   func() bool { return false },
		AdminTokenHash: hash,
	})
	return s
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(&fakeGame{}, "", nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/stats", http.StatusOK},
		{http.MethodGet, "/api/top", http.StatusOK},
		{http.MethodGet, "/api/top?n=5", http.StatusOK},
		{http.MethodGet, "/api/top?n=zero", http.StatusBadRequest},
		{http.MethodGet, "/api/top?n=-1", http.StatusBadRequest},
		{http.MethodGet, "/api/profile/-100/7", http.StatusOK},
		{http.MethodGet, "/api/profile/x/7", http.StatusBadRequest},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodDelete, "/api/health", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if w := do(s, tt.method, tt.path, "", nil); w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestStatusDegradedWhenStoreIsDown(t *testing.T) {
	s := newTestServer(&fakeGame{}, "", errors.New("no route to host"))
	w := do(s, http.MethodGet, "/api/status", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if got := decode(t, w)["status"]; got != "degraded" {
		t.Errorf("status field = %v", got)
	}
}

func TestProfileReportsNextDig(t *testing.T) {
	s := newTestServer(&fakeGame{}, "", nil)
	w := do(s, http.MethodGet, "/api/profile/-100/7", "", nil)
	if got := decode(t, w)["next_dig_in_seconds"]; got != float64(90) {
		t.Errorf("next_dig_in_seconds = %v, want 90", got)
	}
}

func TestDigDropsInFlightDuplicate(t *testing.T) {
	s := newTestServer(&fakeGame{err: cooldown.ErrDuplicateInFlight}, "", nil)
	w := do(s, http.MethodPost, "/api/actions/dig", `{"chat_id":-100,"user_id":7}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestDigRequestID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		headers map[string]string
		want    string
	}{
		{"from body", `{"chat_id":-100,"user_id":7,"request_id":"body-id"}`, map[string]string{"X-Request-ID": "header-id"}, "body-id"},
		{"from header", `{"chat_id":-100,"user_id":7}`, map[string]string{"X-Request-ID": "header-id"}, "header-id"},
		{"generated", `{"chat_id":-100,"user_id":7}`, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGame{dig: game.DigResult{Granted: true}}
			do(newTestServer(g, "", nil), http.MethodPost, "/api/actions/dig", tt.body, tt.headers)
			if tt.want != "" {
				if g.requestID != tt.want {
					t.Errorf("request id = %q, want %q", g.requestID, tt.want)
				}
				return
			}
			if g.requestID == "" {
				t.Error("a missing request id must be replaced by a generated one")
			}
		})
	}

	// Two callers without ids never share one.
	g := &fakeGame{dig: game.DigResult{Granted: true}}
	s := newTestServer(g, "", nil)
	do(s, http.MethodPost, "/api/actions/dig", `{"chat_id":-100,"user_id":7}`, nil)
	first := g.requestID
	do(s, http.MethodPost, "/api/actions/dig", `{"chat_id":-100,"user_id":8}`, nil)
	if first == g.requestID {
		t.Errorf("generated request ids repeat: %q", first)
	}
}

func TestDigHandler(t *testing.T) {
	tests := []struct {
		name      string
		game      *fakeGame
		body      string
		status    int
		retryWant float64
	}{
		{"granted", &fakeGame{dig: game.DigResult{Granted: true, Delta: 3, Balance: 3}}, `{"chat_id":-100,"user_id":7}`, http.StatusOK, 0},
		{"denied", &fakeGame{dig: game.DigResult{RetryAfter: 90*time.Minute + 500*time.Millisecond}}, `{"chat_id":-100,"user_id":7}`, http.StatusTooManyRequests, 5401},
		{"missing user", &fakeGame{}, `{"chat_id":-100}`, http.StatusBadRequest, 0},
		{"malformed", &fakeGame{}, `{"chat_id":`, http.StatusBadRequest, 0},
		{"invalid player", &fakeGame{err: game.ErrInvalidPlayer}, `{"user_id":7}`, http.StatusBadRequest, 0},
		{"in flight", &fakeGame{err: cooldown.ErrDuplicateInFlight}, `{"chat_id":-100,"user_id":7}`, http.StatusConflict, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(tt.game, "", nil)
			w := do(s, http.MethodPost, "/api/actions/dig", tt.body, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.retryWant > 0 {
				if got := decode(t, w)["retry_after_seconds"]; got != tt.retryWant {
					t.Errorf("retry_after_seconds = %v, want %v", got, tt.retryWant)
				}
				if w.Header().Get("Retry-After") != fmt.Sprint(tt.retryWant) {
					t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
				}
			}
		})
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	s := newTestServer(&fakeGame{err: errors.New("mongo: connection refused at 10.0.0.3")}, "", nil)
	w := do(s, http.MethodPost, "/api/actions/dig", `{"chat_id":-100,"user_id":7}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.3") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestBoxHandlers(t *testing.T) {
	s := newTestServer(&fakeGame{}, "", nil)

	if w := do(s, http.MethodPost, "/api/actions/box", `{"user_id":7}`, nil); w.Code != http.StatusOK {
		t.Errorf("start status = %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/actions/box/open", `{"chat_id":-100,"user_id":7,"token":"a"}`, nil); w.Code != http.StatusOK {
		t.Errorf("open status = %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/actions/box/open", `{"chat_id":-100,"user_id":7,"token":"b"}`, nil); w.Code != http.StatusNotFound {
		t.Errorf("spent token status = %d, want 404", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/actions/box/open", `{"chat_id":-100,"user_id":7}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing token status = %d, want 400", w.Code)
	}
}

func TestRedeemHandler(t *testing.T) {
	tests := []struct {
		kind   promo.Kind
		status int
	}{
		{promo.KindSuccess, http.StatusOK},
		{promo.KindNotFound, http.StatusNotFound},
		{promo.KindAlreadyUsed, http.StatusConflict},
		{promo.KindExhausted, http.StatusConflict},
		{promo.KindInvalid, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			g := &fakeGame{redeem: game.PromoResult{Result: promo.Result{Kind: tt.kind}}}
			w := do(newTestServer(g, "", nil), http.MethodPost, "/api/promo/redeem", `{"chat_id":-100,"user_id":7,"code":"GIFT"}`, nil)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", ledger.ErrZeroAmount), http.StatusBadRequest},
		{promo.ErrInvalidMaxUses, http.StatusBadRequest},
		{ledger.ErrNotInChat, http.StatusNotFound},
		{ledger.ErrNoBalances, http.StatusNotFound},
		{promo.ErrNotFound, http.StatusNotFound},
		{promo.ErrCodeExists, http.StatusConflict},
		{cooldown.ErrClaimContention, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classifyError(tt.err); got != tt.status {
			t.Errorf("classifyError(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestAdminRoutes(t *testing.T) {
	hash, err := HashToken("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	auth := map[string]string{AdminTokenHeader: "s3cret"}

	t.Run("disabled without hash", func(t *testing.T) {
		s := newTestServer(&fakeGame{}, "", nil)
		if w := do(s, http.MethodPost, "/api/admin/rebuild", "", auth); w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	s := newTestServer(&fakeGame{}, hash, nil)
	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		headers map[string]string
		status  int
	}{
		{"missing token", http.MethodPost, "/api/admin/rebuild", "", nil, http.StatusUnauthorized},
		{"wrong token", http.MethodPost, "/api/admin/rebuild", "", map[string]string{AdminTokenHeader: "guess"}, http.StatusUnauthorized},
		{"rebuild", http.MethodPost, "/api/admin/rebuild", "", auth, http.StatusOK},
		{"rebuild again (cached)", http.MethodPost, "/api/admin/rebuild", "", auth, http.StatusOK},
		{"give one", http.MethodPost, "/api/admin/give", `{"chat_id":-100,"user_id":7,"amount":5}`, auth, http.StatusOK},
		{"give all", http.MethodPost, "/api/admin/give", `{"user_id":7,"amount":5}`, auth, http.StatusOK},
		{"give zero", http.MethodPost, "/api/admin/give", `{"user_id":7,"amount":0}`, auth, http.StatusBadRequest},
		{"reset", http.MethodPost, "/api/admin/reset/7", "", auth, http.StatusOK},
		{"reset bad id", http.MethodPost, "/api/admin/reset/0", "", auth, http.StatusBadRequest},
		{"create promo", http.MethodPost, "/api/admin/promo", `{"code":"GIFT","reward":7,"max_uses":-1}`, auth, http.StatusCreated},
		{"list promos", http.MethodGet, "/api/admin/promo", "", auth, http.StatusOK},
		{"cleanup promos", http.MethodPost, "/api/admin/promo/cleanup", "", auth, http.StatusOK},
		{"user summary", http.MethodGet, "/api/admin/user/7", "", auth, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(s, tt.method, tt.path, tt.body, tt.headers); w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestGiveRoutesByChat(t *testing.T) {
	hash, _ := HashToken("s3cret")
	g := &fakeGame{}
	s := newTestServer(g, hash, nil)
	auth := map[string]string{AdminTokenHeader: "s3cret"}

	do(s, http.MethodPost, "/api/admin/give", `{"chat_id":-100,"user_id":7,"amount":5}`, auth)
	if g.lastGive != "one" {
		t.Errorf("chat grant went to %q", g.lastGive)
	}
	do(s, http.MethodPost, "/api/admin/give", `{"user_id":7,"amount":5}`, auth)
	if g.lastGive != "all" {
		t.Errorf("global grant went to %q", g.lastGive)
	}
}

func TestVerifyArgon2id(t *testing.T) {
	hash, err := HashToken("token")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		token   string
		encoded string
		want    bool
	}{
		{"match", "token", hash, true},
		{"mismatch", "other", hash, false},
		{"not argon", "token", "$2a$10$abcdefghijklmnopqrstuv", false},
		{"garbage", "token", "plain", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifyArgon2id(tt.token, tt.encoded); got != tt.want {
				t.Errorf("verifyArgon2id() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{3 * time.Hour, 10800},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
