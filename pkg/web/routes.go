// Package web provides API routes for the web server.
package web

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/PancyStudios/DiggerBotGo/internal/cooldown"
	"github.com/PancyStudios/DiggerBotGo/internal/game"
	"github.com/PancyStudios/DiggerBotGo/internal/ledger"
	"github.com/PancyStudios/DiggerBotGo/internal/promo"
	"github.com/PancyStudios/DiggerBotGo/pkg/config"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Game is the service behind the API.
type Game interface {
	Dig(ctx context.Context, p game.Player, requestID string) (game.DigResult, error)
	StartBox(ctx context.Context, p game.Player, requestID string) (game.BoxSession, error)
	OpenBox(ctx context.Context, p game.Player, token string) (game.BoxResult, error)
	RedeemPromo(ctx context.Context, p game.Player, code string) (game.PromoResult, error)
	Profile(ctx context.Context, chatID, userID int64) (game.Profile, error)
	TopN(ctx context.Context, n int) ([]models.GlobalStat, error)
	Statistics(ctx context.Context) (models.EconomyStats, error)

	Give(ctx context.Context, chatID, userID, delta int64) (ledger.Credit, error)
	GiveAll(ctx context.Context, userID, delta int64) ([]ledger.Credit, error)
	ResetCooldowns(ctx context.Context, userID int64) (int64, error)
	CreatePromo(ctx context.Context, code string, reward int64, maxUses int, createdBy int64) (*models.PromoCode, error)
	ListPromos(ctx context.Context) ([]models.PromoCode, error)
	PurgePromos(ctx context.Context) (int64, error)
	Rebuild(ctx context.Context) (int, error)
	UserSummary(ctx context.Context, userID int64) (models.UserSummary, error)
}

// Pinger reports the latency of the backing store.
type Pinger interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// API holds the dependencies of the route handlers.
type API struct {
	Game           Game
	Store          Pinger
	Driver         string
	BrokerOnline   func() bool
	AdminTokenHash string
}

// SetupAPIRoutes sets up the API routes
func SetupAPIRoutes(s *Server, a *API) {
	api := s.Group("/api")
	{
		api.GET("/status", a.statusHandler)
		api.GET("/health", healthHandler)
		api.GET("/stats", a.statsHandler)
		api.GET("/top", a.topHandler)
		api.GET("/profile/:chat/:user", a.profileHandler)

		api.POST("/actions/dig", a.digHandler)
		api.POST("/actions/box", a.boxHandler)
		api.POST("/actions/box/open", a.openBoxHandler)
		api.POST("/promo/redeem", a.redeemHandler)
	}

	admin := api.Group("/admin", adminAuth(a.AdminTokenHash))
	{
		admin.POST("/give", a.giveHandler)
		admin.POST("/reset/:user", a.resetHandler)
		admin.POST("/promo", a.createPromoHandler)
		admin.GET("/promo", a.listPromoHandler)
		admin.POST("/promo/cleanup", a.cleanupPromoHandler)
		admin.POST("/rebuild", a.rebuildHandler)
		admin.GET("/user/:user", a.userHandler)
	}
}

// ===== Errors =====

// fail answers err with a fixed message; unexpected errors are only logged.
func fail(c *gin.Context, err error) {
	// Duplicates of a request still running are dropped without a message.
	if errors.Is(err, cooldown.ErrDuplicateInFlight) {
		c.AbortWithStatus(http.StatusConflict)
		return
	}
	status, message := classifyError(err)
	if status == http.StatusInternalServerError {
		logger.Error(fmt.Sprintf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err), "WebServer")
	}
	c.JSON(status, gin.H{"error": message})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, game.ErrInvalidPlayer),
		errors.Is(err, game.ErrInvalidToken),
		errors.Is(err, ledger.ErrInvalidIdentifier),
		errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, promo.ErrZeroAmount),
		errors.Is(err, promo.ErrInvalidMaxUses),
		errors.Is(err, cooldown.ErrInvalidClaim):
		return http.StatusBadRequest, "Solicitud inválida."
	case errors.Is(err, ledger.ErrNotInChat),
		errors.Is(err, ledger.ErrNoBalances):
		return http.StatusNotFound, "El usuario no tiene registros."
	case errors.Is(err, promo.ErrNotFound):
		return http.StatusNotFound, "El código no existe."
	case errors.Is(err, promo.ErrCodeExists):
		return http.StatusConflict, "El código ya existe."
	case errors.Is(err, cooldown.ErrClaimContention):
		return http.StatusConflict, "La acción ya está en curso."
	default:
		return http.StatusInternalServerError, "Error interno del servidor."
	}
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Solicitud inválida."})
}

// retryAfterSeconds rounds up so clients never retry too early.
func retryAfterSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

func denied(c *gin.Context, retryAfter time.Duration) {
	secs := retryAfterSeconds(retryAfter)
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"granted":             false,
		"retry_after_seconds": secs,
	})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c)
		return 0, false
	}
	return id, true
}

// ===== Public =====

// healthHandler returns a simple health check response
func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "DiggerBot Go is running",
	})
}

// statusHandler returns the store and broker status
func (a *API) statusHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	storeOnline := true
	latency, err := a.Store.Ping(ctx)
	if err != nil {
		storeOnline = false
		logger.Warn(fmt.Sprintf("Ping del almacén fallido: %v", err), "WebServer")
	}
	brokerOnline := a.BrokerOnline != nil && a.BrokerOnline()

	status, label, storeStatus := http.StatusOK, "ok", "🟢 | En linea"
	if !storeOnline {
		status, label, storeStatus = http.StatusServiceUnavailable, "degraded", "🔴 | Desconectado"
	}
	c.JSON(status, gin.H{
		"status":  label,
		"version": config.Version,
		"store": gin.H{
			"status":     storeStatus,
			"driver":     a.Driver,
			"isOnline":   storeOnline,
			"latency_ms": latency.Milliseconds(),
		},
		"mqtt": gin.H{
			"isOnline": brokerOnline,
		},
	})
}

func (a *API) statsHandler(c *gin.Context) {
	st, err := a.Game.Statistics(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) topHandler(c *gin.Context) {
	n := 0
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(c)
			return
		}
		n = v
	}
	top, err := a.Game.TopN(c.Request.Context(), n)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"top": top})
}

func (a *API) profileHandler(c *gin.Context) {
	chatID, ok := pathID(c, "chat")
	if !ok {
		return
	}
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	p, err := a.Game.Profile(c.Request.Context(), chatID, userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":             p.Balance,
		"position":            p.Position,
		"participants":        p.Participants,
		"global":              p.Global,
		"next_dig_in_seconds": retryAfterSeconds(p.NextDig),
	})
}

// ===== Actions =====

type actionRequest struct {
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	RequestID   string `json:"request_id"`
}

func (r actionRequest) player() game.Player {
	return game.Player{ChatID: r.ChatID, UserID: r.UserID, DisplayName: r.DisplayName}
}

// bindAction reads the body. The request id falls back to X-Request-ID and
// then to a fresh id, so unrelated callers never share one.
func bindAction(c *gin.Context) (actionRequest, bool) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return req, false
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("X-Request-ID")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req, true
}

func (a *API) digHandler(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	res, err := a.Game.Dig(c.Request.Context(), req.player(), req.RequestID)
	if err != nil {
		fail(c, err)
		return
	}
	if !res.Granted {
		denied(c, res.RetryAfter)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) boxHandler(c *gin.Context) {
	req, ok := bindAction(c)
	if !ok {
		return
	}
	session, err := a.Game.StartBox(c.Request.Context(), req.player(), req.RequestID)
	if err != nil {
		fail(c, err)
		return
	}
	if !session.Granted {
		denied(c, session.RetryAfter)
		return
	}
	c.JSON(http.StatusOK, session)
}

type openBoxRequest struct {
	ChatID      int64  `json:"chat_id" binding:"required"`
	UserID      int64  `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token" binding:"required"`
}

func (a *API) openBoxHandler(c *gin.Context) {
	var req openBoxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	p := game.Player{ChatID: req.ChatID, UserID: req.UserID, DisplayName: req.DisplayName}
	res, err := a.Game.OpenBox(c.Request.Context(), p, req.Token)
	if err != nil {
		fail(c, err)
		return
	}
	if !res.Opened {
		c.JSON(http.StatusNotFound, gin.H{"opened": false, "error": "No hay ninguna caja pendiente con ese token."})
		return
	}
	c.JSON(http.StatusOK, res)
}

type redeemRequest struct {
	ChatID      int64  `json:"chat_id" binding:"required"`
	UserID      int64  `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Code        string `json:"code" binding:"required"`
}

func (a *API) redeemHandler(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	p := game.Player{ChatID: req.ChatID, UserID: req.UserID, DisplayName: req.DisplayName}
	res, err := a.Game.RedeemPromo(c.Request.Context(), p, req.Code)
	if err != nil {
		fail(c, err)
		return
	}

	status := http.StatusOK
	switch res.Kind {
	case promo.KindNotFound:
		status = http.StatusNotFound
	case promo.KindAlreadyUsed, promo.KindExhausted:
		status = http.StatusConflict
	case promo.KindInvalid:
		status = http.StatusBadRequest
	}
	c.JSON(status, res)
}

// ===== Admin =====

type giveRequest struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id" binding:"required"`
	Amount int64 `json:"amount" binding:"required"`
}

// giveHandler grants to one chat, or to every chat of the user when chat_id is 0.
func (a *API) giveHandler(c *gin.Context) {
	var req giveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	ctx := c.Request.Context()

	if req.ChatID != 0 {
		credit, err := a.Game.Give(ctx, req.ChatID, req.UserID, req.Amount)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"credits": []ledger.Credit{credit}})
		return
	}

	credits, err := a.Game.GiveAll(ctx, req.UserID, req.Amount)
	if err != nil {
		if len(credits) > 0 {
			logger.Error(fmt.Sprintf("Entrega parcial a %d (%d chats): %v", req.UserID, len(credits), err), "WebServer")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Entrega incompleta.", "credits": credits})
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": credits})
}

func (a *API) resetHandler(c *gin.Context) {
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	n, err := a.Game.ResetCooldowns(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

type createPromoRequest struct {
	Code      string `json:"code"`
	Reward    int64  `json:"reward" binding:"required"`
	MaxUses   int    `json:"max_uses" binding:"required"`
	CreatedBy int64  `json:"created_by"`
}

func (a *API) createPromoHandler(c *gin.Context) {
	var req createPromoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	p, err := a.Game.CreatePromo(c.Request.Context(), req.Code, req.Reward, req.MaxUses, req.CreatedBy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// promoView is a code without the per-user usage map.
type promoView struct {
	Code      string    `json:"code"`
	Reward    int64     `json:"reward"`
	MaxUses   int       `json:"max_uses"`
	Used      int       `json:"used"`
	Exhausted bool      `json:"exhausted"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) listPromoHandler(c *gin.Context) {
	codes, err := a.Game.ListPromos(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]promoView, 0, len(codes))
	for _, p := range codes {
		out = append(out, promoView{
			Code:      p.Code,
			Reward:    p.Reward,
			MaxUses:   p.MaxUses,
			Used:      p.UsedCount(),
			Exhausted: p.Exhausted(),
			CreatedAt: p.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"promos": out})
}

func (a *API) cleanupPromoHandler(c *gin.Context) {
	n, err := a.Game.PurgePromos(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (a *API) rebuildHandler(c *gin.Context) {
	n, err := a.Game.Rebuild(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": n})
}

func (a *API) userHandler(c *gin.Context) {
	userID, ok := pathID(c, "user")
	if !ok {
		return
	}
	sum, err := a.Game.UserSummary(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
