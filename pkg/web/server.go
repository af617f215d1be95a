// Package web provides an HTTP server with routing and middleware.
// It uses Gin framework for high-performance web handling.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/PancyStudios/DiggerBotGo/pkg/errors"
	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server.
type Options struct {
	LogsWebhook string
}

// Server represents the web server
type Server struct {
	engine     *gin.Engine
	webhookURL string
	httpServer *http.Server
	mu         sync.Mutex
}

// NewServer creates a new web server
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		webhookURL: opts.LogsWebhook,
	}

	// Apply middlewares
	s.engine.Use(s.logsMiddleware())

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Set up error handlers
	s.setupErrorHandlers()

	return s
}

// Engine returns the underlying Gin engine
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// requestLog is the part of a request kept after the handler returns.
type requestLog struct {
	Method  string
	Path    string
	IP      string
	Query   string
	Headers http.Header
	Status  int
}

// logsMiddleware logs every request; rejected admin calls also go to the webhook
func (s *Server) logsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		logger.WithFields(logger.Fields{
			"status":  status,
			"ip":      c.ClientIP(),
			"latency": time.Since(start).Round(time.Microsecond).String(),
		}).Debug(fmt.Sprintf("[LOG] %s %s", c.Request.Method, c.Request.URL.Path), "WebServer")

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			logger.Warn(fmt.Sprintf("[LOG] Solicitud Sospechosa: %s %s | %s", c.Request.Method, c.Request.URL.Path, c.ClientIP()), "WebServer")
			entry := requestLog{
				Method:  c.Request.Method,
				Path:    c.Request.URL.Path,
				IP:      c.ClientIP(),
				Query:   c.Request.URL.RawQuery,
				Headers: redactHeaders(c.Request.Header),
				Status:  status,
			}
			apperrors.Go(func() { s.sendLogToWebhook(entry) })
		}
	}
}

func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out.Get(AdminTokenHeader) != "" {
		out.Set(AdminTokenHeader, "[redacted]")
	}
	return out
}

// sendLogToWebhook sends a rejected request to the Discord webhook
func (s *Server) sendLogToWebhook(r requestLog) {
	if s.webhookURL == "" {
		return
	}

	headers, _ := json.Marshal(r.Headers)
	query := r.Query
	if query == "" {
		query = "{}"
	}

	embed := map[string]interface{}{
		"title": fmt.Sprintf("⛏️ | Solicitud Rechazada (%d): %s %s", r.Status, r.Method, r.Path),
		"description": fmt.Sprintf(
			"> **Ruta:** `%s`\n> **IP:** `%s`\n> **Headers:** ```%s``` \n> **Query:** ```%s```",
			r.Path,
			r.IP,
			string(headers),
			query,
		),
		"color":     0xFFA500, // Orange
		"timestamp": time.Now().Format(time.RFC3339),
	}

	payload := map[string]interface{}{
		"embeds": []interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest("POST", s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

// setupErrorHandlers sets up error handling routes
func (s *Server) setupErrorHandlers() {
	// 404 handler
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Not Found",
			"message": "La ruta solicitada no existe.",
			"status":  404,
		})
	})

	// 405 handler
	s.engine.HandleMethodNotAllowed = true
	s.engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error":   "Method Not Allowed",
			"message": "El método HTTP no está permitido para esta ruta.",
			"status":  405,
		})
	})
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start(port string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.Info(fmt.Sprintf("🚀 Servidor escuchando en http://localhost:%s", port), "WebServer")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	logger.System("Cerrando servidor web...", "WebServer")
	return srv.Shutdown(ctx)
}

// Group creates a new router group
func (s *Server) Group(path string, handlers ...gin.HandlerFunc) *gin.RouterGroup {
	return s.engine.Group(path, handlers...)
}
