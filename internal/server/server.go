// Package server wires the Gin engine: middleware, routes and the
// lazy-initialized account pool behind them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/format"
	"github.com/codelane/antigravity-relay/internal/modules"
	"github.com/codelane/antigravity-relay/internal/server/handlers"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// Server is the relay's HTTP front.
type Server struct {
	engine           *gin.Engine
	manager          *account.Manager
	client           *cloudcode.Client
	cfg              *config.Config
	stats            *modules.UsageStats
	fallbackEnabled  bool
	strategyOverride string

	httpServer *http.Server

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options tune server construction.
type Options struct {
	FallbackEnabled  bool
	StrategyOverride string
	Debug            bool
	Stats            *modules.UsageStats
}

// New builds the server. Call SetupRoutes then Run.
func New(cfg *config.Config, manager *account.Manager, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:           engine,
		manager:          manager,
		client:           cloudcode.NewClient(manager, cfg),
		cfg:              cfg,
		stats:            opts.Stats,
		fallbackEnabled:  opts.FallbackEnabled,
		strategyOverride: opts.StrategyOverride,
	}
}

// Initialize loads the account pool and builds the dispatch client.
// Safe to call more than once; later calls return the first outcome.
func (s *Server) Initialize() error {
	s.initOnce.Do(func() {
		if err := s.manager.Initialize(s.strategyOverride); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account pool: %v", err)
			return
		}
		status := s.manager.Status()
		utils.Success("[Server] Account pool initialized: %d/%d available (%s)",
			status.Available, status.Total, account.StrategyLabel(status.Strategy))
		s.initialized = true
	})
	return s.initError
}

func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}
	if err := s.Initialize(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "Server not initialized: " + err.Error(),
			},
		})
		return false
	}
	return true
}

// SetupRoutes mounts middleware and all endpoints.
func (s *Server) SetupRoutes() {
	if err := s.Initialize(); err != nil {
		// Routes still mount; requests answer 503 until the pool loads.
		utils.Warn("[Server] Deferred initialization: %v", err)
	}

	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(BodyLimitMiddleware())

	healthHandler := handlers.NewHealthHandler(s.manager, s.client)
	modelsHandler := handlers.NewModelsHandler(s.manager, s.client)
	accountsHandler := handlers.NewAccountsHandler(s.manager, s.client, s.cfg, s.stats)
	messagesHandler := handlers.NewMessagesHandler(s.manager, s.client, s.cfg, s.stats, s.fallbackEnabled)
	refreshHandler := handlers.NewRefreshTokenHandler(s.manager)

	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.GetGlobalSignatureCache().Clear()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", s.guarded(healthHandler.Health))
	s.engine.GET("/account-limits", s.guarded(accountsHandler.AccountLimits))
	s.engine.POST("/refresh-token", s.guarded(refreshHandler.RefreshToken))

	if s.stats != nil {
		s.stats.SetupRoutes(s.engine.Group("/api"))
	}

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", s.guarded(modelsHandler.ListModels))
		v1.POST("/messages", s.guarded(messagesHandler.Messages))
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// guarded wraps a handler behind pool initialization.
func (s *Server) guarded(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		handler(c)
	}
}

// Run serves until the listener fails or Shutdown is called. The write
// timeout is long because generations stream for minutes.
func (s *Server) Run(addr string) error {
	utils.Info("[Server] Starting on %s", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
