// The relay server: an Anthropic Messages API front over a pool of
// Google accounts dispatching to the Cloud Code API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/config"
	"github.com/codelane/antigravity-relay/internal/format"
	"github.com/codelane/antigravity-relay/internal/modules"
	"github.com/codelane/antigravity-relay/internal/server"
	"github.com/codelane/antigravity-relay/internal/storage"
	"github.com/codelane/antigravity-relay/internal/utils"
	"github.com/codelane/antigravity-relay/pkg/redis"
)

func main() {
	// A .env beside the binary is a convenience for local runs; real
	// deployments set the environment directly.
	_ = godotenv.Load()

	var (
		debugMode    bool
		devMode      bool
		fallback     bool
		strategyName string
		port         int
		host         string
	)
	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging (alias for -dev-mode)")
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	flag.StringVar(&strategyName, "strategy", "", "Account selection strategy (sticky/round-robin/hybrid)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}
	if debugMode {
		devMode = true
	}
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}
	if host == "" {
		host = utils.CoalesceString(os.Getenv("HOST"), "0.0.0.0")
	}

	if strategyName != "" {
		valid := false
		for _, s := range config.SelectionStrategies {
			if strings.EqualFold(strategyName, s) {
				strategyName = s
				valid = true
				break
			}
		}
		if !valid {
			utils.Warn("[Startup] Invalid strategy %q. Valid options: %s. Using default.",
				strategyName, strings.Join(config.SelectionStrategies, ", "))
			strategyName = ""
		}
	}

	utils.SetDebug(devMode)

	cfg := config.GetConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if fallback {
		utils.Info("Model fallback mode enabled")
	}

	stopWatch, err := cfg.Watch()
	if err != nil {
		utils.Warn("[Startup] Config watch disabled: %v", err)
		stopWatch = func() {}
	}

	// Redis is optional: signature caching and usage stats degrade to
	// process-local or no-op without it.
	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		utils.Warn("[Startup] Redis unavailable (%v), using in-memory caches", err)
		redisClient = nil
	}

	var sigStore *redis.SignatureStore
	if redisClient != nil {
		sigStore = redis.NewSignatureStore(redisClient)
	}
	format.InitGlobalSignatureCache(sigStore)
	cloudcode.StartRateLimitStateCleanup()

	store := storage.NewStore(config.AccountConfigPath)
	manager := account.NewManager(store, cfg)

	usageStats := modules.NewUsageStats(redisClient)
	usageStats.Initialize()

	srv := server.New(cfg, manager, server.Options{
		FallbackEnabled:  fallback,
		StrategyOverride: strategyName,
		Debug:            devMode,
		Stats:            usageStats,
	})
	if err := srv.Initialize(); err != nil {
		utils.Error("[Startup] Failed to initialize server: %v", err)
		os.Exit(1)
	}
	srv.SetupRoutes()

	printBanner(port, host, devMode, fallback, manager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		if err := srv.Run(addr); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopWatch()
	usageStats.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
	}
	manager.Flush()
	if redisClient != nil {
		redisClient.Close()
	}
	utils.Success("Server stopped")
}

func printBanner(port int, host string, devMode, fallback bool, manager *account.Manager, cfg *config.Config) {
	status := manager.Status()

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Printf("  Antigravity Relay v%s\n", config.Version)
	fmt.Printf("  Listening on http://%s:%d (bound to %s)\n", displayHost, port, host)
	fmt.Println()
	fmt.Printf("  Strategy: %s\n", account.StrategyLabel(status.Strategy))
	fmt.Printf("  Accounts: %d total, %d available, %d rate-limited, %d invalid\n",
		status.Total, status.Available, status.RateLimited, status.Invalid)
	if devMode {
		fmt.Println("  Developer mode enabled")
	}
	if fallback {
		fmt.Println("  Model fallback enabled")
	}
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/messages          Anthropic Messages API")
	fmt.Println("    GET  /v1/models            List available models")
	fmt.Println("    GET  /health               Health check")
	fmt.Println("    GET  /account-limits       Account status and quotas")
	fmt.Println("    POST /refresh-token        Force token refresh")
	fmt.Println()
	fmt.Printf("  Storage: %s\n", config.ConfigDir)
	fmt.Println()
	fmt.Println("  Usage with Claude Code:")
	fmt.Printf("    export ANTHROPIC_BASE_URL=http://localhost:%d\n", port)
	if cfg.APIKey != "" {
		fmt.Println("    export ANTHROPIC_API_KEY=<configured key>")
	}
	fmt.Println("    claude")
	fmt.Println()
	fmt.Println("  Add Google accounts:")
	fmt.Println("    relay-accounts add")
	fmt.Println()
}
