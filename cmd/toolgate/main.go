package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/gateway"
	"github.com/toolgate-io/toolgate/internal/gateway/handler"
	"github.com/toolgate-io/toolgate/internal/health"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/storage"
	"github.com/toolgate-io/toolgate/internal/transport"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "Aggregating tool gateway",
	Long: `toolgate aggregates callable tools from many MCP servers behind one
unified interface, with relevance search over the combined catalog and
deferred activation of tools until search first surfaces them.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync() //nolint:errcheck

		if err := run(logger); err != nil {
			logger.Error("gateway exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the toolgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("toolgate", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStorage builds the configured storage backend.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.Storage {
	case "memory":
		logger.Info("using in-memory storage (state is lost on restart)")
		return storage.NewMemoryStore(), nil
	case "redis":
		store, err := storage.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return store, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store, err := storage.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to postgres")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	store, err := openStorage(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	reg := registry.New(store, cfg.MaxRetries, logger)
	client := transport.NewMCPClient(cfg.ConnectTimeout, logger)
	gw := gateway.New(cfg, reg, client, logger)

	// A persistent backend may already hold registrations; restore the
	// derived index and activation state from it.
	if err := gw.RebuildIndex(startCtx); err != nil {
		logger.Warn("index rebuild from storage failed", zap.Error(err))
	}

	// Startup server registrations.
	if cfg.ServersFile != "" {
		servers, err := config.LoadServersFile(cfg.ServersFile, cfg.DefaultLoadingMode)
		if err != nil {
			return err
		}
		for _, s := range servers {
			if _, err := gw.RegisterServer(startCtx, s.ServerRegistration, s.Auth, true); err != nil {
				logger.Warn("startup server registration failed",
					zap.String("server", s.Name),
					zap.Error(err),
				)
			}
		}
	}

	// ── HTTP Router ───────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(handler.RateLimiter(cfg.RateLimitRPS, int(cfg.RateLimitRPS)*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/v1")
	handler.NewGatewayHandler(gw, logger).Register(v1)

	// ── Background: downstream health probes ──────────────────────────────
	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	checker := health.New(reg, reg, health.Config{CheckInterval: cfg.HealthCheckInterval}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)
	go checker.Start(probeCtx)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("gateway stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
