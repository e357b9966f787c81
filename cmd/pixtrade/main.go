package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pixtrade/pixtrade/internal/balance"
	"github.com/pixtrade/pixtrade/internal/cache"
	"github.com/pixtrade/pixtrade/internal/config"
	"github.com/pixtrade/pixtrade/internal/database"
	"github.com/pixtrade/pixtrade/internal/gateway"
	"github.com/pixtrade/pixtrade/internal/identity"
	"github.com/pixtrade/pixtrade/internal/ledger"
	"github.com/pixtrade/pixtrade/internal/mapping"
	"github.com/pixtrade/pixtrade/internal/payments"
	"github.com/pixtrade/pixtrade/internal/pricefeed"
	"github.com/pixtrade/pixtrade/internal/trade"
	"github.com/pixtrade/pixtrade/internal/webhook"
	"github.com/pixtrade/pixtrade/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Connect to PostgreSQL and apply the schema
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Optional redis-backed webhook dedup filter
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	deduper := cache.NewDeduper(zapLogger, rdb, 24*time.Hour)

	// Create services
	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.ClientID, cfg.Gateway.ClientSecret, cfg.Gateway.Timeout, cfg.Gateway.MaxRetries, zapLogger)
	balances := balance.NewService(zapLogger, db)
	mappings := mapping.NewStore(zapLogger, db, gw)
	ledgerSvc := ledger.NewService(zapLogger, db, balances)
	paymentsSvc := payments.NewService(zapLogger, db, gw, mappings, ledgerSvc, balances, "BRL")
	reconciler := webhook.NewReconciler(zapLogger, db, mappings, ledgerSvc, deduper)
	tradeSvc := trade.NewService(zapLogger, db, balances, cfg.Trading.PayoutRatio)
	prices := pricefeed.NewClient(cfg.Trading.PriceFeedURL, cfg.Trading.PriceFeedTimeout)

	// Background workers: settlement sweep and pending-transaction poll
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := trade.NewSweeper(zapLogger, tradeSvc, prices, cfg.Trading.SweepInterval)
	go sweeper.Run(ctx)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := paymentsSvc.ReconcilePending(ctx, 5*time.Minute, 100); err != nil {
					zapLogger.Error("Pending reconciliation failed", zap.Error(err))
				}
			}
		}
	}()

	// Build HTTP router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(zapLogger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zapLogger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Webhook-Signature"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")

	// Webhook endpoint: authenticated by signature, not by user token
	webhook.NewHandler(reconciler, zapLogger, cfg.Gateway.WebhookSecret).Routes(api)

	// User endpoints behind the identity middleware
	authMw := identity.NewMiddleware(zapLogger, cfg.Auth.JWTSecret, cfg.Auth.RejectOnFailure)
	userAPI := api.Group("")
	userAPI.Use(authMw.Handler())
	payments.NewHandler(paymentsSvc, balances, zapLogger).Routes(userAPI)
	trade.NewHandler(tradeSvc, zapLogger).Routes(userAPI)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server shutdown failed", zap.Error(err))
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
