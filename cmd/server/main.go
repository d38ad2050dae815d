package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "economy-api/docs"
	"economy-api/internal/cache"
	"economy-api/internal/config"
	"economy-api/internal/controller"
	"economy-api/internal/database"
	"economy-api/internal/engine"
	"economy-api/internal/external"
	"economy-api/internal/middleware"
	"economy-api/internal/monitoring"
	"economy-api/internal/service"
	"economy-api/pkg/logger"
)

// @title Economy API
// @version 1.0
// @description Virtual economy backend - currency ledger, inventory and escrow trading

// @contact.name API Support

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description Internal service API key for inter-service communication.

// @securityDefinitions.apikey AdminAuth
// @in header
// @name X-API-Key
// @description Admin API key or admin-role bearer token for operator endpoints.

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"port":       cfg.Server.Port,
	}).Info("Starting Economy API")

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	cancel()

	logrus.Info("Server exited")
}

// Application holds the wired dependency graph.
type Application struct {
	config  *config.Config
	router  *gin.Engine
	cleanup func()
}

func initializeApp(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := database.Initialize(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}
	repos := db.Repositories

	var publisher external.EventPublisher
	if cfg.RabbitMQ.Enabled {
		publisher, err = external.NewEventPublisher(&external.PublisherConfig{
			URL:           cfg.RabbitMQ.URL,
			ExchangeName:  cfg.RabbitMQ.Exchange,
			RetryAttempts: cfg.RabbitMQ.RetryAttempts,
			RetryDelay:    cfg.RabbitMQ.RetryDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event publisher: %w", err)
		}
	} else {
		logrus.Warn("Event publishing disabled")
	}

	balanceCache := cache.NewBalanceCache(db.RedisDB, cfg.Redis.BalanceTTL)

	ledgerService := service.NewLedgerService(
		repos.Balance, repos.Ledger, repos.Idempotency, repos.TxnRunner, balanceCache, cfg.Redis.IdempotencyTTL)
	inventoryService := service.NewInventoryService(
		repos.Inventory, repos.NFT, repos.LockManager, repos.TxnRunner, cfg.Redis.LockTTL)

	tradeEngine := engine.NewTradeEngine(
		repos.Trade, repos.Balance, repos.Ledger, repos.Inventory, repos.NFT,
		repos.LockManager, repos.TxnRunner, publisher, cfg.Trading.DefaultTTL, cfg.Redis.LockTTL)
	reconciliationEngine := engine.NewReconciliationEngine(repos.Balance, repos.Ledger)

	sweeper := engine.NewExpirySweeper(tradeEngine, cfg.Trading.SweepSchedule, cfg.Trading.SweepTimeout)
	if err := sweeper.Start(); err != nil {
		return nil, fmt.Errorf("failed to start expiry sweeper: %w", err)
	}

	healthChecker := monitoring.NewHealthChecker(version, 0)
	healthChecker.RegisterCheck("datastores", db.HealthCheck)

	router := setupRouter(cfg, db, healthChecker, &controllers{
		ledger:    controller.NewLedgerController(ledgerService),
		inventory: controller.NewInventoryController(inventoryService),
		trade:     controller.NewTradeController(tradeEngine),
		admin:     controller.NewAdminController(ledgerService, inventoryService, reconciliationEngine, tradeEngine),
	})

	cleanup := func() {
		logrus.Info("Cleaning up application resources...")
		sweeper.Stop()
		if publisher != nil {
			if err := publisher.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close event publisher")
			}
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			logrus.WithError(err).Warn("Failed to close database connections")
		}
	}

	return &Application{config: cfg, router: router, cleanup: cleanup}, nil
}

type controllers struct {
	ledger    *controller.LedgerController
	inventory *controller.InventoryController
	trade     *controller.TradeController
	admin     *controller.AdminController
}

func setupRouter(cfg *config.Config, db *database.Database, health *monitoring.HealthChecker, c *controllers) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logrus.WithError(err).Warn("Failed to set trusted proxies")
	}

	authMW := middleware.NewAuthMiddleware(
		cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.InternalAPIKey, cfg.Auth.AdminAPIKey)
	loggingMW := middleware.NewLoggingMiddleware(logrus.StandardLogger())
	securityMW := middleware.NewSecurityMiddleware(1 << 20)
	rateLimitMW := middleware.NewRateLimitMiddleware(db.RedisDB, nil)

	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-Admin-ID", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: false,
	}))
	router.Use(loggingMW.RequestLogger())
	router.Use(loggingMW.AuditLogger())
	router.Use(securityMW.SecurityHeaders())
	router.Use(securityMW.RequestSizeLimit())
	router.Use(rateLimitMW.IPRateLimit())

	router.GET("/health", func(ctx *gin.Context) {
		status := health.CheckHealth(ctx.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		ctx.JSON(code, status)
	})
	router.GET("/ready", func(ctx *gin.Context) {
		if !health.Healthy(ctx.Request.Context()) {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/version", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
			"service":    "economy-api",
		})
	})

	if cfg.Monitoring.EnableMetrics {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	if cfg.Server.EnableSwagger {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Player-facing endpoints, JWT authenticated.
	api := router.Group("/api")
	api.Use(authMW.JWTAuth())
	api.Use(rateLimitMW.UserRateLimit())
	{
		users := api.Group("/users/:userId")
		users.Use(authMW.ValidateUserAccess())
		{
			users.GET("/balances", c.ledger.ListBalances)
			users.GET("/balances/:currencyId", c.ledger.GetBalance)
			users.GET("/balances/:currencyId/entries", c.ledger.ListEntries)
			users.GET("/inventory", c.inventory.ListInventory)
			users.POST("/nfts/:instanceId/upgrade", c.inventory.UpgradeNFT)
		}

		api.GET("/nfts/:instanceId", c.inventory.GetNFT)

		trades := api.Group("/trades")
		trades.Use(rateLimitMW.TradeRateLimit())
		{
			trades.POST("", c.trade.Propose)
			trades.GET("", c.trade.ListTrades)
			trades.GET("/:tradeId", c.trade.GetTrade)
			trades.POST("/:tradeId/accept", c.trade.Accept)
			trades.POST("/:tradeId/cancel", c.trade.Cancel)
		}
	}

	// Internal endpoints for trusted game services, API-key authenticated.
	internal := router.Group("/api/internal")
	internal.Use(authMW.InternalAPIAuth())
	{
		internal.POST("/users/:userId/ledger/credit", c.ledger.Credit)
		internal.POST("/users/:userId/ledger/debit", c.ledger.Debit)
		internal.POST("/ledger/transfer", c.ledger.Transfer)
		internal.POST("/users/:userId/inventory/grant", c.inventory.GrantStack)
		internal.POST("/users/:userId/inventory/consume", c.inventory.ConsumeStack)
		internal.POST("/inventory/move", c.inventory.MoveBatch)
		internal.POST("/nfts/:instanceId/transfer", c.inventory.TransferNFT)
	}

	// Operator endpoints.
	admin := router.Group("/api/admin")
	admin.Use(authMW.AdminAuth())
	{
		admin.POST("/users/:userId/adjust", c.admin.AdjustBalance)
		admin.POST("/reconcile", c.admin.ReconcileBalance)
		admin.POST("/reconcile/batch", c.admin.ReconcileAll)
		admin.POST("/nfts/mint", c.admin.MintNFT)
		admin.POST("/trades/sweep", c.admin.SweepExpiredTrades)
	}

	return router
}
