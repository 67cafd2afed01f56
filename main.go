package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"market_data_service/config"
	"market_data_service/logging"
	"market_data_service/metrics"
	"market_data_service/middleware"
	"market_data_service/models"
	"market_data_service/routes"
	"market_data_service/scheduler"
	"market_data_service/services"
)

// appVersion is exported through the app_version metric.
const appVersion = "1.0.0"

// priceHistoryWindow bounds the Redis price history kept for statistics,
// in seconds.
const priceHistoryWindow = 3600

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Warn().Err(err).Msg("Config load issue")
	}
	logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	log.Info().Msg("==============================================")
	log.Info().Msg("  Market Data Service - Starting...")
	log.Info().Msg("==============================================")

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database connection
	db, err := config.InitDB()
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}

	log.Info().Msg("Running database migrations...")
	if err := models.MigrateMarketDataModels(db); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
	log.Info().Msg("Database migrations completed successfully")

	// Redis cache. The service keeps running on plain DB reads when the
	// cache is unreachable, so a failed ping only warns.
	redisSvc := services.NewRedisService(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.CacheTTL)
	startupPing := services.RetryPolicy{MaxAttempts: 3, Delay: 2 * time.Second}
	if err := startupPing.Do(context.Background(), func() error {
		if !redisSvc.Ping(context.Background()) {
			return errors.New("redis ping failed")
		}
		return nil
	}); err != nil {
		log.Warn().Str("addr", cfg.RedisAddr()).Msg("Redis not reachable, continuing without cache")
	} else {
		log.Info().Msg("Redis connection verified")
	}

	kafkaSvc := services.NewKafkaService(cfg.KafkaBrokers(), services.PriceEventsTopic, cfg.KafkaConsumerGroup)

	auditSvc := services.NewAuditService(cfg.MongoDBURI, "market_data_service")
	if err := auditSvc.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Audit sink unavailable, events stay log-only")
	}

	streamSvc := services.NewStreamService()
	marketDataSvc := services.NewMarketDataService(db)
	pollingSvc := services.NewPollingService(
		services.NewSimulatedQuoteProvider(),
		cfg.DefaultProvider,
		redisSvc,
		kafkaSvc,
		streamSvc,
	)

	metrics.SetAppVersion(appVersion)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.KafkaConsumerEnabled {
		startPriceEventConsumer(consumerCtx, kafkaSvc, marketDataSvc, cfg.MovingAverageWindow)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.CORSOriginList()))
	router.Use(middleware.SecurityHeaders())
	router.Use(metrics.Middleware())

	rateLimiter := middleware.NewRateLimiter(
		cfg.RedisAddr(),
		cfg.RedisPassword,
		cfg.RedisDB,
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		auditSvc,
	)
	router.Use(rateLimiter.Middleware())

	// Setup all API routes
	routes.SetupRoutes(router, routes.Dependencies{
		DB:         db,
		MarketData: marketDataSvc,
		Polling:    pollingSvc,
		Redis:      redisSvc,
		Kafka:      kafkaSvc,
		Stream:     streamSvc,
		Audit:      auditSvc,
		Auth:       middleware.NewAPIKeyAuth(middleware.DefaultAPIKeys(), auditSvc),
		KafkaTopic: cfg.KafkaTopic,
		MAWindow:   cfg.MovingAverageWindow,
	})

	// Start background scheduler
	jobScheduler := scheduler.NewScheduler(marketDataSvc, pollingSvc, redisSvc, cfg.RawDataRetentionDays, priceHistoryWindow)
	jobScheduler.Start()

	// Create HTTP server with timeouts
	// Bind to 0.0.0.0 explicitly for container networking
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Server listening")
		log.Info().Msg("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Graceful shutdown
	gracefulShutdown(server, jobScheduler, pollingSvc, streamSvc, kafkaSvc, auditSvc, redisSvc, stopConsumer)
}

// startPriceEventConsumer recomputes the moving average for every consumed
// price event.
func startPriceEventConsumer(ctx context.Context, kafkaSvc *services.KafkaService, marketData *services.MarketDataService, window int) {
	kafkaSvc.StartConsumer(ctx, func(key, value []byte) {
		var event services.PriceEvent
		if err := json.Unmarshal(value, &event); err != nil {
			log.Warn().Err(err).Msg("Discarding malformed price event")
			return
		}
		avg, ok, err := marketData.CalculateMovingAverage(event.Symbol, window)
		if err != nil {
			log.Warn().Err(err).Str("symbol", event.Symbol).Msg("Moving average recompute failed")
			return
		}
		if !ok {
			return
		}
		log.Info().
			Str("symbol", event.Symbol).
			Float64("moving_average", avg).
			Int("window_size", window).
			Msg("Moving average updated")
	})
}

// corsMiddleware returns a CORS middleware handler restricted to the
// configured origins. A lone "*" allows any origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowAll:
			if origin == "" {
				origin = "*"
			}
			c.Header("Access-Control-Allow-Origin", origin)
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "3600")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// gracefulShutdown stops background workers and drains HTTP traffic.
func gracefulShutdown(
	server *http.Server,
	jobScheduler *scheduler.Scheduler,
	polling *services.PollingService,
	stream *services.StreamService,
	kafkaSvc *services.KafkaService,
	audit *services.AuditService,
	redisSvc *services.RedisService,
	stopConsumer context.CancelFunc,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// Stop scheduler and pollers first so nothing produces new work
	jobScheduler.Stop()
	stopConsumer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	polling.Stop(ctx)

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Server forced to shutdown")
	}

	// WebSocket connections are hijacked, the hub has to close them itself
	stream.Shutdown()

	if err := kafkaSvc.Close(); err != nil {
		log.Warn().Err(err).Msg("Kafka close failed")
	}
	if err := audit.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Audit sink close failed")
	}
	if err := redisSvc.Close(); err != nil {
		log.Warn().Err(err).Msg("Redis close failed")
	}

	// Close database connection
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			sqlDB.Close()
			log.Info().Msg("Database connection closed")
		}
	}

	log.Info().Msg("Server shutdown completed")
}
