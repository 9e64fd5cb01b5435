package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/auth"
	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/database"
	"github.com/ksred/klear-auction/internal/events"
	"github.com/ksred/klear-auction/internal/lock"
	"github.com/ksred/klear-auction/internal/lot"
	"github.com/ksred/klear-auction/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the auction API server with graceful shutdown support
// It wires the lot registry, the auction engine, its reconciler and the optional
// Kafka and Redis integrations
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/auction.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Auction events go to Kafka when brokers are configured
	var notifier auction.Notifier = auction.NopNotifier{}
	var publisher *events.Publisher
	publisherDone := make(chan struct{})
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaAuctionTopic)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to create auction event publisher")
		}
		notifier = publisher
		go func() {
			publisher.Run(bgCtx)
			close(publisherDone)
		}()
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterClaimant(auth.TestAPIKey, auth.TestAPISecret)
	authService.RegisterOperator(auth.TestOperatorKey, auth.TestOperatorSecret)

	lotService := lot.NewService(db, nil)
	lotHandlers := lot.NewGinHandlers(lotService)

	auctionService := auction.NewService(db, cfg,
		auction.WithLotSource(lotService.GetDB()),
		auction.WithNotifier(notifier),
	)
	auctionHandlers := auction.NewGinHandlers(auctionService)
	lotService.SetTrigger(auctionService)

	// Only one replica reconciles per tick when Redis is available
	var tickLock auction.TickLock = lock.Local{}
	if cfg.RedisURL != "" {
		client, err := lock.Connect(bgCtx, cfg.RedisURL)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer client.Close()
		tickLock = lock.NewRedisTickLock(client)
	}

	// Create and start the reconciler
	reconciler := auction.NewReconciler(auctionService, lotService.GetDB(), tickLock, cfg.ReconcileInterval)
	go reconciler.Start(bgCtx)

	// Consume lot lifecycle events
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := events.NewLotConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaLotTopic, lotService)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to create lot event consumer")
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(bgCtx); err != nil {
				zlog.Error().Err(err).Msg("lot event consumer stopped")
			}
		}()
	}

	// Initialize router
	router := gin.Default()

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg, authHandlers, lotHandlers, auctionHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("Auction API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop background workers; the publisher flushes queued events
	bgCancel()
	if publisher != nil {
		<-publisherDone
		if err := publisher.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close auction event publisher")
		}
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public token issuance
// - Auction reads: public
// - Bids: protected by claimant JWT authentication
// - Lot writes, auction creation and cancellation: internal permission required
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	authHandlers *auth.GinHandlers,
	lotHandlers *lot.GinHandlers,
	auctionHandlers *auction.GinHandlers,
) {
	claimant := middleware.JWTAuth(cfg.JWTSecret)
	internal := middleware.InternalAuth(cfg.JWTSecret)

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		auctionHandlers.RegisterRoutes(v1, claimant, internal)
		lotHandlers.RegisterRoutes(v1, internal)
	}
}
