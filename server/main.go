package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/traffic-cv/server/cache"
	"github.com/san-kum/traffic-cv/server/config"
	"github.com/san-kum/traffic-cv/server/handlers"
	"github.com/san-kum/traffic-cv/server/middleware"
	"github.com/san-kum/traffic-cv/server/ml"
	"github.com/san-kum/traffic-cv/server/processor"
	"github.com/san-kum/traffic-cv/server/store"
)

type Server struct {
	router         *gin.Engine
	logger         *zap.Logger
	frameProcessor *processor.FrameProcessor
	mlClient       *ml.Client
	store          *store.Store
	config         *config.Config
}

func main() {
	issueToken := flag.Duration("issue-admin-token", 0, "print an admin token valid for the given duration and exit")
	flag.Parse()

	cfg := config.LoadConfig()

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if *issueToken > 0 {
		if cfg.Security.JWTSecretKey == "" {
			logger.Fatal("JWT_SECRET_KEY must be set to issue tokens")
		}
		token, err := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger).GenerateToken("operator", middleware.RoleAdmin, *issueToken)
		if err != nil {
			logger.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop taking requests before the sessions are flushed
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	server.Close()

	logger.Info("Server exited")
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	cacheInstance := cache.NewMemoryCache(cfg.Cache.MaxItems, cfg.Cache.TTL, logger)

	mlClient, err := ml.NewClient(ml.ClientConfig{
		DetectorURL:         cfg.ML.DetectorURL,
		ForecasterURL:       cfg.ML.ForecasterURL,
		Timeout:             cfg.ML.Timeout,
		MaxRetries:          cfg.ML.MaxRetries,
		RetryDelay:          cfg.ML.RetryDelay,
		HealthCheckInterval: cfg.ML.HealthCheckInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ML client: %w", err)
	}

	var (
		countStore *store.Store
		counts     processor.CountStore
	)
	if cfg.Database.Path != "" {
		countStore, err = store.Open(cfg.Database.Path, logger)
		if err != nil {
			mlClient.Close()
			return nil, fmt.Errorf("failed to open count store: %w", err)
		}
		counts = countStore
	}

	var forecaster processor.Forecaster
	if mlClient.ForecastEnabled() {
		forecaster = mlClient
	}

	frameProcessor, err := processor.NewFrameProcessor(processor.ProcessorConfig{
		Tracker:            cfg.TrackerConfig(),
		UnknownClassPolicy: cfg.UnknownClassPolicy(),
		BucketInterval:     cfg.Counting.BucketInterval,
		SeriesCapacity:     cfg.Counting.SeriesCapacity,
		ForecastPeriods:    cfg.Counting.ForecastPeriods,
		MaxSessions:        cfg.Stream.MaxSessions,
		IdleTimeout:        cfg.Stream.IdleTimeout,
		ReapInterval:       cfg.Stream.ReapInterval,
		DeletionBurstWarn:  cfg.Stream.DeletionBurstWarn,
		MaxBatchFrames:     cfg.Stream.MaxBatchFrames,
		QueueSize:          cfg.Stream.QueueSize,
		Workers:            cfg.Stream.Workers,
		ProcessingTimeout:  cfg.ML.Timeout,
		ResultTTL:          cfg.Cache.TTL,
		MaxTimestampSkew:   cfg.Stream.MaxTimestampSkew,
	}, mlClient, forecaster, counts, cacheInstance, logger)
	if err != nil {
		mlClient.Close()
		if countStore != nil {
			countStore.Close()
		}
		return nil, fmt.Errorf("failed to create frame processor: %w", err)
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow, logger)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	wsHandler := handlers.NewWebSocketHandler(frameProcessor, cfg.Security.AllowedOrigins, logger)
	streamHandler := handlers.NewStreamHandler(frameProcessor, logger)

	setupRoutes(router, cfg, wsHandler, streamHandler, authMiddleware, rateLimiter, mlClient)

	return &Server{
		router:         router,
		logger:         logger,
		frameProcessor: frameProcessor,
		mlClient:       mlClient,
		store:          countStore,
		config:         cfg,
	}, nil
}

// Close flushes every live stream, then releases the ML client and the
// store.
func (s *Server) Close() {
	if err := s.frameProcessor.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
	}

	s.mlClient.Close()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Failed to close count store", zap.Error(err))
		}
	}
}

func setupRoutes(router *gin.Engine, cfg *config.Config, wsHandler *handlers.WebSocketHandler, streamHandler *handlers.StreamHandler, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter, mlClient *ml.Client) {
	health := middleware.HealthCheck("traffic-cv", mlClient.Healthy)

	router.GET("/health", health)

	// one websocket carries a whole stream, so only the upgrade is limited
	router.GET("/ws/streams/:stream_id", rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(middleware.TimeoutHandler(cfg.Security.RequestTimeout))
	api.Use(middleware.RequireJSON())
	{
		api.GET("/health", health)

		frames := api.Group("/streams/:stream_id")
		frames.Use(rateLimiter.RateLimitWithConfig(cfg.Security.FrameRateLimit, cfg.Security.RateLimitWindow))
		{
			frames.POST("/frames", streamHandler.ProcessDetections)
			frames.POST("/analyze-frame", streamHandler.AnalyzeFrame)
		}

		public := api.Group("/")
		public.Use(rateLimiter.RateLimit())
		{
			public.GET("/streams", streamHandler.ListStreams)
			public.GET("/streams/:stream_id/tracks", streamHandler.GetTracks)
			public.GET("/streams/:stream_id/latest", streamHandler.GetLatest)
			public.GET("/streams/:stream_id/counts", streamHandler.GetCounts)
			public.GET("/streams/:stream_id/series", streamHandler.GetSeries)
			public.GET("/streams/:stream_id/history", streamHandler.GetHistory)
			public.POST("/streams/:stream_id/forecast", streamHandler.Forecast)
			public.POST("/streams/:stream_id/reset", streamHandler.ResetStream)
			public.POST("/streams/:stream_id/batch", streamHandler.SubmitBatch)
			public.GET("/jobs/:job_id", streamHandler.GetJobStatus)
			public.GET("/stats", streamHandler.GetStats)
		}

		admin := api.Group("/")
		admin.Use(middleware.IPWhitelist(cfg.Security.AdminAllowedIPs))
		admin.Use(auth.RequireAuth())
		admin.Use(auth.RequireRole(middleware.RoleAdmin))
		{
			admin.DELETE("/streams/:stream_id", streamHandler.CloseStream)
		}
	}
}
