package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/database"
	"callorchestrator-backend/internal/domain"
	callHandler "callorchestrator-backend/internal/handler/http/call"
	wsHandler "callorchestrator-backend/internal/handler/ws"
	"callorchestrator-backend/internal/middleware"
	"callorchestrator-backend/internal/repository/cassandra"
	"callorchestrator-backend/internal/repository/cockroach"
	redisRepo "callorchestrator-backend/internal/repository/redis"
	"callorchestrator-backend/internal/service/availability"
	callService "callorchestrator-backend/internal/service/call"
	"callorchestrator-backend/internal/service/quality"
	"callorchestrator-backend/internal/service/recording"
	"callorchestrator-backend/internal/service/relay"
	"callorchestrator-backend/internal/service/scheduling"
	"callorchestrator-backend/internal/service/session"
	"callorchestrator-backend/internal/service/storage"
	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/jwt"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
	"callorchestrator-backend/pkg/resilience"
)

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	appMetrics := metrics.NewDefault(cfg.Server.ServiceName)

	// 2. CockroachDB, the call session store of record
	db := connectCockroach(ctx, cfg.Database)
	defer db.Close()

	callRepo := cockroach.NewCallRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	blockRepo := cockroach.NewBlockedUserRepository(db.Pool)
	quotaRepo := cockroach.NewQuotaRepository(db.Pool, cfg.Recording.DefaultQuotaBytes)

	// 3. Redis with degraded mode support: presence, revocation, cross-instance fan-out
	redisDB := database.NewRedisDB(cfg.Redis, appMetrics)
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Redis health check started", zap.Duration("interval", 10*time.Second))

	presenceRepo := redisRepo.NewPresenceRepository(redisDB)

	// 4. Cassandra sample archive (optional)
	var sampleArchive quality.SampleArchive
	if cfg.Cassandra.Enabled {
		cassandraDB, err := database.NewCassandraDB(cfg.Cassandra)
		if err != nil {
			logger.Warn("Cassandra unavailable, network samples will not be archived", zap.Error(err))
		} else {
			defer cassandraDB.Close()
			sampleArchive = cassandra.NewSampleRepository(cassandraDB, appMetrics)
			logger.Info("Connected to Cassandra", zap.Strings("hosts", cfg.Cassandra.Hosts))
		}
	}

	// 5. Event relay, session store and signaling hub. The relay delivers
	// through the hub, which in turn reads call state from the store.
	var hub *wsHandler.SignalingHub
	eventRelay := relay.NewRelay(relay.DelivererFunc(func(ctx context.Context, recipients []uuid.UUID, evt *domain.Event) error {
		return hub.Deliver(ctx, recipients, evt)
	}), cfg.Relay.BufferSize, appMetrics)

	store := session.NewStore(callRepo, eventRelay, appMetrics)

	hub = wsHandler.NewSignalingHub(redisDB, store, presenceRepo, wsHandler.HubConfig{
		Channel:        cfg.Relay.Channel,
		MaxConnections: cfg.Relay.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, appMetrics)

	// 6. Services
	userDirectory := availability.NewCachedDirectory(userRepo, 30*time.Second, 10000)
	stopCleanup := userDirectory.StartCleanup(time.Minute)
	defer stopCleanup()

	limiter := availability.NewAttemptLimiter(cfg.Call.CallAttemptsPerMin, nil)
	oracle := availability.NewOracle(userDirectory, presenceRepo, store, limiter, appMetrics, nil)

	callSvc := callService.NewService(store, oracle, blockRepo, cfg.Call, appMetrics)
	schedulingSvc := scheduling.NewService(store, oracle, blockRepo, cfg.Call)
	qualitySvc := quality.NewService(store, sampleArchive, cfg.Quality, appMetrics)

	minioClient, err := storage.NewMinioClient(cfg.MinIO)
	if err != nil {
		logger.Fatal("Failed to create MinIO client", zap.Error(err))
	}
	if err := storage.EnsureBucket(ctx, minioClient, cfg.MinIO.Bucket); err != nil {
		logger.Warn("Recording bucket check failed, uploads will retry", zap.Error(err))
	}
	breaker := resilience.NewCircuitBreaker("minio", 5, 30*time.Second, appMetrics.SetCircuitBreakerState)
	uploader := storage.NewMinioUploader(minioClient, cfg.MinIO.Bucket, breaker)
	artifacts := storage.NewLocalArtifacts(cfg.Recording.ArtifactDir)
	recordingSvc := recording.NewService(store, quotaRepo, uploader, artifacts, cfg.Recording, appMetrics)
	callSvc.SetRecordingFinalizer(recordingSvc)

	sweeper, err := callService.NewSweeper(callSvc, cfg.Call.SweepSchedule, limiter)
	if err != nil {
		logger.Fatal("Invalid SWEEP_SCHEDULE", zap.String("schedule", cfg.Call.SweepSchedule), zap.Error(err))
	}

	// 7. Background workers
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		eventRelay.Run(ctx)
	}()
	sweeper.Start()

	// 8. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout, appMetrics))

	router.GET("/health", func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		if err := db.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else if redisDB.IsDegraded() {
			status = "degraded"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		callHandler.NewHandler(callSvc, schedulingSvc, recordingSvc, qualitySvc).RegisterRoutes(v1)

		// WebSocket endpoint for call events and WebRTC signaling
		v1.GET("/ws/signaling", hub.ServeWS)
	}

	// 9. Serve until SIGINT/SIGTERM
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	sweeper.Stop(shutdownCtx)

	// Stopping the workers drains queued events and closes open sockets
	stop()
	for _, done := range []chan struct{}{relayDone, hubDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	logger.Info("Call service stopped")
}

// connectCockroach connects with exponential backoff and exits the process
// when the database never answers
func connectCockroach(ctx context.Context, cfg config.DatabaseConfig) *database.DB {
	db, err := database.Connect(ctx, cfg, database.ConnectPolicy())
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	return db
}
