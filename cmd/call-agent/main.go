package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"duocall-backend/internal/call"
	"duocall-backend/internal/database"
	callHandler "duocall-backend/internal/handler/http/call"
	pushHandler "duocall-backend/internal/handler/http/push"
	wsHandler "duocall-backend/internal/handler/ws"
	"duocall-backend/internal/media"
	"duocall-backend/internal/middleware"
	"duocall-backend/internal/notify"
	"duocall-backend/internal/peer"
	"duocall-backend/internal/repository/cockroach"
	redisRepo "duocall-backend/internal/repository/redis"
	"duocall-backend/internal/service/presence"
	"duocall-backend/internal/signaling"
	"duocall-backend/pkg/audit"
	"duocall-backend/pkg/config"
	"duocall-backend/pkg/constants"
	"duocall-backend/pkg/jwt"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/metrics"
	"duocall-backend/pkg/push"
	"duocall-backend/pkg/resilience"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting call agent",
		zap.String("service", cfg.Server.ServiceName),
		zap.String("environment", cfg.Server.Environment),
		zap.String("user_id", cfg.Identity.SelfID))

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Redis with degraded mode support
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, cfg.Redis.HealthCheckInterval)

	// 3. CockroachDB for call history, optional
	var history *cockroach.CallRepository
	if cfg.Database.Enabled {
		db, err := connectDB(ctx, cfg)
		if err != nil {
			logger.Warn("Running without call history persistence", zap.Error(err))
		} else {
			defer db.Close()
			history = cockroach.NewCallRepository(db.Pool, appMetrics)
			if err := history.EnsureSchema(ctx); err != nil {
				logger.Fatal("Failed to prepare call history schema", zap.Error(err))
			}
		}
	}

	// 4. Signaling channel and call directory
	store := signaling.NewRedisStore(redisDB,
		resilience.NewExecutor(resilience.DefaultConfig("redis-signaling")),
		cfg.Call.SignalingTTL, logger.Log)

	// 5. Identity, optionally gated on partner presence
	static := call.StaticIdentity{
		SelfIdentity:    call.Identity{ID: cfg.Identity.SelfID, Name: cfg.Identity.SelfName},
		PartnerIdentity: call.Identity{ID: cfg.Identity.PartnerID, Name: cfg.Identity.PartnerName},
	}
	var identity call.IdentityProvider = static
	if cfg.Identity.Presence {
		presenceRepo := redisRepo.NewPresenceRepository(redisDB, 3*cfg.Identity.PresenceInterval)
		presenceSvc := presence.NewService(presenceRepo, static, cfg.Identity.PresenceInterval, logger.Log)
		presenceSvc.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			presenceSvc.Stop(stopCtx)
		}()
		identity = presenceSvc
	}

	// 6. Push notifications
	pushProvider, err := push.NewProvider(ctx, push.ProviderConfig{
		Type:            push.ProviderType(cfg.Push.Provider),
		ProjectID:       cfg.Push.FirebaseProjectID,
		CredentialsPath: cfg.Push.FirebaseCredentialsPath,
	})
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client), appMetrics)
	notifier := notify.NewPushNotifier(pushSvc, cfg.Push.SendTimeout, logger.Log)
	defer notifier.Close()

	// 7. Media capture and peer connections
	provider, err := newMediaProvider(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize media provider", zap.Error(err))
	}
	newPeer := call.WrapperFactory(peer.Config{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: cfg.Call.ICEDisconnectedAfter,
		FailedTimeout:       cfg.Call.ICEFailedAfter,
		KeepAliveInterval:   cfg.Call.ICEKeepAlive,
		Logger:              logger.Log,
		TracePion:           cfg.Call.TracePion,
	}, provider)

	// 8. Call machine
	deps := call.Deps{
		Identity: identity,
		Store:    store,
		NewPeer:  newPeer,
		Notifier: notifier,
		Metrics:  appMetrics,
		Logger:   logger.Log,
		NewSink: func(string) peer.RemoteSink {
			return &peer.MeterSink{Recorder: appMetrics}
		},
	}
	if history != nil {
		deps.History = history
	}
	machine, err := call.NewMachine(call.Config{
		DeleteGracePeriod:    cfg.Call.DeleteGracePeriod,
		CloseTimeout:         cfg.Call.CloseTimeout,
		MaxReconnectAttempts: cfg.Call.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Call.ReconnectBackoff,
		QualityInterval:      cfg.Call.QualityInterval,
		RingTimeout:          cfg.Call.RingTimeout,
		TickInterval:         cfg.Call.TickInterval,
		WriteTimeout:         constants.DefaultTimeout,
	}, deps)
	if err != nil {
		logger.Fatal("Failed to create call machine", zap.Error(err))
	}
	auditLog := audit.NewLogger(redisDB.Client, audit.DefaultConfig(), logger.Log)
	defer auditLog.Close()
	machine.Subscribe(notify.AuditSubscriber(auditLog, cfg.Identity.SelfID))

	if err := machine.Watch(ctx); err != nil {
		logger.Fatal("Failed to watch for incoming calls", zap.Error(err))
	}

	// 9. HTTP and WebSocket surface
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	events := wsHandler.NewEventHub(machine, appMetrics, cfg.Server.CORSAllowedOrigins)
	rateLimiter := middleware.NewRateLimiter(redisDB, cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)

	var historyLister callHandler.HistoryLister
	if history != nil {
		historyLister = history
	}

	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Fatal("Failed to configure trusted proxies", zap.Error(err))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName, func() map[string]string {
		status := map[string]string{"redis": "ok", "database": "disabled"}
		if redisDB.IsDegraded() {
			status["redis"] = "degraded"
		}
		if history != nil {
			status["database"] = "ok"
		}
		return status
	}))
	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, cfg.Identity.SelfID))
	v1.Use(rateLimiter.Middleware())
	{
		callHandler.NewHandler(machine, historyLister).WithAudit(auditLog).RegisterRoutes(v1)
		pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
		v1.GET("/call/ws/events", events.ServeWS)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call agent listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("events", "/v1/call/ws/events"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	events.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	// Ends any live call and flushes pending record deletions
	if err := machine.Close(); err != nil {
		logger.Error("Call machine shutdown failed", zap.Error(err))
	}
	logger.Info("Call agent stopped")
}

// connectDB opens the history database, retrying with backoff while it
// comes up
func connectDB(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	retry := resilience.NewExecutor(resilience.Config{
		Name:             "cockroach-connect",
		InitialInterval:  time.Second,
		MaxInterval:      30 * time.Second,
		MaxElapsedTime:   2 * time.Minute,
		FailureThreshold: 10,
		Cooldown:         time.Minute,
	})

	var db *database.DB
	err := retry.Execute(ctx, "connect", func(ctx context.Context) error {
		var err error
		db, err = database.NewDB(ctx, &database.DBConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			logger.Warn("CockroachDB connection attempt failed", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connect to cockroachdb: %w", err)
	}
	logger.Info("Connected to CockroachDB", zap.String("host", cfg.Database.Host))
	return db, nil
}

func newMediaProvider(cfg *config.Config) (media.Provider, error) {
	switch cfg.Call.MediaProvider {
	case "device":
		return media.NewDeviceProvider(cfg.Call.VideoBitRate, cfg.Call.MaxVideoWidth, cfg.Call.MaxVideoHeight)
	default:
		return media.NewStaticProvider(), nil
	}
}
