package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"callbridge-backend/internal/call"
	callsHandler "callbridge-backend/internal/handler/http/calls"
	historyHandler "callbridge-backend/internal/handler/http/history"
	wsHandler "callbridge-backend/internal/handler/ws"
	"callbridge-backend/internal/middleware"
	"callbridge-backend/internal/repository/cockroach"
	"callbridge-backend/internal/store"
	"callbridge-backend/pkg/config"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/database"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// 1. Signaling store backend
	signalingStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("signaling store init failed", zap.Error(err))
	}
	defer cleanup()
	logger.Info("signaling store ready", zap.String("backend", cfg.Store.Backend))

	// 2. Optional call-history persistence
	var histHdlr *historyHandler.Handler
	if cfg.Database.Enabled {
		db, err := database.NewCockroachDB(ctx, &database.CockroachConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("CockroachDB connection failed", zap.Error(err))
		}
		defer db.Close()
		histHdlr = historyHandler.NewHandler(cockroach.NewHistoryRepository(db.Pool))
		logger.Info("call history persistence enabled")
	}

	// 3. Relay hub and call lookups
	hub := wsHandler.NewRelayHub(signalingStore)
	callsHdlr := callsHandler.NewHandler(call.NewRecordManager(signalingStore))

	// 4. Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/calls/ws", hub.ServeWS)
		v1.GET("/calls/active", callsHdlr.GetActive)
		if histHdlr != nil {
			v1.GET("/history/calls/:id", histHdlr.GetCall)
			v1.GET("/history/users/:id/calls", histHdlr.ListForUser)
			v1.GET("/history/chats/:id/calls", histHdlr.ListForChat)
		}
	}

	// 5. Serve with graceful shutdown
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("signaling relay starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildStore constructs the configured signaling store backend
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "redis":
		db, err := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		breaker := resilience.NewCircuitBreaker("signaling-store")
		return store.NewResilientStore(store.NewRedisStore(db.Client), breaker), func() { db.Close() }, nil

	case "firebase":
		fs, err := store.NewFirebaseStore(ctx, &store.FirebaseConfig{
			DatabaseURL:     cfg.Firebase.DatabaseURL,
			CredentialsPath: cfg.Firebase.CredentialsFile,
			PollInterval:    cfg.Firebase.PollInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		breaker := resilience.NewCircuitBreaker("signaling-store")
		return store.NewResilientStore(fs, breaker), func() {}, nil

	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}
