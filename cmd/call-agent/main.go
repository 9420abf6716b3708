// Command call-agent is a headless callee: it watches a user's incoming-call
// inbox and auto-answers with synthetic media. Deployed as an echo/recording
// endpoint and used for end-to-end signaling verification.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/call"
	"callbridge-backend/internal/chat"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/media"
	"callbridge-backend/internal/repository/cockroach"
	"callbridge-backend/internal/session"
	"callbridge-backend/internal/store"
	"callbridge-backend/pkg/config"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/database"
	"callbridge-backend/pkg/env"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/resilience"
)

// agent answers one call at a time; a second invite while busy is declined
type agent struct {
	userID  string
	cfg     session.Config
	records *call.RecordManager

	mu       sync.Mutex
	active   *session.Coordinator
	activeID uuid.UUID
}

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

	userID := env.GetString("AGENT_USER_ID", "")
	if userID == "" {
		logger.Fatal("AGENT_USER_ID environment variable is required")
	}

	ctx := context.Background()

	signalingStore, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("signaling store init failed", zap.Error(err))
	}
	defer cleanup()
	logger.Info("signaling store ready", zap.String("backend", cfg.Store.Backend))

	var history session.HistoryRecorder
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
		history = cockroach.NewHistoryRepository(db.Pool)
	}

	records := call.NewRecordManager(signalingStore)
	a := &agent{
		userID:  userID,
		records: records,
		cfg: session.Config{
			Store:       signalingStore,
			Records:     records,
			Media:       media.NewPionEngine(media.StaticCapture()),
			Messenger:   chat.NewStoreMessenger(signalingStore),
			History:     history,
			ICEServers:  cfg.Call.ICEServers,
			RingTimeout: cfg.Call.RingTimeout,
		},
	}

	unsubscribe, err := records.WatchIncoming(ctx, userID, a.onInvite)
	if err != nil {
		logger.Fatal("inbox watch failed", zap.Error(err))
	}
	defer unsubscribe()

	logger.Info("call agent ready", zap.String("user_id", userID))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	a.hangup()
}

func (a *agent) onInvite(invite call.Invite) {
	log := logger.With(zap.String("call_id", invite.CallID.String()))
	log.Info("incoming call", zap.String("caller_id", invite.CallerID), zap.String("type", string(invite.Type)))

	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
	defer cancel()

	incoming, err := a.records.Get(ctx, invite.CallID)
	if err != nil {
		log.Warn("invite points at missing call record", zap.Error(err))
		return
	}
	if incoming.Status != domain.CallStatusRinging || incoming.CalleeID != a.userID {
		log.Debug("invite no longer actionable", zap.String("status", string(incoming.Status)))
		return
	}

	coordinator, err := session.AttachIncoming(ctx, a.sessionConfig(incoming.ID), incoming)
	if err != nil {
		log.Error("failed to attach to incoming call", zap.Error(err))
		return
	}

	a.mu.Lock()
	busy := a.active != nil
	if !busy {
		a.active = coordinator
		a.activeID = incoming.ID
	}
	a.mu.Unlock()

	if busy {
		log.Info("busy, declining call")
		coordinator.Decline(ctx)
		return
	}

	if err := coordinator.Answer(ctx); err != nil {
		log.Error("failed to answer call", zap.Error(err))
		a.clear(coordinator)
		return
	}
	if coordinator.Status().IsTerminal() {
		// The remote side tore the call down while we were answering.
		a.clear(coordinator)
		return
	}
	metrics.CallsStartedTotal.WithLabelValues(string(invite.Type)).Inc()
	log.Info("call answered")
}

// sessionConfig wires the terminal-event hook so the slot frees up when the
// call finishes, whichever side ended it. The hook is keyed to callID: a
// busy-declined call's terminal event must not release the slot still owned
// by the ongoing call.
func (a *agent) sessionConfig(callID uuid.UUID) session.Config {
	cfg := a.cfg
	cfg.OnEvent = func(ev session.Event) {
		if !ev.Status.IsTerminal() {
			return
		}
		metrics.CallsFinishedTotal.WithLabelValues(string(ev.Status)).Inc()
		a.mu.Lock()
		var done *session.Coordinator
		if a.activeID == callID {
			done = a.active
			a.active = nil
			a.activeID = uuid.Nil
		}
		a.mu.Unlock()
		if done != nil {
			metrics.CallDurationSeconds.Observe(done.Duration().Seconds())
		}
	}
	return cfg
}

func (a *agent) clear(c *session.Coordinator) {
	a.mu.Lock()
	if a.active == c {
		a.active = nil
		a.activeID = uuid.Nil
	}
	a.mu.Unlock()
}

func (a *agent) hangup() {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
	defer cancel()
	active.End(ctx)
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
