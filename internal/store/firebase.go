package store

import (
	"context"
	"reflect"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// FirebaseStore implements Store on the Firebase Realtime Database. The admin
// SDK exposes no streaming listener, so Watch and WatchChildren poll at a
// configurable interval; that still satisfies the at-least-once contract the
// subscribers are written against.
type FirebaseStore struct {
	client       *db.Client
	pollInterval time.Duration
}

// FirebaseConfig holds connection settings for the Realtime Database
type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsPath string
	PollInterval    time.Duration
}

// NewFirebaseStore initializes the Firebase app and database client
func NewFirebaseStore(ctx context.Context, cfg *FirebaseConfig) (*FirebaseStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to initialize Firebase app", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to initialize Firebase database client", err)
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = constants.WatchPollInterval
	}

	logger.Info("Firebase store initialized",
		zap.String("database_url", cfg.DatabaseURL),
		zap.Duration("poll_interval", pollInterval))

	return &FirebaseStore{client: client, pollInterval: pollInterval}, nil
}

// Get implements Store
func (s *FirebaseStore) Get(ctx context.Context, key string) (map[string]any, error) {
	var out map[string]any
	if err := s.client.NewRef(key).Get(ctx, &out); err != nil {
		return nil, apperrors.NewStoreUnavailable("firebase get failed", err)
	}
	return out, nil
}

// Set implements Store
func (s *FirebaseStore) Set(ctx context.Context, key string, value map[string]any) error {
	if err := s.client.NewRef(key).Set(ctx, value); err != nil {
		return apperrors.NewStoreUnavailable("firebase set failed", err)
	}
	return nil
}

// Update implements Store
func (s *FirebaseStore) Update(ctx context.Context, key string, fields map[string]any) error {
	if err := s.client.NewRef(key).Update(ctx, fields); err != nil {
		return apperrors.NewStoreUnavailable("firebase update failed", err)
	}
	return nil
}

// Append implements Store
func (s *FirebaseStore) Append(ctx context.Context, listKey string, value map[string]any) error {
	if _, err := s.client.NewRef(listKey).Push(ctx, value); err != nil {
		return apperrors.NewStoreUnavailable("firebase push failed", err)
	}
	return nil
}

// Delete implements Store
func (s *FirebaseStore) Delete(ctx context.Context, key string) error {
	if err := s.client.NewRef(key).Delete(ctx); err != nil {
		return apperrors.NewStoreUnavailable("firebase delete failed", err)
	}
	return nil
}

// Watch implements Store by polling the key and delivering each observed
// change. Duplicate deliveries are possible across transient read errors.
func (s *FirebaseStore) Watch(ctx context.Context, key string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		var last map[string]any
		for {
			snapshot, err := s.Get(watchCtx, key)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				logger.Warn("firebase watch: poll failed",
					zap.String("key", key),
					zap.Error(err))
				last = nil // force redelivery once the backend recovers
			} else if snapshot != nil && !reflect.DeepEqual(snapshot, last) {
				last = snapshot
				fn(snapshot)
			}

			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// WatchChildren implements Store by polling the list ordered by push key.
// Push keys are chronological and the list is append-only, so an index
// cursor yields exactly-once, in-order delivery.
func (s *FirebaseStore) WatchChildren(ctx context.Context, listKey string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		delivered := 0
		for {
			nodes, err := s.client.NewRef(listKey).OrderByKey().GetOrdered(watchCtx)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				logger.Warn("firebase watch: children poll failed",
					zap.String("list_key", listKey),
					zap.Error(err))
			} else {
				for ; delivered < len(nodes); delivered++ {
					var child map[string]any
					if err := nodes[delivered].Unmarshal(&child); err != nil {
						logger.Warn("firebase watch: malformed child skipped",
							zap.String("list_key", listKey),
							zap.Error(err))
						continue
					}
					fn(child)
				}
			}

			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
