package store

import (
	"context"

	"callbridge-backend/pkg/metrics"
	"callbridge-backend/pkg/resilience"
)

// ResilientStore decorates a Store with a circuit breaker so a dead backend
// fails call operations fast instead of stalling every coordinator on
// timeouts. Subscriptions are wrapped only at setup; deliveries flow
// directly from the inner store.
type ResilientStore struct {
	inner   Store
	breaker *resilience.CircuitBreaker
}

// NewResilientStore wraps inner with the given breaker
func NewResilientStore(inner Store, breaker *resilience.CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, breaker: breaker}
}

// execute runs op under the breaker and counts failures, including fast-fail
// rejections while the breaker is open
func (s *ResilientStore) execute(op string, fn func() error) error {
	err := s.breaker.Execute(op, fn)
	if err != nil {
		metrics.StoreOperationErrorsTotal.WithLabelValues(op).Inc()
	}
	return err
}

func (s *ResilientStore) Get(ctx context.Context, key string) (map[string]any, error) {
	var value map[string]any
	err := s.execute("get", func() error {
		var err error
		value, err = s.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *ResilientStore) Set(ctx context.Context, key string, value map[string]any) error {
	return s.execute("set", func() error {
		return s.inner.Set(ctx, key, value)
	})
}

func (s *ResilientStore) Update(ctx context.Context, key string, fields map[string]any) error {
	return s.execute("update", func() error {
		return s.inner.Update(ctx, key, fields)
	})
}

func (s *ResilientStore) Append(ctx context.Context, listKey string, value map[string]any) error {
	return s.execute("append", func() error {
		return s.inner.Append(ctx, listKey, value)
	})
}

func (s *ResilientStore) Delete(ctx context.Context, key string) error {
	return s.execute("delete", func() error {
		return s.inner.Delete(ctx, key)
	})
}

func (s *ResilientStore) Watch(ctx context.Context, key string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	var unsubscribe UnsubscribeFunc
	err := s.execute("watch", func() error {
		var err error
		unsubscribe, err = s.inner.Watch(ctx, key, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unsubscribe, nil
}

func (s *ResilientStore) WatchChildren(ctx context.Context, listKey string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	var unsubscribe UnsubscribeFunc
	err := s.execute("watch_children", func() error {
		var err error
		unsubscribe, err = s.inner.WatchChildren(ctx, listKey, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return unsubscribe, nil
}
