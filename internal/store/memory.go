package store

import (
	"context"
	"sync"

	apperrors "callbridge-backend/pkg/errors"
)

// MemoryStore is an in-process Store used by tests and by single-process
// deployments. Watch callbacks fire synchronously on the mutating goroutine,
// which makes test assertions deterministic.
type MemoryStore struct {
	mu            sync.Mutex
	records       map[string]map[string]any
	lists         map[string][]map[string]any
	nextWatcherID int
	watchers      map[string]map[int]func(map[string]any)
	childWatchers map[string]map[int]func(map[string]any)

	failWrites bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:       make(map[string]map[string]any),
		lists:         make(map[string][]map[string]any),
		watchers:      make(map[string]map[int]func(map[string]any)),
		childWatchers: make(map[string]map[int]func(map[string]any)),
	}
}

// SetFailWrites makes every subsequent write fail with StoreUnavailable.
// Test hook for exercising store-outage paths.
func (s *MemoryStore) SetFailWrites(fail bool) {
	s.mu.Lock()
	s.failWrites = fail
	s.mu.Unlock()
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, key string, value map[string]any) error {
	s.mu.Lock()
	if s.failWrites {
		s.mu.Unlock()
		return apperrors.NewStoreUnavailable("memory store write disabled", nil)
	}
	s.records[key] = cloneRecord(value)
	snapshot, fns := cloneRecord(value), s.watcherFns(key)
	s.mu.Unlock()

	dispatch(fns, snapshot)
	return nil
}

// Update implements Store
func (s *MemoryStore) Update(_ context.Context, key string, fields map[string]any) error {
	s.mu.Lock()
	if s.failWrites {
		s.mu.Unlock()
		return apperrors.NewStoreUnavailable("memory store write disabled", nil)
	}
	rec, ok := s.records[key]
	if !ok {
		rec = make(map[string]any)
		s.records[key] = rec
	}
	for k, v := range fields {
		rec[k] = v
	}
	snapshot, fns := cloneRecord(rec), s.watcherFns(key)
	s.mu.Unlock()

	dispatch(fns, snapshot)
	return nil
}

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, listKey string, value map[string]any) error {
	s.mu.Lock()
	if s.failWrites {
		s.mu.Unlock()
		return apperrors.NewStoreUnavailable("memory store write disabled", nil)
	}
	child := cloneRecord(value)
	s.lists[listKey] = append(s.lists[listKey], child)
	fns := s.childWatcherFns(listKey)
	s.mu.Unlock()

	dispatch(fns, cloneRecord(child))
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	if s.failWrites {
		s.mu.Unlock()
		return apperrors.NewStoreUnavailable("memory store write disabled", nil)
	}
	delete(s.records, key)
	delete(s.lists, key)
	s.mu.Unlock()
	return nil
}

// Watch implements Store
func (s *MemoryStore) Watch(_ context.Context, key string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	id := s.nextWatcherID
	s.nextWatcherID++
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[int]func(map[string]any))
	}
	s.watchers[key][id] = fn
	var initial map[string]any
	if rec, ok := s.records[key]; ok {
		initial = cloneRecord(rec)
	}
	s.mu.Unlock()

	if initial != nil {
		fn(initial)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[key], id)
			s.mu.Unlock()
		})
	}, nil
}

// WatchChildren implements Store
func (s *MemoryStore) WatchChildren(_ context.Context, listKey string, fn func(map[string]any)) (UnsubscribeFunc, error) {
	s.mu.Lock()
	id := s.nextWatcherID
	s.nextWatcherID++
	if s.childWatchers[listKey] == nil {
		s.childWatchers[listKey] = make(map[int]func(map[string]any))
	}
	s.childWatchers[listKey][id] = fn
	existing := make([]map[string]any, 0, len(s.lists[listKey]))
	for _, child := range s.lists[listKey] {
		existing = append(existing, cloneRecord(child))
	}
	s.mu.Unlock()

	for _, child := range existing {
		fn(child)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.childWatchers[listKey], id)
			s.mu.Unlock()
		})
	}, nil
}

// RedeliverSnapshot re-fires the current snapshot of key to all watchers,
// simulating the at-least-once redelivery a real backend produces under
// flaky connectivity. Test hook.
func (s *MemoryStore) RedeliverSnapshot(key string) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	snapshot, fns := cloneRecord(rec), s.watcherFns(key)
	s.mu.Unlock()

	dispatch(fns, snapshot)
}

func (s *MemoryStore) watcherFns(key string) []func(map[string]any) {
	fns := make([]func(map[string]any), 0, len(s.watchers[key]))
	for _, fn := range s.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}

func (s *MemoryStore) childWatcherFns(listKey string) []func(map[string]any) {
	fns := make([]func(map[string]any), 0, len(s.childWatchers[listKey]))
	for _, fn := range s.childWatchers[listKey] {
		fns = append(fns, fn)
	}
	return fns
}

func dispatch(fns []func(map[string]any), snapshot map[string]any) {
	for _, fn := range fns {
		fn(cloneRecord(snapshot))
	}
}

func cloneRecord(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneRecord(nested)
			continue
		}
		out[k] = v
	}
	return out
}
