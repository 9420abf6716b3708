package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "callbridge-backend/pkg/errors"
)

func TestMemoryStoreGetSetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Get(ctx, "calls/1")
	assert.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))
	assert.NoError(t, s.Update(ctx, "calls/1", map[string]any{"status": "connected", "extra": "x"}))

	got, err = s.Get(ctx, "calls/1")
	assert.NoError(t, err)
	assert.Equal(t, "connected", got["status"])
	assert.Equal(t, "x", got["extra"])
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))

	got, _ := s.Get(ctx, "calls/1")
	got["status"] = "mutated"

	again, _ := s.Get(ctx, "calls/1")
	assert.Equal(t, "ringing", again["status"])
}

func TestMemoryStoreWatchInitialSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))

	var snapshots []map[string]any
	unsub, err := s.Watch(ctx, "calls/1", func(snap map[string]any) {
		snapshots = append(snapshots, snap)
	})
	assert.NoError(t, err)
	defer unsub()

	// The current value is delivered on subscribe.
	assert.Len(t, snapshots, 1)
	assert.Equal(t, "ringing", snapshots[0]["status"])

	assert.NoError(t, s.Update(ctx, "calls/1", map[string]any{"status": "connected"}))
	assert.Len(t, snapshots, 2)
	assert.Equal(t, "connected", snapshots[1]["status"])
}

func TestMemoryStoreWatchUnsubscribe(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	count := 0
	unsub, err := s.Watch(ctx, "calls/1", func(map[string]any) { count++ })
	assert.NoError(t, err)

	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))
	assert.Equal(t, 1, count)

	unsub()
	unsub() // idempotent
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ended"}))
	assert.Equal(t, 1, count)
}

func TestMemoryStoreRedeliverSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))

	var snapshots []map[string]any
	unsub, _ := s.Watch(ctx, "calls/1", func(snap map[string]any) {
		snapshots = append(snapshots, snap)
	})
	defer unsub()

	// At-least-once delivery: watchers must tolerate the same snapshot twice.
	s.RedeliverSnapshot("calls/1")
	assert.Len(t, snapshots, 2)
	assert.Equal(t, snapshots[0], snapshots[1])

	// Redelivery of an absent key is a no-op.
	s.RedeliverSnapshot("calls/missing")
	assert.Len(t, snapshots, 2)
}

func TestMemoryStoreWatchChildrenReplaysExisting(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Append(ctx, "calls/1/candidates/caller", map[string]any{"candidate": "a"}))
	assert.NoError(t, s.Append(ctx, "calls/1/candidates/caller", map[string]any{"candidate": "b"}))

	var seen []string
	unsub, err := s.WatchChildren(ctx, "calls/1/candidates/caller", func(child map[string]any) {
		seen = append(seen, child["candidate"].(string))
	})
	assert.NoError(t, err)
	defer unsub()

	// Existing children replay in append order, then new ones follow.
	assert.Equal(t, []string{"a", "b"}, seen)

	assert.NoError(t, s.Append(ctx, "calls/1/candidates/caller", map[string]any{"candidate": "c"}))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))
	assert.NoError(t, s.Append(ctx, "calls/1", map[string]any{"candidate": "a"}))

	assert.NoError(t, s.Delete(ctx, "calls/1"))
	got, err := s.Get(ctx, "calls/1")
	assert.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent key is not an error.
	assert.NoError(t, s.Delete(ctx, "calls/1"))
}

func TestMemoryStoreFailWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	assert.NoError(t, s.Set(ctx, "calls/1", map[string]any{"status": "ringing"}))

	s.SetFailWrites(true)
	for _, err := range []error{
		s.Set(ctx, "calls/2", map[string]any{"status": "ringing"}),
		s.Update(ctx, "calls/1", map[string]any{"status": "connected"}),
		s.Append(ctx, "inbox/bob", map[string]any{"call_id": "x"}),
		s.Delete(ctx, "calls/1"),
	} {
		assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.CodeOf(err))
	}

	// Reads still work during the outage.
	got, err := s.Get(ctx, "calls/1")
	assert.NoError(t, err)
	assert.Equal(t, "ringing", got["status"])

	s.SetFailWrites(false)
	assert.NoError(t, s.Update(ctx, "calls/1", map[string]any{"status": "connected"}))
}
