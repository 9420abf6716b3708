package call

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/store"
	apperrors "callbridge-backend/pkg/errors"
)

// appendFailStore fails Append only, leaving record writes intact. Used to
// exercise the invite-delivery rollback.
type appendFailStore struct {
	store.Store
	setKeys []string
}

func (s *appendFailStore) Set(ctx context.Context, key string, value map[string]any) error {
	s.setKeys = append(s.setKeys, key)
	return s.Store.Set(ctx, key, value)
}

func (s *appendFailStore) Append(context.Context, string, map[string]any) error {
	return apperrors.NewStoreUnavailable("append disabled", nil)
}

func TestCreateWritesRecordAndInvite(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	call, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeVideo, "chat-1")
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, "alice", call.CallerID)
	assert.Equal(t, "bob", call.CalleeID)

	stored, err := mgr.Get(ctx, call.ID)
	assert.NoError(t, err)
	assert.Equal(t, call.ID, stored.ID)
	assert.Equal(t, domain.CallTypeVideo, stored.Type)

	var invites []Invite
	unsub, err := mgr.WatchIncoming(ctx, "bob", func(inv Invite) {
		invites = append(invites, inv)
	})
	assert.NoError(t, err)
	defer unsub()

	if assert.Len(t, invites, 1) {
		assert.Equal(t, call.ID, invites[0].CallID)
		assert.Equal(t, "alice", invites[0].CallerID)
		assert.Equal(t, "chat-1", invites[0].ChatID)
		assert.Equal(t, domain.CallTypeVideo, invites[0].Type)
	}
}

func TestCreateRollsBackOnInviteFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	failing := &appendFailStore{Store: mem}
	mgr := NewRecordManager(failing)

	_, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.CodeOf(err))

	// The half-created record must not be left ringing with no way for the
	// callee to ever see it.
	if assert.Len(t, failing.setKeys, 1) {
		got, getErr := mem.Get(ctx, failing.setKeys[0])
		assert.NoError(t, getErr)
		assert.Nil(t, got)
	}
}

func TestCreateFailsWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mem.SetFailWrites(true)
	mgr := NewRecordManager(mem)

	_, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.CodeOf(err))
}

func TestGetNotFound(t *testing.T) {
	mgr := NewRecordManager(store.NewMemoryStore())
	_, err := mgr.Get(context.Background(), uuid.New())
	assert.Equal(t, apperrors.ErrCodeCallNotFound, apperrors.CodeOf(err))
}

func TestUpdateStatusAndSetType(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	call, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.NoError(t, err)

	assert.NoError(t, mgr.UpdateStatus(ctx, call.ID, domain.CallStatusConnected))
	assert.NoError(t, mgr.SetType(ctx, call.ID, domain.CallTypeVideo))

	stored, err := mgr.Get(ctx, call.ID)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStatusConnected, stored.Status)
	assert.Equal(t, domain.CallTypeVideo, stored.Type)
}

func TestUpdateStatusStoreDown(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	call, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.NoError(t, err)

	mem.SetFailWrites(true)
	err = mgr.UpdateStatus(ctx, call.ID, domain.CallStatusEnded)
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.CodeOf(err))
}

func TestWatchDeliversSnapshotsAndMalformed(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	call, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.NoError(t, err)

	var statuses []domain.CallStatus
	var malformed []error
	unsub, err := mgr.Watch(ctx, call.ID,
		func(c *domain.Call) { statuses = append(statuses, c.Status) },
		func(err error) { malformed = append(malformed, err) })
	assert.NoError(t, err)
	defer unsub()

	assert.Equal(t, []domain.CallStatus{domain.CallStatusRinging}, statuses)

	assert.NoError(t, mgr.UpdateStatus(ctx, call.ID, domain.CallStatusConnected))
	assert.Equal(t, domain.CallStatusConnected, statuses[len(statuses)-1])

	// Corrupt the record: the snapshot routes to onMalformed, not onSnapshot.
	assert.NoError(t, mem.Update(ctx, RecordKey(call.ID), map[string]any{"status": "paused"}))
	assert.Len(t, malformed, 1)
	assert.Equal(t, apperrors.ErrCodeMalformedRecord, apperrors.CodeOf(malformed[0]))
	assert.Len(t, statuses, 2)
}

func TestWatchIncomingSkipsMalformedInvites(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	assert.NoError(t, mem.Append(ctx, InboxKey("bob"), map[string]any{"call_id": "garbage"}))
	assert.NoError(t, mem.Append(ctx, InboxKey("bob"), map[string]any{
		"call_id":   uuid.NewString(),
		"caller_id": "alice",
		"type":      "hologram",
	}))
	good := uuid.New()
	assert.NoError(t, mem.Append(ctx, InboxKey("bob"), map[string]any{
		"call_id":   good.String(),
		"caller_id": "alice",
		"chat_id":   "chat-1",
		"type":      "audio",
	}))

	var invites []Invite
	unsub, err := mgr.WatchIncoming(ctx, "bob", func(inv Invite) {
		invites = append(invites, inv)
	})
	assert.NoError(t, err)
	defer unsub()

	if assert.Len(t, invites, 1) {
		assert.Equal(t, good, invites[0].CallID)
	}
}

func TestDeleteRemovesRecordAndCandidates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	mgr := NewRecordManager(mem)

	call, err := mgr.Create(ctx, "alice", "bob", domain.CallTypeAudio, "chat-1")
	assert.NoError(t, err)
	assert.NoError(t, mem.Append(ctx, CandidatesKey(call.ID, domain.RoleCaller), map[string]any{"candidate": "a"}))

	mgr.Delete(ctx, call.ID)

	_, err = mgr.Get(ctx, call.ID)
	assert.Equal(t, apperrors.ErrCodeCallNotFound, apperrors.CodeOf(err))

	// Delete is best-effort and must not panic when the store is down.
	mem.SetFailWrites(true)
	mgr.Delete(ctx, call.ID)
}
