// Package call owns the lifecycle of Call records in the signaling store:
// creation, status transitions, field updates, and cleanup.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/store"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// RecordKey returns the store key of a call record
func RecordKey(callID uuid.UUID) string {
	return "calls/" + callID.String()
}

// CandidatesKey returns the store key of a role's append-only candidate list
func CandidatesKey(callID uuid.UUID, role domain.CallRole) string {
	return RecordKey(callID) + "/candidates/" + string(role)
}

// InboxKey returns the store key of a user's incoming-call list
func InboxKey(userID string) string {
	return "inbox/" + userID
}

// Invite is the compact inbox entry that tells a callee a call is ringing
type Invite struct {
	CallID   uuid.UUID
	CallerID string
	ChatID   string
	Type     domain.CallType
}

// RecordManager manages Call records in the signaling store
type RecordManager struct {
	store store.Store
}

// NewRecordManager creates a RecordManager on the given store
func NewRecordManager(s store.Store) *RecordManager {
	return &RecordManager{store: s}
}

// Create writes a new ringing call record and returns the typed Call.
// A failed write aborts the call attempt with StoreUnavailable.
func (m *RecordManager) Create(ctx context.Context, callerID, calleeID string, callType domain.CallType, chatID string) (*domain.Call, error) {
	call := &domain.Call{
		ID:           uuid.New(),
		ChatID:       chatID,
		Participants: []string{callerID, calleeID},
		CallerID:     callerID,
		CalleeID:     calleeID,
		Type:         callType,
		Status:       domain.CallStatusRinging,
		CreatedAt:    time.Now().UTC(),
	}

	if err := m.store.Set(ctx, RecordKey(call.ID), call.Fields()); err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to create call record", err)
	}

	// The inbox entry is how the callee learns the call exists; without it
	// the record would ring into the void.
	invite := map[string]any{
		"call_id":    call.ID.String(),
		"caller_id":  callerID,
		"chat_id":    chatID,
		"type":       string(callType),
		"created_at": call.CreatedAt.Format(time.RFC3339Nano),
	}
	if err := m.store.Append(ctx, InboxKey(calleeID), invite); err != nil {
		m.store.Delete(ctx, RecordKey(call.ID))
		return nil, apperrors.NewStoreUnavailable("failed to deliver call invite", err)
	}

	logger.Info("call record created",
		zap.String("call_id", call.ID.String()),
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID),
		zap.String("type", string(callType)))
	return call, nil
}

// Get reads and decodes the call record
func (m *RecordManager) Get(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	raw, err := m.store.Get(ctx, RecordKey(callID))
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to read call record", err)
	}
	if raw == nil {
		return nil, apperrors.NewCallNotFound(callID.String())
	}
	return domain.DecodeCall(raw)
}

// UpdateStatus writes the status field. Both parties may call this
// concurrently with the same intent; last-write-wins is acceptable. The
// write is idempotent and retried a bounded number of times.
func (m *RecordManager) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	fields := map[string]any{"status": string(status)}

	var err error
	for attempt := 0; attempt < constants.StatusWriteRetries; attempt++ {
		if err = m.store.Update(ctx, RecordKey(callID), fields); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return apperrors.NewStoreUnavailable("failed to update call status", err)
}

// SetType flips the call type. Only the audio→video upgrade is meaningful;
// callers guard the direction.
func (m *RecordManager) SetType(ctx context.Context, callID uuid.UUID, callType domain.CallType) error {
	if err := m.store.Update(ctx, RecordKey(callID), map[string]any{"type": string(callType)}); err != nil {
		return apperrors.NewStoreUnavailable("failed to update call type", err)
	}
	return nil
}

// Watch subscribes to full-record changes. Every snapshot, including
// redundant ones, is decoded and delivered; idempotent handling is the
// subscriber's job. Snapshots that fail validation go to onMalformed.
func (m *RecordManager) Watch(ctx context.Context, callID uuid.UUID, onSnapshot func(*domain.Call), onMalformed func(error)) (store.UnsubscribeFunc, error) {
	unsubscribe, err := m.store.Watch(ctx, RecordKey(callID), func(raw map[string]any) {
		call, err := domain.DecodeCall(raw)
		if err != nil {
			logger.Warn("malformed call snapshot",
				zap.String("call_id", callID.String()),
				zap.Error(err))
			if onMalformed != nil {
				onMalformed(err)
			}
			return
		}
		onSnapshot(call)
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to watch call record", err)
	}
	return unsubscribe, nil
}

// WatchIncoming subscribes to a user's incoming-call inbox. Each invite is
// delivered exactly once per subscription; entries that fail to decode are
// logged and skipped.
func (m *RecordManager) WatchIncoming(ctx context.Context, userID string, onInvite func(Invite)) (store.UnsubscribeFunc, error) {
	unsubscribe, err := m.store.WatchChildren(ctx, InboxKey(userID), func(raw map[string]any) {
		invite, err := decodeInvite(raw)
		if err != nil {
			logger.Warn("malformed call invite",
				zap.String("user_id", userID),
				zap.Error(err))
			return
		}
		onInvite(invite)
	})
	if err != nil {
		return nil, apperrors.NewStoreUnavailable("failed to watch call inbox", err)
	}
	return unsubscribe, nil
}

func decodeInvite(raw map[string]any) (Invite, error) {
	idStr, _ := raw["call_id"].(string)
	callID, err := uuid.Parse(idStr)
	if err != nil {
		return Invite{}, apperrors.NewMalformedRecord("invite has no valid call_id", err)
	}
	callerID, _ := raw["caller_id"].(string)
	chatID, _ := raw["chat_id"].(string)
	typeStr, _ := raw["type"].(string)
	callType := domain.CallType(typeStr)
	if !callType.IsValid() {
		return Invite{}, apperrors.NewMalformedRecord("invite has invalid call type", nil)
	}
	return Invite{CallID: callID, CallerID: callerID, ChatID: chatID, Type: callType}, nil
}

// Delete removes the record and both candidate lists. Best-effort: failures
// are logged, not returned, since orphaned records are acceptable garbage.
func (m *RecordManager) Delete(ctx context.Context, callID uuid.UUID) {
	keys := []string{
		CandidatesKey(callID, domain.RoleCaller),
		CandidatesKey(callID, domain.RoleCallee),
		RecordKey(callID),
	}
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil {
			logger.Warn("call record cleanup failed",
				zap.String("call_id", callID.String()),
				zap.String("key", key),
				zap.Error(err))
		}
	}
}
