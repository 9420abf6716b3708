// Package signaling relays session descriptions and network candidates for
// one call through the signaling store.
package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/call"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/store"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// Channel is the per-call bidirectional signaling relay. It publishes local
// descriptions and candidates and subscribes to the remote side's. All
// subscriptions are cancelled by Close; leaking them would let a finished
// call keep dispatching into a dead session.
type Channel struct {
	store  store.Store
	callID uuid.UUID

	mu     sync.Mutex
	unsubs []store.UnsubscribeFunc
	closed bool
}

// NewChannel creates a signaling channel for callID
func NewChannel(s store.Store, callID uuid.UUID) *Channel {
	return &Channel{store: s, callID: callID}
}

// PublishDescription writes the local description: the offer field for the
// caller role, the answer field for the callee role. A later write replaces
// the former; readers detect "new" by content inequality, not presence.
func (c *Channel) PublishDescription(ctx context.Context, role domain.CallRole, desc domain.SessionDescription) error {
	if c.isClosed() {
		return apperrors.NewClosed("signaling channel")
	}
	field := "offer"
	if role == domain.RoleCallee {
		field = "answer"
	}
	err := c.store.Update(ctx, call.RecordKey(c.callID), map[string]any{
		field: domain.EncodeDescription(desc),
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("failed to publish "+field, err)
	}
	logger.Debug("published local description",
		zap.String("call_id", c.callID.String()),
		zap.String("field", field))
	return nil
}

// PublishCandidate appends a local candidate to the role-tagged list.
// Append-only: candidates are never overwritten or removed.
func (c *Channel) PublishCandidate(ctx context.Context, role domain.CallRole, candidate domain.ICECandidate) error {
	if c.isClosed() {
		return apperrors.NewClosed("signaling channel")
	}
	err := c.store.Append(ctx, call.CandidatesKey(c.callID, role), domain.EncodeCandidate(candidate))
	if err != nil {
		return apperrors.NewStoreUnavailable("failed to publish candidate", err)
	}
	return nil
}

// SubscribeRemoteCandidates delivers each candidate appended by remoteRole
// exactly once, in append order, for the lifetime of the subscription.
// Candidates arriving before the remote description is set are delivered
// as-is; buffering is the negotiation engine's job.
func (c *Channel) SubscribeRemoteCandidates(ctx context.Context, remoteRole domain.CallRole, onCandidate func(domain.ICECandidate)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewClosed("signaling channel")
	}
	c.mu.Unlock()

	unsubscribe, err := c.store.WatchChildren(ctx, call.CandidatesKey(c.callID, remoteRole), func(raw map[string]any) {
		candidate, err := domain.DecodeCandidate(raw)
		if err != nil {
			logger.Warn("malformed remote candidate skipped",
				zap.String("call_id", c.callID.String()),
				zap.Error(err))
			return
		}
		onCandidate(candidate)
	})
	if err != nil {
		return apperrors.NewStoreUnavailable("failed to subscribe remote candidates", err)
	}
	c.track(unsubscribe)
	return nil
}

// SubscribeRecord delivers every change to the call record; used to detect
// new offers, answers, and status flips
func (c *Channel) SubscribeRecord(ctx context.Context, onChange func(map[string]any)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewClosed("signaling channel")
	}
	c.mu.Unlock()

	unsubscribe, err := c.store.Watch(ctx, call.RecordKey(c.callID), onChange)
	if err != nil {
		return apperrors.NewStoreUnavailable("failed to subscribe call record", err)
	}
	c.track(unsubscribe)
	return nil
}

// Close cancels every subscription. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
}

func (c *Channel) track(unsubscribe store.UnsubscribeFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// Close raced the subscription; cancel immediately.
		unsubscribe()
		return
	}
	c.unsubs = append(c.unsubs, unsubscribe)
	c.mu.Unlock()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
