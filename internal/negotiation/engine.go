// Package negotiation implements the offer/answer state machine overlaying
// one peer connection. It enforces caller-only offer ownership, one-shot
// answer application per round, and ordered candidate buffering, absorbing
// the duplicate and out-of-order deliveries an at-least-once signaling store
// produces.
package negotiation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/media"
	"callbridge-backend/internal/signaling"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// State is the engine's negotiation state for the current round
type State int32

const (
	// StateStable — no offer outstanding
	StateStable State = iota
	// StateOfferSent — local offer published, awaiting the remote answer
	StateOfferSent
	// StateAnswerPending — remote offer applied, answer deferred until local
	// media is ready
	StateAnswerPending
	// StateClosed — terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerPending:
		return "answer_pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Engine drives offer/answer negotiation for one call session. All methods
// are safe for concurrent invocation; overlapping store deliveries serialize
// on the internal lock and duplicates are dropped by the one-shot guards.
type Engine struct {
	pc      media.PeerConnection
	role    domain.CallRole
	channel *signaling.Channel
	log     *zap.Logger

	mu            sync.Mutex
	state         State
	mediaReady    bool
	remoteDescSet bool

	// One-shot guard per offer round: the backing store may deliver the same
	// answer snapshot many times, but setRemoteDescription must run once.
	answerApplied       bool
	lastRemoteOfferSDP  string
	lastRemoteAnswerSDP string

	// Candidates observed before the remote description; flushed in arrival
	// order once it is set.
	pendingCandidates []domain.ICECandidate
}

// NewEngine wraps pc for the given role and wires locally-gathered
// candidates to the signaling channel. publishCtx bounds the publishes
// triggered from connection callbacks.
func NewEngine(publishCtx context.Context, pc media.PeerConnection, role domain.CallRole, channel *signaling.Channel) *Engine {
	e := &Engine{
		pc:      pc,
		role:    role,
		channel: channel,
		log:     logger.With(zap.String("role", string(role))),
	}
	pc.OnICECandidate(func(candidate domain.ICECandidate) {
		if err := channel.PublishCandidate(publishCtx, role, candidate); err != nil {
			e.log.Warn("failed to publish local candidate", zap.Error(err))
		}
	})
	return e
}

// State returns the current negotiation state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// AwaitingMedia reports whether a remote offer is being held for local media
func (e *Engine) AwaitingMedia() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateAnswerPending && !e.mediaReady
}

// StartOffer creates and publishes a local offer. Only the caller role may
// ever offer; this is what makes call establishment glare-free — the callee
// only responds.
//
// The publish happens with the engine lock released: the store may dispatch
// the resulting snapshot synchronously, and that delivery must be free to
// re-enter the engine.
func (e *Engine) StartOffer(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return apperrors.NewClosed("negotiation engine")
	}
	if e.role != domain.RoleCaller {
		e.mu.Unlock()
		return fmt.Errorf("only the caller may create an offer")
	}
	if e.state != StateStable {
		e.mu.Unlock()
		return apperrors.NewStaleNegotiation("offer requested with negotiation in " + e.state.String())
	}

	offer, err := e.pc.CreateOffer(ctx)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set local offer: %w", err)
	}

	// New round: the previous answer no longer counts as applied, but its
	// SDP stays remembered so record snapshots still carrying it are
	// recognized as stale rather than answering the new offer.
	e.answerApplied = false
	e.state = StateOfferSent
	e.mu.Unlock()

	if err := e.channel.PublishDescription(ctx, domain.RoleCaller, offer); err != nil {
		return err
	}
	e.log.Debug("offer published")
	return nil
}

// HandleRemoteOffer processes an offer published by the remote caller.
// Accepted only when stable; duplicate snapshots of the same offer are
// dropped by content equality. If local media is not ready yet the answer is
// deferred until SetMediaReady.
func (e *Engine) HandleRemoteOffer(ctx context.Context, desc domain.SessionDescription) error {
	e.mu.Lock()

	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	if e.role != domain.RoleCallee {
		// Own published offer echoed back by the store; never process it.
		e.mu.Unlock()
		return nil
	}
	if desc.SDP == e.lastRemoteOfferSDP {
		e.mu.Unlock()
		return nil
	}
	if e.state != StateStable {
		e.log.Debug("remote offer ignored", zap.String("state", e.state.String()))
		e.mu.Unlock()
		return nil
	}

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.lastRemoteOfferSDP = desc.SDP
	e.remoteDescSet = true
	e.flushCandidatesLocked()
	e.state = StateAnswerPending

	if !e.mediaReady {
		e.log.Debug("remote offer applied, answer deferred until media is ready")
		e.mu.Unlock()
		return nil
	}

	answer, err := e.buildAnswerLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.publishAnswer(ctx, answer)
}

// HandleRemoteAnswer processes an answer published by the remote callee.
// Applied at most once per offer round; duplicates and stale answers are
// silently ignored — redelivery is normal store behavior, not an error.
func (e *Engine) HandleRemoteAnswer(ctx context.Context, desc domain.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}
	if e.role != domain.RoleCaller {
		return nil
	}
	if e.answerApplied || desc.SDP == e.lastRemoteAnswerSDP {
		return nil
	}
	if e.state != StateOfferSent {
		e.log.Debug("remote answer ignored", zap.String("state", e.state.String()))
		return nil
	}

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.answerApplied = true
	e.lastRemoteAnswerSDP = desc.SDP
	e.remoteDescSet = true
	e.flushCandidatesLocked()
	e.state = StateStable
	e.log.Debug("remote answer applied")
	return nil
}

// HandleRemoteCandidate applies a remote candidate, buffering it if the
// remote description has not been set yet. Early candidates are expected
// under the store's ordering model and never an error.
func (e *Engine) HandleRemoteCandidate(candidate domain.ICECandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return
	}
	if !e.remoteDescSet {
		e.pendingCandidates = append(e.pendingCandidates, candidate)
		return
	}
	if err := e.pc.AddICECandidate(candidate); err != nil {
		e.log.Warn("failed to apply remote candidate", zap.Error(err))
	}
}

// SetMediaReady marks local media as acquired and sends the deferred answer
// if a remote offer is waiting for it
func (e *Engine) SetMediaReady(ctx context.Context) error {
	e.mu.Lock()

	if e.state == StateClosed {
		e.mu.Unlock()
		return apperrors.NewClosed("negotiation engine")
	}
	e.mediaReady = true
	if e.state != StateAnswerPending {
		e.mu.Unlock()
		return nil
	}

	answer, err := e.buildAnswerLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.publishAnswer(ctx, answer)
}

func (e *Engine) buildAnswerLocked(ctx context.Context) (domain.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(ctx)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	e.state = StateStable
	return answer, nil
}

func (e *Engine) publishAnswer(ctx context.Context, answer domain.SessionDescription) error {
	if err := e.channel.PublishDescription(ctx, domain.RoleCallee, answer); err != nil {
		return err
	}
	e.log.Debug("answer published")
	return nil
}

// AttachTrack adds a local track to the connection, preferring replacement
// on an existing sender of the same kind, which leaves signaling state
// untouched. When a brand-new sender is needed mid-call, only the caller
// renegotiates; the callee relies on direct track addition so the two sides
// can never propose simultaneously.
func (e *Engine) AttachTrack(ctx context.Context, track media.Track) error {
	e.mu.Lock()

	if e.state == StateClosed {
		e.mu.Unlock()
		return apperrors.NewClosed("negotiation engine")
	}

	for _, sender := range e.pc.Senders() {
		if sender.Kind() == track.Kind() {
			err := sender.ReplaceTrack(track)
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("replace %s track: %w", track.Kind(), err)
			}
			e.log.Debug("track replaced", zap.String("kind", string(track.Kind())))
			return nil
		}
	}

	if _, err := e.pc.AddTrack(track); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	e.log.Debug("track added", zap.String("kind", string(track.Kind())))

	renegotiate := e.role == domain.RoleCaller && e.state == StateStable && e.remoteDescSet
	e.mu.Unlock()

	if renegotiate {
		return e.StartOffer(ctx)
	}
	return nil
}

// Close shuts the engine and the underlying connection down. Idempotent and
// safe to call multiple times; buffered candidates are discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateClosed
	e.pendingCandidates = nil
	e.mu.Unlock()

	if err := e.pc.Close(); err != nil {
		e.log.Warn("peer connection close failed", zap.Error(err))
	}
}

func (e *Engine) flushCandidatesLocked() {
	for _, candidate := range e.pendingCandidates {
		if err := e.pc.AddICECandidate(candidate); err != nil {
			e.log.Warn("failed to apply buffered candidate", zap.Error(err))
		}
	}
	e.pendingCandidates = nil
}
