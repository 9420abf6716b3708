// Package session orchestrates one active call end to end: it owns the
// local media lifecycle, drives the negotiation engine, and maps call-status
// transitions to user-facing actions.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/internal/call"
	"callbridge-backend/internal/chat"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/media"
	"callbridge-backend/internal/negotiation"
	"callbridge-backend/internal/signaling"
	"callbridge-backend/internal/store"
	"callbridge-backend/pkg/constants"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/logger"
)

// Event notifies the UI layer of a status or composition change
type Event struct {
	Status domain.CallStatus
	Type   domain.CallType
	Call   *domain.Call
}

// HistoryRecorder persists finished-call summaries. Optional.
type HistoryRecorder interface {
	RecordCall(ctx context.Context, rec *domain.CallRecord) error
}

// Config wires a Coordinator's collaborators. Store, Records, Media, and
// Messenger are required; the rest default sensibly.
type Config struct {
	Store      store.Store
	Records    *call.RecordManager
	Media      media.Engine
	Messenger  chat.Messenger
	Ringer     media.Ringer
	History    HistoryRecorder
	ICEServers []string

	// RingTimeout bounds how long an outgoing call may ring before the
	// caller marks it missed. Zero means constants.RingTimeout.
	RingTimeout time.Duration

	// OnEvent is invoked on every user-visible state change
	OnEvent func(Event)
}

func (c *Config) ringer() media.Ringer {
	if c.Ringer == nil {
		return media.NoopRinger{}
	}
	return c.Ringer
}

func (c *Config) ringTimeout() time.Duration {
	if c.RingTimeout <= 0 {
		return constants.RingTimeout
	}
	return c.RingTimeout
}

// Coordinator owns one call session. The peer connection, local media, and
// store subscriptions it holds are exclusive to this instance; the only
// state shared with the remote party is the call record itself, which both
// sides treat as eventually consistent.
type Coordinator struct {
	cfg  Config
	role domain.CallRole
	log  *zap.Logger

	pc      media.PeerConnection
	engine  *negotiation.Engine
	channel *signaling.Channel

	// lifeCtx bounds the store subscriptions and the publishes fired from
	// connection callbacks; cancelled exactly once at teardown.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	teardown   sync.Once

	mu           sync.Mutex
	closed       bool
	current      *domain.Call // latest accepted snapshot
	status       domain.CallStatus
	streams      []media.Stream
	remoteTracks []media.Track
	muted        bool
	cameraOff    bool
	connectedAt  time.Time
	endedAt      time.Time
	ringTimer    *time.Timer
}

// StartOutgoing creates the call record and begins an outgoing call as the
// caller. Media-permission failure ends the nascent call before any offer
// is published and is returned for UI remediation.
func StartOutgoing(ctx context.Context, cfg Config, callerID, calleeID string, callType domain.CallType, chatID string) (*Coordinator, error) {
	created, err := cfg.Records.Create(ctx, callerID, calleeID, callType, chatID)
	if err != nil {
		return nil, err
	}

	c := newCoordinator(ctx, cfg, created, domain.RoleCaller)

	stream, err := cfg.Media.AcquireMedia(ctx, constraintsFor(callType))
	if err != nil {
		c.log.Warn("local media acquisition failed, ending nascent call", zap.Error(err))
		c.abortNascent(ctx)
		return nil, err
	}
	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.cameraOff = callType == domain.CallTypeAudio
	c.mu.Unlock()

	if err := c.openConnection(); err != nil {
		c.abortNascent(ctx)
		return nil, err
	}
	for _, track := range stream.Tracks() {
		if err := c.engine.AttachTrack(c.lifeCtx, track); err != nil {
			c.abortNascent(ctx)
			return nil, err
		}
	}
	if err := c.engine.SetMediaReady(c.lifeCtx); err != nil {
		c.abortNascent(ctx)
		return nil, err
	}
	if err := c.engine.StartOffer(c.lifeCtx); err != nil {
		c.abortNascent(ctx)
		return nil, err
	}
	if err := c.subscribe(); err != nil {
		c.abortNascent(ctx)
		return nil, err
	}

	c.cfg.ringer().Start(media.ToneRingback)
	c.mu.Lock()
	c.ringTimer = time.AfterFunc(cfg.ringTimeout(), c.onRingTimeout)
	c.mu.Unlock()

	c.emit()
	return c, nil
}

// AttachIncoming joins an already-ringing call as the callee. Local media is
// not acquired until Answer; the engine holds any early offer until then.
func AttachIncoming(ctx context.Context, cfg Config, incoming *domain.Call) (*Coordinator, error) {
	c := newCoordinator(ctx, cfg, incoming, domain.RoleCallee)

	if err := c.openConnection(); err != nil {
		c.release()
		return nil, err
	}
	if err := c.subscribe(); err != nil {
		c.release()
		return nil, err
	}

	if incoming.Offer != nil {
		if err := c.engine.HandleRemoteOffer(c.lifeCtx, *incoming.Offer); err != nil {
			c.log.Warn("failed to apply initial offer", zap.Error(err))
		}
	}

	c.cfg.ringer().Start(media.ToneIncoming)
	c.emit()
	return c, nil
}

func newCoordinator(ctx context.Context, cfg Config, current *domain.Call, role domain.CallRole) *Coordinator {
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Coordinator{
		cfg:  cfg,
		role: role,
		log: logger.With(
			zap.String("call_id", current.ID.String()),
			zap.String("role", string(role))),
		lifeCtx:    lifeCtx,
		lifeCancel: cancel,
		current:    current,
		status:     current.Status,
		cameraOff:  current.Type == domain.CallTypeAudio,
	}
}

func (c *Coordinator) openConnection() error {
	pc, err := c.cfg.Media.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		return fmt.Errorf("open peer connection: %w", err)
	}
	c.pc = pc
	c.channel = signaling.NewChannel(c.cfg.Store, c.callID())
	c.engine = negotiation.NewEngine(c.lifeCtx, pc, c.role, c.channel)

	pc.OnTrack(func(track media.Track) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.remoteTracks = append(c.remoteTracks, track)
		c.mu.Unlock()
		c.emit()
	})
	pc.OnConnectionStateChange(func(state media.ConnectionState) {
		if state.IsFailure() {
			c.onConnectionFailure()
		}
	})
	return nil
}

func (c *Coordinator) subscribe() error {
	if err := c.channel.SubscribeRemoteCandidates(c.lifeCtx, c.role.Remote(), c.engine.HandleRemoteCandidate); err != nil {
		return err
	}
	return c.channel.SubscribeRecord(c.lifeCtx, c.handleRecordSnapshot)
}

// handleRecordSnapshot processes one store delivery of the call record.
// Runs for every snapshot, including duplicates; everything downstream is
// guarded to be idempotent. No-op after teardown.
func (c *Coordinator) handleRecordSnapshot(raw map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	snapshot, err := domain.DecodeCall(raw)
	if err != nil {
		// One corrupt record degrades to ending this call, never the process.
		c.log.Error("malformed call record, ending call", zap.Error(err))
		c.finish(domain.CallStatusEnded)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Monotonic status guard: a stale ringing snapshot after connected is
	// redelivery noise and is ignored wholesale.
	if rankRegressed(c.status, snapshot.Status) {
		c.mu.Unlock()
		c.log.Debug("stale status snapshot ignored",
			zap.String("status", string(snapshot.Status)))
		return
	}
	typeChanged := snapshot.Type != c.current.Type
	c.current = snapshot
	c.mu.Unlock()

	// Route remote descriptions; the engine's one-shot and content-equality
	// guards absorb duplicates.
	if c.role == domain.RoleCallee && snapshot.Offer != nil {
		if err := c.engine.HandleRemoteOffer(c.lifeCtx, *snapshot.Offer); err != nil {
			c.log.Warn("remote offer handling failed", zap.Error(err))
		}
	}
	if c.role == domain.RoleCaller && snapshot.Answer != nil {
		if err := c.engine.HandleRemoteAnswer(c.lifeCtx, *snapshot.Answer); err != nil {
			c.log.Warn("remote answer handling failed", zap.Error(err))
		}
	}

	switch {
	case snapshot.Status == domain.CallStatusConnected:
		c.markConnected()
	case snapshot.Status.IsTerminal():
		// Whoever wrote the terminal status posted the system message
		// before writing it; observers only tear down.
		c.finish(snapshot.Status)
	case typeChanged:
		c.emit()
	}
}

// Answer accepts an incoming ringing call: acquire media, publish the
// deferred answer, flip the record to connected. Permission failure
// auto-declines and surfaces the error.
func (c *Coordinator) Answer(ctx context.Context) error {
	if c.role != domain.RoleCallee {
		return fmt.Errorf("only the callee may answer")
	}
	c.mu.Lock()
	if c.closed || c.status != domain.CallStatusRinging {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("cannot answer call in status %s", status)
	}
	callType := c.current.Type
	c.mu.Unlock()

	stream, err := c.cfg.Media.AcquireMedia(ctx, constraintsFor(callType))
	if err != nil {
		c.log.Warn("media acquisition failed, auto-declining", zap.Error(err))
		if declineErr := c.Decline(ctx); declineErr != nil {
			c.log.Warn("auto-decline failed", zap.Error(declineErr))
		}
		return err
	}

	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()

	for _, track := range stream.Tracks() {
		if err := c.engine.AttachTrack(c.lifeCtx, track); err != nil {
			c.log.Warn("track attach failed", zap.Error(err))
		}
	}
	if err := c.engine.SetMediaReady(c.lifeCtx); err != nil {
		return err
	}

	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusConnected); err != nil {
		return err
	}
	c.markConnected()
	return nil
}

// Decline rejects an incoming ringing call and posts the missed-call system
// message to the chat
func (c *Coordinator) Decline(ctx context.Context) error {
	if c.role != domain.RoleCallee {
		return fmt.Errorf("only the callee may decline")
	}
	c.mu.Lock()
	if c.closed || c.status != domain.CallStatusRinging {
		c.mu.Unlock()
		return nil
	}
	callType := c.current.Type
	c.mu.Unlock()

	// The message goes out before the status write: the write's own
	// snapshot may tear this coordinator down synchronously.
	c.postSummary(ctx, missedText(callType))
	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusDeclined); err != nil {
		c.log.Warn("decline status write failed", zap.Error(err))
	}
	c.finish(domain.CallStatusDeclined)
	return nil
}

// End hangs up. For a connected call it records the duration and posts the
// call-summary message; for a still-ringing outgoing call it cancels the
// attempt and posts a missed-call message.
func (c *Coordinator) End(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	status := c.status
	callType := c.current.Type
	connectedAt := c.connectedAt
	c.mu.Unlock()

	text := missedText(callType)
	if status == domain.CallStatusConnected {
		text = summaryText(callType, time.Since(connectedAt))
	}
	c.postSummary(ctx, text)
	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusEnded); err != nil {
		c.log.Warn("end status write failed", zap.Error(err))
	}
	c.finish(domain.CallStatusEnded)
	return nil
}

// ToggleMute flips local audio and returns the new muted state
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	streams := c.streams
	c.mu.Unlock()

	for _, stream := range streams {
		for _, track := range stream.TracksOfKind(media.KindAudio) {
			track.SetEnabled(!muted)
		}
	}
	return muted
}

// ToggleCamera flips local video. Turning the camera on during an audio
// call acquires a video track, attaches it through the engine's
// replacement-preferred path, and upgrades the call type to video — the
// upgrade needs no offer/answer round-trip on the callee side.
func (c *Coordinator) ToggleCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewClosed("call session")
	}
	turningOn := c.cameraOff
	var videoTracks []media.Track
	for _, stream := range c.streams {
		videoTracks = append(videoTracks, stream.TracksOfKind(media.KindVideo)...)
	}
	callType := c.current.Type
	c.mu.Unlock()

	if !turningOn {
		for _, track := range videoTracks {
			track.SetEnabled(false)
		}
		c.setCameraOff(true)
		return nil
	}

	if len(videoTracks) > 0 {
		for _, track := range videoTracks {
			track.SetEnabled(true)
		}
		c.setCameraOff(false)
		return nil
	}

	// First video track on an audio call.
	stream, err := c.cfg.Media.AcquireMedia(ctx, media.Constraints{Video: true})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()

	for _, track := range stream.TracksOfKind(media.KindVideo) {
		if err := c.engine.AttachTrack(c.lifeCtx, track); err != nil {
			return err
		}
	}
	if callType == domain.CallTypeAudio {
		if err := c.cfg.Records.SetType(ctx, c.callID(), domain.CallTypeVideo); err != nil {
			c.log.Warn("call type upgrade write failed", zap.Error(err))
		}
		c.mu.Lock()
		c.current.Type = domain.CallTypeVideo
		c.mu.Unlock()
	}
	c.setCameraOff(false)
	c.emit()
	return nil
}

// Status returns the locally-observed call status
func (c *Coordinator) Status() domain.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Type returns the current call type
func (c *Coordinator) Type() domain.CallType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Type
}

// Duration returns the elapsed connected time
func (c *Coordinator) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	if !c.endedAt.IsZero() {
		return c.endedAt.Sub(c.connectedAt)
	}
	return time.Since(c.connectedAt)
}

// LocalStreams returns the locally-acquired media streams
func (c *Coordinator) LocalStreams() []media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Stream(nil), c.streams...)
}

// RemoteTracks returns the remote media tracks received so far
func (c *Coordinator) RemoteTracks() []media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Track(nil), c.remoteTracks...)
}

// Muted reports the local mute state
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Coordinator) callID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.ID
}

func (c *Coordinator) markConnected() {
	c.mu.Lock()
	if c.closed || c.status == domain.CallStatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = domain.CallStatusConnected
	c.connectedAt = time.Now()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.mu.Unlock()

	c.cfg.ringer().Stop()
	c.log.Info("call connected")
	c.emit()
}

func (c *Coordinator) onRingTimeout() {
	c.mu.Lock()
	if c.closed || c.status != domain.CallStatusRinging {
		c.mu.Unlock()
		return
	}
	callType := c.current.Type
	c.mu.Unlock()

	c.log.Info("outgoing call timed out")
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
	defer cancel()
	c.postSummary(ctx, missedText(callType))
	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusMissed); err != nil {
		c.log.Warn("missed status write failed", zap.Error(err))
	}
	c.finish(domain.CallStatusMissed)
}

func (c *Coordinator) onConnectionFailure() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	callType := c.current.Type
	connected := c.status == domain.CallStatusConnected
	connectedAt := c.connectedAt
	c.mu.Unlock()

	c.log.Warn("peer connection failed, ending call")
	ctx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
	defer cancel()

	text := missedText(callType)
	if connected {
		text = summaryText(callType, time.Since(connectedAt))
	}
	c.postSummary(ctx, text)
	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusEnded); err != nil {
		c.log.Warn("end status write failed", zap.Error(err))
	}
	c.finish(domain.CallStatusEnded)
}

// abortNascent cancels an outgoing call that never got off the ground
func (c *Coordinator) abortNascent(ctx context.Context) {
	if err := c.cfg.Records.UpdateStatus(ctx, c.callID(), domain.CallStatusEnded); err != nil {
		c.log.Warn("abort status write failed", zap.Error(err))
	}
	c.finish(domain.CallStatusEnded)
}

// postSummary writes the terminal system message to the call's chat.
// Duplicate suppression rides on finish: once this side has torn down no
// further terminal path runs, so the transition initiator posts exactly once.
func (c *Coordinator) postSummary(ctx context.Context, text string) {
	c.mu.Lock()
	chatID := c.current.ChatID
	c.mu.Unlock()
	if text == "" || chatID == "" {
		return
	}
	if err := c.cfg.Messenger.PostSystemMessage(ctx, chatID, text); err != nil {
		c.log.Warn("system message post failed", zap.Error(err))
	}
}

// finish is the single teardown codepath: every terminal transition funnels
// here so media stop, engine close, unsubscribe, and record cleanup always
// happen together.
func (c *Coordinator) finish(status domain.CallStatus) {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.status = status
		c.endedAt = time.Now()
		if c.ringTimer != nil {
			c.ringTimer.Stop()
		}
		streams := c.streams
		record := c.buildRecordLocked(status)
		c.mu.Unlock()

		c.cfg.ringer().Stop()
		for _, stream := range streams {
			stream.Stop()
		}
		if c.engine != nil {
			c.engine.Close()
		}
		if c.channel != nil {
			c.channel.Close()
		}
		c.lifeCancel()

		ctx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
		defer cancel()

		if c.cfg.History != nil {
			if err := c.cfg.History.RecordCall(ctx, record); err != nil {
				c.log.Warn("call history write failed", zap.Error(err))
			}
		}

		// The caller owns record cleanup, delayed so the callee can still
		// observe the terminal status. Best-effort garbage collection.
		if c.role == domain.RoleCaller {
			id := record.CallID
			time.AfterFunc(constants.CallRecordCleanupDelay, func() {
				cleanupCtx, cancel := context.WithTimeout(context.Background(), constants.StoreOpTimeout)
				defer cancel()
				c.cfg.Records.Delete(cleanupCtx, id)
			})
		}

		c.log.Info("call finished", zap.String("status", string(status)))
		c.emit()
	})
}

func (c *Coordinator) buildRecordLocked(status domain.CallStatus) *domain.CallRecord {
	record := &domain.CallRecord{
		CallID:    c.current.ID,
		ChatID:    c.current.ChatID,
		CallerID:  c.current.CallerID,
		CalleeID:  c.current.CalleeID,
		Type:      c.current.Type,
		Status:    status,
		StartedAt: c.current.CreatedAt,
		EndedAt:   c.endedAt,
	}
	if !c.connectedAt.IsZero() {
		connectedAt := c.connectedAt
		record.ConnectedAt = &connectedAt
		record.DurationSeconds = int(c.endedAt.Sub(c.connectedAt).Seconds())
	}
	return record
}

func (c *Coordinator) setCameraOff(off bool) {
	c.mu.Lock()
	c.cameraOff = off
	c.mu.Unlock()
}

func (c *Coordinator) emit() {
	if c.cfg.OnEvent == nil {
		return
	}
	c.mu.Lock()
	event := Event{Status: c.status, Type: c.current.Type, Call: c.current}
	c.mu.Unlock()
	c.cfg.OnEvent(event)
}

// release frees connection resources for a coordinator that failed to start
func (c *Coordinator) release() {
	if c.engine != nil {
		c.engine.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	c.lifeCancel()
}

func constraintsFor(callType domain.CallType) media.Constraints {
	return media.Constraints{Audio: true, Video: callType == domain.CallTypeVideo}
}

func rankRegressed(current, next domain.CallStatus) bool {
	rank := func(s domain.CallStatus) int {
		switch s {
		case domain.CallStatusRinging:
			return 0
		case domain.CallStatusConnected:
			return 1
		default:
			return 2
		}
	}
	return rank(next) < rank(current)
}

func missedText(callType domain.CallType) string {
	if callType == domain.CallTypeVideo {
		return "Missed video call"
	}
	return "Missed audio call"
}

func summaryText(callType domain.CallType, d time.Duration) string {
	label := "Audio call"
	if callType == domain.CallTypeVideo {
		label = "Video call"
	}
	return fmt.Sprintf("%s • %s", label, formatDuration(d))
}

func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
