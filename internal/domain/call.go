package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "callbridge-backend/pkg/errors"
)

// CallType represents the media composition of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// IsValid reports whether t is a known call type
func (t CallType) IsValid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// CallStatus represents the lifecycle state of a call
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
)

// CallRole distinguishes the initiating side from the receiving side
type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// Remote returns the opposite role
func (r CallRole) Remote() CallRole {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

// statusRank orders statuses along the transition graph. A status may only be
// replaced by one of strictly higher rank; terminal statuses never change.
func statusRank(s CallStatus) int {
	switch s {
	case CallStatusRinging:
		return 0
	case CallStatusConnected:
		return 1
	case CallStatusEnded, CallStatusDeclined, CallStatusMissed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether s is a final status
func (s CallStatus) IsTerminal() bool {
	return statusRank(s) == 2
}

// IsValid reports whether s is a known status value
func (s CallStatus) IsValid() bool {
	return statusRank(s) >= 0
}

// CanTransition reports whether a status change from s to next is allowed by
// the call state machine. Statuses are monotonic: once a call leaves ringing
// it can never re-enter it, and terminal statuses are frozen.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if !next.IsValid() || s == next {
		return false
	}
	switch s {
	case CallStatusRinging:
		return next != CallStatusRinging
	case CallStatusConnected:
		return next == CallStatusEnded
	default:
		return false
	}
}

// SessionDescription is an opaque offer/answer blob produced and consumed by
// the media engine. Equality of content is what readers use to detect a new
// description, since the field may persist from a prior negotiation round.
type SessionDescription struct {
	Type string `json:"type"` // offer, answer
	SDP  string `json:"sdp"`
}

// Equal reports content equality
func (d SessionDescription) Equal(other SessionDescription) bool {
	return d.Type == other.Type && d.SDP == other.SDP
}

// ICECandidate is an opaque network-candidate blob relayed verbatim between
// peers through the signaling store
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Call represents a two-party audio/video call
type Call struct {
	ID           uuid.UUID           `json:"id"`
	ChatID       string              `json:"chat_id"`
	Participants []string            `json:"participants"`
	CallerID     string              `json:"caller_id"`
	CalleeID     string              `json:"callee_id"`
	Type         CallType            `json:"type"`
	Status       CallStatus          `json:"status"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// RoleOf returns the role userID plays in the call
func (c *Call) RoleOf(userID string) (CallRole, error) {
	switch userID {
	case c.CallerID:
		return RoleCaller, nil
	case c.CalleeID:
		return RoleCallee, nil
	}
	return "", fmt.Errorf("user %s is not a participant of call %s", userID, c.ID)
}

// Fields encodes the call into the flat field map stored in the signaling store
func (c *Call) Fields() map[string]any {
	fields := map[string]any{
		"id":           c.ID.String(),
		"chat_id":      c.ChatID,
		"participants": []any{c.CallerID, c.CalleeID},
		"caller_id":    c.CallerID,
		"callee_id":    c.CalleeID,
		"type":         string(c.Type),
		"status":       string(c.Status),
		"created_at":   c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.Offer != nil {
		fields["offer"] = EncodeDescription(*c.Offer)
	}
	if c.Answer != nil {
		fields["answer"] = EncodeDescription(*c.Answer)
	}
	return fields
}

// EncodeDescription encodes a session description for storage
func EncodeDescription(d SessionDescription) map[string]any {
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

// EncodeCandidate encodes an ICE candidate for storage
func EncodeCandidate(c ICECandidate) map[string]any {
	return map[string]any{
		"candidate":     c.Candidate,
		"sdpMid":        c.SDPMid,
		"sdpMLineIndex": int64(c.SDPMLineIndex),
	}
}

// DecodeCall validates a raw store snapshot into a typed Call. Snapshots that
// are missing required fields or carry unknown enum values produce a
// MalformedRecord error instead of propagating as undefined state.
func DecodeCall(raw map[string]any) (*Call, error) {
	if raw == nil {
		return nil, apperrors.NewMalformedRecord("nil call snapshot", nil)
	}

	idStr, ok := stringField(raw, "id")
	if !ok {
		return nil, apperrors.NewMalformedRecord("call snapshot missing id", nil)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, apperrors.NewMalformedRecord("call snapshot has invalid id", err)
	}

	callerID, ok := stringField(raw, "caller_id")
	if !ok || callerID == "" {
		return nil, apperrors.NewMalformedRecord("call snapshot missing caller_id", nil)
	}
	calleeID, ok := stringField(raw, "callee_id")
	if !ok || calleeID == "" {
		return nil, apperrors.NewMalformedRecord("call snapshot missing callee_id", nil)
	}

	typStr, ok := stringField(raw, "type")
	typ := CallType(typStr)
	if !ok || !typ.IsValid() {
		return nil, apperrors.NewMalformedRecord("call snapshot has invalid type", nil)
	}

	statusStr, ok := stringField(raw, "status")
	status := CallStatus(statusStr)
	if !ok || !status.IsValid() {
		return nil, apperrors.NewMalformedRecord("call snapshot has invalid status", nil)
	}

	call := &Call{
		ID:           id,
		CallerID:     callerID,
		CalleeID:     calleeID,
		Participants: []string{callerID, calleeID},
		Type:         typ,
		Status:       status,
	}

	if chatID, ok := stringField(raw, "chat_id"); ok {
		call.ChatID = chatID
	}
	if createdAt, ok := stringField(raw, "created_at"); ok {
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			call.CreatedAt = ts
		}
	}

	if call.Offer, err = decodeOptionalDescription(raw, "offer"); err != nil {
		return nil, err
	}
	if call.Answer, err = decodeOptionalDescription(raw, "answer"); err != nil {
		return nil, err
	}
	// An answer without an offer cannot be acted on; treat the record as
	// corrupt rather than leaving the negotiation engine to trip over it.
	if call.Answer != nil && call.Offer == nil {
		return nil, apperrors.NewMalformedRecord("call snapshot has answer without offer", nil)
	}

	return call, nil
}

// DecodeCandidate validates a raw child entry into a typed ICE candidate
func DecodeCandidate(raw map[string]any) (ICECandidate, error) {
	candidate, ok := stringField(raw, "candidate")
	if !ok || candidate == "" {
		return ICECandidate{}, apperrors.NewMalformedRecord("candidate entry missing candidate field", nil)
	}
	out := ICECandidate{Candidate: candidate}
	if mid, ok := stringField(raw, "sdpMid"); ok {
		out.SDPMid = mid
	}
	switch v := raw["sdpMLineIndex"].(type) {
	case int64:
		out.SDPMLineIndex = uint16(v)
	case float64:
		out.SDPMLineIndex = uint16(v)
	case int:
		out.SDPMLineIndex = uint16(v)
	}
	return out, nil
}

func decodeOptionalDescription(raw map[string]any, field string) (*SessionDescription, error) {
	val, present := raw[field]
	if !present || val == nil {
		return nil, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, apperrors.NewMalformedRecord(fmt.Sprintf("call snapshot %s is not an object", field), nil)
	}
	typ, _ := stringField(m, "type")
	sdp, _ := stringField(m, "sdp")
	if typ == "" || sdp == "" {
		return nil, apperrors.NewMalformedRecord(fmt.Sprintf("call snapshot %s missing type or sdp", field), nil)
	}
	return &SessionDescription{Type: typ, SDP: sdp}, nil
}

func stringField(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key].(string)
	return v, ok
}

// SelectActive picks the call a client should surface when several records are
// live at once: a connected call always wins over a ringing one so a new
// incoming ring cannot interrupt an established call; otherwise the newest
// ringing call is chosen.
func SelectActive(calls []*Call) *Call {
	var live []*Call
	for _, c := range calls {
		if c.Status == CallStatusRinging || c.Status == CallStatusConnected {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil
	}
	for _, c := range live {
		if c.Status == CallStatusConnected {
			return c
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})
	return live[0]
}
