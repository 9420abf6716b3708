package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallRecord is the persisted summary of a finished call (a CDR). Written
// once at teardown; the live Call entity in the signaling store is the
// source of truth while the call is in flight.
type CallRecord struct {
	CallID          uuid.UUID  `json:"call_id"`
	ChatID          string     `json:"chat_id"`
	CallerID        string     `json:"caller_id"`
	CalleeID        string     `json:"callee_id"`
	Type            CallType   `json:"type"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	EndedAt         time.Time  `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
}
