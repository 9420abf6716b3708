// Package constants defines application-wide constants for timeouts, limits,
// and durations.
package constants

import "time"

// Call lifecycle constants
const (
	// RingTimeout is how long an outgoing call may stay in ringing before the
	// caller marks it as missed
	RingTimeout = 45 * time.Second

	// CallRecordCleanupDelay is the grace period between observing a terminal
	// status and deleting the call record, so the remote party can observe
	// the terminal status too
	CallRecordCleanupDelay = 10 * time.Second
)

// Signaling store constants
const (
	// StoreOpTimeout bounds a single store read or write
	StoreOpTimeout = 10 * time.Second

	// WatchPollInterval is the default poll interval for store backends
	// without native change streaming
	WatchPollInterval = 500 * time.Millisecond

	// StatusWriteRetries is how many times an idempotent status write is
	// retried before giving up
	StatusWriteRetries = 3
)

// Relay service constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)
