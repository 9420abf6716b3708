package resilience

import "errors"

// ErrCircuitOpen is returned without invoking the operation while the
// breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open: backend temporarily unavailable")
