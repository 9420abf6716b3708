package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewCircuitBreaker("test-success")

	for i := 0; i < 5; i++ {
		assert.NoError(t, b.Execute("get", func() error { return nil }))
	}
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewCircuitBreaker("test-open")
	backendErr := errors.New("connection refused")

	for i := 0; i < failureThreshold; i++ {
		err := b.Execute("set", func() error { return backendErr })
		assert.Equal(t, backendErr, err)
	}
	assert.Equal(t, CircuitBreakerOpen, b.State())

	// Open breaker fails fast without touching the backend.
	called := false
	err := b.Execute("set", func() error { called = true; return nil })
	assert.Equal(t, ErrCircuitOpen, err)
	assert.False(t, called)
}

func TestBreakerResetsFailureCountOnSuccess(t *testing.T) {
	b := NewCircuitBreaker("test-reset")
	backendErr := errors.New("timeout")

	for i := 0; i < failureThreshold-1; i++ {
		assert.Error(t, b.Execute("get", func() error { return backendErr }))
	}
	assert.NoError(t, b.Execute("get", func() error { return nil }))

	// The earlier failures no longer count toward the threshold.
	for i := 0; i < failureThreshold-1; i++ {
		assert.Error(t, b.Execute("get", func() error { return backendErr }))
	}
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	b := NewCircuitBreaker("test-probe")
	backendErr := errors.New("connection refused")

	for i := 0; i < failureThreshold; i++ {
		assert.Error(t, b.Execute("get", func() error { return backendErr }))
	}
	assert.Equal(t, CircuitBreakerOpen, b.State())

	// Age the last failure past the cooldown instead of sleeping through it.
	b.mu.Lock()
	b.lastFailureTime = time.Now().Add(-openCooldown - time.Second)
	b.mu.Unlock()

	// The probe succeeds and the breaker closes again.
	assert.NoError(t, b.Execute("get", func() error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := NewCircuitBreaker("test-reprobe")
	backendErr := errors.New("connection refused")

	for i := 0; i < failureThreshold; i++ {
		assert.Error(t, b.Execute("get", func() error { return backendErr }))
	}

	b.mu.Lock()
	b.lastFailureTime = time.Now().Add(-openCooldown - time.Second)
	b.mu.Unlock()

	// A single probe failure trips the breaker straight back open.
	assert.Error(t, b.Execute("get", func() error { return backendErr }))
	assert.Equal(t, CircuitBreakerOpen, b.State())

	err := b.Execute("get", func() error { return nil })
	assert.Equal(t, ErrCircuitOpen, err)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(errors.New("context deadline exceeded")))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "dns", classifyError(errors.New("lookup redis: no such host")))
	assert.Equal(t, "not_found", classifyError(errors.New("key not found")))
	assert.Equal(t, "permission", classifyError(errors.New("permission denied")))
	assert.Equal(t, "unknown", classifyError(errors.New("boom")))
}
