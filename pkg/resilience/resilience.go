// Package resilience provides a circuit breaker for backends whose outages
// should fail fast instead of piling up blocked callers.
package resilience

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"callbridge-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

const (
	failureThreshold = 3
	openCooldown     = 10 * time.Second
)

var (
	breakerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_requests_total",
		Help: "Total number of requests seen by a circuit breaker",
	}, []string{"breaker", "operation", "status"})

	breakerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_errors_total",
		Help: "Total number of errors seen by a circuit breaker",
	}, []string{"breaker", "operation", "error_type"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"breaker"})
)

// CircuitBreaker trips after consecutive failures and fails fast until a
// cooldown passes; the first request after the cooldown probes the backend.
type CircuitBreaker struct {
	name string

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. name labels its
// metrics and log lines.
func NewCircuitBreaker(name string) *CircuitBreaker {
	breakerState.WithLabelValues(name).Set(0)
	return &CircuitBreaker{name: name, state: CircuitBreakerClosed}
}

// Execute runs fn under the breaker. When the breaker is open, fn is not
// called and ErrCircuitOpen is returned immediately.
func (b *CircuitBreaker) Execute(operation string, fn func() error) error {
	if !b.allow(operation) {
		breakerRequestsTotal.WithLabelValues(b.name, operation, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	err := fn()
	if err == nil {
		b.recordSuccess()
		breakerRequestsTotal.WithLabelValues(b.name, operation, "success").Inc()
		return nil
	}

	b.recordFailure(operation)
	breakerRequestsTotal.WithLabelValues(b.name, operation, "failure").Inc()
	breakerErrorsTotal.WithLabelValues(b.name, operation, classifyError(err)).Inc()
	return err
}

// State returns the current circuit breaker state
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow(operation string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerOpen {
		return true
	}
	if time.Since(b.lastFailureTime) < openCooldown {
		return false
	}

	// Cooldown passed: let one probe through.
	b.state = CircuitBreakerHalfOpen
	breakerState.WithLabelValues(b.name).Set(1)
	logger.Warn("circuit breaker half-open, probing backend",
		zap.String("breaker", b.name),
		zap.String("operation", operation))
	return true
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitBreakerClosed {
		logger.Info("circuit breaker closed, backend recovered",
			zap.String("breaker", b.name))
		breakerState.WithLabelValues(b.name).Set(0)
	}
	b.state = CircuitBreakerClosed
	b.consecutiveFailures = 0
}

func (b *CircuitBreaker) recordFailure(operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= failureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("circuit breaker open, failing fast",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
			breakerState.WithLabelValues(b.name).Set(2)
		}
		b.state = CircuitBreakerOpen
	}
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied"):
		return "permission"
	default:
		return "unknown"
	}
}
