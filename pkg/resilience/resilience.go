package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"duocall-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Permanent marks err as not worth retrying. It does not count as a
// dependency failure for the circuit breaker.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Config tunes retry and breaking for one dependency
type Config struct {
	Name             string
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	MaxElapsedTime   time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultConfig is sized for interactive signaling writes
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		InitialInterval:  50 * time.Millisecond,
		MaxInterval:      time.Second,
		MaxElapsedTime:   5 * time.Second,
		FailureThreshold: 5,
		Cooldown:         10 * time.Second,
	}
}

// Executor runs operations against a flaky dependency with exponential
// backoff and a circuit breaker
type Executor struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool
}

type executorMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	metricsInstance *executorMetrics
	metricsOnce     sync.Once
)

func getMetrics() *executorMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &executorMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_requests_total",
					Help: "Total number of guarded operations",
				},
				[]string{"dependency", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_errors_total",
					Help: "Total number of failed attempts by error type",
				},
				[]string{"dependency", "operation", "error_type"},
			),
			retriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "resilience_retries_total",
					Help: "Total number of retried attempts",
				},
				[]string{"dependency", "operation"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "resilience_circuit_breaker_state",
					Help: "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
				},
				[]string{"dependency"},
			),
		}
		prometheus.MustRegister(
			metricsInstance.requestsTotal,
			metricsInstance.errorsTotal,
			metricsInstance.retriesTotal,
			metricsInstance.circuitBreakerState,
		)
	})
	return metricsInstance
}

// NewExecutor creates an executor; zero fields in cfg take DefaultConfig values
func NewExecutor(cfg Config) *Executor {
	def := DefaultConfig(cfg.Name)
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = def.MaxElapsedTime
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	getMetrics().circuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	return &Executor{cfg: cfg, now: time.Now, state: CircuitBreakerClosed}
}

// Execute runs fn until it succeeds, returns a Permanent error, the backoff
// budget is spent or ctx is done.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	m := getMetrics()

	trial, err := e.admit()
	if err != nil {
		m.requestsTotal.WithLabelValues(e.cfg.Name, operation, "circuit_breaker_open").Inc()
		logger.Warn("Circuit breaker open, request blocked",
			zap.String("dependency", e.cfg.Name),
			zap.String("operation", operation))
		return fmt.Errorf("%s %s: %w", e.cfg.Name, operation, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialInterval
	bo.MaxInterval = e.cfg.MaxInterval
	bo.MaxElapsedTime = e.cfg.MaxElapsedTime

	var policy backoff.BackOff = backoff.WithContext(bo, ctx)
	if trial {
		// a half-open trial gets exactly one attempt
		policy = backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	attempts := 0
	permanent := false
	err = backoff.RetryNotify(func() error {
		attempts++
		ferr := fn(ctx)
		var pe *backoff.PermanentError
		if errors.As(ferr, &pe) {
			permanent = true
		}
		if ferr != nil && !permanent {
			m.errorsTotal.WithLabelValues(e.cfg.Name, operation, classifyError(ferr)).Inc()
		}
		return ferr
	}, policy, func(err error, wait time.Duration) {
		m.retriesTotal.WithLabelValues(e.cfg.Name, operation).Inc()
		logger.Debug("Operation failed, backing off",
			zap.String("dependency", e.cfg.Name),
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})

	switch {
	case err == nil:
		e.recordSuccess()
		m.requestsTotal.WithLabelValues(e.cfg.Name, operation, "success").Inc()
		return nil
	case permanent || errors.Is(err, context.Canceled):
		e.release(trial)
		m.requestsTotal.WithLabelValues(e.cfg.Name, operation, "rejected").Inc()
		return err
	default:
		e.recordFailure(operation)
		m.requestsTotal.WithLabelValues(e.cfg.Name, operation, "failure").Inc()
		return fmt.Errorf("%s %s failed after %d attempts: %w", e.cfg.Name, operation, attempts, err)
	}
}

// admit decides whether a call may proceed; trial is true for the single
// half-open probe
func (e *Executor) admit() (trial bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case CircuitBreakerOpen:
		if e.now().Sub(e.openedAt) < e.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		e.setStateLocked(CircuitBreakerHalfOpen)
		e.trialInFlight = true
		return true, nil
	case CircuitBreakerHalfOpen:
		if e.trialInFlight {
			return false, ErrCircuitOpen
		}
		e.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (e *Executor) release(trial bool) {
	if !trial {
		return
	}
	e.mu.Lock()
	e.trialInFlight = false
	e.mu.Unlock()
}

func (e *Executor) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.trialInFlight = false
	if e.state != CircuitBreakerClosed {
		e.setStateLocked(CircuitBreakerClosed)
		logger.Info("Circuit breaker closed", zap.String("dependency", e.cfg.Name))
	}
}

func (e *Executor) recordFailure(operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures++
	e.trialInFlight = false
	if e.state == CircuitBreakerHalfOpen || e.consecutiveFailures >= e.cfg.FailureThreshold {
		e.openedAt = e.now()
		if e.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("dependency", e.cfg.Name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", e.consecutiveFailures))
		}
		e.setStateLocked(CircuitBreakerOpen)
	}
}

func (e *Executor) setStateLocked(s CircuitBreakerState) {
	e.state = s
	v := 0.0
	switch s {
	case CircuitBreakerHalfOpen:
		v = 1
	case CircuitBreakerOpen:
		v = 2
	}
	getMetrics().circuitBreakerState.WithLabelValues(e.cfg.Name).Set(v)
}

// State returns the current circuit breaker state
func (e *Executor) State() CircuitBreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// classifyError buckets errors for metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "i/o timeout"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable") ||
		strings.Contains(errMsg, "broken pipe") || strings.Contains(errMsg, "connection reset"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "degraded mode"):
		return "degraded"
	case strings.Contains(errMsg, "loading") || strings.Contains(errMsg, "busy"):
		return "busy"
	default:
		return "unknown"
	}
}
