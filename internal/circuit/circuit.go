// Package circuit provides per-target circuit breakers. One target's
// failing downstream never blocks dispatch for other targets.
package circuit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/batch-governor/internal/logging"
)

var circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "batch_governor_circuit_state",
	Help: "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
}, []string{"target"})

func init() {
	prometheus.MustRegister(circuitState)
}

// State represents the circuit breaker state.
type State int32

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds breaker settings shared by all targets.
type Config struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// -1 disables breaking entirely (default: 10).
	MaxFailures int
	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open probe (default: 30s).
	ResetTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures == 0 {
		c.MaxFailures = 10
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	return c
}

// breaker is the per-target state machine.
type breaker struct {
	target string
	cfg    Config

	mu                  sync.Mutex
	state               atomic.Int32 // State
	consecutiveFailures int
	lastFailure         time.Time
}

func (b *breaker) currentState() State {
	return State(b.state.Load())
}

// isOpen reports whether dispatch should be skipped. An open breaker past
// its reset timeout transitions to half-open and lets one probe through.
func (b *breaker) isOpen() bool {
	if b.cfg.MaxFailures < 0 {
		return false
	}
	switch b.currentState() {
	case StateClosed, StateHalfOpen:
		return false
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			return false // allow one probe
		}
		return true
	default:
		return false
	}
}

func (b *breaker) record(success bool) {
	if b.cfg.MaxFailures < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutiveFailures = 0
		if b.currentState() != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	b.lastFailure = time.Now()
	switch b.currentState() {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.MaxFailures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		// Probe failed, back to open.
		b.transition(StateOpen)
	}
}

// transition changes the state (must be called under mu).
func (b *breaker) transition(to State) {
	from := b.currentState()
	b.state.Store(int32(to))
	circuitState.WithLabelValues(b.target).Set(float64(to))
	logging.Info("circuit breaker state change", logging.F(
		"target", b.target,
		"from", from.String(),
		"to", to.String(),
		"consecutive_failures", b.consecutiveFailures,
	))
}

// Registry holds one breaker per target, created lazily. It implements the
// executor's Breaker interface.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewRegistry creates a breaker registry. A MaxFailures of -1 disables
// breaking for every target.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxFailures >= 0 {
		cfg = cfg.withDefaults()
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
	}
}

func (r *Registry) get(target string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = &breaker{target: target, cfg: r.cfg}
		r.breakers[target] = b
	}
	return b
}

// IsOpen reports whether dispatch to the target should be skipped.
func (r *Registry) IsOpen(target string) bool {
	return r.get(target).isOpen()
}

// RecordOutcome feeds a dispatch result into the target's breaker.
func (r *Registry) RecordOutcome(target string, success bool) {
	r.get(target).record(success)
}

// State returns the target's current breaker state.
func (r *Registry) State(target string) State {
	return r.get(target).currentState()
}
