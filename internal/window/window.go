// Package window implements the adaptive collection-window controller.
//
// The controller is a pure decision component: it is fed the size of the
// batch that was just closed and answers with the duration the next
// collection cycle should wait before flushing. Low traffic widens the
// window (fewer, larger batches), high traffic narrows it (bounded added
// latency). It performs no I/O and owns no timers.
package window

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	windowCurrentMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batch_governor_window_current_ms",
		Help: "Current collection window in milliseconds",
	}, []string{"controller"})

	windowAdjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_governor_window_adjustments_total",
		Help: "Total window adjustments by direction",
	}, []string{"controller", "direction"})
)

func init() {
	prometheus.MustRegister(windowCurrentMs)
	prometheus.MustRegister(windowAdjustmentsTotal)
}

// ConfigError reports an invalid controller configuration. It is returned
// from New only; the controller never fails at runtime.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("window config: %s %s", e.Field, e.Reason)
}

// Config holds the controller configuration. Zero values take defaults.
type Config struct {
	// MinWindow is the lower bound for the collection window (default: 20ms).
	MinWindow time.Duration
	// MaxWindow is the upper bound for the collection window (default: 200ms).
	MaxWindow time.Duration
	// InitialWindow is the starting window (default: 50ms).
	InitialWindow time.Duration
	// LowThreshold is the batch size below which the window grows (default: 3).
	LowThreshold int
	// HighThreshold is the batch size above which the window shrinks (default: 50).
	HighThreshold int
	// IncreaseRate is the multiplicative growth factor (default: 1.2).
	IncreaseRate float64
	// DecreaseRate is the multiplicative shrink factor (default: 0.8).
	DecreaseRate float64
	// HistoryLimit caps the retained window history (default: 1000).
	HistoryLimit int
	// Adaptive enables adjustment; when false the window is pinned to
	// InitialWindow and RecordAndAdjust is a no-op (default: true).
	Adaptive *bool
}

func (c Config) withDefaults() Config {
	if c.MinWindow == 0 {
		c.MinWindow = 20 * time.Millisecond
	}
	if c.MaxWindow == 0 {
		c.MaxWindow = 200 * time.Millisecond
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = 50 * time.Millisecond
	}
	if c.LowThreshold == 0 {
		c.LowThreshold = 3
	}
	if c.HighThreshold == 0 {
		c.HighThreshold = 50
	}
	if c.IncreaseRate == 0 {
		c.IncreaseRate = 1.2
	}
	if c.DecreaseRate == 0 {
		c.DecreaseRate = 0.8
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 1000
	}
	if c.Adaptive == nil {
		t := true
		c.Adaptive = &t
	}
	return c
}

func (c Config) validate() error {
	if c.MinWindow <= 0 {
		return &ConfigError{Field: "min_window", Reason: "must be positive"}
	}
	if c.InitialWindow < c.MinWindow {
		return &ConfigError{Field: "initial_window", Reason: "must be >= min_window"}
	}
	if c.MaxWindow < c.InitialWindow {
		return &ConfigError{Field: "max_window", Reason: "must be >= initial_window"}
	}
	if c.LowThreshold < 0 {
		return &ConfigError{Field: "low_threshold", Reason: "must be non-negative"}
	}
	if c.HighThreshold <= c.LowThreshold {
		return &ConfigError{Field: "high_threshold", Reason: "must be > low_threshold"}
	}
	if c.IncreaseRate <= 1.0 {
		return &ConfigError{Field: "increase_rate", Reason: "must be > 1.0"}
	}
	if c.DecreaseRate <= 0 || c.DecreaseRate >= 1.0 {
		return &ConfigError{Field: "decrease_rate", Reason: "must be in (0, 1)"}
	}
	if c.HistoryLimit < 1 {
		return &ConfigError{Field: "history_limit", Reason: "must be positive"}
	}
	return nil
}

// Controller adjusts the collection window from observed batch sizes.
// Safe for concurrent use; the adjust-and-record sequence is atomic.
type Controller struct {
	name string
	cfg  Config

	mu      sync.Mutex
	current time.Duration
	history []time.Duration
}

// New creates a controller. The name labels its metrics ("global" for the
// shared instance, the target key for per-target controllers).
func New(name string, cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		name:    name,
		cfg:     cfg,
		current: cfg.InitialWindow,
	}
	windowCurrentMs.WithLabelValues(name).Set(float64(cfg.InitialWindow.Milliseconds()))
	return c, nil
}

// RecordAndAdjust consumes the size of the batch just closed and returns
// the window for the next collection cycle. The multiplicative result is
// rounded to whole milliseconds before clamping.
func (c *Controller) RecordAndAdjust(observed int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !*c.cfg.Adaptive {
		return c.current
	}

	ms := float64(c.current.Milliseconds())
	switch {
	case observed < c.cfg.LowThreshold:
		next := time.Duration(math.Round(ms*c.cfg.IncreaseRate)) * time.Millisecond
		if next > c.cfg.MaxWindow {
			next = c.cfg.MaxWindow
		}
		if next != c.current {
			windowAdjustmentsTotal.WithLabelValues(c.name, "up").Inc()
		}
		c.current = next
	case observed > c.cfg.HighThreshold:
		next := time.Duration(math.Round(ms*c.cfg.DecreaseRate)) * time.Millisecond
		if next < c.cfg.MinWindow {
			next = c.cfg.MinWindow
		}
		if next != c.current {
			windowAdjustmentsTotal.WithLabelValues(c.name, "down").Inc()
		}
		c.current = next
	}

	c.history = append(c.history, c.current)
	if len(c.history) > c.cfg.HistoryLimit {
		// FIFO eviction, oldest first
		c.history = c.history[1:]
	}

	windowCurrentMs.WithLabelValues(c.name).Set(float64(c.current.Milliseconds()))
	return c.current
}

// Current returns the current collection window.
func (c *Controller) Current() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Avg returns the arithmetic mean of the window history in milliseconds,
// or the current window if no cycle has completed yet.
func (c *Controller) Avg() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return float64(c.current.Milliseconds())
	}
	var sum time.Duration
	for _, w := range c.history {
		sum += w
	}
	return float64(sum.Milliseconds()) / float64(len(c.history))
}

// HistoryLen returns the number of retained history entries.
func (c *Controller) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Reset restores the initial window and clears history. Bounds and
// thresholds are untouched.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.cfg.InitialWindow
	c.history = nil
	windowCurrentMs.WithLabelValues(c.name).Set(float64(c.current.Milliseconds()))
}
