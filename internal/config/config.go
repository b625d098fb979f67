package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/szibis/batch-governor/internal/circuit"
	"github.com/szibis/batch-governor/internal/dispatch"
	"github.com/szibis/batch-governor/internal/receiver"
	"github.com/szibis/batch-governor/internal/scheduler"
	"github.com/szibis/batch-governor/internal/window"
)

// version is set at build time via ldflags
var version = "dev"

// Config holds the application configuration.
type Config struct {
	// Ingest settings
	ListenAddr   string
	MaxBodyBytes int64

	// Stats/metrics settings
	StatsAddr string

	// Dispatcher settings
	DispatchEndpoint    string
	DispatchCompression string
	DispatchForceHTTP2  bool
	DispatchHeaders     string // "k=v,k=v"
	DispatchTimeout     time.Duration
	DispatchConcurrent  int64

	// Retry settings
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64

	// Window settings
	MinWindow     time.Duration
	MaxWindow     time.Duration
	InitialWindow time.Duration
	LowThreshold  int
	HighThreshold int
	IncreaseRate  float64
	DecreaseRate  float64
	Adaptive      bool

	// Scheduler settings
	HardCap          int
	PerTargetWindow  bool
	Dedup            bool
	DedupExpectedOps uint

	// Circuit breaker settings
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration

	// Misc
	LogLevel    string
	ConfigFile  string
	ShowVersion bool
	ShowHelp    bool
}

// ParseFlags parses command line flags, applying any YAML config file
// first so flags win over the file.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ListenAddr, "listen-addr", ":8080", "Ingest HTTP listen address")
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 1<<20, "Max ingest request body size in bytes")
	flag.StringVar(&cfg.StatsAddr, "stats-addr", ":9090", "Stats and Prometheus metrics listen address")

	flag.StringVar(&cfg.DispatchEndpoint, "dispatch-endpoint", "", "Downstream batch endpoint URL (required)")
	flag.StringVar(&cfg.DispatchCompression, "dispatch-compression", "none", "Request compression: none, gzip, zstd")
	flag.BoolVar(&cfg.DispatchForceHTTP2, "dispatch-http2", false, "Force HTTP/2 for the downstream client")
	flag.StringVar(&cfg.DispatchHeaders, "dispatch-headers", "", "Extra downstream headers, k=v comma-separated")
	flag.DurationVar(&cfg.DispatchTimeout, "dispatch-timeout", 30*time.Second, "Per-call downstream timeout")
	flag.Int64Var(&cfg.DispatchConcurrent, "dispatch-concurrency", 16, "Max concurrent downstream calls")

	flag.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", 3, "Whole-batch attempt budget for transient failures")
	flag.DurationVar(&cfg.RetryBaseDelay, "retry-base-delay", 100*time.Millisecond, "Initial retry backoff delay")
	flag.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", 5*time.Second, "Max retry backoff delay")
	flag.Float64Var(&cfg.RetryMultiplier, "retry-multiplier", 2.0, "Backoff delay multiplier")

	flag.DurationVar(&cfg.MinWindow, "window-min", 20*time.Millisecond, "Minimum collection window")
	flag.DurationVar(&cfg.MaxWindow, "window-max", 200*time.Millisecond, "Maximum collection window")
	flag.DurationVar(&cfg.InitialWindow, "window-initial", 50*time.Millisecond, "Initial collection window")
	flag.IntVar(&cfg.LowThreshold, "window-low-threshold", 3, "Batch size below which the window grows")
	flag.IntVar(&cfg.HighThreshold, "window-high-threshold", 50, "Batch size above which the window shrinks")
	flag.Float64Var(&cfg.IncreaseRate, "window-increase-rate", 1.2, "Window growth factor")
	flag.Float64Var(&cfg.DecreaseRate, "window-decrease-rate", 0.8, "Window shrink factor")
	flag.BoolVar(&cfg.Adaptive, "window-adaptive", true, "Enable adaptive window sizing")

	flag.IntVar(&cfg.HardCap, "hard-cap", 500, "Pending count that forces an immediate flush")
	flag.BoolVar(&cfg.PerTargetWindow, "per-target-window", false, "One window controller per target")
	flag.BoolVar(&cfg.Dedup, "dedup", false, "Reject duplicate pending operation IDs")
	flag.UintVar(&cfg.DedupExpectedOps, "dedup-expected-ops", 100000, "Dedup Bloom filter sizing")

	flag.IntVar(&cfg.BreakerMaxFailures, "breaker-max-failures", 10, "Consecutive failures that open the circuit (-1 disables)")
	flag.DurationVar(&cfg.BreakerResetTimeout, "breaker-reset-timeout", 30*time.Second, "Open-circuit probe delay")

	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level: debug, info, warn, error")
	flag.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML config file")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Print usage and exit")

	flag.Parse()

	if cfg.ConfigFile != "" {
		if err := cfg.applyYAML(cfg.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "config file: %v\n", err)
			os.Exit(1)
		}
		// Re-parse so explicit flags override file values.
		flag.Parse()
	}
	return cfg
}

// Validate checks values the flag types cannot.
func (c *Config) Validate() error {
	if c.DispatchEndpoint == "" {
		return fmt.Errorf("dispatch-endpoint is required")
	}
	switch c.DispatchCompression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("dispatch-compression must be none, gzip or zstd")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be debug, info, warn or error")
	}
	return nil
}

// WindowConfig builds the window controller configuration. Bounds and
// thresholds are validated by window.New.
func (c *Config) WindowConfig() window.Config {
	adaptive := c.Adaptive
	return window.Config{
		MinWindow:     c.MinWindow,
		MaxWindow:     c.MaxWindow,
		InitialWindow: c.InitialWindow,
		LowThreshold:  c.LowThreshold,
		HighThreshold: c.HighThreshold,
		IncreaseRate:  c.IncreaseRate,
		DecreaseRate:  c.DecreaseRate,
		Adaptive:      &adaptive,
	}
}

// SchedulerConfig builds the scheduler configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Window:           c.WindowConfig(),
		HardCap:          c.HardCap,
		PerTargetWindow:  c.PerTargetWindow,
		Dedup:            c.Dedup,
		DedupExpectedOps: c.DedupExpectedOps,
	}
}

// ExecutorConfig builds the dispatch executor configuration.
func (c *Config) ExecutorConfig() dispatch.ExecutorConfig {
	return dispatch.ExecutorConfig{
		MaxAttempts:   c.RetryMaxAttempts,
		BaseDelay:     c.RetryBaseDelay,
		MaxDelay:      c.RetryMaxDelay,
		Multiplier:    c.RetryMultiplier,
		Timeout:       c.DispatchTimeout,
		MaxConcurrent: c.DispatchConcurrent,
	}
}

// HTTPConfig builds the HTTP dispatcher configuration.
func (c *Config) HTTPConfig() dispatch.HTTPConfig {
	return dispatch.HTTPConfig{
		Endpoint:    c.DispatchEndpoint,
		Compression: c.DispatchCompression,
		ForceHTTP2:  c.DispatchForceHTTP2,
		Headers:     parseHeaders(c.DispatchHeaders),
	}
}

// BreakerConfig builds the circuit breaker configuration.
func (c *Config) BreakerConfig() circuit.Config {
	return circuit.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	}
}

// ReceiverConfig builds the ingest server configuration.
func (c *Config) ReceiverConfig() receiver.Config {
	return receiver.Config{
		ListenAddr:   c.ListenAddr,
		MaxBodyBytes: c.MaxBodyBytes,
	}
}

// parseHeaders parses "k=v,k=v" into a header map.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			headers[kv[0]] = kv[1]
		}
	}
	return headers
}

// PrintVersion prints the build version.
func PrintVersion() {
	fmt.Printf("batch-governor %s\n", version)
}

// PrintUsage prints flag usage.
func PrintUsage() {
	flag.Usage()
}
