package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "50ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// YAMLConfig represents the YAML configuration file structure. Only set
// fields override flag defaults; explicit flags win over the file.
type YAMLConfig struct {
	Ingest    IngestYAMLConfig    `yaml:"ingest"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Dispatch  DispatchYAMLConfig  `yaml:"dispatch"`
	Retry     RetryYAMLConfig     `yaml:"retry"`
	Window    WindowYAMLConfig    `yaml:"window"`
	Scheduler SchedulerYAMLConfig `yaml:"scheduler"`
	Breaker   BreakerYAMLConfig   `yaml:"breaker"`
	LogLevel  string              `yaml:"log_level"`
}

// IngestYAMLConfig holds ingest server settings.
type IngestYAMLConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MaxBodyBytes *int64 `yaml:"max_body_bytes"`
}

// StatsYAMLConfig holds stats listener settings.
type StatsYAMLConfig struct {
	Addr string `yaml:"addr"`
}

// DispatchYAMLConfig holds downstream dispatcher settings.
type DispatchYAMLConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Compression string            `yaml:"compression"`
	ForceHTTP2  *bool             `yaml:"force_http2"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     Duration          `yaml:"timeout"`
	Concurrency *int64            `yaml:"concurrency"`
}

// RetryYAMLConfig holds retry/backoff settings.
type RetryYAMLConfig struct {
	MaxAttempts *int     `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Multiplier  *float64 `yaml:"multiplier"`
}

// WindowYAMLConfig holds adaptive window settings.
type WindowYAMLConfig struct {
	Min           Duration `yaml:"min"`
	Max           Duration `yaml:"max"`
	Initial       Duration `yaml:"initial"`
	LowThreshold  *int     `yaml:"low_threshold"`
	HighThreshold *int     `yaml:"high_threshold"`
	IncreaseRate  *float64 `yaml:"increase_rate"`
	DecreaseRate  *float64 `yaml:"decrease_rate"`
	Adaptive      *bool    `yaml:"adaptive"`
}

// SchedulerYAMLConfig holds queue settings.
type SchedulerYAMLConfig struct {
	HardCap          *int  `yaml:"hard_cap"`
	PerTargetWindow  *bool `yaml:"per_target_window"`
	Dedup            *bool `yaml:"dedup"`
	DedupExpectedOps *uint `yaml:"dedup_expected_ops"`
}

// BreakerYAMLConfig holds circuit breaker settings.
type BreakerYAMLConfig struct {
	MaxFailures  *int     `yaml:"max_failures"`
	ResetTimeout Duration `yaml:"reset_timeout"`
}

// applyYAML loads the file and overlays set values onto c.
func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if y.Ingest.ListenAddr != "" {
		c.ListenAddr = y.Ingest.ListenAddr
	}
	if y.Ingest.MaxBodyBytes != nil {
		c.MaxBodyBytes = *y.Ingest.MaxBodyBytes
	}
	if y.Stats.Addr != "" {
		c.StatsAddr = y.Stats.Addr
	}

	if y.Dispatch.Endpoint != "" {
		c.DispatchEndpoint = y.Dispatch.Endpoint
	}
	if y.Dispatch.Compression != "" {
		c.DispatchCompression = y.Dispatch.Compression
	}
	if y.Dispatch.ForceHTTP2 != nil {
		c.DispatchForceHTTP2 = *y.Dispatch.ForceHTTP2
	}
	if len(y.Dispatch.Headers) > 0 {
		pairs := make([]string, 0, len(y.Dispatch.Headers))
		for k, v := range y.Dispatch.Headers {
			pairs = append(pairs, k+"="+v)
		}
		c.DispatchHeaders = strings.Join(pairs, ",")
	}
	if y.Dispatch.Timeout != 0 {
		c.DispatchTimeout = time.Duration(y.Dispatch.Timeout)
	}
	if y.Dispatch.Concurrency != nil {
		c.DispatchConcurrent = *y.Dispatch.Concurrency
	}

	if y.Retry.MaxAttempts != nil {
		c.RetryMaxAttempts = *y.Retry.MaxAttempts
	}
	if y.Retry.BaseDelay != 0 {
		c.RetryBaseDelay = time.Duration(y.Retry.BaseDelay)
	}
	if y.Retry.MaxDelay != 0 {
		c.RetryMaxDelay = time.Duration(y.Retry.MaxDelay)
	}
	if y.Retry.Multiplier != nil {
		c.RetryMultiplier = *y.Retry.Multiplier
	}

	if y.Window.Min != 0 {
		c.MinWindow = time.Duration(y.Window.Min)
	}
	if y.Window.Max != 0 {
		c.MaxWindow = time.Duration(y.Window.Max)
	}
	if y.Window.Initial != 0 {
		c.InitialWindow = time.Duration(y.Window.Initial)
	}
	if y.Window.LowThreshold != nil {
		c.LowThreshold = *y.Window.LowThreshold
	}
	if y.Window.HighThreshold != nil {
		c.HighThreshold = *y.Window.HighThreshold
	}
	if y.Window.IncreaseRate != nil {
		c.IncreaseRate = *y.Window.IncreaseRate
	}
	if y.Window.DecreaseRate != nil {
		c.DecreaseRate = *y.Window.DecreaseRate
	}
	if y.Window.Adaptive != nil {
		c.Adaptive = *y.Window.Adaptive
	}

	if y.Scheduler.HardCap != nil {
		c.HardCap = *y.Scheduler.HardCap
	}
	if y.Scheduler.PerTargetWindow != nil {
		c.PerTargetWindow = *y.Scheduler.PerTargetWindow
	}
	if y.Scheduler.Dedup != nil {
		c.Dedup = *y.Scheduler.Dedup
	}
	if y.Scheduler.DedupExpectedOps != nil {
		c.DedupExpectedOps = *y.Scheduler.DedupExpectedOps
	}

	if y.Breaker.MaxFailures != nil {
		c.BreakerMaxFailures = *y.Breaker.MaxFailures
	}
	if y.Breaker.ResetTimeout != 0 {
		c.BreakerResetTimeout = time.Duration(y.Breaker.ResetTimeout)
	}

	if y.LogLevel != "" {
		c.LogLevel = y.LogLevel
	}
	return nil
}
