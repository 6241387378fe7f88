// Package config provides kcore server configuration.
//
// A KernelConfig is built from defaults, optionally overlaid by a YAML or
// JSON file, then by command-line flags in cmd. The kernel package keeps its
// own narrower KernelConfig; ToKernel and Reaper convert to it.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/kcore/coreengine/kernel"
)

// ErrUnsupportedFormat is returned by LoadFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// ForkRateLimit bounds process creation per parent.
type ForkRateLimit struct {
	MaxForksPerWindow int `json:"max_forks_per_window" yaml:"max_forks_per_window"` // 0 disables
	WindowSeconds     int `json:"window_seconds" yaml:"window_seconds"`
}

// KernelConfig holds everything the kcore server needs to boot.
type KernelConfig struct {
	// Machine
	TickIntervalMs int `json:"tick_interval_ms" yaml:"tick_interval_ms"`
	PhysicalFrames int `json:"physical_frames" yaml:"physical_frames"`
	FaultLogSize   int `json:"fault_log_size" yaml:"fault_log_size"`

	// Endpoints
	GRPCAddress    string `json:"grpc_address" yaml:"grpc_address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"` // empty disables /metrics
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`     // empty disables tracing

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Filesystem
	AppsDir string `json:"apps_dir" yaml:"apps_dir"` // empty loads the built-in demo apps
	RootDir string `json:"root_dir" yaml:"root_dir"` // served read-only by open and listdir

	// Reaping (seconds)
	ReapRetentionSeconds int `json:"reap_retention_seconds" yaml:"reap_retention_seconds"`
	ReapIntervalSeconds  int `json:"reap_interval_seconds" yaml:"reap_interval_seconds"`

	ForkRateLimit ForkRateLimit `json:"fork_rate_limit" yaml:"fork_rate_limit"`

	// App spawned under the kernel process at boot; empty spawns nothing
	InitApp string `json:"init_app" yaml:"init_app"`
}

// DefaultKernelConfig returns a KernelConfig with default values.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		TickIntervalMs: 10,
		PhysicalFrames: 16384,
		FaultLogSize:   64,

		GRPCAddress:    ":50051",
		MetricsAddress: ":9090",

		LogLevel: "info",

		ReapRetentionSeconds: 600,
		ReapIntervalSeconds:  60,

		ForkRateLimit: ForkRateLimit{
			MaxForksPerWindow: 0,
			WindowSeconds:     1,
		},
	}
}

// LoadFile reads path over the defaults. The format follows the extension:
// .yaml and .yml use YAML, .json uses JSON. Unknown keys are rejected.
func LoadFile(path string) (*KernelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := DefaultKernelConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves the defaults.
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Validate checks that every value is usable.
func (c *KernelConfig) Validate() error {
	var errs []error
	if c.TickIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval_ms must be positive, got %d", c.TickIntervalMs))
	}
	if c.PhysicalFrames <= 0 {
		errs = append(errs, fmt.Errorf("physical_frames must be positive, got %d", c.PhysicalFrames))
	}
	if c.FaultLogSize < 0 {
		errs = append(errs, fmt.Errorf("fault_log_size must not be negative, got %d", c.FaultLogSize))
	}
	if c.GRPCAddress == "" {
		errs = append(errs, errors.New("grpc_address is required"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.ReapRetentionSeconds < 0 {
		errs = append(errs, fmt.Errorf("reap_retention_seconds must not be negative, got %d", c.ReapRetentionSeconds))
	}
	if c.ReapIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("reap_interval_seconds must not be negative, got %d", c.ReapIntervalSeconds))
	}
	if c.ForkRateLimit.MaxForksPerWindow < 0 {
		errs = append(errs, fmt.Errorf("fork_rate_limit.max_forks_per_window must not be negative, got %d", c.ForkRateLimit.MaxForksPerWindow))
	}
	if c.ForkRateLimit.MaxForksPerWindow > 0 && c.ForkRateLimit.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("fork_rate_limit.window_seconds must be positive, got %d", c.ForkRateLimit.WindowSeconds))
	}
	return errors.Join(errs...)
}

// TickInterval returns the timer period.
func (c *KernelConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// ToKernel returns the kernel package view of c.
func (c *KernelConfig) ToKernel() *kernel.KernelConfig {
	return &kernel.KernelConfig{
		PhysicalFrames: c.PhysicalFrames,
		FaultLogSize:   c.FaultLogSize,
		ForkLimit: &kernel.ForkLimitConfig{
			MaxForksPerWindow: c.ForkRateLimit.MaxForksPerWindow,
			WindowSeconds:     c.ForkRateLimit.WindowSeconds,
		},
	}
}

// Reaper returns the tombstone reaper settings. A zero interval disables
// reaping and reports false.
func (c *KernelConfig) Reaper() (kernel.ReaperConfig, bool) {
	if c.ReapIntervalSeconds == 0 {
		return kernel.ReaperConfig{}, false
	}
	return kernel.ReaperConfig{
		Interval:  time.Duration(c.ReapIntervalSeconds) * time.Second,
		Retention: time.Duration(c.ReapRetentionSeconds) * time.Second,
	}, true
}

// LogLevel is a validated log level name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseLogLevel accepts a level name in any case.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return l, nil
	case "warning":
		return LogLevelWarn, nil
	default:
		return "", fmt.Errorf("unknown log_level %q", s)
	}
}

// =============================================================================
// GLOBAL CONFIG (set by cmd at boot)
// =============================================================================

var (
	globalKernelConfig *KernelConfig
	configMu           sync.RWMutex
)

// GetKernelConfig returns the injected config or defaults.
func GetKernelConfig() *KernelConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalKernelConfig == nil {
		return DefaultKernelConfig()
	}
	return globalKernelConfig
}

// SetKernelConfig sets the process-wide config.
func SetKernelConfig(config *KernelConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalKernelConfig = config
}

// ResetKernelConfig clears the process-wide config (useful for testing).
func ResetKernelConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalKernelConfig = nil
}
