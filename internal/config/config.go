// Package config handles collector configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/collector/config.yaml, /config/config.yaml,
// /etc/collector/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "collector", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/collector/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all collector configuration (spec.md §6.4's control
// surface, plus the producer/server wiring needed to run it).
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Producers ProducersConfig `yaml:"producers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Sink      SinkConfig      `yaml:"sink"`
	Index     IndexConfig     `yaml:"index"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Debug     bool            `yaml:"debug"`
}

// ListenConfig defines the HTTP/WebSocket server's bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// ProducerConfig describes one tracer subprocess to spawn.
type ProducerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ProducersConfig names the two tracer binaries the collector spawns.
type ProducersConfig struct {
	Process ProducerConfig `yaml:"process"`
	SSL     ProducerConfig `yaml:"ssl"`
	// ShutdownGraceMs is how long a producer gets to exit after SIGTERM
	// before it is SIGKILLed. Default: 5000.
	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

// PipelineConfig holds the tunables named in spec.md §6.4.
type PipelineConfig struct {
	// MaxWaitMs bounds the request/response pairing window. Default: 30000.
	MaxWaitMs int `yaml:"max_wait_ms"`
	// SSETimeoutMs is the SSE accumulator idle timeout. Default: 30000.
	SSETimeoutMs int `yaml:"sse_timeout_ms"`
	// HTTPTimeoutMs is the HTTP accumulator idle timeout. Default: 30000.
	HTTPTimeoutMs int `yaml:"http_timeout_ms"`
	// HTTPBufferLimitBytes caps a tid's HTTP buffer. Default: 65536.
	HTTPBufferLimitBytes int `yaml:"http_buffer_limit_bytes"`
	// SSEBufferLimitBytes caps a connection's merged SSE buffers. Default: 10240.
	SSEBufferLimitBytes int `yaml:"sse_buffer_limit_bytes"`
	// ExcludePatterns are filter expressions evaluated by internal/filter.
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// SinkConfig controls the optional file sink.
type SinkConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	MaxBytes    int64  `yaml:"max_bytes"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// IndexConfig controls the optional Event index (spec.md §6.3).
type IndexConfig struct {
	Enabled bool `yaml:"enabled"`
	// Capacity is the maximum number of Events retained, oldest evicted
	// first. Default: 10000.
	Capacity int `yaml:"capacity"`
	// SQLitePath, if set, persists the index to disk instead of keeping
	// it purely in memory.
	SQLitePath string `yaml:"sqlite_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${DATA_DIR}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Producers.ShutdownGraceMs == 0 {
		c.Producers.ShutdownGraceMs = 5000
	}
	if c.Pipeline.MaxWaitMs == 0 {
		c.Pipeline.MaxWaitMs = 30000
	}
	if c.Pipeline.SSETimeoutMs == 0 {
		c.Pipeline.SSETimeoutMs = 30000
	}
	if c.Pipeline.HTTPTimeoutMs == 0 {
		c.Pipeline.HTTPTimeoutMs = 30000
	}
	if c.Pipeline.HTTPBufferLimitBytes == 0 {
		c.Pipeline.HTTPBufferLimitBytes = 65536
	}
	if c.Pipeline.SSEBufferLimitBytes == 0 {
		c.Pipeline.SSEBufferLimitBytes = 10240
	}
	if c.Sink.Enabled && c.Sink.Path == "" {
		c.Sink.Path = filepath.Join(c.DataDir, "events.log")
	}
	if c.Index.Enabled && c.Index.Capacity == 0 {
		c.Index.Capacity = 10000
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Producers.Process.Command == "" {
		return fmt.Errorf("producers.process.command must be set")
	}
	if c.Producers.SSL.Command == "" {
		return fmt.Errorf("producers.ssl.command must be set")
	}
	return nil
}

// Default returns a default configuration suitable for local development,
// pointing at tracer binaries on PATH. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Producers: ProducersConfig{
			Process: ProducerConfig{Command: "process-tracer"},
			SSL:     ProducerConfig{Command: "ssl-tracer"},
		},
	}
	cfg.applyDefaults()
	return cfg
}
