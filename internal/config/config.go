// =============================================================================
// SERVER CONFIGURATION - YAML FILE, DEFAULTS AND ENVIRONMENT OVERRIDES
// =============================================================================
//
// PRECEDENCE (highest to lowest):
//   1. Environment variables (GOJOURNAL_JOURNAL_DIR, GOJOURNAL_HTTP_ADDR, ...)
//   2. Config file (--config, YAML)
//   3. Default values
//
// CONFIG FILE FORMAT:
//
//   message_journal_dir: /var/lib/gojournal/journal
//   message_journal_segment_size: 100MB
//   message_journal_segment_age: 1h
//   message_journal_max_size: 5GB
//   message_journal_max_age: 12h
//   message_journal_flush_interval: 1000000
//   message_journal_flush_age: 1m
//   lb_throttle_threshold_percentage: 100
//   message_journal_check_enabled: true
//   message_journal_check_disk_free_percent: 5
//   message_journal_check_interval: 1m
//   message_journal_check_stop_inputs: false
//
// Sizes are human strings (100MB, 5GB) or plain byte counts. A negative
// message_journal_max_size disables size retention and a zero
// message_journal_max_age disables age retention.
//
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"

	"gojournal/internal/buffer"
	"gojournal/internal/diskcheck"
	"gojournal/internal/journal"
	"gojournal/internal/metrics"
)

// Environment variables that override file values.
const (
	EnvJournalDir = "GOJOURNAL_JOURNAL_DIR"
	EnvHTTPAddr   = "GOJOURNAL_HTTP_ADDR"
	EnvInputAddr  = "GOJOURNAL_INPUT_ADDR"
	EnvNodeIDFile = "GOJOURNAL_NODE_ID_FILE"
	EnvLogLevel   = "GOJOURNAL_LOG_LEVEL"
)

// =============================================================================
// CONFIGURATION STRUCTURES
// =============================================================================

// Config is the server configuration file.
type Config struct {
	NodeIDFile string `yaml:"node_id_file"`
	HTTPAddr   string `yaml:"http_bind_address"`
	InputAddr  string `yaml:"input_bind_address"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	JournalDir                  string   `yaml:"message_journal_dir"`
	JournalSegmentSize          ByteSize `yaml:"message_journal_segment_size"`
	JournalSegmentAge           Duration `yaml:"message_journal_segment_age"`
	JournalMaxSize              ByteSize `yaml:"message_journal_max_size"`
	JournalMaxAge               Duration `yaml:"message_journal_max_age"`
	JournalFlushInterval        int64    `yaml:"message_journal_flush_interval"`
	JournalFlushAge             Duration `yaml:"message_journal_flush_age"`
	ThrottleThresholdPercentage int      `yaml:"lb_throttle_threshold_percentage"`

	JournalCheckEnabled         bool     `yaml:"message_journal_check_enabled"`
	JournalCheckDiskFreePercent int      `yaml:"message_journal_check_disk_free_percent"`
	JournalCheckInterval        Duration `yaml:"message_journal_check_interval"`
	JournalCheckStopInputs      bool     `yaml:"message_journal_check_stop_inputs"`

	RingSize                int `yaml:"ring_size"`
	ProcessBufferProcessors int `yaml:"processbuffer_processors"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	jc := journal.DefaultConfig("data/journal")
	bc := buffer.DefaultConfig()
	return &Config{
		NodeIDFile: "data/node-id",
		HTTPAddr:   ":9000",
		InputAddr:  ":5555",
		LogLevel:   "info",
		LogFormat:  "text",

		JournalDir:                  jc.Dir,
		JournalSegmentSize:          ByteSize(jc.SegmentSize),
		JournalSegmentAge:           Duration(jc.SegmentAge),
		JournalMaxSize:              ByteSize(jc.RetentionSize),
		JournalMaxAge:               Duration(jc.RetentionAge),
		JournalFlushInterval:        jc.FlushInterval,
		JournalFlushAge:             Duration(jc.FlushAge),
		ThrottleThresholdPercentage: jc.ThrottleThresholdPercentage,

		JournalCheckEnabled:         true,
		JournalCheckDiskFreePercent: 5,
		JournalCheckInterval:        Duration(time.Minute),
		JournalCheckStopInputs:      false,

		RingSize:                bc.RingSize,
		ProcessBufferProcessors: bc.Processors,

		MetricsEnabled: true,
	}
}

// =============================================================================
// CONFIGURATION LOADING
// =============================================================================

// Load reads path on top of the defaults and applies environment overrides.
// An empty path loads only defaults and environment.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		if err := config.decode(f); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.applyEnv()
	return config, nil
}

// Parse decodes YAML on top of the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := config.decode(strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.JournalDir = getEnvOrDefault(EnvJournalDir, c.JournalDir)
	c.HTTPAddr = getEnvOrDefault(EnvHTTPAddr, c.HTTPAddr)
	c.InputAddr = getEnvOrDefault(EnvInputAddr, c.InputAddr)
	c.NodeIDFile = getEnvOrDefault(EnvNodeIDFile, c.NodeIDFile)
	c.LogLevel = getEnvOrDefault(EnvLogLevel, c.LogLevel)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

// JournalConfig converts the file settings into a journal configuration.
// registry may be nil.
func (c *Config) JournalConfig(registry *metrics.Registry) journal.Config {
	jc := journal.DefaultConfig(c.JournalDir)
	jc.SegmentSize = int64(c.JournalSegmentSize)
	jc.SegmentAge = time.Duration(c.JournalSegmentAge)
	jc.RetentionSize = int64(c.JournalMaxSize)
	jc.RetentionAge = time.Duration(c.JournalMaxAge)
	jc.FlushInterval = c.JournalFlushInterval
	jc.FlushAge = time.Duration(c.JournalFlushAge)
	jc.ThrottleThresholdPercentage = c.ThrottleThresholdPercentage
	if registry != nil {
		jc.Metrics = registry.Journal
		jc.RetentionMetrics = registry.Retention
	}
	return jc
}

// DiskCheckConfig converts the message_journal_check_* settings.
func (c *Config) DiskCheckConfig() diskcheck.Config {
	return diskcheck.Config{
		Dir:              c.JournalDir,
		JournalEnabled:   true,
		CheckEnabled:     c.JournalCheckEnabled,
		FreePercentFloor: c.JournalCheckDiskFreePercent,
		Interval:         time.Duration(c.JournalCheckInterval),
		StopInputs:       c.JournalCheckStopInputs,
	}
}

func (c *Config) BufferConfig() buffer.Config {
	return buffer.Config{
		RingSize:   c.RingSize,
		Processors: c.ProcessBufferProcessors,
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = c.MetricsEnabled
	return mc
}

// SlogLevel maps log_level to a slog level. Unknown values map to info;
// Validate rejects them.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// =============================================================================
// VALUE TYPES
// =============================================================================

// ByteSize is a byte count written as 100MB, 5GB or a plain integer.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	size, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = size
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	if b <= 0 {
		return int64(b), nil
	}
	return bytefmt.ByteSize(uint64(b)), nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return bytefmt.ByteSize(uint64(b))
}

// ParseByteSize accepts plain integers (including negative values) and
// bytefmt units (K, KB, KiB, M, MB, G, GB, T, TB).
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ByteSize(n), nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Duration is a time.Duration written as 1h, 30s or 12h.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
