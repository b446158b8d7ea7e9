package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gojournal/internal/journal"
	"gojournal/internal/storage"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// All problems are collected and returned together so the operator can fix
// the file in one pass:
//
//   configuration validation failed:
//     1. message_journal_segment_size: must be > 0, got 0
//     2. lb_throttle_threshold_percentage: must be 1-100 or -1, got 120
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error formats all validation errors as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration for mistakes.
// Returns nil if valid, or a *ValidationError with all problems found.
func (c *Config) Validate() error {
	var errs []string

	if c.JournalDir == "" {
		errs = append(errs, "message_journal_dir: must not be empty")
	} else {
		errs = append(errs, validateDataDir("message_journal_dir", c.JournalDir)...)
	}
	if c.NodeIDFile == "" {
		errs = append(errs, "node_id_file: must not be empty")
	}

	errs = append(errs, c.validateJournal()...)
	errs = append(errs, c.validateDiskCheck()...)

	if c.RingSize <= 0 || c.RingSize&(c.RingSize-1) != 0 {
		errs = append(errs, fmt.Sprintf("ring_size: must be a positive power of two, got %d", c.RingSize))
	}
	if c.ProcessBufferProcessors <= 0 {
		errs = append(errs, fmt.Sprintf("processbuffer_processors: must be > 0, got %d", c.ProcessBufferProcessors))
	}

	if err := validateAddress(c.HTTPAddr); err != nil {
		errs = append(errs, fmt.Sprintf("http_bind_address: invalid %q: %v", c.HTTPAddr, err))
	}
	if err := validateAddress(c.InputAddr); err != nil {
		errs = append(errs, fmt.Sprintf("input_bind_address: invalid %q: %v", c.InputAddr, err))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level: must be debug, info, warn or error, got %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log_format: must be text or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (c *Config) validateJournal() []string {
	var errs []string

	if c.JournalSegmentSize <= 0 {
		errs = append(errs, fmt.Sprintf("message_journal_segment_size: must be > 0, got %d", c.JournalSegmentSize))
	} else if c.JournalSegmentSize > storage.MaxSegmentSize {
		errs = append(errs, fmt.Sprintf("message_journal_segment_size: must be <= %d, got %d", int64(storage.MaxSegmentSize), c.JournalSegmentSize))
	}
	if c.JournalSegmentAge <= 0 {
		errs = append(errs, fmt.Sprintf("message_journal_segment_age: must be > 0, got %s", c.JournalSegmentAge))
	}
	if c.JournalMaxSize == 0 {
		errs = append(errs, "message_journal_max_size: must be > 0, or negative to disable size retention")
	} else if c.JournalMaxSize > 0 && c.JournalMaxSize < c.JournalSegmentSize {
		errs = append(errs, fmt.Sprintf("message_journal_max_size: %s is smaller than message_journal_segment_size %s", c.JournalMaxSize, c.JournalSegmentSize))
	}
	if c.JournalMaxAge < 0 {
		errs = append(errs, fmt.Sprintf("message_journal_max_age: must be >= 0, got %s", c.JournalMaxAge))
	}
	if c.JournalFlushInterval <= 0 {
		errs = append(errs, fmt.Sprintf("message_journal_flush_interval: must be > 0, got %d", c.JournalFlushInterval))
	}
	if c.JournalFlushAge <= 0 {
		errs = append(errs, fmt.Sprintf("message_journal_flush_age: must be > 0, got %s", c.JournalFlushAge))
	}

	t := c.ThrottleThresholdPercentage
	if t != journal.ThrottlingDisabled && (t < 1 || t > 100) {
		errs = append(errs, fmt.Sprintf("lb_throttle_threshold_percentage: must be 1-100 or %d, got %d", journal.ThrottlingDisabled, t))
	}
	return errs
}

func (c *Config) validateDiskCheck() []string {
	if !c.JournalCheckEnabled {
		return nil
	}
	var errs []string
	if p := c.JournalCheckDiskFreePercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Sprintf("message_journal_check_disk_free_percent: must be 0-100, got %d", p))
	}
	if c.JournalCheckInterval <= 0 {
		errs = append(errs, fmt.Sprintf("message_journal_check_interval: must be > 0, got %s", c.JournalCheckInterval))
	}
	return errs
}

// validateDataDir checks that a directory is usable or can be created.
func validateDataDir(key, dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		errs = append(errs, fmt.Sprintf("%s: cannot resolve path %q: %v", key, dir, err))
		return errs
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("%s: %q exists but is not a directory", key, absDir))
		}
		return errs
	}

	if !os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("%s: cannot access %q: %v", key, absDir, err))
		return errs
	}

	// The journal creates missing directories; the nearest existing ancestor
	// must be a directory.
	parent := filepath.Dir(absDir)
	for {
		info, err := os.Stat(parent)
		if err == nil {
			if !info.IsDir() {
				errs = append(errs, fmt.Sprintf("%s: %q cannot be created, %q is not a directory", key, absDir, parent))
			}
			break
		}
		if !os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("%s: %q does not exist and parent %q is not accessible: %v", key, absDir, parent, err))
			break
		}
		next := filepath.Dir(parent)
		if next == parent {
			break
		}
		parent = next
	}

	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
