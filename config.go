package lotteryd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultListen is the TCP endpoint agencies connect to.
	DefaultListen = ":12345"
	// DefaultListenBacklog is the accept queue length requested from the kernel.
	DefaultListenBacklog = 128
	// DefaultAcceptTimeout bounds a single accept wait; every expiry reaps
	// finished connections.
	DefaultAcceptTimeout = time.Second
	// DefaultConnTimeout is the idle limit for reads and writes on a client
	// connection.
	DefaultConnTimeout = 30 * time.Second
	// DefaultAgencyCount leaves wildcard finality to the working flags alone.
	DefaultAgencyCount = 0
	// DefaultDataDir is the storage root.
	DefaultDataDir = "./data"
	// DefaultResetOnStart wipes the ledger and flags before serving.
	DefaultResetOnStart = true
	// DefaultLockRetryInterval is the pause between ledger lock attempts.
	DefaultLockRetryInterval = 10 * time.Millisecond
	// DefaultShutdownTimeout is how long in-flight connections may finish
	// before they are aborted.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
)

// DefaultPoolSize returns the worker count used when none is configured.
func DefaultPoolSize() int {
	return max(runtime.NumCPU(), 1)
}

// ConfigurationError reports a missing or invalid configuration value.
type ConfigurationError struct {
	Key string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func invalid(key, format string, args ...any) error {
	return &ConfigurationError{Key: key, Err: fmt.Errorf(format, args...)}
}

// Config holds server settings. Zero values are replaced with defaults by
// Validate.
type Config struct {
	// Listen is the TCP bind address (for example ":12345").
	Listen string
	// ListenBacklog is the listen(2) backlog. It also bounds the number of
	// accepted connections waiting for a free worker.
	ListenBacklog int
	// AcceptTimeout bounds a single accept wait.
	AcceptTimeout time.Duration
	// ConnTimeout is the per-connection idle limit for reads and writes.
	ConnTimeout time.Duration
	// PoolSize is the number of worker goroutines serving connections.
	PoolSize int
	// AgencyCount is the number of agencies expected to load bets. When > 0,
	// wildcard queries stay provisional until that many have registered.
	AgencyCount int
	// DataDir is the storage root holding the ledger and working flags.
	DataDir string
	// ResetOnStart wipes the storage root before serving.
	ResetOnStart bool
	// ResetOnStartSet reports whether ResetOnStart was set by caller/flags/env.
	ResetOnStartSet bool
	// LockRetryInterval is the pause between ledger lock attempts.
	LockRetryInterval time.Duration
	// ShutdownTimeout bounds the drain of in-flight connections on shutdown.
	ShutdownTimeout time.Duration
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint is the trace collector endpoint; empty disables tracing.
	OTLPEndpoint string
}

// Validate applies defaults and rejects invalid settings. Errors are
// *ConfigurationError.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if _, port, err := net.SplitHostPort(c.Listen); err != nil {
		return invalid("listen", "%w", err)
	} else if port == "" {
		return invalid("listen", "port required in %q", c.Listen)
	}
	switch {
	case c.ListenBacklog == 0:
		c.ListenBacklog = DefaultListenBacklog
	case c.ListenBacklog < 0:
		return invalid("listen-backlog", "must be > 0")
	}
	switch {
	case c.AcceptTimeout == 0:
		c.AcceptTimeout = DefaultAcceptTimeout
	case c.AcceptTimeout < 0:
		return invalid("accept-timeout", "must be > 0")
	}
	switch {
	case c.ConnTimeout == 0:
		c.ConnTimeout = DefaultConnTimeout
	case c.ConnTimeout < 0:
		return invalid("conn-timeout", "must be > 0")
	}
	switch {
	case c.PoolSize == 0:
		c.PoolSize = DefaultPoolSize()
	case c.PoolSize < 0:
		return invalid("pool-size", "must be > 0")
	}
	if c.AgencyCount < 0 {
		return invalid("agency-count", "must be >= 0")
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if !c.ResetOnStartSet {
		c.ResetOnStart = DefaultResetOnStart
	}
	switch {
	case c.LockRetryInterval == 0:
		c.LockRetryInterval = DefaultLockRetryInterval
	case c.LockRetryInterval < 0:
		return invalid("lock-retry-interval", "must be > 0")
	}
	switch {
	case c.ShutdownTimeout == 0:
		c.ShutdownTimeout = DefaultShutdownTimeout
	case c.ShutdownTimeout < 0:
		return invalid("shutdown-timeout", "must be > 0")
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return invalid("enable-profiling-metrics", "requires metrics-listen")
	}
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return &ConfigurationError{Key: "otlp-endpoint", Err: err}
		}
	}
	return nil
}

// IsConfigurationError reports whether err stems from an invalid Config.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.lotteryd), overridable with LOTTERYD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LOTTERYD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lotteryd"), nil
}

// DefaultConfigFile returns the config file looked up when none is given.
func DefaultConfigFile() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
