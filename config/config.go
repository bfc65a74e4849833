package config

import (
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

const (
	counterFile = "counter.json"
	queueFile   = "queue.json"
)

// Config holds global flockd configuration.
type Config struct {
	// RootDir is the base directory for the counter and queue state files.
	// Env: FLOCKD_ROOT_DIR. Default: /var/lib/flockd.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// LockTimeout bounds every lock acquisition. Zero or negative waits forever.
	// Env: FLOCKD_LOCK_TIMEOUT. Default: 10s.
	LockTimeout time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	// Debug enables lock diagnostics (acquire/release tracing).
	Debug bool `json:"debug" mapstructure:"debug"`
	// PoolSize is the goroutine pool size for queue workers and benchmarks.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// JobTimeout is how long a job may stay processing before workers expire it.
	// Zero disables expiry. Default: 5m.
	JobTimeout time.Duration `json:"job_timeout" mapstructure:"job_timeout"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		RootDir:     "/var/lib/flockd",
		LockTimeout: 10 * time.Second, //nolint:mnd
		PoolSize:    runtime.NumCPU(),
		JobTimeout:  5 * time.Minute, //nolint:mnd
		Log: coretypes.ServerLogConfig{
			Level: "info",
		},
	}
}

// CounterFile is the shared counter state file under RootDir.
func (c *Config) CounterFile() string { return filepath.Join(c.RootDir, counterFile) }

// QueueFile is the shared job queue state file under RootDir.
func (c *Config) QueueFile() string { return filepath.Join(c.RootDir, queueFile) }
