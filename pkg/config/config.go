package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable options of the orchestration core. Every field is
// optional; Default() supplies the documented defaults and Load merges a YAML
// file over them.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir holds the bbolt database.
	DataDir string `yaml:"data_dir"`

	// RedisAddr, when set, switches the communication hub onto Redis pub/sub.
	// Empty means the in-process transport.
	RedisAddr string `yaml:"redis_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MaxWorkers bounds the dispatcher's concurrent dispatch fan-out.
	MaxWorkers int `yaml:"max_workers"`

	// MessageInflightSoftCap bounds unacknowledged requires-response
	// messages per recipient. Zero disables the cap.
	MessageInflightSoftCap int `yaml:"message_inflight_soft_cap"`

	// DispatcherTickMs is the dispatch loop cadence in milliseconds.
	DispatcherTickMs int `yaml:"dispatcher_tick_ms"`

	// DefaultTaskTimeoutS is the per-task execution timeout in seconds.
	DefaultTaskTimeoutS int `yaml:"default_task_timeout_s"`

	// DefaultMessageResponseTimeoutS is the per-message response window.
	DefaultMessageResponseTimeoutS int `yaml:"default_message_response_timeout_s"`

	// BlackoutCheckTZ is the default IANA time zone for blackout windows.
	BlackoutCheckTZ string `yaml:"blackout_check_tz"`

	// DeadLetterRetentionH is DLQ retention before pruning, in hours.
	DeadLetterRetentionH int `yaml:"dead_letter_retention_h"`

	// TerminalTaskRetentionH is the retention window for terminal tasks.
	TerminalTaskRetentionH int `yaml:"terminal_task_retention_h"`

	// AntistarvationScanEveryNTicks is the cadence of the low-priority scan.
	AntistarvationScanEveryNTicks int `yaml:"antistarvation_scan_every_n_ticks"`

	// AntistarvationWindowS is how long the top queue must stay non-empty
	// before low-priority scans begin, in seconds.
	AntistarvationWindowS int `yaml:"antistarvation_window_s"`

	// WorkerDegradeAfterMin is inactivity before a worker is marked Degraded.
	WorkerDegradeAfterMin int `yaml:"worker_degrade_after_min"`

	// WorkerUnhealthyAfterMin is inactivity before a worker is marked
	// Unhealthy and deactivated.
	WorkerUnhealthyAfterMin int `yaml:"worker_unhealthy_after_min"`

	// CancelGraceS is how long a running task may ignore a cancel request
	// before it is marked Cancelled anyway.
	CancelGraceS int `yaml:"cancel_grace_s"`

	// MessageSecret derives the key for encrypting message protocols. Empty
	// disables encryption; protocol pairs requiring it will reject sends.
	MessageSecret string `yaml:"message_secret"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		ListenAddr:                     ":7430",
		DataDir:                        "/var/lib/drover",
		LogLevel:                       "info",
		MaxWorkers:                     10,
		MessageInflightSoftCap:         16,
		DispatcherTickMs:               100,
		DefaultTaskTimeoutS:            300,
		DefaultMessageResponseTimeoutS: 30,
		BlackoutCheckTZ:                "UTC",
		DeadLetterRetentionH:           72,
		TerminalTaskRetentionH:         24,
		AntistarvationScanEveryNTicks:  10,
		AntistarvationWindowS:          60,
		WorkerDegradeAfterMin:          5,
		WorkerUnhealthyAfterMin:        10,
		CancelGraceS:                   30,
	}
}

// Load reads a YAML config file and merges it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.DispatcherTickMs <= 0 {
		return fmt.Errorf("dispatcher_tick_ms must be positive, got %d", c.DispatcherTickMs)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.AntistarvationScanEveryNTicks <= 0 {
		return fmt.Errorf("antistarvation_scan_every_n_ticks must be positive, got %d", c.AntistarvationScanEveryNTicks)
	}
	if c.WorkerDegradeAfterMin >= c.WorkerUnhealthyAfterMin {
		return fmt.Errorf("worker_degrade_after_min (%d) must be below worker_unhealthy_after_min (%d)",
			c.WorkerDegradeAfterMin, c.WorkerUnhealthyAfterMin)
	}
	if _, err := time.LoadLocation(c.BlackoutCheckTZ); err != nil {
		return fmt.Errorf("invalid blackout_check_tz %q: %w", c.BlackoutCheckTZ, err)
	}
	return nil
}

// DispatcherTick returns the loop cadence as a duration.
func (c *Config) DispatcherTick() time.Duration {
	return time.Duration(c.DispatcherTickMs) * time.Millisecond
}

// DefaultTaskTimeout returns the execution timeout as a duration.
func (c *Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.DefaultTaskTimeoutS) * time.Second
}

// DefaultMessageResponseTimeout returns the response window as a duration.
func (c *Config) DefaultMessageResponseTimeout() time.Duration {
	return time.Duration(c.DefaultMessageResponseTimeoutS) * time.Second
}

// AntistarvationWindow returns the continuous-pressure window as a duration.
func (c *Config) AntistarvationWindow() time.Duration {
	return time.Duration(c.AntistarvationWindowS) * time.Second
}

// CancelGrace returns the cancel acknowledgment window as a duration.
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceS) * time.Second
}
