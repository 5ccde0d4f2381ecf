package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

type Config struct {
	Env      string
	DeviceID string
	DataDir  string
	LogFile  string

	StoreDriver string
	DatabaseURL string

	BackendBaseURL    string
	BackendAPIToken   string
	BackendHealthPath string
	BackendTimeoutSec int

	SyncIntervalSec       int
	SyncConcurrency       int
	SyncRetryDelaySec     int
	SyncStuckAfterSec     int
	SyncedRetentionHours  int
	SyncTriggerOnComplete bool

	AudioCaptureCommand  string
	AudioDevicePath      string
	AudioStartTimeoutSec int
	AudioMaxAttempts     int
	AudioSettleMs        int
	AudioBackoffMs       int

	SurveyRulesFile string
	// LocalAPIAddr is where the interview UI reaches the agent. Empty disables it.
	LocalAPIAddr string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverSQLite, StoreDriverPostgres, c.StoreDriver)
	}
	if u, err := url.Parse(c.BackendBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL is invalid: %q", c.BackendBaseURL)
	}
	for _, p := range c.positiveFieldChecks() {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	// A syncing record is touched before and after each backend call, so the watchdog
	// must allow longer than an upload followed by a submission.
	if c.SyncStuckAfterSec <= 2*c.BackendTimeoutSec {
		return fmt.Errorf("SYNC_STUCK_AFTER_SEC must exceed twice BACKEND_TIMEOUT_SEC (%d), got %d", 2*c.BackendTimeoutSec, c.SyncStuckAfterSec)
	}
	if c.AudioSettleMs < 0 || c.AudioBackoffMs < 0 {
		return fmt.Errorf("AUDIO_SETTLE_MS and AUDIO_BACKOFF_MS must not be negative")
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DEVICE_ID", value: c.DeviceID},
		{name: "DATA_DIR", value: c.DataDir},
		{name: "BACKEND_BASE_URL", value: c.BackendBaseURL},
		{name: "AUDIO_CAPTURE_COMMAND", value: c.AudioCaptureCommand},
	}
}

type positiveEnvField struct {
	name  string
	value int
}

func (c *Config) positiveFieldChecks() []positiveEnvField {
	return []positiveEnvField{
		{name: "BACKEND_TIMEOUT_SEC", value: c.BackendTimeoutSec},
		{name: "SYNC_INTERVAL_SEC", value: c.SyncIntervalSec},
		{name: "SYNC_CONCURRENCY", value: c.SyncConcurrency},
		{name: "SYNC_RETRY_DELAY_SEC", value: c.SyncRetryDelaySec},
		{name: "SYNC_STUCK_AFTER_SEC", value: c.SyncStuckAfterSec},
		{name: "SYNCED_RETENTION_HOURS", value: c.SyncedRetentionHours},
		{name: "AUDIO_START_TIMEOUT_SEC", value: c.AudioStartTimeoutSec},
		{name: "AUDIO_MAX_ATTEMPTS", value: c.AudioMaxAttempts},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

func (c *Config) SyncRetryDelay() time.Duration {
	return time.Duration(c.SyncRetryDelaySec) * time.Second
}

func (c *Config) SyncStuckAfter() time.Duration {
	return time.Duration(c.SyncStuckAfterSec) * time.Second
}

func (c *Config) SyncedRetention() time.Duration {
	return time.Duration(c.SyncedRetentionHours) * time.Hour
}

func (c *Config) AudioStartTimeout() time.Duration {
	return time.Duration(c.AudioStartTimeoutSec) * time.Second
}

func (c *Config) AudioSettle() time.Duration {
	return time.Duration(c.AudioSettleMs) * time.Millisecond
}

func (c *Config) AudioBackoff() time.Duration {
	return time.Duration(c.AudioBackoffMs) * time.Millisecond
}
