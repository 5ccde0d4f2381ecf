package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/fieldsync/internal/config"
)

type envConfig struct {
	Env      string `env:"ENV" envDefault:"production"`
	DeviceID string `env:"DEVICE_ID,required"`
	DataDir  string `env:"DATA_DIR" envDefault:"/var/lib/fieldsync"`
	LogFile  string `env:"LOG_FILE"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`

	BackendBaseURL    string `env:"BACKEND_BASE_URL,required"`
	BackendAPIToken   string `env:"BACKEND_API_TOKEN"`
	BackendHealthPath string `env:"BACKEND_HEALTH_PATH" envDefault:"/api/health"`
	BackendTimeoutSec int    `env:"BACKEND_TIMEOUT_SEC" envDefault:"60"`

	SyncIntervalSec       int  `env:"SYNC_INTERVAL_SEC" envDefault:"60"`
	SyncConcurrency       int  `env:"SYNC_CONCURRENCY" envDefault:"2"`
	SyncRetryDelaySec     int  `env:"SYNC_RETRY_DELAY_SEC" envDefault:"120"`
	SyncStuckAfterSec     int  `env:"SYNC_STUCK_AFTER_SEC" envDefault:"900"`
	SyncedRetentionHours  int  `env:"SYNCED_RETENTION_HOURS" envDefault:"72"`
	SyncTriggerOnComplete bool `env:"SYNC_TRIGGER_ON_COMPLETE" envDefault:"true"`

	AudioCaptureCommand  string `env:"AUDIO_CAPTURE_COMMAND" envDefault:"arecord -q -t raw -f S16_LE -c {channels} -r {rate}"`
	AudioDevicePath      string `env:"AUDIO_DEVICE_PATH" envDefault:"/dev/snd"`
	AudioStartTimeoutSec int    `env:"AUDIO_START_TIMEOUT_SEC" envDefault:"30"`
	AudioMaxAttempts     int    `env:"AUDIO_MAX_ATTEMPTS" envDefault:"5"`
	AudioSettleMs        int    `env:"AUDIO_SETTLE_MS" envDefault:"500"`
	AudioBackoffMs       int    `env:"AUDIO_BACKOFF_MS" envDefault:"300"`

	SurveyRulesFile string `env:"SURVEY_RULES_FILE"`
	LocalAPIAddr    string `env:"LOCAL_API_ADDR" envDefault:"127.0.0.1:8765"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                   raw.Env,
		DeviceID:              raw.DeviceID,
		DataDir:               raw.DataDir,
		LogFile:               raw.LogFile,
		StoreDriver:           raw.StoreDriver,
		DatabaseURL:           raw.DatabaseURL,
		BackendBaseURL:        raw.BackendBaseURL,
		BackendAPIToken:       raw.BackendAPIToken,
		BackendHealthPath:     raw.BackendHealthPath,
		BackendTimeoutSec:     raw.BackendTimeoutSec,
		SyncIntervalSec:       raw.SyncIntervalSec,
		SyncConcurrency:       raw.SyncConcurrency,
		SyncRetryDelaySec:     raw.SyncRetryDelaySec,
		SyncStuckAfterSec:     raw.SyncStuckAfterSec,
		SyncedRetentionHours:  raw.SyncedRetentionHours,
		SyncTriggerOnComplete: raw.SyncTriggerOnComplete,
		AudioCaptureCommand:   raw.AudioCaptureCommand,
		AudioDevicePath:       raw.AudioDevicePath,
		AudioStartTimeoutSec:  raw.AudioStartTimeoutSec,
		AudioMaxAttempts:      raw.AudioMaxAttempts,
		AudioSettleMs:         raw.AudioSettleMs,
		AudioBackoffMs:        raw.AudioBackoffMs,
		SurveyRulesFile:       raw.SurveyRulesFile,
		LocalAPIAddr:          raw.LocalAPIAddr,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
