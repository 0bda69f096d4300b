package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	Port         int
	DataDir      string
	QueueBackend string
	AuthToken    string

	MaxParallel            int
	PollInterval           time.Duration
	ProgressUpdateInterval time.Duration
	DBRetryAttempts        int
	DBRetryDelay           time.Duration
	TempRenderDir          string
	ShutdownTimeout        time.Duration
	LeaseTTL               time.Duration
	CreditUnit             time.Duration

	S3 S3Config
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// Configured reports whether enough is set to reach an S3-compatible store.
func (c S3Config) Configured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("PORT", 8090)
	v.SetDefault("DATA_DIR", "/data")
	v.SetDefault("QUEUE_BACKEND", BackendSQLite)
	v.SetDefault("MAX_PARALLEL", 4)
	v.SetDefault("POLL_INTERVAL_MS", 1500)
	v.SetDefault("PROGRESS_UPDATE_INTERVAL_MS", 5000)
	v.SetDefault("DB_RETRY_ATTEMPTS", 3)
	v.SetDefault("DB_RETRY_DELAY_MS", 1000)
	v.SetDefault("TEMP_RENDER_DIR", "/tmp/renderq")
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 30000)
	v.SetDefault("LEASE_TTL_MS", 120000)
	v.SetDefault("CREDIT_UNIT_SECONDS", 60)
	v.SetDefault("S3_REGION", "auto")

	v.AutomaticEnv()

	cfg := &Config{
		Port:                   v.GetInt("PORT"),
		DataDir:                v.GetString("DATA_DIR"),
		QueueBackend:           v.GetString("QUEUE_BACKEND"),
		AuthToken:              v.GetString("AUTH_TOKEN"),
		MaxParallel:            v.GetInt("MAX_PARALLEL"),
		PollInterval:           time.Duration(v.GetInt("POLL_INTERVAL_MS")) * time.Millisecond,
		ProgressUpdateInterval: time.Duration(v.GetInt("PROGRESS_UPDATE_INTERVAL_MS")) * time.Millisecond,
		DBRetryAttempts:        v.GetInt("DB_RETRY_ATTEMPTS"),
		DBRetryDelay:           time.Duration(v.GetInt("DB_RETRY_DELAY_MS")) * time.Millisecond,
		TempRenderDir:          v.GetString("TEMP_RENDER_DIR"),
		ShutdownTimeout:        time.Duration(v.GetInt("SHUTDOWN_TIMEOUT_MS")) * time.Millisecond,
		LeaseTTL:               time.Duration(v.GetInt("LEASE_TTL_MS")) * time.Millisecond,
		CreditUnit:             time.Duration(v.GetInt("CREDIT_UNIT_SECONDS")) * time.Second,
		S3: S3Config{
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			Bucket:          v.GetString("S3_BUCKET"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			PublicURL:       v.GetString("S3_PUBLIC_URL"),
		},
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}
	if cfg.QueueBackend != BackendSQLite && cfg.QueueBackend != BackendMemory {
		return nil, fmt.Errorf("invalid QUEUE_BACKEND %q (want %q or %q)", cfg.QueueBackend, BackendSQLite, BackendMemory)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if cfg.DBRetryAttempts < 1 {
		return nil, fmt.Errorf("DB_RETRY_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}
