package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	DownloadModeParallel = "parallel"
	DownloadModeSync     = "sync"
)

// Config struct for environment variables.
type Config struct {
	// BlobURL is a gocloud.dev bucket URL; "{container}" is replaced by the container name.
	BlobURL string `envconfig:"BLOB_URL" default:"file:///var/lib/blob_ingest/{container}"`
	// Container is the one container ingestion works in; bare blob names resolve into it.
	Container      string `envconfig:"CONTAINER" required:"true"`
	RawFolder      string `envconfig:"RAW_FOLDER" default:"raw"`
	DatasetsFolder string `envconfig:"DATASETS_FOLDER" default:"datasets"`

	WorkDir      string        `envconfig:"WORK_DIR" default:"/tmp/blob_ingest"`
	ScratchTTL   time.Duration `envconfig:"SCRATCH_TTL" default:"24h"`
	DBPath       string        `envconfig:"DB_PATH" default:"blob_ingest.db"`
	DownloadMode string        `envconfig:"DOWNLOAD_MODE" default:"parallel"`
	ChunkCount   int           `envconfig:"CHUNK_COUNT" default:"5"`
	SegmentSize  int           `envconfig:"SEGMENT_SIZE" default:"4194304"`

	JobTimeout      time.Duration `envconfig:"JOB_TIMEOUT" default:"2h"`
	LockDuration    time.Duration `envconfig:"LOCK_DURATION" default:"60s"`
	MaxDeliveries   int           `envconfig:"MAX_DELIVERIES" default:"5"`
	RenewInterval   time.Duration `envconfig:"RENEW_INTERVAL" default:"1s"`
	RenewThreshold  time.Duration `envconfig:"RENEW_THRESHOLD" default:"10s"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	MoveLeaseDuration time.Duration `envconfig:"MOVE_LEASE_DURATION" default:"30s"`
	CopyTimeout       time.Duration `envconfig:"COPY_TIMEOUT" default:"30s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	APIUsername       string `envconfig:"API_USERNAME"`
	APIPassword       string `envconfig:"API_PASSWORD"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"blob_ingest"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"60s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the transfer components cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Container) == "" {
		return fmt.Errorf("container must not be empty")
	}

	switch c.DownloadMode {
	case DownloadModeParallel, DownloadModeSync:
	default:
		return fmt.Errorf("invalid download mode %q: expected %q or %q", c.DownloadMode, DownloadModeParallel, DownloadModeSync)
	}

	if c.ChunkCount < 1 {
		return fmt.Errorf("chunk count must be at least 1, got %d", c.ChunkCount)
	}

	if c.RenewThreshold >= c.LockDuration {
		return fmt.Errorf("renew threshold %s must be shorter than the lock duration %s", c.RenewThreshold, c.LockDuration)
	}

	if c.RenewThreshold >= c.MoveLeaseDuration {
		return fmt.Errorf("renew threshold %s must be shorter than the move lease duration %s", c.RenewThreshold, c.MoveLeaseDuration)
	}

	// POST /move answers only after the copy finished or timed out.
	if c.Web.WriteTimeout > 0 && c.Web.WriteTimeout <= c.CopyTimeout {
		return fmt.Errorf("web write timeout %s must be longer than the copy timeout %s", c.Web.WriteTimeout, c.CopyTimeout)
	}

	if c.RawFolder == c.DatasetsFolder {
		return fmt.Errorf("raw and datasets folders must differ, both are %q", c.RawFolder)
	}

	if c.APIUsername != "" && c.APIPassword == "" {
		return fmt.Errorf("API_PASSWORD is required when API_USERNAME is set")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
