package config

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// WebServer Configuration
	WebServerPort int    `mapstructure:"WEBSERVER_PORT"`
	PublicURL     string `mapstructure:"PUBLIC_URL" validate:"omitempty,url"`

	// Admin API bearer token; /api is not mounted when empty.
	AdminToken string `mapstructure:"ADMIN_TOKEN"`

	// Database Configuration
	DatabaseDSN     string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=text json"`

	// Filesystem layout
	MediaDir     string `mapstructure:"MEDIA_DIR" validate:"required"`
	ThumbnailDir string `mapstructure:"THUMBNAIL_DIR" validate:"required"`

	// Queue
	Workers                  int           `mapstructure:"WORKERS" validate:"min=1"`
	PollInterval             time.Duration `mapstructure:"POLL_INTERVAL" validate:"gt=0"`
	HeartbeatInterval        time.Duration `mapstructure:"HEARTBEAT_INTERVAL" validate:"gt=0"`
	StaleJobThreshold        time.Duration `mapstructure:"STALE_JOB_THRESHOLD"`
	ReaperEnabled            bool          `mapstructure:"REAPER_ENABLED"`
	ReaperInterval           time.Duration `mapstructure:"REAPER_INTERVAL" validate:"gt=0"`
	CancelledRetention       time.Duration `mapstructure:"CANCELLED_RETENTION"`
	RetryBaseDelay           time.Duration `mapstructure:"RETRY_BASE_DELAY" validate:"gt=0"`
	RetryMaxDelay            time.Duration `mapstructure:"RETRY_MAX_DELAY" validate:"gtefield=RetryBaseDelay"`
	JobMaxAttempts           int           `mapstructure:"JOB_MAX_ATTEMPTS" validate:"min=1"`
	DependencyAlertThreshold int           `mapstructure:"DEPENDENCY_ALERT_THRESHOLD" validate:"min=1"`
	AnalysisConcurrency      int           `mapstructure:"ANALYSIS_CONCURRENCY" validate:"min=1"`

	// Thumbnails
	ThumbnailHeights      []int  `mapstructure:"THUMBNAIL_HEIGHTS" validate:"min=1,dive,gt=0"`
	VideoStillPercentages []int  `mapstructure:"VIDEO_STILL_PERCENTAGES" validate:"min=1,dive,gte=0,lte=100"`
	TranscodeHeights      []int  `mapstructure:"TRANSCODE_HEIGHTS" validate:"dive,gt=0"`
	ThumbnailExt          string `mapstructure:"THUMBNAIL_EXT" validate:"oneof=webp jpg png"`
	VideoExt              string `mapstructure:"VIDEO_EXT" validate:"oneof=mp4 webm"`

	// Thumbnail content-hash cache: a local directory, an S3 bucket, or neither.
	ThumbnailCacheDir        string `mapstructure:"THUMBNAIL_CACHE_DIR"`
	ThumbnailCacheS3Bucket   string `mapstructure:"THUMBNAIL_CACHE_S3_BUCKET"`
	ThumbnailCacheS3Prefix   string `mapstructure:"THUMBNAIL_CACHE_S3_PREFIX"`
	ThumbnailCacheS3Region   string `mapstructure:"THUMBNAIL_CACHE_S3_REGION"`
	ThumbnailCacheS3Endpoint string `mapstructure:"THUMBNAIL_CACHE_S3_ENDPOINT" validate:"omitempty,url"`
	ThumbnailCacheS3Key      string `mapstructure:"THUMBNAIL_CACHE_S3_ACCESS_KEY"`
	ThumbnailCacheS3Secret   string `mapstructure:"THUMBNAIL_CACHE_S3_SECRET_KEY"`

	// External analyzers
	VisualAnalyzerURL string        `mapstructure:"VISUAL_ANALYZER_URL" validate:"omitempty,url"`
	VisualTimeout     time.Duration `mapstructure:"VISUAL_ANALYZER_TIMEOUT"`

	// Federation
	S2SSecret          string        `mapstructure:"S2S_SECRET"`
	InviteTTL          time.Duration `mapstructure:"INVITE_TTL"`
	FederationRateRPS  float64       `mapstructure:"FEDERATION_RATE_RPS" validate:"gte=0"`
	FederationTimeout  time.Duration `mapstructure:"FEDERATION_TIMEOUT"`
	FederationInsecure bool          `mapstructure:"FEDERATION_INSECURE_SKIP_VERIFY"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		if tag := field.Tag.Get("mapstructure"); tag != "" {
			_ = viper.BindEnv(tag)
		}
	}
}

func setDefaults() {
	viper.SetDefault("WEBSERVER_PORT", 8080)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	viper.SetDefault("WORKERS", 1)
	viper.SetDefault("POLL_INTERVAL", 3*time.Second)
	viper.SetDefault("HEARTBEAT_INTERVAL", 120*time.Second)
	viper.SetDefault("REAPER_ENABLED", true)
	viper.SetDefault("REAPER_INTERVAL", time.Minute)
	viper.SetDefault("CANCELLED_RETENTION", 24*time.Hour)
	viper.SetDefault("RETRY_BASE_DELAY", 10*time.Second)
	viper.SetDefault("RETRY_MAX_DELAY", time.Hour)
	viper.SetDefault("JOB_MAX_ATTEMPTS", 5)
	viper.SetDefault("DEPENDENCY_ALERT_THRESHOLD", 10)
	viper.SetDefault("ANALYSIS_CONCURRENCY", 2)

	viper.SetDefault("THUMBNAIL_HEIGHTS", []int{240, 720, 1440})
	viper.SetDefault("VIDEO_STILL_PERCENTAGES", []int{10, 50, 90})
	viper.SetDefault("TRANSCODE_HEIGHTS", []int{480})
	viper.SetDefault("THUMBNAIL_EXT", "webp")
	viper.SetDefault("VIDEO_EXT", "mp4")

	viper.SetDefault("VISUAL_ANALYZER_TIMEOUT", 2*time.Minute)
	viper.SetDefault("INVITE_TTL", 7*24*time.Hour)
	viper.SetDefault("FEDERATION_RATE_RPS", 4.0)
	viper.SetDefault("FEDERATION_TIMEOUT", 10*time.Minute)
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A stale threshold of zero tracks the heartbeat interval.
	if cfg.StaleJobThreshold <= 0 {
		cfg.StaleJobThreshold = 2 * cfg.HeartbeatInterval
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.StaleJobThreshold <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("validate config: STALE_JOB_THRESHOLD (%s) must exceed HEARTBEAT_INTERVAL (%s)", cfg.StaleJobThreshold, cfg.HeartbeatInterval)
	}

	slog.InfoContext(ctx, "Loaded configuration",
		"media_dir", cfg.MediaDir,
		"thumbnail_dir", cfg.ThumbnailDir,
		"workers", cfg.Workers,
		"heartbeat", cfg.HeartbeatInterval,
		"stale_threshold", cfg.StaleJobThreshold,
		"thumbnail_cache", cfg.ThumbnailCacheBackend(),
		"federation", cfg.FederationEnabled(),
	)

	return &cfg, nil
}

// ThumbnailCacheBackend names the configured content-hash cache.
func (c *Config) ThumbnailCacheBackend() string {
	switch {
	case c.ThumbnailCacheS3Bucket != "":
		return "s3"
	case c.ThumbnailCacheDir != "":
		return "local"
	default:
		return "none"
	}
}

// FederationEnabled reports whether invite tokens can be signed and verified.
func (c *Config) FederationEnabled() bool {
	return c.S2SSecret != "" && c.PublicURL != ""
}
