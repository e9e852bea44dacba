package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // source_timezone is validated on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ImageModeAsync = "async"
	ImageModeSync  = "sync"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	LogLevel string `mapstructure:"log_level"`

	HTTPAddr          string `mapstructure:"http_addr"`
	SiteURL           string `mapstructure:"site_url"`
	WebhookPathPrefix string `mapstructure:"webhook_path_prefix"`

	NonceAuthorityURL   string        `mapstructure:"nonce_authority_url"`
	NonceAllowedHosts   []string      `mapstructure:"nonce_allowed_hosts"`
	NonceTimeoutSeconds int64         `mapstructure:"nonce_timeout_seconds"`
	NonceTimeout        time.Duration `mapstructure:"-"`

	ImageFetchTimeoutSeconds int64         `mapstructure:"image_fetch_timeout_seconds"`
	ImageFetchTimeout        time.Duration `mapstructure:"-"`
	ImageMaxBytes            int64         `mapstructure:"image_max_bytes"`
	ImageMode                string        `mapstructure:"image_mode"`
	ImageJobStaggerSeconds   int64         `mapstructure:"image_job_stagger_seconds"`
	ImageJobStagger          time.Duration `mapstructure:"-"`
	SourceTimezone           string        `mapstructure:"source_timezone"`

	ContentStore string `mapstructure:"content_store"`
	BBoltPath    string `mapstructure:"bbolt_path"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`

	MediaBackend string `mapstructure:"media_backend"`
	MediaDir     string `mapstructure:"media_dir"`
	MediaBaseURL string `mapstructure:"media_base_url"`
	GCSBucket    string `mapstructure:"gcs_bucket"`

	SchedulerBackend      string        `mapstructure:"scheduler_backend"`
	SchedulerWorkers      int           `mapstructure:"scheduler_workers"`
	SchedulerPollMillis   int64         `mapstructure:"scheduler_poll_ms"`
	SchedulerLeaseSeconds int64         `mapstructure:"scheduler_lease_seconds"`
	SchedulerMaxAttempts  int           `mapstructure:"scheduler_max_attempts"`
	SchedulerRetrySeconds int64         `mapstructure:"scheduler_retry_seconds"`
	SchedulerPoll         time.Duration `mapstructure:"-"`
	SchedulerLease        time.Duration `mapstructure:"-"`
	SchedulerRetry        time.Duration `mapstructure:"-"`
	SQSQueueURL           string        `mapstructure:"sqs_queue_url"`
	SQSRegion             string        `mapstructure:"sqs_region"`
	SQSEndpoint           string        `mapstructure:"sqs_endpoint"`

	LockBackend   string `mapstructure:"lock_backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	TaxonomyFile   string `mapstructure:"taxonomy_file"`
	PublishersFile string `mapstructure:"publishers_file"`

	JobLedgerTTLSeconds     int64         `mapstructure:"job_ledger_ttl_seconds"`
	JobLedgerCleanupSeconds int64         `mapstructure:"job_ledger_cleanup_seconds"`
	JobLedgerTTL            time.Duration `mapstructure:"-"`
	JobLedgerCleanup        time.Duration `mapstructure:"-"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "samvad-article-sync")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("site_url", "http://localhost:8080")
	v.SetDefault("webhook_path_prefix", "/ailt")

	v.SetDefault("nonce_authority_url", "https://ailt.pilanto.dk")
	v.SetDefault("nonce_allowed_hosts", []string{})
	v.SetDefault("nonce_timeout_seconds", 10)

	v.SetDefault("image_fetch_timeout_seconds", 30)
	v.SetDefault("image_max_bytes", 20<<20)
	v.SetDefault("image_mode", ImageModeAsync)
	v.SetDefault("image_job_stagger_seconds", 5)
	v.SetDefault("source_timezone", "CET")

	v.SetDefault("content_store", "bbolt")
	v.SetDefault("bbolt_path", "./data/articles.db")
	v.SetDefault("postgres_dsn", "")

	v.SetDefault("media_backend", "local")
	v.SetDefault("media_dir", "./data/uploads")
	v.SetDefault("media_base_url", "")
	v.SetDefault("gcs_bucket", "")

	v.SetDefault("scheduler_backend", "bbolt")
	v.SetDefault("scheduler_workers", 4)
	v.SetDefault("scheduler_poll_ms", 1000)
	v.SetDefault("scheduler_lease_seconds", 120)
	v.SetDefault("scheduler_max_attempts", 3)
	v.SetDefault("scheduler_retry_seconds", 60)
	v.SetDefault("sqs_queue_url", "")
	v.SetDefault("sqs_region", "")
	v.SetDefault("sqs_endpoint", "")

	v.SetDefault("lock_backend", "local")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("taxonomy_file", "./configs/taxonomy.yaml")
	v.SetDefault("publishers_file", "")

	v.SetDefault("job_ledger_ttl_seconds", int64((24*time.Hour)/time.Second))
	v.SetDefault("job_ledger_cleanup_seconds", int64((time.Hour)/time.Second))
}

// finalize validates raw values and derives durations.
func (c *Config) finalize() error {
	if _, err := url.ParseRequestURI(c.SiteURL); err != nil {
		return fmt.Errorf("invalid site_url %q: %w", c.SiteURL, err)
	}
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")
	if c.MediaBaseURL == "" {
		c.MediaBaseURL = c.SiteURL + "/wp-content/uploads"
	}
	c.MediaBaseURL = strings.TrimRight(c.MediaBaseURL, "/")
	c.WebhookPathPrefix = "/" + strings.Trim(c.WebhookPathPrefix, "/")

	c.ImageMode = strings.ToLower(strings.TrimSpace(c.ImageMode))
	if c.ImageMode != ImageModeAsync && c.ImageMode != ImageModeSync {
		return fmt.Errorf("invalid image_mode %q (expected %q or %q)", c.ImageMode, ImageModeAsync, ImageModeSync)
	}

	if _, err := time.LoadLocation(c.SourceTimezone); err != nil {
		return fmt.Errorf("invalid source_timezone %q: %w", c.SourceTimezone, err)
	}

	durations := []struct {
		name  string
		value int64
		unit  time.Duration
		dest  *time.Duration
	}{
		{"nonce_timeout_seconds", c.NonceTimeoutSeconds, time.Second, &c.NonceTimeout},
		{"image_fetch_timeout_seconds", c.ImageFetchTimeoutSeconds, time.Second, &c.ImageFetchTimeout},
		{"image_job_stagger_seconds", c.ImageJobStaggerSeconds, time.Second, &c.ImageJobStagger},
		{"scheduler_poll_ms", c.SchedulerPollMillis, time.Millisecond, &c.SchedulerPoll},
		{"scheduler_lease_seconds", c.SchedulerLeaseSeconds, time.Second, &c.SchedulerLease},
		{"scheduler_retry_seconds", c.SchedulerRetrySeconds, time.Second, &c.SchedulerRetry},
		{"job_ledger_ttl_seconds", c.JobLedgerTTLSeconds, time.Second, &c.JobLedgerTTL},
		{"job_ledger_cleanup_seconds", c.JobLedgerCleanupSeconds, time.Second, &c.JobLedgerCleanup},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("invalid %s (must be positive)", d.name)
		}
		*d.dest = time.Duration(d.value) * d.unit
	}

	if c.ImageMaxBytes <= 0 {
		return fmt.Errorf("invalid image_max_bytes (must be positive)")
	}
	if c.SchedulerWorkers <= 0 {
		return fmt.Errorf("invalid scheduler_workers (must be positive)")
	}
	if c.SchedulerMaxAttempts <= 0 {
		return fmt.Errorf("invalid scheduler_max_attempts (must be positive)")
	}

	if len(c.NonceAllowedHosts) == 0 {
		if u, err := url.Parse(c.NonceAuthorityURL); err == nil && u.Host != "" {
			c.NonceAllowedHosts = []string{u.Hostname()}
		}
	}
	return nil
}

// SiteHost returns the host component of SiteURL.
func (c *Config) SiteHost() string {
	u, err := url.Parse(c.SiteURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
