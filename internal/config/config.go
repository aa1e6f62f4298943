// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/e14-scraper/internal/extract"
	"github.com/JakeFAU/e14-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/e14-scraper/internal/telemetry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Captcha      CaptchaConfig      `mapstructure:"captcha"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Extract      extract.Config     `mapstructure:"extract"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Publisher    PublisherConfig    `mapstructure:"publisher"`
	Session      SessionConfig      `mapstructure:"session"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      telemetry.Config   `mapstructure:"tracing"`
	Campaign     CampaignConfig     `mapstructure:"campaign"`
}

// DatabaseConfig selects and tunes the task store backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// QueueConfig governs retry and stale-recovery semantics.
type QueueConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	InsertBatchSize int           `mapstructure:"insert_batch_size"`
}

// WorkerConfig governs each worker loop.
type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	MaxInfraErrors    int           `mapstructure:"max_infra_errors"`
	IdleBackoff       time.Duration `mapstructure:"idle_backoff"`
	MaxIdleBackoff    time.Duration `mapstructure:"max_idle_backoff"`
}

// ProxyConfig lists the rotation pool. An empty pool means direct connections.
type ProxyConfig struct {
	Addresses        []string      `mapstructure:"addresses"`
	TopK             int           `mapstructure:"top_k"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

// CaptchaConfig points at the solving provider.
type CaptchaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

// BrowserConfig configures the headless page driver and the document downloader.
type BrowserConfig struct {
	PortalURL         string             `mapstructure:"portal_url"`
	MaxParallel       int                `mapstructure:"max_parallel"`
	UserAgent         string             `mapstructure:"user_agent"`
	NavigationTimeout time.Duration      `mapstructure:"navigation_timeout"`
	ShowBrowser       bool               `mapstructure:"show_browser"`
	ChallengeAction   string             `mapstructure:"challenge_action"`
	DownloadTimeout   time.Duration      `mapstructure:"download_timeout"`
	MaxDocumentBytes  int                `mapstructure:"max_document_bytes"`
	Selectors         headless.Selectors `mapstructure:"selectors"`
}

// StorageConfig selects where downloaded documents are written.
type StorageConfig struct {
	Backend   string   `mapstructure:"backend"`
	Prefix    string   `mapstructure:"prefix"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config holds the S3-compatible endpoint settings.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Secure    bool   `mapstructure:"secure"`
}

// PublisherConfig selects the completion event sink.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// SessionConfig selects the worker liveness registry.
type SessionConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// OrchestratorConfig sets the background loop cadence.
type OrchestratorConfig struct {
	MonitorInterval    time.Duration `mapstructure:"monitor_interval"`
	StaleInterval      time.Duration `mapstructure:"stale_interval"`
	ProxyCheckInterval time.Duration `mapstructure:"proxy_check_interval"`
	ExitWhenDrained    bool          `mapstructure:"exit_when_drained"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CampaignConfig names the hierarchy loaded by `load` and `run --load-tasks`.
type CampaignConfig struct {
	HierarchyFile string `mapstructure:"hierarchy_file"`
}

// Load builds a Config from disk/environment. Environment variables use the E14 prefix,
// e.g. E14_DATABASE_DSN.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("E14")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sqlite_path", "e14.db")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.stale_timeout", 5*time.Minute)
	v.SetDefault("queue.insert_batch_size", 500)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.requests_per_minute", 6)
	v.SetDefault("worker.attempt_timeout", 3*time.Minute)
	v.SetDefault("worker.max_infra_errors", 10)
	v.SetDefault("worker.idle_backoff", 500*time.Millisecond)
	v.SetDefault("worker.max_idle_backoff", 30*time.Second)
	v.SetDefault("proxy.addresses", []string{})
	v.SetDefault("proxy.top_k", 3)
	v.SetDefault("proxy.failure_threshold", 3)
	v.SetDefault("proxy.probe_url", "https://www.google.com/generate_204")
	v.SetDefault("proxy.probe_timeout", 10*time.Second)
	v.SetDefault("captcha.enabled", false)
	v.SetDefault("captcha.base_url", "")
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.poll_interval", 5*time.Second)
	v.SetDefault("captcha.max_polls", 30)
	v.SetDefault("captcha.http_timeout", 30*time.Second)
	v.SetDefault("browser.portal_url", "")
	v.SetDefault("browser.max_parallel", 4)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.challenge_action", "submit")
	v.SetDefault("browser.download_timeout", 30*time.Second)
	v.SetDefault("browser.max_document_bytes", 32<<20)

	sel := headless.DefaultSelectors()
	v.SetDefault("browser.selectors.department", sel.Department)
	v.SetDefault("browser.selectors.municipality", sel.Municipality)
	v.SetDefault("browser.selectors.zone", sel.Zone)
	v.SetDefault("browser.selectors.station", sel.Station)
	v.SetDefault("browser.selectors.corporation", sel.Corporation)
	v.SetDefault("browser.selectors.submit", sel.Submit)
	v.SetDefault("browser.selectors.results", sel.Results)

	ext := extract.DefaultConfig()
	v.SetDefault("extract.table_selector", ext.TableSelector)
	v.SetDefault("extract.document_selector", ext.DocumentSelector)
	v.SetDefault("extract.field_selector", ext.FieldSelector)
	v.SetDefault("extract.not_found_selector", ext.NotFoundSelector)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "e14")
	v.SetDefault("storage.local_dir", "data/documents")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.secure", true)
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "e14-documents")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.brokers", []string{})
	v.SetDefault("session.backend", "memory")
	v.SetDefault("session.redis_addr", "")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.prefix", "e14:")
	v.SetDefault("session.ttl", time.Minute)
	v.SetDefault("orchestrator.monitor_interval", 30*time.Second)
	v.SetDefault("orchestrator.stale_interval", time.Minute)
	v.SetDefault("orchestrator.proxy_check_interval", 2*time.Minute)
	v.SetDefault("orchestrator.exit_when_drained", false)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "e14-scraper")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("campaign.hierarchy_file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of postgres, sqlite, memory", c.Database.Driver)
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be > 0")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.AttemptTimeout <= 0 {
		return fmt.Errorf("worker.attempt_timeout must be > 0")
	}
	if c.Queue.StaleTimeout <= c.Worker.AttemptTimeout {
		return fmt.Errorf("queue.stale_timeout (%s) must exceed worker.attempt_timeout (%s)",
			c.Queue.StaleTimeout, c.Worker.AttemptTimeout)
	}
	if c.Worker.RequestsPerMinute < 0 {
		return fmt.Errorf("worker.requests_per_minute must be >= 0")
	}
	if c.Browser.PortalURL == "" {
		return fmt.Errorf("browser.portal_url is required")
	}
	if c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0")
	}
	if c.Captcha.Enabled && (c.Captcha.BaseURL == "" || c.Captcha.APIKey == "") {
		return fmt.Errorf("captcha.base_url and captcha.api_key must be set when captcha is enabled")
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Publisher.validate(); err != nil {
		return err
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend %q is not one of memory, redis", c.Session.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case "memory":
	case "local":
		if s.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if s.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "s3":
		if s.S3.Endpoint == "" || s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, memory, gcs, s3", s.Backend)
	}
	return nil
}

func (p PublisherConfig) validate() error {
	switch p.Backend {
	case "none", "memory":
	case "pubsub":
		if p.ProjectID == "" || p.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	case "kafka":
		if len(p.Brokers) == 0 || p.Topic == "" {
			return fmt.Errorf("publisher.brokers and publisher.topic are required for kafka")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not one of none, memory, pubsub, kafka", p.Backend)
	}
	return nil
}
