package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quantfeed/internal/stream"
)

const (
	DefaultConfigPath    = "config/config.yml"
	DefaultWatchlistPath = "config/watchlist.yml"

	AuthModeAuthorize = "authorize"
	AuthModeHeader    = "header"

	// PartitionDateInstrument lays parquet objects out as
	// segment=/instrument=/date=/hour=; PartitionDate drops the instrument
	// directories.
	PartitionDateInstrument = "date_instrument"
	PartitionDate           = "date"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Processor ProcessorConfig `yaml:"processor"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Status    StatusConfig    `yaml:"status"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Watchlist string `yaml:"watchlist"`
}

type AuthConfig struct {
	AccessToken string          `yaml:"access_token"`
	APIBaseURL  string          `yaml:"api_base_url"`
	Timeout     time.Duration   `yaml:"timeout"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type FeedsConfig struct {
	Market    MarketFeedConfig    `yaml:"market"`
	Portfolio PortfolioFeedConfig `yaml:"portfolio"`
}

type MarketFeedConfig struct {
	Enabled           bool          `yaml:"enabled"`
	AuthMode          string        `yaml:"auth_mode"`
	URL               string        `yaml:"url"`
	SchemaFile        string        `yaml:"schema_file"`
	DefaultMode       string        `yaml:"default_mode"`
	MaxKeysPerRequest int           `yaml:"max_keys_per_request"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	QueueSize         int           `yaml:"queue_size"`
}

type PortfolioFeedConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AuthMode     string        `yaml:"auth_mode"`
	URL          string        `yaml:"url"`
	UpdateTypes  []string      `yaml:"update_types"`
	PingInterval time.Duration `yaml:"ping_interval"`
	QueueSize    int           `yaml:"queue_size"`
}

type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type ChannelsConfig struct {
	TickBuffer      int `yaml:"tick_buffer"`
	BatchBuffer     int `yaml:"batch_buffer"`
	PortfolioBuffer int `yaml:"portfolio_buffer"`
}

type ProcessorConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type WriterConfig struct {
	MaxWorkers    int                `yaml:"max_workers"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
	Compression   string             `yaml:"compression"`
	// ManifestDir, when set, receives a local manifest of every uploaded
	// parquet file.
	ManifestDir string `yaml:"manifest_dir"`
}

type PartitioningConfig struct {
	Scheme     string `yaml:"scheme"`
	TimeFormat string `yaml:"time_format"`
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Brokers        []string      `yaml:"brokers"`
	TickTopic      string        `yaml:"tick_topic"`
	PortfolioTopic string        `yaml:"portfolio_topic"`
	BatchSize      int           `yaml:"batch_size"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
}

type MetricsConfig struct {
	Addr           string           `yaml:"addr"`
	Prometheus     bool             `yaml:"prometheus"`
	ChannelSize    bool             `yaml:"channel_size"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

// Default returns the configuration used for every key the YAML file leaves out.
func Default() Config {
	return Config{
		App: AppConfig{
			Name:      "quantfeed",
			Version:   "dev",
			Watchlist: DefaultWatchlistPath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
		Auth: AuthConfig{
			APIBaseURL: "https://api.upstox.com",
			Timeout:    10 * time.Second,
			RateLimit:  RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5},
		},
		Feeds: FeedsConfig{
			Market: MarketFeedConfig{
				Enabled:      true,
				AuthMode:     AuthModeAuthorize,
				DefaultMode:  string(stream.ModeFull),
				PingInterval: stream.DefaultPingInterval,
				QueueSize:    stream.DefaultQueueSize,
			},
			Portfolio: PortfolioFeedConfig{
				AuthMode:     AuthModeAuthorize,
				UpdateTypes:  []string{"order", "position", "holding"},
				PingInterval: stream.DefaultPingInterval,
				QueueSize:    1024,
			},
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			Interval:    stream.DefaultReconnectInterval,
			MaxAttempts: stream.DefaultMaxAttempts,
		},
		Channels: ChannelsConfig{
			TickBuffer:      10000,
			BatchBuffer:     1000,
			PortfolioBuffer: 1000,
		},
		Processor: ProcessorConfig{
			MaxWorkers:   2,
			BatchSize:    500,
			BatchTimeout: 5 * time.Second,
		},
		Writer: WriterConfig{
			MaxWorkers:    2,
			FlushInterval: time.Minute,
			Partitioning: PartitioningConfig{
				Scheme:     PartitionDateInstrument,
				TimeFormat: "2006-01-02",
			},
			Compression: "snappy",
		},
		Storage: StorageConfig{
			S3: S3Config{
				Prefix: "ticks",
			},
			Kafka: KafkaConfig{
				TickTopic:      "quantfeed.ticks",
				PortfolioTopic: "quantfeed.portfolio",
				BatchSize:      100,
				BatchTimeout:   time.Second,
			},
		},
		Metrics: MetricsConfig{
			Addr:           ":9090",
			Prometheus:     true,
			ChannelSize:    true,
			ReportInterval: 30 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "QuantFeed",
				Dashboard: "QuantFeed",
			},
		},
		Status: StatusConfig{
			Enabled:        true,
			Addr:           ":8080",
			History:        200,
			SampleInterval: 5 * time.Second,
		},
	}
}

// ResolvePath picks config/config.<env>.yml over the default path when APP_ENV
// names an environment that has its own file.
func ResolvePath(path string) string {
	env := getAppEnvironment()
	envPath := strings.TrimSuffix(DefaultConfigPath, ".yml") + "." + env + ".yml"
	if _, err := os.Stat(envPath); err != nil {
		return firstNonEmpty(path, DefaultConfigPath)
	}
	return resolveEnvSpecificPath(path, DefaultConfigPath, map[string]string{env: envPath})
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Feeds.Market.AuthMode = strings.ToLower(strings.TrimSpace(config.Feeds.Market.AuthMode))
	config.Feeds.Portfolio.AuthMode = strings.ToLower(strings.TrimSpace(config.Feeds.Portfolio.AuthMode))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("UPSTOX_ACCESS_TOKEN")); v != "" {
		config.Auth.AccessToken = v
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if _, err := url.ParseRequestURI(cfg.Auth.APIBaseURL); err != nil {
		return fmt.Errorf("auth.api_base_url '%s' is invalid: %w", cfg.Auth.APIBaseURL, err)
	}
	if cfg.Auth.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("auth.rate_limit.requests_per_second must be greater than 0")
	}

	if err := validateFeed("feeds.market", cfg.Feeds.Market.Enabled, cfg.Feeds.Market.AuthMode, cfg.Feeds.Market.URL); err != nil {
		return err
	}
	if err := validateFeed("feeds.portfolio", cfg.Feeds.Portfolio.Enabled, cfg.Feeds.Portfolio.AuthMode, cfg.Feeds.Portfolio.URL); err != nil {
		return err
	}
	if cfg.Feeds.Market.Enabled {
		if _, err := stream.ParseMode(cfg.Feeds.Market.DefaultMode); err != nil {
			return fmt.Errorf("feeds.market.default_mode: %w", err)
		}
		if cfg.Feeds.Market.MaxKeysPerRequest < 0 {
			return fmt.Errorf("feeds.market.max_keys_per_request must not be negative")
		}
	}
	for _, t := range cfg.Feeds.Portfolio.UpdateTypes {
		switch t {
		case "order", "position", "holding", "gtt_order":
		default:
			return fmt.Errorf("feeds.portfolio.update_types: unknown update type '%s'", t)
		}
	}

	if cfg.Reconnect.Interval <= 0 {
		return fmt.Errorf("reconnect.interval must be greater than 0")
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0")
	}

	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}
	if cfg.Channels.BatchBuffer <= 0 {
		return fmt.Errorf("channels.batch_buffer must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}
	if cfg.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor.batch_size must be greater than 0")
	}
	if cfg.Processor.BatchTimeout <= 0 {
		return fmt.Errorf("processor.batch_timeout must be greater than 0")
	}

	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}
	switch cfg.Writer.Partitioning.Scheme {
	case PartitionDateInstrument, PartitionDate:
	default:
		return fmt.Errorf("writer.partitioning.scheme '%s' is invalid (want %s or %s)", cfg.Writer.Partitioning.Scheme, PartitionDateInstrument, PartitionDate)
	}
	switch cfg.Writer.Compression {
	case "snappy", "gzip", "none", "":
	default:
		return fmt.Errorf("writer.compression '%s' is invalid", cfg.Writer.Compression)
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.TickTopic == "" {
			return fmt.Errorf("storage.kafka.tick_topic is required when Kafka is enabled")
		}
	}

	if cfg.Status.Enabled && cfg.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when the status API is enabled")
	}

	return validateEnvironment(cfg, getAppEnvironment())
}

func validateFeed(name string, enabled bool, authMode, rawURL string) error {
	if !enabled {
		return nil
	}
	switch authMode {
	case AuthModeAuthorize:
		return nil
	case AuthModeHeader:
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%s.url must be a ws:// or wss:// URL when auth_mode is header", name)
		}
		return nil
	default:
		return fmt.Errorf("%s.auth_mode '%s' is invalid (want %s or %s)", name, authMode, AuthModeAuthorize, AuthModeHeader)
	}
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
