package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cryptoagg/models"
)

type Config struct {
	Cryptoagg     CryptoaggConfig      `yaml:"cryptoagg"`
	Client        ClientConfig         `yaml:"client"`
	Connection    ConnectionConfig     `yaml:"connection"`
	State         StateConfig          `yaml:"state"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Sources       SourcesConfig        `yaml:"sources"`
	Shards        []IPShard            `yaml:"shards"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Logging       LoggingConfig        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

type CryptoaggConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ClientConfig bounds the facade side of the request protocol.
type ClientConfig struct {
	RequestBuffer    int           `yaml:"request_buffer"`
	ResponseBuffer   int           `yaml:"response_buffer"`
	Workers          int           `yaml:"workers"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

type ConnectionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	SnapshotTimeout  time.Duration `yaml:"snapshot_timeout"`
	FrameBuffer      int           `yaml:"frame_buffer"`
	QueryBuffer      int           `yaml:"query_buffer"`
	MaxPendingDiffs  int           `yaml:"max_pending_diffs"`
	ReadLimit        int64         `yaml:"read_limit"`
	UserAgent        string        `yaml:"user_agent"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Factor     float64       `yaml:"factor"`
	Jitter     bool          `yaml:"jitter"`
	MaxRetries int           `yaml:"max_retries"`
}

type StateConfig struct {
	TapeCapacity int `yaml:"tape_capacity"`
	BookDepth    int `yaml:"book_depth"`
}

// RateLimitConfig paces dials per exchange.
type RateLimitConfig struct {
	ConnectsPerSecond float64 `yaml:"connects_per_second"`
	Burst             int     `yaml:"burst"`
}

type SourcesConfig struct {
	Kraken      KrakenSourceConfig  `yaml:"kraken"`
	Coinbase    SourceConfig        `yaml:"coinbase"`
	Hyperliquid SourceConfig        `yaml:"hyperliquid"`
	Binance     BinanceSourceConfig `yaml:"binance"`
	Bybit       SourceConfig        `yaml:"bybit"`
	OKX         SourceConfig        `yaml:"okx"`
}

type SourceConfig struct {
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type KrakenSourceConfig struct {
	SourceConfig `yaml:",inline"`
	BookDepth    int `yaml:"book_depth"`
}

type BinanceSourceConfig struct {
	SourceConfig  `yaml:",inline"`
	RestURL       string `yaml:"rest_url"`
	SnapshotLimit int    `yaml:"snapshot_limit"`
}

// SubscriptionConfig lists channels the service subscribes on start.
type SubscriptionConfig struct {
	Exchange string `yaml:"exchange"`
	Kind     string `yaml:"kind"`
	Market   string `yaml:"market"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	ConnectionStats bool             `yaml:"connection_stats"`
	ReportInterval  time.Duration    `yaml:"report_interval"`
	CloudWatch      CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Cryptoagg: CryptoaggConfig{Name: "cryptoagg", Version: "dev"},
		Client: ClientConfig{
			RequestBuffer:    64,
			ResponseBuffer:   256,
			Workers:          4,
			RequestTimeout:   10 * time.Second,
			SubscribeTimeout: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			HandshakeTimeout: 15 * time.Second,
			WriteTimeout:     5 * time.Second,
			IdleTimeout:      30 * time.Second,
			AckTimeout:       15 * time.Second,
			SnapshotTimeout:  10 * time.Second,
			FrameBuffer:      256,
			QueryBuffer:      16,
			MaxPendingDiffs:  2000,
			ReadLimit:        16 << 20,
			UserAgent:        "cryptoagg",
			Backoff: BackoffConfig{
				Min:        500 * time.Millisecond,
				Max:        30 * time.Second,
				Factor:     2,
				Jitter:     true,
				MaxRetries: 10,
			},
		},
		State: StateConfig{TapeCapacity: 100, BookDepth: 1000},
		RateLimit: RateLimitConfig{
			ConnectsPerSecond: 1,
			Burst:             5,
		},
		Sources: SourcesConfig{
			Kraken: KrakenSourceConfig{
				SourceConfig: SourceConfig{URL: "wss://ws.kraken.com"},
				BookDepth:    100,
			},
			Coinbase:    SourceConfig{URL: "wss://ws-feed.exchange.coinbase.com"},
			Hyperliquid: SourceConfig{URL: "wss://api.hyperliquid.xyz/ws", PingInterval: 50 * time.Second},
			Binance: BinanceSourceConfig{
				SourceConfig:  SourceConfig{URL: "wss://stream.binance.com:9443/ws"},
				RestURL:       "https://api.binance.com",
				SnapshotLimit: 1000,
			},
			Bybit: SourceConfig{URL: "wss://stream.bybit.com/v5/public/spot", PingInterval: 20 * time.Second},
			OKX:   SourceConfig{URL: "wss://ws.okx.com:8443/ws/v5/public", PingInterval: 25 * time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{
			ConnectionStats: true,
			ReportInterval:  time.Minute,
			CloudWatch:      CloudWatchConfig{Namespace: "CryptoAgg", Dashboard: "CryptoAgg"},
		},
	}
}

// LoadConfig reads path over Default, applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	cw := &config.Metrics.CloudWatch
	if v := os.Getenv("AWS_REGION"); v != "" && cw.Region == "" {
		cw.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLOUDWATCH_NAMESPACE"); v != "" {
		cw.Namespace = strings.TrimSpace(v)
	}
	if cw.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cw.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cw.SecretAccessKey = strings.TrimSpace(v)
		}
	}
}

// Validate checks a programmatically built configuration.
func (c *Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(cfg *Config) error {
	if cfg.Cryptoagg.Name == "" {
		return fmt.Errorf("cryptoagg.name is required")
	}

	if cfg.Client.RequestBuffer <= 0 {
		return fmt.Errorf("client.request_buffer must be greater than 0")
	}
	if cfg.Client.ResponseBuffer <= 0 {
		return fmt.Errorf("client.response_buffer must be greater than 0")
	}
	if cfg.Client.Workers <= 0 {
		return fmt.Errorf("client.workers must be greater than 0")
	}
	if cfg.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be greater than 0")
	}
	if cfg.Client.SubscribeTimeout <= 0 {
		return fmt.Errorf("client.subscribe_timeout must be greater than 0")
	}

	conn := cfg.Connection
	if conn.IdleTimeout <= 0 {
		return fmt.Errorf("connection.idle_timeout must be greater than 0")
	}
	if conn.AckTimeout <= 0 {
		return fmt.Errorf("connection.ack_timeout must be greater than 0")
	}
	if conn.FrameBuffer <= 0 {
		return fmt.Errorf("connection.frame_buffer must be greater than 0")
	}
	if conn.QueryBuffer <= 0 {
		return fmt.Errorf("connection.query_buffer must be greater than 0")
	}
	if conn.Backoff.Min <= 0 || conn.Backoff.Max < conn.Backoff.Min {
		return fmt.Errorf("connection.backoff.min must be greater than 0 and not above connection.backoff.max")
	}
	if conn.Backoff.Factor < 1 {
		return fmt.Errorf("connection.backoff.factor must be at least 1")
	}
	if conn.Backoff.MaxRetries < 0 {
		return fmt.Errorf("connection.backoff.max_retries must not be negative")
	}

	if cfg.State.TapeCapacity <= 0 {
		return fmt.Errorf("state.tape_capacity must be greater than 0")
	}
	if cfg.State.BookDepth < 0 {
		return fmt.Errorf("state.book_depth must not be negative")
	}

	if cfg.RateLimit.ConnectsPerSecond < 0 {
		return fmt.Errorf("rate_limit.connects_per_second must not be negative")
	}

	for _, ex := range models.Exchanges() {
		if cfg.Sources.URL(ex) == "" {
			return fmt.Errorf("sources.%s.url is required", ex)
		}
	}

	for i, sub := range cfg.Subscriptions {
		if _, err := models.NewChannel(sub.Exchange, sub.Kind, sub.Market); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
	}

	if err := validateShards(cfg.Shards); err != nil {
		return err
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
	}

	return nil
}

// URL returns the websocket endpoint configured for ex.
func (s SourcesConfig) URL(ex models.Exchange) string {
	switch ex {
	case models.Kraken:
		return s.Kraken.URL
	case models.Coinbase:
		return s.Coinbase.URL
	case models.Hyperliquid:
		return s.Hyperliquid.URL
	case models.Binance:
		return s.Binance.URL
	case models.Bybit:
		return s.Bybit.URL
	case models.OKX:
		return s.OKX.URL
	default:
		return ""
	}
}

// Channels parses the configured subscriptions.
func (c *Config) Channels() ([]models.Channel, error) {
	out := make([]models.Channel, 0, len(c.Subscriptions))
	for i, sub := range c.Subscriptions {
		ch, err := models.NewChannel(sub.Exchange, sub.Kind, sub.Market)
		if err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		out = append(out, ch)
	}
	return out, nil
}
