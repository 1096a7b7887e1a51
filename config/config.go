package config

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Tradefeed TradefeedConfig `yaml:"tradefeed"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TradefeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type RedisConfig struct {
	URL              string `yaml:"url"`
	StreamPrefix     string `yaml:"stream_prefix"`
	MaxStreamLength  int64  `yaml:"max_stream_length"`
	PublishTimeoutMS int    `yaml:"publish_timeout_ms"`
	PingTimeoutMS    int    `yaml:"ping_timeout_ms"`
}

type ExchangeConfig struct {
	Name    string `yaml:"name"`
	WsURL   string `yaml:"ws_url"`
	RestURL string `yaml:"rest_url"`
}

type DiscoveryConfig struct {
	IntervalMin       int             `yaml:"interval_minutes"`
	StartupTimeoutSec int             `yaml:"startup_timeout_sec"`
	PairLimit         int             `yaml:"pair_limit"`
	QuoteAsset        string          `yaml:"quote_asset"`
	RankingURL        string          `yaml:"ranking_url"`
	RankingPageSize   int             `yaml:"ranking_page_size"`
	FallbackPairs     []string        `yaml:"fallback_pairs"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type IngestConfig struct {
	PairsPerConnection  int         `yaml:"pairs_per_connection"`
	HandshakeTimeoutSec int         `yaml:"handshake_timeout_sec"`
	RawPayloadLimit     int         `yaml:"raw_payload_limit"`
	Retry               RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries  int `yaml:"max_retries"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// PublishTimeout returns the per-publish deadline for stream appends.
func (r RedisConfig) PublishTimeout() time.Duration {
	return time.Duration(r.PublishTimeoutMS) * time.Millisecond
}

// PingTimeout returns the deadline for broker liveness probes.
func (r RedisConfig) PingTimeout() time.Duration {
	return time.Duration(r.PingTimeoutMS) * time.Millisecond
}

// RefreshInterval returns the pause between working set refreshes.
func (d DiscoveryConfig) RefreshInterval() time.Duration {
	return time.Duration(d.IntervalMin) * time.Minute
}

// StartupTimeout returns how long ingestion waits for the first refresh.
func (d DiscoveryConfig) StartupTimeout() time.Duration {
	return time.Duration(d.StartupTimeoutSec) * time.Second
}

// HandshakeTimeout returns the websocket dial deadline.
func (i IngestConfig) HandshakeTimeout() time.Duration {
	return time.Duration(i.HandshakeTimeoutSec) * time.Second
}

// BaseDelay returns the first reconnect delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Redis: RedisConfig{
			StreamPrefix:     "trades:",
			MaxStreamLength:  10000,
			PublishTimeoutMS: 5000,
			PingTimeoutMS:    2000,
		},
		Discovery: DiscoveryConfig{
			IntervalMin:       60,
			StartupTimeoutSec: 30,
			PairLimit:         50,
			QuoteAsset:        "USDT",
			RankingPageSize:   100,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         10,
			},
		},
		Ingest: IngestConfig{
			PairsPerConnection:  50,
			HandshakeTimeoutSec: 10,
			RawPayloadLimit:     512,
			Retry: RetryConfig{
				MaxRetries:  10,
				BaseDelayMS: 1000,
				MaxDelayMS:  60000,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	// Development runs fall back to a local broker; production-like
	// environments must configure one explicitly.
	if config.Redis.URL == "" && !IsProductionLike(AppEnvironment()) {
		config.Redis.URL = "redis://localhost:6379/0"
	}

	for i, p := range config.Discovery.FallbackPairs {
		config.Discovery.FallbackPairs[i] = strings.ToUpper(strings.TrimSpace(p))
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		cfg.Exchange.WsURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		cfg.Exchange.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("COINGECKO_URL"); v != "" {
		cfg.Discovery.RankingURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		cfg.Health.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("STREAM_MAX_LEN"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Redis.MaxStreamLength = n
		}
	}
	if v := os.Getenv("PAIRS_PER_CONNECTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ingest.PairsPerConnection = n
		}
	}
	if v := os.Getenv("PAIR_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Discovery.PairLimit = n
		}
	}
	if v := os.Getenv("DISCOVERY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			min := int(d.Minutes())
			if min < 1 {
				min = 1
			}
			cfg.Discovery.IntervalMin = min
		}
	}
	if v := os.Getenv("FALLBACK_PAIRS"); v != "" {
		pairs := make([]string, 0)
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pairs = append(pairs, p)
			}
		}
		if len(pairs) > 0 {
			cfg.Discovery.FallbackPairs = pairs
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradefeed.Name == "" {
		return fmt.Errorf("tradefeed.name is required")
	}

	if cfg.Tradefeed.Version == "" {
		return fmt.Errorf("tradefeed.version is required")
	}

	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if cfg.Redis.MaxStreamLength <= 0 {
		return fmt.Errorf("redis.max_stream_length must be greater than 0")
	}
	if cfg.Redis.PublishTimeoutMS <= 0 {
		return fmt.Errorf("redis.publish_timeout_ms must be greater than 0")
	}

	if cfg.Exchange.WsURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if !strings.HasPrefix(cfg.Exchange.WsURL, "ws://") && !strings.HasPrefix(cfg.Exchange.WsURL, "wss://") {
		return fmt.Errorf("exchange.ws_url '%s' must use a ws:// or wss:// scheme", cfg.Exchange.WsURL)
	}
	if cfg.Exchange.RestURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}

	if cfg.Discovery.IntervalMin <= 0 {
		return fmt.Errorf("discovery.interval_minutes must be greater than 0")
	}
	if cfg.Discovery.PairLimit <= 0 {
		return fmt.Errorf("discovery.pair_limit must be greater than 0")
	}
	if cfg.Discovery.RankingURL == "" {
		return fmt.Errorf("discovery.ranking_url is required")
	}
	if cfg.Discovery.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("discovery.rate_limit.requests_per_second must be greater than 0")
	}
	if len(cfg.Discovery.FallbackPairs) == 0 {
		return fmt.Errorf("discovery.fallback_pairs must not be empty")
	}
	for _, p := range cfg.Discovery.FallbackPairs {
		if !isValidPair(p) {
			return fmt.Errorf("discovery.fallback_pairs entry '%s' is invalid", p)
		}
	}

	if cfg.Ingest.PairsPerConnection <= 0 {
		return fmt.Errorf("ingest.pairs_per_connection must be greater than 0")
	}
	if cfg.Ingest.RawPayloadLimit <= 0 {
		return fmt.Errorf("ingest.raw_payload_limit must be greater than 0")
	}
	if cfg.Ingest.Retry.MaxRetries <= 0 {
		return fmt.Errorf("ingest.retry.max_retries must be greater than 0")
	}
	if cfg.Ingest.Retry.BaseDelayMS <= 0 {
		return fmt.Errorf("ingest.retry.base_delay_ms must be greater than 0")
	}
	if cfg.Ingest.Retry.MaxDelayMS < cfg.Ingest.Retry.BaseDelayMS {
		return fmt.Errorf("ingest.retry.max_delay_ms must not be less than ingest.retry.base_delay_ms")
	}

	if cfg.Health.Enabled && cfg.Health.Address == "" {
		return fmt.Errorf("health.address is required when the health server is enabled")
	}

	return nil
}

var pairRegexp = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

func isValidPair(symbol string) bool {
	return pairRegexp.MatchString(symbol)
}
