// Package config loads service configuration from YAML files and
// environment variables, with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lumora/lumora-core/internal/bridge"
	"github.com/lumora/lumora-core/internal/cache"
	"github.com/lumora/lumora-core/internal/messaging"
	"github.com/lumora/lumora-core/internal/redis"
)

// Config is the full configuration surface of the service.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Kafka messaging.KafkaConfig `mapstructure:"kafka"`
	Redis redis.Config          `mapstructure:"redis"`

	Bridge BridgeConfig `mapstructure:"bridge"`
	Cache  CacheConfig  `mapstructure:"cache"`
}

// BridgeConfig names the request/reply topic layout and timing.
type BridgeConfig struct {
	GroupID               string `mapstructure:"group_id"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	DeadLetterTopic       string `mapstructure:"dead_letter_topic"`

	UserQueryRequestTopic        string `mapstructure:"user_query_request_topic"`
	UserQueryResponseTopic       string `mapstructure:"user_query_response_topic"`
	UserValidationRequestTopic   string `mapstructure:"user_validation_request_topic"`
	UserValidationResponseTopic  string `mapstructure:"user_validation_response_topic"`
	StudentCreationRequestTopic  string `mapstructure:"student_creation_request_topic"`
	StudentCreationResponseTopic string `mapstructure:"student_creation_response_topic"`
	SmartCrawlRequestTopic       string `mapstructure:"smart_crawl_request_topic"`
	SmartCrawlResponseTopic      string `mapstructure:"smart_crawl_response_topic"`
}

// CacheConfig holds the cache TTL layout and the invalidation consumer toggle.
type CacheConfig struct {
	KeyPrefix         string  `mapstructure:"key_prefix"`
	DefaultTTLMinutes int     `mapstructure:"default_ttl_minutes"`
	ShortTTLMinutes   int     `mapstructure:"short_ttl_minutes"`
	LongTTLMinutes    int     `mapstructure:"long_ttl_minutes"`
	JitterPercent     float64 `mapstructure:"jitter_percent"`

	InvalidationTopic   string `mapstructure:"invalidation_topic"`
	InvalidationGroupID string `mapstructure:"invalidation_group_id"`
	InvalidationEnabled bool   `mapstructure:"invalidation_enabled"`
}

// Load reads configuration from the given paths (first existing file wins),
// merged with LUMORA_* environment variables, validates it and returns it.
func Load(configPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("LUMORA")

	setDefaults(v)

	if len(configPaths) == 0 {
		configPaths = []string{"./config.yaml", "./configs/config.yaml", "/etc/lumora/config.yaml"}
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group_prefix", "lumora")
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("kafka.required_acks", 1)
	v.SetDefault("kafka.retry_max", 3)
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", 5*time.Millisecond)
	v.SetDefault("kafka.read_timeout", 10*time.Second)
	v.SetDefault("kafka.write_timeout", 2*time.Second)
	v.SetDefault("kafka.max_message_bytes", 1048576)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)

	v.SetDefault("bridge.group_id", "lumora-core")
	v.SetDefault("bridge.request_timeout_seconds", 30)
	v.SetDefault("bridge.dead_letter_topic", "lumora.dead-letter")
	v.SetDefault("bridge.user_query_request_topic", "user.query.request")
	v.SetDefault("bridge.user_query_response_topic", "user.query.response")
	v.SetDefault("bridge.user_validation_request_topic", "user.validation.request")
	v.SetDefault("bridge.user_validation_response_topic", "user.validation.response")
	v.SetDefault("bridge.student_creation_request_topic", "student.creation.request")
	v.SetDefault("bridge.student_creation_response_topic", "student.creation.response")
	v.SetDefault("bridge.smart_crawl_request_topic", "crawl.request")
	v.SetDefault("bridge.smart_crawl_response_topic", "crawl.response")

	v.SetDefault("cache.key_prefix", "lumora")
	v.SetDefault("cache.default_ttl_minutes", 30)
	v.SetDefault("cache.short_ttl_minutes", 5)
	v.SetDefault("cache.long_ttl_minutes", 120)
	v.SetDefault("cache.jitter_percent", 10)
	v.SetDefault("cache.invalidation_topic", "cache.invalidation")
	v.SetDefault("cache.invalidation_group_id", "lumora-core-invalidation")
	v.SetDefault("cache.invalidation_enabled", true)
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Bridge.GroupID == "" {
		return fmt.Errorf("bridge.group_id must not be empty")
	}
	if c.Bridge.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.request_timeout_seconds must be positive")
	}
	if c.Cache.KeyPrefix == "" {
		return fmt.Errorf("cache.key_prefix must not be empty")
	}
	if c.Cache.JitterPercent < 0 || c.Cache.JitterPercent > 100 {
		return fmt.Errorf("cache.jitter_percent must be in [0,100], got %.1f", c.Cache.JitterPercent)
	}
	if c.Cache.DefaultTTLMinutes <= 0 || c.Cache.ShortTTLMinutes <= 0 || c.Cache.LongTTLMinutes <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Cache.InvalidationEnabled && c.Cache.InvalidationTopic == "" {
		return fmt.Errorf("cache.invalidation_topic required when the invalidation consumer is enabled")
	}
	return nil
}

// BridgeConfig materializes the bridge package's configuration.
func (c *Config) BridgeConfig() *bridge.Config {
	return &bridge.Config{
		GroupID:         c.Bridge.GroupID,
		DefaultTimeout:  time.Duration(c.Bridge.RequestTimeoutSeconds) * time.Second,
		DeadLetterTopic: messaging.Topic(c.Bridge.DeadLetterTopic),
		Topics: bridge.Topics{
			UserQueryRequest:        messaging.Topic(c.Bridge.UserQueryRequestTopic),
			UserQueryResponse:       messaging.Topic(c.Bridge.UserQueryResponseTopic),
			UserValidationRequest:   messaging.Topic(c.Bridge.UserValidationRequestTopic),
			UserValidationResponse:  messaging.Topic(c.Bridge.UserValidationResponseTopic),
			StudentCreationRequest:  messaging.Topic(c.Bridge.StudentCreationRequestTopic),
			StudentCreationResponse: messaging.Topic(c.Bridge.StudentCreationResponseTopic),
			SmartCrawlRequest:       messaging.Topic(c.Bridge.SmartCrawlRequestTopic),
			SmartCrawlResponse:      messaging.Topic(c.Bridge.SmartCrawlResponseTopic),
		},
	}
}

// CacheConfig materializes the cache package's configuration.
func (c *Config) CacheConfig() *cache.Config {
	return &cache.Config{
		KeyPrefix:     c.Cache.KeyPrefix,
		DefaultTTL:    time.Duration(c.Cache.DefaultTTLMinutes) * time.Minute,
		ShortTTL:      time.Duration(c.Cache.ShortTTLMinutes) * time.Minute,
		LongTTL:       time.Duration(c.Cache.LongTTLMinutes) * time.Minute,
		JitterPercent: c.Cache.JitterPercent,
	}
}

// ListenerConfig materializes the invalidation listener's configuration.
func (c *Config) ListenerConfig() *cache.ListenerConfig {
	return &cache.ListenerConfig{
		Topic:   messaging.Topic(c.Cache.InvalidationTopic),
		GroupID: c.Cache.InvalidationGroupID,
		Enabled: c.Cache.InvalidationEnabled,
	}
}
