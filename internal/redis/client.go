package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis connection configuration
type Config struct {
	Addr     string `yaml:"addr" json:"addr" mapstructure:"addr"`
	Password string `yaml:"password" json:"password" mapstructure:"password"`
	DB       int    `yaml:"db" json:"db" mapstructure:"db"`

	// Pool settings
	PoolSize        int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns    int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	PoolTimeout     time.Duration `yaml:"pool_timeout" json:"pool_timeout" mapstructure:"pool_timeout"`

	// Retry settings
	MaxRetries      int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `yaml:"min_retry_backoff" json:"min_retry_backoff" mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" json:"max_retry_backoff" mapstructure:"max_retry_backoff"`

	// Timeout settings
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	// Cluster settings
	EnableCluster bool     `yaml:"enable_cluster" json:"enable_cluster" mapstructure:"enable_cluster"`
	ClusterAddrs  []string `yaml:"cluster_addrs" json:"cluster_addrs" mapstructure:"cluster_addrs"`

	// Sentinel settings
	EnableSentinel   bool     `yaml:"enable_sentinel" json:"enable_sentinel" mapstructure:"enable_sentinel"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" json:"sentinel_addrs" mapstructure:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" json:"sentinel_password" mapstructure:"sentinel_password"`
	MasterName       string   `yaml:"master_name" json:"master_name" mapstructure:"master_name"`
}

// DefaultConfig returns defaults sized for cache traffic
func DefaultConfig() *Config {
	return &Config{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,

		PoolSize:        50,
		MinIdleConns:    10,
		ConnMaxLifetime: 24 * time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		PoolTimeout:     4 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// Client wraps the Redis client with lifecycle helpers
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.Logger
}

// NewClient connects a client and verifies the connection with a ping
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	var rdb redis.UniversalClient

	switch {
	case config.EnableCluster:
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    config.ClusterAddrs,
			Password: config.Password,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	case config.EnableSentinel:
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       config.MasterName,
			SentinelAddrs:    config.SentinelAddrs,
			SentinelPassword: config.SentinelPassword,
			Password:         config.Password,
			DB:               config.DB,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	default:
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected",
		zap.String("addr", config.Addr),
		zap.Int("db", config.DB),
		zap.Int("pool_size", config.PoolSize),
		zap.Bool("cluster_mode", config.EnableCluster),
		zap.Bool("sentinel_mode", config.EnableSentinel),
	)

	return &Client{rdb: rdb, config: config, logger: logger}, nil
}

// Universal returns the underlying Redis client
func (c *Client) Universal() redis.UniversalClient {
	return c.rdb
}

// Health checks the Redis connection
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}
