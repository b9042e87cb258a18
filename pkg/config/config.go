package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the live feed and the feed simulator.
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Series  SeriesConfig  `mapstructure:"series"`
	Backend BackendConfig `mapstructure:"backend"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	FeedSim FeedSimConfig `mapstructure:"feedsim"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level       string `mapstructure:"level"`    // debug, info, warn, error
	Encoding    string `mapstructure:"encoding"` // json or console
	Development bool   `mapstructure:"development"`
}

// StreamConfig drives the upstream prices connection.
type StreamConfig struct {
	URL                string        `mapstructure:"url"`
	ScopeParam         string        `mapstructure:"scope_param"`
	Token              string        `mapstructure:"token"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffCapExponent int           `mapstructure:"backoff_cap_exponent"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"` // 0 disables the watchdog
	ReadBuffer         int           `mapstructure:"read_buffer"`
	MaxFrameBytes      int           `mapstructure:"max_frame_bytes"`
}

type SeriesConfig struct {
	MaxPoints int           `mapstructure:"max_points"`
	Window    time.Duration `mapstructure:"window"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// FeedSimConfig configures the development prices server.
type FeedSimConfig struct {
	Port     string        `mapstructure:"port"`
	Source   string        `mapstructure:"source"` // "random" or "kafka"
	Tickers  []string      `mapstructure:"tickers"`
	Interval time.Duration `mapstructure:"interval"`
	Token    string        `mapstructure:"token"`

	// Publish also writes random-walk updates to the Kafka ticks topic.
	Publish   bool          `mapstructure:"publish"`
	Workers   int           `mapstructure:"workers"` // kafka source consumers
	Keepalive time.Duration `mapstructure:"keepalive"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment if present
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	setDefaults(v)

	// "stream.url" -> "STREAM_URL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper only maps flat env vars onto nested keys it knows about
	bindEnv(v, "app.port", "app.env")
	bindEnv(v, "logger.level", "logger.encoding", "logger.development")
	bindEnv(v, "stream.url", "stream.scope_param", "stream.token", "stream.backoff_base",
		"stream.backoff_cap_exponent", "stream.idle_timeout", "stream.read_buffer", "stream.max_frame_bytes")
	bindEnv(v, "series.max_points", "series.window")
	bindEnv(v, "backend.base_url", "backend.timeout")
	bindEnv(v, "redis.addr", "redis.password", "redis.db", "redis.snapshot_ttl")
	bindEnv(v, "kafka.brokers", "kafka.topic", "kafka.group_id")
	bindEnv(v, "feedsim.port", "feedsim.source", "feedsim.tickers", "feedsim.interval", "feedsim.token",
		"feedsim.publish", "feedsim.workers", "feedsim.keepalive")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.development", false)

	v.SetDefault("stream.url", "http://localhost:8090/stream/prices")
	v.SetDefault("stream.scope_param", "accountId")
	v.SetDefault("stream.token", "")
	v.SetDefault("stream.backoff_base", time.Second)
	v.SetDefault("stream.backoff_cap_exponent", 6)
	v.SetDefault("stream.idle_timeout", 45*time.Second)
	v.SetDefault("stream.read_buffer", 4096)
	v.SetDefault("stream.max_frame_bytes", 1<<20)

	v.SetDefault("series.max_points", 600)
	v.SetDefault("series.window", 24*time.Hour)

	v.SetDefault("backend.base_url", "http://localhost:8090/api")
	v.SetDefault("backend.timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", time.Hour)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.group_id", "feedsim-group")

	v.SetDefault("feedsim.port", ":8090")
	v.SetDefault("feedsim.source", "random")
	v.SetDefault("feedsim.tickers", []string{"BTC", "ETH", "SOL", "AAPL"})
	v.SetDefault("feedsim.interval", time.Second)
	v.SetDefault("feedsim.token", "")
	v.SetDefault("feedsim.publish", false)
	v.SetDefault("feedsim.workers", 4)
	v.SetDefault("feedsim.keepalive", 15*time.Second)
}

// Validate rejects configurations the live feed cannot run with.
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream url cannot be empty")
	}
	if c.Stream.BackoffBase <= 0 {
		return fmt.Errorf("stream backoff base must be positive, got %v", c.Stream.BackoffBase)
	}
	if c.Stream.BackoffCapExponent < 0 {
		return fmt.Errorf("stream backoff cap exponent cannot be negative")
	}
	if c.Stream.IdleTimeout < 0 {
		return fmt.Errorf("stream idle timeout cannot be negative")
	}
	if c.Series.MaxPoints < 2 {
		return fmt.Errorf("series max points must be at least 2, got %d", c.Series.MaxPoints)
	}
	if c.FeedSim.Source != "random" && c.FeedSim.Source != "kafka" {
		return fmt.Errorf("unknown feedsim source %q", c.FeedSim.Source)
	}
	if (c.FeedSim.Source == "kafka" || c.FeedSim.Publish) && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if c.FeedSim.Workers < 1 {
		return fmt.Errorf("feedsim workers must be at least 1, got %d", c.FeedSim.Workers)
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
