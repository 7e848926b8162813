// Package config loads the settings shared by the draftsync binaries: an
// optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/draftsync/go/internal/draft/backoff"
	"github.com/mcdev12/draftsync/go/internal/draft/realtime/natstransport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Queue    QueueConfig    `yaml:"queue"`
	Timer    TimerConfig    `yaml:"timer"`
	Offline  OfflineConfig  `yaml:"offline"`
	NATS     NATSConfig     `yaml:"nats"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Relay    RelayConfig    `yaml:"relay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type RealtimeConfig struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	BurstThreshold   int           `yaml:"burst_threshold"`
	BurstWindow      time.Duration `yaml:"burst_window"`
}

// Backoff returns the reconnect policy.
func (c RealtimeConfig) Backoff() backoff.Policy {
	return backoff.Policy{Base: c.BackoffBase, Max: c.BackoffMax, MaxAttempts: c.MaxAttempts}
}

type QueueConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	ItemDelay   time.Duration `yaml:"item_delay"`
}

type TimerConfig struct {
	WarningThreshold time.Duration `yaml:"warning_threshold"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	FirstTurnGrace   time.Duration `yaml:"first_turn_grace"`
}

type OfflineConfig struct {
	Path string `yaml:"path"` // sqlite file
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	PresenceBucket string        `yaml:"presence_bucket"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	Embedded       bool          `yaml:"embedded"`
	StoreDir       string        `yaml:"store_dir"`
}

// Transport returns the natstransport layout with the configured names.
func (c NATSConfig) Transport() natstransport.Config {
	tc := natstransport.DefaultConfig()
	if c.URL != "" {
		tc.URL = c.URL
	}
	if c.Stream != "" {
		tc.StreamName = c.Stream
	}
	if c.PresenceBucket != "" {
		tc.PresenceBucket = c.PresenceBucket
	}
	if c.PresenceTTL > 0 {
		tc.PresenceTTL = c.PresenceTTL
		tc.PresenceHeartbeat = c.PresenceTTL / 3
	}
	return tc
}

type GatewayConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	URL            string   `yaml:"url"` // where participant clients reach the room service
}

type RelayConfig struct {
	HealthPort       int           `yaml:"health_port"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`
	BatchSize        int           `yaml:"batch_size"`
	Migrate          bool          `yaml:"migrate"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Realtime: RealtimeConfig{
			DedupWindow:      time.Second,
			SubscribeTimeout: 10 * time.Second,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
			MaxAttempts:      5,
			BurstThreshold:   25,
			BurstWindow:      2 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:  3,
			BackoffBase: time.Second,
			BackoffMax:  10 * time.Second,
			ItemDelay:   100 * time.Millisecond,
		},
		Timer: TimerConfig{
			WarningThreshold: 10 * time.Second,
			GracePeriod:      30 * time.Second,
			FirstTurnGrace:   5 * time.Second,
		},
		Offline: OfflineConfig{Path: "draftsync-offline.db"},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "DRAFT_CHANGES",
			PresenceBucket: "DRAFT_PRESENCE",
			PresenceTTL:    30 * time.Second,
		},
		Gateway: GatewayConfig{
			Port:           8081,
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			URL:            "http://localhost:8081",
		},
		Relay: RelayConfig{
			HealthPort:       8082,
			FallbackInterval: 30 * time.Second,
			BatchSize:        100,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when path is not
// empty, then applies environment overrides. Call godotenv.Load first so
// .env values take part.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("DRAFTSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("DRAFTSYNC_LOG_FORMAT", c.Log.Format)

	c.Realtime.DedupWindow = getEnvAsDuration("DRAFTSYNC_DEDUP_WINDOW", c.Realtime.DedupWindow)
	c.Realtime.SubscribeTimeout = getEnvAsDuration("DRAFTSYNC_SUBSCRIBE_TIMEOUT", c.Realtime.SubscribeTimeout)

	c.Queue.MaxRetries = getEnvAsInt("DRAFTSYNC_QUEUE_MAX_RETRIES", c.Queue.MaxRetries)

	c.Timer.WarningThreshold = getEnvAsDuration("DRAFTSYNC_TIMER_WARNING", c.Timer.WarningThreshold)
	c.Timer.GracePeriod = getEnvAsDuration("DRAFTSYNC_TIMER_GRACE", c.Timer.GracePeriod)
	c.Timer.FirstTurnGrace = getEnvAsDuration("DRAFTSYNC_TIMER_FIRST_TURN_GRACE", c.Timer.FirstTurnGrace)

	c.Offline.Path = getEnv("DRAFTSYNC_OFFLINE_PATH", c.Offline.Path)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.PresenceTTL = getEnvAsDuration("DRAFTSYNC_PRESENCE_TTL", c.NATS.PresenceTTL)
	c.NATS.Embedded = getEnvAsBool("DRAFTSYNC_NATS_EMBEDDED", c.NATS.Embedded)

	c.Gateway.Port = getEnvAsInt("DRAFTSYNC_GATEWAY_PORT", c.Gateway.Port)
	c.Gateway.URL = getEnv("DRAFTSYNC_GATEWAY_URL", c.Gateway.URL)
	if origins := getEnv("DRAFTSYNC_ALLOWED_ORIGINS", ""); origins != "" {
		c.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}

	c.Relay.HealthPort = getEnvAsInt("DRAFTSYNC_RELAY_HEALTH_PORT", c.Relay.HealthPort)
	c.Relay.FallbackInterval = getEnvAsDuration("FALLBACK_INTERVAL", c.Relay.FallbackInterval)
	c.Relay.Migrate = getEnvAsBool("DRAFTSYNC_MIGRATE", c.Relay.Migrate)
}

func (c Config) validate() error {
	switch {
	case c.Timer.GracePeriod < 0:
		return fmt.Errorf("timer.grace_period must not be negative")
	case c.Timer.WarningThreshold <= 0:
		return fmt.Errorf("timer.warning_threshold must be positive")
	case c.Queue.MaxRetries < 0:
		return fmt.Errorf("queue.max_retries must not be negative")
	case c.Gateway.Port <= 0 || c.Relay.HealthPort <= 0:
		return fmt.Errorf("ports must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
