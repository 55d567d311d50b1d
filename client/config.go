package client

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/relaynet"
	"github.com/luciancaetano/relaynet/internal/gateway"
	"github.com/luciancaetano/relaynet/internal/rest"
)

// Config configures a Client. Durations in YAML are strings such as "15s".
type Config struct {
	Token string `yaml:"token"`

	BaseURL string `yaml:"base_url"`

	// GatewayURL skips the gateway lookup when ShardCount and Concurrency
	// are also set.
	GatewayURL string `yaml:"gateway_url"`

	UserAgent         string        `yaml:"user_agent"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LatencyThreshold  time.Duration `yaml:"latency_threshold"`
	RatelimiterOffset time.Duration `yaml:"ratelimiter_offset"`
	Host              string        `yaml:"host"`
	Fingerprint       string        `yaml:"fingerprint"`

	// ShardCount 0 uses the count recommended by the server.
	ShardCount   int `yaml:"shard_count"`
	FirstShardID int `yaml:"first_shard_id"`
	// LastShardID -1 means ShardCount-1.
	LastShardID int `yaml:"last_shard_id"`
	// Concurrency 0 uses max_concurrency from the server.
	Concurrency int `yaml:"concurrency"`

	ConnectionTimeout time.Duration              `yaml:"connection_timeout"`
	MaxResumeAttempts int                        `yaml:"max_resume_attempts"`
	AutoReconnect     bool                       `yaml:"auto_reconnect"`
	Compress          bool                       `yaml:"compress"`
	LargeThreshold    int                        `yaml:"large_threshold"`
	Intents           int                        `yaml:"intents"`
	Properties        gateway.IdentifyProperties `yaml:"properties"`
	Presence          *gateway.Presence          `yaml:"presence"`

	LogLevel string `yaml:"log_level"`

	// Logger overrides the console logger built from LogLevel.
	Logger *zerolog.Logger `yaml:"-"`
	// Registerer receives the prometheus collectors. Nil disables metrics.
	Registerer     prometheus.Registerer `yaml:"-"`
	TracerProvider trace.TracerProvider  `yaml:"-"`
	HTTPClient     *http.Client          `yaml:"-"`
	Dialer         *websocket.Dialer     `yaml:"-"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		BaseURL:           rest.DefaultBaseURL,
		RequestTimeout:    rest.DefaultTimeout,
		LatencyThreshold:  rest.DefaultLatencyThreshold,
		LastShardID:       -1,
		ConnectionTimeout: gateway.DefaultConnectionTimeout,
		MaxResumeAttempts: gateway.DefaultMaxResumeAttempts,
		AutoReconnect:     true,
		LargeThreshold:    gateway.DefaultLargeThreshold,
		LogLevel:          zerolog.LevelInfoValue,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch {
	case c.Token == "":
		return errors.New(relaynet.ErrTokenNotSpecified)
	case c.RequestTimeout < 0, c.LatencyThreshold < 0, c.ConnectionTimeout < 0:
		return errors.New("timeouts must not be negative")
	case c.ShardCount < 0:
		return errors.Errorf("invalid shard_count %d", c.ShardCount)
	case c.Concurrency < 0:
		return errors.Errorf("invalid concurrency %d", c.Concurrency)
	case c.FirstShardID < 0:
		return errors.Errorf("invalid first_shard_id %d", c.FirstShardID)
	case c.LastShardID < -1:
		return errors.Errorf("invalid last_shard_id %d", c.LastShardID)
	case c.LastShardID >= 0 && c.LastShardID < c.FirstShardID:
		return errors.Errorf("last_shard_id %d is below first_shard_id %d", c.LastShardID, c.FirstShardID)
	case c.ShardCount > 0 && c.LastShardID >= c.ShardCount:
		return errors.Errorf("last_shard_id %d is out of range for %d shards", c.LastShardID, c.ShardCount)
	case c.ShardCount > 0 && c.FirstShardID >= c.ShardCount:
		return errors.Errorf("first_shard_id %d is out of range for %d shards", c.FirstShardID, c.ShardCount)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log_level")
	}
	return nil
}

func (c *Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Str("component", "relaynet").
		Logger()
}
