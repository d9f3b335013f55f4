package chat

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	defaultListenAddr      = ":9001"
	defaultHTTPAddr        = ":8080"
	defaultMaxLineBytes    = 4096
	defaultSendQueueDepth  = 64
	defaultRateBurst       = 20
	defaultRateInterval    = time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig bounds how many inbound lines a single connection may
// submit: Burst lines, refilled over RefillInterval.
type RateLimitConfig struct {
	Burst          int           `envconfig:"BURST" default:"20"`
	RefillInterval time.Duration `envconfig:"REFILL_INTERVAL" default:"1s"`
}

// Config holds the server's runtime settings. All fields come from the
// environment (prefix CHAT_), optionally seeded from a .env file.
type Config struct {
	// ListenAddr is the TCP address the line-protocol listener binds to.
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":9001"`
	// HTTPAddr serves the health endpoint and the WebSocket transport.
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	// AllowedOrigins restricts WebSocket upgrades; "*" allows any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	// MaxLineBytes caps one inbound protocol line; longer lines terminate
	// the offending connection.
	MaxLineBytes int `envconfig:"MAX_LINE_BYTES" default:"4096"`
	// SendQueueDepth is the per-session outbound buffer. A session whose
	// queue is full when a line arrives is evicted as a slow consumer.
	SendQueueDepth int `envconfig:"SEND_QUEUE_DEPTH" default:"64"`
	// WriteTimeout bounds a single line write on the TCP transport.
	WriteTimeout    time.Duration   `envconfig:"WRITE_TIMEOUT" default:"10s"`
	RateLimit       RateLimitConfig `envconfig:"RATE_LIMIT"`
	ShutdownTimeout time.Duration   `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string          `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads the configuration from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("chat", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}
	return cfg.sanitized(), nil
}

// DefaultConfig returns the built-in defaults, used by tests and as the
// fallback when no environment is present.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		HTTPAddr:       defaultHTTPAddr,
		AllowedOrigins: []string{"http://localhost:8080"},
		MaxLineBytes:   defaultMaxLineBytes,
		SendQueueDepth: defaultSendQueueDepth,
		WriteTimeout:   defaultWriteTimeout,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateInterval,
		},
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        "info",
	}
}

// sanitized clamps nonsensical values back to their defaults.
func (c Config) sanitized() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaultHTTPAddr
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = defaultMaxLineBytes
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = defaultSendQueueDepth
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRateInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}
