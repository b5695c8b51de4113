package app

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr           string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL    string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	AdminKeyPepper string `usage:"HMAC pepper for admin API key hashing" flag:"admin-key-pepper"`
	Redis          RedisConfig
	Kafka          KafkaConfig
	Checkout       CheckoutConfig
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	Graceful       GracefulConfig
}

// RedisConfig enables the order status cache and checkout idempotency.
// Both are skipped when Addr is empty.
type RedisConfig struct {
	Addr           string        `default:"" usage:"Redis address (host:port)"`
	Password       string        `default:"" usage:"Redis password"`
	DB             int           `default:"0" usage:"Redis database number"`
	IdempotencyTTL time.Duration `default:"24h" usage:"Lifetime of a completed idempotency key" flag:"idempotency-ttl"`
	StatusTTL      time.Duration `default:"5m" usage:"Lifetime of a cached order status" flag:"status-ttl"`
}

// KafkaConfig enables order event publishing. Events are only logged when
// Brokers is empty.
type KafkaConfig struct {
	Brokers []string `default:"" usage:"Kafka bootstrap brokers"`
	Topic   string   `default:"orders.events" usage:"Order events topic"`
	Buffer  int      `default:"1024" usage:"In-memory event buffer size"`
}

// CheckoutConfig bounds a single checkout request.
type CheckoutConfig struct {
	Timeout time.Duration `default:"10s" usage:"Checkout request deadline" flag:"checkout-timeout"`
}

// RateLimitConfig controls the sliding window rate limiters. Max bounds a
// client address; PerIdentityMax bounds one cart or order owner within it.
type RateLimitConfig struct {
	Max            int           `default:"100" usage:"Max requests per window and client IP"`
	PerIdentityMax int           `default:"60"  usage:"Max cart and order requests per window and shopper" flag:"rate-limit-per-identity"`
	Window         time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/shop/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.applyPlatformDefaults(); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Checkout.Timeout <= 0 {
		return nil, errors.New("checkout timeout must be positive")
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (DATABASE_URL, REDIS_URL, PORT) onto the SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() error {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.Addr == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			if err := c.Redis.fromURL(v); err != nil {
				return errors.Wrap(err, "parse REDIS_URL")
			}
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	c.Kafka.Brokers = compact(c.Kafka.Brokers)
	c.CORS.Origins = compact(c.CORS.Origins)
	return nil
}

// fromURL fills c from a redis://[:password@]host:port[/db] URL.
func (c *RedisConfig) fromURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	c.Addr = u.Host
	if pw, ok := u.User.Password(); ok {
		c.Password = pw
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return errors.Wrapf(err, "database %q", db)
		}
		c.DB = n
	}
	return nil
}

// compact drops empty entries that aconfig produces for an empty default.
func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
